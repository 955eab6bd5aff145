package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"example.com/causalq/internal/cluster"
	"example.com/causalq/internal/journal"
	"example.com/causalq/internal/node"
	"example.com/causalq/internal/transport"
	"example.com/causalq/internal/types"
)

func newServer(t *testing.T, size int) (*httptest.Server, *cluster.Manager) {
	t.Helper()
	m, err := cluster.NewLocal(size, cluster.Options{DataRoot: t.TempDir(), InMemory: true})
	if err != nil {
		t.Fatal(err)
	}
	m.Start(context.Background())
	srv := httptest.NewServer(New(m).Router())
	t.Cleanup(func() {
		srv.Close()
		m.Shutdown()
	})
	return srv, m
}

func post(t *testing.T, url, body string) (*http.Response, map[string]string) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	out := map[string]string{}
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatal(err)
		}
	}
	return resp.StatusCode
}

func waitStable(t *testing.T, n *node.Node, opID string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		evs, err := n.Journal().Events(1)
		if err != nil {
			t.Fatal(err)
		}
		for _, ev := range evs {
			if ev.Kind == types.EnqueueStable && ev.OpID == opID {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("enqueue %s never became stable", opID)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestEnqueueAndStatus(t *testing.T) {
	srv, m := newServer(t, 2)

	resp, out := post(t, srv.URL+"/api/ranks/0/enqueue", `{"value": 69}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	if out["op_id"] == "" {
		t.Fatal("expected an op id")
	}
	n, _ := m.Get(0)
	waitStable(t, n, out["op_id"])

	var st struct {
		Clock    types.VectorClock `json:"clock"`
		AckCount int               `json:"ack_count"`
		Queue    []types.Entry     `json:"queue"`
	}
	if code := getJSON(t, srv.URL+"/api/ranks/1/status", &st); code != http.StatusOK {
		t.Fatalf("status returned %d", code)
	}
	if len(st.Queue) != 1 || st.Queue[0].Value != 69 || st.Queue[0].Invoker != 0 {
		t.Fatalf("unexpected queue on p1: %+v", st.Queue)
	}

	var recs []journal.Record
	if code := getJSON(t, srv.URL+"/api/ranks/0/history?limit=2", &recs); code != http.StatusOK {
		t.Fatalf("history returned %d", code)
	}
	if len(recs) != 2 || recs[1].Msg.Op != types.OpEnqAck {
		t.Fatalf("expected the last two applied messages, got %+v", recs)
	}
}

func TestRequestErrors(t *testing.T) {
	srv, _ := newServer(t, 2)

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing value", "/api/ranks/0/enqueue", `{}`, http.StatusBadRequest},
		{"bad json", "/api/ranks/0/enqueue", `{"value":`, http.StatusBadRequest},
		{"bad rank", "/api/ranks/x/enqueue", `{"value":1}`, http.StatusBadRequest},
		{"unknown rank", "/api/ranks/5/dequeue", ``, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := post(t, srv.URL+tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, resp.StatusCode)
			}
		})
	}

	var h []journal.Record
	if code := getJSON(t, srv.URL+"/api/ranks/0/history?limit=-1", &h); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a negative limit, got %d", code)
	}
}

func TestListRanks(t *testing.T) {
	srv, _ := newServer(t, 3)
	var out struct {
		Size  int          `json:"size"`
		Ranks []types.Rank `json:"ranks"`
	}
	if code := getJSON(t, srv.URL+"/api/ranks", &out); code != http.StatusOK {
		t.Fatalf("got %d", code)
	}
	if out.Size != 3 || len(out.Ranks) != 3 {
		t.Fatalf("unexpected listing %+v", out)
	}
}

func TestForwardToPeer(t *testing.T) {
	net := transport.NewNetwork(2)
	opt := cluster.Options{DataRoot: t.TempDir(), InMemory: true}
	m0, m1 := cluster.NewManager(), cluster.NewManager()
	if err := m0.Add(net.Endpoint(0), opt); err != nil {
		t.Fatal(err)
	}
	if err := m1.Add(net.Endpoint(1), opt); err != nil {
		t.Fatal(err)
	}
	m0.Start(context.Background())
	m1.Start(context.Background())
	defer m0.Shutdown()
	defer m1.Shutdown()

	srv1 := httptest.NewServer(New(m1).Router())
	defer srv1.Close()
	srv0 := httptest.NewServer(New(m0).WithPeers(map[types.Rank]string{1: srv1.URL}).Router())
	defer srv0.Close()

	resp, out := post(t, srv0.URL+"/api/ranks/1/enqueue", `{"value": 4}`)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202 through the peer, got %d", resp.StatusCode)
	}
	n1, _ := m1.Get(1)
	waitStable(t, n1, out["op_id"])
}

func TestStreamReplaysJournal(t *testing.T) {
	srv, m := newServer(t, 2)

	_, out := post(t, srv.URL+"/api/ranks/1/enqueue", `{"value": 12}`)
	n, _ := m.Get(1)
	waitStable(t, n, out["op_id"])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/ranks/1/stream?from=1", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatal(err)
		}
		if ev.Seq != 1 || ev.OpID != out["op_id"] || ev.Kind != types.EnqueueStable || ev.Value != 12 {
			t.Fatalf("unexpected event %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended without an event: %v", sc.Err())
}

func TestCheckpoints(t *testing.T) {
	srv, _ := newServer(t, 2)

	resp, out := post(t, srv.URL+"/api/ranks/0/checkpoints", ``)
	if resp.StatusCode != http.StatusCreated || out["id"] == "" {
		t.Fatalf("expected 201 with an id, got %d %v", resp.StatusCode, out)
	}

	var list struct {
		Checkpoints []string `json:"checkpoints"`
	}
	getJSON(t, srv.URL+"/api/ranks/0/checkpoints", &list)
	if len(list.Checkpoints) != 1 || list.Checkpoints[0] != out["id"] {
		t.Fatalf("checkpoint not listed: %v", list)
	}

	var snap struct {
		Rank types.Rank `json:"rank"`
		Size int        `json:"size"`
	}
	if code := getJSON(t, srv.URL+"/api/ranks/0/checkpoints/"+out["id"], &snap); code != http.StatusOK {
		t.Fatalf("checkpoint fetch returned %d", code)
	}
	if snap.Rank != 0 || snap.Size != 2 {
		t.Fatalf("unexpected checkpoint %+v", snap)
	}
	if code := getJSON(t, srv.URL+"/api/ranks/0/checkpoints/nope", &snap); code != http.StatusNotFound {
		t.Fatalf("expected 404 for an unknown checkpoint, got %d", code)
	}
}
