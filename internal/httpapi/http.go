package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"example.com/causalq/internal/cluster"
	"example.com/causalq/internal/journal"
	"example.com/causalq/internal/node"
	"example.com/causalq/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
)

const requestTimeout = 6 * time.Second

type API struct {
	gm *cluster.Manager
	// peers maps ranks not served here to the base URL of the process
	// that serves them, e.g. "http://host:8082". Optional.
	peers map[types.Rank]string
}

func New(gm *cluster.Manager) *API { return &API{gm: gm} }

// WithPeers enables forwarding for ranks served by other processes.
func (a *API) WithPeers(peers map[types.Rank]string) *API {
	a.peers = peers
	return a
}

func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/api/ranks", a.handleListRanks)
	r.Route("/api/ranks/{rank}", func(r chi.Router) {
		r.Post("/enqueue", a.handleEnqueue)
		r.Post("/dequeue", a.handleDequeue)
		r.Get("/status", a.handleStatus)
		r.Get("/history", a.handleHistory)
		r.Get("/stream", a.handleStream)
		r.Post("/checkpoints", a.handleCheckpoint)
		r.Get("/checkpoints", a.handleListCheckpoints)
		r.Get("/checkpoints/{id}", a.handleGetCheckpoint)
	})
	return r
}

// nodeOf resolves the {rank} parameter. When the rank lives elsewhere and a
// peer is known, the request is forwarded and ok is false.
func (a *API) nodeOf(w http.ResponseWriter, r *http.Request) (*node.Node, bool) {
	raw := chi.URLParam(r, "rank")
	v, err := strconv.Atoi(raw)
	if err != nil {
		http.Error(w, "bad rank "+raw, http.StatusBadRequest)
		return nil, false
	}
	rank := types.Rank(v)
	if n, ok := a.gm.Get(rank); ok {
		return n, true
	}
	if base, ok := a.peers[rank]; ok {
		a.forward(w, r, base)
		return nil, false
	}
	http.Error(w, fmt.Sprintf("rank %d not served here", rank), http.StatusNotFound)
	return nil, false
}

func (a *API) forward(w http.ResponseWriter, r *http.Request, base string) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	_ = r.Body.Close()

	url := strings.TrimRight(base, "/") + r.URL.RequestURI()
	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, bytes.NewReader(raw))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", r.Header.Get("Content-Type"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		http.Error(w, "forward failed: "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (a *API) handleListRanks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"size": a.gm.Size(), "ranks": a.gm.Ranks()})
}

func (a *API) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	var req struct {
		Value *int64 `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Value == nil {
		http.Error(w, "invalid json, want {\"value\": <int>}", http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	id, err := n.Enqueue(ctx, *req.Value)
	if err != nil {
		submitError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"op_id": id})
}

func (a *API) handleDequeue(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	id, err := n.Dequeue(ctx)
	if err != nil {
		submitError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"op_id": id})
}

func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	st, err := n.Status(ctx)
	if err != nil {
		submitError(w, err)
		return
	}
	writeJSON(w, st)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = v
	}
	recs, err := n.History().Recent(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []journal.Record{}
	}
	writeJSON(w, recs)
}

// handleStream replays the journal from ?from= and then follows it as
// server-sent events.
func (a *API) handleStream(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	store := n.Journal()
	// Subscribe before replaying so nothing falls between the two.
	ch, cancel := store.Subscribe()
	defer cancel()

	from := parseFrom(r.URL.Query().Get("from"))
	last := from - 1
	_ = store.Range(from, func(seq uint64, raw []byte) error {
		writeEvent(w, raw)
		last = seq
		return nil
	})
	flusher.Flush()

	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if ev.Seq <= last {
				continue
			}
			last = ev.Seq
			bs, _ := json.Marshal(ev)
			writeEvent(w, bs)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (a *API) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()
	id, err := n.Checkpoint(ctx)
	if err != nil {
		submitError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, map[string]string{"id": id})
}

func (a *API) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	metas, err := n.Checkpoints()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	ids := make([]string, 0, len(metas))
	for _, m := range metas {
		ids = append(ids, m.ID)
	}
	writeJSON(w, map[string]any{"checkpoints": ids})
}

func (a *API) handleGetCheckpoint(w http.ResponseWriter, r *http.Request) {
	n, ok := a.nodeOf(w, r)
	if !ok {
		return
	}
	snap, err := n.LoadCheckpoint(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, snap)
}

func submitError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, node.ErrStopped):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "timeout", http.StatusGatewayTimeout)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func parseFrom(s string) uint64 {
	if s == "" {
		return 1
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return 1
}

func writeEvent(w io.Writer, raw []byte) {
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(raw)
	_, _ = w.Write([]byte("\n\n"))
}

func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
