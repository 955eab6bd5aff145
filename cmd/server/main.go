package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"example.com/causalq/internal/cluster"
	"example.com/causalq/internal/httpapi"
	"example.com/causalq/internal/journal"
	"example.com/causalq/internal/node"
	"example.com/causalq/internal/transport"
	"example.com/causalq/internal/types"
)

func mustGetEnv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func mustGetInt(key string, def int) int {
	v, err := strconv.Atoi(mustGetEnv(key, strconv.Itoa(def)))
	if err != nil {
		log.Fatalf("%s: %v", key, err)
	}
	return v
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	local := mustGetEnv("LOCAL", "true") == "true"
	basePort := mustGetInt("BASE_PORT", 7878)
	httpAddr := mustGetEnv("HTTP_ADDR", ":8081")
	opt := cluster.Options{
		DataRoot:     mustGetEnv("DATA_DIR", "/data"),
		HistoryLimit: mustGetInt("HISTORY_LIMIT", journal.DefaultHistoryLimit),
		RecvSlots:    mustGetInt("RECV_SLOTS", node.DefaultRecvSlots),
		ListenAddr: func(r types.Rank) string {
			return fmt.Sprintf(":%d", basePort+int(r))
		},
	}

	var (
		gm  *cluster.Manager
		err error
	)
	if local {
		size := mustGetInt("GROUP_SIZE", 3)
		gm, err = cluster.NewLocal(size, opt)
		if err != nil {
			log.Fatalf("cluster: %v", err)
		}
		log.Printf("[LOCAL] serving ranks 0..%d in process", size-1)
	} else {
		peers := splitList(os.Getenv("PEERS")) // e.g. node0:9000,node1:9000,node2:9000
		rank := types.Rank(mustGetInt("RANK", 0))
		if len(peers) == 0 {
			log.Fatal("PEERS is required when LOCAL=false")
		}
		if size := mustGetInt("GROUP_SIZE", len(peers)); size != len(peers) {
			log.Fatalf("GROUP_SIZE=%d but %d peers listed", size, len(peers))
		}
		tr, err := transport.ListenTCP(rank, peers)
		if err != nil {
			log.Fatalf("transport: %v", err)
		}
		log.Printf("p%d transport on %s, group of %d", rank, tr.Addr(), len(peers))
		gm = cluster.NewManager()
		if err := gm.Add(tr, opt); err != nil {
			log.Fatalf("node: %v", err)
		}
	}

	api := httpapi.New(gm)
	if urls := splitList(os.Getenv("HTTP_PEERS")); len(urls) > 0 { // e.g. http://node0:8081,http://node1:8081
		peers := make(map[types.Rank]string, len(urls))
		for i, u := range urls {
			peers[types.Rank(i)] = u
		}
		api.WithPeers(peers)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	gm.Start(ctx)

	srv := &http.Server{Addr: httpAddr, Handler: api.Router()}
	go func() {
		log.Printf("HTTP listen on %s", httpAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Println("shutting down")
	case err := <-gm.Err():
		// A clock of the wrong length means the group disagrees on N;
		// carrying on would corrupt the order everywhere.
		gm.Shutdown()
		log.Fatalf("fatal: %v", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	gm.Shutdown()
}
