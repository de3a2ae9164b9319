// Package main runs a tabulon worker: the process that stores owned table
// shards, executes kernels against them, and serves table RPCs to the master
// and to peer workers.
//
// Configuration:
//   - WORKER_LISTEN: Listen address (default: ":8091")
//   - WORKER_ADDR:   Public base URL announced to the master
//     (default: "http://127.0.0.1:8091")
//   - MASTER_ADDR:   Master base URL (required)
//
// Startup sequence: the worker opens its server endpoint first, registers
// with the master (with retries), then blocks until the master's WorkerInit
// arrives with its id and the full peer list. Table and kernel RPCs are
// refused until then. The process exits on SIGINT/SIGTERM or on a Shutdown
// RPC from the master.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dreamware/tabulon/internal/cluster"
	"github.com/dreamware/tabulon/internal/worker"
)

// logFatal is a variable to allow mocking log.Fatal in tests.
var logFatal = log.Fatalf

func main() {
	listen := getenv("WORKER_LISTEN", ":8091")
	public := getenv("WORKER_ADDR", "http://127.0.0.1:8091")
	master := mustGetenv("MASTER_ADDR")

	w := worker.New(public)

	s := &http.Server{
		Addr:              listen,
		Handler:           w.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("worker listening on %s (public %s)", listen, public)
		if err := s.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	register(context.Background(), master, public)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	// Serve until a signal arrives or the master sends Shutdown.
	select {
	case <-stop:
		w.Shutdown()
	case <-w.Done():
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}
	log.Println("worker stopped")
}

// register announces this worker to the master, retrying to ride out master
// startup delays. The worker cannot operate unregistered, so persistent
// failure is fatal.
func register(ctx context.Context, master, addr string) {
	body := cluster.RegisterRequest{Addr: addr}
	var lastErr error

	for i := 0; i < 10; i++ {
		lastErr = cluster.PostJSON(ctx, master+"/register", body, nil)
		if lastErr == nil {
			log.Printf("registered with master @ %s", master)
			return
		}
		log.Printf("register retry %d: %v", i+1, lastErr)
		time.Sleep(400 * time.Millisecond)
	}

	logFatal("failed to register with master: %v", lastErr)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func mustGetenv(k string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	logFatal("missing env %s", k)
	return ""
}
