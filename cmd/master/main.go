// Package main runs the tabulon master: the coordinator that registers
// workers, creates tables across the cluster, assigns shard ownership, and
// dispatches kernels to shard owners.
//
// Configuration:
//   - MASTER_LISTEN:          Listen address (default: ":8090")
//   - MASTER_EXPECT_WORKERS:  Workers to wait for before initializing the
//     cluster (default: "1")
//   - MASTER_HEALTH_INTERVAL: Worker probe interval (default: "5s")
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/dreamware/tabulon/internal/cluster"
	"github.com/dreamware/tabulon/internal/master"
)

var logFatal = log.Fatalf

func main() {
	listen := getenv("MASTER_LISTEN", ":8090")
	expect := expectWorkers()
	interval := healthInterval()

	srv := master.NewServer(expect)

	monitor := master.NewHealthMonitor(interval)
	monitor.SetOnUnhealthy(func(workerID int) {
		// Assignment stays put: shard migration is out of scope, so an
		// unhealthy worker's shards are unavailable until it returns.
		log.Printf("worker %d is unhealthy", workerID)
	})
	go monitor.Start(context.Background(), func() []cluster.WorkerInfo {
		return srv.Workers()
	})

	httpSrv := &http.Server{
		Addr:              listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("master listening on %s, expecting %d workers", listen, expect)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logFatal("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	monitor.Stop()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpSrv.Shutdown(ctx)
	log.Println("master stopped")
}

// expectWorkers parses MASTER_EXPECT_WORKERS. Anything but a positive
// integer is a configuration error and fatal.
func expectWorkers() int {
	raw := getenv("MASTER_EXPECT_WORKERS", "1")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		logFatal("MASTER_EXPECT_WORKERS must be a positive integer, got %q", raw)
		return 1
	}
	return n
}

// healthInterval parses MASTER_HEALTH_INTERVAL as a Go duration.
func healthInterval() time.Duration {
	raw := getenv("MASTER_HEALTH_INTERVAL", "5s")
	d, err := time.ParseDuration(raw)
	if err != nil {
		logFatal("MASTER_HEALTH_INTERVAL: %v", err)
		return 5 * time.Second
	}
	return d
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
