package master

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/tabulon/internal/cluster"
)

func TestNewHealthMonitor(t *testing.T) {
	monitor := NewHealthMonitor(5 * time.Second)
	defer monitor.Stop()

	assert.Equal(t, 5*time.Second, monitor.interval)
	assert.Equal(t, 2*time.Second, monitor.timeout)
	assert.Equal(t, 3, monitor.maxFailures)
	assert.NotNil(t, monitor.workers)
	assert.NotNil(t, monitor.httpClient)
	assert.Len(t, monitor.workers, 0)
}

func TestHealthMonitorProbes(t *testing.T) {
	monitor := NewHealthMonitor(50 * time.Millisecond)
	defer monitor.Stop()

	var mu sync.Mutex
	checks := 0
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		checks++
		mu.Unlock()
		return nil
	})

	provider := func() []cluster.WorkerInfo {
		return []cluster.WorkerInfo{
			{ID: 0, Addr: "http://localhost:8091"},
			{ID: 1, Addr: "http://localhost:8092"},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	// Initial sweep plus at least two ticks.
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	calls := checks
	mu.Unlock()
	assert.GreaterOrEqual(t, calls, 6, "expected at least three sweeps over two workers")

	for id := 0; id < 2; id++ {
		health, ok := monitor.Status(id)
		require.True(t, ok)
		assert.Equal(t, "healthy", health.Status)
		assert.Zero(t, health.ConsecutiveFails)
	}
}

func TestHealthMonitorWorkerFailure(t *testing.T) {
	monitor := NewHealthMonitor(25 * time.Millisecond)
	defer monitor.Stop()

	var mu sync.Mutex
	failing := false
	monitor.SetCheckFunction(func(addr string) error {
		mu.Lock()
		defer mu.Unlock()
		if failing {
			return errors.New("worker is down")
		}
		return nil
	})

	var unhealthy []int
	monitor.SetOnUnhealthy(func(workerID int) {
		mu.Lock()
		unhealthy = append(unhealthy, workerID)
		mu.Unlock()
	})

	provider := func() []cluster.WorkerInfo {
		return []cluster.WorkerInfo{{ID: 0, Addr: "http://localhost:8091"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	// Let the worker go healthy first.
	require.Eventually(t, func() bool {
		health, ok := monitor.Status(0)
		return ok && health.Status == "healthy"
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	failing = true
	mu.Unlock()

	// Three consecutive failures flip it to unhealthy.
	require.Eventually(t, func() bool {
		health, ok := monitor.Status(0)
		return ok && health.Status == "unhealthy"
	}, time.Second, 10*time.Millisecond)

	health, _ := monitor.Status(0)
	assert.GreaterOrEqual(t, health.ConsecutiveFails, 3)

	// The callback fires exactly once per transition.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(unhealthy) >= 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []int{0}, unhealthy)
	mu.Unlock()

	// Recovery resets the failure count.
	mu.Lock()
	failing = false
	mu.Unlock()

	require.Eventually(t, func() bool {
		health, ok := monitor.Status(0)
		return ok && health.Status == "healthy" && health.ConsecutiveFails == 0
	}, time.Second, 10*time.Millisecond)
}

func TestHealthMonitorForgetsDeregistered(t *testing.T) {
	monitor := NewHealthMonitor(25 * time.Millisecond)
	defer monitor.Stop()

	monitor.SetCheckFunction(func(addr string) error { return nil })

	var mu sync.Mutex
	workers := []cluster.WorkerInfo{
		{ID: 0, Addr: "http://localhost:8091"},
		{ID: 1, Addr: "http://localhost:8092"},
	}
	provider := func() []cluster.WorkerInfo {
		mu.Lock()
		defer mu.Unlock()
		return workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Start(ctx, provider)

	require.Eventually(t, func() bool {
		_, ok := monitor.Status(1)
		return ok
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	workers = workers[:1]
	mu.Unlock()

	require.Eventually(t, func() bool {
		_, ok := monitor.Status(1)
		return !ok
	}, time.Second, 10*time.Millisecond)

	_, ok := monitor.Status(0)
	assert.True(t, ok)
}

func TestDefaultHealthCheck(t *testing.T) {
	monitor := NewHealthMonitor(time.Second)
	defer monitor.Stop()

	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer broken.Close()

	assert.NoError(t, monitor.defaultHealthCheck(healthy.URL))
	assert.Error(t, monitor.defaultHealthCheck(broken.URL))
	assert.Error(t, monitor.defaultHealthCheck("http://127.0.0.1:1"), "connection refused")
}
