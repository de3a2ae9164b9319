package master

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/dreamware/tabulon/internal/cluster"
)

// WorkerHealth tracks the probe history of a single worker.
// Protected by HealthMonitor's mutex when accessed.
type WorkerHealth struct {
	LastCheck        time.Time // Timestamp of the last probe
	LastHealthy      time.Time // Timestamp of the last successful probe
	Status           string    // "healthy", "unhealthy", "unknown"
	WorkerID         int       // The worker being tracked
	ConsecutiveFails int       // Failed probes in a row
}

// HealthMonitor periodically probes every registered worker's /health
// endpoint. A worker is marked unhealthy after maxFailures consecutive
// failed probes; the master logs it and keeps its shard assignments as they
// are, since shard migration is out of scope.
type HealthMonitor struct {
	workers     map[int]*WorkerHealth
	httpClient  *http.Client
	checkFunc   func(addr string) error
	onUnhealthy func(workerID int)
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	timeout     time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor probing each worker every interval.
// Workers are marked unhealthy after 3 consecutive failures.
func NewHealthMonitor(interval time.Duration) *HealthMonitor {
	ctx, cancel := context.WithCancel(context.Background())

	return &HealthMonitor{
		interval:    interval,
		timeout:     2 * time.Second,
		maxFailures: 3,
		workers:     make(map[int]*WorkerHealth),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		ctx:         ctx,
		cancel:      cancel,
	}
}

// SetCheckFunction replaces the probe implementation, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(check func(addr string) error) {
	h.checkFunc = check
}

// SetOnUnhealthy registers a callback invoked once each time a worker
// transitions to unhealthy.
func (h *HealthMonitor) SetOnUnhealthy(callback func(workerID int)) {
	h.onUnhealthy = callback
}

// Start runs the probe loop until the context is canceled or Stop is
// called. workerProvider supplies the current worker set on every tick.
func (h *HealthMonitor) Start(ctx context.Context, workerProvider func() []cluster.WorkerInfo) {
	h.wg.Add(1)
	defer h.wg.Done()

	if ctx == nil {
		ctx = h.ctx
	}
	if h.checkFunc == nil {
		h.checkFunc = h.defaultHealthCheck
	}

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	log.Printf("master: health monitor started with interval %v", h.interval)
	h.checkAllWorkers(workerProvider())

	for {
		select {
		case <-ticker.C:
			h.checkAllWorkers(workerProvider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the probe loop and waits for it to finish.
func (h *HealthMonitor) Stop() {
	h.cancel()
	h.wg.Wait()
	log.Println("master: health monitor stopped")
}

func (h *HealthMonitor) checkAllWorkers(workers []cluster.WorkerInfo) {
	current := make(map[int]bool)
	for _, wi := range workers {
		current[wi.ID] = true
		h.checkWorker(wi)
	}

	// Forget workers no longer registered.
	h.mu.Lock()
	for id := range h.workers {
		if !current[id] {
			delete(h.workers, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) checkWorker(wi cluster.WorkerInfo) {
	h.mu.Lock()
	health, exists := h.workers[wi.ID]
	if !exists {
		health = &WorkerHealth{
			WorkerID:    wi.ID,
			Status:      "unknown",
			LastCheck:   time.Now(),
			LastHealthy: time.Now(),
		}
		h.workers[wi.ID] = health
	}
	h.mu.Unlock()

	err := h.checkFunc(wi.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	health.LastCheck = time.Now()

	if err != nil {
		health.ConsecutiveFails++
		log.Printf("master: health check failed for worker %d (attempt %d/%d): %v",
			wi.ID, health.ConsecutiveFails, h.maxFailures, err)

		if health.ConsecutiveFails >= h.maxFailures {
			previous := health.Status
			health.Status = "unhealthy"
			if previous != "unhealthy" && h.onUnhealthy != nil {
				log.Printf("master: worker %d marked unhealthy after %d failures", wi.ID, health.ConsecutiveFails)
				// Callback runs without the lock held.
				go h.onUnhealthy(wi.ID)
			}
		}
		return
	}

	health.ConsecutiveFails = 0
	health.Status = "healthy"
	health.LastHealthy = time.Now()
}

func (h *HealthMonitor) defaultHealthCheck(addr string) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Status returns a copy of one worker's health record.
func (h *HealthMonitor) Status(workerID int) (WorkerHealth, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	health, ok := h.workers[workerID]
	if !ok {
		return WorkerHealth{}, false
	}
	return *health, true
}
