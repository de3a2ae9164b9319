package master

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"

	"golang.org/x/exp/slices"

	"github.com/dreamware/tabulon/internal/cluster"
)

// Server is the coordinating process. It assigns worker ids in registration
// order, fans WorkerInit out once the expected number of workers has
// arrived, and from then on drives the cluster purely through the worker RPC
// surface: it holds no worker-internal state beyond the ownership record.
type Server struct {
	assignments *Assignments
	workers     []cluster.WorkerInfo
	expect      int
	mu          sync.RWMutex
	initialized bool
}

// NewServer creates a master expecting the given number of workers to
// register before the cluster is initialized.
func NewServer(expect int) *Server {
	return &Server{
		assignments: NewAssignments(),
		expect:      expect,
	}
}

// Assignments exposes the ownership record, mainly for tests and monitoring.
func (s *Server) Assignments() *Assignments { return s.assignments }

// Workers returns a snapshot of the registered workers.
func (s *Server) Workers() []cluster.WorkerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.workers)
}

// Handler exposes the master's API:
//
//	GET  /health         - liveness probe
//	GET  /workers        - registered workers
//	POST /register       - worker registration
//	POST /table/create   - create a table on every worker
//	POST /table/destroy  - destroy a table on every worker
//	POST /table/assign   - round-robin a table's shards over the workers
//	POST /kernel/run     - dispatch one kernel to the shard's owner
//	POST /kernel/map     - dispatch a kernel to every shard's owner in turn
//	POST /flush          - flush every worker
//	POST /shutdown       - shut every worker down
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/register", s.handleRegister)
	mux.HandleFunc("/workers", s.handleListWorkers)
	mux.HandleFunc("/table/create", s.handleCreateTable)
	mux.HandleFunc("/table/destroy", s.handleDestroyTable)
	mux.HandleFunc("/table/assign", s.handleAssignShards)
	mux.HandleFunc("/kernel/run", s.handleRunKernel)
	mux.HandleFunc("/kernel/map", s.handleMapKernel)
	mux.HandleFunc("/flush", s.handleFlush)
	mux.HandleFunc("/shutdown", s.handleShutdown)
	return mux
}

// handleRegister assigns the next worker id. A worker re-registering with an
// address the master already knows keeps its id, so a restarted worker's
// retry loop is harmless. Once the expected count is reached the master
// sends every worker its WorkerInit; anyone registering after that point
// gets its WorkerInit immediately, since the fan-out has already happened.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req cluster.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Addr == "" {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	idx := slices.IndexFunc(s.workers, func(wi cluster.WorkerInfo) bool {
		return wi.Addr == req.Addr
	})
	if idx < 0 {
		idx = len(s.workers)
		s.workers = append(s.workers, cluster.WorkerInfo{ID: idx, Addr: req.Addr})
		log.Printf("master: registered worker %d @ %s (%d/%d)", idx, req.Addr, len(s.workers), s.expect)
	}
	registrant := s.workers[idx]
	ready := len(s.workers) >= s.expect && !s.initialized
	if ready {
		s.initialized = true
	}
	late := s.initialized && !ready
	s.mu.Unlock()

	switch {
	case ready:
		go s.initializeWorkers()
	case late:
		// A worker joining, or restarting, after the cluster came up
		// would otherwise sit behind its init gate forever.
		go s.initializeWorker(registrant)
	}
	w.WriteHeader(http.StatusNoContent)
}

// peerMap builds the id-to-address map carried by every WorkerInit.
func (s *Server) peerMap() map[int]string {
	workers := s.Workers()
	peers := make(map[int]string, len(workers))
	for _, wi := range workers {
		peers[wi.ID] = wi.Addr
	}
	return peers
}

// initializeWorkers sends each worker its id and the full peer address map.
func (s *Server) initializeWorkers() {
	peers := s.peerMap()
	for _, wi := range s.Workers() {
		s.sendInit(wi, peers)
	}
}

// initializeWorker sends one worker its id and the current peer map.
func (s *Server) initializeWorker(wi cluster.WorkerInfo) {
	s.sendInit(wi, s.peerMap())
}

func (s *Server) sendInit(wi cluster.WorkerInfo, peers map[int]string) {
	req := cluster.WorkerInitRequest{ID: wi.ID, Workers: peers}
	if err := cluster.PostJSON(context.Background(), wi.Addr+"/init", req, nil); err != nil {
		log.Printf("master: init of worker %d @ %s failed: %v", wi.ID, wi.Addr, err)
		return
	}
	log.Printf("master: initialized worker %d @ %s", wi.ID, wi.Addr)
}

func (s *Server) handleListWorkers(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Workers []cluster.WorkerInfo `json:"workers"`
	}{Workers: s.Workers()})
}

// broadcast posts body to path on every registered worker, stopping at the
// first failure.
func (s *Server) broadcast(ctx context.Context, path string, body any) error {
	for _, wi := range s.Workers() {
		if err := cluster.PostJSON(ctx, wi.Addr+path, body, nil); err != nil {
			return fmt.Errorf("worker %d %s: %w", wi.ID, path, err)
		}
	}
	return nil
}

func (s *Server) handleCreateTable(w http.ResponseWriter, r *http.Request) {
	var req cluster.CreateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.assignments.AddTable(req.ID, req.NumShards); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.broadcast(r.Context(), "/table/create", req); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDestroyTable(w http.ResponseWriter, r *http.Request) {
	var req cluster.DestroyTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := s.broadcast(r.Context(), "/table/destroy", req); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	s.assignments.RemoveTable(req.ID)
	w.WriteHeader(http.StatusNoContent)
}

// handleAssignShards round-robins one table's shards across the registered
// workers and broadcasts the resulting ownership metadata to all of them,
// so every worker can route remote reads and writes.
func (s *Server) handleAssignShards(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Table int `json:"table"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	workers := s.Workers()
	ids := make([]int, len(workers))
	for i, wi := range workers {
		ids[i] = wi.ID
	}

	assigns, err := s.assignments.RoundRobin(req.Table, ids)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.broadcast(r.Context(), "/table/assign", cluster.AssignShardsRequest{Assign: assigns}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(cluster.AssignShardsRequest{Assign: assigns})
}

// handleRunKernel routes one kernel to the recorded owner of its shard and
// relays the worker's response.
func (s *Server) handleRunKernel(w http.ResponseWriter, r *http.Request) {
	var req cluster.RunKernelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	resp, err := s.runOnOwner(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) runOnOwner(ctx context.Context, req cluster.RunKernelRequest) (cluster.RunKernelResponse, error) {
	var resp cluster.RunKernelResponse

	owner, err := s.assignments.Owner(req.Table, req.Shard)
	if err != nil {
		return resp, err
	}
	addr, err := s.workerAddr(owner)
	if err != nil {
		return resp, err
	}
	if err := cluster.PostJSON(ctx, addr+"/kernel/run", req, &resp); err != nil {
		return resp, fmt.Errorf("kernel dispatch to worker %d: %w", owner, err)
	}
	return resp, nil
}

// MapKernelRequest runs one kernel type over every shard of a table.
type MapKernelRequest struct {
	Kernel     string            `json:"kernel"`
	KernelArgs map[string]string `json:"kernel_args,omitempty"`
	TaskArgs   map[string]string `json:"task_args,omitempty"`
	Table      int               `json:"table"`
}

// MapKernelResponse carries one RunKernel response per shard, in shard
// order.
type MapKernelResponse struct {
	Results []cluster.RunKernelResponse `json:"results"`
}

// handleMapKernel dispatches a kernel to the owner of every shard of a
// table, one shard at a time. Sequential on purpose: the worker contract
// assumes no two kernels run against the same shard concurrently, and a
// strict order keeps that trivially true even for single-worker clusters.
func (s *Server) handleMapKernel(w http.ResponseWriter, r *http.Request) {
	var req MapKernelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}

	numShards, err := s.assignments.NumShards(req.Table)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp MapKernelResponse
	for shard := 0; shard < numShards; shard++ {
		run := cluster.RunKernelRequest{
			Table:      req.Table,
			Shard:      shard,
			Kernel:     req.Kernel,
			KernelArgs: req.KernelArgs,
			TaskArgs:   req.TaskArgs,
		}
		result, err := s.runOnOwner(r.Context(), run)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		resp.Results = append(resp.Results, result)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	if err := s.broadcast(r.Context(), "/flush", struct{}{}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if err := s.broadcast(r.Context(), "/shutdown", struct{}{}); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) workerAddr(id int) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, wi := range s.workers {
		if wi.ID == id {
			return wi.Addr, nil
		}
	}
	return "", fmt.Errorf("no registered worker with id %d", id)
}
