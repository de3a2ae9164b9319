package worker

import (
	"encoding/json"
	"net/http"

	"github.com/dreamware/tabulon/internal/cluster"
)

// Handler exposes the worker's RPC surface:
//
//	GET  /health         - liveness probe
//	GET  /info           - worker and per-shard state
//	POST /init           - master's WorkerInit (id + peer map)
//	POST /table/create   - instantiate a table
//	POST /table/destroy  - release a table
//	POST /table/assign   - overwrite shard ownership metadata
//	POST /table/get      - read one key
//	POST /table/put      - merge a batch of pairs
//	POST /table/iterator - serve one iteration page
//	POST /kernel/run     - execute one kernel synchronously
//	POST /flush          - drain buffered writes to shard owners
//	POST /shutdown       - discard tables and stop serving
//
// Table and kernel routes answer 503 until /init has arrived, and 503 again
// after /shutdown.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(rw http.ResponseWriter, _ *http.Request) {
		rw.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/info", w.handleInfo)
	mux.HandleFunc("/init", w.handleInit)

	mux.HandleFunc("/table/create", w.guarded(w.handleCreateTable))
	mux.HandleFunc("/table/destroy", w.guarded(w.handleDestroyTable))
	mux.HandleFunc("/table/assign", w.guarded(w.handleAssignShards))
	mux.HandleFunc("/table/get", w.guarded(w.handleGet))
	mux.HandleFunc("/table/put", w.guarded(w.handlePut))
	mux.HandleFunc("/table/iterator", w.guarded(w.handleIterator))
	mux.HandleFunc("/kernel/run", w.guarded(w.handleRunKernel))
	mux.HandleFunc("/flush", w.guarded(w.handleFlush))
	mux.HandleFunc("/shutdown", w.handleShutdown)

	return mux
}

// guarded rejects table and kernel traffic before initialization and after
// shutdown.
func (w *Worker) guarded(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !w.Initialized() {
			http.Error(rw, "worker not initialized", http.StatusServiceUnavailable)
			return
		}
		if !w.Running() {
			http.Error(rw, "worker shut down", http.StatusServiceUnavailable)
			return
		}
		h(rw, r)
	}
}

func (w *Worker) handleInit(rw http.ResponseWriter, r *http.Request) {
	var req cluster.WorkerInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	w.Initialize(req)
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleCreateTable(rw http.ResponseWriter, r *http.Request) {
	var req cluster.CreateTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if req.NumShards <= 0 {
		http.Error(rw, "num_shards must be positive", http.StatusBadRequest)
		return
	}
	if err := w.CreateTable(req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleDestroyTable(rw http.ResponseWriter, r *http.Request) {
	var req cluster.DestroyTableRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if err := w.DestroyTable(req.ID); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleAssignShards(rw http.ResponseWriter, r *http.Request) {
	var req cluster.AssignShardsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if err := w.AssignShards(req); err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleGet(rw http.ResponseWriter, r *http.Request) {
	var req cluster.GetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	resp, err := w.Get(req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(rw, resp)
}

func (w *Worker) handlePut(rw http.ResponseWriter, r *http.Request) {
	var req cluster.PutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if err := w.Put(req); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleIterator(rw http.ResponseWriter, r *http.Request) {
	var req cluster.IteratorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	resp, err := w.GetIterator(req)
	if err != nil {
		http.Error(rw, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(rw, resp)
}

func (w *Worker) handleRunKernel(rw http.ResponseWriter, r *http.Request) {
	var req cluster.RunKernelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	writeJSON(rw, w.RunKernel(req))
}

func (w *Worker) handleFlush(rw http.ResponseWriter, r *http.Request) {
	if err := w.Flush(r.Context()); err != nil {
		http.Error(rw, err.Error(), http.StatusInternalServerError)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleShutdown(rw http.ResponseWriter, _ *http.Request) {
	w.Shutdown()
	rw.WriteHeader(http.StatusNoContent)
}

func (w *Worker) handleInfo(rw http.ResponseWriter, _ *http.Request) {
	writeJSON(rw, w.Snapshot())
}

func writeJSON(rw http.ResponseWriter, v any) {
	rw.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(rw).Encode(v)
}
