package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WorkerInfo identifies one worker process in the cluster.
type WorkerInfo struct {
	ID   int    `json:"id"`
	Addr string `json:"addr"`
}

// RegisterRequest is sent by a worker to the master on startup; the master
// answers later with a WorkerInit carrying the worker's assigned id.
type RegisterRequest struct {
	Addr string `json:"addr"`
}

// WorkerInitRequest assigns a worker its id and the full peer address map.
// A worker refuses table and kernel RPCs until it has received one.
type WorkerInitRequest struct {
	Workers map[int]string `json:"workers"` // worker id -> base address
	ID      int            `json:"id"`
}

// StrategySpec names a registered strategy implementation plus its
// construction options. Resolved against the process-wide registries at
// table-creation time.
type StrategySpec struct {
	Type string            `json:"type"`
	Opts map[string]string `json:"opts,omitempty"`
}

// CreateTableRequest instantiates a table on every worker that receives it.
type CreateTableRequest struct {
	Sharder   StrategySpec `json:"sharder"`
	Combiner  StrategySpec `json:"combiner"`
	Reducer   StrategySpec `json:"reducer"`
	Selector  StrategySpec `json:"selector"`
	ID        int          `json:"id"`
	NumShards int          `json:"num_shards"`
}

type DestroyTableRequest struct {
	ID int `json:"id"`
}

// ShardAssignment records ownership of one (table, shard) pair.
type ShardAssignment struct {
	Table  int `json:"table"`
	Shard  int `json:"shard"`
	Worker int `json:"worker"`
}

// AssignShardsRequest overwrites ownership metadata. It moves no data.
type AssignShardsRequest struct {
	Assign []ShardAssignment `json:"assign"`
}

// KV is one key-value pair on the wire. Values are opaque bytes; numeric
// tables encode fixed-width element blocks (see the accum package).
type KV struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

type GetRequest struct {
	Key   string `json:"key"`
	Table int    `json:"table"`
	Shard int    `json:"shard"`
}

// GetResponse flags absence rather than failing: a missing key is data, not
// an error.
type GetResponse struct {
	KV      *KV  `json:"kv,omitempty"`
	Source  int  `json:"source"` // id of the answering worker
	Table   int  `json:"table"`
	Missing bool `json:"missing"`
}

type PutRequest struct {
	KVs   []KV `json:"kvs"`
	Table int  `json:"table"`
	Shard int  `json:"shard"`
}

// NewIteration is the session id that opens a fresh iteration session.
const NewIteration int64 = -1

// IteratorRequest asks for the next page of an iteration session. The first
// request of a session carries ID == NewIteration; every later request must
// carry the session id the server returned.
type IteratorRequest struct {
	Table int   `json:"table"`
	Shard int   `json:"shard"`
	Count int   `json:"count"`
	ID    int64 `json:"id"`
}

// IteratorResponse is one page of up to Count pairs. Done is true only when
// the server's cursor reached the end of the shard while producing this page.
type IteratorResponse struct {
	KVs   []KV  `json:"kvs"`
	ID    int64 `json:"id"`
	Count int   `json:"count"`
	Done  bool  `json:"done"`
}

type RunKernelRequest struct {
	Kernel     string            `json:"kernel"`
	KernelArgs map[string]string `json:"kernel_args,omitempty"`
	TaskArgs   map[string]string `json:"task_args,omitempty"`
	Table      int               `json:"table"`
	Shard      int               `json:"shard"`
}

// RunKernelResponse reports wall-clock kernel time. Error carries a formatted
// description when the kernel failed at the application level; the worker
// itself keeps running.
type RunKernelResponse struct {
	Error          string  `json:"error,omitempty"`
	ElapsedSeconds float64 `json:"elapsed_seconds"`
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("http %s: %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
