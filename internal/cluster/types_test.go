package cluster

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostJSON(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		var got GetRequest
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "application/json", r.Header.Get("Content-Type"))
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(GetResponse{Missing: true, Table: got.Table})
		}))
		defer srv.Close()

		var resp GetResponse
		err := PostJSON(context.Background(), srv.URL+"/table/get", GetRequest{Key: "k", Table: 3}, &resp)
		require.NoError(t, err)
		assert.Equal(t, "k", got.Key)
		assert.True(t, resp.Missing)
		assert.Equal(t, 3, resp.Table)
	})

	t.Run("nil out discards the body", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"whatever": true}`))
		}))
		defer srv.Close()

		assert.NoError(t, PostJSON(context.Background(), srv.URL, struct{}{}, nil))
	})

	t.Run("non-2xx is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "nope", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		err := PostJSON(context.Background(), srv.URL, struct{}{}, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("unreachable server", func(t *testing.T) {
		err := PostJSON(context.Background(), "http://127.0.0.1:1", struct{}{}, nil)
		assert.Error(t, err)
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		err := PostJSON(ctx, srv.URL, struct{}{}, nil)
		assert.Error(t, err)
	})
}

func TestGetJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(WorkerInfo{ID: 2, Addr: "http://w2"})
	}))
	defer srv.Close()

	var wi WorkerInfo
	require.NoError(t, GetJSON(context.Background(), srv.URL+"/info", &wi))
	assert.Equal(t, 2, wi.ID)
	assert.Equal(t, "http://w2", wi.Addr)

	t.Run("non-2xx is an error", func(t *testing.T) {
		bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "gone", http.StatusNotFound)
		}))
		defer bad.Close()
		assert.Error(t, GetJSON(context.Background(), bad.URL, &wi))
	})
}
