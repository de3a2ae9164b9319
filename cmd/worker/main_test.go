package main

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// interceptFatal swaps logFatal for a recorder so fatal paths can be tested
// without killing the process.
func interceptFatal(t *testing.T) *[]string {
	t.Helper()
	var calls []string
	prev := logFatal
	logFatal = func(format string, v ...any) {
		calls = append(calls, fmt.Sprintf(format, v...))
	}
	t.Cleanup(func() { logFatal = prev })
	return &calls
}

func TestGetenv(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		t.Setenv("TEST_WORKER_VAR", "value")
		assert.Equal(t, "value", getenv("TEST_WORKER_VAR", "default"))
	})

	t.Run("unset falls back to default", func(t *testing.T) {
		os.Unsetenv("TEST_WORKER_UNSET")
		assert.Equal(t, "default", getenv("TEST_WORKER_UNSET", "default"))
	})
}

func TestMustGetenv(t *testing.T) {
	t.Run("set", func(t *testing.T) {
		calls := interceptFatal(t)
		t.Setenv("TEST_WORKER_REQUIRED", "value")
		assert.Equal(t, "value", mustGetenv("TEST_WORKER_REQUIRED"))
		assert.Empty(t, *calls)
	})

	t.Run("unset is fatal", func(t *testing.T) {
		calls := interceptFatal(t)
		os.Unsetenv("TEST_WORKER_MISSING")
		assert.Empty(t, mustGetenv("TEST_WORKER_MISSING"))
		require.Len(t, *calls, 1)
		assert.Contains(t, (*calls)[0], "TEST_WORKER_MISSING")
	})
}

func TestRegister(t *testing.T) {
	t.Run("first attempt succeeds", func(t *testing.T) {
		calls := interceptFatal(t)

		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/register", r.URL.Path)
			hits.Add(1)
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		register(context.Background(), srv.URL, "http://127.0.0.1:8091")
		assert.Equal(t, int32(1), hits.Load())
		assert.Empty(t, *calls)
	})

	t.Run("retries ride out master startup", func(t *testing.T) {
		calls := interceptFatal(t)

		// Fail the first two attempts, then accept.
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if hits.Add(1) <= 2 {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		}))
		defer srv.Close()

		register(context.Background(), srv.URL, "http://127.0.0.1:8091")
		assert.Equal(t, int32(3), hits.Load())
		assert.Empty(t, *calls)
	})
}
