package mrtsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/bgpkit/monocle/internal/broker"
)

func TestFilesPerSec(t *testing.T) {
	require.Equal(t, 0.0, filesPerSec(10, 0))
	require.InDelta(t, 5.0, filesPerSec(10, 2*time.Second), 0.001)
}

func TestToBrokerDumpType(t *testing.T) {
	require.Equal(t, broker.DumpTypeUpdate, toBrokerDumpType(DumpTypeUpdates))
	require.Equal(t, broker.DumpTypeRIB, toBrokerDumpType(DumpTypeRIB))
	require.Equal(t, broker.DumpTypeAny, toBrokerDumpType(DumpTypeRIBUpdates))
	require.Equal(t, broker.DumpTypeAny, toBrokerDumpType(""))
}

// TestSearchCancellationTerminatesCleanly exercises the dispatch-loop
// fix directly: every file fails fast (connection refused against a
// closed local port), so with a short-lived context the dispatcher must
// hit ctx.Done() mid-send rather than block forever on an unbuffered
// jobs channel no worker is still draining.
func TestSearchCancellationTerminatesCleanly(t *testing.T) {
	deadPort := closedLocalPort(t)

	var items []map[string]any
	for i := 0; i < 50; i++ {
		items = append(items, map[string]any{
			"url":        fmt.Sprintf("http://127.0.0.1:%d/%d.mrt", deadPort, i),
			"collector_id": "test",
		})
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"count": len(items), "data": items})
	}))
	defer srv.Close()

	engine := &Engine{
		Broker:      broker.New(srv.URL, 0),
		Parallelism: 2,
		Log:         zerolog.Nop(),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	var completedEvents int
	go func() {
		defer close(done)
		_, _ = engine.Search(ctx, SearchFilter{}, func(MrtElement) {}, false, func(ev Event) {
			if ev.Kind == EventCompleted {
				completedEvents++
			}
		})
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Search did not return after context cancellation: dispatch loop deadlocked")
	}
	require.Equal(t, 1, completedEvents, "a cancelled search must still emit exactly one terminal Completed event")
}

func closedLocalPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
