package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSearchPaginatesUntilShortPage(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		page := r.URL.Query().Get("page")
		var items []Item
		if page == "1" {
			for i := 0; i < 2; i++ {
				items = append(items, Item{URL: "file1"})
			}
		} else {
			items = append(items, Item{URL: "file2"})
		}
		json.NewEncoder(w).Encode(searchResponse{Count: len(items), Data: items})
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	items, err := c.Search(context.Background(), Query{
		TsStart:  time.Now().Add(-time.Hour),
		TsEnd:    time.Now(),
		PageSize: 2,
	})
	require.NoError(t, err)
	require.Len(t, items, 3)
	require.Equal(t, 2, calls)
}

func TestSearchSurfacesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, 0)
	_, err := c.Search(context.Background(), Query{})
	require.Error(t, err)
}
