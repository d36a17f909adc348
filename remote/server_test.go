package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jp2507-max/canabro-sync/syncer"
)

func TestHandlersRejectUnauthenticated(t *testing.T) {
	// Auth runs before any storage access, so no database is needed here.
	handlers := NewHandlers(nil, NewTokenAuth("test-secret"), slog.Default())
	server := httptest.NewServer(handlers.Mux())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/sync/pull?table=questions")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	var body ErrorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Equal(t, "authentication_failed", body.Error)
}

func TestHandlersRejectWrongMethod(t *testing.T) {
	handlers := NewHandlers(nil, NewTokenAuth("test-secret"), slog.Default())
	server := httptest.NewServer(handlers.Mux())
	t.Cleanup(server.Close)

	resp, err := http.Get(server.URL + "/sync/push")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandlersValidateQueryParams(t *testing.T) {
	auth := NewTokenAuth("test-secret")
	token, err := auth.GenerateToken("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	handlers := NewHandlers(nil, auth, slog.Default())
	server := httptest.NewServer(handlers.Mux())
	t.Cleanup(server.Close)

	get := func(path string) int {
		req, err := http.NewRequest(http.MethodGet, server.URL+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	require.Equal(t, http.StatusBadRequest, get("/sync/pull"))
	require.Equal(t, http.StatusBadRequest, get("/sync/pull?table=questions&after=-1"))
	require.Equal(t, http.StatusBadRequest, get("/sync/pull?table=questions&after=abc"))
	require.Equal(t, http.StatusBadRequest, get("/sync/pull?table=questions&limit=0"))
	require.Equal(t, http.StatusBadRequest, get("/sync/pull?table=questions&limit=5000"))
}

// TestSyncAPIEndToEnd exercises the full HTTP surface against a real
// database, through the same HTTPTransport the replica client uses.
func TestSyncAPIEndToEnd(t *testing.T) {
	authority, table := openTestAuthority(t)
	ctx := context.Background()

	auth := NewTokenAuth("test-secret")
	token, err := auth.GenerateToken("user-1", "device-a", time.Hour)
	require.NoError(t, err)

	handlers := NewHandlers(authority, auth, slog.Default())
	server := httptest.NewServer(handlers.Mux())
	t.Cleanup(server.Close)

	transport := syncer.NewHTTPTransport(server.URL, func(context.Context) (string, error) {
		return token, nil
	})

	deletedAt := int64(300)
	statuses, err := transport.Push(ctx, table, []syncer.WireRecord{
		{ID: "q1", Fields: map[string]any{"body": "hello"}, UpdatedAt: 100},
		{ID: "q2", UpdatedAt: 300, DeletedAt: &deletedAt},
	})
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	require.Equal(t, syncer.StatusApplied, statuses[0].Status)
	require.Equal(t, syncer.StatusApplied, statuses[1].Status)

	page, err := transport.Pull(ctx, table, 0, 10)
	require.NoError(t, err)
	require.Len(t, page.Records, 2)
	require.Equal(t, "q1", page.Records[0].ID)
	require.Equal(t, "hello", page.Records[0].Fields["body"])
	require.True(t, page.Records[1].DeletedAt != nil && *page.Records[1].DeletedAt == deletedAt)

	// A stale overwrite comes back as a per-record conflict, not an error.
	statuses, err = transport.Push(ctx, table, []syncer.WireRecord{
		{ID: "q1", Fields: map[string]any{"body": "older"}, UpdatedAt: 50},
	})
	require.NoError(t, err)
	require.Equal(t, syncer.StatusConflict, statuses[0].Status)
	require.True(t, strings.Contains(statuses[0].Message, "newer"))
}
