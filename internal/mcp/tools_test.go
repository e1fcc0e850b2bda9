package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
	"github.com/agencyenterprise/fathom-mcp-server/internal/fathom"
)

func newSearchTools(t *testing.T, handler http.HandlerFunc) *Tools {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := fathom.NewClient(config.Config{
		FathomAPIBaseURL: srv.URL,
		APITimeout:       5 * time.Second,
	}, zap.NewNop())
	return NewTools(nil, client, zap.NewNop())
}

func searchRequest(args map[string]any) mcpgo.CallToolRequest {
	req := mcpgo.CallToolRequest{}
	req.Params.Name = "search_meetings"
	req.Params.Arguments = args
	return req
}

type searchResult struct {
	Items        []map[string]any `json:"items"`
	TotalMatches int              `json:"total_matches"`
}

func TestSearchMeetingsFiltersByTitle(t *testing.T) {
	var gotLimit string
	tools := newSearchTools(t, func(w http.ResponseWriter, r *http.Request) {
		gotLimit = r.URL.Query().Get("limit")
		w.Write([]byte(`{"items":[
			{"title":"Weekly Standup","recording_id":"r1"},
			{"title":"Design Review","recording_id":"r2"},
			{"meeting_title":"standup notes","recording_id":"r3"}
		]}`))
	})

	payload, err := tools.searchMeetings(context.Background(), "tok", searchRequest(map[string]any{
		"query": "Standup",
	}))
	require.NoError(t, err)
	require.Equal(t, "50", gotLimit)

	var out searchResult
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Equal(t, 2, out.TotalMatches)
	require.Len(t, out.Items, 2)
	require.Equal(t, "r1", out.Items[0]["recording_id"])
	require.Equal(t, "r3", out.Items[1]["recording_id"])
}

func TestSearchMeetingsCapsDefaultResults(t *testing.T) {
	items := make([]string, 12)
	for i := range items {
		items[i] = fmt.Sprintf(`{"title":"retro %d"}`, i)
	}
	tools := newSearchTools(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"items":[` + strings.Join(items, ",") + `]}`))
	})

	payload, err := tools.searchMeetings(context.Background(), "tok", searchRequest(map[string]any{
		"query": "retro",
	}))
	require.NoError(t, err)

	var out searchResult
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Equal(t, 12, out.TotalMatches)
	require.Len(t, out.Items, 10)
}

func TestSearchMeetingsHonorsLimit(t *testing.T) {
	tools := newSearchTools(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "3", r.URL.Query().Get("limit"))
		w.Write([]byte(`{"items":[{"title":"sync a"},{"title":"sync b"},{"title":"other"}]}`))
	})

	payload, err := tools.searchMeetings(context.Background(), "tok", searchRequest(map[string]any{
		"query": "sync",
		"limit": 3,
	}))
	require.NoError(t, err)

	var out searchResult
	require.NoError(t, json.Unmarshal(payload, &out))
	require.Equal(t, 2, out.TotalMatches)
	require.Len(t, out.Items, 2)
}

func TestSearchMeetingsRequiresQuery(t *testing.T) {
	tools := newSearchTools(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("unexpected API call")
	})

	_, err := tools.searchMeetings(context.Background(), "tok", searchRequest(map[string]any{}))
	require.Error(t, err)
}
