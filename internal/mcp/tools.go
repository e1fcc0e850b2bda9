package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/domain/oauth"
	"github.com/agencyenterprise/fathom-mcp-server/internal/fathom"
	"github.com/agencyenterprise/fathom-mcp-server/internal/vault"
)

const (
	reconnectMessage   = "Your Fathom connection is no longer valid. Please disconnect and reconnect your Fathom account, then try again."
	unavailableMessage = "Fathom is temporarily unreachable. Please try again in a moment."
)

// Tools exposes the Fathom resource API as MCP tools. Every handler
// resolves the calling user's upstream token through the vault first,
// so expired tokens refresh transparently before the API call.
type Tools struct {
	vault  *vault.Vault
	fathom *fathom.Client
	logger *zap.Logger
}

func NewTools(v *vault.Vault, client *fathom.Client, logger *zap.Logger) *Tools {
	return &Tools{vault: v, fathom: client, logger: logger}
}

type apiCall func(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error)

func (t *Tools) register(s *server.MCPServer, userID string) {
	s.AddTool(mcpgo.NewTool("list_meetings",
		mcpgo.WithDescription("List Fathom meetings recorded by the connected account, newest first. Supports cursor pagination and date filtering."),
		mcpgo.WithString("cursor",
			mcpgo.Description("Pagination cursor from a previous page"),
		),
		mcpgo.WithNumber("limit",
			mcpgo.Description("Maximum meetings to return per page"),
		),
		mcpgo.WithString("created_after",
			mcpgo.Description("Only meetings created after this RFC 3339 timestamp"),
		),
		mcpgo.WithString("created_before",
			mcpgo.Description("Only meetings created before this RFC 3339 timestamp"),
		),
		mcpgo.WithArray("recorded_by",
			mcpgo.Description("Only meetings recorded by these email addresses"),
		),
		mcpgo.WithBoolean("include_transcript",
			mcpgo.Description("Include the full transcript for each meeting"),
		),
		mcpgo.WithBoolean("include_summary",
			mcpgo.Description("Include the AI summary for each meeting"),
		),
	), t.handler(userID, func(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error) {
		return t.fathom.ListMeetings(ctx, accessToken, fathom.ListMeetingsParams{
			Cursor:            request.GetString("cursor", ""),
			Limit:             request.GetInt("limit", 0),
			CreatedAfter:      request.GetString("created_after", ""),
			CreatedBefore:     request.GetString("created_before", ""),
			RecordedBy:        request.GetStringSlice("recorded_by", nil),
			IncludeTranscript: request.GetBool("include_transcript", false),
			IncludeSummary:    request.GetBool("include_summary", false),
		})
	}))

	s.AddTool(mcpgo.NewTool("search_meetings",
		mcpgo.WithDescription("Search meetings by title keyword. Fetches recent meetings and returns those whose title contains the query, case-insensitive."),
		mcpgo.WithString("query",
			mcpgo.Required(),
			mcpgo.Description("Search term to find in meeting titles"),
		),
		mcpgo.WithNumber("limit",
			mcpgo.Description("Maximum results to return (default 10)"),
		),
	), t.handler(userID, t.searchMeetings))

	s.AddTool(mcpgo.NewTool("get_transcript",
		mcpgo.WithDescription("Fetch the full transcript of one recording."),
		mcpgo.WithString("recording_id",
			mcpgo.Required(),
			mcpgo.Description("The recording ID from a meeting"),
		),
	), t.handler(userID, func(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error) {
		recordingID, err := request.RequireString("recording_id")
		if err != nil {
			return nil, err
		}
		return t.fathom.GetTranscript(ctx, accessToken, recordingID)
	}))

	s.AddTool(mcpgo.NewTool("get_summary",
		mcpgo.WithDescription("Fetch the AI summary of one recording."),
		mcpgo.WithString("recording_id",
			mcpgo.Required(),
			mcpgo.Description("The recording ID from a meeting"),
		),
	), t.handler(userID, func(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error) {
		recordingID, err := request.RequireString("recording_id")
		if err != nil {
			return nil, err
		}
		return t.fathom.GetSummary(ctx, accessToken, recordingID)
	}))

	s.AddTool(mcpgo.NewTool("list_teams",
		mcpgo.WithDescription("List the teams in the connected Fathom workspace."),
		mcpgo.WithString("cursor",
			mcpgo.Description("Pagination cursor from a previous page"),
		),
	), t.handler(userID, func(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error) {
		return t.fathom.ListTeams(ctx, accessToken, request.GetString("cursor", ""))
	}))

	s.AddTool(mcpgo.NewTool("list_team_members",
		mcpgo.WithDescription("List the members of one Fathom team."),
		mcpgo.WithString("team_id",
			mcpgo.Required(),
			mcpgo.Description("The team ID to list members for"),
		),
	), t.handler(userID, func(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error) {
		teamID, err := request.RequireString("team_id")
		if err != nil {
			return nil, err
		}
		return t.fathom.ListTeamMembers(ctx, accessToken, teamID)
	}))
}

// searchMeetings pulls one page of recent meetings and filters titles
// client-side; the resource API has no server-side title search.
func (t *Tools) searchMeetings(ctx context.Context, accessToken string, request mcpgo.CallToolRequest) (json.RawMessage, error) {
	query, err := request.RequireString("query")
	if err != nil {
		return nil, err
	}
	limit := request.GetInt("limit", 0)

	fetchLimit := limit
	if fetchLimit <= 0 {
		fetchLimit = 50
	}
	page, err := t.fathom.ListMeetings(ctx, accessToken, fathom.ListMeetingsParams{Limit: fetchLimit})
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Items []json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(page, &decoded); err != nil {
		return nil, fmt.Errorf("decode meetings page: %w", err)
	}

	needle := strings.ToLower(query)
	matched := make([]json.RawMessage, 0, len(decoded.Items))
	for _, item := range decoded.Items {
		var titles struct {
			Title        string `json:"title"`
			MeetingTitle string `json:"meeting_title"`
		}
		if err := json.Unmarshal(item, &titles); err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(titles.Title), needle) ||
			strings.Contains(strings.ToLower(titles.MeetingTitle), needle) {
			matched = append(matched, item)
		}
	}

	total := len(matched)
	keep := limit
	if keep <= 0 {
		keep = 10
	}
	if len(matched) > keep {
		matched = matched[:keep]
	}

	return json.Marshal(map[string]any{
		"items":         matched,
		"total_matches": total,
	})
}

func (t *Tools) handler(userID string, call apiCall) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcpgo.CallToolRequest) (*mcpgo.CallToolResult, error) {
		accessToken, err := t.vault.GetValid(ctx, userID)
		if err != nil {
			return t.tokenErrorResult(userID, request.Params.Name, err), nil
		}

		payload, err := call(ctx, accessToken, request)
		if err != nil {
			var apiErr *fathom.APIError
			if errors.As(err, &apiErr) {
				return mcpgo.NewToolResultError(fmt.Sprintf("Fathom API error (status %d): %s", apiErr.Status, apiErr.Body)), nil
			}
			t.logger.Error("tool call failed",
				zap.String("tool", request.Params.Name),
				zap.String("user_id", userID),
				zap.Error(err))
			return mcpgo.NewToolResultError(fmt.Sprintf("Request failed: %v", err)), nil
		}
		return mcpgo.NewToolResultText(string(payload)), nil
	}
}

func (t *Tools) tokenErrorResult(userID, tool string, err error) *mcpgo.CallToolResult {
	switch {
	case errors.Is(err, oauth.ErrNoUpstreamAccount), errors.Is(err, oauth.ErrUpstreamRevoked):
		t.logger.Warn("upstream connection invalid",
			zap.String("tool", tool),
			zap.String("user_id", userID),
			zap.Error(err))
		return mcpgo.NewToolResultError(reconnectMessage)
	case errors.Is(err, oauth.ErrUpstreamUnavailable):
		return mcpgo.NewToolResultError(unavailableMessage)
	default:
		t.logger.Error("token resolution failed",
			zap.String("tool", tool),
			zap.String("user_id", userID),
			zap.Error(err))
		return mcpgo.NewToolResultError(fmt.Sprintf("Request failed: %v", err))
	}
}
