package fathom

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/agencyenterprise/fathom-mcp-server/internal/config"
)

// APIError is a non-2xx response from the Fathom resource API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("fathom api responded %d: %s", e.Status, e.Body)
}

// Client calls the Fathom external resource API on behalf of a
// connected user. The caller supplies the upstream access token per
// request; the client holds no credentials of its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(cfg config.Config, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.FathomAPIBaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.APITimeout},
		logger:     logger,
	}
}

// ListMeetingsParams filters the meetings listing. Zero values are
// omitted from the query string.
type ListMeetingsParams struct {
	Cursor            string
	Limit             int
	CreatedAfter      string
	CreatedBefore     string
	RecordedBy        []string
	IncludeTranscript bool
	IncludeSummary    bool
}

func (p ListMeetingsParams) query() url.Values {
	q := url.Values{}
	if p.Cursor != "" {
		q.Set("cursor", p.Cursor)
	}
	if p.Limit > 0 {
		q.Set("limit", strconv.Itoa(p.Limit))
	}
	if p.CreatedAfter != "" {
		q.Set("created_after", p.CreatedAfter)
	}
	if p.CreatedBefore != "" {
		q.Set("created_before", p.CreatedBefore)
	}
	for _, email := range p.RecordedBy {
		q.Add("recorded_by[]", email)
	}
	if p.IncludeTranscript {
		q.Set("include_transcript", "true")
	}
	if p.IncludeSummary {
		q.Set("include_summary", "true")
	}
	return q
}

// ListMeetings returns the raw meetings page so callers can pass the
// payload through unmodified.
func (c *Client) ListMeetings(ctx context.Context, accessToken string, p ListMeetingsParams) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/meetings", p.query())
}

// GetTranscript fetches the transcript of one recording.
func (c *Client) GetTranscript(ctx context.Context, accessToken, recordingID string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/recordings/"+url.PathEscape(recordingID)+"/transcript", nil)
}

// GetSummary fetches the summary of one recording.
func (c *Client) GetSummary(ctx context.Context, accessToken, recordingID string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/recordings/"+url.PathEscape(recordingID)+"/summary", nil)
}

// ListTeams returns one page of the workspace's teams.
func (c *Client) ListTeams(ctx context.Context, accessToken, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.get(ctx, accessToken, "/teams", q)
}

// ListTeamMembers returns the members of one team.
func (c *Client) ListTeamMembers(ctx context.Context, accessToken, teamID string) (json.RawMessage, error) {
	return c.get(ctx, accessToken, "/teams/"+url.PathEscape(teamID)+"/members", nil)
}

func (c *Client) get(ctx context.Context, accessToken, path string, q url.Values) (json.RawMessage, error) {
	endpoint := c.baseURL + path
	if encoded := q.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call fathom api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("read fathom response: %w", err)
	}

	c.logger.Debug("fathom api call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.RawMessage(body), nil
}
