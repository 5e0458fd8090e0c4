package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// apiKeyHeader carries the credential on every request.
const apiKeyHeader = "X-Goog-Api-Key"

// apiError is a domain-level failure reported by the remote API. The
// service may return it inside an otherwise-successful transport
// response, so every body is checked for it.
type apiError struct {
	Status  int
	Message string
}

func (e *apiError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("api status %d", e.Status)
}

type errorEnvelope struct {
	Error *struct {
		Message string `json:"message"`
		Status  string `json:"status,omitempty"`
	} `json:"error"`
}

// apiClient issues JSON requests against the remote agent API.
type apiClient struct {
	baseURL string
	httpc   *http.Client
	key     func() (string, error)
}

func newAPIClient(baseURL string, key func() (string, error)) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 30 * time.Second},
		key:     key,
	}
}

// do issues one request. body and out may be nil; out is filled from the
// JSON response on success.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	key, err := c.key()
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}

	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+strings.TrimLeft(path, "/"), payload)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(apiKeyHeader, key)

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	// Domain failures ride in an error envelope even on 200s.
	var envelope errorEnvelope
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		return &apiError{Status: resp.StatusCode, Message: envelope.Error.Message}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// listSources pages through the account's linked repositories.
func (c *apiClient) listSources(ctx context.Context) ([]Source, error) {
	var all []Source
	token := ""
	for {
		path := "sources?pageSize=100"
		if token != "" {
			path += "&pageToken=" + token
		}
		var resp listSourcesResponse
		if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Sources...)
		if resp.NextPageToken == "" || len(resp.Sources) == 0 {
			return all, nil
		}
		token = resp.NextPageToken
	}
}

// createSession starts a new remote session for the prompt.
func (c *apiClient) createSession(ctx context.Context, req createSessionRequest) (*remoteSession, error) {
	var sess remoteSession
	if err := c.do(ctx, http.MethodPost, "sessions", req, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// sendMessage appends a message to an existing remote session.
func (c *apiClient) sendMessage(ctx context.Context, remoteID, prompt string) error {
	return c.do(ctx, http.MethodPost, remoteID+":sendMessage", sendMessageRequest{Prompt: prompt}, nil)
}

// listActivities fetches the most recent page of activities for a remote
// session.
func (c *apiClient) listActivities(ctx context.Context, remoteID string) ([]Activity, error) {
	var resp listActivitiesResponse
	if err := c.do(ctx, http.MethodGet, remoteID+"/activities?pageSize=30", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Activities, nil
}
