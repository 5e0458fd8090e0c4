package backend

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/relay/internal/chat"
	"github.com/joss/relay/internal/config"
	"github.com/joss/relay/internal/exec"
	"github.com/joss/relay/internal/gitrepo"
	"github.com/joss/relay/internal/secret"
)

// fakeAgentAPI simulates the remote agent service.
type fakeAgentAPI struct {
	mu         sync.Mutex
	requests   []string
	activities []Activity
	sources    []Source
	authStatus int
}

func newFakeAgentAPI() *fakeAgentAPI {
	return &fakeAgentAPI{
		sources: []Source{{
			Name: "sources/abc",
			GithubRepo: struct {
				Owner string `json:"owner"`
				Repo  string `json:"repo"`
			}{Owner: "joss", Repo: "relay"},
		}},
	}
}

func (f *fakeAgentAPI) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.requests = append(f.requests, r.Method+" "+r.URL.Path)
		status := f.authStatus
		f.mu.Unlock()

		if r.Header.Get(apiKeyHeader) == "" {
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error":{"message":"missing API key"}}`))
			return
		}
		if status != 0 {
			w.WriteHeader(status)
			w.Write([]byte(`{"error":{"message":"denied"}}`))
			return
		}

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/sources":
			f.mu.Lock()
			resp := listSourcesResponse{Sources: f.sources}
			f.mu.Unlock()
			json.NewEncoder(w).Encode(resp)

		case r.Method == http.MethodPost && r.URL.Path == "/sessions":
			json.NewEncoder(w).Encode(remoteSession{Name: "sessions/123", Title: "Remote title"})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, ":sendMessage"):
			w.Write([]byte(`{}`))

		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/activities"):
			f.mu.Lock()
			resp := map[string]any{"activities": f.activities}
			f.mu.Unlock()
			json.NewEncoder(w).Encode(resp)

		default:
			w.WriteHeader(http.StatusNotFound)
			w.Write([]byte(`{"error":{"message":"not found"}}`))
		}
	})
}

func (f *fakeAgentAPI) setActivities(acts []Activity) {
	f.mu.Lock()
	f.activities = acts
	f.mu.Unlock()
}

func (f *fakeAgentAPI) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// fakeAgentAPI sends Activity values back through the real decoder, so
// the struct needs a wire representation for the test server side.
func (a Activity) MarshalJSON() ([]byte, error) {
	body := map[string]any{
		"name":       a.Name,
		"originator": a.Originator,
	}
	switch a.Kind {
	case activityMessage:
		key := "agentMessaged"
		if a.Originator == originatorUser {
			key = "userMessaged"
		}
		body[key] = map[string]string{"message": a.Message}
	case activityTool:
		body["toolUsed"] = map[string]string{"toolName": a.ToolName}
	case activityPlan:
		body["planGenerated"] = map[string]any{}
	}
	return json.Marshal(body)
}

type sinkRecorder struct {
	mu    sync.Mutex
	lines []string
	ch    chan string
}

func newSinkRecorder() *sinkRecorder {
	return &sinkRecorder{ch: make(chan string, 64)}
}

func (s *sinkRecorder) sink(text string, _ chat.Sender, _ *chat.Session) {
	s.mu.Lock()
	s.lines = append(s.lines, text)
	s.mu.Unlock()
	s.ch <- text
}

func (s *sinkRecorder) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func (s *sinkRecorder) wait(t *testing.T, match func(string) bool) string {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case line := <-s.ch:
			if match(line) {
				return line
			}
		case <-deadline:
			t.Fatalf("expected output never arrived; saw %v", s.all())
		}
	}
}

func newTestAPIBackend(t *testing.T, baseURL string) (*APIBackend, *sinkRecorder) {
	t.Helper()
	t.Setenv(apiKeyEnv, "test-key")

	cfg := config.Default()
	cfg.Backend = config.BackendAPI
	cfg.APIBaseURL = baseURL
	cfg.PollInitialMS = 2
	cfg.PollCeilingMS = 10
	cfg.PollBudget = 500

	git := exec.NewMockRunner()
	git.AddResponse("git", exec.MockResponse{Stdout: []byte("git@github.com:joss/relay.git\n")})

	rec := newSinkRecorder()
	be := NewAPIBackend(cfg, Deps{
		Output:   rec.sink,
		Resolver: gitrepo.NewResolver(git),
		Secrets:  secret.NewStore(t.TempDir()),
	})
	t.Cleanup(be.CleanupAll)
	return be, rec
}

func TestAPICreateSessionAndDeliver(t *testing.T) {
	api := newFakeAgentAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	api.setActivities([]Activity{
		{Name: "activities/1", Originator: originatorUser, Kind: activityMessage, Message: "fix the bug"},
		{Name: "activities/2", Originator: originatorAgent, Kind: activityPlan},
		{Name: "activities/3", Originator: originatorAgent, Kind: activityMessage, Message: "On it."},
	})

	be, rec := newTestAPIBackend(t, srv.URL)
	sess := chat.NewSession()

	be.SendMessage(context.Background(), sess, "fix the bug", "/work/relay")

	assert.Equal(t, "sessions/123", sess.RemoteID)
	assert.Equal(t, "Remote title", sess.Snapshot().Title)
	assert.Equal(t, 1, countOf(rec.all(), "Dispatching task for joss/relay..."))
	assert.Equal(t, 1, countOf(rec.all(), "Session created: sessions/123"))

	rec.wait(t, func(s string) bool { return s == "plan updated" })
	rec.wait(t, func(s string) bool { return s == "On it." })

	// The user's own words must never come back through the feed.
	time.Sleep(50 * time.Millisecond)
	for _, line := range rec.all() {
		assert.NotEqual(t, "fix the bug", line)
	}
	assert.Equal(t, 1, countOf(rec.all(), "On it."))
}

func TestAPIContinueSessionSendsBeforePolling(t *testing.T) {
	api := newFakeAgentAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	api.setActivities([]Activity{
		{Name: "activities/9", Originator: originatorAgent, Kind: activityMessage, Message: "done"},
	})

	be, rec := newTestAPIBackend(t, srv.URL)
	sess := chat.NewSession()
	sess.BindRemote("sessions/123")

	be.SendMessage(context.Background(), sess, "also add tests", "/work/relay")
	rec.wait(t, func(s string) bool { return s == "done" })

	log := api.requestLog()
	sendIdx, pollIdx := -1, -1
	for i, req := range log {
		if strings.HasSuffix(req, ":sendMessage") && sendIdx == -1 {
			sendIdx = i
		}
		if strings.HasSuffix(req, "/activities") && pollIdx == -1 {
			pollIdx = i
		}
	}
	require.GreaterOrEqual(t, sendIdx, 0, "sendMessage never hit the API: %v", log)
	require.GreaterOrEqual(t, pollIdx, 0, "activities never polled: %v", log)
	assert.Less(t, sendIdx, pollIdx, "polling must start only after the append completed")

	// No session creation for a bound session.
	for _, req := range log {
		assert.NotEqual(t, "POST /sessions", req)
	}
}

func TestAPISendWithoutKey(t *testing.T) {
	api := newFakeAgentAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	be, rec := newTestAPIBackend(t, srv.URL)
	t.Setenv(apiKeyEnv, "")

	sess := chat.NewSession()
	be.SendMessage(context.Background(), sess, "hello", "/work/relay")

	rec.wait(t, func(s string) bool { return strings.Contains(s, "No API key") })
	assert.Empty(t, api.requestLog(), "no network traffic without a credential")
	assert.Empty(t, sess.RemoteID)
}

func TestAPISendUnlinkedRepo(t *testing.T) {
	api := newFakeAgentAPI()
	api.sources = nil
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	be, rec := newTestAPIBackend(t, srv.URL)
	sess := chat.NewSession()

	be.SendMessage(context.Background(), sess, "hello", "/work/relay")

	rec.wait(t, func(s string) bool { return strings.Contains(s, "not connected to your agent account") })
	assert.Empty(t, sess.RemoteID)
}

func TestAPISendOutsideRepo(t *testing.T) {
	api := newFakeAgentAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	t.Setenv(apiKeyEnv, "test-key")
	cfg := config.Default()
	cfg.Backend = config.BackendAPI
	cfg.APIBaseURL = srv.URL

	git := exec.NewMockRunner()
	git.AddResponse("git", exec.MockResponse{Err: assert.AnError})

	rec := newSinkRecorder()
	be := NewAPIBackend(cfg, Deps{Output: rec.sink, Resolver: gitrepo.NewResolver(git)})
	t.Cleanup(be.CleanupAll)

	sess := chat.NewSession()
	be.SendMessage(context.Background(), sess, "hello", "/tmp/scratch")

	rec.wait(t, func(s string) bool { return strings.Contains(s, "not part of a repository") })
	assert.Empty(t, api.requestLog())
}

func TestAPICheckAuth(t *testing.T) {
	api := newFakeAgentAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	be, _ := newTestAPIBackend(t, srv.URL)
	ctx := context.Background()

	assert.Equal(t, chat.AuthSignedIn, be.CheckAuth(ctx, "/work/relay"))

	api.mu.Lock()
	api.authStatus = http.StatusUnauthorized
	api.mu.Unlock()
	assert.Equal(t, chat.AuthSignedOut, be.CheckAuth(ctx, "/work/relay"))

	t.Setenv(apiKeyEnv, "")
	assert.Equal(t, chat.AuthKeyMissing, be.CheckAuth(ctx, "/work/relay"))
}

func TestAPIPollerTimeoutNotice(t *testing.T) {
	api := newFakeAgentAPI()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	t.Setenv(apiKeyEnv, "test-key")
	cfg := config.Default()
	cfg.Backend = config.BackendAPI
	cfg.APIBaseURL = srv.URL
	cfg.PollInitialMS = 2
	cfg.PollCeilingMS = 5
	cfg.PollBudget = 2

	git := exec.NewMockRunner()
	git.AddResponse("git", exec.MockResponse{Stdout: []byte("git@github.com:joss/relay.git\n")})

	rec := newSinkRecorder()
	be := NewAPIBackend(cfg, Deps{Output: rec.sink, Resolver: gitrepo.NewResolver(git)})
	t.Cleanup(be.CleanupAll)

	sess := chat.NewSession()
	be.SendMessage(context.Background(), sess, "long task", "/work/relay")

	rec.wait(t, func(s string) bool { return strings.Contains(s, "timed out") })
}

func TestAPIClientErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Domain error riding in a 200 response.
		w.Write([]byte(`{"error":{"message":"quota exhausted"}}`))
	}))
	defer srv.Close()

	client := newAPIClient(srv.URL, func() (string, error) { return "k", nil })
	_, err := client.listSources(context.Background())
	require.Error(t, err)

	apiErr, ok := err.(*apiError)
	require.True(t, ok)
	assert.Equal(t, "quota exhausted", apiErr.Message)
	assert.Equal(t, http.StatusOK, apiErr.Status)
}

func countOf(lines []string, want string) int {
	n := 0
	for _, l := range lines {
		if l == want {
			n++
		}
	}
	return n
}
