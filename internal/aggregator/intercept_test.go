package aggregator

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func postRPC(t *testing.T, handler http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest("POST", "/mcp", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestIntercept_CompletionRoutedToOrigin(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs, taggedSpec("github", "dev"))

	s := New(Config{}, m)
	handler := s.interceptMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("completion must not reach the transport")
	}))

	w := postRPC(t, handler, `{
		"jsonrpc": "2.0",
		"id": 7,
		"method": "completion/complete",
		"params": {
			"ref": {"type": "ref/resource", "uri": "repo://github_1mcp_{owner}/{repo}"},
			"argument": {"name": "owner", "value": "octo"}
		}
	}`)

	var resp struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  json.RawMessage `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.ID)
	assert.NotEmpty(t, resp.Result)
	assert.Empty(t, resp.Error)
}

func TestIntercept_CompletionUnknownRef(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs, taggedSpec("github", "dev"))

	s := New(Config{}, m)
	handler := s.interceptMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))

	w := postRPC(t, handler, `{
		"jsonrpc": "2.0",
		"id": 1,
		"method": "completion/complete",
		"params": {
			"ref": {"type": "ref/prompt", "name": "no-separator-here"},
			"argument": {"name": "a", "value": ""}
		}
	}`)

	var resp struct {
		Error struct {
			Code int `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotZero(t, resp.Error.Code)
}

func TestIntercept_OtherRequestsPassThrough(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs, taggedSpec("github", "dev"))

	s := New(Config{}, m)

	var sawBody string
	handler := s.interceptMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		sawBody = string(body)
		w.WriteHeader(http.StatusAccepted)
	}))

	body := `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`
	w := postRPC(t, handler, body)
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, body, sawBody)
}

func TestHTTPRoutes_RootServesMCP(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs, taggedSpec("github", "dev"))

	s := New(Config{}, m)
	mux := http.NewServeMux()
	s.registerHTTPRoutes(mux, "localhost:3050")

	initialize := `{
		"jsonrpc": "2.0",
		"id": 1,
		"method": "initialize",
		"params": {
			"protocolVersion": "2025-03-26",
			"capabilities": {},
			"clientInfo": {"name": "agent", "version": "1.0"}
		}
	}`
	post := func(path string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", path, strings.NewReader(initialize))
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "application/json, text/event-stream")
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		return w
	}

	root := post("/")
	assert.NotEqual(t, http.StatusNotFound, root.Code, "the server root must speak streamable HTTP")
	assert.Equal(t, post("/mcp").Code, root.Code, "root and /mcp are the same transport")

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/definitely-not-mcp", nil))
	assert.Equal(t, http.StatusNotFound, w.Code, "unrelated paths stay on the mux's 404")

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestIntercept_TeesClientNotifications(t *testing.T) {
	stubs := testStubs()
	m := startManager(t, stubs, taggedSpec("github", "dev"))

	s := New(Config{}, m)
	handler := s.interceptMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	w := postRPC(t, handler, `{"jsonrpc":"2.0","method":"notifications/roots/list_changed"}`)
	assert.Equal(t, http.StatusAccepted, w.Code)

	sent := stubs["github"].sentNotifications()
	require.Len(t, sent, 1)
	assert.Equal(t, "notifications/roots/list_changed", sent[0].Method)
}
