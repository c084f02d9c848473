package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// Frame is a JSON frame received from a chat client.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Content returns data.content for send_message frames.
func (f Frame) Content() string {
	var d struct {
		Content string `json:"content"`
	}
	_ = json.Unmarshal(f.Data, &d) //nolint:errcheck // best effort in tests
	return d.Content
}

// Token returns data.token for auth frames.
func (f Frame) Token() string {
	var d struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(f.Data, &d) //nolint:errcheck // best effort in tests
	return d.Token
}

// MockKick emulates the Kick identity endpoints, the REST API and the chat
// WebSocket on one httptest server.
type MockKick struct {
	*httptest.Server
	// Handlers override routes by exact path.
	Handlers map[string]http.HandlerFunc

	mu            sync.Mutex
	username      string
	chatroomID    int64
	accessToken   string
	refreshToken  string
	expiresIn     int
	tokenFailure  int
	failChannel   bool
	tokenRequests []url.Values
	conns         []*mockConn
	dials         int

	upgrader  websocket.Upgrader
	frames    chan Frame
	connected chan struct{}
}

type mockConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

// NewMockKick starts the mock platform. It is closed on test cleanup.
func NewMockKick(t *testing.T) *MockKick {
	t.Helper()
	m := &MockKick{
		Handlers:     make(map[string]http.HandlerFunc),
		username:     "streamer",
		chatroomID:   4242,
		accessToken:  "mock-access",
		refreshToken: "mock-refresh",
		expiresIn:    3600,
		frames:       make(chan Frame, 64),
		connected:    make(chan struct{}, 16),
		upgrader:     websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.route))
	t.Cleanup(m.Close)
	t.Cleanup(m.DropConnections)
	return m
}

func (m *MockKick) route(w http.ResponseWriter, r *http.Request) {
	if h, ok := m.Handlers[r.URL.Path]; ok {
		h(w, r)
		return
	}
	switch {
	case r.URL.Path == "/oauth/token":
		m.handleToken(w, r)
	case r.URL.Path == "/api/v2/user/me":
		m.handleUser(w, r)
	case strings.HasPrefix(r.URL.Path, "/api/v2/channels/"):
		m.handleChannel(w, r)
	case strings.HasPrefix(r.URL.Path, "/chat/"):
		m.handleChat(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// AuthURL and TokenURL point the OAuth client at the mock.
func (m *MockKick) AuthURL() string  { return m.URL + "/oauth/authorize" }
func (m *MockKick) TokenURL() string { return m.URL + "/oauth/token" }

// ChatURL is the WebSocket prefix a chatroom id is appended to.
func (m *MockKick) ChatURL() string { return "ws" + strings.TrimPrefix(m.URL, "http") + "/chat/" }

// SetUser configures the account returned by /api/v2/user/me and its chatroom.
func (m *MockKick) SetUser(username string, chatroomID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.username, m.chatroomID = username, chatroomID
}

// SetTokens configures the next token endpoint response. expiresIn <= 0 omits the field.
func (m *MockKick) SetTokens(access, refresh string, expiresIn int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accessToken, m.refreshToken, m.expiresIn = access, refresh, expiresIn
}

// FailToken makes the token endpoint answer with status (0 restores success).
func (m *MockKick) FailToken(status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenFailure = status
}

// FailChannel makes channel lookups return 404.
func (m *MockKick) FailChannel(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failChannel = fail
}

// TokenRequests returns the form bodies posted to the token endpoint.
func (m *MockKick) TokenRequests() []url.Values {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]url.Values(nil), m.tokenRequests...)
}

// Dials returns how many chat connections were accepted.
func (m *MockKick) Dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dials
}

func (m *MockKick) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.tokenRequests = append(m.tokenRequests, r.PostForm)
	failure := m.tokenFailure
	resp := map[string]any{
		"access_token": m.accessToken,
		"token_type":   "bearer",
		"scope":        "chat:read chat:write user:read",
	}
	if m.refreshToken != "" {
		resp["refresh_token"] = m.refreshToken
	}
	if m.expiresIn > 0 {
		resp["expires_in"] = m.expiresIn
	}
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failure != 0 {
		w.WriteHeader(failure)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant", "error_description": "mock token failure"}) //nolint:errcheck // test mock response
		return
	}
	if r.PostForm.Get("grant_type") == "authorization_code" && r.PostForm.Get("code_verifier") == "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "invalid_request", "error_description": "code_verifier required"}) //nolint:errcheck // test mock response
		return
	}
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // test mock response
}

func (m *MockKick) bearerOK(r *http.Request) bool {
	return strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") && len(r.Header.Get("Authorization")) > len("Bearer ")
}

func (m *MockKick) handleUser(w http.ResponseWriter, r *http.Request) {
	if !m.bearerOK(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	m.mu.Lock()
	resp := map[string]any{"id": 1, "username": m.username}
	m.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp) //nolint:errcheck // test mock response
}

func (m *MockKick) handleChannel(w http.ResponseWriter, r *http.Request) {
	if !m.bearerOK(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/api/v2/channels/")
	m.mu.Lock()
	fail, user, id := m.failChannel, m.username, m.chatroomID
	m.mu.Unlock()
	if fail || name != user {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"slug": name, "chatroom": map[string]any{"id": id}}) //nolint:errcheck // test mock response
}

func (m *MockKick) handleChat(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	mc := &mockConn{conn: conn}
	m.mu.Lock()
	m.conns = append(m.conns, mc)
	m.dials++
	m.mu.Unlock()
	select {
	case m.connected <- struct{}{}:
	default:
	}
	for {
		_, b, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f Frame
		if json.Unmarshal(b, &f) != nil {
			continue
		}
		select {
		case m.frames <- f:
		default:
		}
	}
}

// WaitConnected blocks until a chat client connects.
func (m *MockKick) WaitConnected(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.connected:
	case <-time.After(timeout):
		t.Fatalf("no chat connection within %v", timeout)
	}
}

// WaitFrame returns the next frame received from any chat client.
func (m *MockKick) WaitFrame(t *testing.T, timeout time.Duration) Frame {
	t.Helper()
	select {
	case f := <-m.frames:
		return f
	case <-time.After(timeout):
		t.Fatalf("no chat frame within %v", timeout)
		return Frame{}
	}
}

// NoFrame fails the test if a frame arrives within wait.
func (m *MockKick) NoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-m.frames:
		t.Fatalf("unexpected frame %s %s", f.Event, string(f.Data))
	case <-time.After(wait):
	}
}

// Inject writes raw to every live chat connection.
func (m *MockKick) Inject(t *testing.T, raw string) {
	t.Helper()
	m.mu.Lock()
	conns := append([]*mockConn(nil), m.conns...)
	m.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		err := c.conn.WriteMessage(websocket.TextMessage, []byte(raw))
		c.mu.Unlock()
		if err != nil {
			t.Logf("inject: %v", err)
		}
	}
}

// InjectMessage sends a chat message event from sender.
func (m *MockKick) InjectMessage(t *testing.T, sender, content string) {
	t.Helper()
	b, _ := json.Marshal(map[string]any{
		"event": "message",
		"data": map[string]any{
			"sender":  map[string]any{"username": sender},
			"message": map[string]any{"content": content},
		},
	})
	m.Inject(t, string(b))
}

// DropConnections closes every live chat connection from the server side.
func (m *MockKick) DropConnections() {
	m.mu.Lock()
	conns := m.conns
	m.conns = nil
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}
