package sentinel

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathanregner/hydra-sentinel/internal/config"
	"github.com/nathanregner/hydra-sentinel/internal/hydra"
	"github.com/nathanregner/hydra-sentinel/internal/model"
)

// stubHydra records pushed events and serves a canned queue.
type stubHydra struct {
	mu     sync.Mutex
	queue  []hydra.Build
	err    error
	pushed [][]byte
}

func (s *stubHydra) GetQueue(context.Context) ([]hydra.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue, s.err
}

func (s *stubHydra) Push(_ context.Context, event []byte) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.pushed = append(s.pushed, event)
	return json.RawMessage(`{"jobsetsTriggered":[]}`), nil
}

func (s *stubHydra) pushCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushed)
}

func newTestServer(t *testing.T, machines ...model.BuildMachine) (*Server, *Store, *stubHydra) {
	t.Helper()
	store, err := NewStore(zerolog.Nop(), 60*time.Second, machines)
	require.NoError(t, err)

	cfg := &Config{
		HydraBaseURL:     "http://hydra.test",
		ListenAddr:       "127.0.0.1:0",
		HeartbeatTimeout: config.Duration(time.Minute),
		allowedNets:      []netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")},
		webhookSecret:    []byte("It's a Secret to Everybody"),
	}

	client := &stubHydra{}
	return NewServer(cfg, store, client, zerolog.Nop()), store, client
}

// Test vector from GitHub's webhook documentation.
const (
	webhookBody      = "Hello, World!"
	webhookSignature = "sha256=757107ea0eb2509fc211221cce984b8a37570b6d7586c22c46f4379c8b043e17"
)

func TestWebhook_ValidSignature(t *testing.T) {
	server, _, client := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody))
	req.Header.Set("X-Hub-Signature-256", webhookSignature)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, client.pushCount())
	assert.Equal(t, webhookBody, string(client.pushed[0]))
}

func TestWebhook_InvalidSignature(t *testing.T) {
	server, _, client := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody))
	req.Header.Set("X-Hub-Signature-256", "sha256="+strings.Repeat("00", 32))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, client.pushCount())
}

func TestWebhook_TamperedBody(t *testing.T) {
	server, _, client := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader("Hello, World?"))
	req.Header.Set("X-Hub-Signature-256", webhookSignature)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, client.pushCount())
}

func TestWebhook_MissingHeader(t *testing.T) {
	server, _, client := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody))
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "X-Hub-Signature-256")
	assert.Zero(t, client.pushCount())
}

func TestWebhook_MalformedSignatureHeader(t *testing.T) {
	server, _, _ := newTestServer(t)

	for _, header := range []string{"sha1=abcd", "757107ea", "sha256=zzzz"} {
		req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody))
		req.Header.Set("X-Hub-Signature-256", header)
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "header %q", header)
	}
}

func TestWebhook_RelayFailure(t *testing.T) {
	server, _, client := newTestServer(t)
	client.err = assert.AnError

	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(webhookBody))
	req.Header.Set("X-Hub-Signature-256", webhookSignature)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
