package syncengine

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/auth"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/mutationlog"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/store"
	"github.com/MarcoPoloResearchLab/momentum/internal/client/transport"
	"github.com/MarcoPoloResearchLab/momentum/internal/clock"
	"github.com/MarcoPoloResearchLab/momentum/internal/database"
	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
	"github.com/MarcoPoloResearchLab/momentum/internal/server"
	"github.com/MarcoPoloResearchLab/momentum/internal/taskgraph"
	"github.com/MarcoPoloResearchLab/momentum/internal/wire"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testSecret   = "sync-engine-secret"
	testIssuer   = "momentum-api"
	testAudience = "momentum-devices"
	testUser     = "user-1"
	baseMillis   = int64(1_700_000_000_000)
)

type syncServer struct {
	url       string
	token     string
	taskGraph *taskgraph.Service
}

func newSyncServer(t *testing.T) *syncServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), zap.NewNop())
	require.NoError(t, err)
	service, err := taskgraph.NewService(taskgraph.ServiceConfig{Database: db})
	require.NoError(t, err)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	validator, err := auth.NewBearerValidator(auth.BearerValidatorConfig{
		SigningSecret: []byte(testSecret),
		Issuer:        testIssuer,
		Audience:      testAudience,
	})
	require.NoError(t, err)
	handler, err := server.NewHTTPHandler(server.Dependencies{Tokens: validator, TaskGraph: service})
	require.NoError(t, err)

	httpServer := httptest.NewServer(handler)
	t.Cleanup(httpServer.Close)

	token, _, err := issuer.IssueToken(context.Background(), testUser)
	require.NoError(t, err)
	return &syncServer{url: httpServer.URL, token: token, taskGraph: service}
}

type device struct {
	name   entities.DeviceID
	store  *store.Store
	log    *mutationlog.Log
	clock  *clock.Monotonic
	client *transport.Client
	engine *Engine
}

type deviceOption func(cfg *Config)

func newDevice(t *testing.T, srv *syncServer, name string, wallMillis int64, options ...deviceOption) *device {
	t.Helper()
	local, err := store.Open(filepath.Join(t.TempDir(), name+".db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = local.Close()
	})

	deviceClock := clock.NewMonotonic(func() time.Time { return time.UnixMilli(wallMillis) }, 0)
	log, err := mutationlog.New(mutationlog.Config{Store: local, Clock: deviceClock, Device: entities.DeviceID(name)})
	require.NoError(t, err)
	client, err := transport.NewClient(transport.Config{
		BaseURL:         srv.url,
		Token:           srv.token,
		Device:          entities.DeviceID(name),
		RetryBase:       time.Millisecond,
		RetryMaxElapsed: 100 * time.Millisecond,
	})
	require.NoError(t, err)

	cfg := Config{Log: log, Store: local, Clock: deviceClock, Transport: client, BatchSize: 2}
	for _, option := range options {
		option(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)

	return &device{
		name:   entities.DeviceID(name),
		store:  local,
		log:    log,
		clock:  deviceClock,
		client: client,
		engine: engine,
	}
}

func withTransport(wrap func(Transport) Transport) deviceOption {
	return func(cfg *Config) {
		cfg.Transport = wrap(cfg.Transport)
	}
}

// scriptedTransport lets a test intercept calls on their way to the server.
type scriptedTransport struct {
	next Transport

	mu     sync.Mutex
	pushes int
	pulls  []string
	onPush func(call int, batch []wire.PushMutation, response wire.PushResponse, err error) (wire.PushResponse, error)
	onPull func(call int, since string, response wire.PullResponse, err error) (wire.PullResponse, error)
}

func (s *scriptedTransport) Push(ctx context.Context, batch []wire.PushMutation) (wire.PushResponse, error) {
	response, err := s.next.Push(ctx, batch)
	s.mu.Lock()
	s.pushes++
	call := s.pushes
	s.mu.Unlock()
	if s.onPush != nil {
		return s.onPush(call, batch, response, err)
	}
	return response, err
}

func (s *scriptedTransport) Pull(ctx context.Context, since string) (wire.PullResponse, error) {
	response, err := s.next.Pull(ctx, since)
	s.mu.Lock()
	s.pulls = append(s.pulls, since)
	call := len(s.pulls)
	s.mu.Unlock()
	if s.onPull != nil {
		return s.onPull(call, since, response, err)
	}
	return response, err
}

func (s *scriptedTransport) Digest(ctx context.Context) (wire.DigestResponse, error) {
	return s.next.Digest(ctx)
}

func (s *scriptedTransport) pullCursors() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pulls...)
}

// stubTransport answers without a server.
type stubTransport struct {
	push   func(batch []wire.PushMutation) (wire.PushResponse, error)
	pull   func(since string) (wire.PullResponse, error)
	digest func() (wire.DigestResponse, error)
}

func (s *stubTransport) Push(_ context.Context, batch []wire.PushMutation) (wire.PushResponse, error) {
	return s.push(batch)
}

func (s *stubTransport) Pull(_ context.Context, since string) (wire.PullResponse, error) {
	if s.pull == nil {
		return wire.PullResponse{Mutations: []wire.PulledMutation{}, Cursor: since}, nil
	}
	return s.pull(since)
}

func (s *stubTransport) Digest(context.Context) (wire.DigestResponse, error) {
	return s.digest()
}

func newStubDevice(t *testing.T, stub *stubTransport, options ...deviceOption) *device {
	t.Helper()
	local, err := store.Open(filepath.Join(t.TempDir(), "stub.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = local.Close()
	})
	deviceClock := clock.NewMonotonic(func() time.Time { return time.UnixMilli(baseMillis) }, 0)
	log, err := mutationlog.New(mutationlog.Config{Store: local, Clock: deviceClock, Device: "stub"})
	require.NoError(t, err)

	cfg := Config{Log: log, Store: local, Clock: deviceClock, Transport: stub, Interval: time.Hour}
	for _, option := range options {
		option(&cfg)
	}
	engine, err := New(cfg)
	require.NoError(t, err)
	return &device{name: "stub", store: local, log: log, clock: deviceClock, engine: engine}
}
