package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zigbee-actions/internal/action"
	"zigbee-actions/internal/automation"
	"zigbee-actions/internal/coordinator"
	"zigbee-actions/internal/stack"
	"zigbee-actions/internal/store"
	"zigbee-actions/internal/zcl"
	"zigbee-actions/internal/zcl/clusters"
)

// stubController implements stack.Controller and stack.Touchlink.
type stubController struct {
	mu         sync.Mutex
	locked     bool
	sendErr    error
	networkErr error
	holdLock   bool
}

func (s *stubController) NetworkParameters(context.Context) (*stack.NetworkParameters, error) {
	if s.networkErr != nil {
		return nil, s.networkErr
	}
	return &stack.NetworkParameters{PanID: 0x1a62, ExtendedPanID: "0xdddddddddddddddd", Channel: 15}, nil
}

func (s *stubController) SendRaw(context.Context, *stack.RawCommand, *zcl.ClusterDef) (*stack.SendResult, error) {
	if s.sendErr != nil {
		return nil, s.sendErr
	}
	return &stack.SendResult{Response: json.RawMessage(`{"status":0}`)}, nil
}

func (s *stubController) Touchlink() stack.Touchlink { return s }
func (s *stubController) Close() error { return nil }
func (s *stubController) SetChannelInterPAN(context.Context, uint8) error { return nil }
func (s *stubController) RestoreChannelInterPAN(context.Context) error { return nil }

func (s *stubController) Lock(_ context.Context, enable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enable && (s.locked || s.holdLock) {
		return stack.ErrTouchlinkLocked
	}
	s.locked = enable
	return nil
}

type testEnv struct {
	srv   *Server
	coord *coordinator.Coordinator
	ctrl  *stubController
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestServer(t *testing.T, opts ...ServerOption) *testEnv {
	t.Helper()
	logger := testLogger()

	reg := zcl.NewRegistry(logger)
	require.NoError(t, clusters.RegisterAll(reg))
	reg.Freeze()

	db, err := store.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events := coordinator.NewEventBus(logger)
	seq := action.NewSequencer(reg, logger,
		action.WithWait(func(context.Context, time.Duration) error { return nil }),
		action.WithObserver(coordinator.NewTouchlinkObserver(events)))
	ctrl := &stubController{}
	coord := coordinator.New(ctrl, action.NewRegistry(action.NewNormalizer(reg), seq, logger), db, reg, events, coordinator.Config{}, logger)

	srv := NewServer(coord, logger, opts...)
	t.Cleanup(srv.Stop)
	return &testEnv{srv: srv, coord: coord, ctrl: ctrl}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, rd)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

const rawToggle = `{"network_address": 4660, "dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {"command_key": "toggle"}}`

func TestAPIVersion(t *testing.T) {
	env := setupTestServer(t, WithVersion("1.2.3"))
	rec := env.do(t, "GET", "/api/version", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"version":"1.2.3"}`, rec.Body.String())
}

func TestAPIListActions(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, "GET", "/api/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	actions := decode[[]coordinator.ActionInfo](t, rec)
	require.Len(t, actions, 2)
	assert.Equal(t, "raw", actions[0].Name)
}

func TestAPIRunActionRaw(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, "POST", "/api/actions/raw", rawToggle)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	res := decode[actionResult](t, rec)
	assert.Equal(t, "raw", res.Action)
	assert.Equal(t, "succeeded", res.Status)
	assert.JSONEq(t, `{"status":0}`, string(res.Response))

	rec = env.do(t, "GET", "/api/history/"+res.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[store.Invocation](t, rec)
	assert.Equal(t, "http", inv.Source)
}

func TestAPIRunActionErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		body   string
		setup  func(*stubController)
		status int
		code   string
	}{
		{"unknown action", "/api/actions/self_destruct", `{}`, nil, http.StatusBadRequest, action.CodeUnknownAction},
		{"body not an object", "/api/actions/raw", `[1,2]`, nil, http.StatusBadRequest, action.CodeMalformedRequest},
		{"malformed raw", "/api/actions/raw", `{"dst_endpoint": 1, "cluster_key": "genOnOff", "zcl": {}}`, nil, http.StatusBadRequest, action.CodeMalformedRequest},
		{"validation", "/api/actions/factory_reset", `{"serial_numbers": []}`, nil, http.StatusBadRequest, action.CodeValidation},
		{"lock contention", "/api/actions/philips_hue_factory_reset", `{"serial_numbers": ["aabbcc"]}`,
			func(c *stubController) { c.holdLock = true }, http.StatusConflict, action.CodeLockContention},
		{"stack failure", "/api/actions/raw", rawToggle,
			func(c *stubController) { c.sendErr = errors.New("no route") }, http.StatusBadGateway, action.CodeStack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestServer(t)
			if tt.setup != nil {
				tt.setup(env.ctrl)
			}
			rec := env.do(t, "POST", tt.path, tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tt.code, body.Code)
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestAPIRunActionEmptyBody(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, "POST", "/api/actions/factory_reset", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, action.CodeValidation, decode[errorBody](t, rec).Code)
}

func TestAPIHistory(t *testing.T) {
	env := setupTestServer(t)
	for i := 0; i < 3; i++ {
		require.Equal(t, http.StatusOK, env.do(t, "POST", "/api/actions/raw", rawToggle).Code)
	}

	rec := env.do(t, "GET", "/api/history?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]store.Invocation](t, rec), 2)

	rec = env.do(t, "GET", "/api/history", nil)
	assert.Len(t, decode[[]store.Invocation](t, rec), 3)

	assert.Equal(t, http.StatusBadRequest, env.do(t, "GET", "/api/history?limit=x", nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/history/0190a0c4-0000-7000-8000-000000000000", nil).Code)
}

func TestAPIHistoryEmpty(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, "GET", "/api/history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAPINetwork(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, "GET", "/api/network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[map[string]any](t, rec)
	assert.Equal(t, "0xdddddddddddddddd", info["extendedPanID"])

	env.ctrl.networkErr = errors.New("offline")
	rec = env.do(t, "GET", "/api/network", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode[map[string]any](t, rec)["cached"])
}

func TestAPINetworkUnavailable(t *testing.T) {
	env := setupTestServer(t)
	env.ctrl.networkErr = errors.New("offline")
	assert.Equal(t, http.StatusBadGateway, env.do(t, "GET", "/api/network", nil).Code)
}

func TestAPITouchlinkAndClusters(t *testing.T) {
	env := setupTestServer(t)
	rec := env.do(t, "GET", "/api/touchlink", nil)
	assert.JSONEq(t, `{"state":"idle"}`, rec.Body.String())

	rec = env.do(t, "GET", "/api/clusters", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	defs := decode[[]map[string]any](t, rec)
	require.NotEmpty(t, defs)
	assert.Equal(t, "manuSpecificPhilipsPairing", defs[0]["name"])
}

func TestAPIScriptsWithoutAutomation(t *testing.T) {
	env := setupTestServer(t)
	assert.JSONEq(t, `[]`, env.do(t, "GET", "/api/scripts", nil).Body.String())
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, "POST", "/api/scripts/x/run", nil).Code)
}

func TestAPIScripts(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "scripts")
	mgr, err := automation.NewManager(dir, testLogger())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hello.lua"),
		[]byte("-- {\"name\": \"Hello\"}\nzigbee.log(\"hi \" .. zigbee.network().channel)\n"), 0o644))

	env := setupTestServer(t)
	engine := automation.NewEngine(env.coord, mgr, time.Second, testLogger())
	WithAutomation(engine)(env.srv)

	rec := env.do(t, "GET", "/api/scripts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	scripts := decode[[]map[string]any](t, rec)
	require.Len(t, scripts, 1)
	assert.Equal(t, "hello", scripts[0]["id"])
	assert.Equal(t, false, scripts[0]["running"])

	rec = env.do(t, "POST", "/api/scripts/hello/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[automation.RunResult](t, rec)
	assert.True(t, res.OK, res.Error)
	assert.Equal(t, []string{"hi 15"}, res.Logs)

	assert.Equal(t, http.StatusNotFound, env.do(t, "POST", "/api/scripts/missing/run", nil).Code)
}

func TestAPIKeyAuth(t *testing.T) {
	env := setupTestServer(t, WithAPIKey("secret"))
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/version", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/version", nil, "X-API-Key", "wrong").Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/version", nil, "X-API-Key", "secret").Code)
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(exp),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestJWTAuth(t *testing.T) {
	env := setupTestServer(t, WithJWTSecret("jwt-secret"), WithAPIKey("secret"))
	valid := signToken(t, "jwt-secret", jwt.SigningMethodHS256, time.Now().Add(time.Hour))
	expired := signToken(t, "jwt-secret", jwt.SigningMethodHS256, time.Now().Add(-time.Hour))
	wrongKey := signToken(t, "other", jwt.SigningMethodHS256, time.Now().Add(time.Hour))
	hs512 := signToken(t, "jwt-secret", jwt.SigningMethodHS512, time.Now().Add(time.Hour))

	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/touchlink", nil, "Authorization", "Bearer "+valid).Code)
	assert.Equal(t, http.StatusOK, env.do(t, "GET", "/api/touchlink", nil, "X-API-Key", "secret").Code)
	for _, tok := range []string{expired, wrongKey, hs512, "garbage"} {
		assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/touchlink", nil, "Authorization", "Bearer "+tok).Code)
	}
	assert.Equal(t, http.StatusUnauthorized, env.do(t, "GET", "/api/touchlink", nil, "Authorization", valid).Code)
}

func TestCORSPreflight(t *testing.T) {
	env := setupTestServer(t, WithAllowedOrigins([]string{"https://ops.example"}), WithAPIKey("secret"))

	rec := env.do(t, "OPTIONS", "/api/actions/raw", nil,
		"Origin", "https://ops.example",
		"Access-Control-Request-Method", "POST",
		"Access-Control-Request-Headers", "X-API-Key")
	assert.Equal(t, "https://ops.example", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = env.do(t, "OPTIONS", "/api/actions/raw", nil,
		"Origin", "https://evil.example",
		"Access-Control-Request-Method", "POST")
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
