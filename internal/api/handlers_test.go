package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-levels-bot/internal/auth"
	"bybit-levels-bot/internal/database"
)

type stubStore struct {
	signals    map[int64]*database.Signal
	logs       map[int64][]database.SignalLog
	createErr  error
	nextID     int64
	created    []*database.Signal
	healthErr  error
	listAllErr error
}

func (s *stubStore) CreateSignal(_ context.Context, sig *database.Signal) (int64, error) {
	if s.createErr != nil {
		return 0, s.createErr
	}
	s.nextID++
	s.created = append(s.created, sig)
	return s.nextID, nil
}

func (s *stubStore) GetSignal(_ context.Context, id int64) (*database.Signal, error) {
	sig, ok := s.signals[id]
	if !ok {
		return nil, database.ErrSignalNotFound
	}
	return sig, nil
}

func (s *stubStore) SignalLogs(_ context.Context, id int64) ([]database.SignalLog, error) {
	return s.logs[id], nil
}

func (s *stubStore) ListAll(_ context.Context, limit int) ([]*database.Signal, error) {
	if s.listAllErr != nil {
		return nil, s.listAllErr
	}
	var out []*database.Signal
	for _, sig := range s.signals {
		if len(out) == limit {
			break
		}
		out = append(out, sig)
	}
	return out, nil
}

func (s *stubStore) HealthCheck(context.Context) error { return s.healthErr }

type stubGateAPI struct {
	enabled    bool
	tripped    bool
	tripReason string
	setCalls   []bool
}

func (g *stubGateAPI) IsLiveEnabled(context.Context) bool { return g.enabled }

func (g *stubGateAPI) SetLiveEnabled(_ context.Context, enabled bool, _ string) error {
	g.enabled = enabled
	g.setCalls = append(g.setCalls, enabled)
	return nil
}

func (g *stubGateAPI) RiskTrip(context.Context) (string, bool) { return g.tripReason, g.tripped }

type stubControl struct {
	sweeps    int
	submitted []int64
}

func (c *stubControl) ForceSweep(context.Context) bool { c.sweeps++; return true }

func (c *stubControl) SubmitSignal(_ context.Context, id int64) {
	c.submitted = append(c.submitted, id)
}

type fixture struct {
	store   *stubStore
	gate    *stubGateAPI
	control *stubControl
	server  *Server
}

func newFixture(jwt *auth.JWTManager) *fixture {
	store := &stubStore{signals: map[int64]*database.Signal{}, logs: map[int64][]database.SignalLog{}}
	g := &stubGateAPI{enabled: true}
	ctl := &stubControl{}
	srv := NewServer(Config{ProductionMode: true}, store, g, ctl, jwt, zerolog.Nop())
	return &fixture{store: store, gate: g, control: ctl, server: srv}
}

func (f *fixture) do(method, path string, body []byte, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	f.server.router.ServeHTTP(w, req)
	return w
}

func TestHealthReflectsDatabase(t *testing.T) {
	f := newFixture(nil)
	if w := f.do(http.MethodGet, "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("healthy: status = %d, want 200", w.Code)
	}

	f.store.healthErr = context.DeadlineExceeded
	if w := f.do(http.MethodGet, "/health", nil, ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy: status = %d, want 503", w.Code)
	}
}

func TestGetSignal(t *testing.T) {
	f := newFixture(nil)
	f.store.signals[42] = &database.Signal{ID: 42, Side: database.SideLong, Status: database.StatusActive}

	w := f.do(http.MethodGet, "/api/signals/42", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	if w := f.do(http.MethodGet, "/api/signals/99", nil, ""); w.Code != http.StatusNotFound {
		t.Errorf("missing signal: status = %d, want 404", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/signals/zero", nil, ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: status = %d, want 400", w.Code)
	}
}

func TestGateEndpoints(t *testing.T) {
	f := newFixture(nil)
	f.gate.tripped = true
	f.gate.tripReason = "daily loss limit"

	w := f.do(http.MethodGet, "/api/gate", nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var resp struct {
		LiveEnabled bool   `json:"live_enabled"`
		RiskTrip    bool   `json:"risk_trip"`
		TripReason  string `json:"trip_reason"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.LiveEnabled || !resp.RiskTrip || resp.TripReason != "daily loss limit" {
		t.Errorf("gate response = %+v", resp)
	}

	w = f.do(http.MethodPost, "/api/gate", []byte(`{"enabled":false}`), "")
	if w.Code != http.StatusOK {
		t.Fatalf("toggle: status = %d, want 200", w.Code)
	}
	if len(f.gate.setCalls) != 1 || f.gate.setCalls[0] != false {
		t.Errorf("set calls = %v, want [false]", f.gate.setCalls)
	}

	if w := f.do(http.MethodPost, "/api/gate", []byte(`{}`), ""); w.Code != http.StatusBadRequest {
		t.Errorf("empty body: status = %d, want 400", w.Code)
	}
}

func TestForceReconcile(t *testing.T) {
	f := newFixture(nil)
	if w := f.do(http.MethodPost, "/api/reconcile", nil, ""); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if f.control.sweeps != 1 {
		t.Errorf("sweeps = %d, want 1", f.control.sweeps)
	}
}

func TestCreateSignalSchedulesInitialAttempt(t *testing.T) {
	f := newFixture(nil)
	body := []byte(`{"pair":"BTC/USDT","side":"LONG","level_price":"20000","elder_screen_1_passed":true,"elder_screen_2_passed":true}`)

	w := f.do(http.MethodPost, "/api/signals", body, "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	if len(f.control.submitted) != 1 || f.control.submitted[0] != 1 {
		t.Errorf("submitted = %v, want [1]", f.control.submitted)
	}
	if len(f.store.created) != 1 {
		t.Fatalf("created = %d signals, want 1", len(f.store.created))
	}
	// the handler stamps CreatedAt so the signal does not age out immediately
	if age := time.Since(f.store.created[0].CreatedAt); age < 0 || age > time.Minute {
		t.Errorf("CreatedAt = %s, want roughly now", f.store.created[0].CreatedAt)
	}

	if w := f.do(http.MethodPost, "/api/signals", []byte(`{"pair":"BTC/USDT","side":"DIAGONAL","level_price":"1"}`), ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad side: status = %d, want 400", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/signals", []byte(`{"pair":"BTC/USDT","side":"LONG","level_price":"0"}`), ""); w.Code != http.StatusBadRequest {
		t.Errorf("zero level: status = %d, want 400", w.Code)
	}
}

func TestCreateSignalReportsDuplicate(t *testing.T) {
	f := newFixture(nil)
	f.store.createErr = database.ErrDuplicateSignal

	body := []byte(`{"pair":"BTC/USDT","side":"LONG","level_price":"20000"}`)
	if w := f.do(http.MethodPost, "/api/signals", body, ""); w.Code != http.StatusConflict {
		t.Errorf("status = %d, want 409", w.Code)
	}
	if len(f.control.submitted) != 0 {
		t.Error("duplicate signal was scheduled")
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	jwt := auth.NewJWTManager("api-test-secret", time.Hour)
	f := newFixture(jwt)

	if w := f.do(http.MethodPost, "/api/reconcile", nil, ""); w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", w.Code)
	}
	if w := f.do(http.MethodGet, "/api/signals", nil, ""); w.Code != http.StatusOK {
		t.Errorf("read route gated: status = %d, want 200", w.Code)
	}

	token, err := jwt.GenerateToken("ops")
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	if w := f.do(http.MethodPost, "/api/reconcile", nil, token); w.Code != http.StatusAccepted {
		t.Errorf("with token: status = %d, want 202", w.Code)
	}
}
