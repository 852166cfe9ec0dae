package server

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/config"
	"github.com/gravitas-games/homestead/internal/economy"
	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/network"
	"github.com/gravitas-games/homestead/internal/store/memstore"
	"github.com/gravitas-games/homestead/pkg/models"
)

type staticValidator struct{}

func (staticValidator) ValidateToken(ctx context.Context, token string) (*models.Player, error) {
	if token != "good" {
		return nil, errors.New("bad token")
	}
	return &models.Player{ID: "42", Username: "farmer", Activated: 1}, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *Server) {
	t.Helper()
	l, _ := test.NewNullLogger()
	cat, err := catalog.Load("../catalog/testdata/catalog.yaml")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	g, err := guard.NewMemoryGuard(128, time.Hour, guard.WithTransient(economy.Transient))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	cfg := &config.Config{Server: config.ServerConfig{MaxPlayers: 4, ActionRate: 100, ActionBurst: 100, ReadyIntervalMs: 1000}}
	ecfg := economy.DefaultConfig()
	ecfg.StartingItems = []inventory.Ingredient{{Item: "wood", Qty: 40}, {Item: "stone", Qty: 5}}

	bus := events.NewSimpleBus()
	statuses := NewStatusCounter(l)
	eng, err := economy.New(l, cat, memstore.New(), g, ecfg, economy.WithBus(bus), economy.WithStatus(statuses))
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	srv := New(l, cfg, eng, bus, staticValidator{}, statuses)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Shutdown()
		ts.Close()
	})
	return ts, srv
}

func dial(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	return websocket.DefaultDialer.Dial(url, h)
}

type inbound struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// next reads messages until one of type typ arrives, skipping events.
func next(t *testing.T, ws *websocket.Conn, typ string) inbound {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var m inbound
		if err := ws.ReadJSON(&m); err != nil {
			t.Fatalf("read %s: %v", typ, err)
		}
		if m.Type == typ {
			return m
		}
	}
}

func send(t *testing.T, ws *websocket.Conn, typ, id string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := ws.WriteJSON(network.ClientMessage{Type: typ, ID: id, Payload: raw}); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func result(t *testing.T, ws *websocket.Conn, id string) network.ResultPayload {
	t.Helper()
	m := next(t, ws, network.MsgTypeResult)
	if m.ID != id {
		t.Fatalf("expected result %s, got %s", id, m.ID)
	}
	var p network.ResultPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return p
}

func TestRejectsBadToken(t *testing.T) {
	ts, _ := newTestServer(t)
	_, resp, err := dial(t, ts, "bad")
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestEconomyOverWebSocket(t *testing.T) {
	ts, srv := newTestServer(t)
	ws, _, err := dial(t, ts, "good")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close()

	welcome := next(t, ws, network.MsgTypeWelcome)
	var w struct {
		PlayerID string `json:"player_id"`
		State    struct {
			AtHome bool `json:"atHome"`
		} `json:"state"`
	}
	if err := json.Unmarshal(welcome.Payload, &w); err != nil || w.PlayerID != "42" || !w.State.AtHome {
		t.Fatalf("unexpected welcome: %s", welcome.Payload)
	}

	send(t, ws, network.MsgTypeBuild, "1", network.BuildPayload{Type: "sawmill", TxID: "b1"})
	built := result(t, ws, "1")
	if built.Status != "ok" {
		t.Fatalf("build failed: %+v", built)
	}
	var br struct {
		Station struct {
			ID string `json:"id"`
		} `json:"station"`
	}
	raw, _ := json.Marshal(built.Result)
	if err := json.Unmarshal(raw, &br); err != nil || br.Station.ID == "" {
		t.Fatalf("no station in build result: %s", raw)
	}

	start := network.StartPayload{Station: br.Station.ID, Recipe: "plank", TxID: "s1"}
	send(t, ws, network.MsgTypeStart, "2", start)
	if r := result(t, ws, "2"); r.Status != "ok" {
		t.Fatalf("start failed: %+v", r)
	}
	// same transaction replays
	send(t, ws, network.MsgTypeStart, "3", start)
	if r := result(t, ws, "3"); r.Status != "ok" {
		t.Fatalf("replay failed: %+v", r)
	}
	send(t, ws, network.MsgTypeCollect, "4", network.CollectPayload{Station: br.Station.ID, Slot: 0, TxID: "c1"})
	if r := result(t, ws, "4"); r.Status != string(economy.StatusNotReady) {
		t.Fatalf("expected not ready, got %+v", r)
	}
	send(t, ws, network.MsgTypeSell, "5", network.SellPayload{Item: "gems", Qty: 1, TxID: "x"})
	if r := result(t, ws, "5"); r.Status != string(economy.StatusInvalid) {
		t.Fatalf("expected invalid request, got %+v", r)
	}

	state, err := srv.engine.State(context.Background(), "42")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got := state.Player.Ledger.Available("wood"); got != 10 {
		t.Fatalf("expected 10 wood left, got %d", got)
	}

	send(t, ws, "chat", "6", map[string]string{"message": "hi"})
	if m := next(t, ws, network.MsgTypeError); !strings.Contains(string(m.Payload), "unknown_message_type") {
		t.Fatalf("unexpected error payload: %s", m.Payload)
	}
	// the replay is reported as a second success
	if srv.statuses.Snapshot()["start"][economy.StatusOK] != 2 {
		t.Fatalf("expected two counted starts, got %v", srv.statuses.Snapshot())
	}
}

func TestJWTValidator(t *testing.T) {
	l, _ := test.NewNullLogger()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	cfg := &config.Config{JWT: config.JWTConfig{Issuer: "login"}}
	v := NewJWTValidatorWithKey(l, cfg, nil, &key.PublicKey)

	sign := func(c Claims) string {
		s, err := jwt.NewWithClaims(jwt.SigningMethodES256, c).SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}
	registered := func(iss string) jwt.RegisteredClaims {
		return jwt.RegisteredClaims{Issuer: iss, ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))}
	}

	p, err := v.ValidateToken(context.Background(), sign(Claims{UserID: 7, Username: "farmer", Activated: 1, RegisteredClaims: registered("login")}))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if p.ID != "7" || p.Username != "farmer" || !p.IsActive() {
		t.Fatalf("unexpected player: %+v", p)
	}

	for name, c := range map[string]Claims{
		"issuer":    {UserID: 7, Activated: 1, RegisteredClaims: registered("other")},
		"banned":    {UserID: 7, Activated: -1, RegisteredClaims: registered("login")},
		"inactive":  {UserID: 7, Activated: 0, RegisteredClaims: registered("login")},
		"no expiry": {UserID: 7, Activated: 1, RegisteredClaims: jwt.RegisteredClaims{Issuer: "login"}},
	} {
		if _, err := v.ValidateToken(context.Background(), sign(c)); err == nil {
			t.Fatalf("%s: expected rejection", name)
		}
	}
}

func TestExtractToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws?token=q", nil)
	if got := extractTokenFromHeader(r); got != "q" {
		t.Fatalf("query token: %q", got)
	}
	r.Header.Set("Authorization", "Bearer h")
	if got := extractTokenFromHeader(r); got != "h" {
		t.Fatalf("bearer token: %q", got)
	}
	r.Header.Set("Sec-WebSocket-Protocol", "access_token, p")
	if got := extractTokenFromHeader(r); got != "p" {
		t.Fatalf("protocol token: %q", got)
	}
}
