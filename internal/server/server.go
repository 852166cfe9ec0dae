package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/config"
	"github.com/gravitas-games/homestead/internal/economy"
	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/network"
	"github.com/gravitas-games/homestead/internal/store"
)

// Server accepts websocket clients and runs their actions on the engine
type Server struct {
	l         logrus.FieldLogger
	config    *config.Config
	engine    *economy.Engine
	session   *Session
	validator TokenValidator
	statuses  *StatusCounter
	upgrader  websocket.Upgrader
	httpSrv   *http.Server

	// Shutdown
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a server. bus must be the bus the engine publishes to.
func New(l logrus.FieldLogger, cfg *config.Config, engine *economy.Engine, bus events.Bus, validator TokenValidator, statuses *StatusCounter) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		l:         l,
		config:    cfg,
		engine:    engine,
		session:   NewSession(l, "main", bus, cfg.Server.MaxPlayers),
		validator: validator,
		statuses:  statuses,
		ctx:       ctx,
		cancel:    cancel,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			Subprotocols:    []string{"access_token"},
			CheckOrigin: func(r *http.Request) bool {
				// TODO: check against a configured allow list once the web client has a fixed origin
				return true
			},
		},
	}
}

// Handler returns the HTTP routes
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start begins announcing ready jobs and listening for connections
func (s *Server) Start(addr string) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.engine.RunReady(s.ctx, time.Duration(s.config.Server.ReadyIntervalMs)*time.Millisecond)
	}()

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	s.l.Infof("WebSocket endpoint: ws://%s/ws", addr)

	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown() error {
	s.l.Infof("Shutting down server.")
	s.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if s.httpSrv != nil {
		err = s.httpSrv.Shutdown(ctx)
	}
	for _, conn := range s.session.Connections() {
		conn.Close()
	}
	s.wg.Wait()
	return err
}

// handleWebSocket authenticates, upgrades and serves one client
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	l := s.l.WithField("remote", r.RemoteAddr)

	tokenString := extractTokenFromHeader(r)
	if tokenString == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}
	player, err := s.validator.ValidateToken(r.Context(), tokenString)
	if err != nil {
		l.WithError(err).Infof("Rejected token.")
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return
	}

	state, err := s.welcomeState(r.Context(), player.ID)
	if err != nil {
		l.WithError(err).WithField("player", player.ID).Errorf("Unable to load player.")
		http.Error(w, "Unable to load player", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.WithError(err).Warnf("WebSocket upgrade failed.")
		return
	}

	player.ConnectedAt = time.Now()
	player.LastSeen = player.ConnectedAt
	conn := NewConnection(ws, s, player)
	if err := s.session.AddPlayer(player, conn); err != nil {
		ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()), time.Now().Add(writeWait))
		ws.Close()
		return
	}
	if err := s.engine.TrackPlayer(s.ctx, player.ID); err != nil {
		l.WithError(err).Warnf("Unable to track running jobs.")
	}
	conn.SendMessage(&network.ServerMessage{
		Type:    network.MsgTypeWelcome,
		Payload: network.WelcomePayload{PlayerID: player.ID, Username: player.Username, State: state},
	})

	conn.Handle()
}

// welcomeState loads the player, creating them at the origin on first login
func (s *Server) welcomeState(ctx context.Context, id string) (economy.PlayerState, error) {
	state, err := s.engine.State(ctx, id)
	if !errors.Is(err, store.ErrNotFound) {
		return state, err
	}
	if _, err := s.engine.CreatePlayer(ctx, id, hex.Axial{}); err != nil && !errors.Is(err, store.ErrExists) {
		return economy.PlayerState{}, err
	}
	return s.engine.State(ctx, id)
}

// handleHealth reports session size and action outcome counts
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"session":  s.session.GetStatus(),
		"statuses": s.statuses.Snapshot(),
	})
}
