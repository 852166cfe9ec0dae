package server

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/network"
	"github.com/gravitas-games/homestead/pkg/models"
)

// ErrSessionFull is returned when the player limit is reached.
var ErrSessionFull = errors.New("session full")

// Session tracks connected players and forwards their economy events.
type Session struct {
	ID        string
	CreatedAt time.Time

	l          logrus.FieldLogger
	bus        events.Bus
	maxPlayers int

	players     map[string]*models.Player // playerID -> Player
	connections map[string]*Connection    // playerID -> Connection
	mu          sync.RWMutex
}

// SessionStatus represents the current state of the session
type SessionStatus struct {
	PlayerCount int   `json:"player_count"`
	MaxPlayers  int   `json:"max_players"`
	Uptime      int64 `json:"uptime"` // seconds
}

// NewSession creates a new session
func NewSession(l logrus.FieldLogger, id string, bus events.Bus, maxPlayers int) *Session {
	return &Session{
		ID:          id,
		CreatedAt:   time.Now(),
		l:           l,
		bus:         bus,
		maxPlayers:  maxPlayers,
		players:     make(map[string]*models.Player),
		connections: make(map[string]*Connection),
	}
}

// AddPlayer registers the player's connection and subscribes it to the
// player's events. A second connection for the same player replaces the
// first, which is closed.
func (s *Session) AddPlayer(player *models.Player, conn *Connection) error {
	s.mu.Lock()
	old, reconnect := s.connections[player.ID]
	if !reconnect && s.maxPlayers > 0 && len(s.players) >= s.maxPlayers {
		s.mu.Unlock()
		return ErrSessionFull
	}
	s.players[player.ID] = player
	s.connections[player.ID] = conn
	s.mu.Unlock()

	s.bus.Subscribe(player.ID, func(ev events.Event) {
		conn.SendMessage(&network.ServerMessage{Type: network.MsgTypeEvent, Payload: ev})
	})
	if reconnect && old != conn {
		s.l.WithField("player", player.ID).Infof("Replacing previous connection.")
		old.Close()
	}
	s.l.WithField("player", player.ID).Infof("Player %s joined session %s.", player.Username, s.ID)
	return nil
}

// RemovePlayer removes a player if conn is still its registered connection
func (s *Session) RemovePlayer(playerID string, conn *Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.connections[playerID] != conn {
		return
	}
	delete(s.players, playerID)
	delete(s.connections, playerID)
	s.bus.Unsubscribe(playerID)
	s.l.WithField("player", playerID).Infof("Player left session %s.", s.ID)
}

// GetPlayer retrieves a player by ID
func (s *Session) GetPlayer(playerID string) (*models.Player, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	player, exists := s.players[playerID]
	return player, exists
}

// Connections returns every registered connection
func (s *Session) Connections() []*Connection {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Connection, 0, len(s.connections))
	for _, c := range s.connections {
		out = append(out, c)
	}
	return out
}

// GetStatus returns the current session status
func (s *Session) GetStatus() SessionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionStatus{
		PlayerCount: len(s.players),
		MaxPlayers:  s.maxPlayers,
		Uptime:      int64(time.Since(s.CreatedAt).Seconds()),
	}
}
