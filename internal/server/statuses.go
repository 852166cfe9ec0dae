package server

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/economy"
)

// StatusCounter is the engine's status sink. It counts outcomes per action
// and status for the health endpoint and logs failures a player would see.
type StatusCounter struct {
	l      logrus.FieldLogger
	mu     sync.Mutex
	counts map[string]map[economy.Status]int
}

// NewStatusCounter creates an empty counter.
func NewStatusCounter(l logrus.FieldLogger) *StatusCounter {
	return &StatusCounter{l: l, counts: make(map[string]map[economy.Status]int)}
}

// Report implements economy.StatusSink.
func (c *StatusCounter) Report(player, action string, status economy.Status, detail string) {
	c.mu.Lock()
	byStatus, ok := c.counts[action]
	if !ok {
		byStatus = make(map[economy.Status]int)
		c.counts[action] = byStatus
	}
	byStatus[status]++
	c.mu.Unlock()

	if status != economy.StatusOK {
		c.l.WithFields(logrus.Fields{"player": player, "action": action, "status": status}).Debug(detail)
	}
}

// Snapshot returns a copy of the counts.
func (c *StatusCounter) Snapshot() map[string]map[economy.Status]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]map[economy.Status]int, len(c.counts))
	for action, byStatus := range c.counts {
		cp := make(map[economy.Status]int, len(byStatus))
		for s, n := range byStatus {
			cp[s] = n
		}
		out[action] = cp
	}
	return out
}
