// Package progress forwards (verb, item, quantity) notifications about
// completed economic actions to quest tracking. Recording is fire and
// forget: a sink must never block or fail the action that triggered it.
package progress

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Verb names the action a notification reports.
type Verb string

const (
	Spend   Verb = "spend"
	Gain    Verb = "gain"
	Collect Verb = "collect"
	Start   Verb = "start"
	Sell    Verb = "sell"
	Trade   Verb = "trade"
	Feed    Verb = "feed"
	Unlock  Verb = "unlock"
	Build   Verb = "build"
)

// Event is one progress notification.
type Event struct {
	Verb   Verb      `json:"verb"`
	Player string    `json:"player"`
	Item   string    `json:"item"`
	Qty    int       `json:"qty"`
	At     time.Time `json:"at"`
}

// Sink receives progress events.
type Sink interface {
	Record(e Event)
}

// Null drops every event.
type Null struct{}

func (Null) Record(Event) {}

// Fanout sends each event to every sink in order.
type Fanout []Sink

func (f Fanout) Record(e Event) {
	for _, s := range f {
		s.Record(e)
	}
}

// LogSink writes events to a logger at debug level.
type LogSink struct {
	l logrus.FieldLogger
}

// NewLogSink creates a logging sink.
func NewLogSink(l logrus.FieldLogger) *LogSink {
	return &LogSink{l: l}
}

func (s *LogSink) Record(e Event) {
	s.l.WithFields(logrus.Fields{
		"player": e.Player,
		"verb":   e.Verb,
		"item":   e.Item,
		"qty":    e.Qty,
	}).Debug("Progress recorded.")
}
