package economy

import (
	"context"
	"time"

	"github.com/gravitas-games/homestead/internal/events"
)

// TrackPlayer schedules ready notifications for every running job of the
// player's stations. Call it when a player connects.
func (e *Engine) TrackPlayer(ctx context.Context, player string) error {
	stations, err := e.store.ListStations(ctx, player)
	if err != nil {
		return err
	}
	for _, st := range stations {
		e.ready.Track(st)
	}
	return nil
}

// PublishReady emits SlotReady for every tracked job completed by now and
// returns how many were emitted.
func (e *Engine) PublishReady(now time.Time) int {
	ready := e.ready.Update(now)
	for _, r := range ready {
		e.publish(events.Event{
			Type:      events.SlotReady,
			Owner:     r.Owner,
			Station:   r.Station,
			Slot:      events.SlotRef(r.Index),
			Item:      r.Result,
			Timestamp: r.CompletesAt,
		})
	}
	return len(ready)
}

// RunReady polls the ready tracker every interval until ctx is done.
func (e *Engine) RunReady(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := e.PublishReady(e.now()); n > 0 {
				e.l.Debugf("Published %d ready slots.", n)
			}
		}
	}
}
