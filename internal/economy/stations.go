package economy

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/pricing"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/progress"
	"github.com/gravitas-games/homestead/internal/store"
)

// ErrOccupied is returned when building on a hex that already holds one
// of the player's stations.
var ErrOccupied = fmt.Errorf("%w: position occupied", ErrInvalidRequest)

// BuildRequest constructs a station.
type BuildRequest struct {
	Player   string    `json:"player"`
	Type     string    `json:"type"`
	Position hex.Axial `json:"position"`
	// UseGems covers a missing build cost with premium currency, priced in
	// ratio mode.
	UseGems       bool   `json:"useGems,omitempty"`
	TransactionID string `json:"txid"`
}

// BuildResult describes a new station.
type BuildResult struct {
	Station *production.Station `json:"station"`
	GemCost int                 `json:"gemCost,omitempty"`
	Deltas  []inventory.Delta   `json:"deltas"`
}

// BuildStation pays the build cost and creates a station with one
// unlocked slot.
func (e *Engine) BuildStation(ctx context.Context, req BuildRequest) (BuildResult, error) {
	res, err := e.build(ctx, req)
	e.report(req.Player, "build", err)
	return res, err
}

func (e *Engine) build(ctx context.Context, req BuildRequest) (BuildResult, error) {
	def, err := e.cat.Station(req.Type)
	if err != nil {
		return BuildResult{}, err
	}
	key := guard.Key{Name: fmt.Sprintf("build:%s@%s", req.Player, req.Position), TransactionID: req.TransactionID}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (BuildResult, error) {
		existing, err := e.store.ListStations(ctx, req.Player)
		if err != nil {
			return BuildResult{}, err
		}
		for _, st := range existing {
			if st.Position == req.Position {
				return BuildResult{}, fmt.Errorf("%w: %s at %s", ErrOccupied, st.Type, st.Position)
			}
		}

		var res BuildResult
		if _, err := e.updatePlayer(ctx, req.Player, func(p *store.PlayerRecord) error {
			cost := def.BuildCost
			res.GemCost = 0
			if req.UseGems {
				q, err := pricing.Price(pricing.Ratio, buildRequest(def), p.Ledger.Holdings(), p.Skills, e.cat)
				if err != nil {
					return err
				}
				if q.Short() {
					cost, res.GemCost = q.Modified, q.GemCost
				}
			}
			d, err := p.Ledger.Spend(cost)
			res.Deltas = d
			return err
		}); err != nil {
			return BuildResult{}, err
		}

		st := production.NewStation(e.newID(), def, req.Player, req.Position, e.now())
		if err := e.store.CreateStation(ctx, st); err != nil {
			e.refund(ctx, req.Player, res.Deltas, err)
			return BuildResult{}, err
		}
		res.Station = st
		e.publish(events.Event{Type: events.InventoryChanged, Owner: req.Player, Deltas: res.Deltas})
		e.publish(events.Event{Type: events.StationBuilt, Owner: req.Player, Station: st.ID, Item: st.Type})
		e.recordDeltas(req.Player, res.Deltas)
		e.record(progress.Build, req.Player, inventory.ItemType(st.Type), 1)
		e.l.WithFields(logrus.Fields{"player": req.Player, "station": st.ID}).Infof("Built %s at %s.", st.Type, st.Position)
		return res, nil
	})
}

// RemoveRequest destroys a station.
type RemoveRequest struct {
	Player        string `json:"player"`
	Station       string `json:"station"`
	TransactionID string `json:"txid"`
}

// RemoveResult describes a destroyed station.
type RemoveResult struct {
	Station string `json:"station"`
	// Forfeited lists the jobs that were lost with the station.
	Forfeited []production.Slot `json:"forfeited,omitempty"`
}

// RemoveStation destroys a station owned by the player. Production in
// progress or waiting for collection is forfeited.
func (e *Engine) RemoveStation(ctx context.Context, req RemoveRequest) (RemoveResult, error) {
	res, err := e.remove(ctx, req)
	e.report(req.Player, "remove", err)
	return res, err
}

func (e *Engine) remove(ctx context.Context, req RemoveRequest) (RemoveResult, error) {
	key := guard.Key{Name: "remove:" + req.Station, TransactionID: req.TransactionID}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (RemoveResult, error) {
		st, err := e.store.LoadStation(ctx, req.Station)
		if err != nil {
			return RemoveResult{}, err
		}
		if st.Owner != req.Player {
			return RemoveResult{}, ErrNotOwner
		}
		final, err := e.store.DeleteStation(ctx, st.ID)
		if err != nil {
			return RemoveResult{}, err
		}
		e.ready.ForgetStation(st.ID)
		res := RemoveResult{Station: st.ID, Forfeited: final.Active()}
		e.publish(events.Event{Type: events.StationRemoved, Owner: req.Player, Station: st.ID, Item: st.Type, Qty: len(res.Forfeited)})
		e.l.WithFields(logrus.Fields{"player": req.Player, "station": st.ID}).Infof("Removed %s, forfeiting %d jobs.", st.Type, len(res.Forfeited))
		return res, nil
	})
}

// MovePlayer records the player's location, which decides whether gains
// land in the warehouse or the backpack. It returns whether the new
// position counts as home.
func (e *Engine) MovePlayer(ctx context.Context, player string, pos hex.Axial) (bool, error) {
	rec, err := e.updatePlayer(ctx, player, func(p *store.PlayerRecord) error {
		p.Position = pos
		return nil
	})
	if err != nil {
		e.report(player, "move", err)
		return false, err
	}
	return e.Holder(rec).AtHome, nil
}

// SlotView is the observed state of one slot.
type SlotView struct {
	Index     int              `json:"index"`
	Phase     production.Phase `json:"phase"`
	Visible   bool             `json:"visible"`
	Job       *production.Job  `json:"job,omitempty"`
	Progress  float64          `json:"progress,omitempty"`
	Remaining time.Duration    `json:"remaining,omitempty"`
}

// StationView is the observed state of one station.
type StationView struct {
	ID            string                 `json:"id"`
	Type          string                 `json:"type"`
	Position      hex.Axial              `json:"position"`
	UnlockedSlots int                    `json:"unlockedSlots"`
	Slots         []SlotView             `json:"slots"`
	NextUnlock    []inventory.Ingredient `json:"nextUnlock,omitempty"`
	// Recipes lists the recipe ids the station can run.
	Recipes []string `json:"recipes"`
}

// PlayerState is everything a client needs to render the economy.
type PlayerState struct {
	Player            *store.PlayerRecord `json:"player"`
	AtHome            bool                `json:"atHome"`
	WarehouseCapacity int                 `json:"warehouseCapacity"`
	BackpackCapacity  int                 `json:"backpackCapacity"`
	Stations          []StationView       `json:"stations"`
}

// State reads the player and their stations from the store.
func (e *Engine) State(ctx context.Context, player string) (PlayerState, error) {
	p, err := e.store.LoadPlayer(ctx, player)
	if err != nil {
		return PlayerState{}, err
	}
	e.view.Put(p)
	stations, err := e.store.ListStations(ctx, player)
	if err != nil {
		return PlayerState{}, err
	}
	h := e.Holder(p)
	out := PlayerState{
		Player:            p,
		AtHome:            h.AtHome,
		WarehouseCapacity: h.WarehouseCapacity,
		BackpackCapacity:  h.BackpackCapacity,
		Stations:          make([]StationView, 0, len(stations)),
	}
	now := e.now()
	for _, st := range stations {
		out.Stations = append(out.Stations, e.stationView(st, now))
	}
	return out, nil
}

func (e *Engine) stationView(st *production.Station, now time.Time) StationView {
	v := StationView{ID: st.ID, Type: st.Type, Position: st.Position, UnlockedSlots: st.UnlockedSlots}
	visible := len(st.Slots)
	for _, r := range e.cat.RecipesForStation(st.Type) {
		v.Recipes = append(v.Recipes, r.ID)
	}
	if def, err := e.cat.Station(st.Type); err == nil {
		visible = st.Visible(def)
		if st.UnlockedSlots < len(st.Slots) {
			v.NextUnlock, _ = def.SlotCost(st.UnlockedSlots + 1)
		}
	}
	for _, sl := range st.Slots {
		sv := SlotView{Index: sl.Index, Phase: sl.Phase(now, st.UnlockedSlots), Visible: sl.Index < visible, Job: sl.Job}
		if sl.Job != nil {
			sv.Progress = sl.Job.Progress(now)
			sv.Remaining = sl.Job.Remaining(now)
		}
		v.Slots = append(v.Slots, sv)
	}
	return v
}
