package economy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/pricing"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/progress"
	"github.com/gravitas-games/homestead/internal/skills"
	"github.com/gravitas-games/homestead/internal/store"
)

// AutoSlot asks StartProduction to pick the lowest idle slot.
const AutoSlot = -1

// StartRequest starts a recipe in a station slot.
type StartRequest struct {
	Player  string `json:"player"`
	Station string `json:"station"`
	Slot    int    `json:"slot"`
	Recipe  string `json:"recipe"`
	// UseGems covers missing ingredients and a missing required skill with
	// premium currency, priced in flat mode.
	UseGems bool `json:"useGems,omitempty"`
	// Repeat restarts the recipe on collection while it stays affordable.
	Repeat        bool   `json:"repeat,omitempty"`
	TransactionID string `json:"txid"`
}

// StartResult describes a started job.
type StartResult struct {
	Station string                 `json:"station"`
	Slot    int                    `json:"slot"`
	Job     *production.Job        `json:"job"`
	GemCost int                    `json:"gemCost,omitempty"`
	Deltas  []inventory.Delta      `json:"deltas"`
	Spent   []inventory.Ingredient `json:"spent"`
}

// StartProduction moves an idle slot to in progress, spending the recipe.
func (e *Engine) StartProduction(ctx context.Context, req StartRequest) (StartResult, error) {
	res, err := e.startProduction(ctx, req)
	e.report(req.Player, "start", err)
	return res, err
}

func (e *Engine) startProduction(ctx context.Context, req StartRequest) (StartResult, error) {
	r, err := e.timedRecipe(req.Recipe)
	if err != nil {
		return StartResult{}, err
	}
	st, err := e.store.LoadStation(ctx, req.Station)
	if err != nil {
		return StartResult{}, err
	}
	key := guard.Key{TransactionID: req.TransactionID}
	if req.Slot == AutoSlot {
		// the slot is unknown until the action runs; other players keep their own key
		key.Name = fmt.Sprintf("start:%s@%s#auto:%s", st.ID, st.Position, req.Player)
	} else {
		key.Name = stationKey("start", st, req.Slot)
	}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (StartResult, error) {
		st, err := e.store.LoadStation(ctx, req.Station)
		if err != nil {
			return StartResult{}, err
		}
		slot := req.Slot
		if slot == AutoSlot {
			if slot, err = st.FirstIdle(e.now()); err != nil {
				return StartResult{}, err
			}
		}
		return e.start(ctx, st, slot, r, req.Player, req.UseGems, req.Repeat)
	})
}

func (e *Engine) timedRecipe(id string) (*catalog.Recipe, error) {
	r, err := e.cat.Recipe(id)
	if err != nil {
		return nil, err
	}
	if !r.Timed() {
		return nil, fmt.Errorf("%w: recipe %s is instant", ErrInvalidRequest, id)
	}
	return r, nil
}

// start spends the recipe cost and places a new job into slot. The spend
// is compensated if the slot cannot be claimed.
func (e *Engine) start(ctx context.Context, st *production.Station, slot int, r *catalog.Recipe, player string, useGems, repeat bool) (StartResult, error) {
	now := e.now()
	l := e.l.WithFields(logrus.Fields{"player": player, "station": st.ID, "slot": slot, "recipe": r.ID})

	var (
		deltas []inventory.Delta
		spent  []inventory.Ingredient
		gems   int
	)
	_, err := e.updatePlayer(ctx, player, func(p *store.PlayerRecord) error {
		cost := r.Ingredients
		owned := p.Skills
		gems = 0
		if useGems {
			q, err := pricing.Price(pricing.Flat, pricing.FromRecipe(r), p.Ledger.Holdings(), p.Skills, e.cat)
			if err != nil {
				return err
			}
			if q.Short() {
				cost, gems = q.Modified, q.GemCost
				if q.MissingSkill != "" {
					owned = append(slices.Clone(owned), q.MissingSkill)
				}
			}
		}
		if err := st.CheckStart(slot, r, owned, now); err != nil {
			return err
		}
		d, err := p.Ledger.Spend(cost)
		if err != nil {
			return err
		}
		deltas, spent = d, cost
		return nil
	})
	if err != nil {
		return StartResult{}, err
	}

	job := production.NewJob(e.newID(), r, player, now)
	job.Repeat = repeat
	job.Spent = spent
	if _, err := e.store.UpdateSlot(ctx, st.ID, slot, func(cur *production.Station, sl *production.Slot) error {
		return cur.Start(sl.Index, job, now)
	}); err != nil {
		l.WithError(err).Debug("Slot claim failed, refunding.")
		e.refund(ctx, player, deltas, err)
		return StartResult{}, err
	}

	e.ready.Add(production.ReadySlot{
		Station:     st.ID,
		Owner:       st.Owner,
		Index:       slot,
		JobID:       job.ID,
		Result:      string(job.Result),
		CompletesAt: job.CompletesAt,
	})
	e.publish(events.Event{Type: events.InventoryChanged, Owner: player, Deltas: deltas})
	e.publish(events.Event{Type: events.SlotStarted, Owner: player, Station: st.ID, Slot: events.SlotRef(slot), Item: string(job.Result), Qty: job.Yield})
	e.recordDeltas(player, deltas)
	e.record(progress.Start, player, job.Result, job.Yield)
	l.WithField("gems", gems).Debugf("Started job %s, ready at %s.", job.ID, job.CompletesAt.Format("15:04:05"))

	return StartResult{Station: st.ID, Slot: slot, Job: job, GemCost: gems, Deltas: deltas, Spent: spent}, nil
}

// CollectRequest collects a ready slot.
type CollectRequest struct {
	Player  string `json:"player"`
	Station string `json:"station"`
	Slot    int    `json:"slot"`
	// Restart runs the same recipe again if it is affordable now.
	Restart       bool   `json:"restart,omitempty"`
	TransactionID string `json:"txid"`
}

// CollectResult describes a collected job.
type CollectResult struct {
	Station      string            `json:"station"`
	Slot         int               `json:"slot"`
	Item         string            `json:"item"`
	Qty          int               `json:"qty"`
	Multiplier   string            `json:"multiplier"`
	Contributing []string          `json:"contributing,omitempty"`
	Spawned      bool              `json:"spawned,omitempty"`
	Deltas       []inventory.Delta `json:"deltas,omitempty"`
	Restarted    *StartResult      `json:"restarted,omitempty"`
	// RestartStatus explains why a requested restart did not happen.
	RestartStatus Status `json:"restartStatus,omitempty"`
}

// Collect grants a ready job's result and returns the slot to idle. If
// the grant fails the slot stays ready so nothing is lost.
func (e *Engine) Collect(ctx context.Context, req CollectRequest) (CollectResult, error) {
	policy := func(j *production.Job) error {
		if req.Restart || j.Repeat {
			return nil
		}
		return errNoRestart
	}
	res, err := e.collectGuarded(ctx, req.Player, req.Station, req.Slot, policy, req.TransactionID)
	e.report(req.Player, "collect", err)
	return res, err
}

// restartPolicy decides whether a collected job runs again. A non-nil
// error is the refusal reason; errNoRestart means none was asked for.
type restartPolicy func(*production.Job) error

var errNoRestart = errors.New("no restart requested")

func (e *Engine) collectGuarded(ctx context.Context, player, stationID string, slot int, restart restartPolicy, txid string) (CollectResult, error) {
	st, err := e.store.LoadStation(ctx, stationID)
	if err != nil {
		return CollectResult{}, err
	}
	key := guard.Key{Name: stationKey("collect", st, slot), TransactionID: txid}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (CollectResult, error) {
		return e.collect(ctx, player, stationID, slot, restart)
	})
}

func (e *Engine) collect(ctx context.Context, player, stationID string, slot int, restart restartPolicy) (CollectResult, error) {
	st, err := e.store.LoadStation(ctx, stationID)
	if err != nil {
		return CollectResult{}, err
	}
	now := e.now()
	job, err := st.Collectable(slot, now)
	if err != nil {
		return CollectResult{}, err
	}
	job = cloneJob(job)
	l := e.l.WithFields(logrus.Fields{"player": player, "station": st.ID, "slot": slot, "job": job.ID})
	res := CollectResult{Station: st.ID, Slot: slot, Item: string(job.Result), Spawned: job.SpawnsActor}

	if job.SpawnsActor {
		err = e.collectActor(ctx, st, slot, job, player, &res)
	} else {
		err = e.collectItem(ctx, st, slot, job, player, &res)
	}
	if err != nil {
		e.publish(events.Event{Type: events.CollectFailed, Owner: player, Station: st.ID, Slot: events.SlotRef(slot), Item: res.Item, Reason: string(StatusOf(err))})
		return CollectResult{}, err
	}
	_ = st.Clear(slot, job.ID)
	e.ready.Forget(st.ID, slot)
	e.publish(events.Event{Type: events.SlotCollected, Owner: player, Station: st.ID, Slot: events.SlotRef(slot), Item: res.Item, Qty: res.Qty})
	e.record(progress.Collect, player, job.Result, res.Qty)
	l.Debugf("Collected %d %s.", res.Qty, res.Item)

	switch err := restart(job); {
	case err == nil:
		e.restart(ctx, st, slot, job, player, &res)
	case !errors.Is(err, errNoRestart):
		res.RestartStatus = StatusOf(err)
	}
	return res, nil
}

func (e *Engine) collectItem(ctx context.Context, st *production.Station, slot int, job *production.Job, player string, res *CollectResult) error {
	var (
		deltas     []inventory.Delta
		resolution skills.Resolution
	)
	_, err := e.updatePlayer(ctx, player, func(p *store.PlayerRecord) error {
		resolution = skills.Resolve(string(job.Result), p.Skills, e.cat.Tuning())
		res.Qty = resolution.Apply(job.Yield)
		d, err := p.Ledger.Gain(job.Result, res.Qty, e.Holder(p))
		if err != nil {
			return err
		}
		deltas = d
		return nil
	})
	if err != nil {
		return err
	}
	res.Multiplier = resolution.Multiplier.String()
	res.Contributing = resolution.Contributing
	res.Deltas = deltas

	if _, err := e.store.UpdateSlot(ctx, st.ID, slot, func(cur *production.Station, sl *production.Slot) error {
		return cur.Clear(sl.Index, job.ID)
	}); err != nil {
		e.refund(ctx, player, deltas, err)
		return err
	}
	e.publish(events.Event{Type: events.InventoryChanged, Owner: player, Deltas: deltas})
	e.recordDeltas(player, deltas)
	return nil
}

// collectActor clears the slot before spawning; a failed spawn puts the
// job back so the slot stays ready.
func (e *Engine) collectActor(ctx context.Context, st *production.Station, slot int, job *production.Job, player string, res *CollectResult) error {
	p, err := e.store.LoadPlayer(ctx, player)
	if err != nil {
		return err
	}
	resolution := skills.Resolve(string(job.Result), p.Skills, e.cat.Tuning())
	res.Qty = resolution.Apply(job.Yield)
	res.Multiplier = resolution.Multiplier.String()
	res.Contributing = resolution.Contributing

	if _, err := e.store.UpdateSlot(ctx, st.ID, slot, func(cur *production.Station, sl *production.Slot) error {
		return cur.Clear(sl.Index, job.ID)
	}); err != nil {
		return err
	}
	if err := e.spawner.Spawn(ctx, player, string(job.Result), res.Qty, st.Position); err != nil {
		if _, rerr := e.store.UpdateSlot(ctx, st.ID, slot, func(cur *production.Station, sl *production.Slot) error {
			sl.Job = job
			return nil
		}); rerr != nil {
			e.l.WithError(rerr).WithFields(logrus.Fields{"station": st.ID, "slot": slot}).Errorf("Unable to restore job %s after failed spawn.", job.ID)
		}
		return err
	}
	return nil
}

func (e *Engine) restart(ctx context.Context, st *production.Station, slot int, job *production.Job, player string, res *CollectResult) {
	r, err := e.cat.Recipe(job.Recipe)
	if err == nil {
		var started StartResult
		started, err = e.start(ctx, st, slot, r, player, false, job.Repeat)
		if err == nil {
			res.Restarted = &started
			return
		}
	}
	res.RestartStatus = StatusOf(err)
	l := e.l.WithFields(logrus.Fields{"player": player, "station": st.ID, "slot": slot})
	if inventory.IsResourceError(err) {
		l.Debugf("Restart skipped: %v", err)
		return
	}
	l.WithError(err).Warnf("Restart failed.")
}

func cloneJob(j *production.Job) *production.Job {
	cp := *j
	cp.Spent = slices.Clone(j.Spent)
	return &cp
}

// UnlockRequest buys the next slot of a station.
type UnlockRequest struct {
	Player        string `json:"player"`
	Station       string `json:"station"`
	Slot          int    `json:"slot"`
	TransactionID string `json:"txid"`
}

// UnlockResult describes a purchased slot.
type UnlockResult struct {
	Station       string                 `json:"station"`
	Slot          int                    `json:"slot"`
	UnlockedSlots int                    `json:"unlockedSlots"`
	Cost          []inventory.Ingredient `json:"cost"`
	Deltas        []inventory.Delta      `json:"deltas"`
}

// Unlock moves the next locked slot to idle after paying its price.
func (e *Engine) Unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	res, err := e.unlock(ctx, req)
	e.report(req.Player, "unlock", err)
	return res, err
}

func (e *Engine) unlock(ctx context.Context, req UnlockRequest) (UnlockResult, error) {
	st, err := e.store.LoadStation(ctx, req.Station)
	if err != nil {
		return UnlockResult{}, err
	}
	def, err := e.cat.Station(st.Type)
	if err != nil {
		return UnlockResult{}, err
	}
	key := guard.Key{Name: stationKey("unlock", st, req.Slot), TransactionID: req.TransactionID}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (UnlockResult, error) {
		st, err := e.store.LoadStation(ctx, req.Station)
		if err != nil {
			return UnlockResult{}, err
		}
		if err := st.CheckUnlock(def, req.Slot); err != nil {
			return UnlockResult{}, err
		}
		cost, err := def.SlotCost(req.Slot + 1)
		if err != nil {
			return UnlockResult{}, err
		}
		var deltas []inventory.Delta
		if _, err := e.updatePlayer(ctx, req.Player, func(p *store.PlayerRecord) error {
			d, err := p.Ledger.Spend(cost)
			deltas = d
			return err
		}); err != nil {
			return UnlockResult{}, err
		}
		updated, err := e.store.UpdateStation(ctx, st.ID, func(cur *production.Station) error {
			return cur.Unlock(def, req.Slot)
		})
		if err != nil {
			e.refund(ctx, req.Player, deltas, err)
			return UnlockResult{}, err
		}
		e.publish(events.Event{Type: events.InventoryChanged, Owner: req.Player, Deltas: deltas})
		e.publish(events.Event{Type: events.SlotUnlocked, Owner: req.Player, Station: st.ID, Slot: events.SlotRef(req.Slot)})
		e.recordDeltas(req.Player, deltas)
		e.record(progress.Unlock, req.Player, inventory.ItemType(st.Type), 1)
		e.l.WithFields(logrus.Fields{"player": req.Player, "station": st.ID}).Infof("Unlocked slot %d.", req.Slot)
		return UnlockResult{Station: st.ID, Slot: req.Slot, UnlockedSlots: updated.UnlockedSlots, Cost: cost, Deltas: deltas}, nil
	})
}

// SlotTarget names one slot.
type SlotTarget struct {
	Station string `json:"station"`
	Slot    int    `json:"slot"`
}

// BulkCollectRequest collects many slots in one call. With no targets
// every ready slot of the player's stations is collected.
type BulkCollectRequest struct {
	Player        string       `json:"player"`
	Targets       []SlotTarget `json:"targets,omitempty"`
	Restart       bool         `json:"restart,omitempty"`
	TransactionID string       `json:"txid"`
}

// BulkItem is the outcome for one slot.
type BulkItem struct {
	Station string         `json:"station"`
	Slot    int            `json:"slot"`
	Status  Status         `json:"status"`
	Result  *CollectResult `json:"result,omitempty"`
	Error   string         `json:"error,omitempty"`
}

// BulkCollect collects ready slots across stations. Restarts are decided
// up front against one shrinking simulated pool so the batch never
// restarts more than the player could pay for.
func (e *Engine) BulkCollect(ctx context.Context, req BulkCollectRequest) ([]BulkItem, error) {
	items, err := e.bulkCollect(ctx, req)
	e.report(req.Player, "bulk_collect", err)
	return items, err
}

func (e *Engine) bulkCollect(ctx context.Context, req BulkCollectRequest) ([]BulkItem, error) {
	stations, err := e.loadTargets(ctx, req)
	if err != nil {
		return nil, err
	}
	now := e.now()
	wanted := make(map[SlotTarget]bool, len(req.Targets))
	for _, t := range req.Targets {
		wanted[t] = true
	}

	var (
		items      []BulkItem
		candidates []production.RestartCandidate
		candidate  = map[int]int{}
	)
	for _, st := range stations {
		for _, sl := range st.Slots {
			t := SlotTarget{Station: st.ID, Slot: sl.Index}
			if len(wanted) > 0 && !wanted[t] {
				continue
			}
			if sl.Phase(now, st.UnlockedSlots) != production.Ready {
				if len(wanted) > 0 {
					_, err := st.Collectable(sl.Index, now)
					items = append(items, BulkItem{Station: st.ID, Slot: sl.Index, Status: StatusOf(err), Error: errString(err)})
				}
				continue
			}
			if req.Restart || sl.Job.Repeat {
				if r, err := e.cat.Recipe(sl.Job.Recipe); err == nil {
					candidate[len(items)] = len(candidates)
					candidates = append(candidates, production.RestartCandidate{Station: st.ID, Index: sl.Index, Recipe: r})
				}
			}
			items = append(items, BulkItem{Station: st.ID, Slot: sl.Index})
		}
	}

	var plan []error
	if len(candidates) > 0 {
		p, err := e.store.LoadPlayer(ctx, req.Player)
		if err != nil {
			return nil, err
		}
		plan = production.PlanRestarts(p.Ledger, p.Skills, candidates)
	}

	for i := range items {
		it := &items[i]
		if it.Status != "" {
			continue
		}
		c, isCandidate := candidate[i]
		policy := func(*production.Job) error {
			if !isCandidate {
				return errNoRestart
			}
			return plan[c]
		}
		res, err := e.collectGuarded(ctx, req.Player, it.Station, it.Slot, policy, req.TransactionID)
		it.Status = StatusOf(err)
		it.Error = errString(err)
		if err == nil {
			it.Result = &res
		}
	}
	return items, nil
}

// loadTargets loads the stations a bulk request touches, concurrently.
func (e *Engine) loadTargets(ctx context.Context, req BulkCollectRequest) ([]*production.Station, error) {
	if len(req.Targets) == 0 {
		return e.store.ListStations(ctx, req.Player)
	}
	var ids []string
	for _, t := range req.Targets {
		if !slices.Contains(ids, t.Station) {
			ids = append(ids, t.Station)
		}
	}
	sort.Strings(ids)
	out := make([]*production.Station, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			st, err := e.store.LoadStation(gctx, id)
			if err != nil {
				return err
			}
			out[i] = st
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
