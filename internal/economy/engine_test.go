package economy

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/gravitas-games/homestead/internal/catalog"
	"github.com/gravitas-games/homestead/internal/events"
	"github.com/gravitas-games/homestead/internal/guard"
	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/inventory"
	"github.com/gravitas-games/homestead/internal/production"
	"github.com/gravitas-games/homestead/internal/progress"
	"github.com/gravitas-games/homestead/internal/store"
	"github.com/gravitas-games/homestead/internal/store/memstore"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type statusEntry struct {
	player, action string
	status         Status
}

type statusLog struct {
	mu      sync.Mutex
	entries []statusEntry
}

func (s *statusLog) Report(player, action string, status Status, detail string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, statusEntry{player, action, status})
}

func (s *statusLog) last() statusEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.entries) == 0 {
		return statusEntry{}
	}
	return s.entries[len(s.entries)-1]
}

type spawned struct {
	owner, actor string
	qty          int
}

type spawnLog struct {
	mu   sync.Mutex
	fail error
	got  []spawned
}

func (s *spawnLog) Spawn(ctx context.Context, owner, actor string, qty int, at hex.Axial) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.got = append(s.got, spawned{owner, actor, qty})
	return nil
}

type progressLog struct {
	mu     sync.Mutex
	events []progress.Event
}

func (p *progressLog) Record(e progress.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *progressLog) total(verb progress.Verb, item string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Verb == verb && e.Item == item {
			n += e.Qty
		}
	}
	return n
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	eng      *Engine
	store    *memstore.Store
	clock    *clock
	status   *statusLog
	spawner  *spawnLog
	progress *progressLog

	mu     sync.Mutex
	events []events.Event
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cat, err := catalog.Load("../catalog/testdata/catalog.yaml")
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	h := &harness{
		t:        t,
		ctx:      context.Background(),
		store:    memstore.New(),
		clock:    &clock{now: t0},
		status:   &statusLog{},
		spawner:  &spawnLog{},
		progress: &progressLog{},
	}
	g, err := guard.NewMemoryGuard(256, time.Hour, guard.WithClock(h.clock.Now), guard.WithTransient(Transient))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	bus := events.NewSimpleBus()
	bus.Observe(func(e events.Event) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.events = append(h.events, e)
	})
	var ids atomic.Int64
	l, _ := test.NewNullLogger()
	h.eng, err = New(l, cat, h.store, g,
		Config{HomeRadius: 2, WarehouseCapacity: 100, BackpackCapacity: 10},
		WithClock(h.clock.Now),
		WithBus(bus),
		WithStatus(h.status),
		WithSpawner(h.spawner),
		WithProgress(h.progress),
		WithIDs(func() string { return fmt.Sprintf("id-%d", ids.Add(1)) }),
	)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return h
}

// player creates a player at home holding items and owning skills.
func (h *harness) player(id string, items map[inventory.ItemType]int, skills ...string) {
	h.t.Helper()
	if _, err := h.eng.CreatePlayer(h.ctx, id, hex.Axial{}); err != nil {
		h.t.Fatalf("create player: %v", err)
	}
	h.give(id, items)
	if len(skills) > 0 {
		if _, err := h.store.UpdatePlayer(h.ctx, id, func(p *store.PlayerRecord) error {
			p.Skills = append(p.Skills, skills...)
			return nil
		}); err != nil {
			h.t.Fatalf("grant skills: %v", err)
		}
	}
}

func (h *harness) give(id string, items map[inventory.ItemType]int) {
	h.t.Helper()
	if _, err := h.store.UpdatePlayer(h.ctx, id, func(p *store.PlayerRecord) error {
		for item, qty := range items {
			if _, err := p.Ledger.Gain(item, qty, h.eng.Holder(p)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		h.t.Fatalf("give items: %v", err)
	}
}

func (h *harness) load(id string) *store.PlayerRecord {
	h.t.Helper()
	p, err := h.store.LoadPlayer(h.ctx, id)
	if err != nil {
		h.t.Fatalf("load player: %v", err)
	}
	return p
}

func (h *harness) have(id string, item inventory.ItemType) int {
	return h.load(id).Ledger.Available(item)
}

// station places a station directly in the store with unlocked slots.
func (h *harness) station(owner, typ string, pos hex.Axial, unlocked int) *production.Station {
	h.t.Helper()
	def, err := h.eng.Catalog().Station(typ)
	if err != nil {
		h.t.Fatalf("station def: %v", err)
	}
	st := production.NewStation(fmt.Sprintf("%s-%s", typ, pos), def, owner, pos, h.clock.Now())
	st.UnlockedSlots = unlocked
	if err := h.store.CreateStation(h.ctx, st); err != nil {
		h.t.Fatalf("create station: %v", err)
	}
	return st
}

func (h *harness) phase(stationID string, slot int) production.Phase {
	h.t.Helper()
	st, err := h.store.LoadStation(h.ctx, stationID)
	if err != nil {
		h.t.Fatalf("load station: %v", err)
	}
	return st.Phase(slot, h.clock.Now())
}

func (h *harness) count(typ events.Type) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if e.Type == typ {
			n++
		}
	}
	return n
}

func TestPlankScenario(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 40}, "carpentry")
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)

	res, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s1"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if got := h.have("p1", "wood"); got != 30 {
		t.Fatalf("expected 30 wood after start, got %d", got)
	}
	if res.Job.Yield != 1 || !res.Job.CompletesAt.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected job: %+v", res.Job)
	}
	if h.phase(st.ID, 0) != production.InProgress {
		t.Fatalf("expected in progress, got %s", h.phase(st.ID, 0))
	}

	if _, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: "c1"}); !errors.Is(err, production.ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
	if s := h.status.last(); s.status != StatusNotReady || s.action != "collect" {
		t.Fatalf("unexpected status %+v", s)
	}

	h.clock.Advance(time.Minute)
	if h.phase(st.ID, 0) != production.Ready {
		t.Fatalf("expected ready, got %s", h.phase(st.ID, 0))
	}
	col, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: "c2"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if col.Qty != 2 || h.have("p1", "plank") != 2 {
		t.Fatalf("expected 2 planks, got %d (ledger %d)", col.Qty, h.have("p1", "plank"))
	}
	if len(col.Contributing) != 1 || col.Contributing[0] != "carpentry" {
		t.Fatalf("unexpected contributing skills: %v", col.Contributing)
	}
	if h.phase(st.ID, 0) != production.Idle {
		t.Fatalf("expected idle after collect, got %s", h.phase(st.ID, 0))
	}
	if h.progress.total(progress.Collect, "plank") != 2 || h.progress.total(progress.Spend, "wood") != 10 {
		t.Fatalf("unexpected progress events: %+v", h.progress.events)
	}
	if h.count(events.SlotStarted) != 1 || h.count(events.SlotCollected) != 1 {
		t.Fatalf("expected start and collect events")
	}
	if h.status.last().status != StatusOK {
		t.Fatalf("expected ok status, got %+v", h.status.last())
	}
}

func TestStartRejections(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 5, "stone": 2})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)

	_, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "a"})
	if !errors.Is(err, inventory.ErrInsufficientResources) || StatusOf(err) != StatusInsufficientResources {
		t.Fatalf("expected insufficient resources, got %v", err)
	}
	_, err = h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "fine_plank", TransactionID: "b"})
	if !errors.Is(err, production.ErrMissingRequiredSkill) {
		t.Fatalf("expected missing skill, got %v", err)
	}
	_, err = h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 1, Recipe: "plank", TransactionID: "c"})
	if !errors.Is(err, production.ErrSlotLocked) {
		t.Fatalf("expected slot locked, got %v", err)
	}
	_, err = h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "egg", TransactionID: "d"})
	if !errors.Is(err, production.ErrWrongStation) {
		t.Fatalf("expected wrong station, got %v", err)
	}
	_, err = h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "buy_feed", TransactionID: "e"})
	if !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected invalid request for instant recipe, got %v", err)
	}
	if got := h.have("p1", "wood"); got != 5 {
		t.Fatalf("rejections must not spend, have %d wood", got)
	}
}

func TestAutoSlotFillsStation(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 40})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 2)

	for i, tx := range []string{"a", "b"} {
		res, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: AutoSlot, Recipe: "plank", TransactionID: tx})
		if err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		if res.Slot != i {
			t.Fatalf("expected slot %d, got %d", i, res.Slot)
		}
	}
	// a late retry of the first request replays instead of taking another slot
	res, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: AutoSlot, Recipe: "plank", TransactionID: "a"})
	if err != nil || res.Slot != 0 {
		t.Fatalf("expected replay of slot 0, got %+v %v", res, err)
	}
	_, err = h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: AutoSlot, Recipe: "plank", TransactionID: "c"})
	if !errors.Is(err, production.ErrAllSlotsFull) || StatusOf(err) != StatusAllSlotsFull {
		t.Fatalf("expected all slots full, got %v", err)
	}
	if got := h.have("p1", "wood"); got != 20 {
		t.Fatalf("expected 20 wood, got %d", got)
	}
}

// holdGuard parks the action for one key name inside the wrapped guard
// until release is closed.
type holdGuard struct {
	guard.Guard
	name    string
	entered chan struct{}
	release chan struct{}
}

func (g *holdGuard) Execute(ctx context.Context, key guard.Key, action guard.Action) ([]byte, error) {
	if key.Name != g.name {
		return g.Guard.Execute(ctx, key, action)
	}
	return g.Guard.Execute(ctx, key, func(ctx context.Context) ([]byte, error) {
		close(g.entered)
		<-g.release
		return action(ctx)
	})
}

func TestAutoStartsOfDifferentPlayersDoNotBlock(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 10})
	h.player("p2", map[inventory.ItemType]int{"wood": 10})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 2)

	held := &holdGuard{
		Guard:   h.eng.guard,
		name:    fmt.Sprintf("start:%s@%s#auto:p1", st.ID, st.Position),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	h.eng.guard = held

	first := make(chan error, 1)
	go func() {
		_, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: AutoSlot, Recipe: "plank", TransactionID: "a"})
		first <- err
	}()
	<-held.entered

	res, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p2", Station: st.ID, Slot: AutoSlot, Recipe: "plank", TransactionID: "a"})
	if err != nil || res.Slot != 0 {
		t.Fatalf("expected p2 to take slot 0 while p1 is in flight, got %+v %v", res, err)
	}
	close(held.release)
	if err := <-first; err != nil {
		t.Fatalf("p1 start: %v", err)
	}
	if h.phase(st.ID, 1) != production.InProgress {
		t.Fatalf("expected p1 in slot 1")
	}
}

func TestDuplicateStartReplays(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 40})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	req := StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "tx"}

	first, err := h.eng.StartProduction(h.ctx, req)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	again, err := h.eng.StartProduction(h.ctx, req)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if again.Job.ID != first.Job.ID {
		t.Fatalf("retry started a new job: %s vs %s", again.Job.ID, first.Job.ID)
	}
	if got := h.have("p1", "wood"); got != 30 {
		t.Fatalf("retry spent twice, have %d wood", got)
	}
	req.TransactionID = "other"
	if _, err := h.eng.StartProduction(h.ctx, req); !errors.Is(err, production.ErrSlotBusy) {
		t.Fatalf("expected slot busy, got %v", err)
	}
}

func TestConcurrentCollectGrantsOnce(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 10})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(time.Minute)

	var (
		wg      sync.WaitGroup
		ok      atomic.Int32
		limited atomic.Int32
	)
	for n := 0; n < 16; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: "c"})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, guard.ErrRateLimited):
				limited.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if ok.Load() == 0 || ok.Load()+limited.Load() != 16 {
		t.Fatalf("unexpected outcomes: ok=%d limited=%d", ok.Load(), limited.Load())
	}
	if got := h.have("p1", "plank"); got != 1 {
		t.Fatalf("expected exactly 1 plank, got %d", got)
	}
}

func TestCollectCapacityLeavesSlotReady(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 100})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.give("p1", map[inventory.ItemType]int{"stone": 10})
	h.clock.Advance(time.Minute)

	_, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: "c1"})
	if !errors.Is(err, inventory.ErrCapacityExceeded) {
		t.Fatalf("expected capacity exceeded, got %v", err)
	}
	if h.phase(st.ID, 0) != production.Ready || h.have("p1", "plank") != 0 {
		t.Fatalf("failed collect must leave the slot ready")
	}
	if h.count(events.CollectFailed) != 1 || h.status.last().status != StatusCapacityExceeded {
		t.Fatalf("expected collect failure to be reported")
	}

	if _, err := h.eng.Sell(h.ctx, SellRequest{Player: "p1", Item: "stone", Qty: 5, TransactionID: "sell"}); err != nil {
		t.Fatalf("sell: %v", err)
	}
	if _, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: "c2"}); err != nil {
		t.Fatalf("collect after freeing space: %v", err)
	}
	if h.have("p1", "plank") != 1 || h.phase(st.ID, 0) != production.Idle {
		t.Fatalf("expected plank granted and slot idle")
	}
}

func TestCollectPersistenceFailureKeepsSlotReady(t *testing.T) {
	for _, op := range []string{"player", "slot"} {
		t.Run(op, func(t *testing.T) {
			h := newHarness(t)
			h.player("p1", map[inventory.ItemType]int{"wood": 10})
			st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
			if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"}); err != nil {
				t.Fatalf("start: %v", err)
			}
			h.clock.Advance(time.Minute)

			h.store.FailNext(op, 1)
			req := CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: "c"}
			_, err := h.eng.Collect(h.ctx, req)
			if !store.IsPersistence(err) || StatusOf(err) != StatusPersistenceFailure {
				t.Fatalf("expected persistence failure, got %v", err)
			}
			if h.phase(st.ID, 0) != production.Ready || h.have("p1", "plank") != 0 {
				t.Fatalf("slot must stay ready with nothing granted")
			}
			// the failure was transient, so the same request runs again
			if _, err := h.eng.Collect(h.ctx, req); err != nil {
				t.Fatalf("retry: %v", err)
			}
			if h.have("p1", "plank") != 1 {
				t.Fatalf("expected 1 plank after retry, got %d", h.have("p1", "plank"))
			}
		})
	}
}

func TestStartRefundsWhenSlotWriteFails(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 40})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.State(h.ctx, "p1"); err != nil {
		t.Fatalf("state: %v", err)
	}

	h.store.FailNext("slot", 1)
	_, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"})
	if !store.IsPersistence(err) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	if got := h.have("p1", "wood"); got != 40 {
		t.Fatalf("spend was not compensated, have %d wood", got)
	}
	if cached, ok := h.eng.view.Get("p1"); !ok || cached.Ledger.Available("wood") != 40 {
		t.Fatalf("optimistic view not restored")
	}
	if h.phase(st.ID, 0) != production.Idle {
		t.Fatalf("expected idle slot")
	}
}

func TestSpendPersistenceFailureRevertsView(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 40})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.State(h.ctx, "p1"); err != nil {
		t.Fatalf("state: %v", err)
	}
	h.store.FailNext("player", 1)
	_, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"})
	if !store.IsPersistence(err) {
		t.Fatalf("expected persistence failure, got %v", err)
	}
	cached, ok := h.eng.view.Get("p1")
	if !ok || cached.Ledger.Available("wood") != 40 {
		t.Fatalf("optimistic view kept the failed spend")
	}
}

func TestStartWithGems(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 4, "gems": 10})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 2)

	res, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", UseGems: true, TransactionID: "a"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	// base 2 plus 6 missing wood at 0.5
	if res.GemCost != 5 || h.have("p1", "gems") != 5 || h.have("p1", "wood") != 0 {
		t.Fatalf("unexpected gem spend: cost=%d gems=%d wood=%d", res.GemCost, h.have("p1", "gems"), h.have("p1", "wood"))
	}

	h.give("p1", map[inventory.ItemType]int{"wood": 10, "stone": 2})
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 1, Recipe: "fine_plank", TransactionID: "b"}); !errors.Is(err, production.ErrMissingRequiredSkill) {
		t.Fatalf("expected missing skill, got %v", err)
	}
	res, err = h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 1, Recipe: "fine_plank", UseGems: true, TransactionID: "c"})
	if err != nil {
		t.Fatalf("start with skill bought by gems: %v", err)
	}
	if res.GemCost != 5 || h.have("p1", "gems") != 0 {
		t.Fatalf("expected the skill's 5 gems to be charged, cost=%d", res.GemCost)
	}
}

func TestUnlockProgression(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"coins": 1000})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	unlock := func(slot int, tx string) (UnlockResult, error) {
		return h.eng.Unlock(h.ctx, UnlockRequest{Player: "p1", Station: st.ID, Slot: slot, TransactionID: tx})
	}

	if _, err := unlock(3, "a"); !errors.Is(err, production.ErrRowHidden) || StatusOf(err) != StatusUnlockUnavailable {
		t.Fatalf("expected hidden row, got %v", err)
	}
	if _, err := unlock(2, "b"); !errors.Is(err, production.ErrUnlockOrder) {
		t.Fatalf("expected unlock order error, got %v", err)
	}
	for i, want := range []int{900, 750, 525} {
		res, err := unlock(i+1, fmt.Sprintf("u%d", i))
		if err != nil {
			t.Fatalf("unlock %d: %v", i+1, err)
		}
		if res.UnlockedSlots != i+2 || h.have("p1", "coins") != want {
			t.Fatalf("unlock %d: unlocked=%d coins=%d", i+1, res.UnlockedSlots, h.have("p1", "coins"))
		}
	}
	if _, err := unlock(0, "c"); !errors.Is(err, production.ErrAlreadyUnlocked) {
		t.Fatalf("expected already unlocked, got %v", err)
	}
	if h.count(events.SlotUnlocked) != 3 {
		t.Fatalf("expected 3 unlock events")
	}
}

func TestUnlockInsufficientLeavesStation(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"coins": 50})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.Unlock(h.ctx, UnlockRequest{Player: "p1", Station: st.ID, Slot: 1, TransactionID: "a"}); !errors.Is(err, inventory.ErrInsufficientResources) {
		t.Fatalf("expected insufficient resources, got %v", err)
	}
	got, _ := h.store.LoadStation(h.ctx, st.ID)
	if got.UnlockedSlots != 1 || h.have("p1", "coins") != 50 {
		t.Fatalf("failed unlock changed state")
	}
}

func TestBulkCollectLimitsRestarts(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 50})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 3)
	for i := 0; i < 3; i++ {
		if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: i, Recipe: "plank", TransactionID: "s"}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}
	h.clock.Advance(time.Minute)

	items, err := h.eng.BulkCollect(h.ctx, BulkCollectRequest{Player: "p1", Restart: true, TransactionID: "bulk"})
	if err != nil {
		t.Fatalf("bulk collect: %v", err)
	}
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	restarted := 0
	for _, it := range items {
		if it.Status != StatusOK || it.Result == nil {
			t.Fatalf("slot %d not collected: %+v", it.Slot, it)
		}
		if it.Result.Restarted != nil {
			restarted++
		}
	}
	if restarted != 2 {
		t.Fatalf("expected 2 restarts from 20 wood, got %d", restarted)
	}
	if items[2].Result.RestartStatus != StatusInsufficientResources {
		t.Fatalf("expected last restart refused, got %q", items[2].Result.RestartStatus)
	}
	if h.have("p1", "plank") != 3 || h.have("p1", "wood") != 0 {
		t.Fatalf("unexpected ledger: planks=%d wood=%d", h.have("p1", "plank"), h.have("p1", "wood"))
	}
	if h.phase(st.ID, 2) != production.Idle || h.phase(st.ID, 0) != production.InProgress {
		t.Fatalf("unexpected slot phases after bulk collect")
	}
}

func TestBulkCollectTargetsReportPerSlot(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 20, "feed": 1})
	mill := h.station("p1", "sawmill", hex.Axial{Q: 1}, 2)
	coop := h.station("p1", "coop", hex.Axial{Q: 2}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: mill.ID, Slot: 0, Recipe: "plank", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: coop.ID, Slot: 0, Recipe: "egg", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(time.Minute)

	items, err := h.eng.BulkCollect(h.ctx, BulkCollectRequest{
		Player:        "p1",
		Targets:       []SlotTarget{{mill.ID, 0}, {mill.ID, 1}, {coop.ID, 0}},
		TransactionID: "bulk",
	})
	if err != nil {
		t.Fatalf("bulk collect: %v", err)
	}
	byTarget := map[SlotTarget]Status{}
	for _, it := range items {
		byTarget[SlotTarget{it.Station, it.Slot}] = it.Status
	}
	if byTarget[SlotTarget{mill.ID, 0}] != StatusOK ||
		byTarget[SlotTarget{mill.ID, 1}] != StatusNotReady ||
		byTarget[SlotTarget{coop.ID, 0}] != StatusNotReady {
		t.Fatalf("unexpected statuses: %v", byTarget)
	}
}

func TestCollectAwayFromHomeNeedsCarry(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"feed": 1})
	coop := h.station("p1", "coop", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: coop.ID, Slot: 0, Recipe: "egg", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	home, err := h.eng.MovePlayer(h.ctx, "p1", hex.Axial{Q: 5, R: 5})
	if err != nil || home {
		t.Fatalf("expected to be away from home, got %v %v", home, err)
	}
	h.clock.Advance(30 * time.Minute)

	_, err = h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: coop.ID, Slot: 0, TransactionID: "c"})
	if !errors.Is(err, inventory.ErrMissingCarryCapability) || StatusOf(err) != StatusMissingCarryCapability {
		t.Fatalf("expected missing carry capability, got %v", err)
	}
	if h.phase(coop.ID, 0) != production.Ready {
		t.Fatalf("slot must stay ready")
	}

	if _, err := h.store.UpdatePlayer(h.ctx, "p1", func(p *store.PlayerRecord) error {
		p.Skills = append(p.Skills, "backpack", "hen_house")
		return nil
	}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	res, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: coop.ID, Slot: 0, TransactionID: "c2"})
	if err != nil {
		t.Fatalf("collect with backpack: %v", err)
	}
	// floor(1 x 1.5)
	if res.Qty != 1 || h.load("p1").Ledger.Backpack.Quantity("egg") != 1 {
		t.Fatalf("expected 1 egg in backpack, got %d", res.Qty)
	}
}

func TestCollectSpawnsActor(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"egg": 6})
	coop := h.station("p1", "coop", hex.Axial{Q: 1}, 2)
	for i := 0; i < 2; i++ {
		if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: coop.ID, Slot: i, Recipe: "chick", TransactionID: "s"}); err != nil {
			t.Fatalf("start: %v", err)
		}
	}
	h.clock.Advance(time.Hour)

	res, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: coop.ID, Slot: 0, TransactionID: "c"})
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if !res.Spawned || len(h.spawner.got) != 1 || h.spawner.got[0] != (spawned{"p1", "chicken", 1}) {
		t.Fatalf("unexpected spawn: %+v %+v", res, h.spawner.got)
	}
	if h.have("p1", "chicken") != 0 {
		t.Fatalf("actors must not enter the ledger")
	}

	h.spawner.fail = errors.New("no room in the pen")
	if _, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: coop.ID, Slot: 1, TransactionID: "c"}); err == nil {
		t.Fatalf("expected spawn failure")
	}
	if h.phase(coop.ID, 1) != production.Ready {
		t.Fatalf("failed spawn must leave the slot ready")
	}
}

func TestCollectRestartRepeatsJob(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 20})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", Repeat: true, TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	for i, want := range []Status{"", StatusInsufficientResources} {
		h.clock.Advance(time.Minute)
		res, err := h.eng.Collect(h.ctx, CollectRequest{Player: "p1", Station: st.ID, Slot: 0, TransactionID: fmt.Sprintf("c%d", i)})
		if err != nil {
			t.Fatalf("collect %d: %v", i, err)
		}
		if res.RestartStatus != want {
			t.Fatalf("collect %d: restart status %q, want %q", i, res.RestartStatus, want)
		}
	}
	if h.have("p1", "plank") != 2 || h.phase(st.ID, 0) != production.Idle {
		t.Fatalf("expected 2 planks and an idle slot")
	}
}

func TestReadyNotifications(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 20})
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if n := h.eng.PublishReady(h.clock.Now()); n != 0 {
		t.Fatalf("expected nothing ready yet, got %d", n)
	}
	h.clock.Advance(time.Minute)
	if n := h.eng.PublishReady(h.clock.Now()); n != 1 || h.count(events.SlotReady) != 1 {
		t.Fatalf("expected one ready notification, got %d", n)
	}

	if h.eng.ready.Len() != 0 {
		t.Fatalf("published jobs must leave the tracker")
	}

	// a restarted process picks running jobs up from the store
	h.eng.ready = production.NewReadyTracker()
	if err := h.eng.TrackPlayer(h.ctx, "p1"); err != nil {
		t.Fatalf("track: %v", err)
	}
	if h.eng.ready.Len() != 1 {
		t.Fatalf("expected 1 tracked job, got %d", h.eng.ready.Len())
	}
}

func TestStateReportsSlots(t *testing.T) {
	h := newHarness(t)
	h.player("p1", map[inventory.ItemType]int{"wood": 20}, "shed")
	st := h.station("p1", "sawmill", hex.Axial{Q: 1}, 1)
	if _, err := h.eng.StartProduction(h.ctx, StartRequest{Player: "p1", Station: st.ID, Slot: 0, Recipe: "plank", TransactionID: "s"}); err != nil {
		t.Fatalf("start: %v", err)
	}
	h.clock.Advance(30 * time.Second)

	state, err := h.eng.State(h.ctx, "p1")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if !state.AtHome || state.WarehouseCapacity != 150 || state.BackpackCapacity != 10 {
		t.Fatalf("unexpected holder view: %+v", state)
	}
	if len(state.Stations) != 1 {
		t.Fatalf("expected 1 station")
	}
	sv := state.Stations[0]
	if sv.Slots[0].Phase != production.InProgress || sv.Slots[0].Progress != 0.5 || sv.Slots[0].Remaining != 30*time.Second {
		t.Fatalf("unexpected slot view: %+v", sv.Slots[0])
	}
	if !sv.Slots[2].Visible || sv.Slots[3].Visible {
		t.Fatalf("expected only the first row visible")
	}
	if len(sv.NextUnlock) != 1 || sv.NextUnlock[0].Qty != 100 {
		t.Fatalf("unexpected next unlock cost: %v", sv.NextUnlock)
	}
	if !slices.Equal(sv.Recipes, []string{"fine_plank", "plank"}) {
		t.Fatalf("unexpected station recipes: %v", sv.Recipes)
	}
}

func TestTierBonusExtendsCapacity(t *testing.T) {
	h := newHarness(t)
	h.eng.cfg.TierWarehouseBonus = 25
	h.player("p1", nil)
	if _, err := h.store.UpdatePlayer(h.ctx, "p1", func(p *store.PlayerRecord) error {
		p.Tier = 1
		return nil
	}); err != nil {
		t.Fatalf("set tier: %v", err)
	}
	if got := h.eng.Holder(h.load("p1")).WarehouseCapacity; got != 125 {
		t.Fatalf("expected 125 with tier bonus, got %d", got)
	}
}
