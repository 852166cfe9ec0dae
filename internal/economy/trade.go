package economy

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

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

// TradeRequest runs an instant recipe.
type TradeRequest struct {
	Player string `json:"player"`
	Recipe string `json:"recipe"`
	// UseGems covers missing ingredients with premium currency, priced in
	// ratio mode.
	UseGems       bool   `json:"useGems,omitempty"`
	TransactionID string `json:"txid"`
}

// TradeResult describes a completed instant recipe.
type TradeResult struct {
	Recipe  string                 `json:"recipe"`
	Item    string                 `json:"item,omitempty"`
	Qty     int                    `json:"qty,omitempty"`
	GemCost int                    `json:"gemCost,omitempty"`
	Spent   []inventory.Ingredient `json:"spent"`
	Deltas  []inventory.Delta      `json:"deltas"`
	Spawned bool                   `json:"spawned,omitempty"`
}

// Trade spends an instant recipe's ingredients and grants its result in
// one ledger update. If the grant does not fit nothing is spent.
func (e *Engine) Trade(ctx context.Context, req TradeRequest) (TradeResult, error) {
	res, err := e.trade(ctx, req, progress.Trade)
	e.report(req.Player, "trade", err)
	return res, err
}

// Feed spends a recipe that produces nothing, such as feeding animals.
func (e *Engine) Feed(ctx context.Context, req TradeRequest) (TradeResult, error) {
	r, err := e.cat.Recipe(req.Recipe)
	if err == nil && r.Result != "" {
		err = fmt.Errorf("%w: recipe %s is not a feeding recipe", ErrInvalidRequest, r.ID)
	}
	if err != nil {
		e.report(req.Player, "feed", err)
		return TradeResult{}, err
	}
	res, err := e.trade(ctx, req, progress.Feed)
	e.report(req.Player, "feed", err)
	return res, err
}

func (e *Engine) trade(ctx context.Context, req TradeRequest, verb progress.Verb) (TradeResult, error) {
	r, err := e.cat.Recipe(req.Recipe)
	if err != nil {
		return TradeResult{}, err
	}
	if r.Timed() {
		return TradeResult{}, fmt.Errorf("%w: recipe %s needs a station", ErrInvalidRequest, r.ID)
	}
	key := guard.Key{Name: fmt.Sprintf("%s:%s:%s", verb, req.Player, r.ID), TransactionID: req.TransactionID}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (TradeResult, error) {
		res := TradeResult{Recipe: r.ID, Item: string(r.Result), Spawned: r.SpawnsActor}
		rec, err := e.updatePlayer(ctx, req.Player, func(p *store.PlayerRecord) error {
			cost := r.Ingredients
			res.GemCost = 0
			if req.UseGems {
				q, err := pricing.Price(pricing.Ratio, pricing.FromRecipe(r), p.Ledger.Holdings(), p.Skills, e.cat)
				if err != nil {
					return err
				}
				if q.Short() {
					cost, res.GemCost = q.Modified, q.GemCost
				}
			}
			if r.RequiredSkill != "" && !p.HasSkill(r.RequiredSkill) {
				return fmt.Errorf("recipe %s: %w: %s", r.ID, production.ErrMissingRequiredSkill, r.RequiredSkill)
			}
			deltas, err := p.Ledger.Spend(cost)
			if err != nil {
				return err
			}
			res.Spent = cost
			res.Qty = 0
			if r.Result != "" {
				res.Qty = skills.Resolve(string(r.Result), p.Skills, e.cat.Tuning()).Apply(r.Yield)
			}
			if r.Result != "" && !r.SpawnsActor {
				gained, err := p.Ledger.Gain(r.Result, res.Qty, e.Holder(p))
				if err != nil {
					return err
				}
				deltas = append(deltas, gained...)
			}
			res.Deltas = deltas
			return nil
		})
		if err != nil {
			return TradeResult{}, err
		}
		if r.SpawnsActor && res.Qty > 0 {
			if err := e.spawner.Spawn(ctx, req.Player, string(r.Result), res.Qty, rec.Position); err != nil {
				e.refund(ctx, req.Player, res.Deltas, err)
				return TradeResult{}, err
			}
		}
		e.publish(events.Event{Type: events.InventoryChanged, Owner: req.Player, Deltas: res.Deltas})
		e.recordDeltas(req.Player, res.Deltas)
		e.record(verb, req.Player, inventory.ItemType(r.ID), 1)
		e.l.WithFields(logrus.Fields{"player": req.Player, "recipe": r.ID, "gems": res.GemCost}).Debugf("Traded for %d %s.", res.Qty, res.Item)
		return res, nil
	})
}

// SellRequest converts items into the primary currency.
type SellRequest struct {
	Player        string             `json:"player"`
	Item          inventory.ItemType `json:"item"`
	Qty           int                `json:"qty"`
	TransactionID string             `json:"txid"`
}

// SellResult describes a completed sale.
type SellResult struct {
	Item     inventory.ItemType `json:"item"`
	Qty      int                `json:"qty"`
	Currency inventory.ItemType `json:"currency"`
	Earned   int                `json:"earned"`
	Deltas   []inventory.Delta  `json:"deltas"`
}

// Sell removes qty units of a sellable item and credits its money value.
func (e *Engine) Sell(ctx context.Context, req SellRequest) (SellResult, error) {
	res, err := e.sell(ctx, req)
	e.report(req.Player, "sell", err)
	return res, err
}

func (e *Engine) sell(ctx context.Context, req SellRequest) (SellResult, error) {
	it, err := e.cat.Item(req.Item)
	if err != nil {
		return SellResult{}, err
	}
	switch {
	case req.Qty <= 0:
		return SellResult{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidRequest)
	case it.Currency || !it.Sellable:
		return SellResult{}, fmt.Errorf("%w: %s cannot be sold", ErrInvalidRequest, it.Type)
	}
	currency := e.cat.PrimaryCurrency()
	key := guard.Key{Name: fmt.Sprintf("sell:%s:%s", req.Player, it.Type), TransactionID: req.TransactionID}
	return guard.Do(ctx, e.guard, key, func(ctx context.Context) (SellResult, error) {
		res := SellResult{Item: it.Type, Qty: req.Qty, Currency: currency, Earned: req.Qty * it.MoneyValue}
		if _, err := e.updatePlayer(ctx, req.Player, func(p *store.PlayerRecord) error {
			spent, err := p.Ledger.Spend([]inventory.Ingredient{{Item: it.Type, Qty: req.Qty}})
			if err != nil {
				return err
			}
			gained, err := p.Ledger.Gain(currency, res.Earned, e.Holder(p))
			if err != nil {
				return err
			}
			res.Deltas = append(spent, gained...)
			return nil
		}); err != nil {
			return SellResult{}, err
		}
		e.publish(events.Event{Type: events.InventoryChanged, Owner: req.Player, Deltas: res.Deltas})
		e.record(progress.Sell, req.Player, it.Type, req.Qty)
		e.record(progress.Gain, req.Player, currency, res.Earned)
		return res, nil
	})
}

// Quote prices a recipe against the player's current holdings without
// changing anything. Station recipes are priced in flat mode and instant
// recipes in ratio mode, matching what Start and Trade charge.
func (e *Engine) Quote(ctx context.Context, player, recipe string) (pricing.Quote, error) {
	r, err := e.cat.Recipe(recipe)
	if err != nil {
		return pricing.Quote{}, err
	}
	mode := pricing.Ratio
	if r.Timed() {
		mode = pricing.Flat
	}
	return e.quote(ctx, player, mode, pricing.FromRecipe(r))
}

// QuoteBuild prices constructing a station in ratio mode.
func (e *Engine) QuoteBuild(ctx context.Context, player, stationType string) (pricing.Quote, error) {
	def, err := e.cat.Station(stationType)
	if err != nil {
		return pricing.Quote{}, err
	}
	return e.quote(ctx, player, pricing.Ratio, buildRequest(def))
}

func (e *Engine) quote(ctx context.Context, player string, mode pricing.Mode, req pricing.Request) (pricing.Quote, error) {
	p, err := e.snapshot(ctx, player)
	if err != nil {
		return pricing.Quote{}, err
	}
	return pricing.Price(mode, req, p.Ledger.Holdings(), p.Skills, e.cat)
}

// snapshot returns the latest stored player record. The last known record
// stands in only while the store is unreachable.
func (e *Engine) snapshot(ctx context.Context, player string) (*store.PlayerRecord, error) {
	p, err := e.store.LoadPlayer(ctx, player)
	if err != nil {
		if cached, ok := e.view.Get(player); ok && errors.Is(err, store.ErrPersistence) {
			e.l.WithError(err).WithField("player", player).Warnf("Quoting from the last known record.")
			return cached, nil
		}
		return nil, err
	}
	e.view.Put(p)
	return p, nil
}

func buildRequest(def *catalog.Station) pricing.Request {
	return pricing.Request{Ingredients: def.BuildCost, BaseGemCost: def.BuildGemCost}
}
