package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gravitas-games/homestead/internal/economy"
	"github.com/gravitas-games/homestead/internal/network"
)

// handleMessage routes a client message to the engine and replies with a
// result carrying the same id.
func (c *Connection) handleMessage(msg *network.ClientMessage) {
	if msg.Type == network.MsgTypePing {
		c.SendMessage(&network.ServerMessage{
			Type:    network.MsgTypePong,
			ID:      msg.ID,
			Payload: map[string]int64{"timestamp": time.Now().Unix()},
		})
		return
	}

	ctx, cancel := context.WithTimeout(c.server.ctx, actionTimeout)
	defer cancel()

	result, err := c.dispatch(ctx, msg)
	if err == errUnknownType {
		c.SendError("unknown_message_type", fmt.Sprintf("unknown message type %q", msg.Type))
		return
	}
	c.reply(msg, result, err)
}

var errUnknownType = fmt.Errorf("%w: unknown message type", economy.ErrInvalidRequest)

func (c *Connection) dispatch(ctx context.Context, msg *network.ClientMessage) (any, error) {
	eng := c.server.engine
	player := c.player.ID

	switch msg.Type {
	case network.MsgTypeStart:
		p, err := decode[network.StartPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		slot := economy.AutoSlot
		if p.Slot != nil {
			slot = *p.Slot
		}
		return eng.StartProduction(ctx, economy.StartRequest{
			Player: player, Station: p.Station, Slot: slot, Recipe: p.Recipe,
			UseGems: p.UseGems, Repeat: p.Repeat, TransactionID: p.TxID,
		})

	case network.MsgTypeCollect:
		p, err := decode[network.CollectPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.Collect(ctx, economy.CollectRequest{
			Player: player, Station: p.Station, Slot: p.Slot, Restart: p.Restart, TransactionID: p.TxID,
		})

	case network.MsgTypeBulkCollect:
		p, err := decode[network.BulkCollectPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		targets := make([]economy.SlotTarget, 0, len(p.Targets))
		for _, t := range p.Targets {
			targets = append(targets, economy.SlotTarget{Station: t.Station, Slot: t.Slot})
		}
		return eng.BulkCollect(ctx, economy.BulkCollectRequest{
			Player: player, Targets: targets, Restart: p.Restart, TransactionID: p.TxID,
		})

	case network.MsgTypeUnlock:
		p, err := decode[network.UnlockPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.Unlock(ctx, economy.UnlockRequest{Player: player, Station: p.Station, Slot: p.Slot, TransactionID: p.TxID})

	case network.MsgTypeTrade, network.MsgTypeFeed:
		p, err := decode[network.TradePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		req := economy.TradeRequest{Player: player, Recipe: p.Recipe, UseGems: p.UseGems, TransactionID: p.TxID}
		if msg.Type == network.MsgTypeFeed {
			return eng.Feed(ctx, req)
		}
		return eng.Trade(ctx, req)

	case network.MsgTypeSell:
		p, err := decode[network.SellPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.Sell(ctx, economy.SellRequest{Player: player, Item: p.Item, Qty: p.Qty, TransactionID: p.TxID})

	case network.MsgTypeQuote:
		p, err := decode[network.QuotePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.Quote(ctx, player, p.Recipe)

	case network.MsgTypeQuoteBuild:
		p, err := decode[network.QuotePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.QuoteBuild(ctx, player, p.Station)

	case network.MsgTypeBuild:
		p, err := decode[network.BuildPayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.BuildStation(ctx, economy.BuildRequest{
			Player: player, Type: p.Type, Position: p.Position, UseGems: p.UseGems, TransactionID: p.TxID,
		})

	case network.MsgTypeRemove:
		p, err := decode[network.RemovePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		return eng.RemoveStation(ctx, economy.RemoveRequest{Player: player, Station: p.Station, TransactionID: p.TxID})

	case network.MsgTypeMove:
		p, err := decode[network.MovePayload](msg.Payload)
		if err != nil {
			return nil, err
		}
		atHome, err := eng.MovePlayer(ctx, player, p.Position)
		return map[string]bool{"at_home": atHome}, err

	case network.MsgTypeState:
		return eng.State(ctx, player)
	}
	return nil, errUnknownType
}

// reply sends the outcome of an action. Rate limited duplicates are
// absorbed without a reply; the original request answers.
func (c *Connection) reply(msg *network.ClientMessage, result any, err error) {
	status := economy.StatusOf(err)
	if status.Silent() {
		return
	}
	payload := network.ResultPayload{Action: msg.Type, Status: string(status)}
	if err != nil {
		payload.Message = err.Error()
	} else {
		payload.Result = result
	}
	c.SendMessage(&network.ServerMessage{Type: network.MsgTypeResult, ID: msg.ID, Payload: payload})
}

func decode[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 {
		return v, fmt.Errorf("%w: missing payload", economy.ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("%w: %v", economy.ErrInvalidRequest, err)
	}
	return v, nil
}
