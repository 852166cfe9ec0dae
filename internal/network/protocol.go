package network

import (
	"encoding/json"

	"github.com/gravitas-games/homestead/internal/hex"
	"github.com/gravitas-games/homestead/internal/inventory"
)

// Message types - Client → Server
const (
	MsgTypeStart       = "start"
	MsgTypeCollect     = "collect"
	MsgTypeBulkCollect = "bulk_collect"
	MsgTypeUnlock      = "unlock"
	MsgTypeTrade       = "trade"
	MsgTypeFeed        = "feed"
	MsgTypeSell        = "sell"
	MsgTypeQuote       = "quote"
	MsgTypeQuoteBuild  = "quote_build"
	MsgTypeBuild       = "build"
	MsgTypeRemove      = "remove"
	MsgTypeMove        = "move"
	MsgTypeState       = "state"
	MsgTypePing        = "ping"
)

// Message types - Server → Client
const (
	MsgTypeWelcome = "welcome"
	MsgTypeResult  = "result"
	MsgTypeEvent   = "event"
	MsgTypeError   = "error"
	MsgTypePong    = "pong"
)

// ClientMessage represents any message from client to server. ID is echoed
// in the matching result.
type ClientMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// ServerMessage represents any message from server to client
type ServerMessage struct {
	Type    string      `json:"type"`
	ID      string      `json:"id,omitempty"`
	Payload interface{} `json:"payload"`
}

// --- Client Message Payloads ---

// StartPayload starts a recipe. A missing slot picks the first idle one.
type StartPayload struct {
	Station string `json:"station"`
	Slot    *int   `json:"slot,omitempty"`
	Recipe  string `json:"recipe"`
	UseGems bool   `json:"use_gems,omitempty"`
	Repeat  bool   `json:"repeat,omitempty"`
	TxID    string `json:"txid"`
}

// CollectPayload collects one slot
type CollectPayload struct {
	Station string `json:"station"`
	Slot    int    `json:"slot"`
	Restart bool   `json:"restart,omitempty"`
	TxID    string `json:"txid"`
}

// SlotTarget names one slot in a bulk request
type SlotTarget struct {
	Station string `json:"station"`
	Slot    int    `json:"slot"`
}

// BulkCollectPayload collects many slots; no targets means every ready slot
type BulkCollectPayload struct {
	Targets []SlotTarget `json:"targets,omitempty"`
	Restart bool         `json:"restart,omitempty"`
	TxID    string       `json:"txid"`
}

// UnlockPayload buys the next slot of a station
type UnlockPayload struct {
	Station string `json:"station"`
	Slot    int    `json:"slot"`
	TxID    string `json:"txid"`
}

// TradePayload runs an instant recipe (trade and feed)
type TradePayload struct {
	Recipe  string `json:"recipe"`
	UseGems bool   `json:"use_gems,omitempty"`
	TxID    string `json:"txid"`
}

// SellPayload sells items for the primary currency
type SellPayload struct {
	Item inventory.ItemType `json:"item"`
	Qty  int                `json:"qty"`
	TxID string             `json:"txid"`
}

// QuotePayload prices a recipe or a station build
type QuotePayload struct {
	Recipe  string `json:"recipe,omitempty"`
	Station string `json:"station,omitempty"`
}

// BuildPayload constructs a station
type BuildPayload struct {
	Type     string    `json:"type"`
	Position hex.Axial `json:"position"`
	UseGems  bool      `json:"use_gems,omitempty"`
	TxID     string    `json:"txid"`
}

// RemovePayload destroys a station
type RemovePayload struct {
	Station string `json:"station"`
	TxID    string `json:"txid"`
}

// MovePayload reports the player's location
type MovePayload struct {
	Position hex.Axial `json:"position"`
}

// --- Server Message Payloads ---

// WelcomePayload is sent to client after successful connection
type WelcomePayload struct {
	PlayerID string      `json:"player_id"`
	Username string      `json:"username"`
	State    interface{} `json:"state"`
}

// ResultPayload answers one client action. Status is "ok" or the failure
// code; Result is set on success.
type ResultPayload struct {
	Action  string      `json:"action"`
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// ErrorPayload contains error information
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
