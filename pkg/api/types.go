package api

import (
	"github.com/uhyunpark/dexview/pkg/app/core/event"
	"github.com/uhyunpark/dexview/pkg/app/core/ops"
	"github.com/uhyunpark/dexview/pkg/app/core/projection"
	"github.com/uhyunpark/dexview/pkg/app/core/state"
)

// API request and response types for REST endpoints and WebSocket messages.
// Amounts in requests are display decimals ("1.5"); amounts in responses
// are base-unit integer strings.

// ==============================
// REST Request Types
// ==============================

// TransferRequest is the body of POST /deposits and /withdrawals.
type TransferRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  string `json:"amount"`
}

// PlaceOrderRequest is the body of POST /orders. Amount is in tokens and
// Price in reference units per token.
type PlaceOrderRequest struct {
	Maker  string `json:"maker"`
	Side   string `json:"side"` // "buy" or "sell"
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Price  string `json:"price"`
}

// OrderActionRequest is the body of POST /orders/{id}/cancel and /fill.
type OrderActionRequest struct {
	Account string `json:"account"`
}

// ==============================
// REST Response Types
// ==============================

type OrderResponse struct {
	Order  event.Order `json:"order"`
	Status string      `json:"status"`
}

type AccountOrdersResponse struct {
	Account string                      `json:"account"`
	Orders  []projection.OrderBookEntry `json:"orders"`
}

type AccountFillsResponse struct {
	Account string              `json:"account"`
	Fills   []projection.MyFill `json:"fills"`
}

type AccountBalancesResponse struct {
	Account  string          `json:"account"`
	Loaded   bool            `json:"loaded"`
	Balances []state.Balance `json:"balances"`
}

type PendingResponse struct {
	Flags  ops.PendingFlags `json:"flags"`
	Active []ops.Operation  `json:"active"`
	Recent []ops.Operation  `json:"recent"`
}

type CandlesResponse struct {
	Bucket  string              `json:"bucket"`
	Candles []projection.Candle `json:"candles"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["orderbook"]}
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// WSMessage wraps every push. Version is the snapshot version the data
// was projected from.
type WSMessage struct {
	Channel string `json:"channel"`
	Version uint64 `json:"version"`
	Data    any    `json:"data"`
}

// AccountUpdate is pushed on account:<address> channels.
type AccountUpdate struct {
	Account    string                      `json:"account"`
	OpenOrders []projection.OrderBookEntry `json:"openOrders"`
	Fills      []projection.MyFill         `json:"fills"`
	Balances   []state.Balance             `json:"balances"`
	Operation  *ops.Operation              `json:"operation,omitempty"`
}
