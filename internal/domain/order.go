package domain

import (
	"context"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// Order is a request to an external broker. Exit orders are always sells
// against a tracked position.
type Order struct {
	ID         string    `json:"id"`
	PositionID string    `json:"position_id"`
	TokenID    string    `json:"token_id"`
	Side       OrderSide `json:"side"`
	Quantity   float64   `json:"quantity"`
	LimitPrice float64   `json:"limit_price,omitempty"`
	Reason     string    `json:"reason"`
	CreatedAt  time.Time `json:"created_at"`
}

// Fill is the broker's execution report for an Order.
type Fill struct {
	OrderID  string    `json:"order_id"`
	Quantity float64   `json:"quantity"`
	Price    float64   `json:"price"`
	Fees     float64   `json:"fees"`
	FilledAt time.Time `json:"filled_at"`
}

// Broker is the external execution capability.
type Broker interface {
	Submit(ctx context.Context, order Order) (Fill, error)
}
