// Package db
package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jplanetx/cryptoj-trader/internal/journal"
	"github.com/jplanetx/cryptoj-trader/internal/order"
)

// ErrNotFound is returned when an order id is unknown.
var ErrNotFound = errors.New("not found")

// Storage is the interface for all persistent storage: the order
// record book plus the event journal.
type Storage interface {
	GetDB() *sql.DB

	SaveOrder(ctx context.Context, o order.Order) error
	GetOrder(ctx context.Context, id string) (order.Order, error)
	GetOpenOrders(ctx context.Context) ([]order.Order, error)

	journal.Journaler
}
