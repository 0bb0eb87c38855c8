package storage

import "errors"

// ErrNoPendingOrder is returned when an update targets a symbol with no
// tracked pending order.
var ErrNoPendingOrder = errors.New("no pending order for symbol")

// ErrNoOpenTrade is returned when a close targets a symbol with no OPEN
// trade-history row.
var ErrNoOpenTrade = errors.New("no open trade for symbol")
