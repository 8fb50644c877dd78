package broker

import "errors"

var (
	// ErrNoQuote is returned when an order is placed before any tick has
	// been observed for the symbol.
	ErrNoQuote = errors.New("broker: no quote available for symbol")
	// ErrInvalidStopLoss is returned when sl sits on the wrong side of entry.
	ErrInvalidStopLoss = errors.New("broker: stop loss on wrong side of entry")
	// ErrDuplicatePosition is returned when an open position already exists
	// for the same (symbol, side, strategy-tag).
	ErrDuplicatePosition = errors.New("broker: duplicate position for strategy tag")
	// ErrTicketNotFound is returned by modify/close when the ticket is absent.
	ErrTicketNotFound = errors.New("broker: ticket not found")
	// ErrUnknownSymbol is returned when an operation names a symbol with no
	// registered SymbolInfo.
	ErrUnknownSymbol = errors.New("broker: unknown symbol")
)
