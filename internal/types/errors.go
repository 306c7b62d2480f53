package types

import "errors"

// Sentinel errors for the trading system.
var (
	// Exit path errors, resolved locally by the caller.
	ErrDuplicateExit      = errors.New("exit already in progress for position")
	ErrMissingEntryPrice  = errors.New("exit attempted before entry fill confirmed")
	ErrSlippageExceeded   = errors.New("chase price beyond max slippage")
	ErrMaxRetriesExceeded = errors.New("lot retry budget exhausted")

	// Tracker errors
	ErrOrderNotFound = errors.New("no matching outstanding order for report")

	// Persistence errors
	ErrStateNotFound = errors.New("state not found")
	ErrDatabaseWrite = errors.New("database write failed")
	ErrQueueClosed   = errors.New("persistence queue closed")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
)
