package models

import "time"

// ParseModeHTML is the Telegram parse mode of every outgoing message.
const ParseModeHTML = "HTML"

const (
	// MaxPurposeLength is the longest purpose text accepted, in characters.
	MaxPurposeLength = 500

	// DefaultMaxAdvanceDays limits how far ahead a reservation may start.
	DefaultMaxAdvanceDays = 365

	// DefaultLockTimeout bounds the wait for a per-room lock.
	DefaultLockTimeout = 5 * time.Second

	// DefaultLockTTL is the lease of a distributed room lock.
	DefaultLockTTL = 10 * time.Second

	// WorkerQueueSize is the in-memory queue size of the spreadsheet mirror.
	WorkerQueueSize = 1000

	// OutboxBatchSize is how many due tasks the worker fetches per poll.
	OutboxBatchSize = 20

	// TimeLayout is the fixed-width UTC layout used for stored timestamps,
	// so lexical order in SQL equals chronological order.
	TimeLayout = "2006-01-02 15:04:05.000000000"
)
