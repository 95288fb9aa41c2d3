package models

import "time"

// Account is a caller allowed to place calls through the gateway.
type Account struct {
	ID           int64
	AccountID    string // external identifier reported in CDRs
	Realm        string
	Username     string
	PasswordHash string // argon2id
	Enabled      bool
	Routes       string // newline-separated outbound URIs, tried in order
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CDREvent is one call-detail event as persisted by a CDR sink.
type CDREvent struct {
	ID          int64
	CallID      string
	Kind        string
	Cause       string
	Code        int
	Route       string
	DurationMs  int64
	Source      string
	Destination string
	Realm       string
	Username    string
	SourceIP    string
	AccountID   string
	ContextID   string
	ControlID   string
	BaseIP      string
	OccurredAt  time.Time
}
