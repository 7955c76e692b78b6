// Copyright (c) 2026 Verisite Health. All rights reserved.
// Author: platform@verisite.health

package audit

import (
	stdctx "context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
)

// # Admin Action Model

// AdminAction is the append-only record of one privileged portal mutation,
// with full before/after snapshots of the affected account.
type AdminAction struct {
	ID           int64           `json:"id"`
	Timestamp    time.Time       `json:"timestamp"`
	ActorID      string          `json:"actor_id"`
	ActorRole    string          `json:"actor_role"`
	Action       string          `json:"action"`
	TargetUserID string          `json:"target_user_id"`
	Before       json.RawMessage `json:"before"`
	After        json.RawMessage `json:"after"`
	RequestID    string          `json:"request_id,omitempty"`
}

// # Store Contracts

// ChainStore persists hash-chained log entries.
//
// All methods take an explicit transaction: chain reads and writes must share
// the caller's transaction so an append is atomic with the operation it logs.
type ChainStore interface {
	// LastChainHash returns the chain head, or "" for an empty chain. The
	// caller must already hold the chain append lock.
	LastChainHash(ctx stdctx.Context, tx pgx.Tx) (string, error)

	// LockChain serializes appends for the duration of the transaction.
	LockChain(ctx stdctx.Context, tx pgx.Tx) error

	// Insert appends a sealed entry and assigns its ID.
	Insert(ctx stdctx.Context, tx pgx.Tx, entry *Entry) error

	// List returns a page of entries in descending ID order plus the total count.
	List(ctx stdctx.Context, tx pgx.Tx, limit, offset int) ([]Entry, int, error)

	// AllAscending returns every entry in ascending ID order for verification.
	AllAscending(ctx stdctx.Context, tx pgx.Tx) ([]Entry, error)
}

// AdminActionStore persists privileged-action records.
type AdminActionStore interface {
	// Insert appends one admin action and assigns its ID.
	Insert(ctx stdctx.Context, tx pgx.Tx, action *AdminAction) error
}
