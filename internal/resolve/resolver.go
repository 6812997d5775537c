// Package resolve applies optimistic-concurrency strategies when a write
// collides with an intervening change to the same memory.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/memory"
)

// Strategy selects how a colliding write is resolved.
type Strategy string

const (
	// StrategyReject refuses the write and surfaces both contents as a
	// typed conflict error. The default.
	StrategyReject Strategy = "reject"
	// StrategyLastWriteWins proceeds, discarding the intervening change.
	StrategyLastWriteWins Strategy = "last_write_wins"
	// StrategyAppend proceeds with server content + separator + new content.
	StrategyAppend Strategy = "append"
	// StrategyReturnBoth writes nothing and hands back both contents with a
	// hint to merge manually and resubmit.
	StrategyReturnBoth Strategy = "return_both"
)

// AppendSeparator joins the two sides under StrategyAppend.
const AppendSeparator = "\n---\n"

// Resolver wraps the record store with conflict-aware writes.
type Resolver struct {
	records *memory.Service
	logger  *zap.Logger
}

// NewResolver creates a conflict resolver over the record store.
func NewResolver(records *memory.Service, logger *zap.Logger) *Resolver {
	return &Resolver{records: records, logger: logger}
}

// SafeStoreInput is a Store call guarded by a read timestamp.
type SafeStoreInput struct {
	memory.StoreInput
	// IfUnmodifiedSince is the updatedAt the caller last observed. A server
	// state newer than this is a conflict.
	IfUnmodifiedSince time.Time
	Strategy          Strategy
}

// SafeStoreResult reports the outcome of a StoreSafe call. Store is nil when
// no write occurred (return_both).
type SafeStoreResult struct {
	Store      *memory.StoreResult
	Conflicted bool
	Strategy   Strategy

	// Populated under StrategyReturnBoth so the caller can reconcile
	// without a second round trip.
	ClientContent   string
	ServerContent   string
	ServerUpdatedAt time.Time
	Hint            string
}

// StoreSafe writes through the record store unless the memory changed after
// IfUnmodifiedSince, in which case the chosen strategy decides.
func (r *Resolver) StoreSafe(ctx context.Context, in SafeStoreInput) (*SafeStoreResult, error) {
	strategy := in.Strategy
	if strategy == "" {
		strategy = StrategyReject
	}
	switch strategy {
	case StrategyReject, StrategyLastWriteWins, StrategyAppend, StrategyReturnBoth:
	default:
		return nil, memory.WrapOp("StoreSafe", fmt.Errorf("%w: unknown strategy %q", memory.ErrInvalidArgument, strategy))
	}

	current, err := r.records.Peek(ctx, in.ProjectID, in.Key, false)
	if err != nil && !errors.Is(err, memory.ErrNotFound) {
		return nil, err
	}

	if current == nil || !current.UpdatedAt.After(in.IfUnmodifiedSince) {
		res, err := r.records.Store(ctx, in.StoreInput)
		if err != nil {
			return nil, err
		}
		return &SafeStoreResult{Store: res, Strategy: strategy}, nil
	}

	r.logger.Debug("write conflict detected",
		zap.String("project", in.ProjectID), zap.String("key", in.Key), zap.String("strategy", string(strategy)))

	switch strategy {
	case StrategyReject:
		return nil, &memory.ConflictError{
			Key:             in.Key,
			ClientContent:   in.Content,
			ServerContent:   current.Content,
			ServerUpdatedAt: current.UpdatedAt,
			Hint:            "re-read the memory and retry, or choose a conflict strategy",
		}

	case StrategyReturnBoth:
		return &SafeStoreResult{
			Conflicted:      true,
			Strategy:        strategy,
			ClientContent:   in.Content,
			ServerContent:   current.Content,
			ServerUpdatedAt: current.UpdatedAt,
			Hint:            "merge both contents manually and resubmit",
		}, nil

	case StrategyAppend:
		merged := in.StoreInput
		merged.Content = current.Content + AppendSeparator + in.Content
		res, err := r.records.Store(ctx, merged)
		if err != nil {
			return nil, err
		}
		return &SafeStoreResult{Store: res, Conflicted: true, Strategy: strategy}, nil

	default: // StrategyLastWriteWins
		res, err := r.records.Store(ctx, in.StoreInput)
		if err != nil {
			return nil, err
		}
		return &SafeStoreResult{Store: res, Conflicted: true, Strategy: strategy}, nil
	}
}
