package resolve

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/lcrawford/membank/internal/memory"
)

// Token computes the precondition token for a memory's observed state. The
// token is opaque to callers; the server always recomputes and compares it
// itself, so the hash algorithm is an implementation detail, not part of the
// contract.
func Token(m *memory.Memory) string {
	h := sha256.New()
	h.Write([]byte(m.ID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.FormatInt(m.UpdatedAt.UnixNano(), 10)))
	h.Write([]byte{0})
	h.Write([]byte(m.Content))
	return hex.EncodeToString(h.Sum(nil))
}

// Check compares the caller's token with the memory's current state.
// A mismatch means the memory changed since the caller read it.
func Check(m *memory.Memory, token string) error {
	if token == "" {
		return fmt.Errorf("%w: precondition token is required", memory.ErrInvalidArgument)
	}
	if Token(m) != token {
		return &memory.ConflictError{
			Key:             m.Key,
			ServerContent:   m.Content,
			ServerUpdatedAt: m.UpdatedAt,
			Hint:            "re-read the memory to obtain a fresh token",
		}
	}
	return nil
}

// UpdateGuarded performs a plain update only if the caller's token still
// matches the stored state. This is the strict, strategy-free subset of
// StoreSafe used by update paths that cannot merge.
func (r *Resolver) UpdateGuarded(ctx context.Context, projectID, key, token, content, actor string) (*memory.StoreResult, error) {
	current, err := r.records.Peek(ctx, projectID, key, false)
	if err != nil {
		return nil, err
	}
	if err := Check(current, token); err != nil {
		return nil, memory.WrapOp("UpdateGuarded", err)
	}
	return r.records.Store(ctx, memory.StoreInput{
		OrgID:     current.OrgID,
		ProjectID: projectID,
		Key:       key,
		Content:   content,
		Actor:     actor,
	})
}

// DeleteGuarded hard-deletes only if the caller's token still matches.
func (r *Resolver) DeleteGuarded(ctx context.Context, projectID, key, token string) error {
	current, err := r.records.Peek(ctx, projectID, key, false)
	if err != nil {
		return err
	}
	if err := Check(current, token); err != nil {
		return memory.WrapOp("DeleteGuarded", err)
	}
	return r.records.Delete(ctx, projectID, key)
}
