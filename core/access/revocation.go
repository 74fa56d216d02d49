package access

import (
	"context"
	"sync"
	"time"

	"github.com/relabs-tech/restio/core"
	"github.com/relabs-tech/restio/core/logger"
	"github.com/relabs-tech/restio/core/schema"
	"github.com/relabs-tech/restio/core/storage"
)

// RevocationStore answers whether a token id has been revoked. A revoked
// entry matches while its expiry lies in the future; expired entries are
// pruned.
type RevocationStore interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
	Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error
}

type revokedEntry struct {
	userID    string
	expiresAt time.Time
	revokedAt time.Time
}

// MemoryRevocations is the in-memory revocation store variant. It is safe
// for concurrent use; StartPruner runs the periodic cleanup until the
// context is cancelled.
type MemoryRevocations struct {
	mu      sync.RWMutex
	entries map[string]revokedEntry
}

// NewMemoryRevocations creates an empty in-memory revocation store.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{entries: map[string]revokedEntry{}}
}

// IsRevoked implements RevocationStore.
func (m *MemoryRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	entry, ok := m.entries[tokenID]
	m.mu.RUnlock()
	return ok && entry.expiresAt.After(time.Now()), nil
}

// Revoke implements RevocationStore.
func (m *MemoryRevocations) Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	m.mu.Lock()
	m.entries[tokenID] = revokedEntry{userID: userID, expiresAt: expiresAt, revokedAt: time.Now()}
	m.mu.Unlock()
	return nil
}

// Prune drops entries whose expiry has passed and returns how many were
// removed.
func (m *MemoryRevocations) Prune() int {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for tokenID, entry := range m.entries {
		if entry.expiresAt.Before(now) {
			delete(m.entries, tokenID)
			removed++
		}
	}
	return removed
}

// StartPruner runs Prune at the given cadence until ctx is cancelled.
// Cancellation is tied to server shutdown.
func (m *MemoryRevocations) StartPruner(ctx context.Context, cadence time.Duration) {
	go func() {
		ticker := time.NewTicker(cadence)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := m.Prune(); removed > 0 {
					logger.FromContext(ctx).Debugln("pruned revoked tokens:", removed)
				}
			}
		}
	}()
}

// StoredRevocations is the persistent revocation store variant, backed by
// a revoked_tokens resource on the storage adapter.
type StoredRevocations struct {
	Store storage.Adapter
	// Resource defaults to "revoked_tokens".
	Resource string
}

func (s *StoredRevocations) resource() string {
	if s.Resource == "" {
		return "revoked_tokens"
	}
	return s.Resource
}

// IsRevoked implements RevocationStore.
func (s *StoredRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	result, err := s.Store.Query(ctx, nil, s.resource(), storage.Query{
		Clauses: []storage.Clause{
			storage.Equal("jti", tokenID),
			{Field: "expires_at", Op: schema.OpGreater, Value: time.Now().UTC().Format(time.RFC3339)},
		},
	})
	if err != nil {
		return false, err
	}
	return len(result.Records) > 0, nil
}

// Revoke implements RevocationStore.
func (s *StoredRevocations) Revoke(ctx context.Context, tokenID, userID string, expiresAt time.Time) error {
	_, err := s.Store.Post(ctx, nil, s.resource(), core.Record{
		"jti":        tokenID,
		"user_id":    userID,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
		"revoked_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err == storage.ErrConflict {
		// already revoked
		return nil
	}
	return err
}
