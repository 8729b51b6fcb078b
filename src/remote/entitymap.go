// Package remote maps provider identifiers onto internal entity ids.
package remote

import (
	"context"
	"errors"
	"fmt"
	"time"

	"changes-agent/src/model"
	"changes-agent/src/store"
)

// ErrIntegrity marks a mapping that contradicts an existing one. It is a
// programming or schema error and must not be retried.
var ErrIntegrity = errors.New("remote entity integrity violation")

// Map is the durable (provider, kind, remote_id) -> internal id lookup.
// Every method takes the Querier to run against so lookups and binds can
// join the caller's transaction.
type Map struct {
	now func() time.Time
}

// NewMap creates a Map.
func NewMap() *Map {
	return &Map{now: time.Now}
}

// Find returns the single mapping for the key, or store.ErrNotFound.
func (m *Map) Find(ctx context.Context, q store.Querier, kind, remoteID, provider string) (*model.RemoteEntity, error) {
	e, err := q.GetRemoteEntity(ctx, provider, kind, remoteID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find %s remote entity %s/%s: %w", provider, kind, remoteID, err)
	}
	return e, nil
}

// FindByInternal returns the mapping pointing at an internal id.
func (m *Map) FindByInternal(ctx context.Context, q store.Querier, kind, internalID, provider string) (*model.RemoteEntity, error) {
	e, err := q.GetRemoteEntityByInternal(ctx, provider, kind, internalID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to find %s remote entity for %s %s: %w", provider, kind, internalID, err)
	}
	return e, nil
}

// Bind records that remoteID refers to internalID. The internal id must
// already be allocated, though its row need not be written yet.
//
// A bind that collides with an existing mapping returns an error wrapping
// store.ErrDuplicate so the caller can re-read and retry. Binding an
// internal id that is already mapped to a different remote id returns
// ErrIntegrity.
func (m *Map) Bind(ctx context.Context, q store.Querier, kind, internalID, remoteID, provider string, data model.Data) (*model.RemoteEntity, error) {
	if internalID == "" || remoteID == "" {
		return nil, fmt.Errorf("%w: bind %s/%s requires both ids", ErrIntegrity, provider, kind)
	}

	existing, err := q.GetRemoteEntityByInternal(ctx, provider, kind, internalID)
	switch {
	case err == nil && existing.RemoteID != remoteID:
		return nil, fmt.Errorf("%w: %s %s already mapped to %s, refusing %s",
			ErrIntegrity, kind, internalID, existing.RemoteID, remoteID)
	case err == nil:
		return existing, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("failed to check existing mapping: %w", err)
	}

	e := &model.RemoteEntity{
		ID:          model.NewID(),
		Provider:    provider,
		Kind:        kind,
		RemoteID:    remoteID,
		InternalID:  internalID,
		Data:        data,
		DateCreated: m.now(),
	}
	if e.Data == nil {
		e.Data = model.Data{}
	}
	if err := q.InsertRemoteEntity(ctx, e); err != nil {
		return nil, fmt.Errorf("failed to bind %s %s/%s: %w", provider, kind, remoteID, err)
	}
	return e, nil
}
