package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/fulcrum-net/fulcrum/internal/core"
	"github.com/fulcrum-net/fulcrum/internal/storage"
)

// DeadServerSnapshot loads the full server record snapshot for a dead id,
// if it is still within TTL.
func (s *Store) DeadServerSnapshot(ctx context.Context, id string) (*core.ServerRecord, bool, error) {
	data, err := s.client.Get(ctx, snapshotKey(core.KindGame, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var rec core.ServerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal server snapshot %s: %w", id, err)
	}
	return &rec, true, nil
}

// DeadProxySnapshot loads the full proxy record snapshot for a dead id,
// if it is still within TTL.
func (s *Store) DeadProxySnapshot(ctx context.Context, id string) (*core.ProxyRecord, bool, error) {
	data, err := s.client.Get(ctx, snapshotKey(core.KindProxy, id))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var rec core.ProxyRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal proxy snapshot %s: %w", id, err)
	}
	return &rec, true, nil
}
