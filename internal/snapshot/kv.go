package snapshot

import (
	"context"
	"strconv"
	"time"

	"github.com/taskfront/intake/model"
)

// kv is the raw byte-level storage each driver implements. The typed Store
// methods are layered on top once, in kvStore, so all drivers share identical
// encoding and TTL behavior.
type kv interface {
	put(ctx context.Context, field, key string, value []byte, ttl time.Duration) error
	get(ctx context.Context, field, key string) ([]byte, bool, error)
	del(ctx context.Context, field, key string) error
}

// kvStore adapts a kv driver into the full Store interface.
type kvStore struct {
	kv   kv
	ttls TTLs
}

func newKVStore(driver kv, ttls TTLs) *kvStore {
	return &kvStore{kv: driver, ttls: ttls}
}

func (s *kvStore) PutDraftID(ctx context.Context, key, id string) error {
	return s.kv.put(ctx, fieldDraftID, key, []byte(id), s.ttls.Snapshot)
}

func (s *kvStore) GetDraftID(ctx context.Context, key string) (string, bool, error) {
	data, ok, err := s.kv.get(ctx, fieldDraftID, key)
	if err != nil || !ok || len(data) == 0 {
		return "", false, err
	}
	return string(data), true, nil
}

func (s *kvStore) ClearDraftID(ctx context.Context, key string) error {
	return s.kv.del(ctx, fieldDraftID, key)
}

func (s *kvStore) PutSnapshot(ctx context.Context, key string, p model.ResumePayload) error {
	data, err := encodeSnapshot(p)
	if err != nil {
		return err
	}
	return s.kv.put(ctx, fieldSnapshot, key, data, s.ttls.Snapshot)
}

func (s *kvStore) GetSnapshot(ctx context.Context, key string) (model.ResumePayload, bool, error) {
	data, ok, err := s.kv.get(ctx, fieldSnapshot, key)
	if err != nil || !ok {
		return model.ResumePayload{}, false, err
	}
	p, ok := decodeSnapshot(data)
	return p, ok, nil
}

func (s *kvStore) ClearSnapshot(ctx context.Context, key string) error {
	return s.kv.del(ctx, fieldSnapshot, key)
}

func (s *kvStore) PutPendingType(ctx context.Context, key string, wt model.WorkType) error {
	return s.kv.put(ctx, fieldPending, key, []byte(wt), s.ttls.Pending)
}

func (s *kvStore) GetPendingType(ctx context.Context, key string) (model.WorkType, bool, error) {
	data, ok, err := s.kv.get(ctx, fieldPending, key)
	if err != nil || !ok {
		return "", false, err
	}
	wt, ok := decodePendingType(data)
	return wt, ok, nil
}

func (s *kvStore) ClearPendingType(ctx context.Context, key string) error {
	return s.kv.del(ctx, fieldPending, key)
}

func (s *kvStore) PutGuard(ctx context.Context, key string, maxStep int) error {
	if maxStep < 0 {
		maxStep = 0
	}
	return s.kv.put(ctx, fieldGuard, key, []byte(strconv.Itoa(maxStep)), s.ttls.Guard)
}

func (s *kvStore) GetGuard(ctx context.Context, key string) (int, bool, error) {
	data, ok, err := s.kv.get(ctx, fieldGuard, key)
	if err != nil || !ok {
		return 0, false, err
	}
	n, ok := decodeGuard(data)
	return n, ok, nil
}

func (s *kvStore) ClearAll(ctx context.Context, key string) error {
	var firstErr error
	for _, field := range []string{fieldDraftID, fieldSnapshot, fieldPending, fieldGuard} {
		if err := s.kv.del(ctx, field, key); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
