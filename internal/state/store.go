package state

import (
	"context"
	"encoding/json"
	"strings"
)

type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// LoadJSON decodes the value at key into out. A missing or blank value
// reports false without error.
func LoadJSON(ctx context.Context, store Store, key string, out any) (bool, error) {
	if store == nil {
		return false, nil
	}
	raw, ok, err := store.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, err
	}
	return true, nil
}

func SaveJSON(ctx context.Context, store Store, key string, v any) error {
	if store == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return store.Set(ctx, key, string(payload))
}
