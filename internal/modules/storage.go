package modules

import (
	"context"
	"errors"
	"log/slog"

	"github.com/seantiz/etna/internal/script"
	"github.com/seantiz/etna/internal/store"
)

// maxKeyLen is the longest key a script may use. Longer keys are truncated
// rather than rejected.
const maxKeyLen = 15

// defaultNamespace scopes script keys away from any other store users.
const defaultNamespace = "scripts"

// Storage exposes persistent key/value state to scripts.
//
// Natives:
//
//	storage_set <key> <value>   store a value
//	storage_get <key>           read a value; missing keys yield an empty
//	                            result, not an error
//	storage_delete <key>        remove a value
//	storage_keys                list stored keys
type Storage struct {
	store     store.Store
	namespace string
	logger    *slog.Logger
}

// NewStorage creates the storage module over s.
func NewStorage(s store.Store, logger *slog.Logger) *Storage {
	if logger == nil {
		logger = slog.Default()
	}
	return &Storage{store: s, namespace: defaultNamespace, logger: logger}
}

func (s *Storage) Name() string { return "storage" }

func (s *Storage) Attach(inst script.Instance) error {
	for name, fn := range map[string]script.NativeFunc{
		"storage_set":    s.set,
		"storage_get":    s.get,
		"storage_delete": s.delete,
		"storage_keys":   s.keys,
	} {
		if err := inst.RegisterNative(name, fn); err != nil {
			return err
		}
	}
	return nil
}

// key normalizes a script-supplied key, truncating it to maxKeyLen.
func (s *Storage) key(raw []byte) string {
	k := string(raw)
	if len(k) > maxKeyLen {
		truncated := k[:maxKeyLen]
		s.logger.Debug("storage key truncated", "key", k, "truncated", truncated)
		return truncated
	}
	return k
}

func (s *Storage) set(args [][]byte) ([][]byte, error) {
	if len(args) < 2 || len(args[0]) == 0 {
		return nil, errors.New("storage_set: key and value required")
	}
	if err := s.store.KVSet(context.Background(), s.namespace, s.key(args[0]), args[1]); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Storage) get(args [][]byte) ([][]byte, error) {
	if len(args) < 1 || len(args[0]) == 0 {
		return nil, errors.New("storage_get: key required")
	}
	value, err := s.store.KVGet(context.Background(), s.namespace, s.key(args[0]))
	if errors.Is(err, store.ErrNotFound) {
		return [][]byte{nil}, nil
	}
	if err != nil {
		return nil, err
	}
	return [][]byte{value}, nil
}

func (s *Storage) delete(args [][]byte) ([][]byte, error) {
	if len(args) < 1 || len(args[0]) == 0 {
		return nil, errors.New("storage_delete: key required")
	}
	if err := s.store.KVDelete(context.Background(), s.namespace, s.key(args[0])); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Storage) keys(args [][]byte) ([][]byte, error) {
	keys, err := s.store.KVKeys(context.Background(), s.namespace)
	if err != nil {
		return nil, err
	}
	results := make([][]byte, len(keys))
	for i, k := range keys {
		results[i] = []byte(k)
	}
	return results, nil
}
