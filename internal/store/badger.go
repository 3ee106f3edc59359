package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/dgraph-io/badger/v4"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const badgerConflictRetries = 100

// BadgerConfig holds configuration for an embedded BadgerDB store.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory keeps all data in RAM. Useful for testing.
	InMemory bool

	SyncWrites bool

	// Logger receives BadgerDB's internal log lines. Nil disables them.
	Logger *zap.Logger
}

// BadgerStore implements Store on top of BadgerDB. Every mutation runs in a
// serializable transaction and is retried when Badger reports a conflict.
type BadgerStore struct {
	db *badger.DB
}

type badgerLogger struct {
	log *zap.SugaredLogger
}

func (l *badgerLogger) Errorf(format string, args ...interface{})   { l.log.Errorf(format, args...) }
func (l *badgerLogger) Warningf(format string, args ...interface{}) { l.log.Warnf(format, args...) }
func (l *badgerLogger) Infof(format string, args ...interface{})    { l.log.Debugf(format, args...) }
func (l *badgerLogger) Debugf(format string, args ...interface{})   { l.log.Debugf(format, args...) }

func OpenBadger(cfg BadgerConfig) (*BadgerStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger: path is required for persistent database")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, eris.Wrapf(err, "badger: create directory %s", cfg.Path)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{log: cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, eris.Wrap(err, "badger: open")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func testKey(id string) []byte { return []byte("test\x00" + id) }

func assignmentPrefix(testID string) []byte { return []byte("assign\x00" + testID + "\x00") }

func assignmentKey(testID, userID string) []byte {
	return append(assignmentPrefix(testID), userID...)
}

func metricsPrefix(testID string) []byte { return []byte("metrics\x00" + testID + "\x00") }

func metricsKey(testID, variantID string) []byte {
	return append(metricsPrefix(testID), variantID...)
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (s *BadgerStore) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < badgerConflictRetries; i++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		err = s.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return eris.Wrap(err, "badger: too many conflicts")
}

func getJSON(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return eris.Wrap(err, "badger: get")
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return eris.Wrap(err, "badger: marshal")
	}
	return txn.Set(key, b)
}

func (s *BadgerStore) CreateTest(ctx context.Context, test *Test) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		_, err := txn.Get(testKey(test.ID))
		if err == nil {
			return ErrExists
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return eris.Wrap(err, "badger: check test")
		}
		return setJSON(txn, testKey(test.ID), test)
	})
}

func (s *BadgerStore) GetTest(ctx context.Context, id string) (*Test, error) {
	var t Test
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, testKey(id), &t)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *BadgerStore) ListTests(ctx context.Context) ([]*Test, error) {
	var tests []*Test
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte("test\x00")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var t Test
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &t)
			}); err != nil {
				return eris.Wrap(err, "badger: decode test")
			}
			tests = append(tests, &t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortTests(tests)
	return tests, nil
}

func (s *BadgerStore) UpdateTest(ctx context.Context, test *Test) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(testKey(test.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return eris.Wrap(err, "badger: check test")
		}
		return setJSON(txn, testKey(test.ID), test)
	})
}

func (s *BadgerStore) DeleteTest(ctx context.Context, id string) error {
	err := s.update(ctx, func(txn *badger.Txn) error {
		if _, err := txn.Get(testKey(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return eris.Wrap(err, "badger: check test")
		}
		return txn.Delete(testKey(id))
	})
	if err != nil {
		return err
	}
	return eris.Wrapf(s.db.DropPrefix(assignmentPrefix(id), metricsPrefix(id)), "badger: drop data of %s", id)
}

func (s *BadgerStore) CreateAssignment(ctx context.Context, a *UserAssignment, onCreate MetricsDelta) (*UserAssignment, bool, error) {
	var stored UserAssignment
	var created bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		stored, created = UserAssignment{}, false
		err := getJSON(txn, assignmentKey(a.TestID, a.UserID), &stored)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		stored = *cloneAssignment(a)
		created = true
		if err := setJSON(txn, assignmentKey(a.TestID, a.UserID), &stored); err != nil {
			return err
		}
		return incrementTxn(txn, a.TestID, a.VariantID, onCreate)
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

func (s *BadgerStore) GetAssignment(ctx context.Context, testID, userID string) (*UserAssignment, error) {
	var a UserAssignment
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, assignmentKey(testID, userID), &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BadgerStore) ListAssignments(ctx context.Context, testID string) ([]*UserAssignment, error) {
	var out []*UserAssignment
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := assignmentPrefix(testID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var a UserAssignment
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &a)
			}); err != nil {
				return eris.Wrap(err, "badger: decode assignment")
			}
			out = append(out, &a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortAssignments(out)
	return out, nil
}

func (s *BadgerStore) AppendConversion(ctx context.Context, testID, userID string, ev ConversionEvent, delta ConversionDelta) (bool, error) {
	var first bool
	err := s.update(ctx, func(txn *badger.Txn) error {
		var a UserAssignment
		if err := getJSON(txn, assignmentKey(testID, userID), &a); err != nil {
			return err
		}
		first = !a.HasConverted
		a.HasConverted = true
		a.Conversions = append(a.Conversions, ev)
		if err := setJSON(txn, assignmentKey(testID, userID), &a); err != nil {
			return err
		}
		if err := incrementTxn(txn, testID, a.VariantID, delta.Always); err != nil {
			return err
		}
		if first {
			return incrementTxn(txn, testID, a.VariantID, delta.First)
		}
		return nil
	})
	return first, err
}

func (s *BadgerStore) IncrementMetrics(ctx context.Context, testID, variantID string, delta MetricsDelta) error {
	return s.update(ctx, func(txn *badger.Txn) error {
		return incrementTxn(txn, testID, variantID, delta)
	})
}

func incrementTxn(txn *badger.Txn, testID, variantID string, delta MetricsDelta) error {
	var m VariantMetrics
	if err := getJSON(txn, metricsKey(testID, variantID), &m); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	applyDelta(&m, delta)
	return setJSON(txn, metricsKey(testID, variantID), &m)
}

func (s *BadgerStore) GetMetrics(ctx context.Context, testID string) (map[string]VariantMetrics, error) {
	out := make(map[string]VariantMetrics)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := metricsPrefix(testID)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var m VariantMetrics
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &m)
			}); err != nil {
				return eris.Wrap(err, "badger: decode metrics")
			}
			m.Derive()
			out[string(item.Key()[len(prefix):])] = m
		}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "badger: get metrics")
	}
	return out, nil
}
