package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/aweris/cowverse/internal/compression"
)

var objectKeyPrefix = []byte("obj/")

// BadgerArchive implements Archive on an embedded BadgerDB.
type BadgerArchive struct {
	db         *badger.DB
	compressor *compression.Compressor
}

// BadgerOptions configures a BadgerArchive.
type BadgerOptions struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path        string
	InMemory    bool
	SyncWrites  bool
	Compression bool
	Logger      *zap.Logger
}

func NewBadgerArchive(opts BadgerOptions) (*BadgerArchive, error) {
	if !opts.InMemory && opts.Path == "" {
		return nil, errors.New("archive: badger path is required for persistent mode")
	}

	bopts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithNumVersionsToKeep(1)
	if opts.InMemory {
		bopts = bopts.WithDir("").WithValueDir("").WithInMemory(true)
	}
	if opts.Logger != nil {
		bopts = bopts.WithLogger(badgerLogger{opts.Logger.Sugar()})
	} else {
		bopts = bopts.WithLogger(nil)
	}

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	compressor, err := compression.NewCompressor(compression.LevelDefault, opts.Compression)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create compressor: %w", err)
	}

	return &BadgerArchive{db: db, compressor: compressor}, nil
}

func objectKey(digest string) []byte {
	return append(append([]byte(nil), objectKeyPrefix...), digest...)
}

func (a *BadgerArchive) Put(_ context.Context, digest string, data []byte) error {
	key := objectKey(digest)
	err := a.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key); err == nil {
			return nil
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return txn.Set(key, a.compressor.Compress(data))
	})
	if err != nil {
		return fmt.Errorf("put object %s: %w", digest, err)
	}
	return nil
}

func (a *BadgerArchive) Get(_ context.Context, digest string) ([]byte, error) {
	var framed []byte
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(objectKey(digest))
		if err != nil {
			return err
		}
		framed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, digest)
	}
	if err != nil {
		return nil, fmt.Errorf("get object %s: %w", digest, err)
	}
	return a.compressor.Decompress(framed)
}

func (a *BadgerArchive) Has(_ context.Context, digest string) (bool, error) {
	err := a.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(objectKey(digest))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (a *BadgerArchive) Delete(_ context.Context, digest string) error {
	err := a.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(objectKey(digest))
	})
	if err != nil {
		return fmt.Errorf("delete object %s: %w", digest, err)
	}
	return nil
}

func (a *BadgerArchive) Digests(ctx context.Context) ([]string, error) {
	var out []string
	err := a.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: objectKeyPrefix})
		defer it.Close()

		for it.Seek(objectKeyPrefix); it.ValidForPrefix(objectKeyPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().KeyCopy(nil)
			out = append(out, string(key[len(objectKeyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}
	return out, nil
}

func (a *BadgerArchive) Close() error {
	a.compressor.Close()
	return a.db.Close()
}

// badgerLogger adapts zap to badger.Logger.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func (l badgerLogger) Errorf(f string, v ...any)   { l.s.Errorf(f, v...) }
func (l badgerLogger) Warningf(f string, v ...any) { l.s.Warnf(f, v...) }
func (l badgerLogger) Infof(f string, v ...any)    { l.s.Infof(f, v...) }
func (l badgerLogger) Debugf(f string, v ...any)   { l.s.Debugf(f, v...) }
