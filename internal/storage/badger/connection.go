package badger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/timshannon/badgerhold/v4"
)

// BadgerDB holds the badgerhold store for entities and exposes its raw
// badger handle for the dispatch queue's own keys.
type BadgerDB struct {
	store  *badgerhold.Store
	logger arbor.ILogger
}

// NewBadgerDB opens (or creates) the database at config.Path
func NewBadgerDB(logger arbor.ILogger, config *common.BadgerConfig) (*BadgerDB, error) {
	if config.ResetOnStartup {
		logger.Warn().Str("path", config.Path).Msg("reset_on_startup set, wiping database")
		if err := os.RemoveAll(config.Path); err != nil {
			return nil, fmt.Errorf("failed to reset database at %s: %w", config.Path, err)
		}
	}

	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	options := badgerhold.DefaultOptions
	options.Options = badger.DefaultOptions(config.Path).
		WithSyncWrites(config.SyncWrites).
		WithLogger(badgerLogger{logger})

	store, err := badgerhold.Open(options)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", config.Path, err)
	}

	logger.Info().
		Str("path", config.Path).
		Bool("sync_writes", config.SyncWrites).
		Msg("Badger database opened")

	return &BadgerDB{store: store, logger: logger}, nil
}

// Store returns the badgerhold store
func (b *BadgerDB) Store() *badgerhold.Store {
	return b.store
}

// Badger returns the raw key/value database shared with the store
func (b *BadgerDB) Badger() *badger.DB {
	return b.store.Badger()
}

// maxConflictRetries bounds how often Update reruns a transaction that lost a
// write conflict.
const maxConflictRetries = 10

// Update runs fn in a read-write transaction, rerunning it when badger reports
// a conflict. Unrelated records still share badgerhold index keys (every
// status change touches the status index), so concurrent writers conflict
// routinely. fn must be safe to run more than once.
func (b *BadgerDB) Update(fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = b.Badger().Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		b.logger.Debug().Int("attempt", attempt+1).Msg("Badger transaction conflict, retrying")
	}
	return err
}

// Upsert is the badgerhold Upsert run through Update
func (b *BadgerDB) Upsert(key, data interface{}) error {
	return b.Update(func(txn *badger.Txn) error {
		return b.store.TxUpsert(txn, key, data)
	})
}

func (b *BadgerDB) Close() error {
	if b.store == nil {
		return nil
	}
	return b.store.Close()
}

// badgerLogger routes badger's internal logging into arbor. Info and debug
// chatter (compactions, value log GC) is kept at debug.
type badgerLogger struct {
	logger arbor.ILogger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Str("component", "badger").Msg(fmt.Sprintf(format, args...))
}
