package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	user       interfaces.UserStorage
	userJob    interfaces.UserJobStorage
	subJob     interfaces.SubJobStorage
	classifier interfaces.ClassifierStorage
	dispatch   interfaces.DispatchStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:         db,
		user:       NewUserStorage(db, logger),
		userJob:    NewUserJobStorage(db, logger),
		subJob:     NewSubJobStorage(db, logger),
		classifier: NewClassifierStorage(db, logger),
		dispatch:   NewDispatchStorage(db, logger),
		logger:     logger,
	}
}

// UserStorage returns the User storage interface
func (m *Manager) UserStorage() interfaces.UserStorage {
	return m.user
}

// UserJobStorage returns the UserJob storage interface
func (m *Manager) UserJobStorage() interfaces.UserJobStorage {
	return m.userJob
}

// SubJobStorage returns the sub-job storage interface
func (m *Manager) SubJobStorage() interfaces.SubJobStorage {
	return m.subJob
}

// ClassifierStorage returns the classifier catalog interface
func (m *Manager) ClassifierStorage() interfaces.ClassifierStorage {
	return m.classifier
}

// DispatchStorage returns the durable dispatch queue
func (m *Manager) DispatchStorage() interfaces.DispatchStorage {
	return m.dispatch
}

// LoadClassifiersFromFiles loads classifier definitions from a catalog directory
func (m *Manager) LoadClassifiersFromFiles(ctx context.Context, dirPath string) error {
	return LoadClassifiersFromFiles(ctx, m.classifier, dirPath, m.logger)
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing Badger storage")
	return m.db.Close()
}
