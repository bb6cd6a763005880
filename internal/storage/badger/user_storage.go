package badger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// UserStorage implements the UserStorage interface for Badger
type UserStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserStorage creates a new UserStorage instance
func NewUserStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserStorage {
	return &UserStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserStorage) SaveUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		return fmt.Errorf("user ID is required")
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	if err := s.db.Upsert(user.ID, user); err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (s *UserStorage) GetUser(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	if err := s.db.Store().Get(id, &user); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return &user, nil
}

func (s *UserStorage) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	var users []models.User
	if err := s.db.Store().Find(&users, badgerhold.Where("Email").Eq(email).Limit(1)); err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("user with email %s: %w", email, models.ErrNotFound)
	}
	return &users[0], nil
}

// AppendUserJob appends to the owned job list inside one transaction
func (s *UserStorage) AppendUserJob(ctx context.Context, userID, userJobID string) error {
	store := s.db.Store()
	return s.db.Update(func(tx *badger.Txn) error {
		var user models.User
		if err := store.TxGet(tx, userID, &user); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("user %s: %w", userID, models.ErrNotFound)
			}
			return err
		}
		for _, id := range user.UserJobs {
			if id == userJobID {
				return nil
			}
		}
		user.UserJobs = append(user.UserJobs, userJobID)
		return store.TxUpsert(tx, userID, &user)
	})
}
