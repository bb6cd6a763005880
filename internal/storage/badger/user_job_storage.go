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

// UserJobStorage implements the UserJobStorage interface for Badger
type UserJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewUserJobStorage creates a new UserJobStorage instance
func NewUserJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.UserJobStorage {
	return &UserJobStorage{
		db:     db,
		logger: logger,
	}
}

func (s *UserJobStorage) SaveUserJob(ctx context.Context, job *models.UserJob) error {
	if job.ID == "" {
		return fmt.Errorf("user job ID is required")
	}

	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if err := s.db.Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save user job: %w", err)
	}
	return nil
}

func (s *UserJobStorage) GetUserJob(ctx context.Context, id string) (*models.UserJob, error) {
	var job models.UserJob
	if err := s.db.Store().Get(id, &job); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("user job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get user job: %w", err)
	}
	return &job, nil
}

func (s *UserJobStorage) UpdateUserJob(ctx context.Context, id string, fn func(job *models.UserJob) error) (*models.UserJob, error) {
	store := s.db.Store()
	var job models.UserJob

	err := s.db.Update(func(tx *badger.Txn) error {
		job = models.UserJob{}
		if err := store.TxGet(tx, id, &job); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("user job %s: %w", id, models.ErrNotFound)
			}
			return err
		}
		if err := fn(&job); err != nil {
			return err
		}
		job.UpdatedAt = time.Now().UTC()
		return store.TxUpsert(tx, id, &job)
	})
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (s *UserJobStorage) ListUserJobs(ctx context.Context, userID string, includeHidden bool) ([]*models.UserJob, error) {
	query := badgerhold.Where("ID").Ne("")
	if userID != "" {
		query = badgerhold.Where("UserID").Eq(userID)
	}
	if !includeHidden {
		query = query.And("Hide").Eq(false)
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.UserJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list user jobs: %w", err)
	}
	return toPointers(jobs), nil
}

// ListActiveUserJobs returns every UserJob that has not reached a terminal status
func (s *UserJobStorage) ListActiveUserJobs(ctx context.Context) ([]*models.UserJob, error) {
	query := badgerhold.Where("Status").In(models.JobStatusQueued, models.JobStatusProcessing).SortBy("CreatedAt")

	var jobs []models.UserJob
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list active user jobs: %w", err)
	}
	return toPointers(jobs), nil
}

func toPointers[T any](items []T) []*T {
	result := make([]*T, len(items))
	for i := range items {
		result[i] = &items[i]
	}
	return result
}
