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

// SubJobStorage implements the SubJobStorage interface for Badger.
// Spec and state are separate records sharing the sub-job id as key.
type SubJobStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewSubJobStorage creates a new SubJobStorage instance
func NewSubJobStorage(db *BadgerDB, logger arbor.ILogger) interfaces.SubJobStorage {
	return &SubJobStorage{
		db:     db,
		logger: logger,
	}
}

// CreateSubJob writes both records in one transaction. Specs are insert-only.
func (s *SubJobStorage) CreateSubJob(ctx context.Context, spec *models.SubJobSpec, state *models.SubJobState) error {
	if spec.ID == "" || spec.ID != state.ID {
		return fmt.Errorf("sub-job spec and state must share a non-empty ID")
	}

	store := s.db.Store()
	err := s.db.Update(func(tx *badger.Txn) error {
		if err := store.TxInsert(tx, spec.ID, spec); err != nil {
			return err
		}
		return store.TxInsert(tx, state.ID, state)
	})
	if err != nil {
		return fmt.Errorf("failed to create sub-job %s: %w", spec.ID, err)
	}
	return nil
}

func (s *SubJobStorage) GetSpec(ctx context.Context, id string) (*models.SubJobSpec, error) {
	var spec models.SubJobSpec
	if err := s.db.Store().Get(id, &spec); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("sub-job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sub-job spec: %w", err)
	}
	return &spec, nil
}

func (s *SubJobStorage) GetState(ctx context.Context, id string) (*models.SubJobState, error) {
	var state models.SubJobState
	if err := s.db.Store().Get(id, &state); err != nil {
		if errors.Is(err, badgerhold.ErrNotFound) {
			return nil, fmt.Errorf("sub-job %s: %w", id, models.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get sub-job state: %w", err)
	}
	return &state, nil
}

func (s *SubJobStorage) GetSubJob(ctx context.Context, id string) (*models.SubJob, error) {
	spec, err := s.GetSpec(ctx, id)
	if err != nil {
		return nil, err
	}
	state, err := s.GetState(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.SubJob{SubJobSpec: *spec, State: *state}, nil
}

func (s *SubJobStorage) UpdateState(ctx context.Context, id string, fn func(state *models.SubJobState) error) (*models.SubJobState, error) {
	store := s.db.Store()
	var state models.SubJobState

	err := s.db.Update(func(tx *badger.Txn) error {
		state = models.SubJobState{}
		if err := store.TxGet(tx, id, &state); err != nil {
			if errors.Is(err, badgerhold.ErrNotFound) {
				return fmt.Errorf("sub-job %s: %w", id, models.ErrNotFound)
			}
			return err
		}
		if err := fn(&state); err != nil {
			return err
		}
		return store.TxUpsert(tx, id, &state)
	})
	if err != nil {
		return nil, err
	}
	return &state, nil
}

// UpdateField sets one runtime field. Status is deliberately absent; it only
// changes through the state machine.
func (s *SubJobStorage) UpdateField(ctx context.Context, id string, field models.SubJobField, value interface{}) error {
	_, err := s.UpdateState(ctx, id, func(state *models.SubJobState) error {
		switch field {
		case models.FieldContainerID:
			v, ok := value.(string)
			if !ok {
				return fieldTypeError(field, value)
			}
			state.ContainerID = v
		case models.FieldError:
			v, ok := value.(string)
			if !ok {
				return fieldTypeError(field, value)
			}
			state.Error = v
		case models.FieldQueuePosition:
			v, ok := value.(uint64)
			if !ok {
				return fieldTypeError(field, value)
			}
			state.QueuePosition = v
		case models.FieldCPUTime, models.FieldWallClockTime, models.FieldMaxMemoryMBs:
			v, ok := value.(float64)
			if !ok {
				return fieldTypeError(field, value)
			}
			switch field {
			case models.FieldCPUTime:
				state.CPUTime = v
			case models.FieldWallClockTime:
				state.WallClockTime = v
			default:
				state.MaxMemoryMBs = v
			}
		default:
			return fmt.Errorf("unknown sub-job field %q", field)
		}
		state.UpdatedAt = time.Now().UTC()
		return nil
	})
	return err
}

func fieldTypeError(field models.SubJobField, value interface{}) error {
	return fmt.Errorf("invalid value type %T for field %s", value, field)
}

func (s *SubJobStorage) ListByUserJob(ctx context.Context, userJobID string) ([]*models.SubJob, error) {
	var specs []models.SubJobSpec
	if err := s.db.Store().Find(&specs, badgerhold.Where("UserJobID").Eq(userJobID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list sub-job specs: %w", err)
	}

	var states []models.SubJobState
	if err := s.db.Store().Find(&states, badgerhold.Where("UserJobID").Eq(userJobID)); err != nil {
		return nil, fmt.Errorf("failed to list sub-job states: %w", err)
	}

	byID := make(map[string]models.SubJobState, len(states))
	for _, st := range states {
		byID[st.ID] = st
	}

	jobs := make([]*models.SubJob, 0, len(specs))
	for _, spec := range specs {
		st, ok := byID[spec.ID]
		if !ok {
			s.logger.Warn().Str("sub_job_id", spec.ID).Msg("Sub-job spec has no state record")
			continue
		}
		jobs = append(jobs, &models.SubJob{SubJobSpec: spec, State: st})
	}
	return jobs, nil
}

func (s *SubJobStorage) ListStatesByStatus(ctx context.Context, status models.JobStatus) ([]*models.SubJobState, error) {
	var states []models.SubJobState
	if err := s.db.Store().Find(&states, badgerhold.Where("Status").Eq(status)); err != nil {
		return nil, fmt.Errorf("failed to list sub-jobs by status: %w", err)
	}
	return toPointers(states), nil
}

// FindDependants returns the specs in a UserJob that list jobID in DependsOn
func (s *SubJobStorage) FindDependants(ctx context.Context, userJobID, jobID string) ([]*models.SubJobSpec, error) {
	var specs []models.SubJobSpec
	if err := s.db.Store().Find(&specs, badgerhold.Where("UserJobID").Eq(userJobID).SortBy("CreatedAt")); err != nil {
		return nil, fmt.Errorf("failed to list sub-job specs: %w", err)
	}

	var dependants []*models.SubJobSpec
	for i := range specs {
		for _, dep := range specs[i].DependsOn {
			if dep == jobID {
				dependants = append(dependants, &specs[i])
				break
			}
		}
	}
	return dependants, nil
}

func (s *SubJobStorage) FindSpecificJob(ctx context.Context, userJobID, classifier, readType string) (*models.SubJob, error) {
	query := badgerhold.Where("UserJobID").Eq(userJobID).
		And("Type").Eq(models.JobTypeClassification).
		And("Classifier").Eq(classifier).
		And("ReadType").Eq(readType).
		Limit(1)

	var specs []models.SubJobSpec
	if err := s.db.Store().Find(&specs, query); err != nil {
		return nil, fmt.Errorf("failed to find classification job: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("classification job %s/%s for user job %s: %w", classifier, readType, userJobID, models.ErrNotFound)
	}
	return s.GetSubJob(ctx, specs[0].ID)
}
