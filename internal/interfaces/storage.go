package interfaces

import (
	"context"

	"github.com/ternarybob/meta/internal/models"
)

// UserStorage - interface for registrant persistence
type UserStorage interface {
	SaveUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	AppendUserJob(ctx context.Context, userID, userJobID string) error
}

// UserJobStorage - interface for top-level job persistence
type UserJobStorage interface {
	SaveUserJob(ctx context.Context, job *models.UserJob) error
	GetUserJob(ctx context.Context, id string) (*models.UserJob, error)

	// UpdateUserJob runs fn against the stored record inside a single transaction.
	// Returning an error from fn aborts the write.
	UpdateUserJob(ctx context.Context, id string, fn func(job *models.UserJob) error) (*models.UserJob, error)

	ListUserJobs(ctx context.Context, userID string, includeHidden bool) ([]*models.UserJob, error)
	ListActiveUserJobs(ctx context.Context) ([]*models.UserJob, error)
}

// SubJobStorage - interface for Simulation/Classification/Evaluation job persistence.
// Specs are immutable once created; only state records change.
type SubJobStorage interface {
	CreateSubJob(ctx context.Context, spec *models.SubJobSpec, state *models.SubJobState) error
	GetSubJob(ctx context.Context, id string) (*models.SubJob, error)
	GetSpec(ctx context.Context, id string) (*models.SubJobSpec, error)
	GetState(ctx context.Context, id string) (*models.SubJobState, error)

	// UpdateState runs fn against the stored state inside a single transaction.
	UpdateState(ctx context.Context, id string, fn func(state *models.SubJobState) error) (*models.SubJobState, error)

	// UpdateField sets a single non-status field on the state record.
	UpdateField(ctx context.Context, id string, field models.SubJobField, value interface{}) error

	ListByUserJob(ctx context.Context, userJobID string) ([]*models.SubJob, error)
	ListStatesByStatus(ctx context.Context, status models.JobStatus) ([]*models.SubJobState, error)
	FindDependants(ctx context.Context, userJobID, jobID string) ([]*models.SubJobSpec, error)
	FindSpecificJob(ctx context.Context, userJobID, classifier, readType string) (*models.SubJob, error)
}

// ClassifierStorage - interface for the classifier catalog
type ClassifierStorage interface {
	SaveClassifier(ctx context.Context, classifier *models.Classifier) error
	GetClassifier(ctx context.Context, name string) (*models.Classifier, error)
	ListClassifiers(ctx context.Context) ([]*models.Classifier, error)
}

// DispatchStorage - durable, position-ordered queue of sub-job references.
// Implementations must run position assignment and claim inside one
// read-write transaction.
type DispatchStorage interface {
	Enqueue(ctx context.Context, jobType models.JobType, jobID string) (uint64, error)
	ClaimNext(ctx context.Context) (*models.QueueEntry, error)
	Cancel(ctx context.Context, jobID string) (*models.SubJobState, error)
	Remove(ctx context.Context, jobID string) error
	List(ctx context.Context) ([]*models.QueueEntry, error)
	MaxPosition(ctx context.Context) (uint64, error)
}

// StorageManager - composite interface for all storage operations
type StorageManager interface {
	UserStorage() UserStorage
	UserJobStorage() UserJobStorage
	SubJobStorage() SubJobStorage
	ClassifierStorage() ClassifierStorage
	DispatchStorage() DispatchStorage
	LoadClassifiersFromFiles(ctx context.Context, dirPath string) error
	Close() error
}
