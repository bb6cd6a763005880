package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/interfaces"
	"github.com/ternarybob/meta/internal/models"
	"github.com/ternarybob/meta/internal/queue"
	"github.com/ternarybob/meta/internal/services/report"
)

// SubmitRequest is the payload of a new UserJob. All fields are validated
// using go-playground/validator tags plus the mode rules in submitRules.
type SubmitRequest struct {
	UserID       string            `json:"user_id" validate:"required"`
	Title        string            `json:"title" validate:"required,max=200"`
	ReadTypes    []string          `json:"read_types" validate:"required,min=1,unique,dive,required"`
	Classifiers  []string          `json:"classifiers" validate:"required,min=1,unique,dive,required"`
	Mode         models.JobMode    `json:"mode" validate:"required,oneof=REAL_READS SIMULATION"`
	AbundanceTSV string            `json:"abundance_tsv"`
	Fastq        map[string]string `json:"fastq"`
}

// CreateUserRequest registers a user
type CreateUserRequest struct {
	Name  string `json:"name" validate:"required,max=100"`
	Email string `json:"email" validate:"required,email"`
}

// Service is the entry point for user and job operations exposed over HTTP
type Service struct {
	ledger   *queue.Ledger
	dispatch *queue.Dispatch
	storage  interfaces.StorageManager
	reports  *report.Service
	validate *validator.Validate
	logger   arbor.ILogger
}

// NewService creates a new jobs service
func NewService(ledger *queue.Ledger, dispatch *queue.Dispatch, storage interfaces.StorageManager, reports *report.Service, logger arbor.ILogger) *Service {
	v := validator.New()
	v.RegisterStructValidation(submitRules, SubmitRequest{})

	return &Service{
		ledger:   ledger,
		dispatch: dispatch,
		storage:  storage,
		reports:  reports,
		validate: v,
		logger:   logger,
	}
}

// submitRules checks the read sources against the mode:
// REAL_READS needs a fastq per read type, SIMULATION needs an abundance
// profile unless every read type has a fastq.
func submitRules(sl validator.StructLevel) {
	req := sl.Current().Interface().(SubmitRequest)

	known := make(map[string]bool, len(req.ReadTypes))
	missing := 0
	for _, r := range req.ReadTypes {
		known[r] = true
		if strings.TrimSpace(req.Fastq[r]) == "" {
			missing++
			if req.Mode == models.JobModeRealReads {
				sl.ReportError(req.Fastq, "Fastq", "fastq", "fastq_required", r)
			}
		}
	}
	for r := range req.Fastq {
		if !known[r] {
			sl.ReportError(req.Fastq, "Fastq", "fastq", "unknown_read_type", r)
		}
	}

	if req.Mode == models.JobModeSimulation && missing > 0 && strings.TrimSpace(req.AbundanceTSV) == "" {
		sl.ReportError(req.AbundanceTSV, "AbundanceTSV", "abundance_tsv", "required_for_simulation", "")
	}
}

func invalid(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", models.ErrInvalidRequest, err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag())
		if fe.Param() != "" {
			msg += " (" + fe.Param() + ")"
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("%w: %s", models.ErrInvalidRequest, strings.Join(msgs, "; "))
}

// CreateUser registers a user with a unique email
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*models.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if err := s.validate.Struct(req); err != nil {
		return nil, invalid(err)
	}

	users := s.storage.UserStorage()
	if _, err := users.GetUserByEmail(ctx, req.Email); err == nil {
		return nil, fmt.Errorf("user with email %s: %w", req.Email, models.ErrAlreadyExists)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	user := &models.User{
		ID:       common.NewID(),
		Name:     strings.TrimSpace(req.Name),
		Email:    req.Email,
		UserJobs: []string{},
	}
	if err := users.SaveUser(ctx, user); err != nil {
		return nil, err
	}

	s.logger.Info().Str("user_id", user.ID).Msg("User registered")
	return user, nil
}

// GetUser returns a user by id
func (s *Service) GetUser(ctx context.Context, id string) (*models.User, error) {
	return s.storage.UserStorage().GetUser(ctx, id)
}

// Submit validates a request, fans it out into sub-jobs and links the new
// UserJob to its owner.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*models.UserJob, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalid(err)
	}

	if _, err := s.storage.UserStorage().GetUser(ctx, req.UserID); err != nil {
		return nil, err
	}
	for _, name := range req.Classifiers {
		if _, err := s.storage.ClassifierStorage().GetClassifier(ctx, name); err != nil {
			return nil, err
		}
	}

	job, err := s.ledger.Submit(ctx, &models.UserJob{
		UserID:       req.UserID,
		Title:        strings.TrimSpace(req.Title),
		ReadTypes:    req.ReadTypes,
		Classifiers:  req.Classifiers,
		Mode:         req.Mode,
		AbundanceTSV: req.AbundanceTSV,
		Fastq:        req.Fastq,
	})
	if err != nil {
		return nil, err
	}

	if err := s.storage.UserStorage().AppendUserJob(ctx, req.UserID, job.ID); err != nil {
		s.logger.Warn().Err(err).Str("user_job_id", job.ID).Msg("Failed to link user job to user")
	}
	return job, nil
}

// GetUserJob returns a UserJob by id
func (s *Service) GetUserJob(ctx context.Context, id string) (*models.UserJob, error) {
	return s.storage.UserJobStorage().GetUserJob(ctx, id)
}

// ListUserJobs returns a user's jobs, newest first. Empty userID lists all users.
func (s *Service) ListUserJobs(ctx context.Context, userID string, includeHidden bool) ([]*models.UserJob, error) {
	return s.storage.UserJobStorage().ListUserJobs(ctx, userID, includeHidden)
}

// Children returns the sub-jobs of a UserJob in creation order
func (s *Service) Children(ctx context.Context, userJobID string) ([]*models.SubJob, error) {
	if _, err := s.storage.UserJobStorage().GetUserJob(ctx, userJobID); err != nil {
		return nil, err
	}
	return s.storage.SubJobStorage().ListByUserJob(ctx, userJobID)
}

// FindClassification looks up the classification job for one classifier and read type
func (s *Service) FindClassification(ctx context.Context, userJobID, classifier, readType string) (*models.SubJob, error) {
	return s.storage.SubJobStorage().FindSpecificJob(ctx, userJobID, classifier, readType)
}

// Cancel cancels a UserJob and its unfinished children
func (s *Service) Cancel(ctx context.Context, userJobID string) (*models.UserJob, error) {
	return s.ledger.CancelUserJob(ctx, userJobID)
}

// CancelSubJob cancels one child and everything that depends on it
func (s *Service) CancelSubJob(ctx context.Context, subJobID string) (*models.SubJobState, error) {
	return s.ledger.CancelChild(ctx, subJobID)
}

// Hide sets the visibility flag of a UserJob
func (s *Service) Hide(ctx context.Context, userJobID string, hide bool) (*models.UserJob, error) {
	return s.ledger.Hide(ctx, userJobID, hide)
}

// Queue returns pending and running dispatch entries in position order
func (s *Service) Queue(ctx context.Context) ([]*models.QueueEntry, error) {
	return s.dispatch.List(ctx)
}

// LastPosition returns the highest dispatch position assigned so far
func (s *Service) LastPosition(ctx context.Context) (uint64, error) {
	return s.dispatch.LastPosition(ctx)
}

// Classifiers lists the classifier catalog
func (s *Service) Classifiers(ctx context.Context) ([]*models.Classifier, error) {
	return s.storage.ClassifierStorage().ListClassifiers(ctx)
}

// ReportHTML renders the run report of a UserJob as HTML
func (s *Service) ReportHTML(ctx context.Context, userJobID string) ([]byte, error) {
	job, md, err := s.reportMarkdown(ctx, userJobID)
	if err != nil {
		return nil, err
	}
	return s.reports.RenderHTML(md, reportTitle(job))
}

// ReportPDF renders the run report of a UserJob as PDF
func (s *Service) ReportPDF(ctx context.Context, userJobID string) ([]byte, error) {
	job, md, err := s.reportMarkdown(ctx, userJobID)
	if err != nil {
		return nil, err
	}
	return s.reports.RenderPDF(md, reportTitle(job))
}

func (s *Service) reportMarkdown(ctx context.Context, userJobID string) (*models.UserJob, string, error) {
	job, err := s.storage.UserJobStorage().GetUserJob(ctx, userJobID)
	if err != nil {
		return nil, "", err
	}
	children, err := s.storage.SubJobStorage().ListByUserJob(ctx, userJobID)
	if err != nil {
		return nil, "", err
	}
	return job, s.reports.BuildMarkdown(job, children), nil
}

func reportTitle(job *models.UserJob) string {
	if job.Title != "" {
		return job.Title
	}
	return "User job " + job.ID
}
