package jobs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/models"
	"github.com/ternarybob/meta/internal/queue"
	"github.com/ternarybob/meta/internal/services/report"
	badgerstore "github.com/ternarybob/meta/internal/storage/badger"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	logger := arbor.NewLogger()
	sm, err := badgerstore.NewManager(logger, &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sm.Close() })

	require.NoError(t, sm.ClassifierStorage().SaveClassifier(context.Background(), &models.Classifier{
		Name:        "kraken2",
		Image:       "meta/kraken2:latest",
		ClassifyCLI: []string{"kraken2", "{fastq}"},
	}))

	cfg := queue.NewDefaultConfig()
	dispatch := queue.NewDispatch(sm.DispatchStorage(), nil, logger)
	ledger := queue.NewLedger(sm.UserJobStorage(), sm.SubJobStorage(), dispatch, nil, cfg, logger)
	return NewService(ledger, dispatch, sm, report.NewService(logger), logger)
}

func registerUser(t *testing.T, svc *Service) *models.User {
	t.Helper()
	user, err := svc.CreateUser(context.Background(), CreateUserRequest{Name: "Ada", Email: "Ada@Example.org "})
	require.NoError(t, err)
	return user
}

func TestCreateUser(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	user := registerUser(t, svc)
	assert.NotEmpty(t, user.ID)
	assert.Equal(t, "ada@example.org", user.Email)

	_, err := svc.CreateUser(ctx, CreateUserRequest{Name: "Ada again", Email: "ada@example.org"})
	assert.ErrorIs(t, err, models.ErrAlreadyExists)

	_, err = svc.CreateUser(ctx, CreateUserRequest{Name: "No mail", Email: "not-an-email"})
	assert.ErrorIs(t, err, models.ErrInvalidRequest)
}

func TestSubmit_RealReads(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user := registerUser(t, svc)

	job, err := svc.Submit(ctx, SubmitRequest{
		UserID:      user.ID,
		Title:       "Stool sample",
		ReadTypes:   []string{"miseq"},
		Classifiers: []string{"kraken2"},
		Mode:        models.JobModeRealReads,
		Fastq:       map[string]string{"miseq": "/data/uploads/stool.fastq"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, job.TotalChildJobs)
	assert.Equal(t, models.JobStatusQueued, job.Status)

	owner, err := svc.GetUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{job.ID}, owner.UserJobs)

	entries, err := svc.Queue(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	found, err := svc.FindClassification(ctx, job.ID, "kraken2", "miseq")
	require.NoError(t, err)
	assert.Equal(t, job.Children[0], found.ID)

	html, err := svc.ReportHTML(ctx, job.ID)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Stool sample")
}

func TestSubmit_Validation(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user := registerUser(t, svc)

	base := func() SubmitRequest {
		return SubmitRequest{
			UserID:       user.ID,
			Title:        "mock",
			ReadTypes:    []string{"miseq"},
			Classifiers:  []string{"kraken2"},
			Mode:         models.JobModeSimulation,
			AbundanceTSV: "/data/uploads/profile.tsv",
		}
	}

	tests := []struct {
		name   string
		mutate func(r *SubmitRequest)
		want   error
	}{
		{"missing title", func(r *SubmitRequest) { r.Title = "" }, models.ErrInvalidRequest},
		{"no read types", func(r *SubmitRequest) { r.ReadTypes = nil }, models.ErrInvalidRequest},
		{"duplicate classifier", func(r *SubmitRequest) { r.Classifiers = []string{"kraken2", "kraken2"} }, models.ErrInvalidRequest},
		{"unknown mode", func(r *SubmitRequest) { r.Mode = "MIXED" }, models.ErrInvalidRequest},
		{"simulation without profile", func(r *SubmitRequest) { r.AbundanceTSV = "" }, models.ErrInvalidRequest},
		{"real reads without fastq", func(r *SubmitRequest) { r.Mode = models.JobModeRealReads }, models.ErrInvalidRequest},
		{"fastq for unknown read type", func(r *SubmitRequest) { r.Fastq = map[string]string{"hiseq": "/x.fastq"} }, models.ErrInvalidRequest},
		{"unknown classifier", func(r *SubmitRequest) { r.Classifiers = []string{"metaphlan"} }, models.ErrNotFound},
		{"unknown user", func(r *SubmitRequest) { r.UserID = "nobody" }, models.ErrNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base()
			tt.mutate(&req)
			_, err := svc.Submit(ctx, req)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Simulation without a profile is fine when every read type has a fastq
	req := base()
	req.AbundanceTSV = ""
	req.Fastq = map[string]string{"miseq": "/data/uploads/real.fastq"}
	_, err := svc.Submit(ctx, req)
	assert.NoError(t, err)
}

func TestCancelAndHide(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()
	user := registerUser(t, svc)

	job, err := svc.Submit(ctx, SubmitRequest{
		UserID:       user.ID,
		Title:        "mock",
		ReadTypes:    []string{"miseq"},
		Classifiers:  []string{"kraken2"},
		Mode:         models.JobModeSimulation,
		AbundanceTSV: "/data/uploads/profile.tsv",
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, cancelled.Status)

	_, err = svc.Hide(ctx, job.ID, true)
	require.NoError(t, err)

	visible, err := svc.ListUserJobs(ctx, user.ID, false)
	require.NoError(t, err)
	assert.Empty(t, visible)

	children, err := svc.Children(ctx, job.ID)
	require.NoError(t, err)
	assert.Len(t, children, 3)

	_, err = svc.Children(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
