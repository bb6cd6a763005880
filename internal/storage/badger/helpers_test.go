package badger

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/models"
)

func openTestManager(t *testing.T, path string) *Manager {
	t.Helper()

	logger := arbor.NewLogger()
	db, err := NewBadgerDB(logger, &common.BadgerConfig{Path: path})
	require.NoError(t, err)

	return newManager(db, logger)
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	m := openTestManager(t, filepath.Join(t.TempDir(), "db"))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// createQueuedJob stores a QUEUED classification sub-job and returns its id
func createQueuedJob(t *testing.T, m *Manager, userJobID, id string) string {
	t.Helper()

	spec := &models.SubJobSpec{
		ID:         id,
		UserJobID:  userJobID,
		Type:       models.JobTypeClassification,
		ReadType:   "miseq",
		Classifier: "kraken",
		CreatedAt:  time.Now().UTC(),
	}
	require.NoError(t, m.SubJobStorage().CreateSubJob(context.Background(), spec, models.NewSubJobState(spec)))
	return id
}
