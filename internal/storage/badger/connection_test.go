package badger

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/common"
	"github.com/ternarybob/meta/internal/models"
)

func TestNewBadgerDB_ResetOnStartup(t *testing.T) {
	ctx := context.Background()
	logger := arbor.NewLogger()
	cfg := &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "nested", "db"), SyncWrites: true}

	db, err := NewBadgerDB(logger, cfg)
	require.NoError(t, err)
	m := newManager(db, logger)
	require.NoError(t, m.UserStorage().SaveUser(ctx, &models.User{ID: "u-1", Name: "Ada", Email: "ada@example.org"}))
	require.NoError(t, m.Close())

	// Reopening keeps the data
	db, err = NewBadgerDB(logger, cfg)
	require.NoError(t, err)
	m = newManager(db, logger)
	_, err = m.UserStorage().GetUser(ctx, "u-1")
	require.NoError(t, err)
	require.NoError(t, m.Close())

	cfg.ResetOnStartup = true
	db, err = NewBadgerDB(logger, cfg)
	require.NoError(t, err)
	m = newManager(db, logger)
	defer m.Close()

	_, err = m.UserStorage().GetUser(ctx, "u-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}
