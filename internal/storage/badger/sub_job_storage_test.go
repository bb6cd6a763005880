package badger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/meta/internal/models"
	"github.com/ternarybob/meta/internal/queue/state"
)

func TestSubJob_CreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	createQueuedJob(t, m, "uj-1", "job-1")

	job, err := m.SubJobStorage().GetSubJob(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "uj-1", job.UserJobID)
	assert.Equal(t, models.JobTypeClassification, job.Type)
	assert.Equal(t, models.JobStatusQueued, job.State.Status)
	assert.Zero(t, job.State.QueuePosition)

	_, err = m.SubJobStorage().GetSubJob(ctx, "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSubJob_SpecIsInsertOnly(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	createQueuedJob(t, m, "uj-1", "job-1")

	spec := &models.SubJobSpec{ID: "job-1", UserJobID: "uj-other", Type: models.JobTypeSimulation}
	err := m.SubJobStorage().CreateSubJob(ctx, spec, models.NewSubJobState(spec))
	assert.Error(t, err)

	got, err := m.SubJobStorage().GetSpec(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "uj-1", got.UserJobID)
}

func TestSubJob_UpdateField(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	s := m.SubJobStorage()

	createQueuedJob(t, m, "uj-1", "job-1")

	require.NoError(t, s.UpdateField(ctx, "job-1", models.FieldContainerID, "c0ffee"))
	require.NoError(t, s.UpdateField(ctx, "job-1", models.FieldCPUTime, 12.5))
	require.NoError(t, s.UpdateField(ctx, "job-1", models.FieldWallClockTime, 30.0))
	require.NoError(t, s.UpdateField(ctx, "job-1", models.FieldMaxMemoryMBs, 512.0))

	st, err := s.GetState(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "c0ffee", st.ContainerID)
	assert.Equal(t, 12.5, st.CPUTime)
	assert.Equal(t, 30.0, st.WallClockTime)
	assert.Equal(t, 512.0, st.MaxMemoryMBs)
	assert.Equal(t, models.JobStatusQueued, st.Status)

	assert.Error(t, s.UpdateField(ctx, "job-1", models.FieldCPUTime, "fast"))
	assert.Error(t, s.UpdateField(ctx, "job-1", models.SubJobField("status"), "COMPLETED"))
	assert.ErrorIs(t, s.UpdateField(ctx, "missing", models.FieldContainerID, "x"), models.ErrNotFound)
}

func TestSubJob_FindSpecificJobAndDependants(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	s := m.SubJobStorage()
	now := time.Now().UTC()

	sim := &models.SubJobSpec{ID: "sim", UserJobID: "uj-1", Type: models.JobTypeSimulation, ReadType: "miseq", CreatedAt: now}
	kraken := &models.SubJobSpec{ID: "kraken", UserJobID: "uj-1", Type: models.JobTypeClassification, ReadType: "miseq", Classifier: "kraken", DependsOn: []string{"sim"}, CreatedAt: now.Add(time.Millisecond)}
	blast := &models.SubJobSpec{ID: "blast", UserJobID: "uj-1", Type: models.JobTypeClassification, ReadType: "miseq", Classifier: "blast", DependsOn: []string{"sim"}, CreatedAt: now.Add(2 * time.Millisecond)}
	for _, spec := range []*models.SubJobSpec{sim, kraken, blast} {
		require.NoError(t, s.CreateSubJob(ctx, spec, models.NewSubJobState(spec)))
	}

	job, err := s.FindSpecificJob(ctx, "uj-1", "blast", "miseq")
	require.NoError(t, err)
	assert.Equal(t, "blast", job.ID)

	_, err = s.FindSpecificJob(ctx, "uj-1", "blast", "hiseq")
	assert.ErrorIs(t, err, models.ErrNotFound)

	deps, err := s.FindDependants(ctx, "uj-1", "sim")
	require.NoError(t, err)
	require.Len(t, deps, 2)
	assert.Equal(t, "kraken", deps[0].ID)
	assert.Equal(t, "blast", deps[1].ID)

	all, err := s.ListByUserJob(ctx, "uj-1")
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.Equal(t, "sim", all[0].ID)
}

func TestUserJob_UpdateAndList(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	s := m.UserJobStorage()

	visible := &models.UserJob{ID: "uj-1", UserID: "u-1", Status: models.JobStatusQueued}
	hidden := &models.UserJob{ID: "uj-2", UserID: "u-1", Status: models.JobStatusCompleted, Hide: true}
	require.NoError(t, s.SaveUserJob(ctx, visible))
	require.NoError(t, s.SaveUserJob(ctx, hidden))

	updated, err := s.UpdateUserJob(ctx, "uj-1", func(job *models.UserJob) error {
		job.ChildJobsCompleted++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.ChildJobsCompleted)

	jobs, err := s.ListUserJobs(ctx, "u-1", false)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "uj-1", jobs[0].ID)

	jobs, err = s.ListUserJobs(ctx, "u-1", true)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	active, err := s.ListActiveUserJobs(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "uj-1", active[0].ID)

	_, err = s.UpdateUserJob(ctx, "missing", func(job *models.UserJob) error { return nil })
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestUser_AppendUserJob(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	s := m.UserStorage()

	require.NoError(t, s.SaveUser(ctx, &models.User{ID: "u-1", Name: "Ada", Email: "ada@example.org"}))
	require.NoError(t, s.AppendUserJob(ctx, "u-1", "uj-1"))
	require.NoError(t, s.AppendUserJob(ctx, "u-1", "uj-1"))
	require.NoError(t, s.AppendUserJob(ctx, "u-1", "uj-2"))

	user, err := s.GetUser(ctx, "u-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"uj-1", "uj-2"}, user.UserJobs)

	byEmail, err := s.GetUserByEmail(ctx, "ada@example.org")
	require.NoError(t, err)
	assert.Equal(t, "u-1", byEmail.ID)

	assert.ErrorIs(t, s.AppendUserJob(ctx, "nobody", "uj-1"), models.ErrNotFound)
}

func TestSubJob_ConcurrentStatusChangesAllLand(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	s := m.SubJobStorage()

	const n = 32
	for i := 0; i < n; i++ {
		createQueuedJob(t, m, "uj-1", fmt.Sprintf("job-%d", i))
	}

	// Every update rewrites the shared status index entries
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := s.UpdateState(ctx, id, func(st *models.SubJobState) error {
				return state.Apply(st, models.JobStatusProcessing, time.Now().UTC())
			})
			errs <- err
		}(fmt.Sprintf("job-%d", i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	for i := 0; i < n; i++ {
		st, err := s.GetState(ctx, fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusProcessing, st.Status)
		assert.NotNil(t, st.StartedAt)
	}
}
