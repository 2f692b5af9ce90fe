package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusmarkets/nexus-deploy/internal/pipeline"
	"github.com/nexusmarkets/nexus-deploy/internal/store"
	"github.com/nexusmarkets/nexus-deploy/internal/trigger"
)

func sampleRun(t *testing.T) *pipeline.Run {
	t.Helper()
	reg := pipeline.NewRegistry()
	require.NoError(t, reg.Add(pipeline.Stage{
		ID:   "build-test",
		Kind: pipeline.KindBuild,
		Exec: pipeline.ExecutorFunc(func(ctx context.Context, sc pipeline.StageContext) (pipeline.Outputs, error) {
			return nil, nil
		}),
	}))
	tc := trigger.Context{Event: trigger.EventPush, Branch: "main", Commit: "abc123", Selection: trigger.SelectAll}
	return pipeline.NewRun(uuid.NewString(), tc, reg)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	run := sampleRun(t)

	require.NoError(t, st.CreateRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, st.UpsertStageResult(ctx, run.ID, pipeline.StageResult{
		StageID:    "build-test",
		Kind:       pipeline.KindBuild,
		Outcome:    pipeline.OutcomeSucceeded,
		Outputs:    pipeline.Outputs{"imageUri": "sha-abc123"},
		FinishedAt: &now,
	}))
	require.NoError(t, st.FinishRun(ctx, run.ID, now, true))

	rec, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, rec.Healthy)
	assert.True(t, rec.Terminal)
	assert.Equal(t, pipeline.OutcomeSucceeded, rec.Stages["build-test"].Outcome)
	assert.Equal(t, "sha-abc123", rec.Stages["build-test"].Outputs["imageUri"])

	records, err := st.ListRuns(ctx, store.ListFilter{})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, run.ID, records[0].ID)
}

func TestMemoryStoreUnknownRun(t *testing.T) {
	st := store.NewMemoryStore()
	_, err := st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, st.FinishRun(context.Background(), "missing", time.Now(), true), store.ErrNotFound)
}

// newPGStore builds a store over sqlmock, expecting the schema bootstrap the
// constructor performs.
func newPGStore(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) *store.PGStore {
	t.Helper()
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS deploy_runs").
		WillReturnResult(sqlmock.NewResult(0, 0))
	st, err := store.NewPGStore(db)
	require.NoError(t, err)
	return st
}

func TestPGStoreEnsuresSchemaOnConstruction(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	newPGStore(t, db, mock)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreCreateRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newPGStore(t, db, mock)

	run := sampleRun(t)
	mock.ExpectExec("INSERT INTO deploy_runs").
		WithArgs(run.ID, sqlmock.AnyArg(), true, false, run.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO deploy_run_stages").
		WithArgs(run.ID, "build-test", "build", "pending", sqlmock.AnyArg(), "", nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, st.CreateRun(context.Background(), run))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetRun(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newPGStore(t, db, mock)

	created := time.Now().UTC()
	finished := created.Add(time.Minute)
	mock.ExpectQuery("SELECT id, trigger_context, healthy, terminal, created_at, finished_at").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "trigger_context", "healthy", "terminal", "created_at", "finished_at"}).
			AddRow("run-1", []byte(`{"event":"push","branch":"main"}`), true, true, created, finished))
	mock.ExpectQuery("SELECT stage_id, kind, outcome, outputs, reason, started_at, finished_at").
		WithArgs("run-1").
		WillReturnRows(sqlmock.NewRows([]string{"stage_id", "kind", "outcome", "outputs", "reason", "started_at", "finished_at"}).
			AddRow("build-test", "build", "succeeded", []byte(`{"imageUri":"sha-abc123"}`), "", created, finished).
			AddRow("deploy-data", "deploy", "skipped", []byte(`null`), "not selected by trigger", nil, nil))

	rec, err := st.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, trigger.EventPush, rec.Trigger.Event)
	assert.Len(t, rec.Stages, 2)
	assert.Equal(t, "sha-abc123", rec.Stages["build-test"].Outputs["imageUri"])
	assert.Equal(t, pipeline.OutcomeSkipped, rec.Stages["deploy-data"].Outcome)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPGStoreGetRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newPGStore(t, db, mock)

	mock.ExpectQuery("SELECT id, trigger_context").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id", "trigger_context", "healthy", "terminal", "created_at", "finished_at"}))

	_, err = st.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPGStoreFinishRunNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	st := newPGStore(t, db, mock)

	mock.ExpectExec("UPDATE deploy_runs").
		WithArgs("missing", true, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = st.FinishRun(context.Background(), "missing", time.Now(), true)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
