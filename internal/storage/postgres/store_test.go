package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/knowledge-ingest/internal/crawler"
)

var fixedNow = time.Unix(1_700_000_000, 0).UTC()

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock, func() time.Time { return fixedNow })
	require.NoError(t, err)
	return store, mock
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()
	_, err := NewWithPool(nil, nil)
	require.Error(t, err)
}

func TestMigrateExecutesSchema(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS crawl_jobs").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	require.NoError(t, store.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateJobInsertsRow(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)

	job := crawler.Job{
		ID:       "job-1",
		TenantID: "tenant",
		StartURL: "https://ex.com",
		MaxDepth: 2,
		Status:   crawler.JobStatusInProgress,
		Language: "en",
	}
	mock.ExpectExec("INSERT INTO crawl_jobs").
		WithArgs("job-1", "tenant", "https://ex.com", 2, "IN_PROGRESS", []string{}, "en", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateJob(context.Background(), job))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetJobNotFound(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM crawl_jobs WHERE id").
		WithArgs("missing").
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetJob(context.Background(), "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateJobStatusRejectsFinishedJob(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_jobs").
		WithArgs("job-1", "FAILED", "late", fixedNow, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectQuery("SELECT status FROM crawl_jobs").
		WithArgs("job-1").
		WillReturnRows(pgxmock.NewRows([]string{"status"}).AddRow("COMPLETED"))

	err := store.UpdateJobStatus(context.Background(), "job-1", crawler.JobStatusFailed, "late")
	require.ErrorIs(t, err, crawler.ErrTerminalState)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertTasksRunsInTransaction(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO crawl_tasks").
		WithArgs("t1", "job", "https://ex.com", 0, "PENDING", "", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec("INSERT INTO crawl_tasks").
		WithArgs("t2", "job", "https://ex.com/a", 1, "PENDING", "https://ex.com", fixedNow, fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectCommit()

	err := store.InsertTasks(context.Background(), []crawler.Task{
		{ID: "t1", JobID: "job", URL: "https://ex.com"},
		{ID: "t2", JobID: "job", URL: "https://ex.com/a", Depth: 1, ParentURL: "https://ex.com"},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingTasksOrdersBySequence(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	cutoff := fixedNow.Add(-time.Minute)
	dispatched := fixedNow
	cols := []string{
		"seq", "id", "job_id", "url", "depth", "status", "parent_url", "error_text",
		"dispatched_at", "started_at", "created_at", "updated_at",
	}
	rows := pgxmock.NewRows(cols).
		AddRow(int64(7), "b", "job", "https://ex.com/b", 1, "PENDING", "https://ex.com", "",
			&dispatched, (*time.Time)(nil), fixedNow, fixedNow).
		AddRow(int64(3), "a", "job", "https://ex.com/a", 1, "PENDING", "https://ex.com", "",
			&dispatched, (*time.Time)(nil), fixedNow, fixedNow)
	mock.ExpectQuery("UPDATE crawl_tasks SET dispatched_at").
		WithArgs("job", 2, cutoff, fixedNow).
		WillReturnRows(rows)

	tasks, err := store.ClaimPendingTasks(context.Background(), "job", 2, cutoff, fixedNow)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	require.Equal(t, "a", tasks[0].ID)
	require.Equal(t, "b", tasks[1].ID)
	require.Equal(t, crawler.TaskStatusPending, tasks[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCountTasksTalliesStatuses(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT status, COUNT").
		WithArgs("job").
		WillReturnRows(pgxmock.NewRows([]string{"status", "count"}).
			AddRow("PENDING", int64(2)).
			AddRow("IN_PROGRESS", int64(1)).
			AddRow("COMPLETED", int64(4)))

	progress, err := store.CountTasks(context.Background(), "job")
	require.NoError(t, err)
	require.Equal(t, crawler.JobProgress{JobID: "job", Total: 7, Pending: 2, InProgress: 1, Completed: 4}, progress)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRequeueStaleTasksReportsRows(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	cutoff := fixedNow.Add(-10 * time.Minute)
	mock.ExpectExec("SET status = 'PENDING'").
		WithArgs(cutoff, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 3))

	n, err := store.RequeueStaleTasks(context.Background(), cutoff)
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTouchTaskRequiresRunningTask(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_tasks SET updated_at").
		WithArgs("task-1", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec("UPDATE crawl_tasks SET updated_at").
		WithArgs("task-2", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	require.NoError(t, store.TouchTask(context.Background(), "task-1"))
	require.ErrorIs(t, store.TouchTask(context.Background(), "task-2"), crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReleaseTasksClearsPendingLeases(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE crawl_tasks SET dispatched_at = NULL").
		WithArgs([]string{"a", "b"}).
		WillReturnResult(pgxmock.NewResult("UPDATE", 2))

	require.NoError(t, store.ReleaseTasks(context.Background(), []string{"a", "b"}))
	require.NoError(t, store.ReleaseTasks(context.Background(), nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkSourcesRollsBackOnMissingID(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE sources SET status").
		WithArgs([]string{"a", "b"}, "COMPLETED", "", fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectRollback()

	err := store.MarkSources(context.Background(), []string{"b", "a", "b"}, crawler.SourceStatusCompleted, "")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCleanedContentMissingSource(t *testing.T) {
	t.Parallel()
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE sources SET cleaned_content").
		WithArgs("src", "text", 2, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.SaveCleanedContent(context.Background(), "src", "text", 2)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}
