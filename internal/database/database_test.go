package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := NewDB(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

func TestNewDBCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	db, err := NewDB(dir)
	require.NoError(t, err)
	defer db.Close()

	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.NoError(t, err)

	stmt, err := db.GetPreparedStatement("get_ticket")
	require.NoError(t, err)
	assert.NotNil(t, stmt)

	_, err = db.GetPreparedStatement("nope")
	assert.Error(t, err)

	assert.Contains(t, db.GetPoolStats(), "open_connections")
}

func TestTicketInsertIsIdempotent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	rec := TicketRecord{
		ID: "t-1", ArtifactID: "doc-1", CriterionID: "clarity",
		Status: "pending", Severity: "critical", Data: []byte(`{"id":"t-1"}`), CreatedAt: time.Now(),
	}

	created, err := repo.InsertTicket(ctx, rec)
	require.NoError(t, err)
	assert.True(t, created)

	rec.Data = []byte(`{"id":"t-1","changed":true}`)
	created, err = repo.InsertTicket(ctx, rec)
	require.NoError(t, err)
	assert.False(t, created)

	data, err := repo.GetTicket(ctx, "t-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t-1"}`, string(data))

	_, err = repo.GetTicket(ctx, "t-404")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListAndUpdateTickets(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	base := time.Now()

	for i, id := range []string{"t-1", "t-2", "t-3"} {
		_, err := repo.InsertTicket(ctx, TicketRecord{
			ID: id, ArtifactID: "doc-1", CriterionID: "clarity", Status: "pending", Severity: "critical",
			Data: []byte(`"` + id + `"`), CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	resolve := func(data []byte) ([]byte, string, time.Time, error) {
		return []byte(`"resolved"`), "resolved", time.Now(), nil
	}

	updated, err := repo.UpdateTicket(ctx, "t-2", "pending", resolve)
	require.NoError(t, err)
	assert.Equal(t, `"resolved"`, string(updated))

	_, err = repo.UpdateTicket(ctx, "t-2", "pending", resolve)
	assert.ErrorIs(t, err, ErrStatusConflict)

	_, err = repo.UpdateTicket(ctx, "t-9", "pending", resolve)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := repo.ListTickets(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, `"t-1"`, string(all[0]))

	pending, err := repo.ListTickets(ctx, "pending")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte(`"t-1"`), []byte(`"t-3"`)}, pending)

	counts, err := repo.CountTickets(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"pending": 2, "resolved": 1}, counts)
}

func TestRuns(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveRun(ctx, RunRecord{ID: "run-1", Data: []byte(`{"v":1}`), CreatedAt: time.Now()}))
	require.NoError(t, repo.SaveRun(ctx, RunRecord{ID: "run-1", Data: []byte(`{"v":2}`), CreatedAt: time.Now()}))

	data, err := repo.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(data))

	_, err = repo.GetRun(ctx, "run-2")
	assert.ErrorIs(t, err, ErrNotFound)
}
