package engine

import (
	"context"
	stderrors "errors"
	"sync"

	"github.com/ZanzyTHEbar/judge-consensus/internal/database"
	"github.com/ZanzyTHEbar/judge-consensus/internal/errors"
	"github.com/ZanzyTHEbar/judge-consensus/internal/report"
)

// RunStore keeps the latest report of every run
type RunStore interface {
	Save(ctx context.Context, r report.ConsensusReport) error
	Get(ctx context.Context, runID string) (report.ConsensusReport, error)
}

// MemoryRunStore is a RunStore for tests and single-process use
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]report.ConsensusReport
}

// NewMemoryRunStore creates an empty store
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]report.ConsensusReport)}
}

// Save implements RunStore
func (s *MemoryRunStore) Save(_ context.Context, r report.ConsensusReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs[r.RunID] = r
	return nil
}

// Get implements RunStore
func (s *MemoryRunStore) Get(_ context.Context, runID string) (report.ConsensusReport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runs[runID]
	if !ok {
		return report.ConsensusReport{}, errors.NewNotFoundError("run", runID)
	}
	return r, nil
}

// SQLiteRunStore persists encoded reports in the runs table
type SQLiteRunStore struct {
	repo  *database.Repository
	codec *report.Codec
}

// NewSQLiteRunStore wraps the shared repository
func NewSQLiteRunStore(repo *database.Repository) *SQLiteRunStore {
	return &SQLiteRunStore{repo: repo, codec: report.NewCodec()}
}

// Save implements RunStore
func (s *SQLiteRunStore) Save(ctx context.Context, r report.ConsensusReport) error {
	data, err := s.codec.Encode(r)
	if err != nil {
		return err
	}
	if err := s.repo.SaveRun(ctx, database.RunRecord{ID: r.RunID, Data: data, CreatedAt: r.GeneratedAt}); err != nil {
		return errors.NewInternalError("storing run", err)
	}
	return nil
}

// Get implements RunStore
func (s *SQLiteRunStore) Get(ctx context.Context, runID string) (report.ConsensusReport, error) {
	data, err := s.repo.GetRun(ctx, runID)
	if stderrors.Is(err, database.ErrNotFound) {
		return report.ConsensusReport{}, errors.NewNotFoundError("run", runID)
	}
	if err != nil {
		return report.ConsensusReport{}, errors.NewInternalError("loading run", err)
	}
	return s.codec.Decode(data)
}
