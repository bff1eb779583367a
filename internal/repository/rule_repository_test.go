package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/activity-points-api/internal/models"
	appErrors "github.com/noah-isme/activity-points-api/pkg/errors"
)

func newRuleRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return sqlxDB, mock, func() {
		sqlxDB.Close()
		db.Close()
	}
}

func intPtr(value int) *int {
	return &value
}

func TestRuleRepositoryCurrentVersionNoRows(t *testing.T) {
	db, mock, cleanup := newRuleRepoMock(t)
	defer cleanup()

	repo := NewRuleRepository(db)
	// No committed pointer yet means version zero, not an error.
	mock.ExpectQuery("SELECT version FROM rule_current").
		WithArgs(models.RuleKindCategory, "Hackathon").
		WillReturnRows(sqlmock.NewRows([]string{"version"}))

	version, err := repo.CurrentVersion(context.Background(), models.RuleKindCategory, "Hackathon")
	require.NoError(t, err)
	assert.Equal(t, 0, version)
}

func TestRuleRepositoryGetCurrent(t *testing.T) {
	db, mock, cleanup := newRuleRepoMock(t)
	defer cleanup()

	repo := NewRuleRepository(db)
	payload := models.RulePayload{Tree: &models.RuleNode{Points: intPtr(10)}}
	raw, err := payload.Value()
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "kind", "category_name", "version", "payload", "notes", "created_by", "created_at"}).
		AddRow("snap-1", string(models.RuleKindCategory), "Hackathon", 3, raw, "tweak", "admin-1", time.Now())
	mock.ExpectQuery("SELECT s.id, s.kind").
		WithArgs(models.RuleKindCategory, "Hackathon").
		WillReturnRows(rows)

	snapshot, err := repo.GetCurrent(context.Background(), models.RuleKindCategory, "Hackathon")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", snapshot.ID)
	assert.Equal(t, 3, snapshot.Version)
	require.NotNil(t, snapshot.Payload.Tree)
	assert.True(t, snapshot.Payload.Tree.IsLeaf())
}

func TestRuleRepositoryCommitMovesPointer(t *testing.T) {
	db, mock, cleanup := newRuleRepoMock(t)
	defer cleanup()

	repo := NewRuleRepository(db)
	snapshot := &models.RuleSnapshot{
		ID:           "snap-2",
		Kind:         models.RuleKindCategory,
		CategoryName: "Hackathon",
		Version:      4,
		Payload:      models.RulePayload{Tree: &models.RuleNode{Points: intPtr(25)}},
		CreatedBy:    "admin-1",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rule_snapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("UPDATE rule_current SET").
		WithArgs("snap-2", 4, sqlmock.AnyArg(), models.RuleKindCategory, "Hackathon", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Commit(context.Background(), snapshot, 3))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryCommitFirstVersion(t *testing.T) {
	db, mock, cleanup := newRuleRepoMock(t)
	defer cleanup()

	repo := NewRuleRepository(db)
	snapshot := &models.RuleSnapshot{
		ID:           "snap-1",
		Kind:         models.RuleKindPosition,
		CategoryName: "",
		Version:      1,
		Payload:      models.RulePayload{Positions: map[string]int{"First": 50, "Participated": 10}},
		CreatedBy:    "admin-1",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rule_snapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("INSERT INTO rule_current").
		WithArgs(models.RuleKindPosition, "", "snap-1", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.Commit(context.Background(), snapshot, 0))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryCommitConflict(t *testing.T) {
	db, mock, cleanup := newRuleRepoMock(t)
	defer cleanup()

	repo := NewRuleRepository(db)
	snapshot := &models.RuleSnapshot{
		ID:           "snap-3",
		Kind:         models.RuleKindCategory,
		CategoryName: "Hackathon",
		Version:      4,
		Payload:      models.RulePayload{Tree: &models.RuleNode{Points: intPtr(25)}},
		CreatedBy:    "admin-2",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO rule_snapshots").
		WillReturnResult(sqlmock.NewResult(1, 1))
	// The pointer already moved to version 4, so the guarded update matches
	// nothing and the whole transaction rolls back.
	mock.ExpectExec("UPDATE rule_current SET").
		WithArgs("snap-3", 4, sqlmock.AnyArg(), models.RuleKindCategory, "Hackathon", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := repo.Commit(context.Background(), snapshot, 3)
	require.Error(t, err)
	assert.True(t, appErrors.Is(err, appErrors.ErrConcurrentModification))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRuleRepositoryHistory(t *testing.T) {
	db, mock, cleanup := newRuleRepoMock(t)
	defer cleanup()

	repo := NewRuleRepository(db)
	payload := models.RulePayload{Tree: &models.RuleNode{Points: intPtr(10)}}
	raw, err := payload.Value()
	require.NoError(t, err)

	rows := sqlmock.NewRows([]string{"id", "kind", "category_name", "version", "payload", "notes", "created_by", "created_at"}).
		AddRow("snap-2", string(models.RuleKindCategory), "Hackathon", 2, raw, "", "admin-1", time.Now()).
		AddRow("snap-1", string(models.RuleKindCategory), "Hackathon", 1, raw, "", "admin-1", time.Now())
	mock.ExpectQuery("SELECT id, kind, category_name, version").
		WithArgs(models.RuleKindCategory, "Hackathon").
		WillReturnRows(rows)

	history, err := repo.History(context.Background(), models.RuleKindCategory, "Hackathon")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Version)
	assert.Equal(t, 1, history[1].Version)
}
