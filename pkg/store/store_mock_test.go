package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iscc/iscc-hub/pkg/iscc"
)

// mockStore wraps a sqlmock-backed handle so failure paths the real
// database will not produce on demand can be exercised.
func mockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	mock.ExpectExec("CREATE TABLE").WillReturnResult(sqlmock.NewResult(0, 0))
	s, err := New(db)
	require.NoError(t, err)
	return s, mock
}

func TestUpsertDeclarationFailure(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec("INSERT INTO declarations").WillReturnError(errors.New("disk I/O error"))

	id, err := iscc.NewID(1, 0)
	require.NoError(t, err)
	err = s.UpsertDeclaration(context.Background(), &Declaration{
		ISCCID:    id,
		EventSeq:  1,
		ISCCCode:  "ISCC:KUAACAQDAQCQMBYIT4AQEAYEAUDAO",
		UpdatedAt: time.Now(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declaration upsert failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReplayFailsOnScanError(t *testing.T) {
	s, mock := mockStore(t)
	mock.ExpectExec("DELETE FROM declarations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT (.+) FROM events ORDER BY seq").WillReturnError(errors.New("database is locked"))

	err := s.Replay(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replay scan failed")
	assert.NoError(t, mock.ExpectationsWereMet())
}
