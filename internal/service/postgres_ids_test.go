package service

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"decendata/internal/repository/postgres"
)

func TestFileService_MalformedIDIsNotFoundOnPostgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	svc := NewFileService(postgres.NewFileRepository(db), postgres.NewUserRepository(db), newFakeBlobs())

	mock.ExpectQuery(`FROM files WHERE id = \$1`).WithArgs("not-a-uuid").
		WillReturnError(&pgconn.PgError{Code: "22P02", Message: "invalid input syntax for type uuid"})

	_, err = svc.Get(context.Background(), "u1", "not-a-uuid")
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
