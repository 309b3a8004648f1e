package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupUserMock(t *testing.T) (*PostgresUserRepository, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to open sqlmock database: %v", err)
	}
	repo := NewPostgresUserRepository(db)
	cleanup := func() { db.Close() }
	return repo, mock, cleanup
}

func TestUserExists(t *testing.T) {
	for _, want := range []bool{true, false} {
		repo, mock, cleanup := setupUserMock(t)

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS(SELECT 1 FROM users WHERE login = $1)`)).
			WithArgs("alice").
			WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(want))

		exists, err := repo.UserExists(context.Background(), "alice")
		require.NoError(t, err)
		assert.Equal(t, want, exists)
		assert.NoError(t, mock.ExpectationsWereMet())
		cleanup()
	}
}

func TestUserExists_Error(t *testing.T) {
	repo, mock, cleanup := setupUserMock(t)
	defer cleanup()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT EXISTS`)).
		WithArgs("alice").
		WillReturnError(errors.New("db down"))

	_, err := repo.UserExists(context.Background(), "alice")
	assert.Error(t, err)
}

func TestRegisterUser(t *testing.T) {
	repo, mock, cleanup := setupUserMock(t)
	defer cleanup()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users (login, public_key) VALUES ($1, $2) ON CONFLICT DO NOTHING`)).
		WithArgs("alice", "age1xyz.abcd").
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.RegisterUser(context.Background(), "alice", "age1xyz.abcd"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUser(t *testing.T) {
	repo, mock, cleanup := setupUserMock(t)
	defer cleanup()

	query := regexp.QuoteMeta(`SELECT login, public_key FROM users WHERE login = $1`)
	mock.ExpectQuery(query).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows([]string{"login", "public_key"}).AddRow("alice", "pk"))
	mock.ExpectQuery(query).
		WithArgs("bob").
		WillReturnError(sql.ErrNoRows)

	u, err := repo.GetUser(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "pk", u.PublicKey)

	_, err = repo.GetUser(context.Background(), "bob")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
