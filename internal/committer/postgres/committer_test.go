package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/webimporter/internal/committer"
)

func TestCommitterUpsert(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c, err := NewWithDB(mock, "documents")
	require.NoError(t, err)

	now := time.Now().UTC()
	mock.ExpectExec("INSERT INTO documents").
		WithArgs("https://example.com", "text/html", pgxmock.AnyArg(), "<p>x</p>", now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = c.Upsert(context.Background(), committer.Entry{
		Reference:   "https://example.com",
		ContentType: "text/html",
		Metadata:    map[string][]string{"title": {"x"}},
		Content:     "<p>x</p>",
		CommittedAt: now,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitterDelete(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c, err := NewWithDB(mock, "documents")
	require.NoError(t, err)

	mock.ExpectExec("DELETE FROM documents").
		WithArgs("https://example.com").
		WillReturnError(errors.New("boom"))

	err = c.Delete(context.Background(), "https://example.com")
	require.ErrorContains(t, err, "boom")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitterMigrate(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	c, err := NewWithDB(mock, "docs")
	require.NoError(t, err)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS docs").WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	require.NoError(t, c.Migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNewWithDBRejectsBadTable(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	_, err = NewWithDB(mock, "docs;drop")
	require.Error(t, err)
}
