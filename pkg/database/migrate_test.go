package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"
	"testing/fstest"

	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testMigrations = fstest.MapFS{
	"000002_items.up.sql":    {Data: []byte("CREATE TABLE order_items (id UUID)")},
	"000001_orders.up.sql":   {Data: []byte("CREATE TABLE orders (id UUID)")},
	"000001_orders.down.sql": {Data: []byte("DROP TABLE orders")},
	"README.md":              {Data: []byte("notes")},
}

func expectMigration(mock pgxmock.PgxPoolIface, name, sql string, applied bool) {
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT EXISTS").WithArgs(name).
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(applied))
	if applied {
		mock.ExpectRollback()
		return
	}
	mock.ExpectExec(regexp.QuoteMeta(sql)).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectExec("INSERT INTO schema_migrations").WithArgs(name).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
}

func TestUpMigrations_SortedAndFiltered(t *testing.T) {
	names, err := upMigrations(testMigrations)
	require.NoError(t, err)
	assert.Equal(t, []string{"000001_orders.up.sql", "000002_items.up.sql"}, names)
}

func TestRunMigrations_AppliesPending(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	expectMigration(mock, "000001_orders.up.sql", "CREATE TABLE orders (id UUID)", true)
	expectMigration(mock, "000002_items.up.sql", "CREATE TABLE order_items (id UUID)", false)

	applied, err := RunMigrations(context.Background(), mock, testMigrations, discardLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_StopsOnFailure(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectBegin()
	mock.ExpectExec("SELECT pg_advisory_xact_lock").WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery("SELECT EXISTS").WithArgs("000001_orders.up.sql").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE orders (id UUID)")).
		WillReturnError(errors.New("syntax error"))
	mock.ExpectRollback()

	applied, err := RunMigrations(context.Background(), mock, testMigrations, discardLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "execute migration 000001_orders.up.sql")
	assert.Zero(t, applied)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunMigrations_TrackingTableError(t *testing.T) {
	mock, err := NewMockPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS schema_migrations").
		WillReturnError(errors.New("permission denied"))

	_, err = RunMigrations(context.Background(), mock, testMigrations, discardLogger())
	assert.ErrorContains(t, err, "create schema_migrations")
}
