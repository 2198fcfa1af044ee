package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/errs"
	"github.com/piwheels/master/internal/model"
)

func newMockStore(t *testing.T) (*Postgres, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewWithDB(sqlxDB), mock
}

func TestLogBuildSuccessRejectsZeroFiles(t *testing.T) {
	p, mock := newMockStore(t)

	_, err := p.LogBuildSuccess(context.Background(), model.Build{
		Package: "numpy", Version: "1.26.0", ABI: "cp311", SlaveID: "slave-1", StartedAt: time.Now(),
	}, nil, nil)

	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDBIntegrity))
	assert.NoError(t, mock.ExpectationsWereMet()) // no SQL should have been issued
}

func TestSetPypiSerialClassifiesIntegrityViolation(t *testing.T) {
	p, mock := newMockStore(t)

	mock.ExpectExec(`SELECT piwheels_api\.set_pypi_serial\(\$1\)`).
		WithArgs(int64(5)).
		WillReturnError(&pq.Error{Code: "P0001", Message: "pypi_serial must not decrease"})

	err := p.SetPypiSerial(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDBIntegrity))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPendingQueueParsesRows(t *testing.T) {
	p, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"abi", "package", "version", "position"}).
		AddRow("cp311", "numpy", "1.26.0", 1).
		AddRow("cp311", "scipy", "1.11.0", 2)
	mock.ExpectQuery(`SELECT abi, package, version, position FROM piwheels_api\.get_pending_queue\(\$1\)`).
		WithArgs(10).
		WillReturnRows(rows)

	entries, err := p.GetPendingQueue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "numpy", entries[0].Package)
	assert.Equal(t, 2, entries[1].Position)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteBuildNotFound(t *testing.T) {
	p, mock := newMockStore(t)

	result := sqlmock.NewResult(0, 0)
	mock.ExpectExec(`SELECT piwheels_api\.delete_build\(\$1\)`).
		WithArgs(int64(42)).
		WillReturnResult(result)

	err := p.DeleteBuild(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListPackagesParsesRows(t *testing.T) {
	p, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"name", "skip_reason", "description"}).
		AddRow("numpy", "", "NumPy array library").
		AddRow("broken-pkg", "upstream build broken", "")
	mock.ExpectQuery(`SELECT name, skip_reason, description FROM piwheels_api\.list_packages\(\)`).
		WillReturnRows(rows)

	pkgs, err := p.ListPackages(context.Background())
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	assert.Equal(t, "numpy", pkgs[0].Name)
	assert.True(t, pkgs[0].Active())
	assert.False(t, pkgs[1].Active())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRegisterABIRejectsReservedNone(t *testing.T) {
	p, mock := newMockStore(t)

	err := p.RegisterABI(context.Background(), model.NoneABI, "sentinel")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindDBIntegrity))
	assert.NoError(t, mock.ExpectationsWereMet())
}
