package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/piwheels/master/internal/migrations"
	"github.com/piwheels/master/internal/model"
)

// integrationDSN returns the database to run these tests against, or
// skips the test. They exercise get_pending_queue's real SQL rather
// than a canned sqlmock row set, since the queue semantics live in the
// stored procedure itself, not in Go.
func integrationDSN(t *testing.T) string {
	t.Helper()
	dsn := os.Getenv("PIWHEELS_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("PIWHEELS_TEST_DATABASE_DSN not set, skipping integration test")
	}
	return dsn
}

// freshIntegrationStore resets the schema to empty and opens a new
// handle onto it, giving each scenario a database to itself so
// get_pending_queue's row-numbered positions are deterministic.
func freshIntegrationStore(t *testing.T) *Postgres {
	t.Helper()
	dsn := integrationDSN(t)
	require.NoError(t, migrations.Reset(dsn))

	p, err := Open(dsn, 4, time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

var releasedAt = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// TestGetPendingQueueScenarios runs spec §8's four end-to-end queue
// scenarios literally against a real schema.
func TestGetPendingQueueScenarios(t *testing.T) {
	t.Run("fresh queue returns only the smallest unsatisfied ABI", func(t *testing.T) {
		ctx := context.Background()
		p := freshIntegrationStore(t)
		require.NoError(t, p.RegisterABI(ctx, "a1", ""))
		require.NoError(t, p.RegisterABI(ctx, "a2", ""))
		require.NoError(t, p.AddPackage(ctx, "p"))
		require.NoError(t, p.AddVersion(ctx, "p", "1.0", releasedAt))

		entries, err := p.GetPendingQueue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []model.PendingEntry{{ABI: "a1", Package: "p", Version: "1.0", Position: 1}}, entries)
	})

	t.Run("a none-tagged file satisfies every ABI", func(t *testing.T) {
		ctx := context.Background()
		p := freshIntegrationStore(t)
		require.NoError(t, p.RegisterABI(ctx, "a1", ""))
		require.NoError(t, p.RegisterABI(ctx, "a2", ""))
		require.NoError(t, p.AddPackage(ctx, "p"))
		require.NoError(t, p.AddVersion(ctx, "p", "1.0", releasedAt))

		_, err := p.LogBuildSuccess(ctx, model.Build{
			Package: "p", Version: "1.0", ABI: "a1", SlaveID: "slave-1", StartedAt: time.Now(),
		}, []model.BuildFile{{
			Filename: "p-1.0-none.whl", Size: 1, SHA256: "deadbeef",
			PackageTag: "p", VersionTag: "1.0", InterpreterTag: "py3", ABITag: "none", PlatformTag: "linux_x86_64",
		}}, nil)
		require.NoError(t, err)

		entries, err := p.GetPendingQueue(ctx, 10)
		require.NoError(t, err)
		require.Empty(t, entries)
	})

	t.Run("an ABI-specific file leaves the other ABI pending", func(t *testing.T) {
		ctx := context.Background()
		p := freshIntegrationStore(t)
		require.NoError(t, p.RegisterABI(ctx, "a1", ""))
		require.NoError(t, p.RegisterABI(ctx, "a2", ""))
		require.NoError(t, p.AddPackage(ctx, "p"))
		require.NoError(t, p.AddVersion(ctx, "p", "1.0", releasedAt))

		_, err := p.LogBuildSuccess(ctx, model.Build{
			Package: "p", Version: "1.0", ABI: "a1", SlaveID: "slave-1", StartedAt: time.Now(),
		}, []model.BuildFile{{
			Filename: "p-1.0-a1.whl", Size: 1, SHA256: "deadbeef",
			PackageTag: "p", VersionTag: "1.0", InterpreterTag: "py3", ABITag: "a1", PlatformTag: "linux_x86_64",
		}}, nil)
		require.NoError(t, err)

		entries, err := p.GetPendingQueue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []model.PendingEntry{{ABI: "a2", Package: "p", Version: "1.0", Position: 1}}, entries)
	})

	t.Run("a failure settles its ABI without requeuing, leaving the other pending", func(t *testing.T) {
		ctx := context.Background()
		p := freshIntegrationStore(t)
		require.NoError(t, p.RegisterABI(ctx, "a1", ""))
		require.NoError(t, p.RegisterABI(ctx, "a2", ""))
		require.NoError(t, p.AddPackage(ctx, "p"))
		require.NoError(t, p.AddVersion(ctx, "p", "1.0", releasedAt))

		_, err := p.LogBuildFailure(ctx, model.Build{
			Package: "p", Version: "1.0", ABI: "a1", SlaveID: "slave-1", StartedAt: time.Now(), Log: "boom",
		})
		require.NoError(t, err)

		entries, err := p.GetPendingQueue(ctx, 10)
		require.NoError(t, err)
		require.Equal(t, []model.PendingEntry{{ABI: "a2", Package: "p", Version: "1.0", Position: 1}}, entries)
	})
}
