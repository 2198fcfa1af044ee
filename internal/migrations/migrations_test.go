package migrations

import (
	"testing"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedFixturesParseAsAMigrationSource(t *testing.T) {
	src, err := iofs.New(fixtures, "fixtures")
	require.NoError(t, err)
	defer src.Close()

	version, err := src.First()
	require.NoError(t, err)
	assert.EqualValues(t, 1, version)

	up, identifier, err := src.ReadUp(version)
	require.NoError(t, err)
	defer up.Close()
	assert.Contains(t, identifier, "init_schema")

	down, _, err := src.ReadDown(version)
	require.NoError(t, err)
	defer down.Close()
}
