package db

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestGetMigrationFiles verifies the embedded migrations are discovered
// in order.
func TestGetMigrationFiles(t *testing.T) {
	m := &Migrator{}

	files, err := m.getMigrationFiles()
	require.NoError(t, err)
	require.NotEmpty(t, files)
	assert.Equal(t, "001_initial_schema.sql", files[0])
	assert.IsIncreasing(t, files)
}

// TestCalculateChecksum verifies checksums are stable and content
// sensitive.
func TestCalculateChecksum(t *testing.T) {
	m := &Migrator{}

	a := m.calculateChecksum("CREATE TABLE t (id INT)")
	b := m.calculateChecksum("CREATE TABLE t (id INT)")
	c := m.calculateChecksum("CREATE TABLE t (id BIGINT)")

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
