package database

import (
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm/schema"
)

// tableBody returns the column block of one CREATE TABLE statement.
func tableBody(t *testing.T, sql, table string) string {
	t.Helper()
	re := regexp.MustCompile(`(?s)CREATE TABLE IF NOT EXISTS ` + table + ` \((.*?)\n\);`)
	m := re.FindStringSubmatch(sql)
	require.NotNil(t, m, "no CREATE TABLE for %s", table)
	return m[1]
}

func TestMigrationsCoverModels(t *testing.T) {
	up, err := migrationFiles.ReadFile("migrations/000001_init.up.sql")
	require.NoError(t, err)
	down, err := migrationFiles.ReadFile("migrations/000001_init.down.sql")
	require.NoError(t, err)

	cache := &sync.Map{}
	for _, model := range Models() {
		s, err := schema.Parse(model, cache, schema.NamingStrategy{})
		require.NoError(t, err)

		body := tableBody(t, string(up), s.Table)
		for _, col := range s.DBNames {
			require.Regexp(t, `(?m)^\s+`+col+`\s`, body, "%s.%s missing from migration", s.Table, col)
		}
		require.Contains(t, string(down), "DROP TABLE IF EXISTS "+s.Table+";")
	}
}

func TestMigrationsDropInReverseOrder(t *testing.T) {
	down, err := migrationFiles.ReadFile("migrations/000001_init.down.sql")
	require.NoError(t, err)
	drops := strings.Split(strings.TrimSpace(string(down)), "\n")

	cache := &sync.Map{}
	models := Models()
	require.Len(t, drops, len(models))
	for i, model := range models {
		s, err := schema.Parse(model, cache, schema.NamingStrategy{})
		require.NoError(t, err)
		require.Equal(t, "DROP TABLE IF EXISTS "+s.Table+";", drops[len(drops)-1-i])
	}
}
