package universe

import (
	"database/sql"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

var testDBCounter int

// newTestDB opens a uniquely named shared in-memory database for one test.
func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	testDBCounter++
	dsn := fmt.Sprintf("file:universe_test_%d?mode=memory&cache=shared", testDBCounter)
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return db
}
