package sqlite

import (
	"fmt"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// setupTestDB creates a named shared in-memory database so that the writer
// and reader pools see the same data. The name keeps parallel tests isolated.
func setupTestDB(t *testing.T) *Store {
	t.Helper()

	dsn := fmt.Sprintf(
		"file:%s?mode=memory&cache=shared&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)",
		url.PathEscape(t.Name()),
	)
	db, err := openDSN(dsn)
	require.NoError(t, err)
	require.NoError(t, RunMigrations(db.Writer))
	t.Cleanup(func() { _ = db.Close() })

	s := New(db)
	base := time.Date(2026, 1, 15, 10, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	s.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Millisecond)
	}
	return s
}
