package auditlog

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T, maxLen int) *SQLiteLogger {
	t.Helper()

	l, err := NewSQLiteLogger(SQLiteLoggerConfig{
		DataDir:       t.TempDir(),
		MaxLenPerSide: maxLen,
		RetentionDays: -1,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLiteStoreAndDelete(t *testing.T) {
	l := newTestLogger(t, 10)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Store(DataEvent{
			Type:       DataReceived,
			ObjectType: ObjectTypeWSX,
			ObjectID:   "ws.abc",
			Data:       fmt.Sprintf(`{"n":%d}`, i),
			Timestamp:  time.Now().UTC(),
			MsgID:      fmt.Sprintf("cid-%d", i),
		}))
	}
	require.NoError(t, l.Store(DataEvent{
		Type:       DataSent,
		ObjectType: ObjectTypeWSX,
		ObjectID:   "ws.other",
		Data:       `{}`,
	}))

	n, err := l.Count(ObjectTypeWSX, "ws.abc")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, l.DeleteContainer(ObjectTypeWSX, "ws.abc"))

	n, err = l.Count(ObjectTypeWSX, "ws.abc")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Other containers are untouched
	n, err = l.Count(ObjectTypeWSX, "ws.other")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteContainerCap(t *testing.T) {
	l := newTestLogger(t, 5)

	for i := 0; i < 20; i++ {
		require.NoError(t, l.Store(DataEvent{
			Type:       DataReceived,
			ObjectType: ObjectTypeWSX,
			ObjectID:   "ws.capped",
			Data:       fmt.Sprintf("%d", i),
		}))
	}
	// A different direction has its own cap
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Store(DataEvent{
			Type:       DataSent,
			ObjectType: ObjectTypeWSX,
			ObjectID:   "ws.capped",
			Data:       fmt.Sprintf("%d", i),
		}))
	}

	n, err := l.Count(ObjectTypeWSX, "ws.capped")
	require.NoError(t, err)
	assert.Equal(t, 5+3, n)
}

func TestSQLiteDeleteContainerIsIdempotent(t *testing.T) {
	l := newTestLogger(t, 5)

	require.NoError(t, l.DeleteContainer(ObjectTypeWSX, "ws.missing"))
	require.NoError(t, l.DeleteContainer(ObjectTypeWSX, "ws.missing"))
}
