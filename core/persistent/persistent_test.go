package persistent

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"go.uber.org/zap/zaptest"
)

func createObjectFile(t *testing.T, dir string, o Object) string {
	t.Helper()
	path := filepath.Join(dir, o.Path())
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("data"), 0644))
	return path
}

// TestSerializeRoundTrip checks the encoded length and that trailing bytes are left alone.
func TestSerializeRoundTrip(t *testing.T) {
	objects := []Object{
		{Action: DropOnAbort, Tablespace: 1663, Database: 5, RelFileNode: 16384},
		{Action: DropOnCommit, Tablespace: 1663, Database: 5, RelFileNode: 16390, Segment: 2},
	}
	data, err := Serialize(objects)
	require.NoError(t, err)
	require.Len(t, data, SerializedLen(2))

	got, n, err := Deserialize(append(data, 0xAA, 0xBB), 2)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, objects, got)

	assert.Equal(t, 1, ObjectCount(got, DropOnAbort))
	assert.Equal(t, 1, ObjectCount(got, DropOnCommit))
	assert.Equal(t, filepath.Join("base", "1663", "5", "16390.2"), got[1].Path())
}

// TestDeserializeErrors rejects short input and unknown actions.
func TestDeserializeErrors(t *testing.T) {
	_, _, err := Deserialize([]byte{1, 2, 3}, 1)
	require.ErrorIs(t, err, ErrTruncated)

	bad := make([]byte, SerializedLen(1))
	bad[0] = 9
	_, _, err = Deserialize(bad, 1)
	require.ErrorIs(t, err, ErrInvalidAction)

	_, err = Serialize([]Object{{Action: 0}})
	require.ErrorIs(t, err, ErrInvalidAction)
}

// TestEndXactAction removes only the files the outcome makes obsolete.
func TestEndXactAction(t *testing.T) {
	dir := t.TempDir()
	created := Object{Action: DropOnAbort, Tablespace: 1663, Database: 1, RelFileNode: 100}
	dropped := Object{Action: DropOnCommit, Tablespace: 1663, Database: 1, RelFileNode: 200}

	tests := []struct {
		name        string
		commit      bool
		wantRemoved string
		wantKept    string
	}{
		{name: "commit", commit: true, wantRemoved: "dropped", wantKept: "created"},
		{name: "abort", commit: false, wantRemoved: "created", wantKept: "dropped"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			paths := map[string]string{
				"created": createObjectFile(t, dir, created),
				"dropped": createObjectFile(t, dir, dropped),
			}
			m := NewManager(FileDropper{Dir: dir}, zaptest.NewLogger(t))
			m.Schedule(42, created)
			m.Schedule(42, dropped)
			require.Len(t, m.Pending(42), 2)

			require.NoError(t, m.EndXactAction(42, m.Pending(42), tc.commit, 1))
			assert.NoFileExists(t, paths[tc.wantRemoved])
			assert.FileExists(t, paths[tc.wantKept])
			assert.Empty(t, m.Pending(42))

			// Repeating the action, as redo does, is harmless.
			require.NoError(t, m.EndXactAction(42, []Object{created, dropped}, tc.commit, 0))
		})
	}
}

type resolveCall struct {
	xid     txid.TxID
	intents int
	commit  bool
}

type recordingResolver struct {
	calls []resolveCall
	err   error
}

func (r *recordingResolver) ResolveAppendOnly(xid txid.TxID, intents int, commit bool) error {
	r.calls = append(r.calls, resolveCall{xid, intents, commit})
	return r.err
}

// TestEndXactAction_AppendOnlyIntents hands the intent count to the resolver and tallies
// it by outcome.
func TestEndXactAction_AppendOnlyIntents(t *testing.T) {
	r := &recordingResolver{}
	m := NewManager(FileDropper{Dir: t.TempDir()}, zaptest.NewLogger(t), WithAppendOnlyResolver(r))

	require.NoError(t, m.EndXactAction(7, nil, true, 3))
	require.NoError(t, m.EndXactAction(8, nil, false, 2))
	require.NoError(t, m.EndXactAction(9, nil, true, 0))
	assert.Equal(t, []resolveCall{{7, 3, true}, {8, 2, false}}, r.calls)
	assert.Equal(t, AppendOnlyStats{Committed: 3, Aborted: 2}, m.AppendOnlyStats())

	r.err = errors.New("segment file busy")
	err := m.EndXactAction(10, nil, true, 1)
	require.ErrorIs(t, err, r.err)
	assert.Equal(t, AppendOnlyStats{Committed: 3, Aborted: 2}, m.AppendOnlyStats())
}
