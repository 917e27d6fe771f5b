package twophase

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/sushant-115/gxactdb/core/persistent"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

func buildPrepareRecord(t *testing.T, hdr PrepareHeader, subxids []txid.TxID, objects []persistent.Object, subs []SubRecord) []byte {
	t.Helper()
	hdr.Magic = prepareMagic
	hdr.NSubxacts = int32(len(subxids))
	hdr.PersistentObjectCount = int16(len(objects))

	var a RecordAssembler
	a.Begin()
	a.Append(hdr.encode())
	if len(subxids) > 0 {
		a.Append(encodeXids(subxids))
	}
	if len(objects) > 0 {
		encoded, err := persistent.Serialize(objects)
		require.NoError(t, err)
		a.Append(encoded)
	}
	for _, s := range subs {
		a.RegisterSubRecord(s.Rmid, s.Info, s.Data)
	}
	a.RegisterSubRecord(EndID, 0, nil)
	chain, _ := a.End()
	return sealPrepareRecord(Flatten(chain, crcSize))
}

// TestParsePrepareRecord decodes a record with every optional section present.
func TestParsePrepareRecord(t *testing.T) {
	preparedAt := time.UnixMicro(1_700_000_000_123_456)
	subxids := []txid.TxID{1001, 1002}
	objects := []persistent.Object{
		{Action: persistent.DropOnAbort, Tablespace: 1663, Database: 1, RelFileNode: 16384},
		{Action: persistent.DropOnCommit, Tablespace: 1663, Database: 1, RelFileNode: 16390, Segment: 2},
	}
	subs := []SubRecord{{Rmid: 1, Info: 7, Data: []byte("lock")}, {Rmid: 2, Info: 0, Data: []byte{}}}
	data := buildPrepareRecord(t, PrepareHeader{
		Xid: 1000, DatabaseID: 1, PreparedAt: preparedAt, Owner: 10, Gid: "T1",
	}, subxids, objects, subs)

	require.Zero(t, (len(data)-crcSize)%MaxAlign, "body is aligned")
	rec, err := ParsePrepareRecord(data)
	require.NoError(t, err)
	assert.Equal(t, uint32(len(data)), rec.Header.TotalLen)
	assert.Equal(t, txid.TxID(1000), rec.Header.Xid)
	assert.Equal(t, "T1", rec.Header.Gid)
	assert.True(t, preparedAt.Equal(rec.Header.PreparedAt))
	assert.Equal(t, uint32(10), rec.Header.Owner)
	assert.Equal(t, subxids, rec.Subxids)
	assert.Equal(t, objects, rec.Objects)
	require.Len(t, rec.SubRecords, 2)
	assert.Equal(t, SubRecord{Rmid: 1, Info: 7, Data: []byte("lock")}, rec.SubRecords[0])
	assert.Empty(t, rec.SubRecords[1].Data)
}

// TestParsePrepareRecord_Corruption verifies that damaged records are refused.
func TestParsePrepareRecord_Corruption(t *testing.T) {
	good := buildPrepareRecord(t, PrepareHeader{Xid: 1000, Gid: "T1"}, nil, nil, nil)

	cases := map[string]func([]byte) []byte{
		"flipped byte": func(b []byte) []byte { b[40] ^= 0xFF; return b },
		"bad magic":    func(b []byte) []byte { binary.LittleEndian.PutUint32(b, 0xDEADBEEF); return b },
		"truncated":    func(b []byte) []byte { return b[:len(b)-8] },
		"short":        func(b []byte) []byte { return b[:20] },
	}
	for name, damage := range cases {
		t.Run(name, func(t *testing.T) {
			data := damage(append([]byte(nil), good...))
			_, err := ParsePrepareRecord(data)
			require.ErrorIs(t, err, ErrCorruptRecord)
		})
	}
}

// TestFinishRecord covers both finish record layouts.
func TestFinishRecord(t *testing.T) {
	at := time.UnixMicro(1_700_000_000_000_001)
	objects := []persistent.Object{{Action: persistent.DropOnCommit, Tablespace: 1, Database: 2, RelFileNode: 3}}

	commit := &FinishRecord{Commit: true, Xid: 1000, Distrib: DistribInfo{Timestamp: 77, Xid: 12}, Time: at, Objects: objects, Subxids: []txid.TxID{1001, 1002}}
	data, err := commit.Marshal()
	require.NoError(t, err)
	got, err := ParseFinishRecord(data, true)
	require.NoError(t, err)
	assert.Equal(t, commit.Xid, got.Xid)
	assert.Equal(t, commit.Distrib, got.Distrib)
	assert.True(t, at.Equal(got.Time))
	assert.Equal(t, objects, got.Objects)
	assert.Equal(t, commit.Subxids, got.Subxids)

	abort := &FinishRecord{Xid: 2000, Time: at}
	data, err = abort.Marshal()
	require.NoError(t, err)
	require.Len(t, data, abortPreparedHeaderSize)
	got, err = ParseFinishRecord(data, false)
	require.NoError(t, err)
	assert.Equal(t, txid.TxID(2000), got.Xid)
	assert.Empty(t, got.Subxids)

	_, err = ParseFinishRecord(data[:10], false)
	require.ErrorIs(t, err, ErrCorruptRecord)
}

// TestCrackGid parses distributed gids and rejects local ones.
func TestCrackGid(t *testing.T) {
	tests := []struct {
		gid  string
		want DistribInfo
		ok   bool
	}{
		{"1700000000-42", DistribInfo{Timestamp: 1700000000, Xid: 42}, true},
		{"0-0", DistribInfo{}, true},
		{"T1", DistribInfo{}, false},
		{"12-x", DistribInfo{}, false},
		{"99999999999-1", DistribInfo{}, false},
	}
	for _, tt := range tests {
		got, ok := CrackGid(tt.gid)
		assert.Equal(t, tt.ok, ok, tt.gid)
		assert.Equal(t, tt.want, got, tt.gid)
	}
	assert.Equal(t, "5-6", DistribInfo{Timestamp: 5, Xid: 6}.String())
}
