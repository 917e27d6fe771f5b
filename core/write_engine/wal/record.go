package wal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

// LSN is a byte position in the log. Segment headers occupy LSN space too, so no record
// ever starts at InvalidLSN.
type LSN uint64

const InvalidLSN LSN = 0

// LogRecordType defines the kind of record.
type LogRecordType byte

const (
	LogRecordTypeCheckpoint         LogRecordType = iota + 1 // Checkpoint with the prepared transaction list
	LogRecordTypeXactPrepare                                 // PREPARE TRANSACTION
	LogRecordTypeXactCommitPrepared                          // COMMIT PREPARED
	LogRecordTypeXactAbortPrepared                           // ROLLBACK PREPARED
)

func (t LogRecordType) String() string {
	switch t {
	case LogRecordTypeCheckpoint:
		return "CHECKPOINT"
	case LogRecordTypeXactPrepare:
		return "PREPARE"
	case LogRecordTypeXactCommitPrepared:
		return "COMMIT_PREPARED"
	case LogRecordTypeXactAbortPrepared:
		return "ABORT_PREPARED"
	default:
		return fmt.Sprintf("LogRecordType(%d)", byte(t))
	}
}

// recordHeaderSize is totalLen(4) + crc(4) + lsn(8) + xid(4) + type(1) + pad(3).
const recordHeaderSize = 24

// LogRecord represents a single entry in the Write-Ahead Log.
type LogRecord struct {
	LSN  LSN
	Xid  txid.TxID
	Type LogRecordType
	Data []byte
}

// Size returns the serialized size of the record.
func (lr *LogRecord) Size() int {
	return recordHeaderSize + len(lr.Data)
}

// EndLSN returns the position just after the record.
func (lr *LogRecord) EndLSN() LSN {
	return lr.LSN + LSN(lr.Size())
}

// Serialize converts a LogRecord into a byte slice. The CRC covers every byte after the
// CRC field.
func (lr *LogRecord) Serialize() ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, lr.Size()))

	if err := binary.Write(buf, binary.LittleEndian, uint32(lr.Size())); err != nil {
		return nil, fmt.Errorf("failed to serialize record length: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(0)); err != nil {
		return nil, fmt.Errorf("failed to serialize CRC placeholder: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint64(lr.LSN)); err != nil {
		return nil, fmt.Errorf("failed to serialize LSN: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, uint32(lr.Xid)); err != nil {
		return nil, fmt.Errorf("failed to serialize Xid: %w", err)
	}
	if err := buf.WriteByte(byte(lr.Type)); err != nil {
		return nil, fmt.Errorf("failed to serialize Type: %w", err)
	}
	buf.Write([]byte{0, 0, 0})
	buf.Write(lr.Data)

	out := buf.Bytes()
	binary.LittleEndian.PutUint32(out[4:8], crc32.ChecksumIEEE(out[8:]))
	return out, nil
}

// Deserialize reads a byte slice produced by Serialize into lr.
func (lr *LogRecord) Deserialize(data []byte) error {
	if len(data) < recordHeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than the record header", ErrInvalidRecord, len(data))
	}
	total := binary.LittleEndian.Uint32(data[0:4])
	if int(total) != len(data) {
		return fmt.Errorf("%w: length field %d does not match %d bytes", ErrInvalidRecord, total, len(data))
	}
	if crc := binary.LittleEndian.Uint32(data[4:8]); crc != crc32.ChecksumIEEE(data[8:]) {
		return ErrChecksumMismatch
	}
	lr.LSN = LSN(binary.LittleEndian.Uint64(data[8:16]))
	lr.Xid = txid.TxID(binary.LittleEndian.Uint32(data[16:20]))
	lr.Type = LogRecordType(data[20])
	lr.Data = append([]byte(nil), data[recordHeaderSize:]...)
	return nil
}

// recordLength peeks at the length field of a serialized header.
func recordLength(header []byte) int {
	return int(binary.LittleEndian.Uint32(header[0:4]))
}
