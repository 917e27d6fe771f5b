package twophase

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"time"

	"github.com/sushant-115/gxactdb/core/persistent"
	"github.com/sushant-115/gxactdb/core/transaction/txid"
)

const (
	prepareMagic      uint32 = 0x57F94531
	prepareHeaderSize        = 34 + GidSize
	crcSize                  = 4

	commitPreparedHeaderSize = 32
	abortPreparedHeaderSize  = 24
)

// PrepareHeader is the fixed header of a PREPARE record.
type PrepareHeader struct {
	Magic                 uint32
	TotalLen              uint32
	Xid                   txid.TxID
	DatabaseID            uint32
	PreparedAt            time.Time
	Owner                 uint32
	NSubxacts             int32
	PersistentObjectCount int16
	Gid                   string
}

func (h *PrepareHeader) encode() []byte {
	buf := make([]byte, prepareHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:], h.TotalLen)
	binary.LittleEndian.PutUint32(buf[8:], uint32(h.Xid))
	binary.LittleEndian.PutUint32(buf[12:], h.DatabaseID)
	binary.LittleEndian.PutUint64(buf[16:], uint64(h.PreparedAt.UnixMicro()))
	binary.LittleEndian.PutUint32(buf[24:], h.Owner)
	binary.LittleEndian.PutUint32(buf[28:], uint32(h.NSubxacts))
	binary.LittleEndian.PutUint16(buf[32:], uint16(h.PersistentObjectCount))
	copy(buf[34:], h.Gid)
	return buf
}

func decodePrepareHeader(buf []byte) (PrepareHeader, error) {
	if len(buf) < prepareHeaderSize {
		return PrepareHeader{}, fmt.Errorf("%w: record of %d bytes is shorter than its header", ErrCorruptRecord, len(buf))
	}
	h := PrepareHeader{
		Magic:                 binary.LittleEndian.Uint32(buf[0:]),
		TotalLen:              binary.LittleEndian.Uint32(buf[4:]),
		Xid:                   txid.TxID(binary.LittleEndian.Uint32(buf[8:])),
		DatabaseID:            binary.LittleEndian.Uint32(buf[12:]),
		PreparedAt:            time.UnixMicro(int64(binary.LittleEndian.Uint64(buf[16:]))),
		Owner:                 binary.LittleEndian.Uint32(buf[24:]),
		NSubxacts:             int32(binary.LittleEndian.Uint32(buf[28:])),
		PersistentObjectCount: int16(binary.LittleEndian.Uint16(buf[32:])),
	}
	gid := buf[34:prepareHeaderSize]
	if i := bytes.IndexByte(gid, 0); i >= 0 {
		gid = gid[:i]
	}
	h.Gid = string(gid)
	if h.Magic != prepareMagic {
		return h, fmt.Errorf("%w: bad magic %#x", ErrCorruptRecord, h.Magic)
	}
	if h.NSubxacts < 0 || h.PersistentObjectCount < 0 {
		return h, fmt.Errorf("%w: negative counts in header", ErrCorruptRecord)
	}
	return h, nil
}

// SubRecord is one resource manager record carried by a PREPARE record.
type SubRecord struct {
	Rmid RmgrID
	Info uint16
	Data []byte
}

// PrepareRecord is a decoded PREPARE record.
type PrepareRecord struct {
	Header     PrepareHeader
	Subxids    []txid.TxID
	Objects    []persistent.Object
	SubRecords []SubRecord
}

// ParsePrepareRecord decodes and verifies a PREPARE record as written by EndPrepare.
func ParsePrepareRecord(data []byte) (*PrepareRecord, error) {
	h, err := decodePrepareHeader(data)
	if err != nil {
		return nil, err
	}
	if int(h.TotalLen) != len(data) || len(data) < maxAlign(prepareHeaderSize)+crcSize {
		return nil, fmt.Errorf("%w: total_len %d does not match record size %d", ErrCorruptRecord, h.TotalLen, len(data))
	}
	body := data[:len(data)-crcSize]
	want := binary.LittleEndian.Uint32(data[len(data)-crcSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, fmt.Errorf("%w: checksum %#x, expected %#x", ErrCorruptRecord, got, want)
	}

	rec := &PrepareRecord{Header: h}
	off := maxAlign(prepareHeaderSize)

	if n := int(h.NSubxacts); n > 0 {
		size := n * 4
		if off+size > len(body) {
			return nil, fmt.Errorf("%w: subxact array overruns the record", ErrCorruptRecord)
		}
		rec.Subxids = make([]txid.TxID, n)
		for i := range rec.Subxids {
			rec.Subxids[i] = txid.TxID(binary.LittleEndian.Uint32(body[off+i*4:]))
		}
		off += maxAlign(size)
	}

	if n := int(h.PersistentObjectCount); n > 0 {
		if off > len(body) {
			return nil, fmt.Errorf("%w: persistent objects overrun the record", ErrCorruptRecord)
		}
		objects, consumed, err := persistent.Deserialize(body[off:], n)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		rec.Objects = objects
		off += maxAlign(consumed)
	}

	for {
		if off+subRecordHeaderSize > len(body) {
			return nil, fmt.Errorf("%w: sub-record stream is not terminated", ErrCorruptRecord)
		}
		length := int(binary.LittleEndian.Uint32(body[off:]))
		rmid := RmgrID(body[off+4])
		info := binary.LittleEndian.Uint16(body[off+5:])
		off += maxAlign(subRecordHeaderSize)
		if rmid == EndID {
			break
		}
		if rmid > EndID || off+length > len(body) {
			return nil, fmt.Errorf("%w: bad sub-record rmid %d len %d", ErrCorruptRecord, rmid, length)
		}
		rec.SubRecords = append(rec.SubRecords, SubRecord{
			Rmid: rmid,
			Info: info,
			Data: append([]byte(nil), body[off:off+length]...),
		})
		off += maxAlign(length)
	}
	return rec, nil
}

// sealPrepareRecord patches total_len into a flattened record and appends the CRC.
func sealPrepareRecord(data []byte) []byte {
	binary.LittleEndian.PutUint32(data[4:], uint32(len(data)+crcSize))
	return binary.LittleEndian.AppendUint32(data, crc32.ChecksumIEEE(data))
}

func encodeXids(xids []txid.TxID) []byte {
	buf := make([]byte, 0, len(xids)*4)
	for _, x := range xids {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(x))
	}
	return buf
}

// FinishRecord is a COMMIT PREPARED or ABORT PREPARED record.
type FinishRecord struct {
	Commit  bool
	Xid     txid.TxID
	Distrib DistribInfo // COMMIT PREPARED only
	Time    time.Time
	Objects []persistent.Object
	Subxids []txid.TxID
}

// Marshal encodes r. Its objects must all carry the action matching r.Commit.
func (r *FinishRecord) Marshal() ([]byte, error) {
	objects, err := persistent.Serialize(r.Objects)
	if err != nil {
		return nil, err
	}
	var buf []byte
	if r.Commit {
		buf = make([]byte, commitPreparedHeaderSize, commitPreparedHeaderSize+len(objects)+4*len(r.Subxids))
		binary.LittleEndian.PutUint32(buf[0:], uint32(r.Xid))
		binary.LittleEndian.PutUint32(buf[4:], r.Distrib.Timestamp)
		binary.LittleEndian.PutUint32(buf[8:], r.Distrib.Xid)
		binary.LittleEndian.PutUint64(buf[16:], uint64(r.Time.UnixMicro()))
		binary.LittleEndian.PutUint16(buf[24:], uint16(len(r.Objects)))
		binary.LittleEndian.PutUint32(buf[28:], uint32(len(r.Subxids)))
	} else {
		buf = make([]byte, abortPreparedHeaderSize, abortPreparedHeaderSize+len(objects)+4*len(r.Subxids))
		binary.LittleEndian.PutUint32(buf[0:], uint32(r.Xid))
		binary.LittleEndian.PutUint64(buf[8:], uint64(r.Time.UnixMicro()))
		binary.LittleEndian.PutUint16(buf[16:], uint16(len(r.Objects)))
		binary.LittleEndian.PutUint32(buf[20:], uint32(len(r.Subxids)))
	}
	buf = append(buf, objects...)
	return append(buf, encodeXids(r.Subxids)...), nil
}

// ParseFinishRecord decodes a COMMIT PREPARED (commit is true) or ABORT PREPARED record.
func ParseFinishRecord(data []byte, commit bool) (*FinishRecord, error) {
	r := &FinishRecord{Commit: commit}
	var nobjects, nsub, off int
	if commit {
		if len(data) < commitPreparedHeaderSize {
			return nil, fmt.Errorf("%w: commit prepared record of %d bytes", ErrCorruptRecord, len(data))
		}
		r.Xid = txid.TxID(binary.LittleEndian.Uint32(data[0:]))
		r.Distrib.Timestamp = binary.LittleEndian.Uint32(data[4:])
		r.Distrib.Xid = binary.LittleEndian.Uint32(data[8:])
		r.Time = time.UnixMicro(int64(binary.LittleEndian.Uint64(data[16:])))
		nobjects = int(int16(binary.LittleEndian.Uint16(data[24:])))
		nsub = int(int32(binary.LittleEndian.Uint32(data[28:])))
		off = commitPreparedHeaderSize
	} else {
		if len(data) < abortPreparedHeaderSize {
			return nil, fmt.Errorf("%w: abort prepared record of %d bytes", ErrCorruptRecord, len(data))
		}
		r.Xid = txid.TxID(binary.LittleEndian.Uint32(data[0:]))
		r.Time = time.UnixMicro(int64(binary.LittleEndian.Uint64(data[8:])))
		nobjects = int(int16(binary.LittleEndian.Uint16(data[16:])))
		nsub = int(int32(binary.LittleEndian.Uint32(data[20:])))
		off = abortPreparedHeaderSize
	}
	if nobjects < 0 || nsub < 0 {
		return nil, fmt.Errorf("%w: negative counts", ErrCorruptRecord)
	}
	if nobjects > 0 {
		objects, consumed, err := persistent.Deserialize(data[off:], nobjects)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorruptRecord, err)
		}
		r.Objects = objects
		off += consumed
	}
	if off+4*nsub > len(data) {
		return nil, fmt.Errorf("%w: subxact array overruns the record", ErrCorruptRecord)
	}
	if nsub > 0 {
		r.Subxids = make([]txid.TxID, nsub)
		for i := range r.Subxids {
			r.Subxids[i] = txid.TxID(binary.LittleEndian.Uint32(data[off+4*i:]))
		}
	}
	return r, nil
}
