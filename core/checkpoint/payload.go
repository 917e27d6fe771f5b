package checkpoint

import (
	"errors"
	"fmt"

	"github.com/sushant-115/gxactdb/core/transaction/txid"
	"github.com/sushant-115/gxactdb/core/write_engine/wal"
	"google.golang.org/protobuf/encoding/protowire"
)

var ErrBadPayload = errors.New("malformed checkpoint payload")

// PreparedXact is one prepared transaction carried by a checkpoint record: its xid and
// the LSN where its PREPARE record begins.
type PreparedXact struct {
	Xid      txid.TxID
	BeginLSN wal.LSN
}

// Payload is the body of a checkpoint WAL record.
type Payload struct {
	Redo     wal.LSN
	NextXid  txid.TxID
	Prepared []PreparedXact
}

const (
	fieldRedo     protowire.Number = 1
	fieldNextXid  protowire.Number = 2
	fieldPrepared protowire.Number = 3

	fieldPreparedXid protowire.Number = 1
	fieldPreparedLSN protowire.Number = 2
)

// Marshal encodes p in protobuf wire format.
func (p *Payload) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRedo, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.Redo))
	b = protowire.AppendTag(b, fieldNextXid, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.NextXid))
	for _, px := range p.Prepared {
		var m []byte
		m = protowire.AppendTag(m, fieldPreparedXid, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(px.Xid))
		m = protowire.AppendTag(m, fieldPreparedLSN, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(px.BeginLSN))
		b = protowire.AppendTag(b, fieldPrepared, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}
	return b
}

// Unmarshal decodes a payload written by Marshal. Unknown fields are skipped.
func (p *Payload) Unmarshal(b []byte) error {
	*p = Payload{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldRedo && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: redo: %v", ErrBadPayload, protowire.ParseError(n))
			}
			p.Redo = wal.LSN(v)
			b = b[n:]
		case num == fieldNextXid && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: next xid: %v", ErrBadPayload, protowire.ParseError(n))
			}
			p.NextXid = txid.TxID(v)
			b = b[n:]
		case num == fieldPrepared && typ == protowire.BytesType:
			m, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: prepared entry: %v", ErrBadPayload, protowire.ParseError(n))
			}
			px, err := unmarshalPrepared(m)
			if err != nil {
				return err
			}
			p.Prepared = append(p.Prepared, px)
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", ErrBadPayload, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

func unmarshalPrepared(b []byte) (PreparedXact, error) {
	var px PreparedXact
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return px, fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return px, fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return px, fmt.Errorf("%w: %v", ErrBadPayload, protowire.ParseError(n))
		}
		switch num {
		case fieldPreparedXid:
			px.Xid = txid.TxID(v)
		case fieldPreparedLSN:
			px.BeginLSN = wal.LSN(v)
		}
		b = b[n:]
	}
	return px, nil
}
