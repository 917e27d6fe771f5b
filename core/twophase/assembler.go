package twophase

import "encoding/binary"

const (
	// MaxAlign is the alignment every appended chunk is padded to.
	MaxAlign = 8

	minBlockSize = 512

	subRecordHeaderSize = 7
)

func maxAlign(n int) int {
	return (n + MaxAlign - 1) &^ (MaxAlign - 1)
}

// RecordAssembler builds a PREPARE record as a chain of buffers of at least 512 bytes.
// Every chunk is padded to MaxAlign so a reader can walk the record in place. A
// RecordAssembler belongs to a single session.
type RecordAssembler struct {
	blocks [][]byte
	total  int
}

// Begin resets the assembler and allocates the head block.
func (a *RecordAssembler) Begin() {
	a.blocks = [][]byte{make([]byte, 0, max(maxAlign(prepareHeaderSize), minBlockSize))}
	a.total = 0
}

// Append copies data into the chain, padded to MaxAlign.
func (a *RecordAssembler) Append(data []byte) {
	padlen := maxAlign(len(data))
	tail := a.blocks[len(a.blocks)-1]
	if padlen > cap(tail)-len(tail) {
		tail = make([]byte, 0, max(padlen, minBlockSize))
		a.blocks = append(a.blocks, tail)
	}
	start := len(tail)
	tail = tail[:start+padlen]
	n := copy(tail[start:], data)
	clear(tail[start+n:])
	a.blocks[len(a.blocks)-1] = tail
	a.total += padlen
}

// RegisterSubRecord appends a resource manager record: a {len u32, rmid u8, info u16}
// header followed by data.
func (a *RecordAssembler) RegisterSubRecord(rmid RmgrID, info uint16, data []byte) {
	var hdr [subRecordHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(data)))
	hdr[4] = byte(rmid)
	binary.LittleEndian.PutUint16(hdr[5:7], info)
	a.Append(hdr[:])
	if len(data) > 0 {
		a.Append(data)
	}
}

// TotalLen returns the number of bytes appended so far, padding included.
func (a *RecordAssembler) TotalLen() int {
	return a.total
}

// End returns the chain and its length and resets the assembler.
func (a *RecordAssembler) End() ([][]byte, int) {
	chain, total := a.blocks, a.total
	a.blocks = nil
	a.total = 0
	return chain, total
}

// Flatten concatenates a chain into one slice with room for extra trailing bytes.
func Flatten(chain [][]byte, extra int) []byte {
	n := 0
	for _, b := range chain {
		n += len(b)
	}
	out := make([]byte, 0, n+extra)
	for _, b := range chain {
		out = append(out, b...)
	}
	return out
}
