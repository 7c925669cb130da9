package testimony

import (
	"encoding/binary"
	"errors"
	"time"
)

// ErrNotV3Block is returned by Iterator.Reset when the given block is not
// a tpacket_v3 block (the version field at its head is not 3).
var ErrNotV3Block = errors.New("testimony: block is not a valid tpacket_v3 block")

// tpacket_block_desc layout, mirrored from internal/capture/header.go:
// version (4 bytes) at offset 0, then the tpacket_hdr_v1 at offset 8.
const (
	offBlockVersion     = 0
	blockDescHdrOffset  = 8
	offNumPkts          = blockDescHdrOffset + 4
	offOffsetToFirstPkt = blockDescHdrOffset + 8
)

const v3BlockVersion = 3

// Packet is one captured frame extracted from a block by an Iterator.
type Packet struct {
	Data      []byte
	CapLen    uint32
	Len       uint32
	Timestamp time.Time
}

// Iterator walks the packet records of one tpacket_v3 block in order,
// mirroring the original C testimony_iter API.
type Iterator struct {
	block     []byte
	next      uint32
	remaining uint32
}

// NewIterator returns an unattached Iterator. Call Reset before Next.
func NewIterator() *Iterator {
	return &Iterator{}
}

// Reset attaches the iterator to block, starting from its first packet
// record. Returns ErrNotV3Block if block is not a tpacket_v3 block.
func (it *Iterator) Reset(block []byte) error {
	if len(block) < offOffsetToFirstPkt+4 {
		return ErrNotV3Block
	}
	if binary.LittleEndian.Uint32(block[offBlockVersion:]) != v3BlockVersion {
		return ErrNotV3Block
	}

	it.block = block
	it.remaining = binary.LittleEndian.Uint32(block[offNumPkts:])
	it.next = binary.LittleEndian.Uint32(block[offOffsetToFirstPkt:])
	return nil
}

// Next returns the next packet in the block, or ok=false once every
// packet has been consumed.
func (it *Iterator) Next() (Packet, bool) {
	if it.remaining == 0 {
		return Packet{}, false
	}
	it.remaining--

	hdr := it.block[it.next:]
	nextOffset := binary.LittleEndian.Uint32(hdr[0:])
	sec := binary.LittleEndian.Uint32(hdr[4:])
	nsec := binary.LittleEndian.Uint32(hdr[8:])
	snaplen := binary.LittleEndian.Uint32(hdr[12:])
	length := binary.LittleEndian.Uint32(hdr[16:])
	macOffset := uint32(binary.LittleEndian.Uint16(hdr[24:]))

	pkt := Packet{
		Data:      hdr[macOffset : macOffset+snaplen],
		CapLen:    snaplen,
		Len:       length,
		Timestamp: time.Unix(int64(sec), int64(nsec)),
	}

	it.next += nextOffset
	return pkt, true
}
