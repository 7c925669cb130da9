package capture

import (
	"encoding/binary"
)

// This file overlays the kernel's tpacket_v3 shared-memory layout
// (linux/if_packet.h: struct tpacket_block_desc / tpacket_hdr_v1 /
// tpacket3_hdr) by reading fixed byte offsets directly out of the mapped
// block, the same technique bi-zone/gopacket's afpacket binding uses for
// its v1/v2 header wrappers, rather than assuming particular exported
// struct names from golang.org/x/sys/unix for the v3 layout.

// The kernel writes these header fields in host-native byte order; this
// package assumes little-endian, which covers every architecture this
// daemon is expected to run on (x86-64, arm64).
//
// Byte offsets, from the start of the block, of the tpacket_hdr_v1 fields
// read here; that header itself starts 8 bytes into the block (after the
// block_desc's version and offset_to_priv fields).
const (
	blockDescHdrOffset = 8

	offBlockStatus      = blockDescHdrOffset + 0
	offNumPkts          = blockDescHdrOffset + 4
	offOffsetToFirstPkt = blockDescHdrOffset + 8
)

// tp_status bits (linux/if_packet.h).
const (
	tpStatusUser    uint32 = 1 << 0
	tpStatusKernel  uint32 = 0
)

// BlockHeader is a read/write view over one block's tpacket_hdr_v1.
type BlockHeader struct {
	buf []byte
}

// NewBlockHeader wraps the raw bytes of one ring block.
func NewBlockHeader(block []byte) BlockHeader {
	return BlockHeader{buf: block}
}

// Ready reports whether the kernel has retired this block to userspace
// (TP_STATUS_USER set).
func (h BlockHeader) Ready() bool {
	return binary.LittleEndian.Uint32(h.buf[offBlockStatus:])&tpStatusUser != 0
}

// NumPackets returns the number of packet records in this block.
func (h BlockHeader) NumPackets() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offNumPkts:])
}

// OffsetToFirstPacket returns the byte offset from the start of the block
// to its first packet record.
func (h BlockHeader) OffsetToFirstPacket() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offOffsetToFirstPkt:])
}

// Release clears the status word, handing the block back to the kernel
// (CLIENT/DAEMON -> KERNEL in the block ownership state machine).
func (h BlockHeader) Release() {
	binary.LittleEndian.PutUint32(h.buf[offBlockStatus:], tpStatusKernel)
}

// Fixed byte offsets within one tpacket3_hdr packet record.
const (
	offNextOffset = 0
	offTpSec      = 4
	offTpNsec     = 8
	offTpSnaplen  = 12
	offTpLen      = 16
	offTpMac      = 24
)

// PacketHeader is a read-only view over one tpacket3_hdr packet record.
type PacketHeader struct {
	buf []byte
}

// NewPacketHeader wraps the raw bytes starting at one packet record.
func NewPacketHeader(buf []byte) PacketHeader {
	return PacketHeader{buf: buf}
}

// NextOffset returns the byte offset, relative to this header, of the
// next packet record in the block.
func (h PacketHeader) NextOffset() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offNextOffset:])
}

// CapLen returns the number of captured bytes stored for this packet
// (tp_snaplen).
func (h PacketHeader) CapLen() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offTpSnaplen:])
}

// Len returns the original on-wire packet length (tp_len), which may
// exceed CapLen() when the packet was truncated.
func (h PacketHeader) Len() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offTpLen:])
}

// MacOffset returns the byte offset, relative to this header, of the
// frame data.
func (h PacketHeader) MacOffset() uint32 {
	return uint32(binary.LittleEndian.Uint16(h.buf[offTpMac:]))
}

// Seconds returns the capture timestamp's whole-second component.
func (h PacketHeader) Seconds() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offTpSec:])
}

// Nanoseconds returns the capture timestamp's sub-second component, in
// nanoseconds.
func (h PacketHeader) Nanoseconds() uint32 {
	return binary.LittleEndian.Uint32(h.buf[offTpNsec:])
}

// Data returns the captured frame bytes for this packet.
func (h PacketHeader) Data() []byte {
	off := h.MacOffset()
	capLen := h.CapLen()
	return h.buf[off : off+capLen]
}
