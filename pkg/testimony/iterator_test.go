package testimony_test

import (
	"encoding/binary"
	"testing"

	"github.com/testimony-project/testimony/pkg/testimony"
)

// buildSyntheticBlock lays out one minimal tpacket_v3 block containing two
// back-to-back packet records, the way the kernel would.
func buildSyntheticBlock(t *testing.T, version uint32) []byte {
	t.Helper()

	const blockSize = 256
	const firstPktOffset = 48
	block := make([]byte, blockSize)

	binary.LittleEndian.PutUint32(block[0:], version)
	binary.LittleEndian.PutUint32(block[12:], 2) // num_pkts
	binary.LittleEndian.PutUint32(block[16:], firstPktOffset)

	const pkt1HdrSize = 48
	const pkt1Len = 14
	pkt1 := block[firstPktOffset:]
	binary.LittleEndian.PutUint32(pkt1[0:], pkt1HdrSize+pkt1Len)
	binary.LittleEndian.PutUint32(pkt1[4:], 1700000000)
	binary.LittleEndian.PutUint32(pkt1[8:], 123456)
	binary.LittleEndian.PutUint32(pkt1[12:], pkt1Len)
	binary.LittleEndian.PutUint32(pkt1[16:], pkt1Len)
	binary.LittleEndian.PutUint32(pkt1[24:], pkt1HdrSize)
	copy(pkt1[pkt1HdrSize:], []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF, 0, 0, 0, 0, 0, 0, 0x08, 0x00})

	pkt2Offset := firstPktOffset + pkt1HdrSize + pkt1Len
	const pkt2HdrSize = 48
	const pkt2Len = 6
	pkt2 := block[pkt2Offset:]
	binary.LittleEndian.PutUint32(pkt2[0:], 0)
	binary.LittleEndian.PutUint32(pkt2[4:], 1700000001)
	binary.LittleEndian.PutUint32(pkt2[8:], 654321)
	binary.LittleEndian.PutUint32(pkt2[12:], pkt2Len)
	binary.LittleEndian.PutUint32(pkt2[16:], pkt2Len)
	binary.LittleEndian.PutUint32(pkt2[24:], pkt2HdrSize)
	copy(pkt2[pkt2HdrSize:], []byte{1, 2, 3, 4, 5, 6})

	return block
}

func TestIteratorRejectsWrongVersion(t *testing.T) {
	t.Parallel()

	block := buildSyntheticBlock(t, 2)
	it := testimony.NewIterator()

	if err := it.Reset(block); err == nil {
		t.Fatal("Reset() on non-v3 block: got nil error, want ErrNotV3Block")
	}
}

func TestIteratorRejectsShortBlock(t *testing.T) {
	t.Parallel()

	it := testimony.NewIterator()
	if err := it.Reset(make([]byte, 4)); err == nil {
		t.Fatal("Reset() on short block: got nil error, want ErrNotV3Block")
	}
}

func TestIteratorWalksPackets(t *testing.T) {
	t.Parallel()

	block := buildSyntheticBlock(t, 3)
	it := testimony.NewIterator()

	if err := it.Reset(block); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	var packets []testimony.Packet
	for {
		pkt, ok := it.Next()
		if !ok {
			break
		}
		packets = append(packets, pkt)
	}

	if len(packets) != 2 {
		t.Fatalf("walked %d packets, want 2", len(packets))
	}

	if got := packets[0].CapLen; got != 14 {
		t.Errorf("packet0 CapLen = %d, want 14", got)
	}
	if got := len(packets[0].Data); got != 14 {
		t.Errorf("packet0 Data len = %d, want 14", got)
	}
	if got := packets[0].Timestamp.Unix(); got != 1700000000 {
		t.Errorf("packet0 Timestamp.Unix() = %d, want 1700000000", got)
	}

	if got := packets[1].CapLen; got != 6 {
		t.Errorf("packet1 CapLen = %d, want 6", got)
	}

	if _, ok := it.Next(); ok {
		t.Fatal("Next() after exhausting block: got ok=true, want false")
	}
}
