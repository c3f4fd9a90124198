package blkfile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var testMagic = [4]byte{0xf9, 0xbe, 0xb4, 0xd9}

// makeTestPayload serializes a block with the given previous hash and no
// transactions, which is all the framing layer cares about.
func makeTestPayload(t *testing.T, prev chainhash.Hash,
	nonce uint32) []byte {

	t.Helper()

	block := wire.MsgBlock{
		Header: wire.BlockHeader{
			Version:   1,
			PrevBlock: prev,
			Timestamp: time.Unix(1231006505, 0),
			Bits:      0x207fffff,
			Nonce:     nonce,
		},
	}

	var buf bytes.Buffer
	require.NoError(t, block.Serialize(&buf))
	return buf.Bytes()
}

// frame wraps a payload in the on-disk magic/length framing.
func frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+frameOverhead)
	out = append(out, testMagic[:]...)

	var size [4]byte
	binary.LittleEndian.PutUint32(size[:], uint32(len(payload)))
	out = append(out, size[:]...)

	return append(out, payload...)
}

// writeBlockFile writes raw bytes as block file n in dir.
func writeBlockFile(t *testing.T, dir string, n uint16, data []byte) {
	t.Helper()

	path := filepath.Join(dir, "blk00000.dat")
	if n > 0 {
		r := NewReader(dir, testMagic)
		path = r.FilePath(n)
	}
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// collectBlocks drains a cursor.
func collectBlocks(t *testing.T, c *Cursor) []*Block {
	t.Helper()

	var out []*Block
	for {
		blk, err := c.Next()
		require.NoError(t, err)
		if blk == nil {
			return out
		}
		out = append(out, blk)
	}
}

// TestEnumerateFiles ensures files are discovered densely by ascending
// index and enumeration stops at the first gap.
func TestEnumerateFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	payload := makeTestPayload(t, chainhash.Hash{}, 1)
	writeBlockFile(t, dir, 0, frame(payload))
	writeBlockFile(t, dir, 1, frame(payload))

	// A gap: file 3 exists but 2 doesn't, so it must not be found.
	writeBlockFile(t, dir, 3, frame(payload))

	files, err := reader.EnumerateFiles()
	require.NoError(t, err)
	require.Len(t, files, 2)
	require.Equal(t, uint16(0), files[0].Number)
	require.Equal(t, uint16(1), files[1].Number)
	require.Equal(t, uint64(len(payload)+frameOverhead), files[0].Size)
}

// TestFirstHeaderHashOfFile checks the first-header probe and the
// wrong-network rejection.
func TestFirstHeaderHashOfFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	payload := makeTestPayload(t, chainhash.Hash{}, 7)
	writeBlockFile(t, dir, 0, frame(payload))

	hash, err := reader.FirstHeaderHashOfFile(0)
	require.NoError(t, err)

	expected := chainhash.DoubleHashH(payload[:headerSize])
	require.True(t, expected.IsEqual(hash))

	// A file framed with foreign magic bytes is the wrong network.
	foreign := NewReader(dir, [4]byte{0x0b, 0x11, 0x09, 0x07})
	_, err = foreign.FirstHeaderHashOfFile(0)
	require.ErrorIs(t, err, ErrWrongNetwork)
}

// TestIterateBlocks walks a clean two-block file and verifies payloads and
// coordinates.
func TestIterateBlocks(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	p1 := makeTestPayload(t, chainhash.Hash{}, 1)
	p2 := makeTestPayload(t, chainhash.Hash{0x01}, 2)

	data := append(frame(p1), frame(p2)...)
	// Zero padding at the tail must terminate iteration cleanly.
	data = append(data, make([]byte, 64)...)
	writeBlockFile(t, dir, 0, data)

	cursor, err := reader.IterateBlocks(0, 0, false)
	require.NoError(t, err)
	defer cursor.Close()

	blocks := collectBlocks(t, cursor)
	require.Len(t, blocks, 2)

	require.Equal(t, p1, blocks[0].RawPayload)
	require.Equal(t, uint64(frameOverhead), blocks[0].Coord.Offset)
	require.Equal(t, uint32(len(p1)), blocks[0].Coord.Size)

	require.Equal(t, p2, blocks[1].RawPayload)
	require.Equal(t,
		uint64(len(p1)+2*frameOverhead), blocks[1].Coord.Offset)
}

// TestMagicResync inserts 37 garbage bytes between two valid blocks and
// requires both blocks to be recovered with exactly that many bytes
// skipped.
func TestMagicResync(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	p1 := makeTestPayload(t, chainhash.Hash{}, 1)
	p2 := makeTestPayload(t, chainhash.Hash{0x01}, 2)

	garbage := bytes.Repeat([]byte{0xde}, 37)

	data := frame(p1)
	data = append(data, garbage...)
	data = append(data, frame(p2)...)
	writeBlockFile(t, dir, 0, data)

	cursor, err := reader.IterateBlocks(0, 0, false)
	require.NoError(t, err)
	defer cursor.Close()

	blocks := collectBlocks(t, cursor)
	require.Len(t, blocks, 2)
	require.Equal(t, p1, blocks[0].RawPayload)
	require.Equal(t, p2, blocks[1].RawPayload)

	// The resync must have skipped exactly the garbage span.
	require.Equal(t, uint64(37), cursor.BytesSkipped())

	// The cursor must stand past the final block.
	require.Equal(t, uint64(len(data)), cursor.Offset())
}

// TestHaltAtUnknown ensures the incremental mode stops at a framing
// mismatch instead of resyncing.
func TestHaltAtUnknown(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	p1 := makeTestPayload(t, chainhash.Hash{}, 1)

	data := frame(p1)
	data = append(data, bytes.Repeat([]byte{0xaa}, 32)...)
	writeBlockFile(t, dir, 0, data)

	cursor, err := reader.IterateBlocks(0, 0, true)
	require.NoError(t, err)
	defer cursor.Close()

	blocks := collectBlocks(t, cursor)
	require.Len(t, blocks, 1)
	require.Zero(t, cursor.BytesSkipped())
}

// TestAbandonAfterConsecutiveFailures ensures a file with four consecutive
// unparseable blocks is abandoned.
func TestAbandonAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	// Frames that carry the magic but lie about their size look like
	// fresh framing failures on every resync attempt.
	var data []byte
	for i := 0; i < 5; i++ {
		data = append(data, testMagic[:]...)
		var size [4]byte
		binary.LittleEndian.PutUint32(size[:], 10)
		data = append(data, size[:]...)
		data = append(data, bytes.Repeat([]byte{0x77}, 10)...)
	}
	writeBlockFile(t, dir, 0, data)

	cursor, err := reader.IterateBlocks(0, 0, false)
	require.NoError(t, err)
	defer cursor.Close()

	_, err = cursor.Next()
	require.ErrorIs(t, err, ErrFileAbandoned)
}

// TestDetectFileSplit covers the rollover probe.
func TestDetectFileSplit(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	reader := NewReader(dir, testMagic)

	payload := makeTestPayload(t, chainhash.Hash{}, 1)
	writeBlockFile(t, dir, 0, frame(payload))
	require.False(t, reader.DetectFileSplit(0))

	writeBlockFile(t, dir, 1, frame(payload))
	require.True(t, reader.DetectFileSplit(0))
}
