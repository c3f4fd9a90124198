package blkfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"golang.org/x/exp/mmap"
)

const (
	// headerSize is the length of a serialized block header.
	headerSize = 80

	// frameOverhead is the number of bytes that precede each block in a
	// raw block file: the 4 magic bytes plus the little-endian payload
	// length.
	frameOverhead = 8

	// maxResyncFailures is the number of consecutive unparseable blocks
	// we'll tolerate within a single file before abandoning it entirely.
	maxResyncFailures = 4
)

var (
	// ErrFileNotFound is returned when a block file with the requested
	// number doesn't exist in the configured directory.
	ErrFileNotFound = fmt.Errorf("block file not found")

	// ErrWrongNetwork is returned when the first frame of a block file
	// doesn't start with the configured magic bytes, meaning the file
	// belongs to a different network than the one we were told to expect.
	ErrWrongNetwork = fmt.Errorf("block file is the wrong network")

	// ErrFileAbandoned is returned by the block cursor after too many
	// consecutive framing failures within the same file.
	ErrFileAbandoned = fmt.Errorf("too many unparseable blocks, " +
		"abandoning file")
)

// Coord locates a raw block payload within the set of block files. The offset
// points at the first byte of the payload itself, past the 8-byte frame.
type Coord struct {
	// File is the dense ascending number of the block file.
	File uint16

	// Offset is the byte offset of the block payload within the file.
	Offset uint64

	// Size is the length of the block payload in bytes.
	Size uint32
}

// FileInfo describes a single block file discovered on disk.
type FileInfo struct {
	// Number is the dense ascending file number.
	Number uint16

	// Path is the absolute path of the file.
	Path string

	// Size is the current size of the file in bytes.
	Size uint64
}

// Block is a single framed block lifted out of a block file. The header is
// parsed eagerly since every consumer needs it; the body is handed over raw.
type Block struct {
	// Header is the parsed 80-byte block header.
	Header wire.BlockHeader

	// RawPayload is the complete serialized block, header included.
	RawPayload []byte

	// Coord locates RawPayload on disk.
	Coord Coord
}

// Reader discovers raw block files written by a bitcoind-style node and
// iterates the framed blocks they contain. The reader never modifies block
// files; all access is through read-only memory mappings.
type Reader struct {
	dir   string
	magic [4]byte
}

// NewReader creates a Reader over the given directory using the given
// network magic bytes for framing.
func NewReader(dir string, magic [4]byte) *Reader {
	return &Reader{
		dir:   dir,
		magic: magic,
	}
}

// FilePath returns the conventional path of block file n.
func (r *Reader) FilePath(n uint16) string {
	return filepath.Join(r.dir, fmt.Sprintf("blk%05d.dat", n))
}

// EnumerateFiles probes block files by ascending index until one doesn't
// exist, returning the ordered set found. The cumulative sizes of the
// returned files define the global byte offset space.
func (r *Reader) EnumerateFiles() ([]FileInfo, error) {
	var files []FileInfo
	for n := uint16(0); ; n++ {
		path := r.FilePath(n)
		fi, err := os.Stat(path)
		if os.IsNotExist(err) {
			break
		}
		if err != nil {
			return nil, err
		}

		files = append(files, FileInfo{
			Number: n,
			Path:   path,
			Size:   uint64(fi.Size()),
		})
	}

	return files, nil
}

// FileSize returns the current size of block file n, or ErrFileNotFound.
func (r *Reader) FileSize(n uint16) (uint64, error) {
	fi, err := os.Stat(r.FilePath(n))
	if os.IsNotExist(err) {
		return 0, ErrFileNotFound
	}
	if err != nil {
		return 0, err
	}

	return uint64(fi.Size()), nil
}

// FirstHeaderHashOfFile returns the double-SHA256 of the first 80 bytes
// following the leading 8-byte frame of block file n. It also verifies the
// file's magic bytes, returning ErrWrongNetwork on a mismatch so callers can
// abort ingestion before writing anything.
func (r *Reader) FirstHeaderHashOfFile(n uint16) (*chainhash.Hash, error) {
	m, err := mmap.Open(r.FilePath(n))
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}
	defer m.Close()

	if m.Len() < frameOverhead+headerSize {
		return nil, fmt.Errorf("block file %d too short for a "+
			"header: %d bytes", n, m.Len())
	}

	var frame [frameOverhead + headerSize]byte
	if _, err := m.ReadAt(frame[:], 0); err != nil {
		return nil, err
	}

	if !bytes.Equal(frame[:4], r.magic[:]) {
		log.Errorf("Block file %d is the wrong network! Magic bytes: "+
			"%x (expected %x)", n, frame[:4], r.magic[:])
		return nil, ErrWrongNetwork
	}

	hash := chainhash.DoubleHashH(frame[frameOverhead:])
	return &hash, nil
}

// Cursor iterates the framed blocks within a single memory-mapped block
// file. It must be closed to release the mapping.
type Cursor struct {
	reader *Reader

	fileNum uint16
	m       *mmap.ReaderAt

	// offset points at the next frame candidate, i.e. where we expect to
	// find magic bytes.
	offset uint64

	// failures counts consecutive unparseable blocks. Once it reaches
	// maxResyncFailures the file is abandoned.
	failures int

	// haltAtUnknown, when set, causes the cursor to stop at the first
	// framing mismatch instead of resyncing past it. This mode is used
	// during incremental updates where a mismatch means we've reached the
	// zero-padded tail that the node hasn't filled in yet.
	haltAtUnknown bool

	// bytesSkipped accumulates the total bytes passed over by magic
	// resyncs on this cursor.
	bytesSkipped uint64
}

// IterateBlocks opens a cursor over block file fileNum starting at
// startOffset, which must point at the magic bytes of a frame (offset 0 for
// the start of the file). If haltAtUnknown is set the cursor stops at the
// first framing mismatch rather than scanning forward for the next frame.
func (r *Reader) IterateBlocks(fileNum uint16, startOffset uint64,
	haltAtUnknown bool) (*Cursor, error) {

	m, err := mmap.Open(r.FilePath(fileNum))
	if os.IsNotExist(err) {
		return nil, ErrFileNotFound
	}
	if err != nil {
		return nil, err
	}

	return &Cursor{
		reader:        r,
		fileNum:       fileNum,
		m:             m,
		offset:        startOffset,
		haltAtUnknown: haltAtUnknown,
	}, nil
}

// Close releases the cursor's file mapping.
func (c *Cursor) Close() error {
	return c.m.Close()
}

// Offset returns the offset of the next frame candidate, i.e. the first byte
// this cursor has not yet consumed.
func (c *Cursor) Offset() uint64 {
	return c.offset
}

// BytesSkipped returns the total number of bytes skipped over by magic
// resyncs so far.
func (c *Cursor) BytesSkipped() uint64 {
	return c.bytesSkipped
}

// Next returns the next framed block in the file, or (nil, nil) when the end
// of usable data is reached. A framing mismatch triggers a byte-by-byte scan
// for the next occurrence of the magic bytes; the skipped span is logged.
// After maxResyncFailures consecutive failures the file is abandoned with
// ErrFileAbandoned.
func (c *Cursor) Next() (*Block, error) {
	for {
		blk, err := c.nextFrame()
		switch {
		case err == errResync:
			if c.haltAtUnknown {
				return nil, nil
			}

			c.failures++
			if c.failures >= maxResyncFailures {
				log.Errorf("Abandoning block file %d after "+
					"%d consecutive unparseable blocks",
					c.fileNum, c.failures)
				return nil, ErrFileAbandoned
			}

			skipped, found := c.scanForMagic()
			if found && skipped == 0 {
				// The failed frame itself starts with the
				// magic bytes; step past them so the scan
				// makes progress.
				c.offset++
				more, stillFound := c.scanForMagic()
				skipped += 1 + more
				found = stillFound
			}
			c.bytesSkipped += skipped
			if !found {
				return nil, nil
			}

			log.Warnf("Magic resync in block file %d: skipped "+
				"%d bytes to offset %d", c.fileNum, skipped,
				c.offset)
			continue

		case err != nil:
			return nil, err

		case blk == nil:
			return nil, nil
		}

		c.failures = 0
		return blk, nil
	}
}

// errResync is an internal signal that the bytes at the current offset don't
// frame a block.
var errResync = fmt.Errorf("framing mismatch")

// nextFrame attempts to decode one frame at the current offset. It returns
// (nil, nil) on clean end of data, errResync on a framing mismatch, and
// advances the offset only on success.
func (c *Cursor) nextFrame() (*Block, error) {
	remaining := uint64(c.m.Len()) - c.offset
	if remaining < frameOverhead {
		return nil, nil
	}

	var frame [frameOverhead]byte
	if _, err := c.m.ReadAt(frame[:], int64(c.offset)); err != nil {
		return nil, err
	}

	// A zeroed frame means we've hit the padded tail of the file.
	if isZero(frame[:]) {
		return nil, nil
	}

	if !bytes.Equal(frame[:4], c.reader.magic[:]) {
		return nil, errResync
	}

	size := binary.LittleEndian.Uint32(frame[4:])
	if size < headerSize || uint64(size) > remaining-frameOverhead {
		return nil, errResync
	}

	payload := make([]byte, size)
	payloadOffset := c.offset + frameOverhead
	if _, err := c.m.ReadAt(payload, int64(payloadOffset)); err != nil {
		return nil, err
	}

	var header wire.BlockHeader
	if err := header.Deserialize(bytes.NewReader(payload)); err != nil {
		return nil, errResync
	}

	c.offset = payloadOffset + uint64(size)

	return &Block{
		Header:     header,
		RawPayload: payload,
		Coord: Coord{
			File:   c.fileNum,
			Offset: payloadOffset,
			Size:   size,
		},
	}, nil
}

// scanForMagic advances byte-by-byte from the current offset until the next
// four bytes match the magic tag, returning the number of bytes skipped and
// whether a match was found before the end of the file.
func (c *Cursor) scanForMagic() (uint64, bool) {
	var skipped uint64
	for c.offset+4 <= uint64(c.m.Len()) {
		var four [4]byte
		if _, err := c.m.ReadAt(four[:], int64(c.offset)); err != nil {
			return skipped, false
		}
		if bytes.Equal(four[:], c.reader.magic[:]) {
			return skipped, true
		}

		// Try again at the very next byte.
		c.offset++
		skipped++
	}

	return skipped, false
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// DetectFileSplit reports whether the file after lastKnown exists, which
// means the node has rolled over to a new block file. The incremental ingest
// loop uses this to straddle the boundary on its next pass.
func (r *Reader) DetectFileSplit(lastKnown uint16) bool {
	_, err := os.Stat(r.FilePath(lastKnown + 1))
	return err == nil
}
