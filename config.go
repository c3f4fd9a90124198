package blockdex

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcwallet/walletdb"
)

const (
	// DefaultTargetBlockSpacing is the expected interval between blocks,
	// used by the timestamp search. Configurable per network.
	DefaultTargetBlockSpacing = 10 * time.Minute

	// DefaultTimestampTolerance is the slack the timestamp search allows
	// above the target time before stepping back. Configurable per
	// network.
	DefaultTimestampTolerance = time.Hour
)

// Config describes everything a BlockDataManager needs. The chain
// parameters bind the instance to one network; the binding is pinned into
// the store on first open and immutable afterwards.
type Config struct {
	// Params are the parameters of the target chain: genesis block,
	// network magic, and script address encoding.
	Params *chaincfg.Params

	// BlockFileDir is the directory the node writes its raw block files
	// into.
	BlockFileDir string

	// DB is the open walletdb instance backing the persistent store.
	DB walletdb.DB

	// SuperNode, when set, indexes every script address instead of only
	// the registered subset.
	SuperNode bool

	// UpdateBytesThresh overrides the write batcher's commit pacing
	// threshold. Zero selects the default.
	UpdateBytesThresh uint64

	// TxioPerPage overrides the history pager's page size target. Zero
	// selects the default.
	TxioPerPage uint32

	// TargetBlockSpacing overrides the expected block interval for
	// timestamp searches. Zero selects DefaultTargetBlockSpacing.
	TargetBlockSpacing time.Duration

	// TimestampTolerance overrides the timestamp search slack. Zero
	// selects DefaultTimestampTolerance.
	TimestampTolerance time.Duration

	// ZeroConf optionally supplies unconfirmed transaction state. When
	// nil, the engine tracks confirmed history only.
	ZeroConf ZeroConfSource

	// Progress optionally receives advisory progress callbacks during
	// long scans.
	Progress ProgressReporter
}

// normalize fills defaults and validates the required fields.
func (c *Config) normalize() error {
	if c.Params == nil {
		return fmt.Errorf("chain parameters are required")
	}
	if c.DB == nil {
		return fmt.Errorf("a walletdb instance is required")
	}
	if c.BlockFileDir == "" {
		return fmt.Errorf("a block file directory is required")
	}
	if c.TargetBlockSpacing == 0 {
		c.TargetBlockSpacing = DefaultTargetBlockSpacing
	}
	if c.TimestampTolerance == 0 {
		c.TimestampTolerance = DefaultTimestampTolerance
	}
	return nil
}

// magic returns the network's 4 magic bytes in their on-disk (little
// endian) order.
func (c *Config) magic() [4]byte {
	var m [4]byte
	binary.LittleEndian.PutUint32(m[:], uint32(c.Params.Net))
	return m
}
