package blockdex

import (
	"github.com/btcsuite/btclog"

	"github.com/blockdex/blockdex/blkfile"
	"github.com/blockdex/blockdex/blockproc"
	"github.com/blockdex/blockdex/chaindb"
	"github.com/blockdex/blockdex/headerchain"
	"github.com/blockdex/blockdex/ntfns"
	"github.com/blockdex/blockdex/scrfilter"
	"github.com/blockdex/blockdex/walletview"
)

// log is a logger that is initialized with no output filters.  This
// means the package will not perform any logging by default until the caller
// requests it.
var log btclog.Logger

// The default amount of logging is none.
func init() {
	DisableLog()
}

// DisableLog disables all library log output.  Logging output is disabled
// by default until either UseLogger or SetLogWriter are called.
func DisableLog() {
	log = btclog.Disabled
}

// UseLogger uses a specified Logger to output package logging info.
// This should be used in preference to SetLogWriter if the caller is also
// using btclog.
func UseLogger(logger btclog.Logger) {
	log = logger
	blkfile.UseLogger(logger)
	headerchain.UseLogger(logger)
	chaindb.UseLogger(logger)
	blockproc.UseLogger(logger)
	scrfilter.UseLogger(logger)
	walletview.UseLogger(logger)
	ntfns.UseLogger(logger)
}
