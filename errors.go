package blockdex

import "errors"

var (
	// ErrShuttingDown signals that the manager received a shutdown
	// request.
	ErrShuttingDown = errors.New("blockdex shutting down")

	// ErrNoBlockFiles is returned at startup when the configured block
	// file directory holds no block files at all.
	ErrNoBlockFiles = errors.New("no block files found")

	// ErrUnknownWallet is returned for operations naming a wallet ID no
	// group holds.
	ErrUnknownWallet = errors.New("unknown wallet ID")

	// ErrAddrNotRegistered is returned for balance lookups on addresses
	// outside the registered set when not running as a super node.
	ErrAddrNotRegistered = errors.New("script address not registered")
)
