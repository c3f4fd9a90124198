package chaindb

import (
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// Script-address prefix bytes. A scrAddr is a 1-byte script-class prefix
// followed by the script's canonical payload, so addresses of different
// classes never collide even when their hashes do.
const (
	prefixP2PKH       = 0x00
	prefixP2PK        = 0x01
	prefixP2SH        = 0x05
	prefixMultisig    = 0x10
	prefixWitness     = 0x90
	prefixNonStandard = 0xff
)

// ScrAddrFromPkScript derives the script address for an output script. For
// standard script classes the address is the class prefix plus the
// extracted address payload; nonstandard scripts fall back to the raw
// script bytes so they remain trackable in super-node mode.
func ScrAddrFromPkScript(pkScript []byte,
	params *chaincfg.Params) ScrAddr {

	class, addrs, _, err := txscript.ExtractPkScriptAddrs(
		pkScript, params,
	)
	if err != nil || len(addrs) == 0 {
		return ScrAddr(append([]byte{prefixNonStandard},
			pkScript...))
	}

	var prefix byte
	switch class {
	case txscript.PubKeyHashTy:
		prefix = prefixP2PKH
	case txscript.PubKeyTy:
		prefix = prefixP2PK
	case txscript.ScriptHashTy:
		prefix = prefixP2SH
	case txscript.MultiSigTy:
		prefix = prefixMultisig
	case txscript.WitnessV0PubKeyHashTy, txscript.WitnessV0ScriptHashTy,
		txscript.WitnessV1TaprootTy:

		prefix = prefixWitness
	default:
		return ScrAddr(append([]byte{prefixNonStandard},
			pkScript...))
	}

	return ScrAddr(append([]byte{prefix}, addrs[0].ScriptAddress()...))
}

// IsMultisigScript reports whether the output script is bare multisig,
// which the history index flags on its txios.
func IsMultisigScript(pkScript []byte) bool {
	return txscript.GetScriptClass(pkScript) == txscript.MultiSigTy
}
