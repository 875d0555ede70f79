package wallet

import "github.com/btcsuite/btcd/chaincfg"

// Purpose identifies which BIP32 account-level derivation scheme an
// AccountKey was built under.
type Purpose uint32

const (
	// PurposeNestedSegWit derives P2SH-P2WPKH addresses (BIP49).
	PurposeNestedSegWit Purpose = 49
	// PurposeNativeSegWit derives bech32 P2WPKH addresses (BIP84).
	PurposeNativeSegWit Purpose = 84
)

// Chain is an immutable descriptor of a coin this wallet can derive keys
// for: its BIP44 coin type, its btcd network parameters, and the extended
// public key version bytes used when exporting an account's XPUB, keyed by
// (bech32, testnet).
type Chain struct {
	// Tag is a short human-readable code, e.g. "btc", "ltc", "vtc".
	Tag string
	// CoinType is the BIP44 coin-type integer for this chain.
	CoinType uint32
	// Params is the btcd network-parameter set backing address/WIF encoding.
	Params *chaincfg.Params
	// legacyVersion/nestedVersion/nativeVersion are the 4-byte extended
	// public key version prefixes for legacy, nested-segwit and
	// native-segwit accounts respectively, on this chain. A testnet chain
	// (BitcoinTestnet) carries its own tpub/upub/vpub values here.
	legacyVersion [4]byte
	nestedVersion [4]byte
	nativeVersion [4]byte
}

// Bitcoin mainnet and testnet chain descriptors, and two widely deployed
// scrypt-family altcoins (Litecoin, Vertcoin) sharing Bitcoin's BIP32/49/84
// derivation machinery but their own network version bytes and bech32 HRPs.
var (
	Bitcoin = Chain{
		Tag:           "btc",
		CoinType:      0,
		Params:        &chaincfg.MainNetParams,
		legacyVersion: [4]byte{0x04, 0x88, 0xb2, 0x1e}, // xpub
		nestedVersion: [4]byte{0x04, 0x9d, 0x7c, 0xb2}, // ypub
		nativeVersion: [4]byte{0x04, 0xb2, 0x47, 0x46}, // zpub
	}

	BitcoinTestnet = Chain{
		Tag:           "tbtc",
		CoinType:      1,
		Params:        &chaincfg.TestNet3Params,
		legacyVersion: [4]byte{0x04, 0x35, 0x87, 0xcf}, // tpub
		nestedVersion: [4]byte{0x04, 0x4a, 0x52, 0x62}, // upub
		nativeVersion: [4]byte{0x04, 0x5f, 0x1c, 0xf6}, // vpub
	}

	litecoinParams = func() *chaincfg.Params {
		p := chaincfg.MainNetParams
		p.Net = 0xdbb6c0fb
		p.PubKeyHashAddrID = 0x30
		p.ScriptHashAddrID = 0x32
		p.PrivateKeyID = 0xb0
		p.Bech32HRPSegwit = "ltc"
		return &p
	}()

	Litecoin = Chain{
		Tag:           "ltc",
		CoinType:      2,
		Params:        litecoinParams,
		legacyVersion: [4]byte{0x01, 0x9d, 0x9c, 0xfe}, // Ltpv/Ltub family base
		nestedVersion: [4]byte{0x01, 0x9d, 0xa4, 0x62},
		nativeVersion: [4]byte{0x04, 0xb2, 0x47, 0x46},
	}

	vertcoinParams = func() *chaincfg.Params {
		p := chaincfg.MainNetParams
		p.Net = 0xdab5bffa
		p.PubKeyHashAddrID = 0x47
		p.ScriptHashAddrID = 0x05
		p.PrivateKeyID = 0x80 + 0x47
		p.Bech32HRPSegwit = "vtc"
		return &p
	}()

	Vertcoin = Chain{
		Tag:           "vtc",
		CoinType:      28,
		Params:        vertcoinParams,
		legacyVersion: [4]byte{0x04, 0x88, 0xb2, 0x1e},
		nestedVersion: [4]byte{0x04, 0x9d, 0x7c, 0xb2},
		nativeVersion: [4]byte{0x04, 0xb2, 0x47, 0x46},
	}
)

// IsTestnet reports whether this chain uses the testnet address/WIF prefix
// convention. Used to pick the u/v vs y/z extended-key version prefix.
func (c Chain) IsTestnet() bool {
	return c.Params.Net == chaincfg.TestNet3Params.Net
}
