package wallet

import (
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/txscript"
)

// AddressInfo is everything derived deterministically from one leaf Node:
// the address a payer sees, the scripthash used to subscribe with an
// Electrum server, the output script a spend must satisfy, and (for nested
// SegWit only) the redeem script needed to satisfy it.
//
// AddressInfo is never cached independently of the keys and the used-index
// bitmap that produced it; it is recomputed whenever needed.
type AddressInfo struct {
	Branch       uint32
	Index        uint32
	Address      string
	ScriptHash   string
	PubkeyScript []byte
	RedeemScript []byte // nil for native SegWit
	Native       bool
}

// DeriveAddress computes the AddressInfo for the leaf at (branch, index)
// under account, selecting native bech32 P2WPKH when native is true and
// nested P2SH-P2WPKH otherwise.
func DeriveAddress(account *AccountKey, branch, index uint32, native bool) (*AddressInfo, error) {
	leaf, err := account.Leaf(branch, index)
	if err != nil {
		return nil, err
	}
	pubKeyHash := Hash160(leaf.PubKey().SerializeCompressed())
	return addressInfoFromPubKeyHash(pubKeyHash, account.Chain, branch, index, native)
}

// addressInfoFromPubKeyHash builds an AddressInfo from an already-computed
// HASH160(compressed pubkey), factored out of DeriveAddress so the address
// encoding itself can be exercised independently of key derivation.
func addressInfoFromPubKeyHash(pubKeyHash []byte, chain Chain, branch, index uint32, native bool) (*AddressInfo, error) {
	info := &AddressInfo{Branch: branch, Index: index, Native: native}

	if native {
		addr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, chain.Params)
		if err != nil {
			return nil, fmt.Errorf("wallet: build p2wpkh address: %w", err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("wallet: build p2wpkh script: %w", err)
		}
		info.Address = addr.EncodeAddress()
		info.PubkeyScript = script
	} else {
		segwitAddr, err := btcutil.NewAddressWitnessPubKeyHash(pubKeyHash, chain.Params)
		if err != nil {
			return nil, fmt.Errorf("wallet: build witness program: %w", err)
		}
		redeemScript, err := txscript.PayToAddrScript(segwitAddr)
		if err != nil {
			return nil, fmt.Errorf("wallet: build redeem script: %w", err)
		}
		addr, err := btcutil.NewAddressScriptHash(redeemScript, chain.Params)
		if err != nil {
			return nil, fmt.Errorf("wallet: build p2sh address: %w", err)
		}
		outputScript, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, fmt.Errorf("wallet: build p2sh output script: %w", err)
		}
		info.Address = addr.EncodeAddress()
		info.PubkeyScript = outputScript
		info.RedeemScript = redeemScript
	}

	info.ScriptHash = ScriptHash(info.PubkeyScript)
	return info, nil
}

// ScriptHash computes the Electrum-protocol subscription key for an output
// script: SHA256 of the script, reversed, hex-encoded (the server wire
// convention — Electrum treats scripthashes as little-endian on the wire).
func ScriptHash(script []byte) string {
	sum := sha256.Sum256(script)
	reversed := make([]byte, len(sum))
	for i := range sum {
		reversed[i] = sum[len(sum)-1-i]
	}
	return fmt.Sprintf("%x", reversed)
}

// WIF renders the leaf's private key in Wallet Import Format for the given
// chain, always using the compressed-pubkey convention SegWit requires.
func WIF(leaf *Node, chain Chain) (string, error) {
	priv := leaf.PrivKey()
	wif, err := btcutil.NewWIF(priv, chain.Params, true)
	if err != nil {
		return "", fmt.Errorf("wallet: encode WIF: %w", err)
	}
	return wif.String(), nil
}
