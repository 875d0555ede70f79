package wallet

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/ripemd160"
)

// HardenedOffset is added to a child index to request hardened derivation,
// per BIP32.
const HardenedOffset = 0x80000000

// Node is one node in a BIP32 hierarchy: a private scalar and its chain
// code, plus the bookkeeping (depth, parent fingerprint, child number)
// needed to serialize it as an extended key.
type Node struct {
	key       *big.Int
	chainCode []byte
	depth     byte
	parentFP  [4]byte
	childNum  uint32
}

// NewMasterNode builds the root of a BIP32 hierarchy from the (secret
// exponent, chain code) pair produced by DeriveKey(hd=true).
func NewMasterNode(secret *big.Int, chainCode []byte) (*Node, error) {
	if len(chainCode) != 32 {
		return nil, fmt.Errorf("wallet: chain code must be 32 bytes, got %d", len(chainCode))
	}
	if secret.Sign() <= 0 || secret.Cmp(btcec.S256().N) >= 0 {
		return nil, errors.New("wallet: secret exponent out of curve range")
	}
	return &Node{
		key:       new(big.Int).Set(secret),
		chainCode: append([]byte(nil), chainCode...),
	}, nil
}

// PrivKey returns the btcec private key for this node.
func (n *Node) PrivKey() *btcec.PrivateKey {
	priv, _ := btcec.PrivKeyFromBytes(paddedKeyBytes(n.key))
	return priv
}

// PubKey returns the compressed public key for this node.
func (n *Node) PubKey() *btcec.PublicKey {
	return n.PrivKey().PubKey()
}

// Fingerprint returns HASH160(compressed pubkey)[:4], used as the parent
// fingerprint field of any child this node derives, and as the identifying
// prefix embedded in a serialized extended key.
func (n *Node) Fingerprint() [4]byte {
	var fp [4]byte
	copy(fp[:], Hash160(n.PubKey().SerializeCompressed()))
	return fp
}

// Derive produces the child node at the given index. Indices at or above
// HardenedOffset request hardened derivation (the parent private key feeds
// the HMAC directly); indices below it are normal derivation (the parent
// public key feeds the HMAC, so a watch-only wallet could derive it too,
// though this engine always holds the private material).
func (n *Node) Derive(index uint32) (*Node, error) {
	var data []byte
	if index >= HardenedOffset {
		data = append([]byte{0x00}, paddedKeyBytes(n.key)...)
	} else {
		data = n.PubKey().SerializeCompressed()
	}
	idxBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(idxBytes, index)
	data = append(data, idxBytes...)

	mac := hmac.New(sha512.New, n.chainCode)
	mac.Write(data)
	sum := mac.Sum(nil)

	il := new(big.Int).SetBytes(sum[:32])
	if il.Cmp(btcec.S256().N) >= 0 {
		return nil, errors.New("wallet: invalid child key (Il >= curve order)")
	}

	childKey := new(big.Int).Add(il, n.key)
	childKey.Mod(childKey, btcec.S256().N)
	if childKey.Sign() == 0 {
		return nil, errors.New("wallet: invalid child key (zero)")
	}

	return &Node{
		key:       childKey,
		chainCode: append([]byte(nil), sum[32:]...),
		depth:     n.depth + 1,
		parentFP:  n.Fingerprint(),
		childNum:  index,
	}, nil
}

// DerivePath walks a sequence of child indices from n, in order.
func (n *Node) DerivePath(path ...uint32) (*Node, error) {
	cur := n
	for _, idx := range path {
		next, err := cur.Derive(idx)
		if err != nil {
			return nil, fmt.Errorf("wallet: derive path at index %d: %w", idx, err)
		}
		cur = next
	}
	return cur, nil
}

// AccountKey is the BIP32 node at path purpose'/coin'/account', plus the
// chain descriptor and purpose it was derived under, with its receive (0)
// and change (1) branch nodes pre-derived.
type AccountKey struct {
	Chain   Chain
	Purpose Purpose
	node    *Node
	Receive *Node
	Change  *Node
}

// DeriveAccount builds the account-level key at m/purpose'/coin'/account'
// from a master node, and its two non-hardened branch children.
func DeriveAccount(master *Node, chain Chain, purpose Purpose, account uint32) (*AccountKey, error) {
	acctNode, err := master.DerivePath(
		uint32(purpose)+HardenedOffset,
		chain.CoinType+HardenedOffset,
		account+HardenedOffset,
	)
	if err != nil {
		return nil, err
	}
	receive, err := acctNode.Derive(0)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive receive branch: %w", err)
	}
	change, err := acctNode.Derive(1)
	if err != nil {
		return nil, fmt.Errorf("wallet: derive change branch: %w", err)
	}
	return &AccountKey{
		Chain:   chain,
		Purpose: purpose,
		node:    acctNode,
		Receive: receive,
		Change:  change,
	}, nil
}

// Branch selects the receive or change chain node by index: 0 for receive,
// 1 for change, matching the BIP44 convention used throughout this package.
func (a *AccountKey) Branch(branch uint32) (*Node, error) {
	switch branch {
	case 0:
		return a.Receive, nil
	case 1:
		return a.Change, nil
	default:
		return nil, fmt.Errorf("wallet: unknown branch %d (want 0=receive or 1=change)", branch)
	}
}

// Leaf derives the non-hardened leaf node at (branch, index).
func (a *AccountKey) Leaf(branch, index uint32) (*Node, error) {
	root, err := a.Branch(branch)
	if err != nil {
		return nil, err
	}
	return root.Derive(index)
}

// Hash160 performs SHA256 followed by RIPEMD160, the digest Bitcoin uses
// throughout for public-key and script hashing.
func Hash160(data []byte) []byte {
	h := sha256.Sum256(data)
	r := ripemd160.New()
	r.Write(h[:])
	return r.Sum(nil)
}

// paddedKeyBytes renders a scalar as a big-endian 32-byte slice, left-padded
// with zeros — btcec requires a fixed-width encoding.
func paddedKeyBytes(k *big.Int) []byte {
	b := make([]byte, 32)
	kb := k.Bytes()
	copy(b[32-len(kb):], kb)
	return b
}
