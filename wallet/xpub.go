package wallet

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"strings"
)

// base58Alphabet is Bitcoin's base58 alphabet, excluding the
// similar-looking 0OIl to avoid transcription errors in a printed xpub.
const base58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

// base58Encode renders payload (already including its checksum) the way
// base58CheckEncode needs: big-endian magnitude encoding with one leading
// '1' per leading zero byte preserved, since a dropped leading zero would
// silently shorten the version prefix an xpub's first characters depend on.
func base58Encode(payload []byte) string {
	x := new(big.Int).SetBytes(payload)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for x.Sign() > 0 {
		x.DivMod(x, base, mod)
		out = append(out, base58Alphabet[mod.Int64()])
	}
	for _, b := range payload {
		if b != 0 {
			break
		}
		out = append(out, base58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

// base58Decode reverses base58Encode, rejecting any character outside the
// alphabet rather than silently treating it as invalid magnitude.
func base58Decode(s string) ([]byte, error) {
	n := new(big.Int)
	for _, r := range s {
		pos := strings.IndexRune(base58Alphabet, r)
		if pos == -1 {
			return nil, fmt.Errorf("wallet: invalid base58 character %q", r)
		}
		n.Mul(n, big.NewInt(58))
		n.Add(n, big.NewInt(int64(pos)))
	}

	decoded := n.Bytes()
	for i := 0; i < len(s) && s[i] == '1'; i++ {
		decoded = append([]byte{0}, decoded...)
	}
	return decoded, nil
}

// versionFor picks the extended-public-key version bytes for an account,
// keyed by (chain, bech32 flag): mainnet {y,z}, testnet {u,v}, per the
// display convention in §4.2.
func versionFor(chain Chain, native bool) [4]byte {
	if native {
		return chain.nativeVersion
	}
	return chain.nestedVersion
}

// ExportXPUB serializes account's extended public key in standard BIP32
// form, using the version bytes appropriate to the chain and address
// type (native vs nested SegWit) so the first characters read y/z on
// mainnet or u/v on testnet.
func ExportXPUB(account *AccountKey, native bool) (string, error) {
	n := account.node
	version := versionFor(account.Chain, native)

	buf := make([]byte, 0, 78)
	buf = append(buf, version[:]...)
	buf = append(buf, n.depth)
	buf = append(buf, n.parentFP[:]...)

	childNum := make([]byte, 4)
	binary.BigEndian.PutUint32(childNum, n.childNum)
	buf = append(buf, childNum...)

	buf = append(buf, n.chainCode...)
	buf = append(buf, n.PubKey().SerializeCompressed()...)

	return base58CheckEncode(buf), nil
}

// ParseXPUB decodes an extended public key serialized by ExportXPUB,
// recovering the chain code and compressed public key bytes. It does not
// attempt to recover which chain or purpose produced it: callers that
// need to verify a round trip compare directly against the fields they
// expect.
func ParseXPUB(xpub string) (version [4]byte, depth byte, parentFP [4]byte, childNum uint32, chainCode []byte, pubKey []byte, err error) {
	raw, err := base58CheckDecode(xpub)
	if err != nil {
		return version, 0, parentFP, 0, nil, nil, fmt.Errorf("wallet: decode xpub: %w", err)
	}
	if len(raw) != 78 {
		return version, 0, parentFP, 0, nil, nil, fmt.Errorf("wallet: xpub payload must be 78 bytes, got %d", len(raw))
	}
	copy(version[:], raw[0:4])
	depth = raw[4]
	copy(parentFP[:], raw[5:9])
	childNum = binary.BigEndian.Uint32(raw[9:13])
	chainCode = append([]byte(nil), raw[13:45]...)
	pubKey = append([]byte(nil), raw[45:78]...)
	return version, depth, parentFP, childNum, chainCode, pubKey, nil
}

// base58CheckEncode appends a 4-byte double-SHA256 checksum and
// base58-encodes the result, the standard extended-key serialization
// envelope.
func base58CheckEncode(payload []byte) string {
	checksum := doubleSHA256(payload)[:4]
	return base58Encode(append(append([]byte(nil), payload...), checksum...))
}

func base58CheckDecode(s string) ([]byte, error) {
	full, err := base58Decode(s)
	if err != nil {
		return nil, fmt.Errorf("wallet: base58 decode: %w", err)
	}
	if len(full) < 4 {
		return nil, fmt.Errorf("wallet: base58check payload too short")
	}
	payload, checksum := full[:len(full)-4], full[len(full)-4:]
	want := doubleSHA256(payload)[:4]
	for i := range checksum {
		if checksum[i] != want[i] {
			return nil, fmt.Errorf("wallet: base58check checksum mismatch")
		}
	}
	return payload, nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second[:]
}
