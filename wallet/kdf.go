// Package wallet implements Bitcoin HD (Hierarchical Deterministic) wallet
// functionality: the split-XOR key-stretching KDF, BIP32 key hierarchy, and
// BIP49/BIP84 address derivation.
package wallet

import (
	"crypto/sha256"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
)

const (
	scryptN = 1 << 18
	scryptR = 8
	scryptP = 1

	pbkdf2Iterations = 1 << 16
)

// AndSplit splits each byte of in into its high nibble (masked with 0xF0)
// and low nibble (masked with 0x0F), producing two byte slices of the same
// length as in. This is the first step of the "split-XOR warpwallet" KDF:
// both halves of a secret feed both sub-KDFs, but under complementary bit
// masks, so leaking one sub-KDF's input alone does not reveal the other's.
func AndSplit(in []byte) (hi, lo []byte) {
	hi = make([]byte, len(in))
	lo = make([]byte, len(in))
	for i, b := range in {
		hi[i] = b & 0xF0
		lo[i] = b & 0x0F
	}
	return hi, lo
}

// XorMerge combines two equal-length byte slices with a byte-wise XOR. It
// panics if the lengths differ: a length mismatch here is a programmer
// error, never a runtime condition callers should recover from.
func XorMerge(a, b []byte) []byte {
	if len(a) != len(b) {
		panic(fmt.Sprintf("wallet: xor_merge length mismatch: %d != %d", len(a), len(b)))
	}
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// DeriveKey converts a (salt, passphrase) pair into key material using the
// split-XOR KDF: scrypt(N=2^18, r=8, p=1) over the high-nibble split XORed
// with PBKDF2-HMAC-SHA256(2^16 iterations) over the low-nibble split.
//
// When hd is false the result is a 256-bit secret exponent and a nil chain
// code. When hd is true the result is twice as long: the first 32 bytes are
// the secret exponent, the last 32 are a BIP32 chain code, returned as the
// second value.
//
// DeriveKey is CPU-bound (scrypt at N=2^18 takes multiple seconds) and must
// be run off any latency-sensitive goroutine; see Pool for a worker-pool
// wrapper callers can use to keep an event loop responsive.
func DeriveKey(salt, passphrase string, hd bool) (secretExponent *big.Int, chainCode []byte, err error) {
	length := 32
	if hd {
		length = 64
	}

	saltHi, saltLo := AndSplit([]byte(salt))
	passHi, passLo := AndSplit([]byte(passphrase))

	k1, err := scrypt.Key(passHi, saltHi, scryptN, scryptR, scryptP, length)
	if err != nil {
		return nil, nil, fmt.Errorf("wallet: scrypt stage failed: %w", err)
	}

	k2 := pbkdf2.Key(passLo, saltLo, pbkdf2Iterations, length, sha256.New)

	merged := XorMerge(k1, k2)

	secretExponent = new(big.Int).SetBytes(merged[:32])
	if hd {
		chainCode = append([]byte(nil), merged[32:64]...)
	}
	return secretExponent, chainCode, nil
}
