package wallet

import (
	"context"
	"math/big"
)

// KDFResult carries the outcome of an asynchronous DeriveKey call.
type KDFResult struct {
	SecretExponent *big.Int
	ChainCode      []byte
	Err            error
}

// Pool runs DeriveKey on a small fixed-size worker pool so the memory-hard
// scrypt stage never blocks an event loop or RPC goroutine. It mirrors the
// ctx+goroutine shutdown shape used throughout this module's dispatcher: a
// buffered semaphore channel bounds concurrency, and the caller's context
// cancels a queued-but-not-yet-started derivation.
type Pool struct {
	sem chan struct{}
}

// NewPool creates a KDF worker pool that runs at most size derivations
// concurrently. A size of zero defaults to one: scrypt at N=2^18 is already
// memory-hard enough that running many in parallel defeats its own purpose
// on constrained hardware.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size)}
}

// Derive runs DeriveKey on the pool, returning the result on resultCh once
// complete. It returns immediately, the way DeriveNextAddress returns
// immediately in the teacher's HD wallet: callers that need to block wait on
// resultCh themselves or on ctx.
func (p *Pool) Derive(ctx context.Context, salt, passphrase string, hd bool) <-chan KDFResult {
	resultCh := make(chan KDFResult, 1)
	go func() {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			resultCh <- KDFResult{Err: ctx.Err()}
			return
		}
		defer func() { <-p.sem }()

		secret, chainCode, err := DeriveKey(salt, passphrase, hd)
		resultCh <- KDFResult{SecretExponent: secret, ChainCode: chainCode, Err: err}
	}()
	return resultCh
}
