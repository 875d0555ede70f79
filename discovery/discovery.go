// Package discovery implements gap-limit address discovery: walking a
// BIP32 branch, subscribing a window of scripthashes at a time, and
// deciding where history stops.
package discovery

import (
	"context"
	"sort"
	"sync"

	"github.com/duskwallet/core/rpc"
	"github.com/duskwallet/core/store"
	"github.com/duskwallet/core/wallet"
)

// GapLimit is the per-branch lookahead window of consecutive unused
// indices that signals the end of discovery, per BIP44.
const GapLimit = 20

// Client is the subset of *rpc.Client discovery needs, so it can be
// exercised against a fake in tests.
type Client interface {
	SubscribeScripthash(ctx context.Context, scripthash string) (string, error)
	GetHistory(ctx context.Context, scripthash string) ([]rpc.HistoryEntry, error)
	GetBalance(ctx context.Context, scripthash string) (rpc.Balance, error)
	ListUnspent(ctx context.Context, scripthash string) ([]rpc.UnspentEntry, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	GetBlockHeader(ctx context.Context, height int64) (rpc.BlockHeader, error)
}

// windowResult is one index's subscribe outcome within a scanned window.
type windowResult struct {
	index  uint32
	status string
	used   bool
	err    error
}

// ScanBranch walks account's branch (0=receive, 1=change) in windows of
// GapLimit scripthashes, subscribing all of them concurrently, merging any
// found history into st, and returning once a full window comes back
// entirely unused.
func ScanBranch(ctx context.Context, client Client, account *wallet.AccountKey, branch uint32, native bool, st *store.Store) error {
	windowStart := uint32(0)
	for {
		results := scanWindow(ctx, client, account, branch, native, windowStart, st)

		sort.Slice(results, func(i, j int) bool { return results[i].index < results[j].index })

		anyUsed := false
		for _, r := range results {
			if r.err != nil {
				return r.err
			}
			st.SetUsed(branch, r.index, r.used)
			if r.used {
				anyUsed = true
			}
		}

		if !anyUsed {
			return nil
		}
		windowStart += GapLimit
	}
}

func scanWindow(ctx context.Context, client Client, account *wallet.AccountKey, branch uint32, native bool, windowStart uint32, st *store.Store) []windowResult {
	results := make([]windowResult, GapLimit)
	var wg sync.WaitGroup
	for i := uint32(0); i < GapLimit; i++ {
		index := windowStart + i
		wg.Add(1)
		go func(slot int, index uint32) {
			defer wg.Done()
			results[slot] = scanIndex(ctx, client, account, branch, index, native, st)
		}(int(i), index)
	}
	wg.Wait()
	return results
}

func scanIndex(ctx context.Context, client Client, account *wallet.AccountKey, branch, index uint32, native bool, st *store.Store) windowResult {
	info, err := wallet.DeriveAddress(account, branch, index, native)
	if err != nil {
		return windowResult{index: index, err: err}
	}
	st.RegisterAddress(branch, index, info.PubkeyScript, info.ScriptHash)

	status, err := client.SubscribeScripthash(ctx, info.ScriptHash)
	if err != nil {
		return windowResult{index: index, err: err}
	}
	if status == "" {
		return windowResult{index: index, status: status, used: false}
	}

	if err := store.PopulateBucket(ctx, client, st, branch, index, info.ScriptHash, info.PubkeyScript); err != nil {
		return windowResult{index: index, err: err}
	}
	return windowResult{index: index, status: status, used: true}
}
