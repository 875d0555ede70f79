// Package dispatcher drains an rpc.Client's subscription notifications
// and keeps a store.Store current as the server pushes scripthash status
// changes.
package dispatcher

import (
	"context"
	"encoding/json"
	"log"

	"github.com/duskwallet/core/rpc"
	"github.com/duskwallet/core/store"
)

const scripthashSubscribeMethod = "blockchain.scripthash.subscribe"

// Client is the subset of *rpc.Client the dispatcher needs: the blocking
// notification consumer, and everything store.PopulateBucket needs to
// re-fetch one address's state.
type Client interface {
	Consume(ctx context.Context, handler func(rpc.Notification)) error
	GetHistory(ctx context.Context, scripthash string) ([]rpc.HistoryEntry, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	GetBalance(ctx context.Context, scripthash string) (rpc.Balance, error)
	ListUnspent(ctx context.Context, scripthash string) ([]rpc.UnspentEntry, error)
	GetBlockHeader(ctx context.Context, height int64) (rpc.BlockHeader, error)
}

// Dispatcher is the single long-lived consumer of one Client's
// notification stream, per §4.7: every pushed status change is resolved
// against the store's scripthash index and used to refresh that address's
// bucket, balance, and UTXOs.
type Dispatcher struct {
	client Client
	store  *store.Store
	ctx    context.Context
}

// New builds a Dispatcher over client, updating st as notifications
// arrive.
func New(client Client, st *store.Store) *Dispatcher {
	return &Dispatcher{client: client, store: st}
}

// Run blocks, handling notifications until ctx is cancelled or the
// client's notification stream ends. Grounded on CryptoChainMonitor.Start's
// ticker+select{ctx.Done(), ticker.C} shape, with the ticker replaced by a
// blocking channel receive — the transport already pushes updates, so
// there is nothing to poll.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.ctx = ctx
	return d.client.Consume(ctx, d.handle)
}

// handle resolves one notification and refreshes the bucket it names. A
// notification for a scripthash the wallet never registered is logged and
// dropped rather than treated as fatal — the server may echo
// subscriptions this process restarted without, or another client shares
// the connection.
func (d *Dispatcher) handle(n rpc.Notification) {
	if n.Method != scripthashSubscribeMethod || len(n.Params) == 0 {
		return
	}

	var scripthash string
	if err := json.Unmarshal(n.Params[0], &scripthash); err != nil {
		log.Println("dispatcher: malformed scripthash notification:", err)
		return
	}

	branch, index, script, ok := d.store.LookupScriptHash(scripthash)
	if !ok {
		log.Println("dispatcher: notification for unknown scripthash", scripthash)
		return
	}

	ctx, cancel := context.WithTimeout(d.ctx, rpc.DefaultRequestTimeout)
	defer cancel()

	if err := store.PopulateBucket(ctx, d.client, d.store, branch, index, scripthash, script); err != nil {
		log.Println("dispatcher: populate bucket error:", err)
		return
	}
	d.store.SetUsed(branch, index, true)
}
