// Package core wires key derivation, the RPC client, address discovery,
// the history/UTXO store and the transaction builder into the single
// object a driving shell talks to, the way construct.go assembles a
// Paywall out of its collaborators.
package core

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sync"

	"github.com/btcsuite/btcd/wire"

	"github.com/duskwallet/core/config"
	"github.com/duskwallet/core/discovery"
	"github.com/duskwallet/core/dispatcher"
	"github.com/duskwallet/core/errs"
	"github.com/duskwallet/core/rpc"
	"github.com/duskwallet/core/serverlist"
	"github.com/duskwallet/core/store"
	"github.com/duskwallet/core/txbuilder"
	"github.com/duskwallet/core/wallet"
)

// Wallet is the assembled engine: one account's keys, the server this
// session is talking to, and the store that session keeps current.
type Wallet struct {
	cfg     config.Config
	chain   wallet.Chain
	purpose wallet.Purpose
	account *wallet.AccountKey

	servers *serverlist.Registry
	store   *store.Store

	mu               sync.Mutex
	client           *rpc.Client
	dispatcherCancel context.CancelFunc

	ctx    context.Context
	cancel context.CancelFunc
}

// keySource adapts an AccountKey to txbuilder.KeySource.
type keySource struct {
	account *wallet.AccountKey
}

func (k keySource) KeyFor(branch, index uint32) (*wallet.Node, error) {
	return k.account.Leaf(branch, index)
}

// New derives the account's keys from cfg and loads the on-disk server
// registry under dataDir. It dials no network connection; call Connect
// for that once the caller is ready to start talking to a server.
func New(cfg config.Config, chain wallet.Chain, dataDir string) (*Wallet, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	purpose := wallet.PurposeNestedSegWit
	if cfg.Bech32 {
		purpose = wallet.PurposeNativeSegWit
	}

	secret, chainCode, err := wallet.DeriveKey(cfg.Salt, cfg.Passphrase, true)
	if err != nil {
		return nil, errs.Crypto("derive key material: %v", err)
	}
	master, err := wallet.NewMasterNode(secret, chainCode)
	if err != nil {
		return nil, errs.Crypto("derive master node: %v", err)
	}
	account, err := wallet.DeriveAccount(master, chain, purpose, 0)
	if err != nil {
		return nil, errs.Crypto("derive account key: %v", err)
	}

	servers, err := serverlist.Load(dataDir)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Wallet{
		cfg:     cfg,
		chain:   chain,
		purpose: purpose,
		account: account,
		servers: servers,
		store:   store.New(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

func (w *Wallet) native() bool {
	return w.purpose == wallet.PurposeNativeSegWit
}

// Chain reports the network this wallet derives addresses for, letting a
// driving shell decode user-supplied destination addresses against the
// right parameters.
func (w *Wallet) Chain() wallet.Chain {
	return w.chain
}

// StoreSnapshot exposes the underlying history/UTXO store directly for
// read-only queries (history listing, UTXO enumeration, the new-history
// flag) that don't warrant a dedicated passthrough method.
func (w *Wallet) StoreSnapshot() *store.Store {
	return w.store
}

// Connect dials a server picked at random from the registry, runs
// gap-limit discovery on both branches, and starts the subscription
// dispatcher so the store stays current afterward.
func (w *Wallet) Connect(ctx context.Context) error {
	host, port, proto, err := w.servers.Pick()
	if err != nil {
		return err
	}

	client, err := rpc.Dial(ctx, w.cfg.Proxy.Addr, net.JoinHostPort(host, port), proto == "ssl")
	if err != nil {
		return err
	}

	native := w.native()
	if err := discovery.ScanBranch(ctx, client, w.account, 0, native, w.store); err != nil {
		client.Close()
		return err
	}
	if err := discovery.ScanBranch(ctx, client, w.account, 1, native, w.store); err != nil {
		client.Close()
		return err
	}

	dispCtx, dispCancel := context.WithCancel(w.ctx)
	disp := dispatcher.New(client, w.store)
	go func() {
		if err := disp.Run(dispCtx); err != nil && dispCtx.Err() == nil {
			log.Println("core: dispatcher exited:", err)
		}
	}()

	w.mu.Lock()
	w.client = client
	w.dispatcherCancel = dispCancel
	w.mu.Unlock()
	return nil
}

func (w *Wallet) currentClient() (*rpc.Client, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.client == nil {
		return nil, errs.Network(nil, "not connected to a server")
	}
	return w.client, nil
}

// NextReceiveAddress derives and registers the first unused receive
// address, subscribing it so the dispatcher picks up activity against it.
func (w *Wallet) NextReceiveAddress(ctx context.Context) (*wallet.AddressInfo, error) {
	return w.nextAddress(ctx, 0)
}

// NextChangeAddress is NextReceiveAddress's branch-1 counterpart, used by
// the transaction builder to mint fresh change destinations.
func (w *Wallet) NextChangeAddress(ctx context.Context) (*wallet.AddressInfo, error) {
	return w.nextAddress(ctx, 1)
}

func (w *Wallet) nextAddress(ctx context.Context, branch uint32) (*wallet.AddressInfo, error) {
	client, err := w.currentClient()
	if err != nil {
		return nil, err
	}

	index := w.store.NextUnusedIndex(branch)
	info, err := wallet.DeriveAddress(w.account, branch, index, w.native())
	if err != nil {
		return nil, err
	}

	w.store.RegisterAddress(branch, index, info.PubkeyScript, info.ScriptHash)

	status, err := client.SubscribeScripthash(ctx, info.ScriptHash)
	if err != nil {
		return nil, err
	}
	if status != "" {
		if err := store.PopulateBucket(ctx, client, w.store, branch, index, info.ScriptHash, info.PubkeyScript); err != nil {
			return nil, err
		}
	}
	w.store.SetUsed(branch, index, status != "")

	return info, nil
}

// Balance returns the wallet's total confirmed balance, in satoshis.
func (w *Wallet) Balance() int64 {
	return w.store.Balance()
}

// ZeroconfBalance returns the wallet's total unconfirmed balance, in
// satoshis.
func (w *Wallet) ZeroconfBalance() int64 {
	return w.store.ZeroconfBalance()
}

// TxHistory returns every observed transaction, most recent first.
func (w *Wallet) TxHistory() []store.HistoryItem {
	return w.store.GetTxHistory()
}

// ExportXPUB renders this account's extended public key under this
// purpose's version bytes (ypub for nested, zpub for native SegWit).
func (w *Wallet) ExportXPUB() (string, error) {
	return wallet.ExportXPUB(w.account, w.native())
}

// EstimateFeeRate asks the connected server for its fee estimate,
// targeting confirmation within numBlocks blocks, in coin per kilobyte.
func (w *Wallet) EstimateFeeRate(ctx context.Context, numBlocks int) (float64, error) {
	client, err := w.currentClient()
	if err != nil {
		return 0, err
	}
	return client.EstimateFee(ctx, numBlocks)
}

// MakeTransaction builds and signs a transaction paying amountSat to
// destScript at coinPerKB, spending from the wallet's current UTXO set
// and returning change to a freshly minted change address, without
// broadcasting it. The caller passes the returned hex and Draft to
// BroadcastTransaction to submit it, or discards both to abandon the
// draft (its change address stays registered and marked used).
func (w *Wallet) MakeTransaction(ctx context.Context, destScript []byte, amountSat int64, coinPerKB float64) (string, *txbuilder.Draft, error) {
	if _, err := w.currentClient(); err != nil {
		return "", nil, err
	}

	changeInfo, err := w.NextChangeAddress(ctx)
	if err != nil {
		return "", nil, err
	}
	// A freshly minted change address has no server history, so nextAddress
	// marks it unused. Force it used now so a second MakeTransaction call
	// before this draft broadcasts can't mint the same index again.
	w.store.SetUsed(changeInfo.Branch, changeInfo.Index, true)

	ceiling := w.cfg.FeeRateCeilingSatPerByte
	if ceiling == 0 {
		ceiling = txbuilder.DefaultFeeRateCeilingSatPerByte
	}
	minRelay := w.cfg.MinRelayFeeSat
	if minRelay == 0 {
		minRelay = txbuilder.MinRelayFeeSat
	}

	tx, draft, err := txbuilder.Build(
		w.store.UTXOs(),
		txbuilder.Output{Script: destScript, Value: amountSat},
		changeInfo.PubkeyScript,
		changeInfo.Branch, changeInfo.Index,
		coinPerKB,
		w.cfg.RBF,
		ceiling, minRelay,
		keySource{account: w.account},
	)
	if err != nil {
		return "", nil, err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", nil, errs.Crypto("serialize transaction: %v", err)
	}
	return hex.EncodeToString(buf.Bytes()), draft, nil
}

// BroadcastTransaction submits a transaction previously built by
// MakeTransaction and applies its store side effects, then subscribes the
// draft's change address so the dispatcher picks up its future activity.
func (w *Wallet) BroadcastTransaction(ctx context.Context, txHex string, draft *txbuilder.Draft) (string, error) {
	client, err := w.currentClient()
	if err != nil {
		return "", err
	}

	raw, err := hex.DecodeString(txHex)
	if err != nil {
		return "", errs.Config("mktx: invalid tx hex: %v", err)
	}
	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return "", errs.Config("mktx: invalid transaction: %v", err)
	}

	txid, err := txbuilder.Broadcast(ctx, client, &tx, draft, w.store)
	if err != nil {
		return "", err
	}

	status, err := client.SubscribeScripthash(ctx, wallet.ScriptHash(draft.ChangeScript))
	if err != nil {
		return txid, err
	}
	w.store.SetUsed(draft.ChangeBranch, draft.ChangeLeaf, status != "")

	return txid, nil
}

// BumpFee rebuilds oldTxID's transaction at a higher fee rate via
// replace-by-fee, reusing oldDraft's inputs and destination.
func (w *Wallet) BumpFee(ctx context.Context, oldTxID string, oldDraft *txbuilder.Draft, destScript []byte, amountSat int64, newCoinPerKB float64) (string, error) {
	client, err := w.currentClient()
	if err != nil {
		return "", err
	}

	ceiling := w.cfg.FeeRateCeilingSatPerByte
	if ceiling == 0 {
		ceiling = txbuilder.DefaultFeeRateCeilingSatPerByte
	}
	minRelay := w.cfg.MinRelayFeeSat
	if minRelay == 0 {
		minRelay = txbuilder.MinRelayFeeSat
	}

	return txbuilder.ReplaceByFee(
		ctx,
		client,
		w.store,
		oldTxID,
		oldDraft,
		txbuilder.Output{Script: destScript, Value: amountSat},
		newCoinPerKB,
		ceiling, minRelay,
		keySource{account: w.account},
	)
}

// Shutdown cancels the dispatcher goroutine and closes the server
// connection. Safe to call even if Connect was never called.
func (w *Wallet) Shutdown() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.dispatcherCancel != nil {
		w.dispatcherCancel()
	}
	if w.client == nil {
		return nil
	}
	if err := w.client.Close(); err != nil {
		return fmt.Errorf("core: close rpc client: %w", err)
	}
	return nil
}
