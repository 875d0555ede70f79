// Package store holds the wallet's in-memory view of history, balances
// and UTXOs: the only state this engine keeps beyond the keys themselves.
package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/wire"

	"github.com/duskwallet/core/errs"
	"github.com/duskwallet/core/rpc"
)

// HistoryItem is one observed transaction touching a wallet address.
type HistoryItem struct {
	TxID      string
	IsSpend   bool
	ValueSat  int64
	Height    int64
	Timestamp time.Time
}

// bucketKey identifies one (branch, index) pair. Branch 0 is receive, 1
// is change.
type bucketKey struct {
	Branch uint32
	Index  uint32
}

// Bucket is the per-index history/balance record described in §3: the
// confirmed and zero-conf satoshi balances observed at that address, and
// the transactions that produced them.
type Bucket struct {
	Confirmed int64
	Zeroconf  int64
	Txns      []HistoryItem
}

// OutPoint identifies a transaction output.
type OutPoint struct {
	TxID string
	Vout uint32
}

// UTXO is an unspent output the wallet can spend.
type UTXO struct {
	OutPoint
	ValueSat int64
	Script   []byte
	Branch   uint32
	Index    uint32
}

// Store is the wallet's single in-memory state: per-index buckets, the
// used-index bitmap, and the UTXO set. One mutex covers all of it, per
// the single-critical-section requirement — bucket updates and the
// derived wallet totals are never observed inconsistently.
type Store struct {
	mu sync.RWMutex

	buckets map[bucketKey]*Bucket
	used    map[uint32][]bool // branch -> used[index]

	utxos      map[OutPoint]UTXO
	spentUTXOs map[OutPoint]UTXO

	ownedScripts  map[string]bucketKey // hex(pubkey script) -> owning index
	changeScripts map[string]bool      // hex(pubkey script) of change addresses

	byScriptHash map[string]scriptHashEntry // electrum scripthash -> owning index + script

	newHistory bool
}

// scriptHashEntry is what a dispatcher needs once a server notifies a
// subscribed scripthash: which bucket owns it and the raw output script
// to classify transactions against.
type scriptHashEntry struct {
	Branch uint32
	Index  uint32
	Script []byte
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		buckets:       make(map[bucketKey]*Bucket),
		used:          make(map[uint32][]bool),
		utxos:         make(map[OutPoint]UTXO),
		spentUTXOs:    make(map[OutPoint]UTXO),
		ownedScripts:  make(map[string]bucketKey),
		changeScripts: make(map[string]bool),
		byScriptHash:  make(map[string]scriptHashEntry),
	}
}

// RegisterAddress records an address's output script as owned by the
// wallet, before it is ever subscribed to, so that later transactions
// paying or spending it can be classified correctly. It must be called
// for every derived index, used or not, since a script's ownership is
// determined by key derivation, not by observed history. scripthash is
// the Electrum-protocol subscription key for pubkeyScript; passing ""
// skips indexing it (existing callers that only need classification, not
// notification dispatch, are unaffected).
func (s *Store) RegisterAddress(branch, index uint32, pubkeyScript []byte, scripthash string) {
	key := hex.EncodeToString(pubkeyScript)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ownedScripts[key] = bucketKey{Branch: branch, Index: index}
	if branch == 1 {
		s.changeScripts[key] = true
	}
	if scripthash != "" {
		s.byScriptHash[scripthash] = scriptHashEntry{Branch: branch, Index: index, Script: pubkeyScript}
	}
}

// LookupScriptHash resolves a server-notified scripthash to the bucket
// that owns it and the output script needed to classify transactions
// against it. ok is false for a scripthash the wallet never registered —
// the dispatcher logs and drops such notifications rather than treating
// them as an error, per §4.7.
func (s *Store) LookupScriptHash(scripthash string) (branch, index uint32, script []byte, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, found := s.byScriptHash[scripthash]
	if !found {
		return 0, 0, nil, false
	}
	return entry.Branch, entry.Index, entry.Script, true
}

// SetUsed marks the address at (branch, index) used or unused in the
// bitmap. The bitmap grows to cover index as needed; entries never
// shrink.
func (s *Store) SetUsed(branch, index uint32, used bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bitmap := s.used[branch]
	for uint32(len(bitmap)) <= index {
		bitmap = append(bitmap, false)
	}
	bitmap[index] = used
	s.used[branch] = bitmap
}

// UsedBitmap returns a copy of the used-index bitmap for branch.
func (s *Store) UsedBitmap(branch uint32) []bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]bool, len(s.used[branch]))
	copy(out, s.used[branch])
	return out
}

// NextUnusedIndex returns the first index on branch not yet marked used,
// extending past the end of the bitmap if every scanned index is used.
func (s *Store) NextUnusedIndex(branch uint32) uint32 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bitmap := s.used[branch]
	for i, used := range bitmap {
		if !used {
			return uint32(i)
		}
	}
	return uint32(len(bitmap))
}

// Balance returns the sum of every bucket's confirmed balance, the sum
// invariant wallet.balance == Σ bucket.confirmed.
func (s *Store) Balance() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, b := range s.buckets {
		total += b.Confirmed
	}
	return total
}

// ZeroconfBalance returns the sum of every bucket's zero-conf balance.
func (s *Store) ZeroconfBalance() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, b := range s.buckets {
		total += b.Zeroconf
	}
	return total
}

// NewHistory reports and clears the "history changed since last checked"
// flag.
func (s *Store) NewHistory() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.newHistory
	s.newHistory = false
	return v
}

func (s *Store) markNewHistory() {
	s.newHistory = true
}

// GetTxHistory flattens every bucket's transactions into one list, deduped
// by txid, sorted with confirmed transactions first (by descending block
// height) followed by unconfirmed transactions (by descending observation
// time).
func (s *Store) GetTxHistory() []HistoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]HistoryItem)
	for _, b := range s.buckets {
		for _, item := range b.Txns {
			seen[item.TxID] = item
		}
	}

	out := make([]HistoryItem, 0, len(seen))
	for _, item := range seen {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		aConfirmed, bConfirmed := a.Height > 0, b.Height > 0
		if aConfirmed != bConfirmed {
			return aConfirmed // confirmed sorts before unconfirmed
		}
		if aConfirmed {
			return a.Height > b.Height
		}
		return a.Timestamp.After(b.Timestamp)
	})
	return out
}

// FindHistoryItem looks up a history entry by txid across every bucket.
func (s *Store) FindHistoryItem(txid string) (HistoryItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, b := range s.buckets {
		for _, item := range b.Txns {
			if item.TxID == txid {
				return item, true
			}
		}
	}
	return HistoryItem{}, false
}

// ReplaceSpend applies the §4.6.8 replace-by-fee side effects: the old
// history entry's txid is swapped for the new transaction's, the change
// UTXO is replaced with the new transaction's change output, the owning
// bucket's confirmed balance is reduced by exactly feeDelta
// (new_fee - old_fee), and new_history is set.
func (s *Store) ReplaceSpend(oldTxID, newTxID string, feeDelta int64, newChange UTXO) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var replaced bool
	for _, b := range s.buckets {
		for i, item := range b.Txns {
			if item.TxID == oldTxID {
				item.TxID = newTxID
				b.Txns[i] = item
				replaced = true
			}
		}
	}
	if !replaced {
		return errs.NotReplaceable("no history entry found for txid %s", oldTxID)
	}

	changeBucket := s.bucketLocked(bucketKey{Branch: newChange.Branch, Index: newChange.Index})
	changeBucket.Confirmed -= feeDelta

	for op, u := range s.utxos {
		if u.Branch == newChange.Branch && u.Index == newChange.Index {
			delete(s.utxos, op)
		}
	}
	s.utxos[newChange.OutPoint] = newChange

	s.markNewHistory()
	return nil
}

// UTXOs returns a snapshot of the unspent set.
func (s *Store) UTXOs() []UTXO {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UTXO, 0, len(s.utxos))
	for _, u := range s.utxos {
		out = append(out, u)
	}
	return out
}

// AddUTXO adds u to the unspent set unless its outpoint is already
// recorded as spent.
func (s *Store) AddUTXO(u UTXO) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, spent := s.spentUTXOs[u.OutPoint]; spent {
		return
	}
	s.utxos[u.OutPoint] = u
}

// SpendUTXOs moves the given outpoints from the unspent to the spent set,
// atomically, returning the moved UTXOs. Used by the tx builder when it
// selects inputs for a new transaction.
func (s *Store) SpendUTXOs(points []OutPoint) []UTXO {
	s.mu.Lock()
	defer s.mu.Unlock()
	moved := make([]UTXO, 0, len(points))
	for _, p := range points {
		u, ok := s.utxos[p]
		if !ok {
			continue
		}
		delete(s.utxos, p)
		s.spentUTXOs[p] = u
		moved = append(moved, u)
	}
	return moved
}

// RestoreUTXOs moves outpoints back from spent to unspent, used when a
// draft transaction is abandoned (e.g. cancellation) without broadcast.
func (s *Store) RestoreUTXOs(points []OutPoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range points {
		u, ok := s.spentUTXOs[p]
		if !ok {
			continue
		}
		delete(s.spentUTXOs, p)
		s.utxos[p] = u
	}
}

// HasSpent reports whether an outpoint is already recorded in the spent
// set.
func (s *Store) HasSpent(p OutPoint) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.spentUTXOs[p]
	return ok
}

// ApplyBroadcast applies the side effects of a successful broadcast:
// confirmed balance decreases by the consumed input total, the change
// output's value is added to zeroconf balance and to the UTXO set. This
// happens before the change address is subscribed to, so a racing
// notification cannot double-count it.
func (s *Store) ApplyBroadcast(changeBranch, changeIndex uint32, totalIn int64, changeTxID string, changeVout uint32, changeValue int64, changeScript []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := bucketKey{Branch: changeBranch, Index: changeIndex}
	b := s.bucketLocked(key)
	b.Confirmed -= totalIn
	b.Zeroconf += changeValue

	if changeValue > 0 {
		op := OutPoint{TxID: changeTxID, Vout: changeVout}
		s.utxos[op] = UTXO{OutPoint: op, ValueSat: changeValue, Script: changeScript, Branch: changeBranch, Index: changeIndex}
	}
	s.markNewHistory()
}

func (s *Store) bucketLocked(key bucketKey) *Bucket {
	b, ok := s.buckets[key]
	if !ok {
		b = &Bucket{}
		s.buckets[key] = b
	}
	return b
}

// mergeHistoryItem inserts item into its bucket, replacing any existing
// entry for the same txid (the confirmation transition) rather than
// duplicating it.
func (s *Store) mergeHistoryItem(key bucketKey, item HistoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(key)
	for i, existing := range b.Txns {
		if existing.TxID == item.TxID {
			b.Txns[i] = item
			s.markNewHistory()
			return
		}
	}
	b.Txns = append(b.Txns, item)
	s.markNewHistory()
}

// setBucketBalance overwrites confirmed/zeroconf for a bucket, as
// reported authoritatively by the server's get_balance.
func (s *Store) setBucketBalance(key bucketKey, confirmed, zeroconf int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.bucketLocked(key)
	b.Confirmed = confirmed
	b.Zeroconf = zeroconf
}

// ownerOf looks up which (branch, index) owns a given output script, if
// any.
func (s *Store) ownerOf(script []byte) (bucketKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.ownedScripts[hex.EncodeToString(script)]
	return key, ok
}

// isChangeScript reports whether script belongs to a known change
// address.
func (s *Store) isChangeScript(script []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.changeScripts[hex.EncodeToString(script)]
}

// rpcClient is the subset of *rpc.Client that populating a bucket needs.
type rpcClient interface {
	GetHistory(ctx context.Context, scripthash string) ([]rpc.HistoryEntry, error)
	GetTransaction(ctx context.Context, txid string) (string, error)
	GetBalance(ctx context.Context, scripthash string) (rpc.Balance, error)
	ListUnspent(ctx context.Context, scripthash string) ([]rpc.UnspentEntry, error)
	GetBlockHeader(ctx context.Context, height int64) (rpc.BlockHeader, error)
}

// PopulateBucket fetches and merges everything known about one derived
// address into the store, per §4.5's population rule: history, balance,
// and UTXOs. On success it sets the store's new_history flag.
func PopulateBucket(ctx context.Context, client rpcClient, s *Store, branch, index uint32, scripthash string, ownScript []byte) error {
	key := bucketKey{Branch: branch, Index: index}

	history, err := client.GetHistory(ctx, scripthash)
	if err != nil {
		return err
	}
	for _, entry := range history {
		item, err := classify(ctx, client, s, entry, ownScript)
		if err != nil {
			return err
		}
		s.mergeHistoryItem(key, item)
	}

	balance, err := client.GetBalance(ctx, scripthash)
	if err != nil {
		return err
	}
	s.setBucketBalance(key, balance.Confirmed, balance.Unconfirmed)

	unspent, err := client.ListUnspent(ctx, scripthash)
	if err != nil {
		return err
	}
	for _, u := range unspent {
		op := OutPoint{TxID: u.TxHash, Vout: uint32(u.TxPos)}
		if s.HasSpent(op) {
			continue
		}
		s.AddUTXO(UTXO{OutPoint: op, ValueSat: u.Value, Script: ownScript, Branch: branch, Index: index})
	}

	s.mu.Lock()
	s.markNewHistory()
	s.mu.Unlock()
	return nil
}

// classify parses the raw transaction for a history entry, determines
// whether it is a spend from the wallet's perspective, and computes the
// value to display, per §4.5: a tx is a spend iff none of its outputs pay
// this address, in which case the displayed value is the single
// non-change output's value.
func classify(ctx context.Context, client rpcClient, s *Store, entry rpc.HistoryEntry, ownScript []byte) (HistoryItem, error) {
	rawHex, err := client.GetTransaction(ctx, entry.TxHash)
	if err != nil {
		return HistoryItem{}, err
	}
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return HistoryItem{}, errs.Network(err, "decode tx hex for %s", entry.TxHash)
	}

	var tx wire.MsgTx
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return HistoryItem{}, errs.Network(err, "parse tx %s", entry.TxHash)
	}

	paysThisAddress := false
	var nonChangeValue int64
	for _, out := range tx.TxOut {
		if string(out.PkScript) == string(ownScript) {
			paysThisAddress = true
		}
		if !s.isChangeScript(out.PkScript) {
			nonChangeValue = out.Value
		}
	}

	item := HistoryItem{
		TxID:     entry.TxHash,
		IsSpend:  !paysThisAddress,
		Height:   entry.Height,
		ValueSat: nonChangeValue,
	}
	if !item.IsSpend {
		var received int64
		for _, out := range tx.TxOut {
			if string(out.PkScript) == string(ownScript) {
				received += out.Value
			}
		}
		item.ValueSat = received
	}

	if entry.Height > 0 {
		hdr, err := client.GetBlockHeader(ctx, entry.Height)
		if err != nil {
			return HistoryItem{}, err
		}
		item.Timestamp = time.Unix(hdr.Timestamp, 0)
	} else {
		item.Timestamp = time.Now()
	}

	return item, nil
}
