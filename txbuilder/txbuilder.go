// Package txbuilder constructs, signs, and broadcasts wallet
// transactions: coin selection, BIP69 canonical ordering, fee
// estimation, BIP143 SegWit signing, and opt-in replace-by-fee.
package txbuilder

import (
	"bytes"
	"context"
	"encoding/hex"
	"sort"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/duskwallet/core/errs"
	"github.com/duskwallet/core/store"
	"github.com/duskwallet/core/wallet"
)

const (
	// FeeHighballSat is the conservative extra margin coin selection
	// reserves on top of the requested amount, per §4.6.1.
	FeeHighballSat = 100_000
	// MinRelayFeeSat is the minimum relay fee floor applied to every
	// computed fee, per §4.6.5.
	MinRelayFeeSat = 1000
	// DefaultFeeRateCeilingSatPerByte rejects fee rates above this as
	// "extraordinarily high", a safety stop.
	DefaultFeeRateCeilingSatPerByte = 2000
	// coinSatoshis is the number of satoshis in one whole coin.
	coinSatoshis = 100_000_000

	finalSequence = wire.MaxTxInSequenceNum
	rbfSequence   = 0
)

// Output is a requested spend destination.
type Output struct {
	Script []byte
	Value  int64
}

// Broadcaster is the subset of *rpc.Client the builder needs to
// broadcast a signed transaction.
type Broadcaster interface {
	Broadcast(ctx context.Context, rawTxHex string) (string, error)
}

// KeySource resolves the signing key for a UTXO the builder selected, by
// the UTXO's branch and index.
type KeySource interface {
	KeyFor(branch, index uint32) (*wallet.Node, error)
}

// Draft is a transaction under construction: the selected inputs and
// enough bookkeeping about the change output to re-derive the
// transaction at a different fee rate for RBF, or apply broadcast side
// effects once signed.
type Draft struct {
	Inputs       []store.UTXO
	ChangeScript []byte
	ChangeValue  int64
	// ChangeVout is the change output's position within the final,
	// BIP69-sorted transaction — not necessarily the order it was
	// appended in.
	ChangeVout   uint32
	ChangeBranch uint32
	ChangeLeaf   uint32
	RBF          bool
	FeeSat       int64
}

// selectCoins accumulates UTXOs from candidates until the running total
// covers amount plus the conservative fee highball, sorted by value
// descending when feeRateSatPerKB is at or below the cheap threshold
// (largest inputs spent first) and ascending when above it (smallest
// inputs spent first, large ones kept).
func selectCoins(candidates []store.UTXO, amount int64, feeRateSatPerKB float64, cheapThresholdSatPerKB float64) ([]store.UTXO, int64, error) {
	sorted := append([]store.UTXO(nil), candidates...)
	if feeRateSatPerKB <= cheapThresholdSatPerKB {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ValueSat > sorted[j].ValueSat })
	} else {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].ValueSat < sorted[j].ValueSat })
	}

	target := amount + FeeHighballSat
	var total int64
	var selected []store.UTXO
	for _, u := range sorted {
		selected = append(selected, u)
		total += u.ValueSat
		if total >= target {
			return selected, total, nil
		}
	}
	return nil, 0, errs.InsufficientFunds("need %d sat (amount + highball), have %d available", target, total)
}

// estimateVsize computes the placeholder virtual size described in
// §4.6.5: a deterministic estimate used before signature sizes are known.
func estimateVsize(baseSize, totalSize int) int64 {
	return int64((3*baseSize + totalSize) / 4)
}

// placeholderTotalSize is the §4.6.5 formula for total_size before
// signatures exist: in_count*180 + out_count*34 + (10 + in_count).
func placeholderTotalSize(inCount, outCount int) int {
	return inCount*180 + outCount*34 + (10 + inCount)
}

// computeFee applies the §4.6.5 formula, floored at minRelaySat, and
// rejects (rather than clamps) a resulting rate above ceilingSatPerByte.
func computeFee(vsize int64, coinPerKB float64, ceilingSatPerByte, minRelaySat int64) (int64, error) {
	feeSat := int64(vsize) * int64(coinPerKB*coinSatoshis) / 1000
	if feeSat < minRelaySat {
		feeSat = minRelaySat
	}
	if vsize > 0 && feeSat/vsize > ceilingSatPerByte {
		return 0, errs.Config("fee rate %.0f sat/byte exceeds the %d sat/byte ceiling", float64(feeSat)/float64(vsize), ceilingSatPerByte)
	}
	return feeSat, nil
}

// SortBIP69 sorts tx's inputs and outputs into BIP69 canonical order:
// inputs by (txid bytes ascending, vout ascending), outputs by (value
// ascending, script bytes ascending).
func SortBIP69(tx *wire.MsgTx) {
	sort.SliceStable(tx.TxIn, func(i, j int) bool {
		a, b := tx.TxIn[i].PreviousOutPoint, tx.TxIn[j].PreviousOutPoint
		cmp := bytes.Compare(a.Hash[:], b.Hash[:])
		if cmp != 0 {
			return cmp < 0
		}
		return a.Index < b.Index
	})
	sort.SliceStable(tx.TxOut, func(i, j int) bool {
		a, b := tx.TxOut[i], tx.TxOut[j]
		if a.Value != b.Value {
			return a.Value < b.Value
		}
		return bytes.Compare(a.PkScript, b.PkScript) < 0
	})
}

// Build constructs, BIP69-sorts, fee-balances and signs a new transaction
// paying dest from candidates, with changeInfo receiving any leftover
// value. coinPerKB is the fee rate to target; ceilingSatPerByte overrides
// the default 2000 sat/byte safety stop when non-zero, and minRelaySat
// overrides the default 1000 sat relay floor when non-zero.
func Build(
	candidates []store.UTXO,
	dest Output,
	changeScript []byte,
	changeBranch, changeIndex uint32,
	coinPerKB float64,
	rbf bool,
	ceilingSatPerByte, minRelaySat int64,
	keys KeySource,
) (*wire.MsgTx, *Draft, error) {
	cheapThreshold := 20.0 // coin/kB regime boundary; largest inputs are spent first at or below this
	selected, totalIn, err := selectCoins(candidates, dest.Value, coinPerKB, cheapThreshold)
	if err != nil {
		return nil, nil, err
	}
	return buildFromInputs(selected, totalIn, dest, changeScript, changeBranch, changeIndex, coinPerKB, rbf, ceilingSatPerByte, minRelaySat, keys)
}

// buildFromInputs shares the sort/fee/sign logic between a fresh Build
// (which selects inputs) and ReplaceByFee (which reuses a prior draft's
// inputs unchanged).
func buildFromInputs(
	selected []store.UTXO,
	totalIn int64,
	dest Output,
	changeScript []byte,
	changeBranch, changeIndex uint32,
	coinPerKB float64,
	rbf bool,
	ceilingSatPerByte, minRelaySat int64,
	keys KeySource,
) (*wire.MsgTx, *Draft, error) {
	if ceilingSatPerByte == 0 {
		ceilingSatPerByte = DefaultFeeRateCeilingSatPerByte
	}
	if minRelaySat == 0 {
		minRelaySat = MinRelayFeeSat
	}

	tx := wire.NewMsgTx(wire.TxVersion)
	for _, u := range selected {
		hash, err := chainHashFromTxID(u.TxID)
		if err != nil {
			return nil, nil, err
		}
		seq := uint32(finalSequence)
		if rbf {
			seq = rbfSequence
		}
		tx.AddTxIn(&wire.TxIn{
			PreviousOutPoint: wire.OutPoint{Hash: *hash, Index: u.Vout},
			Sequence:         seq,
		})
	}

	tx.AddTxOut(&wire.TxOut{Value: dest.Value, PkScript: dest.Script})
	changeOutIdx := len(tx.TxOut)
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: changeScript})

	baseSize := tx.SerializeSize()
	totalSize := placeholderTotalSize(len(tx.TxIn), len(tx.TxOut))
	vsize := estimateVsize(baseSize, totalSize)

	feeSat, err := computeFee(vsize, coinPerKB, ceilingSatPerByte, minRelaySat)
	if err != nil {
		return nil, nil, err
	}

	changeValue := totalIn - dest.Value - feeSat
	if changeValue < 0 {
		return nil, nil, errs.InsufficientFunds("selected inputs (%d sat) cannot cover amount+fee (%d sat)", totalIn, dest.Value+feeSat)
	}
	tx.TxOut[changeOutIdx].Value = changeValue

	SortBIP69(tx)

	if err := sign(tx, selected, keys); err != nil {
		return nil, nil, err
	}

	changeVout, err := findChangeVout(tx, changeScript, changeValue)
	if err != nil {
		return nil, nil, err
	}

	draft := &Draft{
		Inputs:       selected,
		ChangeScript: changeScript,
		ChangeValue:  changeValue,
		ChangeVout:   changeVout,
		ChangeBranch: changeBranch,
		ChangeLeaf:   changeIndex,
		RBF:          rbf,
		FeeSat:       feeSat,
	}
	return tx, draft, nil
}

// findChangeVout locates the change output's position in a BIP69-sorted
// transaction by matching script and value, since sorting may have moved
// it from the position it was appended at.
func findChangeVout(tx *wire.MsgTx, changeScript []byte, changeValue int64) (uint32, error) {
	for i, out := range tx.TxOut {
		if out.Value == changeValue && bytes.Equal(out.PkScript, changeScript) {
			return uint32(i), nil
		}
	}
	return 0, errs.Crypto("change output not found after BIP69 sort")
}

// sign signs every input with BIP143 SegWit sighashes, supporting both
// native P2WPKH (witness program as the input's own script) and nested
// P2SH-P2WPKH (redeem script pushed into SignatureScript).
func sign(tx *wire.MsgTx, selected []store.UTXO, keys KeySource) error {
	prevOuts := make(map[wire.OutPoint]*wire.TxOut, len(selected))
	byOutPoint := make(map[wire.OutPoint]store.UTXO, len(selected))
	for _, u := range selected {
		hash, err := chainHashFromTxID(u.TxID)
		if err != nil {
			return err
		}
		op := wire.OutPoint{Hash: *hash, Index: u.Vout}
		prevOuts[op] = &wire.TxOut{Value: u.ValueSat, PkScript: u.Script}
		byOutPoint[op] = u
	}
	fetcher := txscript.NewMultiPrevOutFetcher(prevOuts)
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	// Inputs were BIP69-sorted after selection, so match each input to its
	// UTXO by outpoint rather than by position in selected.
	for i, in := range tx.TxIn {
		u, ok := byOutPoint[in.PreviousOutPoint]
		if !ok {
			return errs.Crypto("no selected UTXO for input %d", i)
		}
		leaf, err := keys.KeyFor(u.Branch, u.Index)
		if err != nil {
			return errs.Crypto("resolve signing key for input %d: %v", i, err)
		}
		priv := leaf.PrivKey()
		pubKeyHash := wallet.Hash160(priv.PubKey().SerializeCompressed())
		scriptCode, err := p2pkhScriptCode(pubKeyHash)
		if err != nil {
			return errs.Crypto("build script code for input %d: %v", i, err)
		}

		sig, err := txscript.RawTxInWitnessSignature(tx, sigHashes, i, u.ValueSat, scriptCode, txscript.SigHashAll, priv)
		if err != nil {
			return errs.Crypto("sign input %d: %v", i, err)
		}
		tx.TxIn[i].Witness = wire.TxWitness{sig, priv.PubKey().SerializeCompressed()}

		if isNestedScript(u.Script) {
			redeem, err := nativeWitnessProgram(pubKeyHash)
			if err != nil {
				return errs.Crypto("build redeem script for input %d: %v", i, err)
			}
			builder := txscript.NewScriptBuilder()
			builder.AddData(redeem)
			sigScript, err := builder.Script()
			if err != nil {
				return errs.Crypto("build signature script for input %d: %v", i, err)
			}
			tx.TxIn[i].SignatureScript = sigScript
		}
	}
	return nil
}

// p2pkhScriptCode builds the legacy P2PKH-shaped script used as the
// BIP143 script code for a P2WPKH input: OP_DUP OP_HASH160 <hash>
// OP_EQUALVERIFY OP_CHECKSIG.
func p2pkhScriptCode(pubKeyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).
		AddOp(txscript.OP_HASH160).
		AddData(pubKeyHash).
		AddOp(txscript.OP_EQUALVERIFY).
		AddOp(txscript.OP_CHECKSIG).
		Script()
}

// nativeWitnessProgram builds OP_0 <pubKeyHash>, the P2WPKH witness
// program used as the redeem script inside a nested P2SH-P2WPKH input.
func nativeWitnessProgram(pubKeyHash []byte) ([]byte, error) {
	return txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).
		AddData(pubKeyHash).
		Script()
}

// isNestedScript reports whether script is a P2SH output script
// (OP_HASH160 <20 bytes> OP_EQUAL), meaning the input needs a
// SignatureScript carrying the redeem script.
func isNestedScript(script []byte) bool {
	return len(script) == 23 && script[0] == txscript.OP_HASH160 && script[1] == 0x14 && script[22] == txscript.OP_EQUAL
}

func chainHashFromTxID(txid string) (*chainhash.Hash, error) {
	h, err := chainhash.NewHashFromStr(txid)
	if err != nil {
		return nil, errs.Network(err, "decode txid %s", txid)
	}
	return h, nil
}

// Broadcast serializes tx and submits it, applying the §4.6.7 side
// effects to st before returning: confirmed balance decreases by the
// consumed input total, the change output's value is added to zeroconf
// balance and the UTXO set, and the store's new_history flag is set —
// all before the caller subscribes to the change address, so a racing
// notification for it cannot double-count.
func Broadcast(ctx context.Context, client Broadcaster, tx *wire.MsgTx, draft *Draft, st *store.Store) (string, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", errs.Crypto("serialize transaction: %v", err)
	}
	rawHex := hex.EncodeToString(buf.Bytes())

	txid, err := client.Broadcast(ctx, rawHex)
	if err != nil {
		return "", err
	}

	points := make([]store.OutPoint, len(draft.Inputs))
	for i, u := range draft.Inputs {
		points[i] = u.OutPoint
	}
	st.SpendUTXOs(points)

	var totalIn int64
	for _, u := range draft.Inputs {
		totalIn += u.ValueSat
	}
	st.ApplyBroadcast(draft.ChangeBranch, draft.ChangeLeaf, totalIn, txid, draft.ChangeVout, draft.ChangeValue, draft.ChangeScript)

	return txid, nil
}

// ReplaceByFee rebuilds oldDraft's transaction at a new, higher fee rate,
// reusing the same selected inputs and destination output, zeroing the
// change output for refill per §4.6.8. It fails if the referenced history
// entry is confirmed or is not a spend.
func ReplaceByFee(
	ctx context.Context,
	client Broadcaster,
	st *store.Store,
	oldTxID string,
	oldDraft *Draft,
	dest Output,
	newCoinPerKB float64,
	ceilingSatPerByte, minRelaySat int64,
	keys KeySource,
) (string, error) {
	item, ok := st.FindHistoryItem(oldTxID)
	if !ok {
		return "", errs.NotReplaceable("no history entry for txid %s", oldTxID)
	}
	if item.Height != 0 {
		return "", errs.NotReplaceable("txid %s is already confirmed", oldTxID)
	}
	if !item.IsSpend {
		return "", errs.NotReplaceable("txid %s is not a spend", oldTxID)
	}

	var totalIn int64
	for _, u := range oldDraft.Inputs {
		totalIn += u.ValueSat
	}

	tx, newDraft, err := buildFromInputs(oldDraft.Inputs, totalIn, dest, oldDraft.ChangeScript, oldDraft.ChangeBranch, oldDraft.ChangeLeaf, newCoinPerKB, true, ceilingSatPerByte, minRelaySat, keys)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return "", errs.Crypto("serialize replacement transaction: %v", err)
	}
	txid, err := client.Broadcast(ctx, hex.EncodeToString(buf.Bytes()))
	if err != nil {
		return "", err
	}

	feeDelta := newDraft.FeeSat - oldDraft.FeeSat
	newChange := store.UTXO{
		OutPoint: store.OutPoint{TxID: txid, Vout: newDraft.ChangeVout},
		ValueSat: newDraft.ChangeValue,
		Script:   newDraft.ChangeScript,
		Branch:   newDraft.ChangeBranch,
		Index:    newDraft.ChangeLeaf,
	}
	if err := st.ReplaceSpend(oldTxID, txid, feeDelta, newChange); err != nil {
		return "", err
	}

	return txid, nil
}
