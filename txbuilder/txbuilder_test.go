package txbuilder

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/wire"

	"github.com/duskwallet/core/errs"
	"github.com/duskwallet/core/store"
	"github.com/duskwallet/core/wallet"
)

// accountKeySource resolves (branch, index) to a leaf node under one
// AccountKey, letting tests sign with real keys without a wallet.Wallet.
type accountKeySource struct {
	account *wallet.AccountKey
}

func (k *accountKeySource) KeyFor(branch, index uint32) (*wallet.Node, error) {
	return k.account.Leaf(branch, index)
}

func testAccount(t *testing.T) *wallet.AccountKey {
	t.Helper()
	secret, chainCode, err := wallet.DeriveKey("txbuilder@example.com", "hunter2hunter2", true)
	if err != nil {
		t.Fatal(err)
	}
	master, err := wallet.NewMasterNode(secret, chainCode)
	if err != nil {
		t.Fatal(err)
	}
	account, err := wallet.DeriveAccount(master, wallet.Bitcoin, wallet.PurposeNativeSegWit, 0)
	if err != nil {
		t.Fatal(err)
	}
	return account
}

func utxoFor(t *testing.T, account *wallet.AccountKey, branch, index uint32, txid string, vout uint32, value int64, native bool) store.UTXO {
	t.Helper()
	info, err := wallet.DeriveAddress(account, branch, index, native)
	if err != nil {
		t.Fatal(err)
	}
	return store.UTXO{
		OutPoint: store.OutPoint{TxID: txid, Vout: vout},
		ValueSat: value,
		Script:   info.PubkeyScript,
		Branch:   branch,
		Index:    index,
	}
}

func TestSortBIP69_CanonicalOrder(t *testing.T) {
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxOut(&wire.TxOut{Value: 10, PkScript: []byte{0xff}})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: []byte{0xff}})
	tx.AddTxOut(&wire.TxOut{Value: 10, PkScript: []byte{0x00}})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: []byte{0x00}})

	SortBIP69(tx)

	want := []struct {
		value  int64
		script byte
	}{
		{0, 0x00},
		{0, 0xff},
		{10, 0x00},
		{10, 0xff},
	}
	if len(tx.TxOut) != len(want) {
		t.Fatalf("got %d outputs, want %d", len(tx.TxOut), len(want))
	}
	for i, w := range want {
		out := tx.TxOut[i]
		if out.Value != w.value || out.PkScript[0] != w.script {
			t.Errorf("output %d = (%d, %#x), want (%d, %#x)", i, out.Value, out.PkScript[0], w.value, w.script)
		}
	}
}

func TestSelectCoins_PrefersLargeInputsWhenFeesAreCheap(t *testing.T) {
	candidates := []store.UTXO{
		{OutPoint: store.OutPoint{TxID: "a", Vout: 0}, ValueSat: 50_000},
		{OutPoint: store.OutPoint{TxID: "b", Vout: 0}, ValueSat: 500_000},
		{OutPoint: store.OutPoint{TxID: "c", Vout: 0}, ValueSat: 10_000},
	}
	selected, total, err := selectCoins(candidates, 100_000, 5.0, 20.0)
	if err != nil {
		t.Fatalf("selectCoins() error = %v", err)
	}
	if len(selected) != 1 || selected[0].ValueSat != 500_000 {
		t.Errorf("expected the single largest UTXO selected first, got %+v", selected)
	}
	if total != 500_000 {
		t.Errorf("total = %d, want 500000", total)
	}
}

func TestSelectCoins_PrefersSmallInputsWhenFeesAreExpensive(t *testing.T) {
	candidates := []store.UTXO{
		{OutPoint: store.OutPoint{TxID: "a", Vout: 0}, ValueSat: 50_000},
		{OutPoint: store.OutPoint{TxID: "b", Vout: 0}, ValueSat: 500_000},
		{OutPoint: store.OutPoint{TxID: "c", Vout: 0}, ValueSat: 80_000},
	}
	selected, _, err := selectCoins(candidates, 40_000, 40.0, 20.0)
	if err != nil {
		t.Fatalf("selectCoins() error = %v", err)
	}
	if selected[0].ValueSat != 50_000 {
		t.Errorf("expected smallest UTXO selected first in the expensive-fee regime, got %+v", selected)
	}
}

func TestSelectCoins_InsufficientFunds(t *testing.T) {
	candidates := []store.UTXO{
		{OutPoint: store.OutPoint{TxID: "a", Vout: 0}, ValueSat: 1000},
	}
	_, _, err := selectCoins(candidates, 50_000, 5.0, 20.0)
	if !errs.Is(err, errs.KindInsufficientFunds) {
		t.Fatalf("expected KindInsufficientFunds, got %v", err)
	}
}

func TestComputeFee_FloorsAtMinRelayFee(t *testing.T) {
	fee, err := computeFee(1, 0, DefaultFeeRateCeilingSatPerByte, MinRelayFeeSat)
	if err != nil {
		t.Fatalf("computeFee() error = %v", err)
	}
	if fee != MinRelayFeeSat {
		t.Errorf("fee = %d, want floor of %d", fee, MinRelayFeeSat)
	}
}

func TestComputeFee_RejectsAboveCeiling(t *testing.T) {
	_, err := computeFee(200, 1.0, 10, MinRelayFeeSat)
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig for a rate above ceiling, got %v", err)
	}
}

func TestBuild_SignsNativeSegWitInputs(t *testing.T) {
	account := testAccount(t)
	keys := &accountKeySource{account: account}

	candidates := []store.UTXO{
		utxoFor(t, account, 0, 0, "aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11aa11", 0, 300_000, true),
	}
	dest, err := wallet.DeriveAddress(account, 0, 5, true)
	if err != nil {
		t.Fatal(err)
	}
	changeInfo, err := wallet.DeriveAddress(account, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	tx, draft, err := Build(candidates, Output{Script: dest.PubkeyScript, Value: 100_000}, changeInfo.PubkeyScript, 1, 0, 0.0001, false, 0, 0, keys)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(tx.TxIn) != 1 {
		t.Fatalf("expected 1 input, got %d", len(tx.TxIn))
	}
	if len(tx.TxIn[0].Witness) != 2 {
		t.Errorf("expected a 2-element witness stack, got %d", len(tx.TxIn[0].Witness))
	}
	if len(tx.TxIn[0].SignatureScript) != 0 {
		t.Error("native segwit input should carry an empty signature script")
	}
	if draft.ChangeValue <= 0 {
		t.Errorf("expected positive change, got %d", draft.ChangeValue)
	}
	if draft.FeeSat < MinRelayFeeSat {
		t.Errorf("fee %d below the relay floor", draft.FeeSat)
	}
	if tx.TxOut[draft.ChangeVout].Value != draft.ChangeValue {
		t.Errorf("ChangeVout does not point at the recorded change value")
	}
}

func TestBuild_SignsNestedSegWitInputs(t *testing.T) {
	account := testAccount(t)
	keys := &accountKeySource{account: account}

	candidates := []store.UTXO{
		utxoFor(t, account, 0, 0, "bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22bb22", 1, 300_000, false),
	}
	dest, err := wallet.DeriveAddress(account, 0, 5, false)
	if err != nil {
		t.Fatal(err)
	}
	changeInfo, err := wallet.DeriveAddress(account, 1, 0, false)
	if err != nil {
		t.Fatal(err)
	}

	tx, _, err := Build(candidates, Output{Script: dest.PubkeyScript, Value: 100_000}, changeInfo.PubkeyScript, 1, 0, 0.0001, false, 0, 0, keys)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(tx.TxIn[0].SignatureScript) == 0 {
		t.Error("nested segwit input must carry a signature script with the redeem script")
	}
	if len(tx.TxIn[0].Witness) != 2 {
		t.Errorf("expected a 2-element witness stack, got %d", len(tx.TxIn[0].Witness))
	}
}

type fakeBroadcaster struct {
	txid string
	err  error
}

func (f *fakeBroadcaster) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.txid, nil
}

func TestBroadcast_AppliesStoreSideEffects(t *testing.T) {
	account := testAccount(t)
	keys := &accountKeySource{account: account}
	st := store.New()

	inputTxID := "cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33cc33"
	candidates := []store.UTXO{
		utxoFor(t, account, 0, 0, inputTxID, 0, 300_000, true),
	}
	st.AddUTXO(candidates[0])

	dest, err := wallet.DeriveAddress(account, 0, 5, true)
	if err != nil {
		t.Fatal(err)
	}
	changeInfo, err := wallet.DeriveAddress(account, 1, 0, true)
	if err != nil {
		t.Fatal(err)
	}

	tx, draft, err := Build(candidates, Output{Script: dest.PubkeyScript, Value: 100_000}, changeInfo.PubkeyScript, 1, 0, 0.0001, false, 0, 0, keys)
	if err != nil {
		t.Fatal(err)
	}

	broadcaster := &fakeBroadcaster{txid: "newtxid"}
	txid, err := Broadcast(context.Background(), broadcaster, tx, draft, st)
	if err != nil {
		t.Fatalf("Broadcast() error = %v", err)
	}
	if txid != "newtxid" {
		t.Errorf("txid = %s, want newtxid", txid)
	}
	if st.HasSpent(store.OutPoint{TxID: inputTxID, Vout: 0}) != true {
		t.Error("consumed input should be recorded as spent")
	}
	utxos := st.UTXOs()
	if len(utxos) != 1 || utxos[0].OutPoint.TxID != "newtxid" {
		t.Errorf("expected a single change UTXO from the new txid, got %+v", utxos)
	}
	if !st.NewHistory() {
		t.Error("expected new_history flag set after broadcast")
	}
}

func TestReplaceByFee_RejectsWhenHistoryMissing(t *testing.T) {
	account := testAccount(t)
	keys := &accountKeySource{account: account}
	st := store.New()
	broadcaster := &fakeBroadcaster{txid: "x"}

	_, err := ReplaceByFee(context.Background(), broadcaster, st, "nosuchtx", &Draft{}, Output{}, 10.0, 0, 0, keys)
	if !errs.Is(err, errs.KindNotReplaceable) {
		t.Fatalf("expected KindNotReplaceable, got %v", err)
	}
}

// ReplaceByFee's exact fee-delta balance accounting is exercised directly
// against Store in store_test.go (TestReplaceSpend_SwapsTxIDAndAppliesFeeDelta),
// since seeding a history entry realistically requires the classify() path
// store owns internally. Its confirmed/not-a-spend preconditions have no
// test here or there.
