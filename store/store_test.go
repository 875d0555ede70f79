package store

import (
	"testing"

	"github.com/duskwallet/core/errs"
)

func TestBalance_SumsBuckets(t *testing.T) {
	s := New()
	s.setBucketBalance(bucketKey{Branch: 0, Index: 0}, 1000, 200)
	s.setBucketBalance(bucketKey{Branch: 0, Index: 1}, 500, 0)
	if got := s.Balance(); got != 1500 {
		t.Errorf("Balance() = %d, want 1500", got)
	}
	if got := s.ZeroconfBalance(); got != 200 {
		t.Errorf("ZeroconfBalance() = %d, want 200", got)
	}
}

func TestSetUsed_GrowsBitmapWithoutShrinking(t *testing.T) {
	s := New()
	s.SetUsed(0, 3, true)
	bitmap := s.UsedBitmap(0)
	if len(bitmap) != 4 {
		t.Fatalf("bitmap length = %d, want 4", len(bitmap))
	}
	if !bitmap[3] {
		t.Error("index 3 should be used")
	}
	for _, i := range []int{0, 1, 2} {
		if bitmap[i] {
			t.Errorf("index %d should be unused", i)
		}
	}
}

func TestUTXO_SpendAndRestore(t *testing.T) {
	s := New()
	op := OutPoint{TxID: "abc", Vout: 0}
	s.AddUTXO(UTXO{OutPoint: op, ValueSat: 5000})

	moved := s.SpendUTXOs([]OutPoint{op})
	if len(moved) != 1 {
		t.Fatalf("expected 1 moved UTXO, got %d", len(moved))
	}
	if len(s.UTXOs()) != 0 {
		t.Error("UTXO should have left the unspent set")
	}
	if !s.HasSpent(op) {
		t.Error("outpoint should be recorded as spent")
	}

	s.RestoreUTXOs([]OutPoint{op})
	if len(s.UTXOs()) != 1 {
		t.Error("UTXO should be back in the unspent set")
	}
	if s.HasSpent(op) {
		t.Error("outpoint should no longer be recorded as spent")
	}
}

func TestAddUTXO_SkipsAlreadySpent(t *testing.T) {
	s := New()
	op := OutPoint{TxID: "abc", Vout: 0}
	s.AddUTXO(UTXO{OutPoint: op, ValueSat: 1000})
	s.SpendUTXOs([]OutPoint{op})
	s.AddUTXO(UTXO{OutPoint: op, ValueSat: 1000})
	if len(s.UTXOs()) != 0 {
		t.Error("re-adding a spent outpoint must not resurrect it")
	}
}

func TestMergeHistoryItem_ReplacesOnConfirmation(t *testing.T) {
	s := New()
	key := bucketKey{Branch: 0, Index: 0}
	s.mergeHistoryItem(key, HistoryItem{TxID: "t1", Height: 0})
	s.mergeHistoryItem(key, HistoryItem{TxID: "t1", Height: 100})

	items := s.GetTxHistory()
	if len(items) != 1 {
		t.Fatalf("expected deduped single entry, got %d", len(items))
	}
	if items[0].Height != 100 {
		t.Errorf("Height = %d, want 100 (confirmation should replace zero-conf entry)", items[0].Height)
	}
}

func TestGetTxHistory_ConfirmedBeforeUnconfirmed(t *testing.T) {
	s := New()
	key := bucketKey{Branch: 0, Index: 0}
	s.mergeHistoryItem(key, HistoryItem{TxID: "unconfirmed", Height: 0})
	s.mergeHistoryItem(key, HistoryItem{TxID: "confirmed", Height: 50})

	items := s.GetTxHistory()
	if len(items) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(items))
	}
	if items[0].TxID != "confirmed" {
		t.Errorf("first entry = %s, want confirmed first", items[0].TxID)
	}
}

func TestApplyBroadcast_UpdatesBalancesAndUTXO(t *testing.T) {
	s := New()
	s.setBucketBalance(bucketKey{Branch: 1, Index: 0}, 10000, 0)
	s.ApplyBroadcast(1, 0, 3000, "newtx", 1, 6900, []byte{0xde, 0xad})

	if got := s.Balance(); got != 10000-3000 {
		t.Errorf("Balance() = %d, want %d", got, 10000-3000)
	}
	if got := s.ZeroconfBalance(); got != 6900 {
		t.Errorf("ZeroconfBalance() = %d, want 6900", got)
	}
	utxos := s.UTXOs()
	if len(utxos) != 1 || utxos[0].ValueSat != 6900 {
		t.Errorf("expected change UTXO of 6900 sat, got %+v", utxos)
	}
	if !s.NewHistory() {
		t.Error("expected new_history flag to be set after broadcast")
	}
}

func TestOwnerOf_RegisteredAddress(t *testing.T) {
	s := New()
	script := []byte{0x00, 0x14, 0xaa}
	s.RegisterAddress(0, 5, script, "")
	key, ok := s.ownerOf(script)
	if !ok {
		t.Fatal("expected registered script to resolve an owner")
	}
	if key.Branch != 0 || key.Index != 5 {
		t.Errorf("owner = %+v, want branch=0 index=5", key)
	}
}

func TestFindHistoryItem_LocatesAcrossBuckets(t *testing.T) {
	s := New()
	s.mergeHistoryItem(bucketKey{Branch: 0, Index: 0}, HistoryItem{TxID: "r1", Height: 10})
	s.mergeHistoryItem(bucketKey{Branch: 1, Index: 2}, HistoryItem{TxID: "spend1", Height: 0, IsSpend: true})

	item, ok := s.FindHistoryItem("spend1")
	if !ok {
		t.Fatal("expected to find spend1")
	}
	if !item.IsSpend || item.Height != 0 {
		t.Errorf("item = %+v, want unconfirmed spend", item)
	}

	if _, ok := s.FindHistoryItem("nope"); ok {
		t.Error("expected missing txid to report not found")
	}
}

func TestReplaceSpend_SwapsTxIDAndAppliesFeeDelta(t *testing.T) {
	s := New()
	changeKey := bucketKey{Branch: 1, Index: 0}
	s.setBucketBalance(changeKey, 9000, 0)
	s.mergeHistoryItem(changeKey, HistoryItem{TxID: "oldtx", Height: 0, IsSpend: true, ValueSat: 5000})
	oldChange := UTXO{OutPoint: OutPoint{TxID: "oldtx", Vout: 1}, ValueSat: 9000, Branch: 1, Index: 0}
	s.AddUTXO(oldChange)

	newChange := UTXO{OutPoint: OutPoint{TxID: "newtx", Vout: 1}, ValueSat: 8700, Branch: 1, Index: 0}
	if err := s.ReplaceSpend("oldtx", "newtx", 300, newChange); err != nil {
		t.Fatalf("ReplaceSpend() error = %v", err)
	}

	item, ok := s.FindHistoryItem("newtx")
	if !ok {
		t.Fatal("expected history entry to carry the new txid")
	}
	if item.ValueSat != 5000 {
		t.Errorf("ValueSat = %d, want preserved 5000", item.ValueSat)
	}
	if _, ok := s.FindHistoryItem("oldtx"); ok {
		t.Error("old txid should no longer be present")
	}

	if got := s.Balance(); got != 9000-300 {
		t.Errorf("Balance() = %d, want %d", got, 9000-300)
	}

	utxos := s.UTXOs()
	if len(utxos) != 1 || utxos[0].OutPoint != newChange.OutPoint {
		t.Errorf("expected only the new change UTXO, got %+v", utxos)
	}
	if !s.NewHistory() {
		t.Error("expected new_history flag to be set")
	}
}

func TestReplaceSpend_ErrorsWhenTxIDUnknown(t *testing.T) {
	s := New()
	err := s.ReplaceSpend("missing", "newtx", 100, UTXO{})
	if err == nil {
		t.Fatal("expected error for unknown txid")
	}
	if !errs.Is(err, errs.KindNotReplaceable) {
		t.Errorf("expected KindNotReplaceable, got %v", err)
	}
}

func TestLookupScriptHash_ResolvesRegisteredAddress(t *testing.T) {
	s := New()
	script := []byte{0x00, 0x14, 0xaa}
	s.RegisterAddress(2, 7, script, "deadbeef")

	branch, index, gotScript, ok := s.LookupScriptHash("deadbeef")
	if !ok {
		t.Fatal("expected registered scripthash to resolve")
	}
	if branch != 2 || index != 7 {
		t.Errorf("branch/index = %d/%d, want 2/7", branch, index)
	}
	if string(gotScript) != string(script) {
		t.Errorf("script = %x, want %x", gotScript, script)
	}

	if _, _, _, ok := s.LookupScriptHash("unknown"); ok {
		t.Error("expected unregistered scripthash to report not found")
	}
}

func TestIsChangeScript(t *testing.T) {
	s := New()
	changeScript := []byte{0x00, 0x14, 0xbb}
	receiveScript := []byte{0x00, 0x14, 0xcc}
	s.RegisterAddress(1, 0, changeScript, "")
	s.RegisterAddress(0, 0, receiveScript, "")
	if !s.isChangeScript(changeScript) {
		t.Error("expected change branch script to be recognized as change")
	}
	if s.isChangeScript(receiveScript) {
		t.Error("receive branch script must not be recognized as change")
	}
}
