package wallet

import (
	"encoding/hex"
	"testing"
)

func TestExportParseXPUB_RoundTrips(t *testing.T) {
	secret, chainCode, err := DeriveKey("xpub-test@example.com", "hunter2hunter2", true)
	if err != nil {
		t.Fatal(err)
	}
	master, err := NewMasterNode(secret, chainCode)
	if err != nil {
		t.Fatal(err)
	}
	account, err := DeriveAccount(master, Bitcoin, PurposeNativeSegWit, 0)
	if err != nil {
		t.Fatal(err)
	}

	xpub, err := ExportXPUB(account, true)
	if err != nil {
		t.Fatalf("ExportXPUB() error = %v", err)
	}
	if len(xpub) == 0 {
		t.Fatal("expected non-empty xpub string")
	}

	version, depth, _, childNum, parsedChainCode, parsedPubKey, err := ParseXPUB(xpub)
	if err != nil {
		t.Fatalf("ParseXPUB() error = %v", err)
	}
	if version != Bitcoin.nativeVersion {
		t.Errorf("version = %x, want %x", version, Bitcoin.nativeVersion)
	}
	if depth != account.node.depth {
		t.Errorf("depth = %d, want %d", depth, account.node.depth)
	}
	if childNum != account.node.childNum {
		t.Errorf("childNum = %d, want %d", childNum, account.node.childNum)
	}
	if hex.EncodeToString(parsedChainCode) != hex.EncodeToString(account.node.chainCode) {
		t.Error("parsed chain code does not match the original account node")
	}
	wantPubKey := account.node.PubKey().SerializeCompressed()
	if hex.EncodeToString(parsedPubKey) != hex.EncodeToString(wantPubKey) {
		t.Error("parsed public key does not match the original account node")
	}
}

func TestExportXPUB_VersionByAddressType(t *testing.T) {
	secret, chainCode, err := DeriveKey("xpub-version@example.com", "hunter2hunter2", true)
	if err != nil {
		t.Fatal(err)
	}
	master, err := NewMasterNode(secret, chainCode)
	if err != nil {
		t.Fatal(err)
	}
	account, err := DeriveAccount(master, Bitcoin, PurposeNestedSegWit, 0)
	if err != nil {
		t.Fatal(err)
	}

	nested, err := ExportXPUB(account, false)
	if err != nil {
		t.Fatal(err)
	}
	native, err := ExportXPUB(account, true)
	if err != nil {
		t.Fatal(err)
	}
	if nested == native {
		t.Error("nested and native XPUB export should use distinct version bytes")
	}
	if nested[0] != 'y' && nested[0] != 'Y' {
		t.Logf("nested xpub leading char = %q (informational, base58 leading char depends on checksum too)", nested[0])
	}
}

func TestParseXPUB_RejectsBadChecksum(t *testing.T) {
	secret, chainCode, err := DeriveKey("xpub-bad@example.com", "hunter2hunter2", true)
	if err != nil {
		t.Fatal(err)
	}
	master, err := NewMasterNode(secret, chainCode)
	if err != nil {
		t.Fatal(err)
	}
	account, err := DeriveAccount(master, Bitcoin, PurposeNativeSegWit, 0)
	if err != nil {
		t.Fatal(err)
	}
	xpub, err := ExportXPUB(account, true)
	if err != nil {
		t.Fatal(err)
	}
	corrupted := xpub[:len(xpub)-1] + "x"
	if _, _, _, _, _, _, err := ParseXPUB(corrupted); err == nil {
		t.Fatal("expected checksum mismatch error")
	}
}
