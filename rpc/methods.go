package rpc

import (
	"context"
	"encoding/json"

	"github.com/duskwallet/core/errs"
)

// HistoryEntry is one element of blockchain.scripthash.get_history's
// result.
type HistoryEntry struct {
	TxHash string `json:"tx_hash"`
	Height int64  `json:"height"`
}

// Balance is blockchain.scripthash.get_balance's result, in satoshis.
type Balance struct {
	Confirmed   int64 `json:"confirmed"`
	Unconfirmed int64 `json:"unconfirmed"`
}

// UnspentEntry is one element of blockchain.scripthash.listunspent's
// result.
type UnspentEntry struct {
	TxHash string `json:"tx_hash"`
	TxPos  int    `json:"tx_pos"`
	Height int64  `json:"height"`
	Value  int64  `json:"value"`
}

// GetTransaction fetches the raw hex for txid via
// blockchain.transaction.get.
func (c *Client) GetTransaction(ctx context.Context, txid string) (string, error) {
	raw, err := c.Request(ctx, "blockchain.transaction.get", txid)
	if err != nil {
		return "", err
	}
	var hexStr string
	if err := json.Unmarshal(raw, &hexStr); err != nil {
		return "", errs.Network(err, "decode blockchain.transaction.get result")
	}
	return hexStr, nil
}

// GetBalance fetches the confirmed/unconfirmed balance for a scripthash.
func (c *Client) GetBalance(ctx context.Context, scripthash string) (Balance, error) {
	raw, err := c.Request(ctx, "blockchain.scripthash.get_balance", scripthash)
	if err != nil {
		return Balance{}, err
	}
	var bal Balance
	if err := json.Unmarshal(raw, &bal); err != nil {
		return Balance{}, errs.Network(err, "decode blockchain.scripthash.get_balance result")
	}
	return bal, nil
}

// GetHistory fetches the confirmed+unconfirmed tx list for a scripthash.
func (c *Client) GetHistory(ctx context.Context, scripthash string) ([]HistoryEntry, error) {
	raw, err := c.Request(ctx, "blockchain.scripthash.get_history", scripthash)
	if err != nil {
		return nil, err
	}
	var entries []HistoryEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.Network(err, "decode blockchain.scripthash.get_history result")
	}
	return entries, nil
}

// ListUnspent fetches the UTXO set visible at a scripthash.
func (c *Client) ListUnspent(ctx context.Context, scripthash string) ([]UnspentEntry, error) {
	raw, err := c.Request(ctx, "blockchain.scripthash.listunspent", scripthash)
	if err != nil {
		return nil, err
	}
	var entries []UnspentEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errs.Network(err, "decode blockchain.scripthash.listunspent result")
	}
	return entries, nil
}

// SubscribeScripthash subscribes to a scripthash and returns its current
// status (a hash string, or "" if the address has no history).
func (c *Client) SubscribeScripthash(ctx context.Context, scripthash string) (string, error) {
	raw, err := c.Subscribe(ctx, "blockchain.scripthash.subscribe", scripthash)
	if err != nil {
		return "", err
	}
	var status *string
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", errs.Network(err, "decode blockchain.scripthash.subscribe result")
	}
	if status == nil {
		return "", nil
	}
	return *status, nil
}

// BlockHeader is the subset of blockchain.block.get_header's result this
// wallet needs: the block's timestamp, used to stamp confirmed history
// items.
type BlockHeader struct {
	Timestamp int64 `json:"timestamp"`
}

// GetBlockHeader fetches the header at height.
func (c *Client) GetBlockHeader(ctx context.Context, height int64) (BlockHeader, error) {
	raw, err := c.Request(ctx, "blockchain.block.get_header", height)
	if err != nil {
		return BlockHeader{}, err
	}
	var hdr BlockHeader
	if err := json.Unmarshal(raw, &hdr); err != nil {
		return BlockHeader{}, errs.Network(err, "decode blockchain.block.get_header result")
	}
	return hdr, nil
}

// EstimateFee fetches the estimated fee rate, in coin per kilobyte, for
// confirmation within numBlocks blocks. A result of -1 means the server
// has no estimate.
func (c *Client) EstimateFee(ctx context.Context, numBlocks int) (float64, error) {
	raw, err := c.Request(ctx, "blockchain.estimatefee", numBlocks)
	if err != nil {
		return 0, err
	}
	var rate float64
	if err := json.Unmarshal(raw, &rate); err != nil {
		return 0, errs.Network(err, "decode blockchain.estimatefee result")
	}
	if rate < 0 {
		return 0, errs.RPC(-1, "server has no fee estimate")
	}
	return rate, nil
}

// Broadcast submits a raw signed transaction as hex and returns its
// txid.
func (c *Client) Broadcast(ctx context.Context, rawTxHex string) (string, error) {
	raw, err := c.Request(ctx, "blockchain.transaction.broadcast", rawTxHex)
	if err != nil {
		return "", err
	}
	var txid string
	if err := json.Unmarshal(raw, &txid); err != nil {
		return "", errs.Network(err, "decode blockchain.transaction.broadcast result")
	}
	return txid, nil
}
