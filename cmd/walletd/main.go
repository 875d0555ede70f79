// Command walletd is the headless wallet engine process: one spawn per
// wallet session, driven over stdin/stdout by a JSON-line protocol so a
// GUI or another process can own presentation while this binary owns
// keys, chain state, and transaction construction.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"

	"github.com/duskwallet/core/config"
	"github.com/duskwallet/core/core"
	"github.com/duskwallet/core/errs"
	"github.com/duskwallet/core/txbuilder"
	"github.com/duskwallet/core/wallet"
)

const historyPollInterval = 2 * time.Second

// command is one parsed stdin line.
type command struct {
	Type string `json:"type"`

	// mktx
	Address string  `json:"address"`
	Amount  int64   `json:"amount"`
	FeeRate float64 `json:"feerate"`

	// broadcast
	TxHex string `json:"tx_hex"`
	Vout  uint32 `json:"vout"`
}

type wireUTXO struct {
	TxID   string `json:"txid"`
	Vout   uint32 `json:"vout"`
	Value  int64  `json:"value"`
	Branch uint32 `json:"branch"`
	Index  uint32 `json:"index"`
}

type wireHistoryItem struct {
	TxID      string `json:"txid"`
	IsSpend   bool   `json:"is_spend"`
	Value     int64  `json:"value"`
	Height    int64  `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

type walletInfo struct {
	TxHistory []wireHistoryItem `json:"tx_history"`
	UTXOs     []wireUTXO        `json:"utxos"`
}

func main() {
	bech32 := flag.Bool("bech32", false, "derive native segwit (bech32) addresses instead of nested")
	rbf := flag.Bool("rbf", false, "mark new transactions replaceable by fee")
	dataDir := flag.String("data-dir", "./walletdata", "directory for the cached server list")
	proxyAddr := flag.String("proxy", config.DefaultSocksAddr, "SOCKS5 proxy address this process dials through")
	flag.Parse()

	args := flag.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: walletd [flags] <salt> <passphrase>")
		os.Exit(1)
	}
	salt, passphrase := args[0], args[1]

	cfg := config.Config{
		Salt:       salt,
		Passphrase: passphrase,
		RBF:        *rbf,
		Bech32:     *bech32,
		Proxy:      config.SocksProxy{Addr: *proxyAddr},
	}

	w, err := core.New(cfg, wallet.Bitcoin, *dataDir)
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := w.Connect(ctx); err != nil {
		log.Fatal(err)
	}
	defer w.Shutdown()

	out := json.NewEncoder(os.Stdout)
	emitWalletInfo(out, w)

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	ticker := time.NewTicker(historyPollInterval)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if line == "@end" {
				return
			}
			handleCommand(ctx, w, out, line)
		case <-ticker.C:
			if w.StoreSnapshot().NewHistory() {
				emitWalletInfo(out, w)
			}
		case <-ctx.Done():
			return
		}
	}
}

func readLines(f *os.File, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func handleCommand(ctx context.Context, w *core.Wallet, out *json.Encoder, line string) {
	var cmd command
	if err := json.Unmarshal([]byte(line), &cmd); err != nil {
		emitError(out, errs.Config("malformed command line: %v", err))
		return
	}

	switch cmd.Type {
	case "get_address":
		info, err := w.NextReceiveAddress(ctx)
		if err != nil {
			emitError(out, err)
			return
		}
		out.Encode(map[string]string{"address": info.Address})

	case "get_feerate":
		rate, err := w.EstimateFeeRate(ctx, 6)
		if err != nil {
			emitError(out, err)
			return
		}
		out.Encode(map[string]float64{"feerate": rate})

	case "get_balance":
		out.Encode(map[string]int64{
			"confirmed": w.Balance(),
			"zeroconf":  w.ZeroconfBalance(),
		})

	case "get_ypub":
		xpub, err := w.ExportXPUB()
		if err != nil {
			emitError(out, err)
			return
		}
		out.Encode(map[string]string{"ypub": xpub})

	case "mktx":
		handleMktx(ctx, w, out, cmd)

	case "broadcast":
		handleBroadcast(ctx, w, out, cmd)

	default:
		emitError(out, errs.Config("unknown command type %q", cmd.Type))
	}
}

// lastDraft holds the most recently built, not-yet-broadcast transaction.
// The protocol's broadcast command carries only the signed hex and the
// change output's position, not a draft handle, so this process keeps the
// one in-flight draft in memory between the two commands.
var lastDraft *txbuilder.Draft

func handleMktx(ctx context.Context, w *core.Wallet, out *json.Encoder, cmd command) {
	destScript, err := addressToScript(cmd.Address, w.Chain().Params)
	if err != nil {
		emitError(out, errs.Config("mktx: %v", err))
		return
	}

	txHex, draft, err := w.MakeTransaction(ctx, destScript, cmd.Amount, cmd.FeeRate)
	if err != nil {
		emitError(out, err)
		return
	}
	lastDraft = draft

	out.Encode(map[string]interface{}{
		"tx_info": map[string]interface{}{
			"tx_hex":      txHex,
			"fee":         draft.FeeSat,
			"change_vout": draft.ChangeVout,
		},
	})
}

func handleBroadcast(ctx context.Context, w *core.Wallet, out *json.Encoder, cmd command) {
	if lastDraft == nil || lastDraft.ChangeVout != cmd.Vout {
		emitError(out, errs.Config("broadcast: no matching draft for vout %d; call mktx first", cmd.Vout))
		return
	}

	txid, err := w.BroadcastTransaction(ctx, cmd.TxHex, lastDraft)
	lastDraft = nil
	if err != nil {
		emitError(out, err)
		return
	}
	out.Encode(map[string]string{"txid": txid})
}

func addressToScript(addr string, params *chaincfg.Params) ([]byte, error) {
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return nil, fmt.Errorf("decode address %q: %w", addr, err)
	}
	return txscript.PayToAddrScript(decoded)
}

func emitWalletInfo(out *json.Encoder, w *core.Wallet) {
	snap := w.StoreSnapshot()
	history := snap.GetTxHistory()
	wireHistory := make([]wireHistoryItem, len(history))
	for i, item := range history {
		wireHistory[i] = wireHistoryItem{
			TxID:      item.TxID,
			IsSpend:   item.IsSpend,
			Value:     item.ValueSat,
			Height:    item.Height,
			Timestamp: item.Timestamp.Unix(),
		}
	}

	utxos := snap.UTXOs()
	wireUTXOs := make([]wireUTXO, len(utxos))
	for i, u := range utxos {
		wireUTXOs[i] = wireUTXO{
			TxID:   u.TxID,
			Vout:   u.Vout,
			Value:  u.ValueSat,
			Branch: u.Branch,
			Index:  u.Index,
		}
	}

	out.Encode(map[string]walletInfo{
		"wallet_info": {TxHistory: wireHistory, UTXOs: wireUTXOs},
	})
}

func emitError(out *json.Encoder, err error) {
	out.Encode(map[string]string{"error": err.Error()})
}
