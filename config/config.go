// Package config defines the options the outer shell passes into the
// wallet engine at construction.
package config

import (
	"fmt"

	"github.com/duskwallet/core/errs"
)

// Unit is a display-only denomination for coin amounts.
type Unit int

const (
	UnitCoin Unit = iota
	UnitMilliCoin
	UnitMicroCoin
)

func (u Unit) String() string {
	switch u {
	case UnitCoin:
		return "COIN"
	case UnitMilliCoin:
		return "mCOIN"
	case UnitMicroCoin:
		return "uCOIN"
	default:
		return "unknown"
	}
}

// Currency is a display-only fiat currency code.
type Currency int

const (
	CurrencyUSD Currency = iota
	CurrencyEUR
	CurrencyGBP
	CurrencyAUD
	CurrencyCAD
	CurrencyJPY
	CurrencyCNY
)

func (c Currency) String() string {
	switch c {
	case CurrencyUSD:
		return "USD"
	case CurrencyEUR:
		return "EUR"
	case CurrencyGBP:
		return "GBP"
	case CurrencyAUD:
		return "AUD"
	case CurrencyCAD:
		return "CAD"
	case CurrencyJPY:
		return "JPY"
	case CurrencyCNY:
		return "CNY"
	default:
		return "unknown"
	}
}

// PriceAPI names a fiat exchange-rate source. No client for either value
// ships with this package; it exists so the option round-trips and a
// PriceFetcher can be wired in by the enclosing process.
type PriceAPI int

const (
	PriceAPIBitcoinAverage PriceAPI = iota
	PriceAPICryptoCompare
)

func (p PriceAPI) String() string {
	switch p {
	case PriceAPIBitcoinAverage:
		return "BitcoinAverage"
	case PriceAPICryptoCompare:
		return "CryptoCompare"
	default:
		return "unknown"
	}
}

// PriceFetcher resolves a PriceAPI selection into a fiat rate. No
// implementation ships in this module; fiat exchange-rate scraping is an
// external collaborator left to the enclosing process.
type PriceFetcher interface {
	Rate(currency Currency) (float64, error)
}

// SocksProxy describes the local SOCKS5 proxy the RPC client dials
// through.
type SocksProxy struct {
	Addr string // host:port, e.g. "127.0.0.1:9050"
}

// Config holds every option the wallet engine needs at construction. All
// fields have a usable zero value except Salt and Passphrase.
type Config struct {
	// Salt and Passphrase are the two KDF inputs. Required.
	Salt       string
	Passphrase string

	// RBF marks new transactions replaceable. Default false.
	RBF bool
	// Bech32 selects native (true) vs nested (false) SegWit addresses.
	// Default false.
	Bech32 bool

	Units    Unit
	Currency Currency
	PriceAPI PriceAPI

	// Proxy is the SOCKS5 proxy every RPC connection is dialed through.
	Proxy SocksProxy

	// FeeRateCeilingSatPerByte and MinRelayFeeSat override the spec's
	// hard-coded 2000 sat/byte ceiling and 1000 sat minimum relay fee.
	// Zero means "use the default".
	FeeRateCeilingSatPerByte int64
	MinRelayFeeSat           int64
}

// DefaultSocksAddr is the conventional local Tor SOCKS5 listener.
const DefaultSocksAddr = "127.0.0.1:9050"

// Validate checks the fields that can be checked without network access
// and fills in defaults, returning a *errs.Error of KindConfig on failure.
func (c *Config) Validate() error {
	if c.Salt == "" {
		return errs.Config("salt must not be empty")
	}
	if c.Passphrase == "" {
		return errs.Config("passphrase must not be empty")
	}
	if c.Proxy.Addr == "" {
		c.Proxy.Addr = DefaultSocksAddr
	}
	if c.FeeRateCeilingSatPerByte < 0 {
		return errs.Config("fee rate ceiling must not be negative")
	}
	if c.MinRelayFeeSat < 0 {
		return errs.Config("minimum relay fee must not be negative")
	}
	return nil
}

// String renders a Config without the passphrase, for logging.
func (c *Config) String() string {
	return fmt.Sprintf("Config{salt=%q, rbf=%t, bech32=%t, units=%s, currency=%s, proxy=%s}",
		c.Salt, c.RBF, c.Bech32, c.Units, c.Currency, c.Proxy.Addr)
}
