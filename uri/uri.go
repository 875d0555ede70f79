// Package uri parses BIP21-style payment URIs (scheme:address?query).
package uri

import (
	"net/url"
	"strings"

	"github.com/duskwallet/core/errs"
)

// PaymentRequest is everything a BIP21 URI can carry that this wallet
// understands: the destination address and an optional amount, kept as
// the exact decimal string the URI carried rather than parsed into a
// float, since satoshi amounts must never lose precision to rounding.
type PaymentRequest struct {
	Scheme  string
	Address string
	Amount  string // "" if the URI carried no amount parameter
	Label   string
	Message string
}

// Parse decodes uri against the expected scheme (e.g. "bitcoin"), matched
// case-insensitively per §6. Any other shape — missing scheme separator,
// wrong scheme, empty address — fails with errs.KindConfig.
func Parse(raw, expectedScheme string) (*PaymentRequest, error) {
	scheme, rest, ok := strings.Cut(raw, ":")
	if !ok {
		return nil, errs.Config("uri: missing scheme separator in %q", raw)
	}
	if !strings.EqualFold(scheme, expectedScheme) {
		return nil, errs.Config("uri: scheme %q does not match expected %q", scheme, expectedScheme)
	}

	address, rawQuery, _ := strings.Cut(rest, "?")
	if address == "" {
		return nil, errs.Config("uri: %q has no address", raw)
	}

	req := &PaymentRequest{Scheme: scheme, Address: address}

	if rawQuery != "" {
		values, err := url.ParseQuery(rawQuery)
		if err != nil {
			return nil, errs.Config("uri: parse query of %q: %v", raw, err)
		}
		req.Amount = values.Get("amount")
		req.Label = values.Get("label")
		req.Message = values.Get("message")
	}

	return req, nil
}
