package uri

import (
	"testing"

	"github.com/duskwallet/core/errs"
)

func TestParse_AddressOnly(t *testing.T) {
	req, err := Parse("bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "bitcoin")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.Address != "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4" {
		t.Errorf("Address = %q", req.Address)
	}
	if req.Amount != "" {
		t.Errorf("expected empty amount, got %q", req.Amount)
	}
}

func TestParse_WithAmountAndLabel(t *testing.T) {
	req, err := Parse("bitcoin:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4?amount=0.00015000&label=coffee", "bitcoin")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.Amount != "0.00015000" {
		t.Errorf("Amount = %q, want exact decimal string preserved", req.Amount)
	}
	if req.Label != "coffee" {
		t.Errorf("Label = %q", req.Label)
	}
}

func TestParse_SchemeIsCaseInsensitive(t *testing.T) {
	req, err := Parse("BITCOIN:bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "bitcoin")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.Address == "" {
		t.Error("expected address to be parsed despite scheme casing")
	}
}

func TestParse_RejectsMissingScheme(t *testing.T) {
	_, err := Parse("bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4", "bitcoin")
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}

func TestParse_RejectsWrongScheme(t *testing.T) {
	_, err := Parse("litecoin:LTC1qsomething", "bitcoin")
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}

func TestParse_RejectsEmptyAddress(t *testing.T) {
	_, err := Parse("bitcoin:?amount=1.0", "bitcoin")
	if !errs.Is(err, errs.KindConfig) {
		t.Fatalf("expected KindConfig, got %v", err)
	}
}
