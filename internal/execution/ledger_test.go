package execution

import (
	"encoding/json"
	"math/big"
	"testing"
)

func TestLedgerNeverGoesNegative(t *testing.T) {
	l := NewLedger("ETH", "USDC")
	l.Set("ETH", big.NewInt(10))
	l.Sub("ETH", big.NewInt(25))
	if l.Get("ETH").Sign() != 0 {
		t.Fatalf("expected floor at zero, got %s", l.Get("ETH"))
	}
	l.Set("USDC", big.NewInt(-4))
	if l.Get("USDC").Sign() != 0 {
		t.Fatalf("expected negative set to floor at zero, got %s", l.Get("USDC"))
	}
	l.Add("USDC", big.NewInt(7))
	l.Add("USDC", nil)
	if l.Get("USDC").Int64() != 7 {
		t.Fatalf("unexpected USDC entry %s", l.Get("USDC"))
	}
}

func TestLedgerClamp(t *testing.T) {
	l := NewLedger("ETH")
	l.Set("ETH", big.NewInt(100))

	if removed := l.Clamp("ETH", big.NewInt(150)); removed.Sign() != 0 {
		t.Fatalf("no clamp expected when balance covers the entry, removed %s", removed)
	}
	removed := l.Clamp("ETH", big.NewInt(60))
	if removed.Int64() != 40 || l.Get("ETH").Int64() != 60 {
		t.Fatalf("expected clamp to 60 removing 40, got entry=%s removed=%s", l.Get("ETH"), removed)
	}
}

func TestLedgerGetReturnsCopy(t *testing.T) {
	l := NewLedger("ETH")
	l.Set("ETH", big.NewInt(5))
	v := l.Get("ETH")
	v.SetInt64(99)
	if l.Get("ETH").Int64() != 5 {
		t.Fatalf("Get must not expose internal state")
	}
	if l.Get("DAI").Sign() != 0 {
		t.Fatalf("missing entries read as zero")
	}
}

func TestLedgerJSON(t *testing.T) {
	l := NewLedger("ETH", "USDC")
	l.Set("ETH", new(big.Int).Exp(big.NewInt(10), big.NewInt(20), nil))
	buf, err := json.Marshal(l)
	if err != nil {
		t.Fatalf("marshal ledger: %v", err)
	}
	if string(buf) != `{"ETH":"100000000000000000000","USDC":"0"}` {
		t.Fatalf("unexpected ledger json %s", buf)
	}

	var decoded Ledger
	if err := json.Unmarshal([]byte(`{"ETH":"-1"}`), &decoded); err == nil {
		t.Fatalf("expected negative amount to be rejected")
	}
	if err := json.Unmarshal([]byte(`{"ETH":"1.5"}`), &decoded); err == nil {
		t.Fatalf("expected fractional amount to be rejected")
	}
}
