package execution

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Ledger maps asset symbols to non-negative atomic amounts. It serializes
// as a JSON object of decimal strings.
type Ledger struct {
	entries map[string]*big.Int
}

func NewLedger(symbols ...string) Ledger {
	l := Ledger{entries: make(map[string]*big.Int, len(symbols))}
	for _, symbol := range symbols {
		l.entries[symbol] = new(big.Int)
	}
	return l
}

// Get returns a copy of the entry, zero when absent.
func (l Ledger) Get(symbol string) *big.Int {
	if v, ok := l.entries[symbol]; ok {
		return new(big.Int).Set(v)
	}
	return new(big.Int)
}

// Set stores v, flooring negative values at zero.
func (l *Ledger) Set(symbol string, v *big.Int) {
	if l.entries == nil {
		l.entries = map[string]*big.Int{}
	}
	next := new(big.Int)
	if v != nil && v.Sign() > 0 {
		next.Set(v)
	}
	l.entries[symbol] = next
}

func (l *Ledger) Add(symbol string, v *big.Int) {
	if v == nil {
		return
	}
	l.Set(symbol, new(big.Int).Add(l.Get(symbol), v))
}

// Sub subtracts v and floors at zero.
func (l *Ledger) Sub(symbol string, v *big.Int) {
	if v == nil {
		return
	}
	l.Set(symbol, new(big.Int).Sub(l.Get(symbol), v))
}

// Clamp lowers the entry to balance and returns the amount removed.
func (l *Ledger) Clamp(symbol string, balance *big.Int) *big.Int {
	current := l.Get(symbol)
	if balance == nil || current.Cmp(balance) <= 0 {
		return new(big.Int)
	}
	l.Set(symbol, balance)
	return new(big.Int).Sub(current, l.Get(symbol))
}

func (l Ledger) Symbols() []string {
	out := make([]string, 0, len(l.entries))
	for symbol := range l.entries {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}

func (l Ledger) IsZero() bool {
	for _, v := range l.entries {
		if v.Sign() != 0 {
			return false
		}
	}
	return true
}

func (l Ledger) String() string {
	out := "{"
	for i, symbol := range l.Symbols() {
		if i > 0 {
			out += " "
		}
		out += fmt.Sprintf("%s:%s", symbol, l.entries[symbol])
	}
	return out + "}"
}

func (l Ledger) MarshalJSON() ([]byte, error) {
	raw := make(map[string]string, len(l.entries))
	for symbol, v := range l.entries {
		raw[symbol] = v.String()
	}
	return json.Marshal(raw)
}

func (l *Ledger) UnmarshalJSON(data []byte) error {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	l.entries = make(map[string]*big.Int, len(raw))
	for symbol, s := range raw {
		v, ok := new(big.Int).SetString(s, 10)
		if !ok || v.Sign() < 0 {
			return fmt.Errorf("invalid ledger amount %q for %s", s, symbol)
		}
		l.entries[symbol] = v
	}
	return nil
}
