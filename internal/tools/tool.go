// Package tools is the catalog of named operations a plan step can invoke.
//
// Every tool declares a Capability describing how it moves the user's funds,
// and the saga runner derives ledger updates and verification from that
// declaration alone.
package tools

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
)

type Effect string

const (
	// EffectConvert spends one asset and receives another.
	EffectConvert Effect = "convert"
	// EffectEscrow moves liquid funds into a position.
	EffectEscrow Effect = "escrow"
	// EffectRelease moves funds out of a position back to liquid.
	EffectRelease Effect = "release"
)

// Capability is the declared financial effect of a tool. Spends is the asset
// whose amount the step parameter denominates; Receives is the liquid asset
// the step is expected to credit, empty for escrow.
type Capability struct {
	Effect   Effect `json:"effect"`
	Spends   string `json:"spends"`
	Receives string `json:"receives,omitempty"`
}

func (c Capability) Validate() error {
	switch c.Effect {
	case EffectConvert:
		if c.Spends == "" || c.Receives == "" || c.Spends == c.Receives {
			return fmt.Errorf("convert capability needs two distinct assets")
		}
	case EffectEscrow:
		if c.Spends == "" || c.Receives != "" {
			return fmt.Errorf("escrow capability spends one asset and receives none")
		}
	case EffectRelease:
		if c.Spends == "" || c.Receives != c.Spends {
			return fmt.Errorf("release capability must receive the asset it releases")
		}
	default:
		return fmt.Errorf("unknown effect %q", c.Effect)
	}
	return nil
}

// Request is a resolved invocation: Amount is atomic and already bounded by
// the user's ledger.
type Request struct {
	Amount *big.Int
	Params map[string]string
}

type Result struct {
	// TxRef is the transaction that produced the step's effect.
	TxRef string
	// TxRefs lists every transaction sent, approvals included.
	TxRefs []string
	// MinReceived, when known, is the least amount of the received asset the
	// transaction guarantees.
	MinReceived *big.Int
	Summary     string
}

type Tool interface {
	Name() string
	Description() string
	Capability() Capability
	Invoke(ctx context.Context, gw chain.Gateway, req Request) (Result, error)
}

// Descriptor is the serializable view of a registered tool.
type Descriptor struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Capability  Capability `json:"capability"`
}

type Registry struct {
	tools map[string]Tool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return clierr.New(clierr.CodeInternal, "nil tool")
	}
	name := strings.TrimSpace(tool.Name())
	if name == "" {
		return clierr.New(clierr.CodeInternal, "tool name is required")
	}
	if _, exists := r.tools[name]; exists {
		return clierr.New(clierr.CodeConflict, fmt.Sprintf("tool %q already registered", name))
	}
	if err := tool.Capability().Validate(); err != nil {
		return clierr.Wrap(clierr.CodeInternal, fmt.Sprintf("tool %q", name), err)
	}
	r.tools[name] = tool
	return nil
}

func (r *Registry) Lookup(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	tool, ok := r.tools[strings.TrimSpace(name)]
	return tool, ok
}

func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Describe() []Descriptor {
	names := r.Names()
	out := make([]Descriptor, 0, len(names))
	for _, name := range names {
		tool := r.tools[name]
		out = append(out, Descriptor{Name: name, Description: tool.Description(), Capability: tool.Capability()})
	}
	return out
}
