// Package out builds response envelopes and renders them as JSON or
// key=value lines.
package out

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/config"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/model"
)

func Success(command, requestID string, data any, warnings []string) model.Envelope {
	return model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Warnings: warnings,
		Meta:     meta(command, requestID),
	}
}

// Failure maps err onto the error body. Errors without a code are reported
// as internal.
func Failure(command, requestID string, err error) model.Envelope {
	code := clierr.CodeOf(err)
	return model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Error: &model.ErrorBody{
			Code:    int(code),
			Type:    code.Name(),
			Message: err.Error(),
		},
		Meta: meta(command, requestID),
	}
}

func meta(command, requestID string) model.EnvelopeMeta {
	return model.EnvelopeMeta{RequestID: requestID, Timestamp: time.Now().UTC(), Command: command}
}

// BalanceViews formats raw balances in asset order. Assets missing from raw
// are reported as zero.
func BalanceViews(assets id.Assets, raw map[string]*big.Int) []model.BalanceView {
	views := make([]model.BalanceView, 0, len(assets))
	for _, asset := range assets {
		amount := raw[asset.Symbol]
		if amount == nil {
			amount = new(big.Int)
		}
		views = append(views, model.BalanceView{
			Asset:           asset.Symbol,
			AmountBaseUnits: amount.String(),
			AmountDecimal:   id.FormatAtomic(amount, asset.Decimals),
			Decimals:        asset.Decimals,
		})
	}
	return views
}

// Render writes env in the configured output mode. Select paths are dotted
// ("plan.destination_address") and apply to each element of list data;
// results-only drops the envelope around data.
func Render(w io.Writer, env model.Envelope, settings config.Settings) error {
	data, err := generic(env.Data)
	if err != nil {
		return err
	}
	if len(settings.SelectFields) > 0 {
		data = selectPaths(data, settings.SelectFields)
	}

	if settings.ResultsOnly {
		if settings.OutputMode == "json" {
			return writeJSON(w, data)
		}
		return writePlain(w, data)
	}
	if settings.OutputMode == "json" {
		env.Data = data
		return writeJSON(w, env)
	}
	whole, err := generic(env)
	if err != nil {
		return err
	}
	if m, ok := whole.(map[string]any); ok {
		m["data"] = data
	}
	return writePlain(w, whole)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writePlain prints one key=value line per object, one line per element
// for top-level lists. Nested keys are flattened with dots.
func writePlain(w io.Writer, data any) error {
	items, isList := data.([]any)
	if !isList {
		items = []any{data}
	} else if len(items) == 0 {
		_, err := fmt.Fprintln(w, "[]")
		return err
	}
	for _, item := range items {
		if _, err := fmt.Fprintln(w, plainLine(item)); err != nil {
			return err
		}
	}
	return nil
}

func plainLine(v any) string {
	m, ok := v.(map[string]any)
	if !ok {
		return scalar(v)
	}
	flat := map[string]string{}
	flatten("", m, flat)
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+flat[k])
	}
	return strings.Join(parts, " ")
}

func flatten(prefix string, v any, dst map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}
	switch t := v.(type) {
	case map[string]any:
		if len(t) == 0 && prefix != "" {
			dst[prefix] = "{}"
		}
		for k, child := range t {
			flatten(join(k), child, dst)
		}
	case []any:
		if len(t) == 0 {
			dst[prefix] = "[]"
		}
		for i, child := range t {
			flatten(join(strconv.Itoa(i)), child, dst)
		}
	default:
		dst[prefix] = scalar(v)
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "null"
	case string:
		if t == "" || strings.ContainsAny(t, " \t\n=\"") {
			return strconv.Quote(t)
		}
		return t
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	default:
		buf, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(buf)
	}
}

// generic round-trips v through JSON so struct tags decide field names.
// Numbers stay json.Number to keep large values exact.
func generic(v any) (any, error) {
	buf, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode output: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode output: %w", err)
	}
	return out, nil
}

func selectPaths(data any, paths []string) any {
	switch t := data.(type) {
	case []any:
		out := make([]any, 0, len(t))
		for _, item := range t {
			if m, ok := item.(map[string]any); ok {
				out = append(out, pick(m, paths))
			}
		}
		return out
	case map[string]any:
		return pick(t, paths)
	default:
		return data
	}
}

// pick keeps the listed paths, rebuilding their parent objects. Missing
// paths are skipped.
func pick(m map[string]any, paths []string) map[string]any {
	out := map[string]any{}
	for _, path := range paths {
		parts := strings.Split(strings.TrimSpace(path), ".")
		v, ok := lookup(m, parts)
		if !ok {
			continue
		}
		dst := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := dst[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				dst[p] = next
			}
			dst = next
		}
		dst[parts[len(parts)-1]] = v
	}
	return out
}

func lookup(v any, parts []string) (any, bool) {
	for _, p := range parts {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, false
		}
		if v, ok = m[p]; !ok {
			return nil, false
		}
	}
	return v, true
}
