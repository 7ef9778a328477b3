package out

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/config"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/model"
)

func TestRenderJSONSelectResultsOnly(t *testing.T) {
	env := Success("execution list", "req-1", []map[string]any{{"a": 1, "b": 2}}, nil)
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"a"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out []map[string]any
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(out) != 1 || out[0]["a"].(float64) != 1 {
		t.Fatalf("unexpected output: %s", buf.String())
	}
	if _, ok := out[0]["b"]; ok {
		t.Fatalf("field projection failed: %s", buf.String())
	}
}

func TestRenderPlain(t *testing.T) {
	env := model.Envelope{
		Version: "v1",
		Success: true,
		Data:    []map[string]any{{"execution_id": "x", "outcome": "completed"}},
		Meta:    model.EnvelopeMeta{Timestamp: time.Now()},
	}
	settings := config.Settings{OutputMode: "plain", ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, env, settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "execution_id=x outcome=completed") {
		t.Fatalf("unexpected plain output: %s", buf.String())
	}
}

func TestRenderFailureEnvelope(t *testing.T) {
	env := Failure("execution fund", "req-2", clierr.New(clierr.CodeFundingNotConfirmed, "funding transaction reverted"))
	var buf bytes.Buffer
	if err := Render(&buf, env, config.Settings{OutputMode: "json"}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var decoded model.Envelope
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if decoded.Success || decoded.Error == nil || decoded.Error.Type != "funding_not_confirmed" || decoded.Error.Code != 21 {
		t.Fatalf("unexpected failure envelope: %s", buf.String())
	}
	if decoded.Meta.Command != "execution fund" || decoded.Meta.RequestID != "req-2" {
		t.Fatalf("unexpected meta: %+v", decoded.Meta)
	}
}

func TestRenderSelectNestedPath(t *testing.T) {
	data := map[string]any{
		"execution_id": "x",
		"plan":         map[string]any{"destination_address": "0xabc", "initial_token": "ETH"},
	}
	settings := config.Settings{OutputMode: "json", SelectFields: []string{"plan.destination_address", "missing.field"}, ResultsOnly: true}
	var buf bytes.Buffer
	if err := Render(&buf, Success("execution status", "req-3", data, nil), settings); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	var out map[string]map[string]string
	if err := json.Unmarshal(buf.Bytes(), &out); err != nil {
		t.Fatalf("json decode failed: %v output=%s", err, buf.String())
	}
	if len(out) != 1 || len(out["plan"]) != 1 || out["plan"]["destination_address"] != "0xabc" {
		t.Fatalf("unexpected projection: %s", buf.String())
	}
}

func TestRenderPlainFlattensNested(t *testing.T) {
	data := map[string]any{
		"outcome": "completed",
		"steps":   []map[string]any{{"status": "completed"}, {"status": "failed", "error": "gas too low"}},
		"amount":  "123456789012345678901234567890",
	}
	var buf bytes.Buffer
	if err := Render(&buf, Success("execution status", "req-4", data, nil), config.Settings{OutputMode: "plain", ResultsOnly: true}); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	want := `amount=123456789012345678901234567890 outcome=completed steps.0.status=completed steps.1.error="gas too low" steps.1.status=failed`
	if strings.TrimSpace(buf.String()) != want {
		t.Fatalf("unexpected plain output:\n got %s\nwant %s", buf.String(), want)
	}
}
