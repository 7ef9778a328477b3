package planner

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
)

// LoadFile reads a plan document. Files ending in .json are decoded as JSON,
// anything else as YAML (which also accepts JSON).
func LoadFile(path string) (execution.Plan, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return execution.Plan{}, clierr.Wrap(clierr.CodeUsage, "read plan file", err)
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return decodeJSON(buf)
	}
	return Decode(buf)
}

// Decode parses a YAML or JSON plan document, tolerating the markdown code
// fences language models like to wrap answers in.
func Decode(raw []byte) (execution.Plan, error) {
	body := stripFences(raw)
	if len(body) == 0 {
		return execution.Plan{}, clierr.New(clierr.CodeValidation, "invalid plan: empty document")
	}
	var plan execution.Plan
	if err := yaml.Unmarshal(body, &plan); err != nil {
		return execution.Plan{}, clierr.Wrap(clierr.CodeValidation, "invalid plan: decode document", err)
	}
	return plan, nil
}

func decodeJSON(raw []byte) (execution.Plan, error) {
	var plan execution.Plan
	dec := json.NewDecoder(bytes.NewReader(stripFences(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&plan); err != nil {
		return execution.Plan{}, clierr.Wrap(clierr.CodeValidation, "invalid plan: decode json", err)
	}
	return plan, nil
}

func stripFences(raw []byte) []byte {
	s := strings.TrimSpace(string(raw))
	if !strings.HasPrefix(s, "```") {
		return []byte(s)
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return []byte(strings.TrimSpace(s))
}

// Encode renders a plan as YAML for plan files.
func Encode(plan execution.Plan) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(plan); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode plan: %w", err)
	}
	return buf.Bytes(), nil
}
