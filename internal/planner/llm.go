package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
)

// LLMPlanner asks a chat model for a plan in JSON mode.
type LLMPlanner struct {
	model  llms.Model
	prompt string
	log    *slog.Logger
}

func NewLLMPlanner(model llms.Model, pctx Context) *LLMPlanner {
	return &LLMPlanner{model: model, prompt: SystemPrompt(pctx), log: logger.Named("planner")}
}

func (p *LLMPlanner) Plan(ctx context.Context, intent string) (execution.Plan, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, p.prompt),
		llms.TextParts(llms.ChatMessageTypeHuman, intent),
	}
	resp, err := p.model.GenerateContent(ctx, messages, llms.WithJSONMode(), llms.WithTemperature(0))
	if err != nil {
		return execution.Plan{}, clierr.Wrap(clierr.CodeUnavailable, "planner model call failed", err)
	}
	if resp == nil || len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Content) == "" {
		return execution.Plan{}, clierr.New(clierr.CodeUnavailable, "planner model returned no content")
	}
	raw := resp.Choices[0].Content
	plan, err := Decode([]byte(raw))
	if err != nil {
		p.log.Warn("undecodable plan from model", slog.String("content", raw))
		return execution.Plan{}, err
	}
	p.log.Info("plan generated", slog.Bool("valid", plan.Valid), slog.Int("steps", len(plan.Steps)))
	return plan, nil
}

// SystemPrompt describes the plan format, the tools and the tracked assets.
func SystemPrompt(pctx Context) string {
	var b strings.Builder
	b.WriteString("You turn a user's request about moving funds on an EVM chain into an execution plan.\n")
	b.WriteString("Answer with a single JSON object and nothing else, shaped as:\n")
	b.WriteString(`{"valid": bool, "reason": string, "initial_token": string, "initial_amount": string, "destination_address": string, "steps": [{"step_id": int, "kind": "funding"|"tool"|"remainder", "action": string, "parameters": {string: string}}]}`)
	b.WriteString("\n\nRules:\n")
	b.WriteString("- step 0 is {\"kind\": \"funding\", \"action\": \"external_funding\"} with parameters asset and amount, the user's deposit.\n")
	b.WriteString("- the last step is {\"kind\": \"remainder\", \"action\": \"send_remaining\"}; it delivers what is left to destination_address.\n")
	b.WriteString("- every step in between has kind \"tool\" and an action from the tool list, with an amount parameter that is a decimal string or \"ALL\".\n")
	b.WriteString("- step_id equals the step's position, starting at 0.\n")
	b.WriteString("- amounts are human decimals, never base units.\n")
	b.WriteString("- if the request cannot be served by these tools, answer {\"valid\": false, \"reason\": \"...\"}.\n")

	b.WriteString("\nAssets:\n")
	for _, asset := range pctx.Assets {
		kind := "token"
		if asset.Native {
			kind = "native"
		}
		fmt.Fprintf(&b, "- %s (%s, %d decimals)\n", asset.Symbol, kind, asset.Decimals)
	}
	b.WriteString("\nTools:\n")
	for _, tool := range pctx.Tools {
		c := tool.Capability
		effect := fmt.Sprintf("%s %s", c.Effect, c.Spends)
		if c.Receives != "" {
			effect += " -> " + c.Receives
		}
		fmt.Fprintf(&b, "- %s: %s [%s]\n", tool.Name, tool.Description, effect)
	}
	return b.String()
}
