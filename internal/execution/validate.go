package execution

import (
	"fmt"
	"strings"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/tools"
)

// ToolCatalog is the registry view the engine needs.
type ToolCatalog interface {
	Lookup(name string) (tools.Tool, bool)
}

// ValidatePlan checks a planner-produced plan and returns a normalized copy.
// It fails on the first violated rule and never repairs the plan.
func ValidatePlan(plan Plan, catalog ToolCatalog, assets id.Assets) (Plan, error) {
	if !plan.Valid {
		reason := strings.TrimSpace(plan.Reason)
		if reason == "" {
			return Plan{}, invalidPlan("plan is marked invalid by its producer")
		}
		return Plan{}, invalidPlan("plan is marked invalid by its producer: " + reason)
	}
	if len(plan.Steps) == 0 {
		return Plan{}, invalidPlan("plan has no steps")
	}

	out := Plan{
		Valid:              true,
		Reason:             strings.TrimSpace(plan.Reason),
		DestinationAddress: strings.TrimSpace(plan.DestinationAddress),
		Steps:              make([]Step, len(plan.Steps)),
	}
	for i, step := range plan.Steps {
		out.Steps[i] = normalizeStep(step)
	}

	funding := out.Steps[0]
	if funding.Kind != StepKindFunding {
		return Plan{}, invalidPlan(fmt.Sprintf("step 0 must be a funding step, got kind %q", funding.Kind))
	}
	if funding.Action != "" && funding.Action != ActionExternalFunding {
		return Plan{}, invalidPlan(fmt.Sprintf("step 0 action must be %s, got %q", ActionExternalFunding, funding.Action))
	}
	token := id.NormalizeSymbol(plan.InitialToken)
	if paramAsset := id.NormalizeSymbol(funding.Parameters[ParamAsset]); paramAsset != "" {
		if token != "" && token != paramAsset {
			return Plan{}, invalidPlan(fmt.Sprintf("initial token %s does not match funding step asset %s", token, paramAsset))
		}
		token = paramAsset
	}
	asset, ok := assets.Lookup(token)
	if token == "" || !ok {
		return Plan{}, invalidPlan(fmt.Sprintf("funding step asset %q is not supported (supported: %s)", token, strings.Join(assets.Symbols(), ", ")))
	}
	amount := strings.TrimSpace(plan.InitialAmount)
	if amount == "" {
		amount = funding.Parameters[ParamAmount]
	}
	if err := positiveDecimal(amount, asset.Decimals); err != nil {
		return Plan{}, invalidPlan(fmt.Sprintf("initial amount %q is invalid: %v", amount, err))
	}
	out.InitialToken = asset.Symbol
	out.InitialAmount = id.NormalizeDecimal(amount)
	out.Steps[0].Action = ActionExternalFunding

	last := len(out.Steps) - 1
	for i := 1; i < last; i++ {
		if err := validateToolStep(out.Steps[i], i, catalog, assets); err != nil {
			return Plan{}, err
		}
	}
	if last == 0 || out.Steps[last].Kind != StepKindRemainder {
		return Plan{}, invalidPlan("last step must be a remainder step")
	}
	if action := out.Steps[last].Action; action != "" && action != ActionSendRemaining {
		return Plan{}, invalidPlan(fmt.Sprintf("remainder step action must be %s, got %q", ActionSendRemaining, action))
	}
	out.Steps[last].Action = ActionSendRemaining

	for i, step := range out.Steps {
		if step.StepID != i {
			return Plan{}, invalidPlan(fmt.Sprintf("step at position %d has id %d", i, step.StepID))
		}
	}
	if !id.IsAddress(out.DestinationAddress) {
		return Plan{}, invalidPlan(fmt.Sprintf("destination address %q is not a valid address", plan.DestinationAddress))
	}
	return out, nil
}

func validateToolStep(step Step, index int, catalog ToolCatalog, assets id.Assets) error {
	if step.Kind != StepKindTool {
		return invalidPlan(fmt.Sprintf("step %d must be a tool step, got kind %q", index, step.Kind))
	}
	if catalog == nil {
		return invalidPlan(fmt.Sprintf("step %d action %q is not a registered tool", index, step.Action))
	}
	tool, ok := catalog.Lookup(step.Action)
	if !ok {
		return invalidPlan(fmt.Sprintf("step %d action %q is not a registered tool", index, step.Action))
	}
	raw := strings.TrimSpace(step.Parameters[ParamAmount])
	if raw == "" {
		return invalidPlan(fmt.Sprintf("step %d (%s) is missing the %s parameter", index, step.Action, ParamAmount))
	}
	if strings.EqualFold(raw, id.AmountAll) {
		return nil
	}
	spends, ok := assets.Lookup(tool.Capability().Spends)
	if !ok {
		return invalidPlan(fmt.Sprintf("step %d (%s) spends untracked asset %s", index, step.Action, tool.Capability().Spends))
	}
	if err := positiveDecimal(raw, spends.Decimals); err != nil {
		return invalidPlan(fmt.Sprintf("step %d (%s) amount %q is invalid: %v", index, step.Action, raw, err))
	}
	return nil
}

func normalizeStep(step Step) Step {
	out := Step{
		StepID: step.StepID,
		Kind:   StepKind(strings.ToLower(strings.TrimSpace(string(step.Kind)))),
		Action: strings.TrimSpace(step.Action),
	}
	if len(step.Parameters) > 0 {
		out.Parameters = make(map[string]string, len(step.Parameters))
		for k, v := range step.Parameters {
			key := strings.ToLower(strings.TrimSpace(k))
			val := strings.TrimSpace(v)
			if key == ParamAmount && strings.EqualFold(val, id.AmountAll) {
				val = id.AmountAll
			}
			out.Parameters[key] = val
		}
	}
	return out
}

func positiveDecimal(raw string, decimals int) error {
	v, err := id.ParseDecimal(raw, decimals)
	if err != nil {
		return err
	}
	if v.Sign() <= 0 {
		return fmt.Errorf("amount must be greater than zero")
	}
	return nil
}

func invalidPlan(reason string) error {
	return clierr.New(clierr.CodeValidation, "invalid plan: "+reason)
}
