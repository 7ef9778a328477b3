package app

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/planner"
)

func (s *runtimeState) newPlanCommand() *cobra.Command {
	root := &cobra.Command{Use: "plan", Short: "Plan authoring and validation"}

	var validateFile string
	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a plan file against the tool catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, assets, err := s.ensureCatalog()
			if err != nil {
				return err
			}
			plan, err := planner.LoadFile(validateFile)
			if err != nil {
				return err
			}
			normalized, err := execution.ValidatePlan(plan, catalog, assets)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), normalized, nil)
		},
	}
	validateCmd.Flags().StringVar(&validateFile, "file", "", "Plan file (yaml or json)")
	_ = validateCmd.MarkFlagRequired("file")

	var intent, outPath string
	generateCmd := &cobra.Command{
		Use:   "generate",
		Short: "Ask the configured planner for a plan",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(intent) == "" {
				return clierr.New(clierr.CodeUsage, "--intent is required")
			}
			p, err := s.ensurePlanner()
			if err != nil {
				return err
			}
			if p == nil {
				return clierr.New(clierr.CodeUnsupported, "no planner configured (set planner.provider)")
			}
			ctx, cancel := s.requestContext(cmd.Context())
			defer cancel()
			plan, err := p.Plan(ctx, intent)
			if err != nil {
				return err
			}
			if !plan.Valid {
				reason := strings.TrimSpace(plan.Reason)
				if reason == "" {
					reason = "planner rejected the intent"
				}
				return clierr.New(clierr.CodeValidation, "invalid plan: "+reason)
			}
			normalized, err := execution.ValidatePlan(plan, s.catalog, s.assets)
			if err != nil {
				return err
			}
			if outPath != "" {
				buf, err := planner.Encode(normalized)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "encode plan", err)
				}
				if err := os.WriteFile(outPath, buf, 0o644); err != nil {
					return clierr.Wrap(clierr.CodeUsage, "write plan file", err)
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), normalized, nil)
		},
	}
	generateCmd.Flags().StringVar(&intent, "intent", "", "Natural-language request")
	generateCmd.Flags().StringVar(&outPath, "out", "", "Also write the plan as yaml to this path")
	_ = generateCmd.MarkFlagRequired("intent")

	root.AddCommand(validateCmd)
	root.AddCommand(generateCmd)
	return root
}
