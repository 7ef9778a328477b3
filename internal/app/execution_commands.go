package app

import (
	"math/big"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/model"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/out"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/planner"
)

type startResult struct {
	execution.ExecutionState
	DepositAddress string `json:"deposit_address"`
}

func (s *runtimeState) newExecutionCommand() *cobra.Command {
	root := &cobra.Command{Use: "execution", Short: "Execution lifecycle commands"}

	var startFile, startIntent string
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Record a pending execution from a plan file or an intent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			hasFile := strings.TrimSpace(startFile) != ""
			hasIntent := strings.TrimSpace(startIntent) != ""
			if hasFile == hasIntent {
				return clierr.New(clierr.CodeUsage, "provide exactly one of --file or --intent")
			}
			svc, err := s.ensureService(cmd.Context())
			if err != nil {
				return err
			}
			var state execution.ExecutionState
			if hasFile {
				plan, err := planner.LoadFile(startFile)
				if err != nil {
					return err
				}
				state, err = svc.StartExecution(cmd.Context(), plan)
				if err != nil {
					return err
				}
			} else {
				ctx, cancel := s.requestContext(cmd.Context())
				defer cancel()
				state, err = svc.PlanAndStart(ctx, startIntent)
				if err != nil {
					return err
				}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), startResult{
				ExecutionState: state,
				DepositAddress: svc.Operator(),
			}, nil)
		},
	}
	startCmd.Flags().StringVar(&startFile, "file", "", "Plan file (yaml or json)")
	startCmd.Flags().StringVar(&startIntent, "intent", "", "Natural-language request for the planner")

	var fundID, fundTx, fundAsset, fundAmount string
	fundCmd := &cobra.Command{
		Use:   "fund",
		Short: "Confirm the deposit and run the execution to its outcome",
		Long: "Confirms the funding transaction, then runs every step in this process and " +
			"prints the final state. The command returns once the execution completed or was compensated.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := s.ensureService(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := svc.ConfirmFunding(cmd.Context(), fundID, execution.FundingClaim{
				TxRef:  strings.TrimSpace(fundTx),
				Asset:  fundAsset,
				Amount: fundAmount,
			}); err != nil {
				return err
			}
			svc.Wait()
			state, err := svc.GetExecutionState(cmd.Context(), fundID)
			if err != nil {
				return err
			}
			var warnings []string
			if state.Outcome != execution.OutcomeCompleted {
				warnings = append(warnings, "execution did not complete: "+state.Error)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), state, warnings)
		},
	}
	fundCmd.Flags().StringVar(&fundID, "id", "", "Execution id")
	fundCmd.Flags().StringVar(&fundTx, "tx", "", "Funding transaction hash")
	fundCmd.Flags().StringVar(&fundAsset, "asset", "", "Deposited asset symbol (defaults to the plan token)")
	fundCmd.Flags().StringVar(&fundAmount, "amount", "", "Deposited amount as a decimal (defaults to the plan amount)")
	_ = fundCmd.MarkFlagRequired("id")
	_ = fundCmd.MarkFlagRequired("tx")

	var statusID string
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show one execution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := s.ensureStore()
			if err != nil {
				return err
			}
			state, err := store.Get(cmd.Context(), statusID)
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), state, nil)
		},
	}
	statusCmd.Flags().StringVar(&statusID, "id", "", "Execution id")
	_ = statusCmd.MarkFlagRequired("id")

	var listOutcome string
	var listIncomplete bool
	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List executions, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if listLimit < 0 {
				return clierr.New(clierr.CodeUsage, "--limit must be non-negative")
			}
			store, err := s.ensureStore()
			if err != nil {
				return err
			}
			states, err := store.List(cmd.Context(), execution.ListFilter{
				Outcome:    execution.Outcome(strings.TrimSpace(listOutcome)),
				Incomplete: listIncomplete,
				Limit:      listLimit,
			})
			if err != nil {
				return err
			}
			if states == nil {
				states = []execution.ExecutionState{}
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), states, nil)
		},
	}
	listCmd.Flags().StringVar(&listOutcome, "outcome", "", "Filter by outcome")
	listCmd.Flags().BoolVar(&listIncomplete, "incomplete", false, "Only executions that have not finished")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "Maximum executions to return")

	root.AddCommand(startCmd)
	root.AddCommand(fundCmd)
	root.AddCommand(statusCmd)
	root.AddCommand(listCmd)
	return root
}

func (s *runtimeState) newToolsCommand() *cobra.Command {
	root := &cobra.Command{Use: "tools", Short: "Tool catalog"}
	root.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List tools available on the configured chain",
		RunE: func(cmd *cobra.Command, _ []string) error {
			catalog, _, err := s.ensureCatalog()
			if err != nil {
				return err
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), catalog.Describe(), nil)
		},
	})
	return root
}

type operatorView struct {
	Address  string              `json:"address"`
	Balances []model.BalanceView `json:"balances"`
}

func (s *runtimeState) newOperatorCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "operator",
		Short: "Show the operating account and its balances",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, assets, err := s.ensureCatalog()
			if err != nil {
				return err
			}
			gw, err := s.ensureGateway(cmd.Context())
			if err != nil {
				return err
			}
			raw := make(map[string]*big.Int, len(assets))
			for _, asset := range assets {
				balance, err := gw.Balance(cmd.Context(), asset)
				if err != nil {
					return clierr.Wrap(clierr.CodeUnavailable, "read "+asset.Symbol+" balance", err)
				}
				raw[asset.Symbol] = balance
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), operatorView{
				Address:  gw.Address().Hex(),
				Balances: out.BalanceViews(assets, raw),
			}, nil)
		},
	}
}
