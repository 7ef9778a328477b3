package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/config"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/model"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/out"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/policy"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/schema"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/version"
)

type Runner struct {
	stdout io.Writer
	stderr io.Writer
	now    func() time.Time
	dial   DialFunc
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout: stdout,
		stderr: stderr,
		now:    time.Now,
		dial:   dialEVM,
	}
}

// WithDialer replaces how the runner connects to the chain.
func (r *Runner) WithDialer(dial DialFunc) *Runner {
	r.dial = dial
	return r
}

func (r *Runner) Run(args []string) int {
	state := &runtimeState{runner: r}
	root := state.newRootCommand()
	state.root = root
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.Execute()
	err = normalizeRunError(err)
	state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err)
	return clierr.ExitCode(err)
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Plan-driven on-chain execution with compensation",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "load configuration", err)
			}
			s.settings = settings

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			if err := policy.CheckCommandAllowed(settings.EnableCommands, path); err != nil {
				return err
			}
			if err := logger.Init(logger.Config{
				Level:  settings.LogLevel,
				Format: settings.LogFormat,
				Output: settings.LogOutput,
			}); err != nil {
				return clierr.Wrap(clierr.CodeUsage, "init logger", err)
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	pf := cmd.PersistentFlags()
	pf.BoolVar(&s.flags.JSON, "json", false, "Output JSON (default)")
	pf.BoolVar(&s.flags.Plain, "plain", false, "Output plain text")
	pf.StringVar(&s.flags.Select, "select", "", "Select fields from data (comma-separated)")
	pf.BoolVar(&s.flags.ResultsOnly, "results-only", false, "Output only data payload")
	pf.StringVar(&s.flags.EnableCommands, "enable-commands", "", "Allowlist command paths (comma-separated)")
	pf.StringVar(&s.flags.Timeout, "timeout", "", "Timeout for request-scoped operations")
	pf.IntVar(&s.flags.Retries, "retries", -1, "Retries per outbound HTTP request")
	pf.Int64Var(&s.flags.ChainID, "chain-id", 0, "EVM chain id (default 8453)")
	pf.StringVar(&s.flags.RPCURL, "rpc-url", "", "JSON-RPC endpoint")
	pf.StringVar(&s.flags.StoreDriver, "store", "", "Execution store driver (memory|sqlite|bolt|redis)")
	pf.StringVar(&s.flags.StorePath, "store-path", "", "Execution store file for sqlite or bolt")
	pf.StringVar(&s.flags.LogLevel, "log-level", "", "Log level (debug|info|warn|error)")
	pf.StringVar(&s.flags.ConfigPath, "config", "", "Path to config file")

	cmd.AddCommand(s.newPlanCommand())
	cmd.AddCommand(s.newExecutionCommand())
	cmd.AddCommand(s.newToolsCommand())
	cmd.AddCommand(s.newOperatorCommand())
	cmd.AddCommand(s.newServeCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(s.newVersionCommand())

	return cmd
}

func (s *runtimeState) newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		RunE: func(cmd *cobra.Command, args []string) error {
			if long {
				return s.emitSuccess(trimRootPath(cmd.CommandPath()), model.VersionInfo{
					Version: version.CLIVersion,
					Commit:  version.Commit,
					Date:    version.BuildDate,
				}, nil)
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
			return err
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
		},
	}
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string) error {
	env := out.Success(commandPath, newRequestID(), data, warnings)
	env.Meta.Timestamp = s.runner.now().UTC()
	return out.Render(s.runner.stdout, env, s.settings)
}

func (s *runtimeState) renderError(commandPath string, err error) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := out.Failure(commandPath, newRequestID(), err)
	env.Meta.Timestamp = s.runner.now().UTC()
	_ = out.Render(s.runner.stderr, env, settings)
}

func newRequestID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input", err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
