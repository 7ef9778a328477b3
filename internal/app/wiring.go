package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/cache"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/chain"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/config"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	execsigner "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution/signer"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/observability"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/planner"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/registry"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/tools"
)

// DialFunc connects the operating account to the configured chain. The
// returned func releases the connection.
type DialFunc func(ctx context.Context, settings config.Settings) (chain.Gateway, func(), error)

type runtimeState struct {
	runner      *Runner
	flags       config.GlobalFlags
	settings    config.Settings
	root        *cobra.Command
	lastCommand string

	assets    id.Assets
	catalog   *tools.Registry
	store     execution.Store
	gateway   chain.Gateway
	planCache *cache.Store
	service   *execution.Service
	metrics   *observability.Metrics
	closers   []func()
}

func dialEVM(ctx context.Context, settings config.Settings) (chain.Gateway, func(), error) {
	txSigner, err := execsigner.NewLocalSignerFromEnv(settings.KeySource)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeSigner, "load operating key", err)
	}
	logger.Named("signer").Debug("operating key loaded",
		slog.String("source", txSigner.Source()),
		slog.String("address", txSigner.Address().Hex()),
	)
	rpcURL, err := registry.ResolveRPCURL(settings.RPCURL, settings.ChainID)
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	gw, err := chain.DialEVM(ctx, rpcURL, txSigner, chain.Options{
		ChainID:            settings.ChainID,
		Simulate:           true,
		GasMultiplier:      settings.GasMultiplier,
		MaxFeeGwei:         settings.MaxFeeGwei,
		MaxPriorityFeeGwei: settings.MaxPriorityFeeGwei,
		FinalityAttempts:   settings.FinalityAttempts,
		FinalityDelay:      settings.FinalityDelay,
		Confirmations:      settings.Confirmations,
	})
	if err != nil {
		return nil, nil, err
	}
	return gw, gw.Close, nil
}

func (s *runtimeState) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
	s.closers = nil
}

func (s *runtimeState) ensureCatalog() (*tools.Registry, id.Assets, error) {
	if s.catalog != nil {
		return s.catalog, s.assets, nil
	}
	assets, ok := id.DefaultAssets(s.settings.ChainID)
	if !ok {
		return nil, nil, clierr.New(clierr.CodeUnsupported, fmt.Sprintf("no tracked assets for chain id %d", s.settings.ChainID))
	}
	contracts := registry.DefaultContracts(s.settings.ChainID).Merge(s.settings.Contracts)
	catalog, err := tools.NewCatalog(tools.CatalogConfig{
		Assets:      assets,
		Contracts:   contracts,
		SlippageBps: s.settings.SlippageBps,
	})
	if err != nil {
		return nil, nil, err
	}
	s.catalog, s.assets = catalog, assets
	return catalog, assets, nil
}

func (s *runtimeState) ensureStore() (execution.Store, error) {
	if s.store != nil {
		return s.store, nil
	}
	store, err := execution.OpenStore(execution.StoreConfig{
		Driver:        s.settings.StoreDriver,
		Path:          s.settings.StorePath,
		LockPath:      s.settings.StoreLockPath,
		RedisAddr:     s.settings.RedisAddr,
		RedisPassword: s.settings.RedisPassword,
		RedisDB:       s.settings.RedisDB,
		RedisPrefix:   s.settings.RedisPrefix,
	})
	if err != nil {
		if _, ok := clierr.As(err); ok {
			return nil, err
		}
		return nil, clierr.Wrap(clierr.CodeInternal, "open execution store", err)
	}
	s.store = store
	s.closers = append(s.closers, func() { _ = store.Close() })
	return store, nil
}

func (s *runtimeState) ensureGateway(ctx context.Context) (chain.Gateway, error) {
	if s.gateway != nil {
		return s.gateway, nil
	}
	gw, release, err := s.runner.dial(ctx, s.settings)
	if err != nil {
		return nil, err
	}
	s.gateway = gw
	if release != nil {
		s.closers = append(s.closers, release)
	}
	return gw, nil
}

func (s *runtimeState) ensurePlanner() (execution.Planner, error) {
	catalog, assets, err := s.ensureCatalog()
	if err != nil {
		return nil, err
	}
	cfg := planner.Config{
		Provider: s.settings.PlannerProvider,
		Path:     s.settings.PlannerPath,
		Model:    s.settings.PlannerModel,
		APIKey:   s.settings.PlannerAPIKey,
		BaseURL:  s.settings.PlannerBaseURL,
		Endpoint: s.settings.PlannerEndpoint,
		Timeout:  s.settings.Timeout,
		Retries:  s.settings.Retries,
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if (provider == planner.ProviderOpenAI || provider == planner.ProviderHTTP) && s.settings.PlannerCacheTTL > 0 {
		if s.planCache == nil {
			store, err := cache.Open(s.settings.PlannerCache, filepath.Join(filepath.Dir(s.settings.PlannerCache), "planner-cache.lock"))
			if err != nil {
				return nil, clierr.Wrap(clierr.CodeInternal, "open planner cache", err)
			}
			s.planCache = store
			s.closers = append(s.closers, func() { _ = store.Close() })
		}
		cfg.Cache = s.planCache
		cfg.CacheTTL = s.settings.PlannerCacheTTL
	}
	return planner.New(cfg, planner.Context{Tools: catalog.Describe(), Assets: assets})
}

// ensureService wires the full engine. Background runners use ctx as their
// base, detached from its cancellation.
func (s *runtimeState) ensureService(ctx context.Context) (*execution.Service, error) {
	if s.service != nil {
		return s.service, nil
	}
	catalog, assets, err := s.ensureCatalog()
	if err != nil {
		return nil, err
	}
	store, err := s.ensureStore()
	if err != nil {
		return nil, err
	}
	gw, err := s.ensureGateway(ctx)
	if err != nil {
		return nil, err
	}
	plan, err := s.ensurePlanner()
	if err != nil {
		return nil, err
	}
	native, _ := assets.Native()
	gasReserve, err := id.ParseDecimal(s.settings.GasReserve, native.Decimals)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse gas reserve", err)
	}
	retryReserve, err := id.ParseDecimal(s.settings.RetryGasReserve, native.Decimals)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "parse retry gas reserve", err)
	}

	runnerCfg := execution.RunnerConfig{
		Assets:          assets,
		GasReserve:      gasReserve,
		RetryGasReserve: retryReserve,
		Verify: execution.PollAwaiter{
			Attempts: s.settings.VerifyAttempts,
			Delay:    s.settings.VerifyDelay,
			Backoff:  1.5,
			MaxDelay: 30 * time.Second,
		},
		SerializeFunds: s.settings.SerializeFunds,
	}
	if s.metrics != nil {
		runnerCfg.Observer = s.metrics
	}
	s.service = execution.NewService(ctx, store, gw, catalog, execution.ServiceConfig{
		Runner:  runnerCfg,
		Planner: plan,
	})
	return s.service, nil
}

// requestContext bounds request-scoped work such as planner calls and
// funding confirmation by the configured timeout.
func (s *runtimeState) requestContext(parent context.Context) (context.Context, context.CancelFunc) {
	if s.settings.Timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, s.settings.Timeout)
}
