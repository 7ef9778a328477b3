// Package planner produces execution plans from natural-language intents.
// Every planner's output goes through execution.ValidatePlan before it can
// run, so planners are free to be wrong but never trusted.
package planner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/cache"
	clierr "github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/errors"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/httpx"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/id"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/tools"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/version"
)

const (
	ProviderNone   = ""
	ProviderFile   = "file"
	ProviderOpenAI = "openai"
	ProviderHTTP   = "http"
)

type Config struct {
	Provider string
	// Path is the plan file served by the file provider.
	Path     string
	Model    string
	APIKey   string
	BaseURL  string
	Endpoint string
	Timeout  time.Duration
	Retries  int
	// Cache, when set with a positive CacheTTL, fronts the model and http
	// providers.
	Cache    *cache.Store
	CacheTTL time.Duration
}

// Context is what a planner may tell its model about the deployment.
type Context struct {
	Tools  []tools.Descriptor
	Assets id.Assets
}

// New builds the configured planner. It returns nil with no error when no
// provider is configured.
func New(cfg Config, pctx Context) (execution.Planner, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderNone:
		return nil, nil
	case ProviderFile:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, clierr.New(clierr.CodeUsage, "file planner requires planner.path")
		}
		return FilePlanner{Path: cfg.Path}, nil
	case ProviderOpenAI:
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, clierr.New(clierr.CodeAuth, "openai planner requires an API key (planner.api_key or OPENAI_API_KEY)")
		}
		opts := []openai.Option{openai.WithToken(apiKey)}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeUsage, "init openai planner", err)
		}
		return cfg.cached(NewLLMPlanner(model, pctx), pctx), nil
	case ProviderHTTP:
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, clierr.New(clierr.CodeUsage, "http planner requires planner.endpoint")
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client := httpx.New(timeout, cfg.Retries,
			httpx.WithUserAgent(version.UserAgent()),
			httpx.WithHeader("Authorization", bearer(cfg.APIKey)),
		)
		return cfg.cached(&RemotePlanner{Endpoint: cfg.Endpoint, Client: client}, pctx), nil
	default:
		return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unsupported planner provider %q (expected file|openai|http)", cfg.Provider))
	}
}

func (cfg Config) cached(next execution.Planner, pctx Context) execution.Planner {
	if cfg.Cache == nil || cfg.CacheTTL <= 0 {
		return next
	}
	return NewCached(next, cfg.Cache, cfg.CacheTTL, pctx)
}

func bearer(token string) string {
	token = strings.TrimSpace(token)
	if token == "" {
		return ""
	}
	return "Bearer " + token
}

// FilePlanner serves one plan file for every intent.
type FilePlanner struct {
	Path string
}

func (p FilePlanner) Plan(_ context.Context, _ string) (execution.Plan, error) {
	return LoadFile(p.Path)
}

// RemotePlanner posts the intent to a planning service that answers with a
// plan document.
type RemotePlanner struct {
	Endpoint string
	Client   *httpx.Client
}

type remoteRequest struct {
	Intent string `json:"intent"`
}

func (p *RemotePlanner) Plan(ctx context.Context, intent string) (execution.Plan, error) {
	var plan execution.Plan
	if err := p.Client.PostJSON(ctx, p.Endpoint, remoteRequest{Intent: intent}, &plan); err != nil {
		return execution.Plan{}, err
	}
	return plan, nil
}
