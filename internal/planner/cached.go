package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/cache"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/execution"
	"github.com/JeanBaptisteDurand/MBC-2025-sub001/internal/logger"
)

// Cached remembers valid plans per intent so repeated requests skip the
// model call. The key covers the system prompt, so a catalog change
// invalidates earlier answers.
type Cached struct {
	next   execution.Planner
	store  *cache.Store
	ttl    time.Duration
	prefix string
	log    *slog.Logger
}

func NewCached(next execution.Planner, store *cache.Store, ttl time.Duration, pctx Context) *Cached {
	sum := sha256.Sum256([]byte(SystemPrompt(pctx)))
	return &Cached{
		next:   next,
		store:  store,
		ttl:    ttl,
		prefix: hex.EncodeToString(sum[:8]),
		log:    logger.Named("planner"),
	}
}

func (c *Cached) Plan(ctx context.Context, intent string) (execution.Plan, error) {
	key := c.key(intent)
	if res, err := c.store.Get(ctx, key); err != nil {
		c.log.Warn("planner cache read failed", slog.String("error", err.Error()))
	} else if res.Hit {
		var plan execution.Plan
		if err := json.Unmarshal(res.Value, &plan); err == nil {
			c.log.Debug("planner cache hit", slog.Duration("age", res.Age))
			return plan, nil
		}
		_ = c.store.Delete(ctx, key)
	}

	plan, err := c.next.Plan(ctx, intent)
	if err != nil {
		return execution.Plan{}, err
	}
	if plan.Valid {
		if buf, err := json.Marshal(plan); err == nil {
			if err := c.store.Set(ctx, key, buf, c.ttl); err != nil {
				c.log.Warn("planner cache write failed", slog.String("error", err.Error()))
			}
		}
	}
	return plan, nil
}

func (c *Cached) key(intent string) string {
	norm := strings.Join(strings.Fields(strings.ToLower(intent)), " ")
	sum := sha256.Sum256([]byte(norm))
	return "plan:" + c.prefix + ":" + hex.EncodeToString(sum[:])
}
