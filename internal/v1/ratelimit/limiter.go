// Package ratelimit bounds per-user chat throughput.
package ratelimit

import (
	"context"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	"go.uber.org/zap"

	"github.com/lecturehall/classroom/backend/go/internal/v1/logging"
	"github.com/lecturehall/classroom/backend/go/internal/v1/metrics"
	"github.com/lecturehall/classroom/backend/go/internal/v1/types"
)

// ChatLimiter enforces the per-user chat budget on an in-memory store.
// Keys are user ids, not connection ids, so reconnecting does not reset
// the window.
type ChatLimiter struct {
	limiter *limiter.Limiter
}

// NewChatLimiter allows messages sends per user within each rolling
// window.
func NewChatLimiter(messages int64, window time.Duration) *ChatLimiter {
	rate := limiter.Rate{
		Period: window,
		Limit:  messages,
	}
	return &ChatLimiter{
		limiter: limiter.New(memory.NewStore(), rate),
	}
}

// Allow consumes one slot for the user and reports whether the message
// may proceed. Store failures fail open so chat keeps flowing.
func (l *ChatLimiter) Allow(ctx context.Context, userID types.UserIdType) bool {
	lctx, err := l.limiter.Get(ctx, string(userID))
	if err != nil {
		logging.Error(ctx, "Rate limiter store failed", zap.Error(err))
		return true
	}

	if lctx.Reached {
		metrics.ChatRateLimited.Inc()
		logging.Warn(ctx, "Chat message rate limited",
			zap.String("userId", string(userID)),
			zap.Int64("limit", lctx.Limit))
		return false
	}
	return true
}
