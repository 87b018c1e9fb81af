// Package ratelimit 提供按付款方计数的固定窗口限流。
package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// Decision 是一次限流判断的结果。
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// Limiter 判断某个键在当前窗口内是否还能继续请求。
type Limiter interface {
	Allow(ctx context.Context, key string) (Decision, error)
	Close() error
}

// Denied 把拒绝结果转换为 RATE_LIMITED 错误。
func Denied(key string, d Decision) error {
	return xerrors.New(xerrors.CodeRateLimited,
		fmt.Sprintf("rate limit of %d requests exceeded", d.Limit),
		xerrors.WithMetadata("key", key),
		xerrors.WithMetadata("reset_at", d.ResetAt.UTC().Format(time.RFC3339)),
	)
}

// Noop 放行所有请求。
type Noop struct{}

// Allow 总是放行。
func (Noop) Allow(context.Context, string) (Decision, error) {
	return Decision{Allowed: true}, nil
}

// Close 无操作。
func (Noop) Close() error { return nil }

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
