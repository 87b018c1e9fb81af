package llm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/pkg/logger"
)

const (
	CodeModelInvocationFailed xerrors.Code = "MODEL_INVOCATION_FAILED"
	CodeOutputInvalid         xerrors.Code = "OUTPUT_INVALID"
)

func init() {
	xerrors.Register(CodeModelInvocationFailed, xerrors.Attributes{
		Message:    "model invocation failed",
		Severity:   xerrors.SeverityWarning,
		Retryable:  true,
		Alert:      true,
		HTTPStatus: http.StatusBadGateway,
	})
	xerrors.Register(CodeOutputInvalid, xerrors.Attributes{
		Message:    "model output rejected",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: http.StatusUnprocessableEntity,
	})
}

const (
	DefaultMaxAttempts     = 3
	DefaultBaseDelay       = time.Second
	DefaultMinOutputLength = 10
	DefaultMaxOutputLength = 20000

	errorLikeThreshold = 200
)

// Config 控制重试与输出校验。
type Config struct {
	MaxAttempts     int
	BaseDelay       time.Duration
	MinOutputLength int
	MaxOutputLength int
}

// Result 是一次调用的结果。校验失败时 Success 为 false 而不是返回 error。
type Result struct {
	Output   string
	Success  bool
	Reason   string
	Provider string
	Attempts int
}

// Invoker 按主备策略调用大模型。
type Invoker struct {
	primary   Provider
	secondary Provider
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
}

// InvokerOption 配置 Invoker。
type InvokerOption func(*Invoker)

// WithSecondary 配置额度耗尽时使用的备用服务商。
func WithSecondary(p Provider) InvokerOption {
	return func(i *Invoker) { i.secondary = p }
}

// WithSleep 替换等待函数，便于测试。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) InvokerOption {
	return func(i *Invoker) { i.sleep = fn }
}

// NewInvoker 创建 Invoker。
func NewInvoker(primary Provider, cfg Config, opts ...InvokerOption) *Invoker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay < 0 {
		cfg.BaseDelay = 0
	}
	if cfg.MinOutputLength <= 0 {
		cfg.MinOutputLength = DefaultMinOutputLength
	}
	if cfg.MaxOutputLength <= 0 {
		cfg.MaxOutputLength = DefaultMaxOutputLength
	}
	inv := &Invoker{primary: primary, cfg: cfg, sleep: sleepContext}
	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}
	return inv
}

// Invoke 调用大模型。重试耗尽或遇到不可重试错误时返回 MODEL_INVOCATION_FAILED，
// 此时 Result.Output 为错误描述。
func (i *Invoker) Invoke(ctx context.Context, systemPrompt, userInput string) (Result, error) {
	if i == nil || i.primary == nil {
		return Result{}, xerrors.New(xerrors.CodeInitializationFailure, "未配置大模型服务商")
	}

	provider := i.primary
	var lastErr error
	attempt := 0
	for attempt < i.cfg.MaxAttempts {
		attempt++
		output, err := provider.Complete(ctx, systemPrompt, userInput)
		if err == nil {
			res := Result{Output: output, Provider: provider.Name(), Attempts: attempt}
			if reason := ValidateOutput(output, i.cfg.MinOutputLength, i.cfg.MaxOutputLength); reason != "" {
				res.Reason = reason
				return res, nil
			}
			res.Success = true
			return res, nil
		}

		lastErr = err
		typed := AsError(err)
		log := logger.L().With("provider", provider.Name(), "attempt", attempt, "class", typed.Class.String(), "quota", typed.Quota)

		if ctx.Err() != nil {
			log.Warn("调用上下文已结束，停止重试", "error", err)
			break
		}
		if attempt == 1 && typed.Quota && i.secondary != nil && provider == i.primary {
			log.Warn("主服务商额度不足，切换到备用服务商", "secondary", i.secondary.Name())
			provider = i.secondary
			continue
		}
		if typed.Class == Fatal {
			log.Warn("大模型返回不可重试错误", "error", err)
			break
		}
		if attempt < i.cfg.MaxAttempts {
			log.Info("大模型调用失败，准备重试", "error", err)
			if err := i.sleep(ctx, i.cfg.BaseDelay*time.Duration(attempt)); err != nil {
				break
			}
		}
	}

	message := fmt.Sprintf("model invocation failed after %d attempt(s): %v", attempt, lastErr)
	return Result{Output: message, Reason: message, Provider: provider.Name(), Attempts: attempt},
		xerrors.Wrap(CodeModelInvocationFailed, lastErr, message)
}

// ValidateOutput 返回拒绝原因，合法时返回空字符串。长度必须严格介于 minLen 与 maxLen 之间。
func ValidateOutput(output string, minLen, maxLen int) string {
	trimmed := strings.TrimSpace(output)
	length := len([]rune(trimmed))
	if length <= minLen {
		return fmt.Sprintf("output too short (%d <= %d)", length, minLen)
	}
	if length >= maxLen {
		return fmt.Sprintf("output too long (%d >= %d)", length, maxLen)
	}
	if length < errorLikeThreshold && looksLikeError(strings.ToLower(trimmed)) {
		return "output resembles an error message"
	}
	return ""
}

func looksLikeError(lower string) bool {
	return strings.HasPrefix(lower, "error") ||
		strings.HasPrefix(lower, "failed") ||
		strings.Contains(lower, "exception:") ||
		strings.Contains(lower, "api key")
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
