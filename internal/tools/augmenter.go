package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentPay-Chain/pkg/logger"
)

// Kind 是上下文片段的类别。
type Kind string

const (
	KindMarket Kind = "market"
	KindChain  Kind = "chain"
)

// Snippet 是一段附加到提示词中的外部数据。
type Snippet struct {
	Kind Kind   `json:"kind"`
	Tier string `json:"tier"`
	Data string `json:"data"`
}

// ToolContext 是一次请求收集到的全部外部数据，不会持久化。
type ToolContext struct {
	Snippets []Snippet `json:"snippets,omitempty"`
}

// Empty 判断是否没有任何数据。
func (c ToolContext) Empty() bool { return len(c.Snippets) == 0 }

// Render 将数据渲染为追加到提示词的文本。
func (c ToolContext) Render() string {
	if c.Empty() {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n## Live data\n")
	for _, s := range c.Snippets {
		fmt.Fprintf(&b, "[%s via %s]\n%s\n", s.Kind, s.Tier, strings.TrimSpace(s.Data))
	}
	return b.String()
}

// Augmenter 根据请求内容并发收集外部数据。
type Augmenter struct {
	market  Chain
	chain   Chain
	timeout time.Duration
}

// Option 配置 Augmenter。
type Option func(*Augmenter)

// WithMarket 设置行情数据降级链。
func WithMarket(strategies ...Strategy) Option {
	return func(a *Augmenter) { a.market = strategies }
}

// WithChain 设置链上数据降级链。
func WithChain(strategies ...Strategy) Option {
	return func(a *Augmenter) { a.chain = strategies }
}

// WithTimeout 设置每个类别的超时时间。
func WithTimeout(timeout time.Duration) Option {
	return func(a *Augmenter) { a.timeout = timeout }
}

// NewAugmenter 创建 Augmenter。
func NewAugmenter(opts ...Option) *Augmenter {
	a := &Augmenter{timeout: 8 * time.Second}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Augment 收集与请求相关的外部数据。任何失败都只会导致数据缺失。
func (a *Augmenter) Augment(ctx context.Context, requestText, agentDescription string) ToolContext {
	if a == nil {
		return ToolContext{}
	}
	caps := Classify(requestText, agentDescription)
	if !caps.Any() {
		return ToolContext{}
	}

	q := Query{
		Text:    requestText,
		Asset:   ExtractAsset(requestText),
		Address: ExtractAddress(requestText),
	}
	if q.Asset == "" {
		q.Asset = ExtractAsset(agentDescription)
	}

	var slots [2]*Snippet
	g, gctx := errgroup.WithContext(ctx)
	if caps.MarketData && len(a.market) > 0 {
		g.Go(func() error {
			slots[0] = a.run(gctx, KindMarket, a.market, q)
			return nil
		})
	}
	if caps.ChainData && len(a.chain) > 0 {
		g.Go(func() error {
			slots[1] = a.run(gctx, KindChain, a.chain, q)
			return nil
		})
	}
	_ = g.Wait()

	var out ToolContext
	for _, s := range slots {
		if s != nil {
			out.Snippets = append(out.Snippets, *s)
		}
	}
	return out
}

func (a *Augmenter) run(ctx context.Context, kind Kind, chain Chain, q Query) *Snippet {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	res := chain.Run(ctx, q)
	if res.Status != StatusOK {
		logger.L().Debug("外部数据不可用", "kind", kind, "reason", res.Reason)
		return nil
	}
	return &Snippet{Kind: kind, Tier: res.Tier, Data: res.Data}
}
