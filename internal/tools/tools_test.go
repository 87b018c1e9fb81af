package tools

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStrategy struct {
	name   string
	result Result
	delay  time.Duration
	calls  atomic.Int32
	seen   atomic.Value
}

func (f *fakeStrategy) Name() string { return f.name }

func (f *fakeStrategy) Fetch(ctx context.Context, q Query) Result {
	f.calls.Add(1)
	f.seen.Store(q)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return Unavailable(f.name, ctx.Err().Error())
		}
	}
	return f.result
}

func TestClassify(t *testing.T) {
	caps := Classify("What is the price of ETH today?")
	assert.True(t, caps.MarketData)
	assert.False(t, caps.ChainData)

	caps = Classify("Check wallet 0x1111111111111111111111111111111111111111")
	assert.True(t, caps.ChainData)

	caps = Classify("write me a haiku", "poetry agent")
	assert.False(t, caps.Any())

	caps = Classify("summarise this", "crypto market analyst")
	assert.True(t, caps.MarketData)
}

func TestClassifyMatchesWholeWords(t *testing.T) {
	for _, text := range []string{
		"Plan a weekend trip to Las Vegas",
		"List the blockers for this sprint",
		"Review this contractor agreement",
		"Summarise the addressee list",
	} {
		assert.False(t, Classify(text).ChainData, text)
	}

	for _, text := range []string{
		"How much gas does a swap cost?",
		"Show the latest blocks",
		"List recent transactions for my wallet",
		"查询链上数据",
	} {
		assert.True(t, Classify(text).ChainData, text)
	}

	assert.False(t, Classify("notes on cryptography homework").MarketData)
	assert.True(t, Classify("compare token prices").MarketData)
}

func TestExtractors(t *testing.T) {
	text := "compare $SOL with 0xAbCdEf0123456789aBcDeF0123456789AbCdEf01 and 0x2222222222222222222222222222222222222222 and bitcoin"
	assert.Equal(t, "solana", ExtractAsset(text))
	assert.Equal(t, "0xabcdef0123456789abcdef0123456789abcdef01", ExtractAddress(text))
	assert.Equal(t, "bitcoin", ExtractAsset("is bitcoin up?"))
	assert.Equal(t, "", ExtractAsset("0xbeefbeefbeefbeefbeefbeefbeefbeefbeefbeef"))
	assert.Equal(t, "", ExtractAddress("no address"))
}

func TestChainFallsThrough(t *testing.T) {
	first := &fakeStrategy{name: "a", result: Unavailable("a", "down")}
	second := &fakeStrategy{name: "b", result: OK("", "data")}
	third := &fakeStrategy{name: "c", result: OK("c", "never")}

	res := Chain{first, second, third}.Run(context.Background(), Query{})
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, "b", res.Tier)
	assert.Equal(t, "data", res.Data)
	assert.Zero(t, third.calls.Load())

	res = Chain{first}.Run(context.Background(), Query{})
	assert.Equal(t, StatusUnavailable, res.Status)
	assert.Contains(t, res.Reason, "a: down")
}

func TestAugmentRunsCategoriesConcurrently(t *testing.T) {
	market := &fakeStrategy{name: "m", result: OK("m", "ETH $3000"), delay: 100 * time.Millisecond}
	chain := &fakeStrategy{name: "c", result: OK("c", "balance 1 ETH"), delay: 100 * time.Millisecond}
	a := NewAugmenter(WithMarket(market), WithChain(chain), WithTimeout(time.Second))

	start := time.Now()
	out := a.Augment(context.Background(), "price of eth and balance of 0x1111111111111111111111111111111111111111", "")
	elapsed := time.Since(start)

	require.Len(t, out.Snippets, 2)
	assert.Less(t, elapsed, 190*time.Millisecond)
	q := market.seen.Load().(Query)
	assert.Equal(t, "ethereum", q.Asset)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", q.Address)

	rendered := out.Render()
	assert.True(t, strings.Contains(rendered, "[market via m]"))
	assert.True(t, strings.Contains(rendered, "[chain via c]"))
}

func TestAugmentDegradesSilently(t *testing.T) {
	slow := &fakeStrategy{name: "slow", result: OK("slow", "late"), delay: time.Second}
	a := NewAugmenter(WithMarket(slow), WithTimeout(20*time.Millisecond))

	out := a.Augment(context.Background(), "eth price", "")
	assert.True(t, out.Empty())
	assert.Equal(t, "", out.Render())
}

func TestAugmentSkipsUnneededCategories(t *testing.T) {
	market := &fakeStrategy{name: "m", result: OK("m", "x")}
	a := NewAugmenter(WithMarket(market))
	out := a.Augment(context.Background(), "write a poem", "poet")
	assert.True(t, out.Empty())
	assert.Zero(t, market.calls.Load())

	var nilAugmenter *Augmenter
	assert.True(t, nilAugmenter.Augment(context.Background(), "eth price", "").Empty())
}
