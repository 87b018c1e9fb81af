package tools

import (
	"regexp"
	"strings"
)

// Capabilities 描述一段请求需要哪些外部数据。
type Capabilities struct {
	MarketData bool
	ChainData  bool
}

// Any 判断是否需要任何外部数据。
func (c Capabilities) Any() bool { return c.MarketData || c.ChainData }

var (
	addressPattern = regexp.MustCompile(`0x[0-9a-fA-F]{40}`)
	cashtagPattern = regexp.MustCompile(`\$([A-Za-z]{2,10})\b`)
	wordPattern    = regexp.MustCompile(`[A-Za-z]+`)

	marketKeywords = []string{
		"price", "market", "trading", "volume", "market cap", "marketcap",
		"bullish", "bearish", "chart", "token price", "crypto", "价格", "行情",
	}
	chainKeywords = []string{
		"wallet", "balance", "address", "transaction", "on-chain", "onchain",
		"contract", "gas", "block", "nonce", "链上", "余额", "地址",
	}

	marketMatcher = compileKeywords(marketKeywords)
	chainMatcher  = compileKeywords(chainKeywords)
)

// knownAssets 将常见代币符号与名称映射到行情数据源使用的资产 ID。
var knownAssets = map[string]string{
	"btc":      "bitcoin",
	"bitcoin":  "bitcoin",
	"eth":      "ethereum",
	"ether":    "ethereum",
	"ethereum": "ethereum",
	"sol":      "solana",
	"solana":   "solana",
	"usdc":     "usd-coin",
	"usdt":     "tether",
	"tether":   "tether",
	"bnb":      "binancecoin",
	"matic":    "matic-network",
	"polygon":  "matic-network",
	"arb":      "arbitrum",
	"arbitrum": "arbitrum",
	"op":       "optimism",
	"optimism": "optimism",
	"doge":     "dogecoin",
	"dogecoin": "dogecoin",
	"avax":     "avalanche-2",
}

// Classify 根据关键字与模式判断需要的数据类别，不做任何 I/O。
func Classify(texts ...string) Capabilities {
	var caps Capabilities
	for _, text := range texts {
		lower := strings.ToLower(text)
		if lower == "" {
			continue
		}
		if !caps.MarketData {
			caps.MarketData = marketMatcher.MatchString(lower) || cashtagPattern.MatchString(text) || ExtractAsset(text) != ""
		}
		if !caps.ChainData {
			caps.ChainData = chainMatcher.MatchString(lower) || addressPattern.MatchString(text)
		}
	}
	return caps
}

// ExtractAddress 返回文本中的第一个 EVM 地址。
func ExtractAddress(text string) string {
	return strings.ToLower(addressPattern.FindString(text))
}

// ExtractAsset 返回文本中第一个可识别的资产 ID。
func ExtractAsset(text string) string {
	if m := cashtagPattern.FindStringSubmatch(text); len(m) == 2 {
		if id, ok := knownAssets[strings.ToLower(m[1])]; ok {
			return id
		}
	}
	// 地址中的十六进制片段不参与匹配。
	stripped := addressPattern.ReplaceAllString(text, " ")
	for _, word := range wordPattern.FindAllString(stripped, -1) {
		if id, ok := knownAssets[strings.ToLower(word)]; ok {
			return id
		}
	}
	return ""
}

// compileKeywords 将关键字编译为按词边界匹配的正则，允许复数后缀；
// 中文关键字没有词边界，按子串匹配。
func compileKeywords(keywords []string) *regexp.Regexp {
	alternatives := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		quoted := regexp.QuoteMeta(keyword)
		if isASCII(keyword) {
			quoted = `\b` + quoted + `(?:e?s)?\b`
		}
		alternatives = append(alternatives, quoted)
	}
	return regexp.MustCompile(strings.Join(alternatives, "|"))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}
