package payment

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Authorization 是规范化后的链下付款授权。
type Authorization struct {
	Scheme      string
	Network     string
	From        string
	To          string
	Asset       string
	Value       *big.Int
	ValidAfter  int64
	ValidBefore int64
	Nonce       string
	Signature   string
	// Encoding 记录授权来自哪种编码，仅用于日志。
	Encoding string
}

// Expected 描述某个智能体调用所需的付款条件。
type Expected struct {
	PriceUSD    string
	PayTo       string
	Network     string
	Resource    string
	Description string
}

// VerifyResult 是校验结果。校验失败不会以 error 形式返回。
type VerifyResult struct {
	Valid         bool
	Payer         string
	InvalidReason string
}

// SettleResult 是结算结果。
type SettleResult struct {
	Success bool
	TxRef   string
	Error   string
}

// Hash 是整个执行流程的幂等键。
type Hash = common.Hash

const (
	EncodingSDK    = "sdk"
	EncodingDirect = "direct"
)
