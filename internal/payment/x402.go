package payment

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// X402Version 是当前生成质询与转发载荷时使用的协议版本。
const X402Version = 1

// SchemeExact 是按固定金额授权转账的支付方案。
const SchemeExact = "exact"

// PaymentPayload 是转发给 facilitator 的 x402 支付载荷。
type PaymentPayload struct {
	X402Version int          `json:"x402Version"`
	Scheme      string       `json:"scheme"`
	Network     string       `json:"network"`
	Payload     ExactPayload `json:"payload"`
}

// ExactPayload 携带 EIP-3009 授权及其签名。
type ExactPayload struct {
	Signature     string            `json:"signature"`
	Authorization WireAuthorization `json:"authorization"`
}

// WireAuthorization 是授权在线上的字符串形式。
type WireAuthorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// PaymentRequirements 描述服务端接受的一种付款方式。
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description"`
	MimeType          string         `json:"mimeType"`
	PayTo             string         `json:"payTo"`
	MaxTimeoutSeconds int64          `json:"maxTimeoutSeconds"`
	Asset             string         `json:"asset"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// Challenge 是 HTTP 402 响应体，提示客户端如何付款。
type Challenge struct {
	X402Version int                   `json:"x402Version"`
	Error       string                `json:"error,omitempty"`
	Accepts     []PaymentRequirements `json:"accepts"`
}

// VerifyResponse 是 facilitator /verify 的响应。
type VerifyResponse struct {
	IsValid       bool   `json:"isValid"`
	InvalidReason string `json:"invalidReason,omitempty"`
	Payer         string `json:"payer,omitempty"`
}

// SettleResponse 是 facilitator /settle 的响应。
type SettleResponse struct {
	Success     bool   `json:"success"`
	ErrorReason string `json:"errorReason,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
}

// envelope 同时覆盖 x402 v1、v2 以及扁平结构三种 JSON 形态。
type envelope struct {
	X402Version int        `json:"x402Version"`
	Scheme      string     `json:"scheme"`
	Network     string     `json:"network"`
	Asset       string     `json:"asset"`
	Payload     *rawExact  `json:"payload"`
	Accepted    *accepted  `json:"accepted"`
	From        flexString `json:"from"`
	To          flexString `json:"to"`
	Value       flexString `json:"value"`
	ValidAfter  flexString `json:"validAfter"`
	ValidBefore flexString `json:"validBefore"`
	Nonce       flexString `json:"nonce"`
	Signature   string     `json:"signature"`
}

type rawExact struct {
	Signature     string   `json:"signature"`
	Authorization *rawAuth `json:"authorization"`
}

type rawAuth struct {
	From        flexString `json:"from"`
	To          flexString `json:"to"`
	Value       flexString `json:"value"`
	ValidAfter  flexString `json:"validAfter"`
	ValidBefore flexString `json:"validBefore"`
	Nonce       flexString `json:"nonce"`
}

type accepted struct {
	Scheme  string `json:"scheme"`
	Network string `json:"network"`
	Asset   string `json:"asset"`
}

// flexString 接受 JSON 字符串或数字。
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// Payload 将规范化后的授权还原为 facilitator 需要的载荷。
func (a *Authorization) Payload() PaymentPayload {
	return PaymentPayload{
		X402Version: X402Version,
		Scheme:      a.Scheme,
		Network:     a.Network,
		Payload: ExactPayload{
			Signature: a.Signature,
			Authorization: WireAuthorization{
				From:        a.From,
				To:          a.To,
				Value:       a.Value.String(),
				ValidAfter:  strconv.FormatInt(a.ValidAfter, 10),
				ValidBefore: strconv.FormatInt(a.ValidBefore, 10),
				Nonce:       a.Nonce,
			},
		},
	}
}

// BuildChallenge 构造 402 响应体。
func BuildChallenge(req PaymentRequirements, reason string) Challenge {
	return Challenge{X402Version: X402Version, Error: reason, Accepts: []PaymentRequirements{req}}
}
