package payment

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPay-Chain/internal/errors"
)

var base64Encodings = []*base64.Encoding{
	base64.StdEncoding,
	base64.RawStdEncoding,
	base64.URLEncoding,
	base64.RawURLEncoding,
}

// Decode 解析 X-PAYMENT 头部，支持 base64 编码的 x402 载荷与直接传入的 JSON。
func Decode(header string) (*Authorization, error) {
	token := strings.TrimSpace(header)
	if token == "" {
		return nil, xerrors.New(CodeMissingPaymentProof, "缺少付款凭证")
	}

	encoding := EncodingDirect
	raw := []byte(token)
	if !strings.HasPrefix(token, "{") {
		decoded, ok := decodeBase64(token)
		if !ok {
			return nil, xerrors.New(CodeMalformedProof, "付款凭证既不是 JSON 也不是 base64")
		}
		raw = decoded
		encoding = EncodingSDK
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, xerrors.Wrap(CodeMalformedProof, err, "付款凭证 JSON 无法解析")
	}
	auth, err := normalize(env)
	if err != nil {
		return nil, err
	}
	auth.Encoding = encoding
	return auth, nil
}

func decodeBase64(token string) ([]byte, bool) {
	for _, enc := range base64Encodings {
		decoded, err := enc.DecodeString(token)
		if err != nil {
			continue
		}
		trimmed := strings.TrimSpace(string(decoded))
		if strings.HasPrefix(trimmed, "{") {
			return []byte(trimmed), true
		}
	}
	return nil, false
}

func normalize(env envelope) (*Authorization, error) {
	auth := &Authorization{
		Scheme:  strings.ToLower(strings.TrimSpace(env.Scheme)),
		Network: strings.ToLower(strings.TrimSpace(env.Network)),
		Asset:   strings.TrimSpace(env.Asset),
	}
	if env.Accepted != nil {
		if auth.Scheme == "" {
			auth.Scheme = strings.ToLower(strings.TrimSpace(env.Accepted.Scheme))
		}
		if auth.Network == "" {
			auth.Network = strings.ToLower(strings.TrimSpace(env.Accepted.Network))
		}
		if auth.Asset == "" {
			auth.Asset = strings.TrimSpace(env.Accepted.Asset)
		}
	}

	fields := rawAuth{
		From:        env.From,
		To:          env.To,
		Value:       env.Value,
		ValidAfter:  env.ValidAfter,
		ValidBefore: env.ValidBefore,
		Nonce:       env.Nonce,
	}
	auth.Signature = strings.TrimSpace(env.Signature)
	if env.Payload != nil {
		if env.Payload.Authorization == nil {
			return nil, xerrors.New(CodeMalformedProof, "载荷缺少 authorization")
		}
		fields = *env.Payload.Authorization
		auth.Signature = strings.TrimSpace(env.Payload.Signature)
	}

	if auth.Scheme == "" {
		auth.Scheme = SchemeExact
	}
	if auth.Network == "" {
		return nil, malformed("network", "不能为空")
	}

	var err error
	if auth.From, err = normalizeAddress("from", string(fields.From)); err != nil {
		return nil, err
	}
	if auth.To, err = normalizeAddress("to", string(fields.To)); err != nil {
		return nil, err
	}
	if auth.Value, err = parseAmount(string(fields.Value)); err != nil {
		return nil, err
	}
	if auth.ValidAfter, err = parseTimestamp("validAfter", string(fields.ValidAfter)); err != nil {
		return nil, err
	}
	if auth.ValidBefore, err = parseTimestamp("validBefore", string(fields.ValidBefore)); err != nil {
		return nil, err
	}
	if auth.Nonce, err = normalizeHex32("nonce", string(fields.Nonce)); err != nil {
		return nil, err
	}
	if auth.Signature == "" {
		return nil, malformed("signature", "不能为空")
	}
	if !isHex(strings.TrimPrefix(strings.ToLower(auth.Signature), "0x")) {
		return nil, malformed("signature", "必须是十六进制")
	}
	auth.Signature = "0x" + strings.TrimPrefix(strings.ToLower(auth.Signature), "0x")
	return auth, nil
}

// ComputeHash 计算付款哈希。有授权时哈希总是由授权字段派生，显式哈希只能与之相同，
// 否则同一笔授权可以换个哈希再次开启执行。没有授权时才直接使用显式哈希。
func ComputeHash(auth *Authorization, explicit string) (Hash, error) {
	explicit = strings.TrimSpace(explicit)
	var claimed Hash
	if explicit != "" {
		normalized, err := normalizeHex32("paymentHash", explicit)
		if err != nil {
			return Hash{}, err
		}
		claimed = common.HexToHash(normalized)
	}
	if auth == nil || auth.Value == nil {
		if explicit != "" {
			return claimed, nil
		}
		return Hash{}, xerrors.New(CodeMalformedProof, "无法在缺少授权的情况下计算付款哈希")
	}

	preimage := strings.Join([]string{
		auth.From,
		auth.Nonce,
		auth.Value.String(),
		strconv.FormatInt(auth.ValidAfter, 10),
		strconv.FormatInt(auth.ValidBefore, 10),
	}, ":")
	derived := crypto.Keccak256Hash([]byte(preimage))
	if explicit != "" && claimed != derived {
		return Hash{}, malformed("paymentHash", "与付款授权不匹配")
	}
	return derived, nil
}

func normalizeAddress(field, value string) (string, error) {
	value = strings.TrimSpace(value)
	if !common.IsHexAddress(value) || !strings.HasPrefix(strings.ToLower(value), "0x") {
		return "", malformed(field, "不是合法地址")
	}
	return strings.ToLower(value), nil
}

func parseAmount(value string) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, malformed("value", "不能为空")
	}
	amount, ok := new(big.Int).SetString(value, 10)
	if !ok || amount.Sign() < 0 {
		return nil, malformed("value", "必须是非负十进制整数")
	}
	return amount, nil
}

func parseTimestamp(field, value string) (int64, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, malformed(field, "不能为空")
	}
	ts, err := strconv.ParseInt(value, 10, 64)
	if err != nil || ts < 0 {
		return 0, malformed(field, "必须是非负整数")
	}
	return ts, nil
}

func normalizeHex32(field, value string) (string, error) {
	trimmed := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(value)), "0x")
	if len(trimmed) != 64 || !isHex(trimmed) {
		return "", malformed(field, "必须是 32 字节十六进制")
	}
	return "0x" + trimmed, nil
}

func isHex(s string) bool {
	if s == "" {
		return false
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func malformed(field, reason string) error {
	return xerrors.New(CodeMalformedProof, fmt.Sprintf("字段 %s %s", field, reason), xerrors.WithMetadata("field", field))
}
