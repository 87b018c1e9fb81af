package payment

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
)

const (
	testPayer = "0xAbCdEf0123456789aBcDeF0123456789AbCdEf01"
	testPayee = "0x1111111111111111111111111111111111111111"
	testNonce = "0xAA00000000000000000000000000000000000000000000000000000000000001"
)

func x402JSON(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"x402Version": 1,
		"scheme":      "exact",
		"network":     "Base-Sepolia",
		"payload": map[string]any{
			"signature": "0xDEADBEEF",
			"authorization": map[string]any{
				"from":        testPayer,
				"to":          testPayee,
				"value":       "100000",
				"validAfter":  "0",
				"validBefore": "1900000000",
				"nonce":       testNonce,
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestDecodeSDKEncoding(t *testing.T) {
	token := base64.StdEncoding.EncodeToString(x402JSON(t))

	auth, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, EncodingSDK, auth.Encoding)
	assert.Equal(t, "exact", auth.Scheme)
	assert.Equal(t, "base-sepolia", auth.Network)
	assert.Equal(t, strings.ToLower(testPayer), auth.From)
	assert.Equal(t, testPayee, auth.To)
	assert.Equal(t, big.NewInt(100000), auth.Value)
	assert.Equal(t, int64(1900000000), auth.ValidBefore)
	assert.Equal(t, strings.ToLower(testNonce), auth.Nonce)
	assert.Equal(t, "0xdeadbeef", auth.Signature)
}

func TestDecodeURLSafeUnpadded(t *testing.T) {
	token := base64.RawURLEncoding.EncodeToString(x402JSON(t))
	auth, err := Decode(token)
	require.NoError(t, err)
	assert.Equal(t, EncodingSDK, auth.Encoding)
}

func TestDecodeV2Envelope(t *testing.T) {
	body := fmt.Sprintf(`{
		"x402Version": 2,
		"accepted": {"scheme": "exact", "network": "base", "asset": "0xusdc"},
		"payload": {"signature": "0x01", "authorization": {
			"from": %q, "to": %q, "value": 5, "validAfter": 1, "validBefore": 2, "nonce": %q}}
	}`, testPayer, testPayee, testNonce)

	auth, err := Decode(base64.StdEncoding.EncodeToString([]byte(body)))
	require.NoError(t, err)
	assert.Equal(t, "base", auth.Network)
	assert.Equal(t, "0xusdc", auth.Asset)
	assert.Equal(t, int64(1), auth.ValidAfter)
}

func TestDecodeFlatDirectEncoding(t *testing.T) {
	body := fmt.Sprintf(`{"network":"base-sepolia","from":%q,"to":%q,"value":"100000","validAfter":0,"validBefore":"1900000000","nonce":%q,"signature":"0xdeadbeef"}`,
		testPayer, testPayee, testNonce)

	auth, err := Decode(body)
	require.NoError(t, err)
	assert.Equal(t, EncodingDirect, auth.Encoding)
	assert.Equal(t, SchemeExact, auth.Scheme)
}

func TestBothEncodingsHashIdentically(t *testing.T) {
	sdk, err := Decode(base64.StdEncoding.EncodeToString(x402JSON(t)))
	require.NoError(t, err)
	direct, err := Decode(string(x402JSON(t)))
	require.NoError(t, err)

	h1, err := ComputeHash(sdk, "")
	require.NoError(t, err)
	h2, err := ComputeHash(direct, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1.Hex(), 66)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"not base64":   "%%%",
		"not json":     base64.StdEncoding.EncodeToString([]byte("hello")),
		"broken json":  `{"network":`,
		"bad address":  fmt.Sprintf(`{"network":"base","from":"0x12","to":%q,"value":"1","validAfter":"0","validBefore":"1","nonce":%q,"signature":"0x01"}`, testPayee, testNonce),
		"negative":     fmt.Sprintf(`{"network":"base","from":%q,"to":%q,"value":"-1","validAfter":"0","validBefore":"1","nonce":%q,"signature":"0x01"}`, testPayer, testPayee, testNonce),
		"short nonce":  fmt.Sprintf(`{"network":"base","from":%q,"to":%q,"value":"1","validAfter":"0","validBefore":"1","nonce":"0x01","signature":"0x01"}`, testPayer, testPayee),
		"no network":   fmt.Sprintf(`{"from":%q,"to":%q,"value":"1","validAfter":"0","validBefore":"1","nonce":%q,"signature":"0x01"}`, testPayer, testPayee, testNonce),
		"no signature": fmt.Sprintf(`{"network":"base","from":%q,"to":%q,"value":"1","validAfter":"0","validBefore":"1","nonce":%q}`, testPayer, testPayee, testNonce),
		"no auth":      `{"network":"base","payload":{"signature":"0x01"}}`,
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(token)
			require.Error(t, err)
			assert.Equal(t, CodeMalformedProof, xerrors.CodeOf(err))
		})
	}
}

func TestDecodeMissingProof(t *testing.T) {
	_, err := Decode("   ")
	require.Error(t, err)
	assert.Equal(t, CodeMissingPaymentProof, xerrors.CodeOf(err))
}

func TestComputeHashExplicit(t *testing.T) {
	explicit := "AB" + strings.Repeat("0", 62)
	h, err := ComputeHash(nil, explicit)
	require.NoError(t, err)
	assert.Equal(t, "0xab"+strings.Repeat("0", 62), h.Hex())

	_, err = ComputeHash(nil, "0x1234")
	require.Error(t, err)

	_, err = ComputeHash(nil, "")
	require.Error(t, err)
}

func TestComputeHashExplicitMustMatchAuthorization(t *testing.T) {
	auth, err := Decode(base64.StdEncoding.EncodeToString(x402JSON(t)))
	require.NoError(t, err)
	derived, err := ComputeHash(auth, "")
	require.NoError(t, err)

	same, err := ComputeHash(auth, strings.ToUpper(derived.Hex()[2:]))
	require.NoError(t, err)
	assert.Equal(t, derived, same)

	_, err = ComputeHash(auth, "0x"+strings.Repeat("ab", 32))
	require.Error(t, err)
	assert.Equal(t, CodeMalformedProof, xerrors.CodeOf(err))
}

func TestComputeHashProperties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	build := func(value uint64, nonce uint64) *Authorization {
		return &Authorization{
			From:        strings.ToLower(testPayer),
			Nonce:       fmt.Sprintf("0x%064x", nonce),
			Value:       new(big.Int).SetUint64(value),
			ValidAfter:  0,
			ValidBefore: 1900000000,
		}
	}

	properties.Property("hash is deterministic", prop.ForAll(
		func(value, nonce uint64) bool {
			h1, err1 := ComputeHash(build(value, nonce), "")
			h2, err2 := ComputeHash(build(value, nonce), "")
			return err1 == nil && err2 == nil && h1 == h2
		},
		gen.UInt64(), gen.UInt64(),
	))

	properties.Property("different nonces give different hashes", prop.ForAll(
		func(value, nonce uint64) bool {
			h1, _ := ComputeHash(build(value, nonce), "")
			h2, _ := ComputeHash(build(value, nonce+1), "")
			return h1 != h2
		},
		gen.UInt64(), gen.UInt64Range(0, 1<<62),
	))

	properties.TestingRun(t)
}
