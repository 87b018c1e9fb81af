package payment

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "AgentPay-Chain/internal/errors"
)

type stubFacilitator struct {
	verify    *VerifyResponse
	verifyErr error
	settle    *SettleResponse
	settleErr error

	lastReq     PaymentRequirements
	lastPayload PaymentPayload
}

func (s *stubFacilitator) Verify(_ context.Context, payload PaymentPayload, req PaymentRequirements) (*VerifyResponse, error) {
	s.lastReq, s.lastPayload = req, payload
	return s.verify, s.verifyErr
}

func (s *stubFacilitator) Settle(_ context.Context, payload PaymentPayload, req PaymentRequirements) (*SettleResponse, error) {
	s.lastReq, s.lastPayload = req, payload
	return s.settle, s.settleErr
}

type stubEscrow struct {
	calls int
	err   error
}

func (s *stubEscrow) ReleasePayment(context.Context, Hash, uint64) error {
	s.calls++
	return s.err
}

func sampleAuth() *Authorization {
	return &Authorization{
		Scheme:      SchemeExact,
		Network:     "base-sepolia",
		From:        "0xabcdef0123456789abcdef0123456789abcdef01",
		To:          testPayee,
		Value:       big.NewInt(100000),
		ValidBefore: 1900000000,
		Nonce:       testNonce,
		Signature:   "0x01",
	}
}

var sampleExpected = Expected{PriceUSD: "0.10", PayTo: testPayee, Network: "base-sepolia", Resource: "https://agents.test/api/v1/agents/1/execute"}

func testRequirements() Requirements {
	return Requirements{Asset: "0xusdc", AssetName: "USDC", AssetVersion: "2", MaxTimeoutSeconds: 60}
}

func TestVerifyBuildsRequirement(t *testing.T) {
	f := &stubFacilitator{verify: &VerifyResponse{IsValid: true, Payer: "0xABC"}}
	v := NewVerifier(f, testRequirements(), 0)

	res := v.Verify(context.Background(), sampleAuth(), sampleExpected)
	assert.True(t, res.Valid)
	assert.Equal(t, "0xabc", res.Payer)
	assert.Equal(t, "100000", f.lastReq.MaxAmountRequired)
	assert.Equal(t, SchemeExact, f.lastReq.Scheme)
	assert.Equal(t, "0xusdc", f.lastReq.Asset)
	assert.Equal(t, map[string]any{"name": "USDC", "version": "2"}, f.lastReq.Extra)
	assert.Equal(t, "100000", f.lastPayload.Payload.Authorization.Value)
	assert.Equal(t, "1900000000", f.lastPayload.Payload.Authorization.ValidBefore)
}

func TestVerifyInvalidReason(t *testing.T) {
	f := &stubFacilitator{verify: &VerifyResponse{IsValid: false, InvalidReason: "insufficient amount"}}
	res := NewVerifier(f, testRequirements(), 0).Verify(context.Background(), sampleAuth(), sampleExpected)
	assert.False(t, res.Valid)
	assert.Equal(t, "insufficient amount", res.InvalidReason)
	assert.Equal(t, sampleAuth().From, res.Payer)
}

func TestVerifyTransportErrorBecomesInvalid(t *testing.T) {
	f := &stubFacilitator{verifyErr: errors.New("connection refused")}
	res := NewVerifier(f, testRequirements(), 0).Verify(context.Background(), sampleAuth(), sampleExpected)
	assert.False(t, res.Valid)
	assert.Contains(t, res.InvalidReason, "connection refused")
}

func TestVerifyBadPrice(t *testing.T) {
	f := &stubFacilitator{verify: &VerifyResponse{IsValid: true}}
	exp := sampleExpected
	exp.PriceUSD = "free"
	res := NewVerifier(f, testRequirements(), 0).Verify(context.Background(), sampleAuth(), exp)
	assert.False(t, res.Valid)
}

func TestSettle(t *testing.T) {
	f := &stubFacilitator{settle: &SettleResponse{Success: true, Transaction: "0xtx"}}
	s := NewSettler(f, testRequirements(), nil, 1000, 0)
	res := s.Settle(context.Background(), sampleAuth(), sampleExpected)
	assert.True(t, res.Success)
	assert.Equal(t, "0xtx", res.TxRef)

	f.settle = &SettleResponse{Success: false}
	res = s.Settle(context.Background(), sampleAuth(), sampleExpected)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Error)

	f.settleErr = errors.New("timeout")
	res = s.Settle(context.Background(), sampleAuth(), sampleExpected)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "timeout")
}

func TestReleaseSkipsZeroBeneficiary(t *testing.T) {
	escrow := &stubEscrow{}
	s := NewSettler(nil, testRequirements(), escrow, 1000, 0)

	released, err := s.Release(context.Background(), Hash{1}, 7, common.Address{})
	require.NoError(t, err)
	assert.False(t, released)
	assert.Zero(t, escrow.calls)

	released, err = s.Release(context.Background(), Hash{1}, 7, common.HexToAddress(testPayee))
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 1, escrow.calls)
}

func TestReleaseFailureIsCoded(t *testing.T) {
	s := NewSettler(nil, testRequirements(), &stubEscrow{err: errors.New("reverted")}, 1000, 0)
	released, err := s.Release(context.Background(), Hash{1}, 7, common.HexToAddress(testPayee))
	require.Error(t, err)
	assert.False(t, released)
	assert.Equal(t, CodeSettlementFailed, xerrors.CodeOf(err))
}
