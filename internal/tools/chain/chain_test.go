package chain

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"

	"AgentPay-Chain/internal/tools"
	"AgentPay-Chain/internal/web3"
)

const addr = "0x1111111111111111111111111111111111111111"

type fakeClient struct {
	state web3.AccountState
	err   error
}

func (f *fakeClient) Name() string { return "base-sepolia" }
func (f *fakeClient) FetchChainSnapshot(context.Context) (web3.ChainSnapshot, error) {
	return web3.ChainSnapshot{}, nil
}
func (f *fakeClient) AccountState(context.Context, common.Address) (web3.AccountState, error) {
	return f.state, f.err
}
func (f *fakeClient) ChainID(context.Context) (*big.Int, error) { return big.NewInt(84532), nil }
func (f *fakeClient) Backend() web3.Backend { return nil }
func (f *fakeClient) Close() {}

func TestExplorerStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		switch r.URL.Query().Get("action") {
		case "balance":
			_, _ = w.Write([]byte(`{"status":"1","message":"OK","result":"1500000000000000000"}`))
		case "eth_getTransactionCount":
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":"0x1a"}`))
		}
	}))
	defer srv.Close()

	res := NewExplorerStrategy(Config{BaseURL: srv.URL + "/api", APIKey: "secret"}).Fetch(context.Background(), tools.Query{Address: addr})
	assert.Equal(t, tools.StatusOK, res.Status)
	assert.Equal(t, "address "+addr+": balance 1.5 ETH, transactions sent 26", res.Data)
}

func TestExplorerStrategyReportsExplorerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"0","message":"NOTOK","result":"Invalid API Key"}`))
	}))
	defer srv.Close()

	res := NewExplorerStrategy(Config{BaseURL: srv.URL}).Fetch(context.Background(), tools.Query{Address: addr})
	assert.Equal(t, tools.StatusUnavailable, res.Status)
	assert.Contains(t, res.Reason, "NOTOK")
}

func TestFallbackToRPC(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer down.Close()

	rpc := NewRPCStrategy(&fakeClient{state: web3.AccountState{Balance: big.NewInt(0), Nonce: 3, IsContract: true}})
	chain := tools.Chain{
		NewExplorerStrategy(Config{BaseURL: down.URL}),
		NewAPIStrategy(Config{BaseURL: down.URL}),
		rpc,
	}
	res := chain.Run(context.Background(), tools.Query{Address: addr})
	assert.Equal(t, tools.StatusOK, res.Status)
	assert.Equal(t, TierRPC, res.Tier)
	assert.Equal(t, "address "+addr+" on base-sepolia (contract): balance 0 ETH, nonce 3", res.Data)
}

func TestAPIStrategy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/addresses/"+addr, r.URL.Path)
		_, _ = w.Write([]byte(`{"coin_balance":"250000000000000000","is_contract":false,"name":"treasury"}`))
	}))
	defer srv.Close()

	res := NewAPIStrategy(Config{BaseURL: srv.URL + "/api/v2/"}).Fetch(context.Background(), tools.Query{Address: addr})
	assert.Equal(t, tools.StatusOK, res.Status)
	assert.Equal(t, "address "+addr+" (externally owned account): balance 0.25 ETH, name treasury", res.Data)
}

func TestRPCStrategyErrors(t *testing.T) {
	res := NewRPCStrategy(&fakeClient{err: errors.New("dial tcp")}).Fetch(context.Background(), tools.Query{Address: addr})
	assert.Equal(t, tools.StatusUnavailable, res.Status)

	res = NewRPCStrategy(nil).Fetch(context.Background(), tools.Query{Address: addr})
	assert.Equal(t, tools.StatusUnavailable, res.Status)
}

func TestFormatEther(t *testing.T) {
	assert.Equal(t, "0", FormatEther(big.NewInt(0)))
	assert.Equal(t, "0", FormatEther(nil))
	assert.Equal(t, "2", FormatEther(new(big.Int).Mul(big.NewInt(2), big.NewInt(1e18))))
	assert.Equal(t, "0.000001", FormatEther(big.NewInt(1e12)))
}
