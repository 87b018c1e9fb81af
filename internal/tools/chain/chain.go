// Package chain provides on-chain account data strategies for the tool
// augmenter: a block explorer API, a REST indexer API and direct RPC.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/tools"
	"AgentPay-Chain/internal/web3"
)

const (
	TierExplorer = "chain-explorer"
	TierAPI      = "chain-api"
	TierRPC      = "chain-rpc"
)

// Config describes an HTTP data source.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// ExplorerStrategy uses an Etherscan compatible account API.
type ExplorerStrategy struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewExplorerStrategy builds the explorer tier.
func NewExplorerStrategy(cfg Config) *ExplorerStrategy {
	return &ExplorerStrategy{
		baseURL: strings.TrimSpace(cfg.BaseURL),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  newHTTPClient(cfg.Timeout),
	}
}

func (s *ExplorerStrategy) Name() string { return TierExplorer }

func (s *ExplorerStrategy) Fetch(ctx context.Context, q tools.Query) tools.Result {
	if s.baseURL == "" {
		return tools.Unavailable(TierExplorer, "not configured")
	}
	if q.Address == "" {
		return tools.Unavailable(TierExplorer, "no address in request")
	}

	var balance struct {
		Status  string `json:"status"`
		Message string `json:"message"`
		Result  string `json:"result"`
	}
	if err := tools.FetchJSON(ctx, s.client, s.url(map[string]string{
		"module": "account", "action": "balance", "address": q.Address, "tag": "latest",
	}), nil, &balance); err != nil {
		return tools.Unavailable(TierExplorer, err.Error())
	}
	if balance.Status != "1" {
		return tools.Unavailable(TierExplorer, "explorer error: "+balance.Message)
	}
	wei, ok := new(big.Int).SetString(balance.Result, 10)
	if !ok {
		return tools.Unavailable(TierExplorer, "unparseable balance")
	}

	var count struct {
		Result string `json:"result"`
	}
	txCount := "unknown"
	if err := tools.FetchJSON(ctx, s.client, s.url(map[string]string{
		"module": "proxy", "action": "eth_getTransactionCount", "address": q.Address, "tag": "latest",
	}), nil, &count); err == nil {
		if n, err := strconv.ParseUint(strings.TrimPrefix(count.Result, "0x"), 16, 64); err == nil {
			txCount = strconv.FormatUint(n, 10)
		}
	}

	return tools.OK(TierExplorer, fmt.Sprintf("address %s: balance %s ETH, transactions sent %s", q.Address, FormatEther(wei), txCount))
}

func (s *ExplorerStrategy) url(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	if s.apiKey != "" {
		values.Set("apikey", s.apiKey)
	}
	sep := "?"
	if strings.Contains(s.baseURL, "?") {
		sep = "&"
	}
	return s.baseURL + sep + values.Encode()
}

// APIStrategy uses a Blockscout style REST address endpoint.
type APIStrategy struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewAPIStrategy builds the REST tier.
func NewAPIStrategy(cfg Config) *APIStrategy {
	return &APIStrategy{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		client:  newHTTPClient(cfg.Timeout),
	}
}

func (s *APIStrategy) Name() string { return TierAPI }

func (s *APIStrategy) Fetch(ctx context.Context, q tools.Query) tools.Result {
	if s.baseURL == "" {
		return tools.Unavailable(TierAPI, "not configured")
	}
	if q.Address == "" {
		return tools.Unavailable(TierAPI, "no address in request")
	}

	header := http.Header{}
	if s.apiKey != "" {
		header.Set("Authorization", "Bearer "+s.apiKey)
	}
	var addr struct {
		CoinBalance string `json:"coin_balance"`
		IsContract  bool   `json:"is_contract"`
		Name        string `json:"name"`
	}
	if err := tools.FetchJSON(ctx, s.client, s.baseURL+"/addresses/"+q.Address, header, &addr); err != nil {
		return tools.Unavailable(TierAPI, err.Error())
	}
	wei, ok := new(big.Int).SetString(addr.CoinBalance, 10)
	if !ok {
		return tools.Unavailable(TierAPI, "unparseable balance")
	}
	kind := "externally owned account"
	if addr.IsContract {
		kind = "contract"
	}
	data := fmt.Sprintf("address %s (%s): balance %s ETH", q.Address, kind, FormatEther(wei))
	if addr.Name != "" {
		data += ", name " + addr.Name
	}
	return tools.OK(TierAPI, data)
}

// RPCStrategy reads the account directly from a node.
type RPCStrategy struct {
	client web3.Client
}

// NewRPCStrategy builds the last resort tier.
func NewRPCStrategy(client web3.Client) *RPCStrategy {
	return &RPCStrategy{client: client}
}

func (s *RPCStrategy) Name() string { return TierRPC }

func (s *RPCStrategy) Fetch(ctx context.Context, q tools.Query) tools.Result {
	if s.client == nil {
		return tools.Unavailable(TierRPC, "not configured")
	}
	if q.Address == "" {
		return tools.Unavailable(TierRPC, "no address in request")
	}
	state, err := s.client.AccountState(ctx, common.HexToAddress(q.Address))
	if err != nil {
		return tools.Unavailable(TierRPC, err.Error())
	}
	kind := "externally owned account"
	if state.IsContract {
		kind = "contract"
	}
	return tools.OK(TierRPC, fmt.Sprintf("address %s on %s (%s): balance %s ETH, nonce %d",
		q.Address, s.client.Name(), kind, FormatEther(state.Balance), state.Nonce))
}

// FormatEther renders wei with up to six decimals.
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	f := new(big.Float).SetPrec(256).SetInt(wei)
	f.Quo(f, new(big.Float).SetPrec(256).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)))
	out := strings.TrimRight(strings.TrimRight(f.Text('f', 6), "0"), ".")
	if out == "" {
		return "0"
	}
	return out
}

var (
	_ tools.Strategy = (*ExplorerStrategy)(nil)
	_ tools.Strategy = (*APIStrategy)(nil)
	_ tools.Strategy = (*RPCStrategy)(nil)
)
