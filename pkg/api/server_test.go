package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/uhyunpark/hyperlend/pkg/app/core/errs"
	"github.com/uhyunpark/hyperlend/pkg/app/core/margin"
	"github.com/uhyunpark/hyperlend/pkg/app/core/reader"
	"github.com/uhyunpark/hyperlend/pkg/crypto"
	"github.com/uhyunpark/hyperlend/pkg/dex"
	"github.com/uhyunpark/hyperlend/pkg/metrics"
	"github.com/uhyunpark/hyperlend/pkg/oracle"
	"github.com/uhyunpark/hyperlend/pkg/storage"
	"github.com/uhyunpark/hyperlend/pkg/util"
)

var (
	usdt  = common.HexToAddress("0x0000000000000000000000000000000000000011")
	uni   = common.HexToAddress("0x0000000000000000000000000000000000000022")
	alice = common.HexToAddress("0x1100000000000000000000000000000000000001")
)

type testServer struct {
	t      *testing.T
	server *Server
	engine *margin.Engine
	http   *httptest.Server
}

func newTestServer(t *testing.T, cfg Config) *testServer {
	t.Helper()
	ctx := context.Background()

	o := oracle.NewStaticOracle()
	o.SetPrice(usdt, uint256.NewInt(1e8))
	o.SetPrice(uni, uint256.NewInt(10e8))

	e, err := margin.NewEngine(margin.Options{
		Store:  storage.NewMemStore(),
		Oracle: o,
		DEX:    dex.NewOracleDEX(o, 0),
		Clock:  util.NewFixedClock(time.Unix(1_700_000_000, 0)),
	})
	require.NoError(t, err)
	_, err = e.Admin().CreatePool(ctx, margin.PoolParams{Asset: usdt, Symbol: "USDT", Decimals: 6, IsUsd: true})
	require.NoError(t, err)
	_, err = e.Admin().CreatePool(ctx, margin.PoolParams{Asset: uni, Symbol: "UNI", Decimals: 18})
	require.NoError(t, err)

	s := NewServer(e, metrics.New(), cfg, zap.NewNop().Sugar())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return &testServer{t: t, server: s, engine: e, http: hs}
}

func (ts *testServer) get(path string, out any) int {
	ts.t.Helper()
	resp, err := http.Get(ts.http.URL + path)
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (ts *testServer) post(path string, body any, out any) int {
	ts.t.Helper()
	var raw []byte
	switch b := body.(type) {
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(ts.t, err)
	}
	resp, err := http.Post(ts.http.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(ts.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const depositBatch = `{
	"account": "0x1100000000000000000000000000000000000001",
	"ops": [
		{"op": "sendTokens", "params": {"asset": "0x0000000000000000000000000000000000000011", "amount": "1000000000"}},
		{"op": "deposit", "params": {"asset": "0x0000000000000000000000000000000000000011"}}
	]
}`

func TestHealthAndPools(t *testing.T) {
	ts := newTestServer(t, Config{})

	var health map[string]string
	require.Equal(t, http.StatusOK, ts.get("/health", &health))
	require.Equal(t, "ok", health["status"])

	var pools []map[string]any
	require.Equal(t, http.StatusOK, ts.get("/api/v1/pools", &pools))
	require.Len(t, pools, 2)

	var prices []reader.PoolPrice
	require.Equal(t, http.StatusOK, ts.get("/api/v1/pools/prices", &prices))
	require.Len(t, prices, 2)

	var e ErrorResponse
	require.Equal(t, http.StatusNotFound, ts.get("/api/v1/pools/0x0000000000000000000000000000000000000099", &e))
	require.Equal(t, string(errs.EmptyPool), e.Error)

	require.Equal(t, http.StatusBadRequest, ts.get("/api/v1/pools/usdt", &e))
	require.Equal(t, "invalid address", e.Error)

	var fee DexFeeResponse
	require.Equal(t, http.StatusOK, ts.get("/api/v1/dex/fee?tokenA="+usdt.Hex()+"&tokenB="+uni.Hex(), &fee))
	require.Equal(t, uint64(0), fee.FeeBps)
}

func TestFaucetAndUnsignedBatch(t *testing.T) {
	ts := newTestServer(t, Config{FaucetEnabled: true})

	var wallet WalletResponse
	code := ts.post("/api/v1/faucet", FaucetRequest{Account: alice, Asset: usdt, Amount: uint256.NewInt(1_000_000_000)}, &wallet)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "1000000000", wallet.Balance.Dec())

	var receipt margin.Receipt
	require.Equal(t, http.StatusOK, ts.post("/api/v1/batch", depositBatch, &receipt))
	require.Equal(t, alice, receipt.Account)
	require.Len(t, receipt.Results, 2)

	var balances []reader.LiquidityAndDebt
	require.Equal(t, http.StatusOK, ts.get("/api/v1/accounts/"+alice.Hex()+"/balances", &balances))
	var found bool
	for _, b := range balances {
		if b.UnderlyingAsset == usdt {
			found = true
			require.Equal(t, "1000000000", b.Collateral.Dec())
		}
	}
	require.True(t, found)

	var health reader.LiquidationHealthFactor
	require.Equal(t, http.StatusOK, ts.get("/api/v1/accounts/"+alice.Hex()+"/health", &health))
	require.True(t, health.IsHigherThanThreshold)

	var redeem AmountResponse
	require.Equal(t, http.StatusOK, ts.get("/api/v1/accounts/"+alice.Hex()+"/max-redeem/"+usdt.Hex(), &redeem))
	require.Equal(t, "1000000000", redeem.Amount.Dec())
}

func TestFaucetRejectsZeroAmount(t *testing.T) {
	ts := newTestServer(t, Config{FaucetEnabled: true})

	var e ErrorResponse
	require.Equal(t, http.StatusBadRequest, ts.post("/api/v1/faucet", FaucetRequest{Account: alice, Asset: usdt}, &e))
	require.Equal(t, string(errs.InvalidAmount), e.Error)
}

func TestFaucetDisabled(t *testing.T) {
	ts := newTestServer(t, Config{})
	code := ts.post("/api/v1/faucet", FaucetRequest{Account: alice, Asset: usdt, Amount: uint256.NewInt(1)}, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestBatchErrorsCarryKind(t *testing.T) {
	ts := newTestServer(t, Config{})

	var e ErrorResponse
	body := `{"account": "0x1100000000000000000000000000000000000001",
		"ops": [{"op": "deposit", "params": {"asset": "0x0000000000000000000000000000000000000011"}}]}`
	require.Equal(t, http.StatusBadRequest, ts.post("/api/v1/batch", body, &e))
	require.Equal(t, string(errs.EmptyDepositAmounts), e.Error)

	require.Equal(t, http.StatusBadRequest, ts.post("/api/v1/batch", `{"account": "0x11", "ops": [`, &e))
	require.Equal(t, "invalid request body", e.Error)
}

func TestSignedBatches(t *testing.T) {
	ts := newTestServer(t, Config{RequireSignatures: true})
	ctx := context.Background()

	var e ErrorResponse
	require.Equal(t, http.StatusUnauthorized, ts.post("/api/v1/batch", depositBatch, &e))
	require.Equal(t, string(errs.InvalidSignature), e.Error)

	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := signer.Address()
	require.NoError(t, ts.engine.Admin().Fund(ctx, usdt, account, uint256.NewInt(1_000_000_000)))

	var nonce NonceResponse
	require.Equal(t, http.StatusOK, ts.get("/api/v1/accounts/"+account.Hex()+"/nonce", &nonce))
	require.Equal(t, uint64(1), nonce.Nonce)

	sb, err := margin.SignBatch(ts.engine.Domain(), signer, nonce.Nonce,
		margin.SendTokens{Asset: usdt, Amount: uint256.NewInt(1_000_000_000)},
		margin.Deposit{Asset: usdt},
	)
	require.NoError(t, err)

	var receipt margin.Receipt
	require.Equal(t, http.StatusOK, ts.post("/api/v1/batch", sb, &receipt))
	require.Equal(t, uint64(1), receipt.Nonce)

	require.Equal(t, http.StatusOK, ts.get("/api/v1/accounts/"+account.Hex()+"/nonce", &nonce))
	require.Equal(t, uint64(2), nonce.Nonce)

	// replay
	require.Equal(t, http.StatusConflict, ts.post("/api/v1/batch", sb, &e))
	require.Equal(t, string(errs.InvalidNonce), e.Error)

	// signature made for another account
	sb.Account = alice
	require.Equal(t, http.StatusUnauthorized, ts.post("/api/v1/batch", sb, &e))
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, Config{AllowedOrigins: []string{"http://localhost:3000"}})

	req, err := http.NewRequest(http.MethodOptions, ts.http.URL+"/api/v1/batch", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "http://localhost:3000", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Empty(t, resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, Config{})
	resp, err := http.Get(ts.http.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusOf(t *testing.T) {
	cases := map[errs.Kind]int{
		errs.EmptyPool:           http.StatusNotFound,
		errs.InvalidSignature:    http.StatusUnauthorized,
		errs.InvalidNonce:        http.StatusConflict,
		errs.InvalidAmount:       http.StatusBadRequest,
		errs.MissingPrice:        http.StatusBadGateway,
		errs.InsufficientBalance: http.StatusUnprocessableEntity,

		errs.HealthFactorLowerThanLiquidationThreshold: http.StatusUnprocessableEntity,
	}
	for kind, status := range cases {
		require.Equal(t, status, statusOf(kind), kind)
	}
}

func TestWebSocketReceivesReceipts(t *testing.T) {
	ts := newTestServer(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ts.server.hub.Run(ctx)

	url := "ws" + strings.TrimPrefix(ts.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	lower := "account:" + strings.ToLower(alice.Hex())
	require.NoError(t, conn.WriteJSON(WSSubscribeRequest{Op: "subscribe", Channels: []string{lower, "pools"}}))

	var ack struct {
		Type string   `json:"type"`
		Data []string `json:"data"`
	}
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, "subscribed", ack.Type)
	require.Equal(t, []string{AccountChannel(alice), "pools"}, ack.Data)

	require.NoError(t, ts.engine.Admin().Fund(ctx, usdt, alice, uint256.NewInt(1_000_000)))
	_, err = ts.engine.Execute(ctx, alice,
		margin.SendTokens{Asset: usdt, Amount: uint256.NewInt(1_000_000)},
		margin.Deposit{Asset: usdt},
	)
	require.NoError(t, err)

	seen := make(map[string]bool)
	for !(seen["receipt"] && seen["health"] && seen["pool"]) {
		var msg struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		seen[msg.Type] = true
		if msg.Type == "receipt" {
			var r margin.Receipt
			require.NoError(t, json.Unmarshal(msg.Data, &r))
			require.Equal(t, alice, r.Account)
		}
	}
}
