package evm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/chainsafe/transfer-relay/pkg/chain"
	"github.com/chainsafe/transfer-relay/pkg/config"
)

type rpcRequest struct {
	ID     json.RawMessage   `json:"id"`
	Method string            `json:"method"`
	Params []json.RawMessage `json:"params"`
}

type rpcHandler func(method string, params []json.RawMessage) (any, *rpcErr)

type rpcErr struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func newRPCServer(t *testing.T, h rpcHandler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		result, rerr := h(req.Method, req.Params)
		resp := map[string]any{"jsonrpc": "2.0", "id": req.ID}
		if rerr != nil {
			resp["error"] = rerr
		} else {
			resp["result"] = result
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type recordingHealth struct {
	mu       sync.Mutex
	observed map[string]error
}

func (h *recordingHealth) Register(string, string) {}

func (h *recordingHealth) Observe(_ string, url string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.observed == nil {
		h.observed = make(map[string]error)
	}
	h.observed[url] = err
}

func testChainConfig() config.ChainConfig {
	return config.ChainConfig{
		ChainID:           1337,
		Confirmations:     10,
		BridgeContract:    "0x00000000000000000000000000000000000000aa",
		GasLimit:          200000,
		MaxFeePerGas:      decimal.NewFromInt(100),
		TipPerGas:         decimal.NewFromInt(2),
		MaxTotalFeePerGas: decimal.NewFromInt(150),
		FeeBumpFactor:     decimal.RequireFromString("1.25"),
		RequestsPerSecond: 1000,
	}
}

func newTestClient(t *testing.T, health HealthObserver, urls ...string) *Client {
	t.Helper()
	var endpoints []endpoint
	for _, u := range urls {
		ec, err := ethclient.Dial(u)
		require.NoError(t, err)
		endpoints = append(endpoints, endpoint{url: u, client: ec})
	}
	c, err := newClient("ethereum", testChainConfig(), endpoints, health, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func signedTx(t *testing.T, nonce uint64) (*types.Transaction, []byte) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	to := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tx, err := types.SignNewTx(key, types.LatestSignerForChainID(big.NewInt(1337)), &types.DynamicFeeTx{
		ChainID:   big.NewInt(1337),
		Nonce:     nonce,
		GasTipCap: big.NewInt(2),
		GasFeeCap: big.NewInt(100),
		Gas:       21000,
		To:        &to,
		Value:     big.NewInt(0),
	})
	require.NoError(t, err)
	raw, err := tx.MarshalBinary()
	require.NoError(t, err)
	return tx, raw
}

func receiptJSON(txHash string, block uint64, status uint64) map[string]any {
	return map[string]any{
		"status":            fmt.Sprintf("0x%x", status),
		"cumulativeGasUsed": "0x5208",
		"logsBloom":         "0x" + strings.Repeat("0", 512),
		"logs":              []any{},
		"transactionHash":   txHash,
		"gasUsed":           "0x5208",
		"blockNumber":       fmt.Sprintf("0x%x", block),
		"blockHash":         common.Hash{1}.Hex(),
		"transactionIndex":  "0x0",
		"effectiveGasPrice": "0x1",
		"type":              "0x2",
	}
}

func TestPrepareTx_LockEncodesBridgeCall(t *testing.T) {
	c := newTestClient(t, nil)

	req, err := c.PrepareTx(context.Background(), chain.Call{
		Kind:       chain.CallLock,
		TransferID: "t-1",
		From:       "0x00000000000000000000000000000000000000f0",
		Account:    "0x00000000000000000000000000000000000000a1",
		Amount:     big.NewInt(1000),
		Fee:        big.NewInt(10),
	}, 42)
	require.NoError(t, err)

	require.Equal(t, uint64(42), req.Nonce)
	require.Equal(t, common.HexToAddress("0xaa").Hex(), req.To)
	require.Equal(t, int64(100), req.GasFeeCap.Int64())

	method := c.bridgeABI.Methods["lock"]
	require.Equal(t, method.ID, req.Data[:4])
	args, err := method.Inputs.Unpack(req.Data[4:])
	require.NoError(t, err)
	require.Equal(t, TransferKey("t-1"), args[0].([32]byte))
	require.Equal(t, int64(1000), args[2].(*big.Int).Int64())
}

func TestPrepareTx_Noop(t *testing.T) {
	c := newTestClient(t, nil)
	from := "0x00000000000000000000000000000000000000f0"

	req, err := c.PrepareTx(context.Background(), chain.Call{Kind: chain.CallNoop, From: from}, 7)
	require.NoError(t, err)
	require.Equal(t, from, req.To)
	require.Equal(t, uint64(noopGasLimit), req.GasLimit)
	require.Zero(t, req.Value.Sign())
	require.Empty(t, req.Data)
}

func TestBumpFees_CapsAtMaxTotal(t *testing.T) {
	c := newTestClient(t, nil)
	req := &chain.TxRequest{GasFeeCap: big.NewInt(100), GasTipCap: big.NewInt(2)}

	c.BumpFees(req, 1)
	require.Equal(t, int64(125), req.GasFeeCap.Int64())
	require.Equal(t, int64(3), req.GasTipCap.Int64())

	c.BumpFees(req, 3)
	require.Equal(t, int64(150), req.GasFeeCap.Int64())
}

func TestGetTransactionStatus(t *testing.T) {
	included := common.Hash{0xaa}.Hex()
	reverted := common.Hash{0xbb}.Hex()
	pendingTx, _ := signedTx(t, 1)

	srv := newRPCServer(t, func(method string, params []json.RawMessage) (any, *rpcErr) {
		var hash string
		if len(params) > 0 {
			_ = json.Unmarshal(params[0], &hash)
		}
		switch method {
		case "eth_getTransactionReceipt":
			switch hash {
			case included:
				return receiptJSON(hash, 100, 1), nil
			case reverted:
				return receiptJSON(hash, 100, 0), nil
			}
			return nil, nil
		case "eth_getTransactionByHash":
			if hash == pendingTx.Hash().Hex() {
				return pendingTx, nil
			}
			return nil, nil
		case "eth_blockNumber":
			return "0x6d", nil
		}
		return nil, &rpcErr{Code: -32601, Message: "method not found"}
	})
	c := newTestClient(t, nil, srv.URL)
	ctx := context.Background()

	st, err := c.GetTransactionStatus(ctx, included)
	require.NoError(t, err)
	require.Equal(t, chain.TxIncluded, st.State)
	require.Equal(t, uint64(100), st.Block)
	require.Equal(t, uint64(10), st.Confirmations)
	require.False(t, st.Reverted)

	st, err = c.GetTransactionStatus(ctx, reverted)
	require.NoError(t, err)
	require.True(t, st.Reverted)

	st, err = c.GetTransactionStatus(ctx, pendingTx.Hash().Hex())
	require.NoError(t, err)
	require.Equal(t, chain.TxPending, st.State)

	st, err = c.GetTransactionStatus(ctx, common.Hash{0xcc}.Hex())
	require.NoError(t, err)
	require.Equal(t, chain.TxNotFound, st.State)
}

func TestBroadcast_NodeAnswers(t *testing.T) {
	tests := []struct {
		name    string
		message string
		check   func(t *testing.T, hash string, err error)
	}{
		{
			name:    "already known counts as broadcast",
			message: "already known",
			check: func(t *testing.T, hash string, err error) {
				require.NoError(t, err)
				require.NotEmpty(t, hash)
			},
		},
		{
			name:    "nonce too low",
			message: "nonce too low: next nonce 9, tx nonce 5",
			check: func(t *testing.T, _ string, err error) {
				var conflict *chain.NonceConflictError
				require.ErrorAs(t, err, &conflict)
				require.Equal(t, uint64(5), conflict.Nonce)
				require.Equal(t, uint64(9), conflict.Expected)
			},
		},
		{
			name:    "insufficient funds",
			message: "insufficient funds for gas * price + value",
			check: func(t *testing.T, _ string, err error) {
				var rejected *chain.RejectedError
				require.ErrorAs(t, err, &rejected)
				require.Equal(t, "insufficient balance", rejected.Reason)
			},
		},
		{
			name:    "underpriced is transient",
			message: "replacement transaction underpriced",
			check: func(t *testing.T, _ string, err error) {
				require.True(t, chain.IsTransient(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcErr) {
				switch method {
				case "eth_sendRawTransaction":
					return nil, &rpcErr{Code: -32000, Message: tt.message}
				case "eth_getTransactionCount":
					return "0x9", nil
				}
				return nil, &rpcErr{Code: -32601, Message: "method not found"}
			})
			c := newTestClient(t, nil, srv.URL)
			_, raw := signedTx(t, 5)

			hash, err := c.Broadcast(context.Background(), raw)
			tt.check(t, hash, err)
		})
	}
}

func TestDo_FallsBackOnTransportError(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)
	up := newRPCServer(t, func(method string, _ []json.RawMessage) (any, *rpcErr) {
		if method == "eth_getTransactionCount" {
			return "0x2a", nil
		}
		return nil, &rpcErr{Code: -32601, Message: "method not found"}
	})

	health := &recordingHealth{}
	c := newTestClient(t, health, down.URL, up.URL)

	nonce, err := c.PendingNonce(context.Background(), "0x00000000000000000000000000000000000000f0")
	require.NoError(t, err)
	require.Equal(t, uint64(42), nonce)

	require.Error(t, health.observed[down.URL])
	require.NoError(t, health.observed[up.URL])
}

func TestDo_AllEndpointsDownIsTransient(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	t.Cleanup(down.Close)

	c := newTestClient(t, nil, down.URL)
	_, err := c.Balance(context.Background(), "0x00000000000000000000000000000000000000f0")

	var transient *chain.TransientError
	require.True(t, errors.As(err, &transient))
	require.Equal(t, "balance", transient.Op)
}
