package settlement

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"empleadora/escrow"
)

// RPCWalletGateway implements WalletGateway against the wallet daemon's
// JSON-RPC endpoint. The daemon owns the vault key; this client never sees
// private key material.
type RPCWalletGateway struct {
	baseURL   string
	authToken string
	http      *http.Client
	nextID    atomic.Int64

	address [20]byte
	events  chan AccountEvent
}

// NewRPCWalletGateway builds a gateway client for the given daemon URL. The
// auth token is attached as a bearer credential when present.
func NewRPCWalletGateway(baseURL, authToken string, vaultSigner [20]byte) *RPCWalletGateway {
	return &RPCWalletGateway{
		baseURL:   baseURL,
		authToken: authToken,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
		address: vaultSigner,
		events:  make(chan AccountEvent, 16),
	}
}

func (g *RPCWalletGateway) Address() [20]byte { return g.address }

// AccountEvents returns the change stream. The daemon pushes account and
// network changes through PollAccountChanges; consumers must drain promptly.
func (g *RPCWalletGateway) AccountEvents() <-chan AccountEvent { return g.events }

func (g *RPCWalletGateway) ChainID(ctx context.Context) (*big.Int, error) {
	var result struct {
		ChainID string `json:"chainId"`
	}
	if err := g.call(ctx, "wallet_chainId", nil, &result); err != nil {
		return nil, err
	}
	chainID, err := hexutil.DecodeBig(result.ChainID)
	if err != nil {
		return nil, fmt.Errorf("settlement: malformed chain id %q: %w", result.ChainID, err)
	}
	return chainID, nil
}

func (g *RPCWalletGateway) Balance(ctx context.Context, asset escrow.Asset, addr [20]byte) (*big.Int, error) {
	params := map[string]string{
		"address": common.BytesToAddress(addr[:]).Hex(),
		"asset":   asset.String(),
	}
	var result struct {
		Balance string `json:"balance"`
	}
	if err := g.call(ctx, "wallet_balance", []interface{}{params}, &result); err != nil {
		return nil, err
	}
	balance, ok := new(big.Int).SetString(result.Balance, 10)
	if !ok {
		return nil, fmt.Errorf("settlement: malformed balance %q", result.Balance)
	}
	return balance, nil
}

// SubmitTransfer broadcasts a transfer. The request id rides along so the
// daemon can return the already-broadcast transaction for a repeated request
// instead of signing a second one.
func (g *RPCWalletGateway) SubmitTransfer(ctx context.Context, requestID [32]byte, from, to [20]byte, amount *big.Int, asset escrow.Asset) ([32]byte, error) {
	params := map[string]string{
		"requestId": common.BytesToHash(requestID[:]).Hex(),
		"from":      common.BytesToAddress(from[:]).Hex(),
		"to":        common.BytesToAddress(to[:]).Hex(),
		"amount":    amount.String(),
		"asset":     asset.String(),
	}
	var result struct {
		TxHash string `json:"txHash"`
	}
	if err := g.call(ctx, "wallet_submitTransfer", []interface{}{params}, &result); err != nil {
		return [32]byte{}, err
	}
	hash := common.HexToHash(result.TxHash)
	var ref [32]byte
	copy(ref[:], hash.Bytes())
	return ref, nil
}

func (g *RPCWalletGateway) TransferStatus(ctx context.Context, ref [32]byte) (TransferStatus, error) {
	params := map[string]string{"txHash": common.BytesToHash(ref[:]).Hex()}
	var result struct {
		Found         bool   `json:"found"`
		Confirmations uint64 `json:"confirmations"`
		Reverted      bool   `json:"reverted"`
	}
	if err := g.call(ctx, "wallet_transferStatus", []interface{}{params}, &result); err != nil {
		return TransferStatus{}, err
	}
	return TransferStatus{
		Found:         result.Found,
		Confirmations: result.Confirmations,
		Reverted:      result.Reverted,
	}, nil
}

// PollAccountChanges polls the daemon for account or network changes and
// publishes them on the event channel until the context is cancelled.
func (g *RPCWalletGateway) PollAccountChanges(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var lastChain string
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			chainID, err := g.ChainID(ctx)
			if err != nil {
				continue
			}
			if current := chainID.String(); current != lastChain {
				lastChain = current
				select {
				case g.events <- AccountEvent{Address: g.address, ChainID: chainID}:
				default:
				}
			}
		}
	}
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      int64       `json:"id"`
}

type jsonRPCResponse struct {
	JSONRPC string           `json:"jsonrpc"`
	ID      int64            `json:"id"`
	Result  json.RawMessage  `json:"result"`
	Error   *jsonRPCErrorObj `json:"error"`
}

type jsonRPCErrorObj struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (g *RPCWalletGateway) call(ctx context.Context, method string, params interface{}, out interface{}) error {
	id := g.nextID.Add(1)
	buf, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		Method:  method,
		Params:  params,
		ID:      id,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if strings.TrimSpace(g.authToken) != "" {
		req.Header.Set("Authorization", "Bearer "+g.authToken)
	}
	resp, err := g.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("wallet rpc %s failed: status=%d body=%s", method, resp.StatusCode, string(body))
	}
	var rpcResp jsonRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("wallet rpc error: %s", rpcResp.Error.Message)
	}
	if out == nil {
		return nil
	}
	if len(rpcResp.Result) == 0 {
		return errors.New("wallet rpc returned empty result")
	}
	return json.Unmarshal(rpcResp.Result, out)
}
