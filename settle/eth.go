package settle

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

// gameABI is the subset of the game contract surface this bridge consumes.
const gameABI = `[
	{"type":"function","name":"gameSessions","stateMutability":"view","inputs":[{"name":"sessionId","type":"uint256"}],"outputs":[{"name":"owner","type":"address"},{"name":"ended","type":"bool"}]},
	{"type":"function","name":"paused","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"minGamePrice","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"startGameSession","stateMutability":"payable","inputs":[{"name":"sessionId","type":"uint256"}],"outputs":[]},
	{"type":"function","name":"endGameSession","stateMutability":"nonpayable","inputs":[{"name":"sessionId","type":"uint256"},{"name":"amount","type":"uint256"},{"name":"signature","type":"bytes"}],"outputs":[]}
]`

func parsedGameABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(gameABI))
}

// EthLedger reads game contract state over an RPC client.
type EthLedger struct {
	contract *bind.BoundContract
}

// NewEthLedger binds the game contract at addr on the given client.
func NewEthLedger(client *ethclient.Client, addr common.Address) (*EthLedger, error) {
	parsed, err := parsedGameABI()
	if err != nil {
		return nil, fmt.Errorf("parse game abi: %w", err)
	}
	return &EthLedger{contract: bind.NewBoundContract(addr, parsed, client, client, client)}, nil
}

func (l *EthLedger) Paused(ctx context.Context) (bool, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "paused"); err != nil {
		return false, fmt.Errorf("paused: %w", err)
	}
	return *abi.ConvertType(out[0], new(bool)).(*bool), nil
}

func (l *EthLedger) Session(ctx context.Context, id *big.Int) (SessionState, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "gameSessions", id); err != nil {
		return SessionState{}, fmt.Errorf("gameSessions: %w", err)
	}
	return SessionState{
		Owner: *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Ended: *abi.ConvertType(out[1], new(bool)).(*bool),
	}, nil
}

func (l *EthLedger) MinGamePrice(ctx context.Context) (*big.Int, error) {
	var out []any
	if err := l.contract.Call(&bind.CallOpts{Context: ctx}, &out, "minGamePrice"); err != nil {
		return nil, fmt.Errorf("minGamePrice: %w", err)
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

// KeyedWallet submits game contract transactions signed by a local key. It
// cannot switch networks; SwitchChain only succeeds when the client is
// already on the requested one.
type KeyedWallet struct {
	client   *ethclient.Client
	contract *bind.BoundContract
	key      *ecdsa.PrivateKey
	addr     common.Address
	chainID  *big.Int
}

// NewKeyedWallet binds the game contract for transacting with key on the
// client's network.
func NewKeyedWallet(ctx context.Context, client *ethclient.Client, contractAddr common.Address, key *ecdsa.PrivateKey) (*KeyedWallet, error) {
	parsed, err := parsedGameABI()
	if err != nil {
		return nil, fmt.Errorf("parse game abi: %w", err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	return &KeyedWallet{
		client:   client,
		contract: bind.NewBoundContract(contractAddr, parsed, client, client, client),
		key:      key,
		addr:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
	}, nil
}

func (w *KeyedWallet) Address() common.Address { return w.addr }

func (w *KeyedWallet) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(w.chainID), nil
}

func (w *KeyedWallet) SwitchChain(ctx context.Context, chainID *big.Int) error {
	if w.chainID.Cmp(chainID) != 0 {
		return fmt.Errorf("keyed wallet is bound to chain %s", w.chainID)
	}
	return nil
}

func (w *KeyedWallet) transactOpts(ctx context.Context, value *big.Int) (*bind.TransactOpts, error) {
	opts, err := bind.NewKeyedTransactorWithChainID(w.key, w.chainID)
	if err != nil {
		return nil, fmt.Errorf("build transactor: %w", err)
	}
	opts.Context = ctx
	opts.Value = value
	return opts, nil
}

func (w *KeyedWallet) StartSession(ctx context.Context, id, payment *big.Int) (string, error) {
	opts, err := w.transactOpts(ctx, payment)
	if err != nil {
		return "", err
	}
	tx, err := w.contract.Transact(opts, "startGameSession", id)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

func (w *KeyedWallet) EndSession(ctx context.Context, id, amount *big.Int, sig []byte) (string, error) {
	opts, err := w.transactOpts(ctx, nil)
	if err != nil {
		return "", err
	}
	tx, err := w.contract.Transact(opts, "endGameSession", id, amount, sig)
	if err != nil {
		return "", err
	}
	return tx.Hash().Hex(), nil
}

// LocalAuthorizer produces the settlement authorization signature the
// contract verifies: an EIP-191 signature over
// keccak256(seed . sessionId . amount), all words zero-padded to 32 bytes.
// This is the server half behind POST /api/game/end.
type LocalAuthorizer struct {
	seed common.Hash
	key  *ecdsa.PrivateKey
}

// NewLocalAuthorizer builds an authorizer for the given shared seed and
// server signing key.
func NewLocalAuthorizer(seed common.Hash, key *ecdsa.PrivateKey) *LocalAuthorizer {
	return &LocalAuthorizer{seed: seed, key: key}
}

func (a *LocalAuthorizer) AuthorizeSettlement(ctx context.Context, sessionID, amount *big.Int) ([]byte, error) {
	packed := make([]byte, 0, 96)
	packed = append(packed, a.seed.Bytes()...)
	packed = append(packed, common.LeftPadBytes(sessionID.Bytes(), 32)...)
	packed = append(packed, common.LeftPadBytes(amount.Bytes(), 32)...)
	digest := crypto.Keccak256(packed)

	prefixed := crypto.Keccak256([]byte("\x19Ethereum Signed Message:\n32"), digest)
	sig, err := crypto.Sign(prefixed, a.key)
	if err != nil {
		return nil, fmt.Errorf("sign settlement: %w", err)
	}
	// Contracts expect the legacy 27/28 recovery id.
	sig[64] += 27
	return sig, nil
}

// SignerAddress returns the address contracts should verify against.
func (a *LocalAuthorizer) SignerAddress() common.Address {
	return crypto.PubkeyToAddress(a.key.PublicKey)
}

// HTTPSessionSource mints session ids through the bridge API's
// /api/game/start endpoint, which requires a fresh credential check.
type HTTPSessionSource struct {
	URL           string
	Credential    string
	WalletAddress common.Address
	HTTPClient    *http.Client
}

func (s *HTTPSessionSource) NewSessionID(ctx context.Context) (*big.Int, error) {
	body, err := json.Marshal(map[string]string{"walletAddress": s.WalletAddress.Hex()})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.Credential)

	resp, err := httpClientOrDefault(s.HTTPClient).Do(req)
	if err != nil {
		return nil, fmt.Errorf("session mint request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("session mint failed: status %d", resp.StatusCode)
	}

	var out struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode session mint response: %w", err)
	}
	id, ok := new(big.Int).SetString(out.SessionID, 10)
	if !ok {
		return nil, fmt.Errorf("malformed session id %q", out.SessionID)
	}
	return id, nil
}

// HTTPAuthorizer fetches the settlement signature through the bridge API's
// /api/game/end endpoint.
type HTTPAuthorizer struct {
	URL           string
	Credential    string
	WalletAddress common.Address
	HTTPClient    *http.Client
}

func (a *HTTPAuthorizer) AuthorizeSettlement(ctx context.Context, sessionID, amount *big.Int) ([]byte, error) {
	points := decimal.NewFromBigInt(amount, -18)
	body, err := json.Marshal(map[string]any{
		"sessionId":     sessionID.String(),
		"points":        points,
		"walletAddress": a.WalletAddress.Hex(),
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.Credential)

	resp, err := httpClientOrDefault(a.HTTPClient).Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorization request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authorization failed: status %d", resp.StatusCode)
	}

	var out struct {
		Signature string `json:"signature"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode authorization response: %w", err)
	}
	sig, err := hexutil.Decode(out.Signature)
	if err != nil {
		return nil, fmt.Errorf("malformed signature: %w", err)
	}
	return sig, nil
}

func httpClientOrDefault(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 15 * time.Second}
}
