// Package settle wraps the external game ledger: starting a play session on
// chain and settling its outcome. It never owns ledger state; it reads and
// writes through narrow interfaces so the signing party (an interactive
// wallet or a server key) stays pluggable.
package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Error taxonomy. None of these may prevent the user from navigating away
// from an active session; callers surface them and let the user leave.
var (
	ErrWalletRejected    = errors.New("settle: wallet rejected the transaction")
	ErrInsufficientFunds = errors.New("settle: insufficient funds")
	ErrChainMismatch     = errors.New("settle: wrong network")
	ErrContractReverted  = errors.New("settle: contract rejected the call")
	ErrServicePaused     = errors.New("settle: game contract is paused")
	ErrOwnershipMismatch = errors.New("settle: session owned by another address")
	ErrAlreadyEnded      = errors.New("settle: session already ended")
	// ErrAlreadyAttempted guards the at-most-once settlement write per
	// session: a second EndPlaySession for the same id fails here without
	// touching the ledger.
	ErrAlreadyAttempted = errors.New("settle: settlement already attempted for session")
)

// CeloChainID is the required network.
var CeloChainID = big.NewInt(42220)

// DefaultGamePrice is the begin-session payment when the contract does not
// report a minimum: 0.08 CELO.
var DefaultGamePrice = big.NewInt(80_000_000_000_000_000)

// SessionState is the ledger's record for one play session.
type SessionState struct {
	Owner common.Address
	Ended bool
}

// Ledger reads game contract state.
type Ledger interface {
	Paused(ctx context.Context) (bool, error)
	Session(ctx context.Context, id *big.Int) (SessionState, error)
	MinGamePrice(ctx context.Context) (*big.Int, error)
}

// Wallet is the signing party submitting state-changing calls. Submissions
// return a transaction reference on success; rejection and revert reasons
// surface as errors which the bridge classifies.
type Wallet interface {
	Address() common.Address
	ChainID(ctx context.Context) (*big.Int, error)
	// SwitchChain asks the wallet to move to the given network. Wallets that
	// cannot switch return an error.
	SwitchChain(ctx context.Context, chainID *big.Int) error
	StartSession(ctx context.Context, id *big.Int, payment *big.Int) (txRef string, err error)
	EndSession(ctx context.Context, id *big.Int, amount *big.Int, sig []byte) (txRef string, err error)
}

// Authorizer obtains the backend's settlement authorization signature for
// (sessionID, amount).
type Authorizer interface {
	AuthorizeSettlement(ctx context.Context, sessionID, amount *big.Int) ([]byte, error)
}

// SessionSource mints fresh session identifiers. The production source is the
// bridge API's /api/game/start, which requires authorization.
type SessionSource interface {
	NewSessionID(ctx context.Context) (*big.Int, error)
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option { return func(b *Bridge) { b.log = log } }

// WithChainID overrides the required network.
func WithChainID(id *big.Int) Option { return func(b *Bridge) { b.chainID = id } }

// Bridge coordinates one view's play-session lifecycle against the ledger.
type Bridge struct {
	ledger   Ledger
	wallet   Wallet
	auth     Authorizer
	sessions SessionSource
	chainID  *big.Int
	log      *slog.Logger

	mu        sync.Mutex
	attempted map[string]bool
}

// NewBridge builds a Bridge over the given collaborators.
func NewBridge(ledger Ledger, wallet Wallet, auth Authorizer, sessions SessionSource, opts ...Option) *Bridge {
	b := &Bridge{
		ledger:    ledger,
		wallet:    wallet,
		auth:      auth,
		sessions:  sessions,
		chainID:   CeloChainID,
		log:       slog.Default(),
		attempted: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// ensureChain verifies the wallet is on the required network, asking it to
// switch at most once. A second mismatch surfaces ErrChainMismatch so the
// caller can redirect the user instead of looping.
func (b *Bridge) ensureChain(ctx context.Context) error {
	id, err := b.wallet.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if id.Cmp(b.chainID) == 0 {
		return nil
	}

	b.log.InfoContext(ctx, "switching network",
		slog.String("from", id.String()), slog.String("to", b.chainID.String()))
	if err := b.wallet.SwitchChain(ctx, b.chainID); err != nil {
		return fmt.Errorf("%w: %v", ErrChainMismatch, err)
	}

	id, err = b.wallet.ChainID(ctx)
	if err != nil {
		return fmt.Errorf("read chain id: %w", err)
	}
	if id.Cmp(b.chainID) != 0 {
		return ErrChainMismatch
	}
	return nil
}

// BeginPlaySession mints a fresh session identifier and binds it to the
// wallet's address on chain, paying the contract's minimum price.
func (b *Bridge) BeginPlaySession(ctx context.Context) (*big.Int, string, error) {
	if err := b.ensureChain(ctx); err != nil {
		return nil, "", err
	}

	sessionID, err := b.sessions.NewSessionID(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("mint session id: %w", err)
	}

	payment := DefaultGamePrice
	if min, err := b.ledger.MinGamePrice(ctx); err == nil && min != nil && min.Sign() > 0 {
		payment = min
	} else if err != nil {
		b.log.WarnContext(ctx, "minGamePrice read failed, using default",
			slog.String("err", err.Error()))
	}

	txRef, err := b.wallet.StartSession(ctx, sessionID, payment)
	if err != nil {
		return nil, "", classifyWalletError(err)
	}
	b.log.InfoContext(ctx, "play session started",
		slog.String("session_id", sessionID.String()), slog.String("tx", txRef))
	return sessionID, txRef, nil
}

// EndPlaySession settles the session's final balance on chain. It performs
// the pause/ownership/ended pre-flight reads before submitting, and issues at
// most one ledger write per session id even under concurrent invocation.
// A pre-flight failure performs zero writes and leaves the session eligible
// for a later attempt; once a write is submitted (or the wallet rejects it)
// the session is marked attempted for good.
func (b *Bridge) EndPlaySession(ctx context.Context, sessionID *big.Int, finalBalance decimal.Decimal) (string, error) {
	key := sessionID.String()

	b.mu.Lock()
	if b.attempted[key] {
		b.mu.Unlock()
		return "", ErrAlreadyAttempted
	}
	b.attempted[key] = true
	b.mu.Unlock()

	txRef, err := b.endOnce(ctx, sessionID, finalBalance)
	if err != nil && !wroteOrRejected(err) {
		// Nothing reached the ledger; allow a later attempt.
		b.mu.Lock()
		delete(b.attempted, key)
		b.mu.Unlock()
	}
	return txRef, err
}

func (b *Bridge) endOnce(ctx context.Context, sessionID *big.Int, finalBalance decimal.Decimal) (string, error) {
	if err := b.ensureChain(ctx); err != nil {
		return "", err
	}

	paused, err := b.ledger.Paused(ctx)
	if err != nil {
		return "", fmt.Errorf("read pause flag: %w", err)
	}
	if paused {
		return "", ErrServicePaused
	}

	state, err := b.ledger.Session(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("read session: %w", err)
	}
	if state.Owner != b.wallet.Address() {
		return "", ErrOwnershipMismatch
	}
	if state.Ended {
		return "", ErrAlreadyEnded
	}

	amount := finalBalance.Shift(18).BigInt()
	sig, err := b.auth.AuthorizeSettlement(ctx, sessionID, amount)
	if err != nil {
		return "", fmt.Errorf("settlement authorization: %w", err)
	}

	txRef, err := b.wallet.EndSession(ctx, sessionID, amount, sig)
	if err != nil {
		err = classifyWalletError(err)
		if errors.Is(err, ErrWalletRejected) {
			b.log.InfoContext(ctx, "settlement declined by wallet, session marked attempted",
				slog.String("session_id", sessionID.String()))
		}
		return "", err
	}

	b.log.InfoContext(ctx, "play session settled",
		slog.String("session_id", sessionID.String()), slog.String("tx", txRef))
	return txRef, nil
}

// Attempted reports whether a settlement write was ever attempted for the
// session.
func (b *Bridge) Attempted(sessionID *big.Int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempted[sessionID.String()]
}

// wroteOrRejected reports whether the error means a ledger write was
// submitted or deliberately declined, in which case the session must stay
// marked attempted.
func wroteOrRejected(err error) bool {
	return errors.Is(err, ErrWalletRejected) ||
		errors.Is(err, ErrInsufficientFunds) ||
		errors.Is(err, ErrContractReverted)
}

// classifyWalletError maps a wallet/provider error onto the taxonomy. Errors
// already in the taxonomy pass through; unknown transport faults are
// returned unchanged.
func classifyWalletError(err error) error {
	for _, known := range []error{
		ErrWalletRejected, ErrInsufficientFunds, ErrChainMismatch,
		ErrContractReverted, ErrServicePaused,
	} {
		if errors.Is(err, known) {
			return err
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "user rejected") || strings.Contains(msg, "rejected"):
		return fmt.Errorf("%w: %v", ErrWalletRejected, err)
	case strings.Contains(msg, "insufficient funds") || strings.Contains(msg, "insufficient balance"):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case strings.Contains(msg, "execution reverted") || strings.Contains(msg, "revert"):
		return fmt.Errorf("%w: %v", ErrContractReverted, err)
	default:
		return err
	}
}
