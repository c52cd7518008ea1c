// Package mintadapter implements one handle per (mint-url, unit) pair: the
// Cashu Mint Adapter from the specification. It wraps a single
// github.com/elnosh/gonuts wallet pointed at one mint, the same way
// TollWallet in the teacher repo wraps a gonuts wallet.Wallet, but scoped
// to exactly one mint/unit instead of a set of accepted mints.
package mintadapter

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/elnosh/gonuts/cashu"
	"github.com/elnosh/gonuts/wallet"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
	"github.com/sats-gateway/cashu-proxy/internal/models"
)

var log = logrus.WithField("module", "mintadapter")

// MintQuoteState mirrors the Cashu mint-quote lifecycle from NUT-04.
type MintQuoteState string

const (
	QuoteUnpaid  MintQuoteState = "UNPAID"
	QuotePaid    MintQuoteState = "PAID"
	QuoteIssued  MintQuoteState = "ISSUED"
	QuoteExpired MintQuoteState = "EXPIRED"
)

// MintQuote is the result of requesting a Lightning invoice from the mint.
type MintQuote struct {
	ID      string
	Bolt11  string
	Expiry  time.Time
}

// MeltQuote is the cost of paying a bolt11 invoice out of this mint's
// proofs.
type MeltQuote struct {
	ID         string
	AmountMsat int64
	FeeReserveMsat int64
	Expiry     time.Time
}

// MeltResult is the outcome of executing a melt.
type MeltResult struct {
	Preimage   string
	AmountMsat int64
	FeePaidMsat int64
}

// MeltOptions carries the amount for amountless (MPP-shaped) invoices.
type MeltOptions struct {
	AmountMsat int64
}

// pendingToken tracks a token string handed out by Send so that
// RedeemPendings can attempt to reverse it if it is never redeemed
// upstream within the reclaim window.
type pendingToken struct {
	token     string
	amount    int64
	createdAt time.Time
}

// Adapter is the Cashu Mint Adapter for exactly one (mint-url, unit) pair.
type Adapter struct {
	mintURL string
	unit    models.CurrencyUnit

	w *wallet.Wallet

	mu      sync.Mutex
	pending map[string]pendingToken

	// ReclaimWindow bounds how long a pending send is left alone before
	// RedeemPendings attempts to reverse it. Proofs witnessed spent by
	// another party before this window elapses are finalized (removed)
	// rather than reclaimed.
	ReclaimWindow time.Duration
}

// New loads (or creates) the on-disk wallet state for mintURL/unit rooted
// at walletPath, matching tollwallet.New's use of wallet.Config{WalletPath,
// CurrentMintURL}.
func New(walletPath, mintURL string, unit models.CurrencyUnit) (*Adapter, error) {
	cfg := wallet.Config{WalletPath: walletPath, CurrentMintURL: mintURL}
	w, err := wallet.LoadWallet(cfg)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "wallet_load_failed",
			fmt.Sprintf("failed to load wallet for mint %s", mintURL), err)
	}

	return &Adapter{
		mintURL:       mintURL,
		unit:          unit,
		w:             w,
		pending:       make(map[string]pendingToken),
		ReclaimWindow: 10 * time.Minute,
	}, nil
}

// MintURL returns the mint URL this adapter is bound to.
func (a *Adapter) MintURL() string { return a.mintURL }

// Unit returns the currency unit this adapter is bound to.
func (a *Adapter) Unit() models.CurrencyUnit { return a.unit }

// Balance returns the sum of spendable proofs. Proofs moved into the
// pending sub-pool by Send are not counted.
func (a *Adapter) Balance() int64 {
	return int64(a.w.GetBalance())
}

// Send produces a token string of exactly amount in this adapter's unit.
// On success the withdrawn proofs move into the pending sub-pool and stop
// counting toward Balance until finalized or reclaimed.
func (a *Adapter) Send(amount int64) (string, error) {
	if amount <= 0 {
		return "", apperr.New(apperr.KindValidation, "invalid_amount", "send amount must be positive")
	}

	proofs, err := a.w.Send(uint64(amount), a.mintURL, true)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInsufficientFunds, "insufficient_funds",
			fmt.Sprintf("mint %s cannot assemble %d", a.mintURL, amount), err)
	}
	if len(proofs) == 0 {
		return "", apperr.New(apperr.KindInsufficientFunds, "insufficient_funds",
			fmt.Sprintf("mint %s produced no proofs for %d", a.mintURL, amount))
	}

	token, err := cashu.NewTokenV4(proofs, a.mintURL, cashu.Sat, true)
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "token_encode_failed", "failed to encode payment token", err)
	}
	tokenString, err := token.Serialize()
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, "token_encode_failed", "failed to serialize payment token", err)
	}

	a.mu.Lock()
	a.pending[tokenString] = pendingToken{token: tokenString, amount: amount, createdAt: time.Now()}
	a.mu.Unlock()

	return tokenString, nil
}

// Receive parses and redeems token, crediting the spendable pool.
func (a *Adapter) Receive(token string) (int64, error) {
	parsed, err := cashu.DecodeToken(token)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindValidation, "invalid_token", "malformed Cashu token", err)
	}

	if !strings.EqualFold(parsed.Mint(), a.mintURL) {
		return 0, apperr.New(apperr.KindWrongMint, "wrong_mint",
			fmt.Sprintf("token is for mint %s, adapter is bound to %s", parsed.Mint(), a.mintURL))
	}

	amount, err := a.w.Receive(parsed, false)
	if err != nil {
		return 0, classifyReceiveError(err)
	}

	a.mu.Lock()
	delete(a.pending, token)
	a.mu.Unlock()

	return int64(amount), nil
}

// classifyReceiveError maps the opaque errors gonuts returns for a failed
// receive onto the Cashu Mint Adapter's documented error classes. The
// underlying library's error strings are the only signal available here;
// the core treats proof construction as a black box per the
// specification's scope.
func classifyReceiveError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "already spent") || strings.Contains(msg, "token already spent"):
		return apperr.Wrap(apperr.KindTokenSpent, "already_spent", "proofs already spent at mint", err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection") || strings.Contains(msg, "no such host"):
		return apperr.Wrap(apperr.KindTransport, "mint_unreachable", "could not reach mint", err)
	default:
		return apperr.Wrap(apperr.KindValidation, "invalid_token", "mint rejected token", err)
	}
}

// MintQuote requests a Lightning invoice of amount from the mint. The
// description is not forwarded: the gonuts RequestMint call takes only the
// amount and mint URL. When description is non-empty and the first request
// fails with an error mentioning a description, the same request is sent
// once more.
func (a *Adapter) MintQuote(amountMsat int64, description string) (*MintQuote, error) {
	quote, err := a.w.RequestMint(uint64(amountMsat), a.mintURL)
	if err != nil && description != "" && strings.Contains(strings.ToLower(err.Error()), "description") {
		log.WithField("mint_url", a.mintURL).Debug("mint rejected invoice description, retrying without it")
		quote, err = a.w.RequestMint(uint64(amountMsat), a.mintURL)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "mint_quote_failed", "failed to request mint quote", err)
	}

	return &MintQuote{
		ID:     quote.Quote,
		Bolt11: quote.Request,
		Expiry: time.Unix(quote.Expiry, 0),
	}, nil
}

// CheckMintQuote returns the current state of a previously requested mint
// quote. A transition to Paid may implicitly issue proofs into the
// spendable pool.
func (a *Adapter) CheckMintQuote(id string) (MintQuoteState, error) {
	state, err := a.w.MintQuoteState(id)
	if err != nil {
		return "", apperr.Wrap(apperr.KindTransport, "mint_quote_check_failed", "failed to check mint quote", err)
	}
	return MintQuoteState(strings.ToUpper(state.State.String())), nil
}

// MeltQuote asks the mint for the cost of paying bolt11.
func (a *Adapter) MeltQuote(bolt11 string, opts *MeltOptions) (*MeltQuote, error) {
	quote, err := a.w.RequestMeltQuote(bolt11, a.mintURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "melt_quote_failed", "failed to request melt quote", err)
	}
	return &MeltQuote{
		ID:             quote.Quote,
		AmountMsat:     int64(quote.Amount),
		FeeReserveMsat: int64(quote.FeeReserve),
		Expiry:         time.Unix(quote.Expiry, 0),
	}, nil
}

// Melt executes the Lightning payment behind quoteID, consuming the
// proofs that funded it from the spendable pool.
func (a *Adapter) Melt(quoteID string) (*MeltResult, error) {
	result, err := a.w.Melt(quoteID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindTransport, "melt_failed", "failed to execute melt", err)
	}
	return &MeltResult{
		Preimage:    result.Preimage,
		AmountMsat:  int64(result.Amount),
		FeePaidMsat: int64(result.FeePaid),
	}, nil
}

// RedeemPendings attempts to reverse any sent-but-never-redeemed tokens
// back into the spendable pool. This is best effort, matching the
// specification's explicit framing of pending-proof reclaim: a single
// mint error does not fail the whole operation, it is logged and the
// remaining pending tokens are still attempted.
func (a *Adapter) RedeemPendings() (reclaimed int, err error) {
	a.mu.Lock()
	toTry := make([]pendingToken, 0, len(a.pending))
	for _, p := range a.pending {
		if time.Since(p.createdAt) < a.ReclaimWindow {
			continue
		}
		toTry = append(toTry, p)
	}
	a.mu.Unlock()

	var lastErr error
	for _, p := range toTry {
		if _, rerr := a.Receive(p.token); rerr != nil {
			if apperr.Is(rerr, apperr.KindTokenSpent) {
				// Redeemed by another party: finalize instead of reclaiming.
				a.mu.Lock()
				delete(a.pending, p.token)
				a.mu.Unlock()
				continue
			}
			lastErr = rerr
			log.WithError(rerr).WithField("mint_url", a.mintURL).Warn("failed to reclaim pending token")
			continue
		}
		reclaimed++
	}
	return reclaimed, lastErr
}
