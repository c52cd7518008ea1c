// Package multimint is the Multimint Wallet: one tenant's federation of
// mint adapters, keyed by mint URL. It reproduces the control flow of
// MultimintWallet in the original gateway this proxy was distilled from,
// against internal/mintadapter instead of a single combined wallet client.
package multimint

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/elnosh/gonuts/cashu"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
	"github.com/sats-gateway/cashu-proxy/internal/mintadapter"
	"github.com/sats-gateway/cashu-proxy/internal/models"
)

type mintEntry struct {
	adapter *mintadapter.Adapter
	unit    models.CurrencyUnit
	active  bool
}

// SendOptions steers which mint(s) Send draws from.
type SendOptions struct {
	PreferredMint    string
	Unit             models.CurrencyUnit
	SplitAcrossMints bool
}

// MintBalance is one mint's contribution to a Balance report.
type MintBalance struct {
	MintURL string
	Unit    models.CurrencyUnit
	Amount  int64
}

// WalletAPI is the full set of operations a tenant's federation exposes,
// named so internal/walletmanager can hand callers an interface instead of
// a concrete *Wallet: tests substitute a fake implementation rather than
// standing up a real gonuts-backed adapter against a live mint.
type WalletAPI interface {
	AddMint(mintURL string, unit models.CurrencyUnit) error
	RemoveMint(mintURL string) error
	SetMintActive(mintURL string, active bool) error
	ListMints() []string
	Balance() ([]MintBalance, int64)
	MintBalance(mintURL string) (int64, error)
	AdapterFor(mintURL string) (*mintadapter.Adapter, error)
	Send(amount int64, opts SendOptions) ([]string, error)
	Receive(token string) (int64, error)
	ReclaimSent(token string) (int64, error)
	Transfer(fromMint, toMint string, amount int64) error
	RedeemPendings() int
}

var _ WalletAPI = (*Wallet)(nil)

// Wallet federates the adapters for every (mint-url, unit) a tenant has
// onboarded. One Wallet exists per tenant, owned by internal/walletmanager.
// Each mint adapter persists its own gonuts-managed seed under baseDir, so
// the federation itself carries no key material.
type Wallet struct {
	mu      sync.RWMutex
	mints   map[string]*mintEntry
	order   []string // mint URLs in onboarding order; plain map iteration is randomized and AddMint order matters to Send's fallback policy
	baseDir string
}

// New returns an empty federation rooted at baseDir. baseDir is stable per
// tenant (internal/walletmanager derives it from the organization ID), so
// each mint adapter reloads the same on-disk gonuts wallet across restarts.
func New(baseDir string) *Wallet {
	return &Wallet{
		mints:   make(map[string]*mintEntry),
		baseDir: baseDir,
	}
}

// AddMint onboards mintURL/unit, constructing its adapter if not already
// present. Adding a mint that is already present is a no-op success.
func (w *Wallet) AddMint(mintURL string, unit models.CurrencyUnit) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.mints[mintURL]; ok {
		return nil
	}

	// Each adapter gets its own directory under baseDir, named with the
	// same '/' and ':' replacement as walletmanager.EncodeMintPath.
	walletPath := filepath.Join(w.baseDir, strings.NewReplacer("/", "_", ":", "_").Replace(mintURL))
	adapter, err := mintadapter.New(walletPath, mintURL, unit)
	if err != nil {
		return err
	}

	w.mints[mintURL] = &mintEntry{adapter: adapter, unit: unit, active: true}
	w.order = append(w.order, mintURL)
	return nil
}

// RemoveMint drops mintURL from the federation. It refuses to drop a mint
// with a non-zero balance, matching the "cannot remove mint with non-zero
// balance" guard upstream.
func (w *Wallet) RemoveMint(mintURL string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.mints[mintURL]
	if !ok {
		return apperr.New(apperr.KindNotFound, "mint_not_found", fmt.Sprintf("mint %s not configured", mintURL))
	}
	if entry.adapter.Balance() > 0 {
		return apperr.New(apperr.KindConflict, "mint_has_balance", "cannot remove mint with non-zero balance")
	}

	delete(w.mints, mintURL)
	w.order = removeURL(w.order, mintURL)
	return nil
}

// SetMintActive toggles whether mintURL participates in Send/Balance.
func (w *Wallet) SetMintActive(mintURL string, active bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry, ok := w.mints[mintURL]
	if !ok {
		return apperr.New(apperr.KindNotFound, "mint_not_found", fmt.Sprintf("mint %s not configured", mintURL))
	}
	entry.active = active
	return nil
}

// ListMints returns every onboarded mint URL, active or not, in the order
// they were added.
func (w *Wallet) ListMints() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	urls := make([]string, len(w.order))
	copy(urls, w.order)
	return urls
}

// removeURL returns order with url's first occurrence removed.
func removeURL(order []string, url string) []string {
	for i, u := range order {
		if u == url {
			return append(order[:i], order[i+1:]...)
		}
	}
	return order
}

// Balance reports the total spendable balance across active mints and a
// per-mint breakdown.
func (w *Wallet) Balance() ([]MintBalance, int64) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	var total int64
	balances := make([]MintBalance, 0, len(w.mints))
	for _, url := range w.order {
		entry := w.mints[url]
		if !entry.active {
			continue
		}
		amount := entry.adapter.Balance()
		total += amount
		balances = append(balances, MintBalance{MintURL: url, Unit: entry.unit, Amount: amount})
	}
	return balances, total
}

// MintBalance reports a single mint's spendable balance.
func (w *Wallet) MintBalance(mintURL string) (int64, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entry, ok := w.mints[mintURL]
	if !ok {
		return 0, apperr.New(apperr.KindNotFound, "mint_not_found", fmt.Sprintf("mint %s not configured", mintURL))
	}
	return entry.adapter.Balance(), nil
}

// AdapterFor returns the live adapter for mintURL, for callers (auto-refill,
// melt flows) that need more than Send/Receive.
func (w *Wallet) AdapterFor(mintURL string) (*mintadapter.Adapter, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	entry, ok := w.mints[mintURL]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "mint_not_found", fmt.Sprintf("mint %s not configured", mintURL))
	}
	return entry.adapter, nil
}

// Send produces one or more token strings totaling amount. With a
// PreferredMint it uses exactly that mint, failing if it is inactive or
// missing. With SplitAcrossMints it sends amount / n to each of the n
// active mints (integer division, so any remainder is not sent) and fails
// with KindValidation when that share would be zero. Otherwise it scans
// active mints in insertion order (the order they were added via AddMint)
// and uses the first with sufficient balance.
func (w *Wallet) Send(amount int64, opts SendOptions) ([]string, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if len(w.mints) == 0 {
		return nil, apperr.New(apperr.KindInsufficientFunds, "no_mints",
			"no mints configured, add a mint before sending tokens")
	}

	if opts.PreferredMint != "" {
		entry, ok := w.mints[opts.PreferredMint]
		if !ok {
			return nil, apperr.New(apperr.KindNotFound, "mint_not_found",
				fmt.Sprintf("preferred mint %s not configured", opts.PreferredMint))
		}
		if !entry.active {
			return nil, apperr.New(apperr.KindConflict, "mint_inactive", "preferred mint is inactive")
		}
		token, err := entry.adapter.Send(amount)
		if err != nil {
			return nil, err
		}
		return []string{token}, nil
	}

	if opts.SplitAcrossMints {
		active := w.activeEntriesLocked()
		if len(active) == 0 {
			return nil, apperr.New(apperr.KindInsufficientFunds, "no_active_mints", "no active mints available")
		}
		perMint := amount / int64(len(active))
		if perMint <= 0 {
			return nil, apperr.New(apperr.KindValidation, "amount_too_small",
				"amount too small to split across configured mints")
		}
		tokens := make([]string, 0, len(active))
		for _, entry := range active {
			token, err := entry.adapter.Send(perMint)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, token)
		}
		return tokens, nil
	}

	for _, url := range w.order {
		entry := w.mints[url]
		if !entry.active {
			continue
		}
		if entry.adapter.Balance() >= amount {
			token, err := entry.adapter.Send(amount)
			if err != nil {
				return nil, err
			}
			return []string{token}, nil
		}
	}

	return nil, apperr.New(apperr.KindInsufficientFunds, "insufficient_balance",
		"insufficient balance in any configured mint")
}

// activeEntriesLocked returns every active mint's entry in onboarding
// order. Callers must hold w.mu.
func (w *Wallet) activeEntriesLocked() []*mintEntry {
	active := make([]*mintEntry, 0, len(w.mints))
	for _, url := range w.order {
		entry := w.mints[url]
		if entry.active {
			active = append(active, entry)
		}
	}
	return active
}

// Receive dispatches token to whichever onboarded adapter is bound to its
// embedded mint URL. A token for a mint never onboarded fails with
// KindWrongMint rather than being tried against every adapter.
func (w *Wallet) Receive(token string) (int64, error) {
	mintURL, err := mintURLOf(token)
	if err != nil {
		return 0, err
	}

	w.mu.RLock()
	entry, ok := w.mints[mintURL]
	w.mu.RUnlock()

	if !ok {
		return 0, apperr.New(apperr.KindWrongMint, "unknown_mint",
			fmt.Sprintf("mint %s is not onboarded for this tenant", mintURL))
	}
	if !entry.active {
		return 0, apperr.New(apperr.KindConflict, "mint_inactive", "mint is inactive")
	}

	return entry.adapter.Receive(token)
}

// ReclaimSent attempts to reverse a single just-minted token immediately,
// for callers (the proxy's transport-failure and stream-failure paths)
// that already know exactly which token was never redeemed by its
// intended recipient. Unlike RedeemPendings, which only sweeps pending
// entries older than each adapter's ReclaimWindow, ReclaimSent dispatches
// straight to Receive and so is not subject to that window: the proxy
// calls this the moment it learns the request failed, well before any
// pending entry would otherwise age into RedeemPendings' sweep.
func (w *Wallet) ReclaimSent(token string) (int64, error) {
	return w.Receive(token)
}

// Transfer moves amount from fromMint's balance to toMint's balance. If
// the destination receive fails after the source send succeeds, the token
// is received back onto the source mint and an error is returned. If that
// reclaim fails too, the token stays in the source adapter's pending pool,
// where RedeemPendings can later reclaim it; the token itself is not
// returned to the caller.
func (w *Wallet) Transfer(fromMint, toMint string, amount int64) error {
	w.mu.RLock()
	from, ok := w.mints[fromMint]
	if !ok {
		w.mu.RUnlock()
		return apperr.New(apperr.KindNotFound, "mint_not_found", fmt.Sprintf("source mint %s not configured", fromMint))
	}
	if !from.active {
		w.mu.RUnlock()
		return apperr.New(apperr.KindConflict, "mint_inactive", "source mint is not active")
	}
	to, ok := w.mints[toMint]
	if !ok {
		w.mu.RUnlock()
		return apperr.New(apperr.KindNotFound, "mint_not_found", fmt.Sprintf("destination mint %s not configured", toMint))
	}
	if !to.active {
		w.mu.RUnlock()
		return apperr.New(apperr.KindConflict, "mint_inactive", "destination mint is not active")
	}
	w.mu.RUnlock()

	token, err := from.adapter.Send(amount)
	if err != nil {
		return err
	}

	if _, recvErr := to.adapter.Receive(token); recvErr != nil {
		if _, reclaimErr := from.adapter.Receive(token); reclaimErr != nil {
			return apperr.Wrap(apperr.KindTransport, "transfer_receive_failed",
				"transfer debited source mint, destination receive failed, and reclaim onto the source mint also failed: token left pending for reclaim", recvErr)
		}
		return apperr.Wrap(apperr.KindTransport, "transfer_receive_failed",
			"transfer debited source mint but destination receive failed; reclaimed onto the source mint", recvErr)
	}

	return nil
}

// RedeemPendings reclaims sent-but-never-redeemed tokens across every
// active mint. Per mint a failure is logged and does not abort the sweep
// of the remaining mints.
func (w *Wallet) RedeemPendings() (reclaimed int) {
	w.mu.RLock()
	entries := w.activeEntriesLocked()
	w.mu.RUnlock()

	for _, entry := range entries {
		n, _ := entry.adapter.RedeemPendings()
		reclaimed += n
	}
	return reclaimed
}

// mintURLOf decodes token only far enough to read its mint URL, letting
// Receive route it without guessing at which adapter to try first.
func mintURLOf(token string) (string, error) {
	parsed, err := cashu.DecodeToken(token)
	if err != nil {
		return "", apperr.Wrap(apperr.KindValidation, "invalid_token", "malformed Cashu token", err)
	}
	return parsed.Mint(), nil
}
