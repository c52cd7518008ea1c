// Package autorefill is the Auto-Refill Loop: a single long-lived task
// that watches every tenant/mint's balance and tops it up over Lightning
// via NWC when it falls below a configured threshold. The tick loop,
// ordering, and inter-setting pacing are grounded on auto_refill_service.rs
// in the original gateway; the ticker/cancel shape follows the teacher's
// own long-lived background routines in merchant.go.
package autorefill

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/models"
	"github.com/sats-gateway/cashu-proxy/internal/mintadapter"
	"github.com/sats-gateway/cashu-proxy/internal/nwc"
	"github.com/sats-gateway/cashu-proxy/internal/walletmanager"
)

var log = logrus.WithField("module", "autorefill")

// State is a setting's position in the per-tick refill state machine.
type State string

const (
	StateIdle            State = "idle"
	StateQuoteRequested   State = "quote_requested"
	StateInvoicePending   State = "invoice_pending"
	StateFunded           State = "funded"
)

const interSettingDelay = 500 * time.Millisecond

// SettingsStore is the subset of internal/accounting the loop needs to
// find work and record progress.
type SettingsStore interface {
	EnabledAutoRefillSettings(ctx context.Context) ([]models.MintAutoRefillSetting, error)
	GetMint(ctx context.Context, id uuid.UUID) (*models.Mint, error)
	GetNwcConnection(ctx context.Context, id uuid.UUID) (*models.NwcConnection, error)
	UpdateLastRefillAt(ctx context.Context, settingID uuid.UUID, at time.Time) error
}

// Service runs the tick loop. One Service exists per process.
type Service struct {
	store            SettingsStore
	wallets          *walletmanager.Manager
	relayPool        *nostr.SimplePool
	checkInterval    time.Duration
	minRefillInterval time.Duration
}

// New returns a Service that checks every checkInterval and requires at
// least minRefillInterval between two refills of the same setting.
func New(store SettingsStore, wallets *walletmanager.Manager, relayPool *nostr.SimplePool, checkInterval, minRefillInterval time.Duration) *Service {
	return &Service{
		store:             store,
		wallets:           wallets,
		relayPool:         relayPool,
		checkInterval:     checkInterval,
		minRefillInterval: minRefillInterval,
	}
}

// Run blocks, ticking until ctx is cancelled. The caller spawns this as
// the process's single long-lived auto-refill task and cancels ctx at
// shutdown.
func (s *Service) Run(ctx context.Context) {
	log.WithField("check_interval", s.checkInterval).Info("starting auto-refill loop")

	ticker := time.NewTicker(s.checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("auto-refill loop stopping")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// Tick runs one pass over all enabled settings immediately, returning how
// many settings were examined; exported for the control-plane CLI's
// force-refill-tick command.
func (s *Service) Tick(ctx context.Context) int {
	return s.tick(ctx)
}

func (s *Service) tick(ctx context.Context) int {
	settings, err := s.store.EnabledAutoRefillSettings(ctx)
	if err != nil {
		log.WithError(err).Error("failed to load auto-refill settings")
		return 0
	}
	if len(settings) == 0 {
		return 0
	}

	log.WithField("count", len(settings)).Debug("processing auto-refill settings")

	for i, setting := range settings {
		if err := s.processSetting(ctx, setting); err != nil {
			log.WithError(err).WithField("setting_id", setting.ID).Error("auto-refill failed for setting")
		}

		if i < len(settings)-1 {
			select {
			case <-ctx.Done():
				return i + 1
			case <-time.After(interSettingDelay):
			}
		}
	}

	return len(settings)
}

func (s *Service) processSetting(ctx context.Context, setting models.MintAutoRefillSetting) error {
	if setting.LastRefillAt != nil && time.Since(*setting.LastRefillAt) < s.minRefillInterval {
		log.WithField("setting_id", setting.ID).Debug("skipping refill, too soon since last refill")
		return nil
	}

	mint, err := s.store.GetMint(ctx, setting.MintID)
	if err != nil {
		return err
	}
	if mint == nil || !mint.Active {
		log.WithField("mint_id", setting.MintID).Debug("skipping refill for missing or inactive mint")
		return nil
	}

	wallet, err := s.wallets.GetOrCreate(setting.OrganizationID)
	if err != nil {
		return err
	}

	balance, err := wallet.MintBalance(mint.MintURL)
	if err != nil {
		log.WithError(err).WithField("mint_url", mint.MintURL).Warn("failed to read mint balance, skipping this tick")
		return nil
	}
	if balance >= setting.MinBalanceThresholdMsat {
		return nil
	}

	log.WithFields(logrus.Fields{
		"mint_url": mint.MintURL,
		"balance":  balance,
		"threshold": setting.MinBalanceThresholdMsat,
	}).Info("mint balance below threshold, initiating refill")

	connection, err := s.store.GetNwcConnection(ctx, setting.NwcConnectionID)
	if err != nil {
		return err
	}
	if connection == nil || !connection.Active {
		log.WithField("nwc_connection_id", setting.NwcConnectionID).Warn("skipping refill, NWC connection missing or inactive")
		return nil
	}

	adapter, err := wallet.AdapterFor(mint.MintURL)
	if err != nil {
		return err
	}

	if err := s.executeRefill(ctx, adapter, connection, setting.RefillAmountMsat); err != nil {
		return err
	}

	return s.store.UpdateLastRefillAt(ctx, setting.ID, time.Now())
}

// executeRefill drives one setting through Idle → QuoteRequested →
// InvoicePending → Funded. It returns nil once NWC has paid the invoice,
// whether or not the mint already reports the quote Paid, so the caller
// records last_refill_at in both cases. An error (quote request, NWC
// payment, quote check) leaves last_refill_at untouched so the next tick
// retries from Idle.
func (s *Service) executeRefill(ctx context.Context, adapter *mintadapter.Adapter, connection *models.NwcConnection, amountMsat int64) error {
	client, err := nwc.New(connection.ConnectionURI, s.relayPool)
	if err != nil {
		return err
	}

	// StateQuoteRequested: the mint has handed back a bolt11 invoice.
	quote, err := adapter.MintQuote(amountMsat, "auto-refill")
	if err != nil {
		return err
	}

	// StateInvoicePending: NWC is asked to settle that invoice.
	result, err := client.PayInvoice(ctx, quote.Bolt11)
	if err != nil {
		return err
	}
	log.WithField("preimage", result.Preimage).Debug("NWC payment settled, awaiting mint issuance")

	paidState, err := adapter.CheckMintQuote(quote.ID)
	if err != nil {
		return err
	}
	if paidState != mintadapter.QuotePaid && paidState != mintadapter.QuoteIssued {
		log.WithField("quote_state", paidState).Warn("mint has not yet observed payment; invoice was paid, recording refill")
		return nil
	}

	// StateFunded: mint confirms payment was received.
	return nil
}
