// Package models holds the shared domain types persisted by
// internal/accounting and consumed by every other component. Field names
// follow the relational tables named in the specification: organizations,
// mints, mint_units, providers, organization_providers, models,
// transactions, nwc_connections, mint_auto_refill_settings.
package models

import (
	"time"

	"github.com/google/uuid"
)

// CurrencyUnit is a Cashu currency denomination. Each (mint, unit) pair is
// an independent balance.
type CurrencyUnit string

const (
	UnitSat  CurrencyUnit = "sat"
	UnitMsat CurrencyUnit = "msat"
)

// Organization is a tenant: an isolation boundary with its own wallet
// and policy. Its wallet reloads from a directory keyed on ID, so the
// same organization always resumes the same on-disk gonuts wallet.
type Organization struct {
	ID        uuid.UUID
	Name      string
	OwnerPubkey string
	CreatedAt time.Time
}

// User belongs to an Organization; out of scope for account management
// beyond the fields the core reads for authorization.
type User struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Pubkey         string
	CreatedAt      time.Time
}

// Mint is a (mint-url, unit) tuple scoped to an organization. Active
// gates participation in routing.
type Mint struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	MintURL        string
	Unit           CurrencyUnit
	Active         bool
	CreatedAt      time.Time
}

// MintUnit records which units a mint URL has been seen to support,
// discovered via GET /v1/keys.
type MintUnit struct {
	MintID uuid.UUID
	Unit   CurrencyUnit
}

// Provider is a base URL plus an active/default status per organization.
type Provider struct {
	ID      uuid.UUID
	BaseURL string
	Onion   bool
}

// OrganizationProvider links an Organization to a Provider with a
// default flag and the mint used to fund requests routed to it.
type OrganizationProvider struct {
	OrganizationID uuid.UUID
	ProviderID     uuid.UUID
	IsDefault      bool
	DefaultMintURL string
}

// Model is a cached pricing record for an upstream model name.
type Model struct {
	Name               string
	OrganizationID     uuid.UUID
	MinCostPerRequest  *int64
	InputCostPerToken  *float64
	OutputCostPerToken *float64
	IsFree             bool
}

// TransactionDirection is the ledger direction of a token movement.
type TransactionDirection string

const (
	DirectionOut TransactionDirection = "out"
	DirectionIn  TransactionDirection = "in"
)

// Transaction is an append-only accounting row written whenever a token
// moves. For every successful paid request exactly two rows exist: one
// out for the mint, one in for the redeemed change.
type Transaction struct {
	ID        uuid.UUID
	CreatedAt time.Time
	Token     string
	AmountMsat int64
	Direction TransactionDirection
	APIKeyID  *uuid.UUID
}

// NwcConnection is a stored Nostr Wallet Connect connection string.
// Only Active connections participate in auto-refill.
type NwcConnection struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	ConnectionURI  string
	Active         bool
}

// MintAutoRefillSetting drives the auto-refill loop for one (organization,
// mint) pair. LastRefillAt only ever moves forward.
type MintAutoRefillSetting struct {
	ID                     uuid.UUID
	OrganizationID         uuid.UUID
	MintID                 uuid.UUID
	NwcConnectionID        uuid.UUID
	MinBalanceThresholdMsat int64
	RefillAmountMsat       int64
	Enabled                bool
	LastRefillAt           *time.Time
}

// DayTotal is one row of the per-API-key statistics aggregation: a
// day's total inbound/outbound msat movement and the net cost.
type DayTotal struct {
	Day      time.Time
	InMsat   int64
	OutMsat  int64
	NetMsat  int64
}
