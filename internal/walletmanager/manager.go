// Package walletmanager is the Wallet Manager: the process-wide
// tenant-to-wallet cache. It reproduces the double-checked creation
// pattern of MultimintManager in the original gateway, against
// puzpuzpuz/xsync's lock-free concurrent map instead of DashMap.
package walletmanager

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
	"github.com/sats-gateway/cashu-proxy/internal/models"
	"github.com/sats-gateway/cashu-proxy/internal/multimint"
)

var log = logrus.WithField("module", "walletmanager")

// OrganizationLookup confirms a tenant exists before a wallet is created
// for it. internal/accounting implements this.
type OrganizationLookup interface {
	GetOrganization(id uuid.UUID) (*models.Organization, error)
}

// Manager caches one Wallet per tenant, created on first use and kept for
// the life of the process.
type Manager struct {
	instances *xsync.MapOf[uuid.UUID, multimint.WalletAPI]
	baseDir   string
	orgs      OrganizationLookup
}

// New returns a Manager rooted at baseDir, using orgs to confirm a tenant
// exists before its wallet directory is created.
func New(baseDir string, orgs OrganizationLookup) *Manager {
	return &Manager{
		instances: xsync.NewMapOf[uuid.UUID, multimint.WalletAPI](),
		baseDir:   baseDir,
		orgs:      orgs,
	}
}

// GetOrCreate returns the cached Wallet for orgID, creating and caching it
// on first access. Concurrent callers racing to create the same tenant's
// wallet converge on a single winner: the loser's freshly built Wallet is
// discarded and the winner's is returned, matching the "another thread
// created it while we were creating ours" case upstream.
func (m *Manager) GetOrCreate(orgID uuid.UUID) (multimint.WalletAPI, error) {
	if w, ok := m.instances.Load(orgID); ok {
		return w, nil
	}

	log.WithField("org_id", orgID).Info("creating multimint wallet for organization")

	org, err := m.orgs.GetOrganization(orgID)
	if err != nil {
		return nil, err
	}
	if org == nil {
		return nil, apperr.New(apperr.KindNotFound, "organization_not_found", fmt.Sprintf("organization %s not found", orgID))
	}

	dbPath := filepath.Join(m.baseDir, "multimint", orgID.String())
	w := multimint.New(dbPath)

	actual, loaded := m.instances.LoadOrStore(orgID, w)
	if loaded {
		log.WithField("org_id", orgID).Info("another goroutine created the multimint wallet first")
		return actual, nil
	}

	log.WithField("org_id", orgID).Info("cached new multimint wallet for organization")
	return w, nil
}

// GetCached returns the already-created Wallet for orgID without creating
// one, for read-only paths (e.g. auto-refill) that should skip tenants
// never actually onboarded yet.
func (m *Manager) GetCached(orgID uuid.UUID) (multimint.WalletAPI, bool) {
	return m.instances.Load(orgID)
}

// Remove drops a tenant's cached Wallet. The Wallet itself is not closed;
// callers must ensure no operation is in flight against it.
func (m *Manager) Remove(orgID uuid.UUID) {
	m.instances.Delete(orgID)
}

// EncodeMintPath turns a mint URL into a filesystem-safe directory
// component, the same '/' and ':' replacement the original gateway uses
// for its per-mint database paths.
func EncodeMintPath(mintURL string) string {
	r := strings.NewReplacer("/", "_", ":", "_")
	return r.Replace(mintURL)
}
