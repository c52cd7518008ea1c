// Package authn authenticates inbound proxy requests, either by a bearer
// API key looked up in storage or by a signed Nostr NIP-98-style HTTP auth
// event (kind 27235) carried in the Authorization header. Event signature
// checking is generalized from the teacher's own use of
// nostr.Event.Sign/CheckSignature for outbound events in wallet.go.
package authn

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
)

const (
	nostrAuthKind = 27235
	maxEventAge   = 300 * time.Second
)

type ctxKey int

const organizationIDKey ctxKey = iota

// APIKeyLookup resolves a bearer API key to the organization and key ID
// that own it. internal/accounting implements this.
type APIKeyLookup interface {
	LookupAPIKey(ctx context.Context, key string) (organizationID uuid.UUID, apiKeyID uuid.UUID, ok bool, err error)
}

// PubkeyLookup resolves a Nostr pubkey to the organization it authenticates,
// for the kind-27235 event path.
type PubkeyLookup interface {
	LookupOrganizationByPubkey(ctx context.Context, pubkey string) (uuid.UUID, bool, error)
}

// Authenticator verifies inbound requests and attaches the resolved
// organization ID (and, for API-key auth, the API key ID) to the request
// context.
type Authenticator struct {
	apiKeys APIKeyLookup
	pubkeys PubkeyLookup
}

// New returns an Authenticator backed by the given lookups.
func New(apiKeys APIKeyLookup, pubkeys PubkeyLookup) *Authenticator {
	return &Authenticator{apiKeys: apiKeys, pubkeys: pubkeys}
}

// Identity is what a successful Authenticate call resolves.
type Identity struct {
	OrganizationID uuid.UUID
	APIKeyID       *uuid.UUID
}

// Authenticate verifies r's Authorization header and returns the
// resolved Identity, or an apperr of KindUnauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (*Identity, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "missing_authorization", "missing Authorization header")
	}

	switch {
	case strings.HasPrefix(header, "Bearer "):
		return a.authenticateAPIKey(r.Context(), strings.TrimPrefix(header, "Bearer "))
	case strings.HasPrefix(header, "Nostr "):
		return a.authenticateNostrEvent(r.Context(), strings.TrimPrefix(header, "Nostr "), r)
	default:
		return nil, apperr.New(apperr.KindUnauthorized, "unrecognized_scheme", "unrecognized Authorization scheme")
	}
}

func (a *Authenticator) authenticateAPIKey(ctx context.Context, key string) (*Identity, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, apperr.New(apperr.KindUnauthorized, "empty_api_key", "empty bearer API key")
	}

	orgID, apiKeyID, ok, err := a.apiKeys.LookupAPIKey(ctx, key)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "api_key_lookup_failed", "failed to look up API key", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid_api_key", "API key not recognized")
	}

	return &Identity{OrganizationID: orgID, APIKeyID: &apiKeyID}, nil
}

func (a *Authenticator) authenticateNostrEvent(ctx context.Context, encoded string, r *http.Request) (*Identity, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid_auth_event", "malformed base64 auth event", err)
	}

	var event nostr.Event
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, apperr.Wrap(apperr.KindUnauthorized, "invalid_auth_event", "malformed auth event JSON", err)
	}

	if event.Kind != nostrAuthKind {
		return nil, apperr.New(apperr.KindUnauthorized, "wrong_event_kind", fmt.Sprintf("expected kind %d", nostrAuthKind))
	}

	age := time.Since(event.CreatedAt.Time())
	if age < 0 {
		age = -age
	}
	if age > maxEventAge {
		return nil, apperr.New(apperr.KindUnauthorized, "auth_event_expired", "auth event is outside the allowed time window")
	}

	ok, err := event.CheckSignature()
	if err != nil || !ok {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid_signature", "auth event signature does not verify")
	}

	if err := checkURLAndMethodTags(&event, r); err != nil {
		return nil, err
	}

	orgID, ok, err := a.pubkeys.LookupOrganizationByPubkey(ctx, event.PubKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "pubkey_lookup_failed", "failed to look up organization for pubkey", err)
	}
	if !ok {
		return nil, apperr.New(apperr.KindUnauthorized, "unknown_pubkey", "pubkey is not registered to any organization")
	}

	return &Identity{OrganizationID: orgID}, nil
}

// checkURLAndMethodTags validates the event's "u" and "method" tags
// against the actual request, as NIP-98 requires.
func checkURLAndMethodTags(event *nostr.Event, r *http.Request) error {
	u := event.Tags.GetFirst([]string{"u"})
	method := event.Tags.GetFirst([]string{"method"})
	if u == nil || method == nil {
		return apperr.New(apperr.KindUnauthorized, "missing_auth_tags", "auth event missing u or method tag")
	}

	requestURL := r.URL.String()
	if (*u)[1] != requestURL {
		return apperr.New(apperr.KindUnauthorized, "url_mismatch", "auth event u tag does not match request URL")
	}
	if !strings.EqualFold((*method)[1], r.Method) {
		return apperr.New(apperr.KindUnauthorized, "method_mismatch", "auth event method tag does not match request method")
	}
	return nil
}

// WithOrganizationID attaches organizationID to ctx for downstream
// handlers to read via OrganizationIDFromContext.
func WithOrganizationID(ctx context.Context, organizationID uuid.UUID) context.Context {
	return context.WithValue(ctx, organizationIDKey, organizationID)
}

// OrganizationIDFromContext reads the organization ID attached by
// Middleware/WithOrganizationID.
func OrganizationIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(organizationIDKey).(uuid.UUID)
	return id, ok
}

type apiKeyIDCtxKey int

const apiKeyIDKey apiKeyIDCtxKey = iota

// WithAPIKeyID attaches the resolved API key ID (bearer-auth only) to ctx.
func WithAPIKeyID(ctx context.Context, apiKeyID uuid.UUID) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, apiKeyID)
}

// APIKeyIDFromContext reads the API key ID attached by WithAPIKeyID, if
// this request authenticated via bearer key.
func APIKeyIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(uuid.UUID)
	return id, ok
}

// Middleware wraps next, rejecting unauthenticated requests with a 401
// and otherwise attaching the resolved Identity to the request context.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := a.Authenticate(r)
		if err != nil {
			writeUnauthorized(w, err)
			return
		}

		ctx := WithOrganizationID(r.Context(), identity.OrganizationID)
		if identity.APIKeyID != nil {
			ctx = WithAPIKeyID(ctx, *identity.APIKeyID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func writeUnauthorized(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperr.Error)
	status := http.StatusUnauthorized
	code := "unauthorized"
	if ok {
		status = appErr.HTTPStatus()
		code = appErr.Code
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"message": err.Error(), "code": code},
	})
}
