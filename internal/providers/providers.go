// Package providers resolves a tenant's upstream and builds the HTTP
// client that reaches it: a plain streaming client for clearnet
// destinations, a SOCKS5h-proxied client for .onion ones. URL and proxy
// handling here is carried near-verbatim in behavior from onion.rs in the
// original gateway.
package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/google/uuid"
	"github.com/sats-gateway/cashu-proxy/internal/apperr"
	"github.com/sats-gateway/cashu-proxy/internal/models"
)

// IsOnionURL reports whether rawURL names a .onion host.
func IsOnionURL(rawURL string) bool {
	return strings.Contains(rawURL, ".onion")
}

// NormalizeBaseURL prefixes baseURL with a scheme when it is missing one:
// http:// for .onion hosts (no TLS over Tor), https:// otherwise.
func NormalizeBaseURL(baseURL string) string {
	if strings.HasPrefix(baseURL, "http://") || strings.HasPrefix(baseURL, "https://") {
		return baseURL
	}
	if IsOnionURL(baseURL) {
		return "http://" + baseURL
	}
	return "https://" + baseURL
}

// JoinURL concatenates a normalized base URL and a request path.
func JoinURL(baseURL, path string) string {
	base := strings.TrimRight(NormalizeBaseURL(baseURL), "/")
	return fmt.Sprintf("%s/%s", base, strings.TrimLeft(path, "/"))
}

// NormalizeTorProxyURL ensures proxyURL uses socks5h (proxy-side DNS
// resolution) whenever the destination is a .onion host, upgrading a
// plain socks5 configuration rather than leaving DNS resolution local.
func NormalizeTorProxyURL(proxyURL, destinationURL string) string {
	if !IsOnionURL(destinationURL) {
		return proxyURL
	}
	if strings.HasPrefix(proxyURL, "socks5h://") {
		return proxyURL
	}
	if strings.HasPrefix(proxyURL, "socks5://") {
		return "socks5h://" + strings.TrimPrefix(proxyURL, "socks5://")
	}
	return "socks5h://" + proxyURL
}

// DefaultProviderLookup is the subset of internal/accounting providers
// needs to resolve a tenant's default routing target.
type DefaultProviderLookup interface {
	GetDefaultProvider(ctx context.Context, organizationID uuid.UUID) (*models.Provider, *models.OrganizationProvider, error)
}

// Resolver builds per-tenant upstream clients, reusing one Tor-proxied
// client for every .onion destination rather than dialing a fresh SOCKS5
// connection per request.
type Resolver struct {
	lookup        DefaultProviderLookup
	torProxyURL   string
	clearnet      *http.Client
	onion         *http.Client
}

// New returns a Resolver whose onion client routes through torProxyURL
// (a socks5h:// or socks5:// URL; upgraded to socks5h automatically).
func New(lookup DefaultProviderLookup, torProxyURL string) (*Resolver, error) {
	onionClient, err := buildOnionClient(torProxyURL)
	if err != nil {
		return nil, err
	}

	return &Resolver{
		lookup:      lookup,
		torProxyURL: torProxyURL,
		clearnet:    &http.Client{Timeout: 0},
		onion:       onionClient,
	}, nil
}

func buildOnionClient(torProxyURL string) (*http.Client, error) {
	normalized := NormalizeTorProxyURL(torProxyURL, ".onion")
	u, err := url.Parse(normalized)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "invalid_tor_proxy", "invalid TOR_SOCKS_PROXY URL", err)
	}

	dialer, err := proxy.FromURL(u, proxy.Direct)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfiguration, "invalid_tor_proxy", "failed to build SOCKS5 dialer", err)
	}

	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, apperr.New(apperr.KindConfiguration, "invalid_tor_proxy", "SOCKS5 dialer does not support context dialing")
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext: contextDialer.DialContext,
		},
		Timeout: 0,
	}, nil
}

// Target is a resolved upstream destination for one proxied request.
type Target struct {
	BaseURL string
	MintURL string
	Onion   bool
	Client  *http.Client
}

// ResolveDefault returns organizationID's default provider as a Target,
// selecting the onion-capable client when the provider's base URL is a
// .onion host.
func (r *Resolver) ResolveDefault(ctx context.Context, organizationID uuid.UUID) (*Target, error) {
	provider, orgProvider, err := r.lookup.GetDefaultProvider(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if provider == nil || orgProvider == nil {
		return nil, apperr.New(apperr.KindConfiguration, "default_provider_missing",
			fmt.Sprintf("organization %s has no default provider configured", organizationID))
	}

	onion := provider.Onion || IsOnionURL(provider.BaseURL)
	client := r.clearnet
	if onion {
		client = r.onion
	}

	return &Target{
		BaseURL: NormalizeBaseURL(provider.BaseURL),
		MintURL: orgProvider.DefaultMintURL,
		Onion:   onion,
		Client:  client,
	}, nil
}
