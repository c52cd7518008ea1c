// Package nwc implements the NWC Client: a Nostr Wallet Connect (NIP-47)
// client used by internal/autorefill to top up a mint balance over
// Lightning. Relay handling follows the teacher's CollectPayment use of
// nostr.SimplePool/EnsureRelay with a per-call context timeout; the
// request/response matching follows the response-channel-with-timeout
// idiom from the gonuts-fork NUT-17 subscription manager.
package nwc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
)

var log = logrus.WithField("module", "nwc")

const (
	kindRequest  = 23194
	kindResponse = 23195

	getInfoTimeout     = 10 * time.Second
	makeInvoiceTimeout = 30 * time.Second
	payInvoiceTimeout  = 60 * time.Second
)

// ConnectionURI is a parsed nostr+walletconnect:// connection string.
type ConnectionURI struct {
	WalletPubkey string
	ClientSecret string
	ClientPubkey string
	Relays       []string
}

// ParseConnectionURI parses a nostr+walletconnect:// URI as produced by a
// NIP-47 wallet service, of the shape
// nostr+walletconnect://<wallet-pubkey>?relay=<url>&relay=<url>&secret=<hex>.
func ParseConnectionURI(raw string) (*ConnectionURI, error) {
	trimmed := strings.Replace(raw, "nostr+walletconnect://", "nostr+walletconnect:", 1)
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_nwc_uri", "malformed NWC connection URI", err)
	}

	walletPubkey := u.Opaque
	if walletPubkey == "" {
		walletPubkey = u.Host
	}
	if !nostr.IsValidPublicKey(walletPubkey) {
		return nil, apperr.New(apperr.KindValidation, "invalid_nwc_uri", "NWC connection URI missing a valid wallet pubkey")
	}

	q := u.Query()
	secret := q.Get("secret")
	if secret == "" {
		return nil, apperr.New(apperr.KindValidation, "invalid_nwc_uri", "NWC connection URI missing secret")
	}

	clientPubkey, err := nostr.GetPublicKey(secret)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "invalid_nwc_uri", "NWC connection URI has an invalid secret", err)
	}

	relays := q["relay"]
	if len(relays) == 0 {
		return nil, apperr.New(apperr.KindValidation, "invalid_nwc_uri", "NWC connection URI missing relay")
	}

	return &ConnectionURI{
		WalletPubkey: walletPubkey,
		ClientSecret: secret,
		ClientPubkey: clientPubkey,
		Relays:       relays,
	}, nil
}

// Client drives one NIP-47 wallet connection over a shared relay pool.
type Client struct {
	uri  *ConnectionURI
	pool *nostr.SimplePool
}

// New parses connectionURI and binds it to pool, which the caller owns
// and may share across many Client instances.
func New(connectionURI string, pool *nostr.SimplePool) (*Client, error) {
	uri, err := ParseConnectionURI(connectionURI)
	if err != nil {
		return nil, err
	}
	return &Client{uri: uri, pool: pool}, nil
}

// GetInfoResult is the decoded get_info response payload.
type GetInfoResult struct {
	Alias         string   `json:"alias"`
	Methods       []string `json:"methods"`
	Notifications []string `json:"notifications"`
}

// MakeInvoiceResult is the decoded make_invoice response payload.
type MakeInvoiceResult struct {
	Invoice string `json:"invoice"`
	PaymentHash string `json:"payment_hash"`
}

// PayInvoiceResult is the decoded pay_invoice response payload.
type PayInvoiceResult struct {
	Preimage string `json:"preimage"`
	FeesPaidMsat int64 `json:"fees_paid"`
}

// GetInfo queries the wallet's supported methods, used both to validate a
// freshly added connection and by TestConnection.
func (c *Client) GetInfo(ctx context.Context) (*GetInfoResult, error) {
	var result GetInfoResult
	if err := c.call(ctx, getInfoTimeout, "get_info", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// MakeInvoice requests a Lightning invoice for amountMsat from the wallet.
func (c *Client) MakeInvoice(ctx context.Context, amountMsat int64, description string) (*MakeInvoiceResult, error) {
	params := map[string]any{"amount": amountMsat}
	if description != "" {
		params["description"] = description
	}

	var result MakeInvoiceResult
	if err := c.call(ctx, makeInvoiceTimeout, "make_invoice", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PayInvoice asks the wallet to pay bolt11.
func (c *Client) PayInvoice(ctx context.Context, bolt11 string) (*PayInvoiceResult, error) {
	params := map[string]any{"invoice": bolt11}

	var result PayInvoiceResult
	if err := c.call(ctx, payInvoiceTimeout, "pay_invoice", params, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// TestConnection performs a best-effort get_info round trip and reports
// whether the wallet responded, never surfacing an error itself: a failed
// test is a false result, not an apperr.
func (c *Client) TestConnection(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, getInfoTimeout)
	defer cancel()

	_, err := c.GetInfo(ctx)
	return err == nil
}

// nwcRequest is the NIP-47 request envelope encrypted into a kind 23194
// event's content.
type nwcRequest struct {
	Method string `json:"method"`
	Params any    `json:"params"`
}

// nwcResponse is the NIP-47 response envelope decrypted from a kind 23195
// event's content.
type nwcResponse struct {
	ResultType string          `json:"result_type"`
	Error      *nwcError       `json:"error"`
	Result     json.RawMessage `json:"result"`
}

type nwcError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// call sends method/params to the wallet and blocks for a matching
// response or timeout, whichever comes first, mirroring the
// response-channel pattern used for NUT-17 subscription replies: the relay
// subscription's event channel, raced against the call's context deadline.
func (c *Client) call(ctx context.Context, timeout time.Duration, method string, params any, out any) error {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	sharedSecret, err := nip04.ComputeSharedSecret(c.uri.WalletPubkey, c.uri.ClientSecret)
	if err != nil {
		return apperr.Wrap(apperr.KindNwcTerminal, "nwc_key_error", "failed to derive NWC shared secret", err)
	}

	payload, err := json.Marshal(nwcRequest{Method: method, Params: params})
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, "nwc_encode_failed", "failed to encode NWC request", err)
	}

	ciphertext, err := nip04.Encrypt(string(payload), sharedSecret)
	if err != nil {
		return apperr.Wrap(apperr.KindNwcTerminal, "nwc_encrypt_failed", "failed to encrypt NWC request", err)
	}

	event := nostr.Event{
		PubKey:    c.uri.ClientPubkey,
		CreatedAt: nostr.Now(),
		Kind:      kindRequest,
		Tags:      nostr.Tags{{"p", c.uri.WalletPubkey}},
		Content:   ciphertext,
	}
	if err := event.Sign(c.uri.ClientSecret); err != nil {
		return apperr.Wrap(apperr.KindNwcTerminal, "nwc_sign_failed", "failed to sign NWC request", err)
	}

	relay, err := c.connectedRelay(callCtx)
	if err != nil {
		return err
	}

	sub, err := relay.Subscribe(callCtx, nostr.Filters{{
		Kinds:   []int{kindResponse},
		Authors: []string{c.uri.WalletPubkey},
		Tags:    nostr.TagMap{"e": []string{event.ID}},
	}})
	if err != nil {
		return apperr.Wrap(apperr.KindNwcTransient, "nwc_subscribe_failed", "failed to subscribe for NWC response", err)
	}
	defer sub.Unsub()

	if err := relay.Publish(callCtx, event); err != nil {
		return apperr.Wrap(apperr.KindNwcTransient, "nwc_publish_failed", "failed to publish NWC request", err)
	}

	for {
		select {
		case <-callCtx.Done():
			log.WithField("method", method).Warn("NWC request timed out")
			return apperr.New(apperr.KindNwcTransient, "nwc_timeout", fmt.Sprintf("%s timed out", method))
		case evt, ok := <-sub.Events:
			if !ok {
				return apperr.New(apperr.KindNwcTransient, "nwc_subscription_closed", "NWC response subscription closed")
			}

			plaintext, err := nip04.Decrypt(evt.Content, sharedSecret)
			if err != nil {
				log.WithError(err).Warn("failed to decrypt NWC response, ignoring")
				continue
			}

			var resp nwcResponse
			if err := json.Unmarshal([]byte(plaintext), &resp); err != nil {
				log.WithError(err).Warn("failed to decode NWC response, ignoring")
				continue
			}

			if resp.Error != nil {
				return apperr.New(apperr.KindNwcTerminal, "nwc_"+resp.Error.Code, resp.Error.Message)
			}
			if out != nil {
				if err := json.Unmarshal(resp.Result, out); err != nil {
					return apperr.Wrap(apperr.KindInternal, "nwc_decode_failed", "failed to decode NWC result", err)
				}
			}
			return nil
		}
	}
}

func (c *Client) connectedRelay(ctx context.Context) (*nostr.Relay, error) {
	var lastErr error
	for _, r := range c.uri.Relays {
		relay, err := c.pool.EnsureRelay(r)
		if err != nil {
			lastErr = err
			log.WithError(err).WithField("relay", r).Warn("failed to connect to NWC relay")
			continue
		}
		return relay, nil
	}
	return nil, apperr.Wrap(apperr.KindNwcTransient, "nwc_no_relay", "failed to connect to any NWC relay", lastErr)
}
