// Package proxy is the Reverse Proxy Core: it receives an OpenAI-compatible
// request, prices it, mints a Cashu payment token, forwards the call
// upstream, streams the response back, and reconciles any change token the
// upstream returns. Control flow is reproduced line-for-line from
// forward_request_with_payment_with_body in the original gateway's
// proxy.rs, restructured around net/http.Handler the way the teacher
// wires its own HTTP surface in mint_proxy.go.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
	"github.com/sats-gateway/cashu-proxy/internal/authn"
	"github.com/sats-gateway/cashu-proxy/internal/models"
	"github.com/sats-gateway/cashu-proxy/internal/multimint"
	"github.com/sats-gateway/cashu-proxy/internal/providers"
)

var log = logrus.WithField("module", "proxy")

const (
	cashuHeader     = "X-Cashu"
	sendRetries     = 3
	streamingTimeout = 300 * time.Second
)

// ModelPricing is the subset of internal/accounting proxy needs to price
// a request.
type ModelPricing interface {
	GetModel(ctx context.Context, organizationID uuid.UUID, name string) (*models.Model, error)
}

// TransactionRecorder is the subset of internal/accounting proxy writes
// ledger rows through.
type TransactionRecorder interface {
	RecordTransaction(ctx context.Context, tx models.Transaction) error
}

// WalletSource resolves a tenant's wallet federation. internal/walletmanager
// implements this; tests substitute a fake wallet rather than one backed by
// a real gonuts adapter talking to a live mint.
type WalletSource interface {
	GetOrCreate(organizationID uuid.UUID) (multimint.WalletAPI, error)
}

// Handler implements the proxy's two HTTP entry points.
type Handler struct {
	Wallets               WalletSource
	Providers             *providers.Resolver
	Pricing               ModelPricing
	Transactions          TransactionRecorder
	DefaultMsatsPerRequest int64
	MaxBodyBytes          int64
}

// openAIRequest extracts the two fields the pricing and streaming logic
// need; every other field is forwarded unexamined.
type openAIRequest struct {
	Model  string
	Stream bool
}

func parseOpenAIRequest(body []byte) openAIRequest {
	return openAIRequest{
		Model:  gjson.GetBytes(body, "model").String(),
		Stream: gjson.GetBytes(body, "stream").Bool(),
	}
}

// ForwardGET proxies a bodyless GET request (e.g. GET /v1/models) with no
// payment attached.
func (h *Handler) ForwardGET(w http.ResponseWriter, r *http.Request, path string) {
	target, err := h.Providers.ResolveDefault(r.Context(), mustOrgID(r))
	if err != nil {
		writeError(w, err)
		return
	}

	upstreamURL := providers.JoinURL(target.BaseURL, path)
	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, upstreamURL, nil)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build_request_failed", "failed to build upstream request", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := target.Client.Do(req)
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindTransport, "gateway_error", "error forwarding request", err))
		return
	}
	defer resp.Body.Close()

	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// ForwardPOST proxies a JSON request body, attaching a freshly minted
// Cashu payment token and reconciling any change the upstream returns.
func (h *Handler) ForwardPOST(w http.ResponseWriter, r *http.Request, path string) {
	ctx := r.Context()
	organizationID := mustOrgID(r)

	body, err := readBoundedBody(r, h.MaxBodyBytes)
	if err != nil {
		writeError(w, err)
		return
	}

	parsed := parseOpenAIRequest(body)
	isStreaming := parsed.Stream

	target, err := h.Providers.ResolveDefault(ctx, organizationID)
	if err != nil {
		writeError(w, err)
		return
	}

	model, err := h.Pricing.GetModel(ctx, organizationID, parsed.Model)
	if err != nil {
		writeError(w, err)
		return
	}

	cost := h.DefaultMsatsPerRequest
	isFree := false
	if model != nil {
		isFree = model.IsFree
		if model.MinCostPerRequest != nil {
			cost = *model.MinCostPerRequest
		}
	}

	wallet, err := h.Wallets.GetOrCreate(organizationID)
	if err != nil {
		writeError(w, err)
		return
	}

	var token string
	if !isFree {
		token, err = sendWithRetry(wallet, cost, target.MintURL, sendRetries)
		if err != nil {
			writeError(w, apperr.Wrap(apperr.KindInsufficientFunds, "payment_error", "failed to generate payment token", err))
			return
		}
	}

	upstreamURL := providers.JoinURL(target.BaseURL, path)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, upstreamURL, newBodyReader(body))
	if err != nil {
		writeError(w, apperr.Wrap(apperr.KindInternal, "build_request_failed", "failed to build upstream request", err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set(cashuHeader, token)
	}
	if accept := r.Header.Get("Accept"); accept != "" {
		req.Header.Set("Accept", accept)
	}

	client := target.Client
	if isStreaming {
		client = streamingClient(client)
	}

	resp, err := client.Do(req)
	if err != nil {
		if token != "" {
			if _, rerr := wallet.ReclaimSent(token); rerr != nil {
				log.WithError(rerr).Warn("failed to reclaim payment token after upstream transport failure")
			}
		}
		writeError(w, apperr.Wrap(apperr.KindTransport, "gateway_error", "error forwarding request", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if token != "" {
			reclaimChange(wallet, resp.Header.Get(cashuHeader))
		}
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Server Error"))
		return
	}

	for name, values := range resp.Header {
		if strings.EqualFold(name, "connection") || strings.EqualFold(name, "transfer-encoding") {
			continue
		}
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	if isStreaming && w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/event-stream")
	}

	if token != "" {
		h.reconcileChange(ctx, organizationID, wallet, token, cost, resp.Header.Get(cashuHeader))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(flushWriter{w}, resp.Body); err != nil {
		log.WithError(err).Warn("error streaming upstream response, attempting to reclaim payment token")
		if token != "" {
			if _, rerr := wallet.ReclaimSent(token); rerr != nil {
				log.WithError(rerr).Warn("failed to reclaim payment token after streaming failure")
			}
		}
	}
}

// reconcileChange redeems the upstream's change token, synchronously,
// before the response body streams, and writes the paired out/in
// accounting rows together only once the change redeem succeeds. No rows
// are written when the upstream returns no change header, or when the
// change token fails to redeem: this preserves the original gateway's
// "zero or two, never one" behavior exactly, not silently patched as a
// bug.
func (h *Handler) reconcileChange(ctx context.Context, organizationID uuid.UUID, wallet multimint.WalletAPI, sentToken string, cost int64, changeToken string) {
	if changeToken == "" {
		return
	}

	changeAmount, err := wallet.Receive(changeToken)
	if err != nil {
		log.WithError(err).Warn("failed to redeem change token from upstream")
		return
	}

	apiKeyID, _ := authn.APIKeyIDFromContext(ctx)
	var apiKeyIDPtr *uuid.UUID
	if apiKeyID != uuid.Nil {
		apiKeyIDPtr = &apiKeyID
	}

	if err := h.Transactions.RecordTransaction(ctx, models.Transaction{
		Token:      sentToken,
		AmountMsat: cost,
		Direction:  models.DirectionOut,
		APIKeyID:   apiKeyIDPtr,
	}); err != nil {
		log.WithError(err).Warn("failed to record outbound transaction")
	}

	if err := h.Transactions.RecordTransaction(ctx, models.Transaction{
		Token:      changeToken,
		AmountMsat: changeAmount,
		Direction:  models.DirectionIn,
		APIKeyID:   apiKeyIDPtr,
	}); err != nil {
		log.WithError(err).Warn("failed to record inbound change transaction")
	}
}

// reclaimChange is the non-2xx counterpart to reconcileChange: it redeems
// the change, if any, but never writes accounting rows. The caller then
// answers with the fixed "Server Error" body, discarding whatever error
// body the upstream actually sent.
func reclaimChange(wallet multimint.WalletAPI, changeToken string) {
	if changeToken == "" {
		return
	}
	if _, err := wallet.Receive(changeToken); err != nil {
		log.WithError(err).Warn("failed to redeem change token on non-2xx upstream response")
	}
}

// sendWithRetry attempts Send up to attempts times, matching the
// original gateway's send_with_retry around transient mint errors.
func sendWithRetry(wallet multimint.WalletAPI, amount int64, preferredMint string, attempts int) (string, error) {
	opts := multimint.SendOptions{PreferredMint: preferredMint}

	var lastErr error
	for i := 0; i < attempts; i++ {
		tokens, err := wallet.Send(amount, opts)
		if err == nil {
			return tokens[0], nil
		}
		lastErr = err
		if apperr.Is(err, apperr.KindValidation) || apperr.Is(err, apperr.KindNotFound) {
			break
		}
	}
	return "", lastErr
}

func mustOrgID(r *http.Request) uuid.UUID {
	id, _ := authn.OrganizationIDFromContext(r.Context())
	return id
}

func readBoundedBody(r *http.Request, maxBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	limited := io.LimitReader(r.Body, maxBytes+1)
	body, err := io.ReadAll(limited)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "request_error", "failed to read request body", err)
	}
	if int64(len(body)) > maxBytes {
		return nil, apperr.New(apperr.KindValidation, "request_too_large", "request body exceeds the configured maximum")
	}
	return body, nil
}

func streamingClient(base *http.Client) *http.Client {
	transport := base.Transport
	return &http.Client{Transport: transport, Timeout: streamingTimeout}
}

func writeError(w http.ResponseWriter, err error) {
	appErr, ok := err.(*apperr.Error)
	status := http.StatusInternalServerError
	message := err.Error()
	code := "internal"
	if ok {
		status = appErr.HTTPStatus()
		code = appErr.Code
		message = appErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	fmt.Fprintf(w, `{"error":{"message":%q,"type":"server_error","code":%q}}`, message, code)
}

type flushWriter struct {
	w http.ResponseWriter
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if flusher, ok := f.w.(http.Flusher); ok {
		flusher.Flush()
	}
	return n, err
}

func newBodyReader(body []byte) io.Reader {
	if len(body) == 0 {
		return nil
	}
	return bytes.NewReader(body)
}
