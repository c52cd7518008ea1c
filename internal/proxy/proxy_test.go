package proxy

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sats-gateway/cashu-proxy/internal/authn"
	"github.com/sats-gateway/cashu-proxy/internal/mintadapter"
	"github.com/sats-gateway/cashu-proxy/internal/models"
	"github.com/sats-gateway/cashu-proxy/internal/multimint"
	"github.com/sats-gateway/cashu-proxy/internal/providers"
)

// fakeWallet is a multimint.WalletAPI double: ForwardPOST/ForwardGET only
// ever exercise Send/Receive/ReclaimSent, but the interface must be
// satisfied in full since internal/walletmanager hands out the interface
// type, not the concrete *multimint.Wallet.
type fakeWallet struct {
	mu sync.Mutex

	sendToken string
	sendErr   error
	sendCalls []int64

	receives             map[string]fakeReceive
	defaultReceiveAmount int64
	defaultReceiveErr    error
	receiveCalls         []string
	reclaimCalls         []string

	sendCounter int64
}

type fakeReceive struct {
	amount int64
	err    error
}

func (f *fakeWallet) AddMint(string, models.CurrencyUnit) error         { return nil }
func (f *fakeWallet) RemoveMint(string) error                           { return nil }
func (f *fakeWallet) SetMintActive(string, bool) error                  { return nil }
func (f *fakeWallet) ListMints() []string                               { return nil }
func (f *fakeWallet) Balance() ([]multimint.MintBalance, int64)         { return nil, 0 }
func (f *fakeWallet) MintBalance(string) (int64, error)                 { return 0, nil }
func (f *fakeWallet) AdapterFor(string) (*mintadapter.Adapter, error)   { return nil, nil }
func (f *fakeWallet) Transfer(string, string, int64) error              { return nil }
func (f *fakeWallet) RedeemPendings() int                               { return 0 }

func (f *fakeWallet) Send(amount int64, opts multimint.SendOptions) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sendCalls = append(f.sendCalls, amount)

	token := f.sendToken
	if token == "" {
		id := atomic.AddInt64(&f.sendCounter, 1)
		token = fmt.Sprintf("fake-token-%d-%d", amount, id)
	}
	return []string{token}, nil
}

func (f *fakeWallet) Receive(token string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.receiveCalls = append(f.receiveCalls, token)
	if r, ok := f.receives[token]; ok {
		return r.amount, r.err
	}
	if f.defaultReceiveErr != nil {
		return 0, f.defaultReceiveErr
	}
	return f.defaultReceiveAmount, nil
}

func (f *fakeWallet) ReclaimSent(token string) (int64, error) {
	f.mu.Lock()
	f.reclaimCalls = append(f.reclaimCalls, token)
	f.mu.Unlock()
	return f.Receive(token)
}

type fakeWalletSource struct {
	wallet *fakeWallet
	err    error
}

func (s *fakeWalletSource) GetOrCreate(uuid.UUID) (multimint.WalletAPI, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.wallet, nil
}

type fakePricing struct {
	model *models.Model
	err   error
}

func (p *fakePricing) GetModel(ctx context.Context, organizationID uuid.UUID, name string) (*models.Model, error) {
	return p.model, p.err
}

type fakeTransactions struct {
	mu   sync.Mutex
	rows []models.Transaction
}

func (t *fakeTransactions) RecordTransaction(ctx context.Context, tx models.Transaction) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rows = append(t.rows, tx)
	return nil
}

func (t *fakeTransactions) snapshot() []models.Transaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]models.Transaction, len(t.rows))
	copy(out, t.rows)
	return out
}

type fakeProviderLookup struct {
	provider    *models.Provider
	orgProvider *models.OrganizationProvider
	err         error
}

func (f *fakeProviderLookup) GetDefaultProvider(ctx context.Context, organizationID uuid.UUID) (*models.Provider, *models.OrganizationProvider, error) {
	return f.provider, f.orgProvider, f.err
}

// testHandler wires a Handler against upstreamURL, a fresh fakeWallet, and
// the given model pricing, matching the collaborators ForwardPOST/ForwardGET
// actually depend on.
func testHandler(t *testing.T, upstreamURL string, wallet *fakeWallet, pricing *fakePricing, txs *fakeTransactions) *Handler {
	t.Helper()

	lookup := &fakeProviderLookup{
		provider:    &models.Provider{ID: uuid.New(), BaseURL: upstreamURL},
		orgProvider: &models.OrganizationProvider{OrganizationID: uuid.New(), DefaultMintURL: "https://mint.example"},
	}
	resolver, err := providers.New(lookup, "socks5h://127.0.0.1:9999")
	require.NoError(t, err)

	return &Handler{
		Wallets:                &fakeWalletSource{wallet: wallet},
		Providers:               resolver,
		Pricing:                 pricing,
		Transactions:            txs,
		DefaultMsatsPerRequest:  1000,
		MaxBodyBytes:            1 << 20,
	}
}

func postRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(body))
	orgID := uuid.New()
	apiKeyID := uuid.New()
	ctx := authn.WithOrganizationID(r.Context(), orgID)
	ctx = authn.WithAPIKeyID(ctx, apiKeyID)
	return r.WithContext(ctx)
}

func TestForwardPOSTPaidRequestWritesPairedRowsAndRedeemsChange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "paid-token", r.Header.Get(cashuHeader))
		w.Header().Set(cashuHeader, "change-token")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"hi"}}]}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{
		sendToken: "paid-token",
		receives:  map[string]fakeReceive{"change-token": {amount: 200}},
	}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini"}`), "/v1/chat/completions")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"choices":[{"message":{"content":"hi"}}]}`, rec.Body.String())

	assert.Equal(t, []int64{1000}, wallet.sendCalls)
	assert.Equal(t, []string{"change-token"}, wallet.receiveCalls)

	rows := txs.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, models.DirectionOut, rows[0].Direction)
	assert.Equal(t, "paid-token", rows[0].Token)
	assert.Equal(t, int64(1000), rows[0].AmountMsat)
	assert.Equal(t, models.DirectionIn, rows[1].Direction)
	assert.Equal(t, "change-token", rows[1].Token)
	assert.Equal(t, int64(200), rows[1].AmountMsat)
}

func TestForwardPOSTNoChangeHeaderWritesNoRows(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{sendToken: "paid-token"}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini"}`), "/v1/chat/completions")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, wallet.receiveCalls, "no change header means Receive is never called")
	assert.Empty(t, txs.snapshot(), "a paid request that never redeems change writes zero rows, never one")
}

func TestForwardPOSTFreeModelSkipsPayment(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(cashuHeader), "a free model must not attach a payment token")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{sendToken: "paid-token"}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{IsFree: true}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"free-model"}`), "/v1/chat/completions")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, wallet.sendCalls)
	assert.Empty(t, txs.snapshot())
}

func TestForwardPOSTUpstreamNon2xxWithoutChangeWritesNoRows(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient payment"}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{sendToken: "paid-token"}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini"}`), "/v1/chat/completions")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Server Error", rec.Body.String())
	assert.Empty(t, wallet.receiveCalls)
	assert.Empty(t, txs.snapshot())
}

func TestForwardPOSTUpstreamNon2xxWithChangeReclaimsButWritesNoRows(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(cashuHeader, "change-token")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{
		sendToken: "paid-token",
		receives:  map[string]fakeReceive{"change-token": {amount: 1000}},
	}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini"}`), "/v1/chat/completions")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Server Error", rec.Body.String())
	assert.Equal(t, []string{"change-token"}, wallet.receiveCalls, "the full refund is still reclaimed on a non-2xx response")
	assert.Empty(t, txs.snapshot(), "non-2xx responses never write accounting rows, reclaimed or not")
}

func TestForwardPOSTTransportFailureReclaimsTheSentToken(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	upstreamURL := upstream.URL
	upstream.Close() // closed listener: the forwarded request fails at the transport layer

	wallet := &fakeWallet{
		sendToken: "paid-token",
		receives:  map[string]fakeReceive{"paid-token": {amount: 1000}},
	}
	txs := &fakeTransactions{}
	h := testHandler(t, upstreamURL, wallet, &fakePricing{model: &models.Model{}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini"}`), "/v1/chat/completions")

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, []string{"paid-token"}, wallet.reclaimCalls, "a transport failure must reclaim the just-minted token immediately, not via the windowed pending sweep")
	assert.Empty(t, txs.snapshot())
}

func TestForwardPOSTConcurrentRequestsEachSendAndAccountIndependently(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get(cashuHeader)
		w.Header().Set(cashuHeader, "change-for-"+token)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{defaultReceiveAmount: 100}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	const concurrency = 20
	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func() {
			defer wg.Done()
			rec := httptest.NewRecorder()
			h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini"}`), "/v1/chat/completions")
			assert.Equal(t, http.StatusOK, rec.Code)
		}()
	}
	wg.Wait()

	assert.Len(t, wallet.sendCalls, concurrency, "every concurrent request mints its own token")
	assert.Len(t, txs.snapshot(), concurrency*2, "each request writes its own paired out/in rows, never interleaved into a partial row")
}

func TestForwardPOSTStreamingResponseSetsEventStreamContentType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A nil Content-Type entry stops net/http from sniffing one, so the
		// upstream really omits the header.
		w.Header()["Content-Type"] = nil
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("data: {\"delta\":\"hi\"}\n\n"))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{sendToken: "paid-token"}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	rec := httptest.NewRecorder()
	h.ForwardPOST(rec, postRequest(t, `{"model":"gpt-4o-mini","stream":true}`), "/v1/chat/completions")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "hi")
}

func TestForwardGETProxiesWithoutAttachingPayment(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get(cashuHeader))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"data":[]}`))
	}))
	defer upstream.Close()

	wallet := &fakeWallet{}
	txs := &fakeTransactions{}
	h := testHandler(t, upstream.URL, wallet, &fakePricing{model: &models.Model{}}, txs)

	r := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	r = r.WithContext(authn.WithOrganizationID(r.Context(), uuid.New()))
	rec := httptest.NewRecorder()
	h.ForwardGET(rec, r, "/v1/models")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":[]}`, rec.Body.String())
	assert.Empty(t, wallet.sendCalls)
}
