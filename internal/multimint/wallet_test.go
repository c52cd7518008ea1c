package multimint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
	"github.com/sats-gateway/cashu-proxy/internal/models"
)

func newTestWallet() *Wallet {
	return New("/tmp/multimint-test")
}

func withEntry(w *Wallet, mintURL string, active bool) {
	if _, ok := w.mints[mintURL]; !ok {
		w.order = append(w.order, mintURL)
	}
	w.mints[mintURL] = &mintEntry{adapter: nil, unit: models.UnitSat, active: active}
}

func TestAddMintNoOpWhenAlreadyPresent(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", true)

	err := w.AddMint("https://mint.one", models.UnitSat)
	require.NoError(t, err)
	assert.Len(t, w.mints, 1)
}

func TestListMints(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", true)
	withEntry(w, "https://mint.two", false)

	urls := w.ListMints()
	assert.ElementsMatch(t, []string{"https://mint.one", "https://mint.two"}, urls)
}

func TestSetMintActiveUnknownMint(t *testing.T) {
	w := newTestWallet()

	err := w.SetMintActive("https://nope", true)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSetMintActiveTogglesFlag(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", false)

	require.NoError(t, w.SetMintActive("https://mint.one", true))
	assert.True(t, w.mints["https://mint.one"].active)
}

func TestSendNoMintsConfigured(t *testing.T) {
	w := newTestWallet()

	_, err := w.Send(1000, SendOptions{})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
}

func TestSendPreferredMintNotFound(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", true)

	_, err := w.Send(1000, SendOptions{PreferredMint: "https://mint.two"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestSendPreferredMintInactive(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", false)

	_, err := w.Send(1000, SendOptions{PreferredMint: "https://mint.one"})
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestSendSplitAcrossMintsNoActiveMints(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", false)

	_, err := w.Send(1000, SendOptions{SplitAcrossMints: true})
	assert.True(t, apperr.Is(err, apperr.KindInsufficientFunds))
}

func TestSendSplitAcrossMintsAmountTooSmall(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", true)
	withEntry(w, "https://mint.two", true)
	withEntry(w, "https://mint.three", true)

	_, err := w.Send(2, SendOptions{SplitAcrossMints: true})
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestReceiveMalformedToken(t *testing.T) {
	w := newTestWallet()

	_, err := w.Receive("invalid-token-string")
	assert.True(t, apperr.Is(err, apperr.KindValidation), "malformed tokens fail in mintURLOf before the lookup")
}

func TestMintBalanceUnknownMint(t *testing.T) {
	w := newTestWallet()

	_, err := w.MintBalance("https://never-onboarded.example")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestRemoveMintNotFound(t *testing.T) {
	w := newTestWallet()

	err := w.RemoveMint("https://nope")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTransferSourceMintNotFound(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.two", true)

	err := w.Transfer("https://mint.one", "https://mint.two", 100)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTransferSourceMintInactive(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", false)
	withEntry(w, "https://mint.two", true)

	err := w.Transfer("https://mint.one", "https://mint.two", 100)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestTransferDestinationMintNotFound(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", true)

	err := w.Transfer("https://mint.one", "https://mint.two", 100)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestTransferDestinationMintInactive(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.one", true)
	withEntry(w, "https://mint.two", false)

	err := w.Transfer("https://mint.one", "https://mint.two", 100)
	assert.True(t, apperr.Is(err, apperr.KindConflict))
}

func TestMintURLOfMalformedToken(t *testing.T) {
	_, err := mintURLOf("not-a-cashu-token")
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestListMintsReturnsInsertionOrder(t *testing.T) {
	w := newTestWallet()
	withEntry(w, "https://mint.three", true)
	withEntry(w, "https://mint.one", true)
	withEntry(w, "https://mint.two", true)

	assert.Equal(t, []string{"https://mint.three", "https://mint.one", "https://mint.two"}, w.ListMints())
}

func TestRemoveURLDropsFirstOccurrence(t *testing.T) {
	order := []string{"https://mint.one", "https://mint.two", "https://mint.three"}

	got := removeURL(order, "https://mint.two")

	assert.Equal(t, []string{"https://mint.one", "https://mint.three"}, got)
}
