package mintadapter

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sats-gateway/cashu-proxy/internal/apperr"
)

func TestClassifyReceiveError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want apperr.Kind
	}{
		{"already spent", errors.New("Token already spent"), apperr.KindTokenSpent},
		{"spent lowercase", errors.New("proofs already spent at mint"), apperr.KindTokenSpent},
		{"timeout", errors.New("context deadline exceeded: timeout"), apperr.KindTransport},
		{"connection refused", errors.New("dial tcp: connection refused"), apperr.KindTransport},
		{"no such host", errors.New("no such host"), apperr.KindTransport},
		{"unrecognized", errors.New("invalid proof signature"), apperr.KindValidation},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyReceiveError(tc.err)
			assert.Equal(t, tc.want, apperr.KindOf(got))
		})
	}
}

func TestSendRejectsNonPositiveAmount(t *testing.T) {
	a := &Adapter{mintURL: "https://mint.example", pending: make(map[string]pendingToken)}

	_, err := a.Send(0)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	_, err = a.Send(-5)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestRedeemPendingsOnlyTriesExpiredEntries(t *testing.T) {
	a := &Adapter{
		mintURL:       "https://mint.example",
		pending:       make(map[string]pendingToken),
		ReclaimWindow: 10 * time.Minute,
	}

	a.pending["fresh"] = pendingToken{token: "fresh", amount: 100, createdAt: time.Now()}
	a.pending["stale"] = pendingToken{token: "not-a-real-token", amount: 200, createdAt: time.Now().Add(-20 * time.Minute)}

	reclaimed, err := a.RedeemPendings()

	// "stale" is old enough to be attempted but is not a valid encoded
	// token, so Receive fails with a validation error; "fresh" is never
	// attempted because it hasn't crossed the reclaim window yet.
	assert.Equal(t, 0, reclaimed)
	assert.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	a.mu.Lock()
	_, freshStillPending := a.pending["fresh"]
	a.mu.Unlock()
	assert.True(t, freshStillPending, "fresh entries under the reclaim window must be left alone")
}

func TestRedeemPendingsNoEntries(t *testing.T) {
	a := &Adapter{mintURL: "https://mint.example", pending: make(map[string]pendingToken), ReclaimWindow: time.Minute}

	reclaimed, err := a.RedeemPendings()
	assert.Equal(t, 0, reclaimed)
	assert.NoError(t, err)
}
