package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vipul43/revsync-worker/internal/models"
	"go.uber.org/zap"
)

type mockLinker struct {
	linkFunc func(ctx context.Context, hints AttributionHints, websiteID string) (*Attribution, error)
	calls    int
}

func (m *mockLinker) LinkPaymentToVisitor(ctx context.Context, hints AttributionHints, websiteID string) (*Attribution, error) {
	m.calls++
	if m.linkFunc != nil {
		return m.linkFunc(ctx, hints, websiteID)
	}
	return nil, nil
}

func stripeInput(id string) PaymentInput {
	return PaymentInput{
		WebsiteID:         "web-1",
		Provider:          models.ProviderStripe,
		ProviderPaymentID: id,
		Amount:            1999,
		Currency:          "USD",
		CustomerEmail:     "buyer@example.com",
		Timestamp:         time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestUpsertPayment_CreatesThenReconciles(t *testing.T) {
	store := newMemPayments()
	linker := &mockLinker{linkFunc: func(ctx context.Context, hints AttributionHints, websiteID string) (*Attribution, error) {
		return &Attribution{VisitorID: "vis-1", SessionID: "sess-1", Source: AttributionEmail}, nil
	}}
	writer := NewPaymentWriter(store, linker, zap.NewNop())
	ctx := context.Background()

	out, err := writer.UpsertPayment(ctx, stripeInput("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, out.Action)
	assert.Equal(t, "usd", out.Payment.Currency)
	require.NotNil(t, out.Payment.VisitorID)
	assert.Equal(t, "vis-1", *out.Payment.VisitorID)

	out, err = writer.UpsertPayment(ctx, stripeInput("pi_1"))
	require.NoError(t, err)
	assert.Equal(t, UpsertUnchanged, out.Action)

	refunded := stripeInput("pi_1")
	refunded.Refunded = true
	out, err = writer.UpsertPayment(ctx, refunded)
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, out.Action)
	assert.True(t, store.get(models.ProviderStripe, "pi_1").Refunded)

	assert.Equal(t, 1, store.count())
	assert.Equal(t, 1, linker.calls)
}

func TestUpsertPayment_CallerSuppliedVisitorSkipsLinker(t *testing.T) {
	linker := &mockLinker{}
	writer := NewPaymentWriter(newMemPayments(), linker, zap.NewNop())

	in := stripeInput("pi_2")
	in.VisitorID = "vis-webhook"
	out, err := writer.UpsertPayment(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, "vis-webhook", *out.Payment.VisitorID)
	assert.Equal(t, 0, linker.calls)
}

func TestUpsertPayment_LinkerFailureWritesUnattributed(t *testing.T) {
	linker := &mockLinker{linkFunc: func(ctx context.Context, hints AttributionHints, websiteID string) (*Attribution, error) {
		return nil, errors.New("sessions table unavailable")
	}}
	store := newMemPayments()
	writer := NewPaymentWriter(store, linker, zap.NewNop())

	out, err := writer.UpsertPayment(context.Background(), stripeInput("pi_3"))
	require.NoError(t, err)
	assert.Equal(t, UpsertCreated, out.Action)
	assert.Nil(t, out.Payment.VisitorID)
	assert.Nil(t, out.Payment.SessionID)
}

func TestUpsertPayment_RejectsInvalidInput(t *testing.T) {
	writer := NewPaymentWriter(newMemPayments(), nil, zap.NewNop())

	tests := []struct {
		name   string
		mutate func(*PaymentInput)
	}{
		{"missing payment id", func(in *PaymentInput) { in.ProviderPaymentID = "" }},
		{"bad currency", func(in *PaymentInput) { in.Currency = "dollars" }},
		{"negative amount", func(in *PaymentInput) { in.Amount = -1 }},
		{"bad email", func(in *PaymentInput) { in.CustomerEmail = "not-an-email" }},
		{"zero timestamp", func(in *PaymentInput) { in.Timestamp = time.Time{} }},
		{"unknown provider", func(in *PaymentInput) { in.Provider = "venmo" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := stripeInput("pi_bad")
			tt.mutate(&in)
			_, err := writer.UpsertPayment(context.Background(), in)
			assert.Error(t, err)
		})
	}
}

func TestUpsertPayment_LostRaceReconciles(t *testing.T) {
	store := newMemPayments()
	writer := NewPaymentWriter(store, nil, zap.NewNop())

	// another writer inserts between our miss and our create
	var once sync.Once
	store.findHook = func() {
		once.Do(func() {
			winner := newPayment(stripeInput("pi_race"))
			require.NoError(t, store.Create(context.Background(), winner))
		})
	}

	in := stripeInput("pi_race")
	in.Renewal = true
	out, err := writer.UpsertPayment(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, UpsertUpdated, out.Action)
	assert.True(t, store.get(models.ProviderStripe, "pi_race").Renewal)
	assert.Equal(t, 1, store.count())
}

func TestUpsertPayment_ConcurrentSameNaturalKey(t *testing.T) {
	store := newMemPayments()
	writer := NewPaymentWriter(store, nil, zap.NewNop())

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := writer.UpsertPayment(context.Background(), stripeInput("pi_hot"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, store.count())

	final := stripeInput("pi_hot")
	final.Refunded = true
	_, err := writer.UpsertPayment(context.Background(), final)
	require.NoError(t, err)
	assert.True(t, store.get(models.ProviderStripe, "pi_hot").Refunded)
}
