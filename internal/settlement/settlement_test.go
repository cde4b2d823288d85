package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/require"

	"IntentMesh/internal/market"
)

func money(t *testing.T, amount string) market.Money {
	t.Helper()
	m, err := market.NewMoney(amount, "usd")
	require.NoError(t, err)
	return m
}

func TestMemoryGatewayIdempotentTransfer(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	req := TransferRequest{IdempotencyKey: "e1:funded", From: "payer", To: "hold", Amount: money(t, "100")}

	first, err := gw.Transfer(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "tx1", first.ExternalRef)

	again, err := gw.Transfer(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first, again)
	require.Equal(t, 1, gw.Transfers())
	require.Equal(t, "-100", gw.Balance("payer").String())
	require.Equal(t, "100", gw.Balance("HOLD").String())

	second, err := gw.Transfer(ctx, TransferRequest{IdempotencyKey: "e1:released", From: "hold", To: "agent", Amount: money(t, "100")})
	require.NoError(t, err)
	require.Equal(t, "tx2", second.ExternalRef)
}

func TestMemoryGatewayFaults(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()
	req := TransferRequest{IdempotencyKey: "k", From: "a", To: "b", Amount: money(t, "5")}

	gw.Inject(FaultUnavailable, FaultDeclined, FaultLostReply)

	_, err := gw.Transfer(ctx, req)
	require.True(t, IsUnavailable(err))
	_, err = gw.Transfer(ctx, req)
	require.True(t, IsDeclined(err))
	require.Equal(t, 0, gw.Transfers())

	_, err = gw.Transfer(ctx, req)
	require.True(t, IsUnavailable(err))
	require.Equal(t, 1, gw.Transfers())

	receipt, found, err := gw.Lookup(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "tx1", receipt.ExternalRef)
}

func TestMemoryGatewayRejectsBadRequests(t *testing.T) {
	gw := NewMemoryGateway()
	ctx := context.Background()

	_, err := gw.Transfer(ctx, TransferRequest{IdempotencyKey: "k", From: "", To: "b", Amount: money(t, "1")})
	require.True(t, IsDeclined(err))
	_, err = gw.Transfer(ctx, TransferRequest{IdempotencyKey: "k2", From: "a", To: "b", Amount: money(t, "0")})
	require.True(t, IsDeclined(err))
	_, err = gw.Transfer(ctx, TransferRequest{From: "a", To: "b", Amount: money(t, "1")})
	require.Error(t, err)
	require.False(t, IsDeclined(err))
}

func TestResilientOpensBreakerOnUnavailable(t *testing.T) {
	gw := NewMemoryGateway()
	r := NewResilient(gw, "test", ResilienceConfig{MaxFailures: 2, OpenTimeout: time.Hour})
	ctx := context.Background()
	req := TransferRequest{IdempotencyKey: "k", From: "a", To: "b", Amount: money(t, "1")}

	gw.Inject(FaultUnavailable, FaultUnavailable)
	_, err := r.Transfer(ctx, req)
	require.True(t, IsUnavailable(err))
	_, err = r.Transfer(ctx, req)
	require.True(t, IsUnavailable(err))
	require.Equal(t, gobreaker.StateOpen, r.State())

	_, err = r.Transfer(ctx, req)
	require.True(t, IsUnavailable(err))
	require.Equal(t, 0, gw.Transfers())

	_, found, err := r.Lookup(ctx, "k")
	require.NoError(t, err)
	require.False(t, found)
}

func TestResilientIgnoresDeclines(t *testing.T) {
	gw := NewMemoryGateway()
	r := NewResilient(gw, "test", ResilienceConfig{MaxFailures: 1, RatePerSecond: 1000, Burst: 10})
	ctx := context.Background()

	gw.Inject(FaultDeclined, FaultDeclined)
	for i := 0; i < 2; i++ {
		_, err := r.Transfer(ctx, TransferRequest{IdempotencyKey: "k", From: "a", To: "b", Amount: money(t, "1")})
		require.True(t, IsDeclined(err))
	}
	require.Equal(t, gobreaker.StateClosed, r.State())

	receipt, err := r.Transfer(ctx, TransferRequest{IdempotencyKey: "k", From: "a", To: "b", Amount: money(t, "1")})
	require.NoError(t, err)
	require.Equal(t, "tx1", receipt.ExternalRef)
}
