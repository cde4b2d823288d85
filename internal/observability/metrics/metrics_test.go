package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"IntentMesh/internal/market"
	"IntentMesh/internal/settlement"
)

func TestObserversUpdateCounters(t *testing.T) {
	m := New()

	m.ObserveTransition(market.StatusEvent{Entity: market.EntityEscrow, From: "created", To: "funded"})
	m.ObserveTransition(market.StatusEvent{Entity: market.EntityEscrow, From: "created", To: "funded"})
	require.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("escrow", "created", "funded")))

	m.ObserveGatewayCall(market.EscrowFunded, nil, 10*time.Millisecond)
	m.ObserveGatewayCall(market.EscrowFunded, settlement.Unavailable(nil, "down"), time.Second)
	m.ObserveGatewayCall(market.EscrowReleased, settlement.Declined("no"), time.Second)
	require.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("funded", "ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("funded", "unavailable")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.gatewayCalls.WithLabelValues("released", "declined")))

	m.ObserveSweep("reconcile", 3, nil, time.Millisecond)
	require.Equal(t, 3.0, testutil.ToFloat64(m.reconcileFailures))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sweepRuns.WithLabelValues("reconcile", "ok")))

	m.ObserveHTTPRequest("/api/v1/intents", http.MethodPost, 500, time.Millisecond)
	require.Equal(t, 1.0, testutil.ToFloat64(m.httpErrors.WithLabelValues("/api/v1/intents", http.MethodPost)))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.ObserveTransition(market.StatusEvent{Entity: market.EntityIntent, From: "open", To: "matched"})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `intentmesh_status_transitions_total{entity="intent",from="open",to="matched"} 1`)
}
