package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/danmuck/racectl/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
	RecordDeviceExchange("N", nil, 250*time.Millisecond)
	RecordDeviceExchange("N", errors.New("boom"), 300*time.Millisecond)
	RecordDeviceRetry("Q")
	RecordLapEvent(0)
	RecordNotification("heartbeat")
	AddConnections(1)
	AddConnections(-1)
	RecordConnectAttempt(errors.New("no adapter"))
	SetLinkConnected(true)

	if got := testutil.ToFloat64(deviceExchanges.WithLabelValues("N", "error")); got < 1 {
		t.Fatalf("expected error exchange recorded, got %v", got)
	}
	if got := testutil.ToFloat64(wsConnections); got != 0 {
		t.Fatalf("unexpected connection gauge: %v", got)
	}
	if got := testutil.ToFloat64(linkConnected); got != 1 {
		t.Fatalf("unexpected link gauge: %v", got)
	}
	SetLinkConnected(false)
	if got := testutil.ToFloat64(linkConnected); got != 0 {
		t.Fatalf("unexpected link gauge after drop: %v", got)
	}
}
