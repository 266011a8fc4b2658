package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"looprpc/status"
)

func TestRecordServerCounters(t *testing.T) {
	Reset()

	RecordServerRequest("echo")
	RecordServerRequest("echo")
	RecordServerResponse("echo", status.OK)
	RecordServerResponse("absent", status.MethodNotFound)
	RecordServerResponse("echo", status.Code(7))

	if got := testutil.ToFloat64(serverRequests.WithLabelValues("echo")); got != 2 {
		t.Errorf("requests{echo} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(serverResponses.WithLabelValues("absent", "MethodNotFound")); got != 1 {
		t.Errorf("responses{absent,MethodNotFound} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(serverResponses.WithLabelValues("echo", "7")); got != 1 {
		t.Errorf("responses{echo,7} = %v, want 1", got)
	}
}

func TestClientPendingGauge(t *testing.T) {
	Reset()

	AddClientPending(3)
	AddClientPending(-1)
	RecordClientOutcome(status.Cancelled)

	if got := testutil.ToFloat64(clientPending); got != 2 {
		t.Errorf("pending = %v, want 2", got)
	}
	if got := testutil.ToFloat64(clientOutcomes.WithLabelValues("Cancelled")); got != 1 {
		t.Errorf("calls{Cancelled} = %v, want 1", got)
	}
}

func TestRegisterOnce(t *testing.T) {
	Reset()
	reg := prometheus.NewPedanticRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second Register should be a no-op, got %v", err)
	}

	RecordPublish(status.OK)
	expected := `
# HELP looprpc_broadcast_published_total Broadcast frames published, by outcome code.
# TYPE looprpc_broadcast_published_total counter
looprpc_broadcast_published_total{code="Ok"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "looprpc_broadcast_published_total"); err != nil {
		t.Error(err)
	}
}
