package observability

import (
	"testing"
	"time"

	"github.com/danmuck/netbridge/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)

	RegisterMetrics()
	RegisterMetrics()

	before := testutil.ToFloat64(framesTotal.WithLabelValues("http2", "in", "DATA"))
	RecordFrame("http2", "in", "DATA")
	RecordFrame("http2", "in", "DATA")
	if got := testutil.ToFloat64(framesTotal.WithLabelValues("http2", "in", "DATA")); got != before+2 {
		t.Fatalf("expected frame counter +2, got %v -> %v", before, got)
	}

	RecordFutureCreated()
	RecordFutureResolved("completed", 3*time.Millisecond)
	if testutil.ToFloat64(futuresResolved.WithLabelValues("completed")) < 1 {
		t.Fatalf("expected resolved counter to move")
	}

	bytesBefore := testutil.ToFloat64(streamBytes.WithLabelValues("pipe", "out"))
	RecordBytes("pipe", "out", 0)
	RecordBytes("pipe", "out", 10)
	if got := testutil.ToFloat64(streamBytes.WithLabelValues("pipe", "out")); got != bytesBefore+10 {
		t.Fatalf("expected byte counter +10, got %v", got)
	}
}
