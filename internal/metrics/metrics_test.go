package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordMessagePosted()
	c.RecordMessagePosted()
	c.RecordRateLimited()
	c.RecordMagicLinkIssued()
	c.RecordMagicLinkRedeem(true)
	c.RecordMagicLinkRedeem(false)
	c.RecordMagicLinkRedeem(false)

	if got := testutil.ToFloat64(c.messagesPosted); got != 2 {
		t.Errorf("messagesPosted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.rateLimited); got != 1 {
		t.Errorf("rateLimited = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.magicLinkRedeems.WithLabelValues("failure")); got != 2 {
		t.Errorf("magicLinkRedeems{failure} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.magicLinkRedeems.WithLabelValues("success")); got != 1 {
		t.Errorf("magicLinkRedeems{success} = %v, want 1", got)
	}
}

func TestCollectorWSGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.WSConnectionOpened()
	c.WSConnectionOpened()
	c.WSConnectionClosed()

	if got := testutil.ToFloat64(c.wsConnections); got != 1 {
		t.Errorf("wsConnections = %v, want 1", got)
	}
}

func TestStatusLabel(t *testing.T) {
	cases := map[int]string{200: "2xx", 204: "2xx", 301: "3xx", 404: "4xx", 429: "4xx", 500: "5xx", 502: "5xx"}
	for code, want := range cases {
		if got := statusLabel(code); got != want {
			t.Errorf("statusLabel(%d) = %q, want %q", code, got, want)
		}
	}
}

func TestRecordHTTPStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordHTTPStatus(200)
	c.RecordHTTPStatus(201)
	c.RecordHTTPStatus(404)

	if got := testutil.ToFloat64(c.httpStatus.WithLabelValues("2xx")); got != 2 {
		t.Errorf("httpStatus{2xx} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.httpStatus.WithLabelValues("4xx")); got != 1 {
		t.Errorf("httpStatus{4xx} = %v, want 1", got)
	}
	if !strings.Contains(mustGather(t, reg), "linkroom_http_status_total") {
		t.Error("gathered output missing linkroom_http_status_total")
	}
}

func mustGather(t *testing.T, reg *prometheus.Registry) string {
	t.Helper()
	fams, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	var sb strings.Builder
	for _, f := range fams {
		sb.WriteString(f.GetName())
		sb.WriteString("\n")
	}
	return sb.String()
}
