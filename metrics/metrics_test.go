package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestOpenMailboxesGauge(t *testing.T) {
	initial := testutil.ToFloat64(OpenMailboxes)
	OpenMailboxes.Inc()
	if got := testutil.ToFloat64(OpenMailboxes); got != initial+1 {
		t.Errorf("OpenMailboxes = %v, want %v", got, initial+1)
	}
	OpenMailboxes.Dec()
}

func TestRecordReconcile(t *testing.T) {
	outcomes := []string{"clean", "missing_file", "uidvalidity_reset", "failed"}
	for _, outcome := range outcomes {
		t.Run(outcome, func(t *testing.T) {
			initial := testutil.ToFloat64(MailboxReconciles.WithLabelValues(outcome))
			RecordReconcile(outcome)
			if got := testutil.ToFloat64(MailboxReconciles.WithLabelValues(outcome)); got != initial+1 {
				t.Errorf("MailboxReconciles[%s] = %v, want %v", outcome, got, initial+1)
			}
		})
	}
}

func TestRecordError(t *testing.T) {
	tests := []struct {
		component string
		kind      string
	}{
		{"mailbox", "imaildir_failed"},
		{"upsync", "response"},
		{"dnview", "value"},
	}
	for _, tt := range tests {
		t.Run(tt.component+"_"+tt.kind, func(t *testing.T) {
			initial := testutil.ToFloat64(Errors.WithLabelValues(tt.component, tt.kind))
			RecordError(tt.component, tt.kind)
			if got := testutil.ToFloat64(Errors.WithLabelValues(tt.component, tt.kind)); got != initial+1 {
				t.Errorf("Errors[%s,%s] = %v, want %v", tt.component, tt.kind, got, initial+1)
			}
		})
	}
}

func TestRecordDnCommand(t *testing.T) {
	initial := testutil.ToFloat64(DnCommands.WithLabelValues("FETCH"))
	RecordDnCommand("FETCH")
	if got := testutil.ToFloat64(DnCommands.WithLabelValues("FETCH")); got != initial+1 {
		t.Errorf("DnCommands[FETCH] = %v, want %v", got, initial+1)
	}
}

func TestSetHimodseqCommitLag(t *testing.T) {
	SetHimodseqCommitLag("INBOX", 3)
	if got := testutil.ToFloat64(HimodseqCommitLag.WithLabelValues("INBOX")); got != 3 {
		t.Errorf("HimodseqCommitLag[INBOX] = %v, want 3", got)
	}
}

func TestMetricNamesHaveCitmPrefix(t *testing.T) {
	checks := []struct {
		name   string
		metric prometheus.Collector
	}{
		{"OpenMailboxes", OpenMailboxes},
		{"LogCompactions", LogCompactions},
		{"ActiveUpSessions", ActiveUpSessions},
		{"ActiveDnSessions", ActiveDnSessions},
	}
	for _, c := range checks {
		t.Run(c.name, func(t *testing.T) {
			ch := make(chan prometheus.Metric, 1)
			c.metric.Collect(ch)
			metric := <-ch
			desc := metric.Desc().String()
			if !strings.Contains(desc, "citm_") {
				t.Errorf("metric %s description missing citm_ prefix: %s", c.name, desc)
			}
		})
	}
}
