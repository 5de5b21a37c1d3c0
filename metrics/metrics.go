// Package metrics exposes CITM's Prometheus instrumentation: package-
// level collectors registered via promauto, and small Record* helpers
// for the call sites that update more than one collector together.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Mailbox / DirMgr metrics
	OpenMailboxes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "citm_open_mailboxes",
		Help: "Number of mailboxes currently open in this proxy instance",
	})

	MailboxReconciles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citm_mailbox_reconciles_total",
		Help: "Total mailbox startup reconciles, by outcome",
	}, []string{"outcome"})

	LogCompactions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citm_log_compactions_total",
		Help: "Total append-only journal compactions across all mailboxes",
	})

	UIDValidityResets = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citm_uidvalidity_resets_total",
		Help: "Total upstream UIDVALIDITY changes that triggered a mailbox wipe",
	})

	// Up (upward synchronizer) metrics
	ActiveUpSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "citm_active_up_sessions",
		Help: "Number of Up sessions currently connected to the upstream server",
	})

	FetchParallelismInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "citm_fetch_parallelism_in_use",
		Help: "Number of concurrent upstream FETCH requests in flight",
	})

	MessagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "citm_messages_fetched_total",
		Help: "Total messages fetched and filled from upstream",
	})

	HimodseqCommitLag = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "citm_himodseq_commit_lag",
		Help: "Difference between the highest observed and last committed upstream modseq, by mailbox",
	}, []string{"mailbox"})

	IdleSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "citm_idle_sessions",
		Help: "Number of upward sessions currently in IMAP IDLE",
	})

	// Dn (downward view) metrics
	ActiveDnSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "citm_active_dn_sessions",
		Help: "Number of connected downward client sessions",
	})

	DnCommands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citm_dn_commands_total",
		Help: "Total IMAP commands served to downward clients, by command name",
	}, []string{"command"})

	// Errors, across all components
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "citm_errors_total",
		Help: "Total errors, by component and error kind",
	}, []string{"component", "kind"})
)

// RecordReconcile records a mailbox startup reconcile's outcome
// ("clean", "missing_file", "uidvalidity_reset", "failed").
func RecordReconcile(outcome string) {
	MailboxReconciles.WithLabelValues(outcome).Inc()
}

// RecordError records an error surfaced by component, tagged with its
// msgstore.Kind string.
func RecordError(component, kind string) {
	Errors.WithLabelValues(component, kind).Inc()
}

// RecordDnCommand records one downward IMAP command dispatch.
func RecordDnCommand(command string) {
	DnCommands.WithLabelValues(command).Inc()
}

// SetHimodseqCommitLag records, for mailbox, the gap between the
// highest upstream modseq observed and the last one durably
// committed to the journal.
func SetHimodseqCommitLag(mailbox string, lag float64) {
	HimodseqCommitLag.WithLabelValues(mailbox).Set(lag)
}
