package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Membership metrics
	SilosTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "granary_silos_total",
			Help: "Number of silos in the membership table by status",
		},
		[]string{"status"},
	)

	MembershipTableVersion = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "granary_membership_table_version",
			Help: "Current membership table version observed by this silo",
		},
	)

	MembershipContentions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_membership_contentions_total",
			Help: "Membership table writes rejected by version mismatch",
		},
	)

	ProbesFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_membership_probes_failed_total",
			Help: "Liveness probes that did not reach their target",
		},
	)

	// Catalog metrics
	ActivationsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "granary_activations_total",
			Help: "Activations currently hosted on this silo",
		},
	)

	ActivationsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_activations_created_total",
			Help: "Activations created on this silo",
		},
	)

	Deactivations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "granary_deactivations_total",
			Help: "Activations torn down on this silo by reason",
		},
		[]string{"reason"},
	)

	// Directory metrics
	DirectoryLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "granary_directory_lookups_total",
			Help: "Directory lookups by result (cache_hit, partition_hit, remote, miss)",
		},
		[]string{"result"},
	)

	DirectoryCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "granary_directory_cache_entries",
			Help: "Entries currently held in the remote-entry cache",
		},
	)

	// Router metrics
	MessagesSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "granary_messages_sent_total",
			Help: "Messages sent by direction",
		},
		[]string{"direction"},
	)

	MessagesRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "granary_messages_rejected_total",
			Help: "Messages rejected by rejection kind",
		},
		[]string{"kind"},
	)

	MessagesExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_messages_expired_total",
			Help: "Messages dropped because their deadline passed",
		},
	)

	CallbacksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "granary_callbacks_pending",
			Help: "Outstanding request callbacks awaiting a response",
		},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "granary_request_duration_seconds",
			Help:    "End-to-end request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"grain_type"},
	)

	// Scheduler metrics
	WorkItemsQueued = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "granary_scheduler_work_items_queued",
			Help: "Work items waiting across all activation groups",
		},
	)

	TurnsExecuted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_scheduler_turns_total",
			Help: "Turns executed by the worker pool",
		},
	)

	// Transaction metrics
	TransactionsCommitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_transactions_committed_total",
			Help: "Transactions that exited their lock group and committed",
		},
	)

	TransactionsAborted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "granary_transactions_aborted_total",
			Help: "Transactions aborted by cause",
		},
		[]string{"cause"},
	)

	// Connection metrics
	ConnectionsOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "granary_connections_open",
			Help: "Open connections by kind (silo, client)",
		},
		[]string{"kind"},
	)

	// Reminder metrics
	RemindersFired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "granary_reminders_fired_total",
			Help: "Durable reminders delivered to their grains",
		},
	)
)

// Init registers all metrics with the default Prometheus registry
func Init() {
	prometheus.MustRegister(
		SilosTotal,
		MembershipTableVersion,
		MembershipContentions,
		ProbesFailed,
		ActivationsTotal,
		ActivationsCreated,
		Deactivations,
		DirectoryLookups,
		DirectoryCacheSize,
		MessagesSent,
		MessagesRejected,
		MessagesExpired,
		CallbacksPending,
		RequestDuration,
		WorkItemsQueued,
		TurnsExecuted,
		TransactionsCommitted,
		TransactionsAborted,
		ConnectionsOpen,
		RemindersFired,
	)
}

// Handler returns the HTTP handler for the /metrics endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
