package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_events_enqueued_total",
		Help: "Total number of events placed on the async ingestion queue.",
	})

	EventsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_events_processed_total",
		Help: "Total number of events routed through the engine.",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_events_dropped_total",
		Help: "Total number of events rejected due to a full queue.",
	})

	EventsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_events_rejected_total",
		Help: "Total number of events rejected at the ingestion boundary.",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_events_duplicate_total",
		Help: "Total number of events suppressed as duplicates.",
	})

	EventsLate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerflow_events_late_total",
		Help: "Events counted although they precede the open window, by trigger.",
	}, []string{"trigger_id"})

	UngroupableEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerflow_ungroupable_events_total",
		Help: "Matching events skipped because a for_each attribute was missing.",
	}, []string{"trigger_id"})

	TriggersMatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerflow_trigger_matches_total",
		Help: "Total number of event matches, labelled by trigger ID.",
	}, []string{"trigger_id"})

	DecisionsFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerflow_decisions_fired_total",
		Help: "Fire decisions emitted, labelled by trigger ID and posture.",
	}, []string{"trigger_id", "posture"})

	DecisionsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_decisions_dropped_total",
		Help: "Fire decisions not handed to the dispatcher because its queue stayed full.",
	})

	DecisionsStale = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_decisions_stale_total",
		Help: "Fire decisions discarded because their trigger was updated or removed.",
	})

	DecisionsRedelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "triggerflow_decisions_redelivered_total",
		Help: "Pending decisions redelivered from the decision log.",
	})

	ActionsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerflow_actions_executed_total",
		Help: "Total number of action attempts, labelled by type and status.",
	}, []string{"action_type", "status"})

	ActionFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "triggerflow_action_failures_total",
		Help: "Actions that failed terminally after retries.",
	}, []string{"action_type"})

	EventProcessingDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "triggerflow_event_processing_duration_ms",
		Help:    "Event routing latency in milliseconds.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	ActionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "triggerflow_action_duration_ms",
		Help:    "Action execution latency in milliseconds.",
		Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"action_type"})

	QueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triggerflow_queue_utilization_ratio",
		Help: "Current async event queue utilization (0–1).",
	})

	DecisionQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triggerflow_decision_queue_utilization_ratio",
		Help: "Current decision handoff queue utilization (0–1).",
	})

	ActiveTriggers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triggerflow_active_triggers",
		Help: "Number of registered triggers.",
	})

	ActiveGroups = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triggerflow_active_groups",
		Help: "Number of (trigger, group key) states held in memory.",
	})

	PendingTimers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triggerflow_pending_timers",
		Help: "Number of scheduled Proactive deadlines.",
	})

	EngineDegraded = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "triggerflow_engine_degraded",
		Help: "1 when the deadline facility has failed.",
	})
)
