package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	orchestrator = "resource_orchestrator"

	// Job metrics
	jobTransitionsTotal = "job_transitions_total"
	JobStateCount       = "job_state_count"
	expiredJobsTotal    = "expired_jobs_total"
	replayedJobsTotal   = "replayed_jobs_total"

	// Provider metrics
	providerCallsTotal          = "provider_calls_total"
	providerCallDurationSeconds = "provider_call_duration_seconds"
	cacheLookupsTotal           = "cache_lookups_total"

	// Labels
	fromStateLabel = "from"
	toStateLabel   = "to"
	stateLabel     = "state"
	outcomeLabel   = "outcome"
	providerLabel  = "provider"
	callLabel      = "call"
	cacheLabel     = "cache"
	resultLabel    = "result"
)

/**
* Metrics definition
**/
var jobTransitionsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      jobTransitionsTotal,
		Help:      "number of applied job state transitions",
	},
	[]string{fromStateLabel, toStateLabel},
)

var jobStateCountMetric = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Subsystem: orchestrator,
		Name:      JobStateCount,
		Help:      "metrics to record the number of jobs in each state",
	},
	[]string{stateLabel},
)

var expiredJobsTotalMetric = prometheus.NewCounter(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      expiredJobsTotal,
		Help:      "number of jobs failed because they expired",
	},
)

var replayedJobsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      replayedJobsTotal,
		Help:      "number of jobs checked by the replay partitioned by outcome",
	},
	[]string{outcomeLabel},
)

var providerCallsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      providerCallsTotal,
		Help:      "number of calls made to providers",
	},
	[]string{providerLabel, callLabel, outcomeLabel},
)

var providerCallDurationMetric = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Subsystem: orchestrator,
		Name:      providerCallDurationSeconds,
		Help:      "time spent on provider calls",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{providerLabel, callLabel},
)

var cacheLookupsTotalMetric = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Subsystem: orchestrator,
		Name:      cacheLookupsTotal,
		Help:      "number of cache lookups partitioned by cache and result",
	},
	[]string{cacheLabel, resultLabel},
)

func IncreaseJobTransitionsMetric(from, to string) {
	labels := prometheus.Labels{
		fromStateLabel: from,
		toStateLabel:   to,
	}
	jobTransitionsTotalMetric.With(labels).Inc()
}

func UpdateJobStateCounterMetric(state string, count int) {
	labels := prometheus.Labels{
		stateLabel: state,
	}
	jobStateCountMetric.With(labels).Set(float64(count))
}

func IncreaseExpiredJobsMetric(count int) {
	expiredJobsTotalMetric.Add(float64(count))
}

func IncreaseReplayedJobsMetric(outcome string) {
	labels := prometheus.Labels{
		outcomeLabel: outcome,
	}
	replayedJobsTotalMetric.With(labels).Inc()
}

func IncreaseProviderCallsMetric(provider, call, outcome string) {
	labels := prometheus.Labels{
		providerLabel: provider,
		callLabel:     call,
		outcomeLabel:  outcome,
	}
	providerCallsTotalMetric.With(labels).Inc()
}

func ObserveProviderCallDuration(provider, call string, seconds float64) {
	labels := prometheus.Labels{
		providerLabel: provider,
		callLabel:     call,
	}
	providerCallDurationMetric.With(labels).Observe(seconds)
}

func IncreaseCacheLookupsMetric(cache string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	labels := prometheus.Labels{
		cacheLabel:  cache,
		resultLabel: result,
	}
	cacheLookupsTotalMetric.With(labels).Inc()
}

func init() {
	registerMetrics()
}

func registerMetrics() {
	prometheus.MustRegister(jobTransitionsTotalMetric)
	prometheus.MustRegister(jobStateCountMetric)
	prometheus.MustRegister(expiredJobsTotalMetric)
	prometheus.MustRegister(replayedJobsTotalMetric)
	prometheus.MustRegister(providerCallsTotalMetric)
	prometheus.MustRegister(providerCallDurationMetric)
	prometheus.MustRegister(cacheLookupsTotalMetric)
}
