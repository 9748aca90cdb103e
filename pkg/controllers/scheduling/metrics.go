package scheduling

import (
	"time"

	k8smetrics "k8s.io/component-base/metrics"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/utils/clock"
)

const (
	SchedulingName        = "tiered_scheduling"
	SchedulingSubsystem   = "scheduling"
	SchedulingDurationKey = "scheduling_duration_seconds"
	BindDurationKey       = "bind_duration_seconds"
	AttemptsKey           = "attempts_total"
	EvictionsKey          = "evictions_total"
)

const (
	resultBound         = "bound"
	resultEvicted       = "evicted"
	resultUnschedulable = "unschedulable"
	resultError         = "error"
)

// EvictionReason says why a unit was evicted.
type EvictionReason string

const (
	EvictionPreemption  EvictionReason = "preemption"
	EvictionBindFailure EvictionReason = "bind-failure"
	EvictionFailedPhase EvictionReason = "failed-phase"
	EvictionRebalance   EvictionReason = "rebalance"
)

var (
	schedulingDuration = k8smetrics.NewHistogramVec(&k8smetrics.HistogramOpts{
		Subsystem:      SchedulingSubsystem,
		Name:           SchedulingDurationKey,
		StabilityLevel: k8smetrics.ALPHA,
		Help:           "How long in seconds it takes to decide where a pod goes.",
		Buckets:        k8smetrics.ExponentialBuckets(10e-7, 10, 10),
	}, []string{"name"})
	bindDuration = k8smetrics.NewHistogramVec(&k8smetrics.HistogramOpts{
		Subsystem:      SchedulingSubsystem,
		Name:           BindDurationKey,
		StabilityLevel: k8smetrics.ALPHA,
		Help:           "How long in seconds it takes a bound pod to become running.",
		Buckets:        k8smetrics.ExponentialBuckets(10e-3, 2, 14),
	}, []string{"name"})
	schedulingAttempts = k8smetrics.NewCounterVec(&k8smetrics.CounterOpts{
		Subsystem:      SchedulingSubsystem,
		Name:           AttemptsKey,
		StabilityLevel: k8smetrics.ALPHA,
		Help:           "Number of placement attempts by result.",
	}, []string{"result"})
	schedulingEvictions = k8smetrics.NewCounterVec(&k8smetrics.CounterOpts{
		Subsystem:      SchedulingSubsystem,
		Name:           EvictionsKey,
		StabilityLevel: k8smetrics.ALPHA,
		Help:           "Number of pods evicted by the scheduler by reason.",
	}, []string{"reason"})

	metrics = []k8smetrics.Registerable{
		schedulingDuration, bindDuration, schedulingAttempts, schedulingEvictions,
	}
)

func init() {
	for _, m := range metrics {
		legacyregistry.MustRegister(m)
	}
}

// HistogramMetric counts individual observations.
type HistogramMetric interface {
	Observe(float64)
}

type scheduleMetrics struct {
	clock clock.Clock

	scheduling HistogramMetric
	binding    HistogramMetric

	scheduleStartTimes map[string]time.Time
	bindStartTimes     map[string]time.Time
}

func newScheduleMetrics(clock clock.Clock) *scheduleMetrics {
	return &scheduleMetrics{
		clock:              clock,
		scheduling:         schedulingDuration.WithLabelValues(SchedulingName),
		binding:            bindDuration.WithLabelValues(SchedulingName),
		scheduleStartTimes: map[string]time.Time{},
		bindStartTimes:     map[string]time.Time{},
	}
}

func (m *scheduleMetrics) startSchedule(key string) {
	if m == nil {
		return
	}

	if _, exists := m.scheduleStartTimes[key]; !exists {
		m.scheduleStartTimes[key] = m.clock.Now()
	}
}

// Gets the time since the specified start in seconds.
func (m *scheduleMetrics) sinceInSeconds(start time.Time) float64 {
	return m.clock.Since(start).Seconds()
}

func (m *scheduleMetrics) startBind(key string) {
	if m == nil {
		return
	}

	m.bindStartTimes[key] = m.clock.Now()
	if startTime, exists := m.scheduleStartTimes[key]; exists {
		m.scheduling.Observe(m.sinceInSeconds(startTime))
		delete(m.scheduleStartTimes, key)
	}
}

func (m *scheduleMetrics) done(key, result string) {
	if m == nil {
		return
	}

	schedulingAttempts.WithLabelValues(result).Inc()
	if startTime, exists := m.bindStartTimes[key]; exists {
		m.binding.Observe(m.sinceInSeconds(startTime))
		delete(m.bindStartTimes, key)
	}
	// an attempt that never reached bind starts over next time
	delete(m.scheduleStartTimes, key)
}

func recordEviction(reason EvictionReason) {
	schedulingEvictions.WithLabelValues(string(reason)).Inc()
}
