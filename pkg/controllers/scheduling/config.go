package scheduling

import (
	"time"
)

// Strategy selects how the policy reacts when no local node has room.
type Strategy string

const (
	// LocalFirst falls back to a remote node.
	LocalFirst Strategy = "local-first"
	// LeastReplicaFirst evicts a unit of a larger workload from a local node before falling back.
	LeastReplicaFirst Strategy = "least-replica-first"
)

const (
	DefaultSchedulerName      = "local-first-scheduler"
	DefaultNamespace          = "default"
	DefaultLocalNodeSelector  = "node-type=local"
	DefaultRemoteNodeSelector = "node-type=remote"
)

// Config is everything the policy, the binder and the controller need to know about their
// environment. It is built once at startup and passed down explicitly.
type Config struct {
	SchedulerName      string
	Namespace          string
	Strategy           Strategy
	LocalNodeSelector  string
	RemoteNodeSelector string

	// RebalanceInterval is the minimum time between two rebalance passes.
	RebalanceInterval time.Duration
	// PendingRetryInterval is how long an unplaceable unit waits before the next attempt.
	PendingRetryInterval time.Duration
	// BindConfirm bounds the wait for a bound unit to become Running.
	BindConfirm Retry
	// EvictionSettle bounds the evictions per placement and the delay after each one.
	EvictionSettle Retry
}

func DefaultConfig() Config {
	return Config{
		SchedulerName:        DefaultSchedulerName,
		Namespace:            DefaultNamespace,
		Strategy:             LocalFirst,
		LocalNodeSelector:    DefaultLocalNodeSelector,
		RemoteNodeSelector:   DefaultRemoteNodeSelector,
		RebalanceInterval:    30 * time.Second,
		PendingRetryInterval: 10 * time.Second,
		BindConfirm:          Retry{Count: 30, Interval: 2 * time.Second},
		EvictionSettle:       Retry{Count: 3, Interval: 5 * time.Second},
	}
}
