package plugins

import (
	"context"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
)

// Plugin is the common part of every scheduling plugin.
type Plugin interface {
	// Name returns the name of the plugin
	Name() string

	// Description returns the usage of the plugin
	Description() string
}

// Filter removes the nodes a workload unit must not be placed on. The relative order of the
// remaining nodes is preserved.
type Filter interface {
	Plugin

	Filter(ctx context.Context, unit *cluster.WorkloadUnit, nodes []*cluster.Node) []*cluster.Node
}

// RunFilters applies each filter in turn.
func RunFilters(ctx context.Context, filters []Filter, unit *cluster.WorkloadUnit, nodes []*cluster.Node) []*cluster.Node {
	for _, f := range filters {
		if len(nodes) == 0 {
			return nodes
		}
		nodes = f.Filter(ctx, unit, nodes)
	}
	return nodes
}
