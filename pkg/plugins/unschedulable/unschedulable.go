package unschedulable

import (
	"context"
	"reflect"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins"
)

var _ plugins.Filter = &Unschedulable{}

const description = "Unschedulable is a plugin that drops cordoned nodes"

type Unschedulable struct{}

func New() *Unschedulable {
	return &Unschedulable{}
}

func (p *Unschedulable) Name() string {
	return reflect.TypeOf(*p).Name()
}

func (p *Unschedulable) Description() string {
	return description
}

func (p *Unschedulable) Filter(ctx context.Context, unit *cluster.WorkloadUnit, nodes []*cluster.Node) []*cluster.Node {
	matched := []*cluster.Node{}
	for _, node := range nodes {
		if node.Unschedulable {
			continue
		}
		matched = append(matched, node)
	}
	return matched
}
