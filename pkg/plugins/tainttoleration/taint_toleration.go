package tainttoleration

import (
	"context"
	"reflect"

	corev1 "k8s.io/api/core/v1"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins"
)

var _ plugins.Filter = &TaintToleration{}

const description = "TaintToleration is a plugin that checks if a pod tolerates a node's taints"

type TaintToleration struct{}

func New() *TaintToleration {
	return &TaintToleration{}
}

func (p *TaintToleration) Name() string {
	return reflect.TypeOf(*p).Name()
}

func (p *TaintToleration) Description() string {
	return description
}

func (p *TaintToleration) Filter(ctx context.Context, unit *cluster.WorkloadUnit, nodes []*cluster.Node) []*cluster.Node {
	if len(nodes) == 0 {
		return nodes
	}

	filterPredicate := func(t *corev1.Taint) bool {
		// PreferNoSchedule never blocks a placement.
		return t.Effect == corev1.TaintEffectNoSchedule || t.Effect == corev1.TaintEffectNoExecute
	}

	matched := []*cluster.Node{}
	for _, node := range nodes {
		if IfUntolerated(node.Taints, unit.Tolerations, filterPredicate) {
			continue
		}
		matched = append(matched, node)
	}
	return matched
}

type taintsFilterFunc func(*corev1.Taint) bool

// IfUntolerated returns true if one of the filtered taints is not tolerated.
func IfUntolerated(taints []corev1.Taint, tolerations []corev1.Toleration, inclusionFilter taintsFilterFunc) bool {
	for i := range taints {
		if inclusionFilter != nil && !inclusionFilter(&taints[i]) {
			continue
		}
		if !TolerationsTolerateTaint(tolerations, &taints[i]) {
			return true
		}
	}
	return false
}

// TolerationsTolerateTaint checks if taint is tolerated by any of the tolerations.
func TolerationsTolerateTaint(tolerations []corev1.Toleration, taint *corev1.Taint) bool {
	for i := range tolerations {
		if tolerations[i].ToleratesTaint(taint) {
			return true
		}
	}
	return false
}
