package scheduling

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/klog/v2"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins"
	"github.com/hybrid-edge/tiered-scheduler/pkg/resources"
)

type DecisionType string

const (
	DecisionNone  DecisionType = "None"
	DecisionBind  DecisionType = "Bind"
	DecisionEvict DecisionType = "Evict"
)

// Decision is the outcome of placing one workload unit.
type Decision struct {
	Type   DecisionType          `json:"type"`
	Node   string                `json:"node,omitempty"`
	Tier   cluster.Tier          `json:"tier,omitempty"`
	Victim *cluster.WorkloadUnit `json:"victim,omitempty"`
	Reason string                `json:"reason"`
}

// Migration moves a unit from a remote node back to a local one.
type Migration struct {
	Unit *cluster.WorkloadUnit `json:"unit"`
	From string                `json:"from"`
	To   string                `json:"to"`
}

type nodeState struct {
	node  *cluster.Node
	units []*cluster.WorkloadUnit
	used  resources.Quantity
}

type snapshot struct {
	local  []*nodeState
	remote []*nodeState
}

// Policy decides where a workload unit goes. It holds no state between calls: every decision
// starts from a fresh snapshot of the cluster.
type Policy struct {
	view    cluster.View
	cfg     Config
	filters []plugins.Filter
}

func NewPolicy(view cluster.View, cfg Config, filters ...plugins.Filter) *Policy {
	return &Policy{
		view:    view,
		cfg:     cfg,
		filters: filters,
	}
}

// Decide picks a node for the unit, or a victim to evict when the strategy allows it.
func (p *Policy) Decide(ctx context.Context, unit *cluster.WorkloadUnit, allowEviction bool) (Decision, error) {
	snap, err := p.snapshot(ctx)
	if err != nil {
		return Decision{Type: DecisionNone, Reason: err.Error()}, err
	}

	locals := p.feasible(ctx, unit, snap.local)
	if state := firstFit(unit, locals); state != nil {
		return Decision{
			Type:   DecisionBind,
			Node:   state.node.Name,
			Tier:   cluster.TierLocal,
			Reason: fmt.Sprintf("local node %q has room for %s", state.node.Name, unit.Requests),
		}, nil
	}

	if p.cfg.Strategy == LeastReplicaFirst && allowEviction {
		if victim, node := p.evictionCandidate(ctx, unit, locals); victim != nil {
			return Decision{
				Type:   DecisionEvict,
				Node:   node,
				Tier:   cluster.TierLocal,
				Victim: victim,
				Reason: fmt.Sprintf("%s belongs to a larger workload than %s", victim.Key(), unit.Key()),
			}, nil
		}
	}

	remotes := p.feasible(ctx, unit, snap.remote)
	if state := firstFit(unit, remotes); state != nil {
		return Decision{
			Type:   DecisionBind,
			Node:   state.node.Name,
			Tier:   cluster.TierRemote,
			Reason: fmt.Sprintf("no local node has room, remote node %q has room for %s", state.node.Name, unit.Requests),
		}, nil
	}

	return Decision{
		Type:   DecisionNone,
		Reason: fmt.Sprintf("no local or remote node has room for %s", unit.Requests),
	}, nil
}

// Rebalance returns the first unit on a remote node that now fits on a local node, walking the
// remote nodes and their units in listing order. Nothing is moved while any unit of the
// namespace is not Running.
func (p *Policy) Rebalance(ctx context.Context) (*Migration, error) {
	units, err := p.view.ListUnits(ctx, p.cfg.Namespace)
	if err != nil {
		return nil, err
	}
	for _, unit := range units {
		if unit.Phase != corev1.PodRunning {
			klog.V(4).Infof("Skipping rebalance, %s is %s", unit.Key(), unit.Phase)
			return nil, nil
		}
	}

	snap, err := p.snapshot(ctx)
	if err != nil {
		return nil, err
	}
	for _, remote := range snap.remote {
		for _, unit := range remote.units {
			if !p.eligible(unit) {
				continue
			}
			if state := firstFit(unit, p.feasible(ctx, unit, snap.local)); state != nil {
				return &Migration{Unit: unit, From: remote.node.Name, To: state.node.Name}, nil
			}
		}
	}
	return nil, nil
}

// eligible reports whether the unit may be moved or evicted by this scheduler.
func (p *Policy) eligible(unit *cluster.WorkloadUnit) bool {
	return unit.Namespace == p.cfg.Namespace &&
		unit.SchedulerName == p.cfg.SchedulerName &&
		!unit.OwnedBy(cluster.KindDaemonSet)
}

// evictionCandidate looks for the unit with the highest owner replica count on the local nodes.
// Only counts strictly above the incoming unit's count qualify; ties keep the first one found.
func (p *Policy) evictionCandidate(ctx context.Context, unit *cluster.WorkloadUnit, locals []*nodeState) (*cluster.WorkloadUnit, string) {
	bestCount := p.view.OwnerReplicaCount(ctx, unit)
	var victim *cluster.WorkloadUnit
	var victimNode string

	for _, state := range locals {
		for _, candidate := range state.units {
			if candidate.Key() == unit.Key() || !p.eligible(candidate) {
				continue
			}
			count := p.view.OwnerReplicaCount(ctx, candidate)
			klog.V(4).Infof("Eviction candidate %s on %s has %d replicas, best so far %d", candidate.Key(), state.node.Name, count, bestCount)
			if count > bestCount {
				bestCount, victim, victimNode = count, candidate, state.node.Name
			}
		}
	}
	return victim, victimNode
}

// snapshot lists both tiers and the running units of every node once.
func (p *Policy) snapshot(ctx context.Context) (*snapshot, error) {
	localNodes, err := p.view.NodesByLabel(ctx, p.cfg.LocalNodeSelector)
	if err != nil {
		return nil, err
	}
	remoteNodes, err := p.view.NodesByLabel(ctx, p.cfg.RemoteNodeSelector)
	if err != nil {
		return nil, err
	}

	return &snapshot{
		local:  p.nodeStates(ctx, localNodes),
		remote: p.nodeStates(ctx, remoteNodes),
	}, nil
}

func (p *Policy) nodeStates(ctx context.Context, nodes []*cluster.Node) []*nodeState {
	states := []*nodeState{}
	for _, node := range nodes {
		units, err := p.view.RunningUnitsOnNode(ctx, node.Name, p.cfg.Namespace)
		if err != nil {
			klog.Warningf("Skipping node %q, unable to list its pods: %v", node.Name, err)
			continue
		}
		used := resources.Quantity{}
		for _, unit := range units {
			used = used.Add(unit.Requests)
		}
		states = append(states, &nodeState{node: node, units: units, used: used})
	}
	return states
}

// feasible runs the node filters for the unit and keeps the surviving states in order.
func (p *Policy) feasible(ctx context.Context, unit *cluster.WorkloadUnit, states []*nodeState) []*nodeState {
	if len(p.filters) == 0 || len(states) == 0 {
		return states
	}

	nodes := make([]*cluster.Node, 0, len(states))
	for _, state := range states {
		nodes = append(nodes, state.node)
	}
	kept := map[string]bool{}
	for _, node := range plugins.RunFilters(ctx, p.filters, unit, nodes) {
		kept[node.Name] = true
	}

	filtered := []*nodeState{}
	for _, state := range states {
		if !kept[state.node.Name] {
			klog.V(4).Infof("Node %q filtered out for %s", state.node.Name, unit.Key())
			continue
		}
		filtered = append(filtered, state)
	}
	return filtered
}

func firstFit(unit *cluster.WorkloadUnit, states []*nodeState) *nodeState {
	for _, state := range states {
		fits := resources.Fits(state.node.Allocatable, state.used, unit.Requests)
		klog.V(4).Infof("Node %q allocatable %s used %s, %s requests %s, fits: %v",
			state.node.Name, state.node.Allocatable, state.used, unit.Key(), unit.Requests, fits)
		if fits {
			return state
		}
	}
	return nil
}
