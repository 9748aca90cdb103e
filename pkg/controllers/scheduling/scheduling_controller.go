package scheduling

import (
	"context"
	"time"

	"github.com/openshift/library-go/pkg/controller/factory"
	"github.com/openshift/library-go/pkg/operator/events"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	utilruntime "k8s.io/apimachinery/pkg/util/runtime"
	corev1informers "k8s.io/client-go/informers/core/v1"
	corev1listers "k8s.io/client-go/listers/core/v1"
	"k8s.io/client-go/tools/cache"
	kevents "k8s.io/client-go/tools/events"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
)

const schedulingControllerName = "TieredSchedulingController"

// rebalanceJitter absorbs the delay between the resync tick and the pass it triggers.
const rebalanceJitter = time.Second

// schedulingController places the pending pods that name this scheduler, evicts the ones that
// failed, and periodically moves pods from remote nodes back to local ones. It runs with a
// single worker so no two decisions ever book the same spare capacity.
type schedulingController struct {
	podLister corev1listers.PodLister
	view      cluster.View
	policy    *Policy
	binder    *Binder
	recorder  kevents.EventRecorder
	cfg       Config
	clock     clock.Clock
	metrics   *scheduleMetrics

	lastRebalance time.Time
}

// NewSchedulingController return an instance of schedulingController
func NewSchedulingController(
	view cluster.View,
	policy *Policy,
	binder *Binder,
	podInformer corev1informers.PodInformer,
	eventsRecorder kevents.EventRecorder,
	recorder events.Recorder,
	cfg Config,
) factory.Controller {
	c := newSchedulingController(view, policy, binder, podInformer.Lister(), eventsRecorder, cfg, clock.RealClock{})

	return factory.New().
		WithFilteredEventsInformersQueueKeyFunc(func(obj runtime.Object) string {
			key, _ := cache.MetaNamespaceKeyFunc(obj)
			return key
		}, c.managed, podInformer.Informer()).
		WithSync(c.sync).
		ResyncEvery(cfg.RebalanceInterval).
		ToController(schedulingControllerName, recorder)
}

func newSchedulingController(
	view cluster.View,
	policy *Policy,
	binder *Binder,
	podLister corev1listers.PodLister,
	eventsRecorder kevents.EventRecorder,
	cfg Config,
	clock clock.Clock,
) *schedulingController {
	return &schedulingController{
		podLister:     podLister,
		view:          view,
		policy:        policy,
		binder:        binder,
		recorder:      eventsRecorder,
		cfg:           cfg,
		clock:         clock,
		metrics:       newScheduleMetrics(clock),
		lastRebalance: clock.Now(),
	}
}

// managed filters informer events down to the pods of the namespace that name this scheduler.
func (c *schedulingController) managed(obj interface{}) bool {
	if tombstone, ok := obj.(cache.DeletedFinalStateUnknown); ok {
		obj = tombstone.Obj
	}
	pod, ok := obj.(*corev1.Pod)
	if !ok {
		return false
	}
	return pod.Namespace == c.cfg.Namespace && pod.Spec.SchedulerName == c.cfg.SchedulerName
}

func (c *schedulingController) sync(ctx context.Context, syncCtx factory.SyncContext) error {
	queueKey := syncCtx.QueueKey()
	if queueKey == factory.DefaultQueueKey {
		return c.rebalance(ctx)
	}

	namespace, name, err := cache.SplitMetaNamespaceKey(queueKey)
	if err != nil {
		// ignore pod whose key is not in format: namespace/name
		utilruntime.HandleError(err)
		return nil
	}

	klog.V(4).Infof("Reconciling pod %q", queueKey)
	pod, err := c.podLister.Pods(namespace).Get(name)
	if errors.IsNotFound(err) {
		// no work if pod is deleted
		return nil
	}
	if err != nil {
		return err
	}

	// no work if pod is deleting or belongs to another scheduler
	if !pod.DeletionTimestamp.IsZero() || pod.Spec.SchedulerName != c.cfg.SchedulerName {
		return nil
	}

	switch {
	case pod.Status.Phase == corev1.PodFailed || pod.Status.Phase == corev1.PodUnknown:
		return c.evictFailed(ctx, pod)
	case pod.Status.Phase == corev1.PodPending && len(pod.Spec.NodeName) == 0:
		c.schedule(ctx, syncCtx, namespace, name)
	}
	return nil
}

// schedule places one pending unit. Every outcome is handled here: units that cannot be placed
// are requeued after the pending retry interval, bind failures are only logged because the
// binder already evicted the unit.
func (c *schedulingController) schedule(ctx context.Context, syncCtx factory.SyncContext, namespace, name string) {
	// the lister may lag behind, read the unit live before acting on it
	unit, err := c.view.GetUnit(ctx, namespace, name)
	if errors.IsNotFound(err) {
		return
	}
	if err != nil {
		klog.Warningf("Unable to read pod %s/%s: %v", namespace, name, err)
		syncCtx.Queue().AddAfter(namespace+"/"+name, c.cfg.PendingRetryInterval)
		return
	}
	if unit.Bound() {
		klog.V(4).Infof("%s is already bound to %s", unit.Key(), unit.NodeName)
		return
	}

	key := unit.Key()
	c.metrics.startSchedule(key)
	evictions := 0
	for {
		decision, err := c.policy.Decide(ctx, unit, evictions < c.cfg.EvictionSettle.Count)
		if err != nil {
			klog.Warningf("Unable to schedule %s, retrying in %s: %v", key, c.cfg.PendingRetryInterval, err)
			c.metrics.done(key, resultError)
			syncCtx.Queue().AddAfter(key, c.cfg.PendingRetryInterval)
			return
		}

		switch decision.Type {
		case DecisionBind:
			klog.Infof("Scheduling %s on %s node %s: %s", key, decision.Tier, decision.Node, decision.Reason)
			c.metrics.startBind(key)
			if err := c.binder.Bind(ctx, unit, decision.Node); err != nil {
				klog.Errorf("Unable to schedule %s on %s: %v", key, decision.Node, err)
				c.metrics.done(key, resultError)
				return
			}
			c.metrics.done(key, resultBound)
			return

		case DecisionEvict:
			klog.Infof("Evicting %s from node %s to make room for %s: %s", decision.Victim.Key(), decision.Node, key, decision.Reason)
			if err := c.binder.Evict(ctx, decision.Victim, EvictionPreemption); err != nil {
				klog.Errorf("Unable to evict %s, placing %s without eviction: %v", decision.Victim.Key(), key, err)
				evictions = c.cfg.EvictionSettle.Count
				continue
			}
			evictions++
			if err := c.cfg.EvictionSettle.Sleep(ctx); err != nil {
				c.metrics.done(key, resultEvicted)
				return
			}

			unit, err = c.view.GetUnit(ctx, namespace, name)
			if errors.IsNotFound(err) {
				c.metrics.done(key, resultEvicted)
				return
			}
			if err != nil {
				klog.Warningf("Unable to read %s after evicting %s, retrying in %s: %v", key, decision.Victim.Key(), c.cfg.PendingRetryInterval, err)
				c.metrics.done(key, resultEvicted)
				syncCtx.Queue().AddAfter(key, c.cfg.PendingRetryInterval)
				return
			}
			if unit.Bound() {
				// placed by someone else while the victim was leaving
				c.metrics.done(key, resultEvicted)
				return
			}

		default:
			klog.Warningf("Unable to place %s, retrying in %s: %s", key, c.cfg.PendingRetryInterval, decision.Reason)
			c.event(unit, corev1.EventTypeWarning, "FailedScheduling", "Scheduling", decision.Reason)
			c.metrics.done(key, resultUnschedulable)
			syncCtx.Queue().AddAfter(key, c.cfg.PendingRetryInterval)
			return
		}
	}
}

func (c *schedulingController) evictFailed(ctx context.Context, pod *corev1.Pod) error {
	unit, err := cluster.NewWorkloadUnit(pod)
	if err != nil {
		utilruntime.HandleError(err)
		return nil
	}
	klog.Warningf("%s is %s on node %q, evicting it", unit.Key(), unit.Phase, unit.NodeName)
	return c.binder.Evict(ctx, unit, EvictionFailedPhase)
}

// rebalance runs at most one migration per rebalance interval.
func (c *schedulingController) rebalance(ctx context.Context) error {
	now := c.clock.Now()
	if elapsed := now.Sub(c.lastRebalance); elapsed+rebalanceJitter < c.cfg.RebalanceInterval {
		klog.V(4).Infof("Skipping rebalance, last pass %s ago", elapsed)
		return nil
	}

	migration, err := c.policy.Rebalance(ctx)
	if err != nil {
		klog.Warningf("Unable to rebalance: %v", err)
		return nil
	}
	c.lastRebalance = now
	if migration == nil {
		klog.V(4).Infof("Nothing to rebalance")
		return nil
	}

	klog.Infof("Rebalancing %s from remote node %s, local node %s has room", migration.Unit.Key(), migration.From, migration.To)
	return c.binder.Evict(ctx, migration.Unit, EvictionRebalance)
}

func (c *schedulingController) event(unit *cluster.WorkloadUnit, eventType, reason, action, note string) {
	if c.recorder == nil || unit.Pod == nil {
		return
	}
	c.recorder.Eventf(unit.Pod, nil, eventType, reason, action, "%s", note)
}
