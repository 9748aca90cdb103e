package scheduling

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	policyv1 "k8s.io/api/policy/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	kevents "k8s.io/client-go/tools/events"
	"k8s.io/klog/v2"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
)

var (
	// ErrNoTarget is returned when a bind is requested without a node.
	ErrNoTarget = errors.New("no target node")
	// ErrUnitFailed is returned when a bound unit reports Failed or Unknown.
	ErrUnitFailed = errors.New("unit failed after binding")
	// ErrBindTimeout is returned when a bound unit did not become Running in time.
	ErrBindTimeout = errors.New("unit did not become running in time")
)

const unbindPatch = `{"spec":{"nodeName":null}}`

// Binder performs the cluster mutations: binding, eviction and unbinding.
type Binder struct {
	kubeClient kubernetes.Interface
	view       cluster.View
	recorder   kevents.EventRecorder
	cfg        Config
}

// NewBinder returns a Binder. The recorder may be nil.
func NewBinder(kubeClient kubernetes.Interface, view cluster.View, recorder kevents.EventRecorder, cfg Config) *Binder {
	return &Binder{
		kubeClient: kubeClient,
		view:       view,
		recorder:   recorder,
		cfg:        cfg,
	}
}

// Bind assigns the unit to the node and waits for it to become Running. A unit that fails or
// never starts is evicted so its controller can recreate it.
func (b *Binder) Bind(ctx context.Context, unit *cluster.WorkloadUnit, nodeName string) error {
	if len(nodeName) == 0 {
		return fmt.Errorf("%w: unable to bind %s", ErrNoTarget, unit.Key())
	}

	binding := &corev1.Binding{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: unit.Namespace,
			Name:      unit.Name,
			UID:       unit.UID,
		},
		Target: corev1.ObjectReference{
			APIVersion: "v1",
			Kind:       "Node",
			Name:       nodeName,
		},
	}
	err := b.kubeClient.CoreV1().Pods(unit.Namespace).Bind(ctx, binding, metav1.CreateOptions{})
	switch {
	case apierrors.IsNotFound(err) || apierrors.IsConflict(err):
		// deleted or bound by someone else, nothing left to clean up
		klog.Warningf("Unable to bind %s to %s: %v", unit.Key(), nodeName, err)
		return fmt.Errorf("unable to bind %s to %s: %w", unit.Key(), nodeName, err)
	case err != nil:
		klog.Errorf("Unable to bind %s to %s: %v", unit.Key(), nodeName, err)
		if evictErr := b.Evict(ctx, unit, EvictionBindFailure); evictErr != nil {
			klog.Errorf("Unable to evict %s after a failed bind: %v", unit.Key(), evictErr)
		}
		return fmt.Errorf("unable to bind %s to %s: %w", unit.Key(), nodeName, err)
	}
	klog.Infof("Bound %s to node %s, waiting for it to run", unit.Key(), nodeName)

	var phase corev1.PodPhase
	err = b.cfg.BindConfirm.Poll(ctx, func() (bool, error) {
		current, err := b.view.GetUnit(ctx, unit.Namespace, unit.Name)
		if err != nil {
			klog.V(4).Infof("Unable to read %s while waiting for it to run: %v", unit.Key(), err)
			return false, nil
		}
		phase = current.Phase
		switch phase {
		case corev1.PodRunning:
			return true, nil
		case corev1.PodFailed, corev1.PodUnknown:
			return false, fmt.Errorf("%w: %s is %s on node %s", ErrUnitFailed, unit.Key(), phase, nodeName)
		}
		return false, nil
	})

	switch {
	case err == nil:
		klog.Infof("%s is running on node %s", unit.Key(), nodeName)
		b.event(unit, corev1.EventTypeNormal, "Scheduled", "Binding", "Successfully assigned %s to %s", unit.Key(), nodeName)
		return nil
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, ErrUnitFailed):
		klog.Errorf("%v", err)
		b.logUnitEvents(ctx, unit)
	default:
		err = fmt.Errorf("%w: %s is still %s on node %s", ErrBindTimeout, unit.Key(), phase, nodeName)
		klog.Errorf("%v", err)
	}

	if evictErr := b.Evict(ctx, unit, EvictionBindFailure); evictErr != nil {
		klog.Errorf("Unable to evict %s: %v", unit.Key(), evictErr)
	}
	return err
}

// Evict asks the api to evict the unit. A unit that is already gone counts as evicted.
func (b *Binder) Evict(ctx context.Context, unit *cluster.WorkloadUnit, reason EvictionReason) error {
	eviction := &policyv1.Eviction{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: unit.Namespace,
			Name:      unit.Name,
		},
	}
	err := b.kubeClient.PolicyV1().Evictions(unit.Namespace).Evict(ctx, eviction)
	if apierrors.IsNotFound(err) {
		klog.V(4).Infof("%s is already gone", unit.Key())
		return nil
	}
	if err != nil {
		return fmt.Errorf("unable to evict %s: %w", unit.Key(), err)
	}

	klog.Infof("Evicted %s (%s)", unit.Key(), reason)
	recordEviction(reason)
	b.event(unit, corev1.EventTypeNormal, "Evicted", "Evicting", "Evicted by %s: %s", b.cfg.SchedulerName, reason)
	return nil
}

// Unbind clears the node assignment of a pod. Unbound pods are left alone.
func (b *Binder) Unbind(ctx context.Context, namespace, name string) error {
	unit, err := b.view.GetUnit(ctx, namespace, name)
	if err != nil {
		return err
	}
	if !unit.Bound() {
		klog.Infof("%s is not bound to any node", unit.Key())
		return nil
	}

	_, err = b.kubeClient.CoreV1().Pods(namespace).Patch(ctx, name, types.StrategicMergePatchType, []byte(unbindPatch), metav1.PatchOptions{})
	if err != nil {
		return fmt.Errorf("unable to unbind %s from %s: %w", unit.Key(), unit.NodeName, err)
	}
	klog.Infof("Unbound %s from node %s", unit.Key(), unit.NodeName)
	return nil
}

func (b *Binder) logUnitEvents(ctx context.Context, unit *cluster.WorkloadUnit) {
	events, err := b.view.UnitEvents(ctx, unit)
	if err != nil {
		klog.Warningf("Unable to list events of %s: %v", unit.Key(), err)
		return
	}
	for _, event := range events {
		klog.Infof("Event of %s: %s %s: %s", unit.Key(), event.Type, event.Reason, event.Message)
	}
}

func (b *Binder) event(unit *cluster.WorkloadUnit, eventType, reason, action, note string, args ...interface{}) {
	if b.recorder == nil || unit.Pod == nil {
		return
	}
	b.recorder.Eventf(unit.Pod, nil, eventType, reason, action, note, args...)
}
