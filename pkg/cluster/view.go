package cluster

import (
	"context"
	"errors"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/fields"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
)

// ErrAPIUnavailable is returned when the cluster api could not be queried.
var ErrAPIUnavailable = errors.New("cluster api unavailable")

// View answers read-only questions about the cluster. Each call is a live query,
// nothing is cached between calls.
type View interface {
	// NodesByLabel returns the valid nodes matching the label selector in listing order.
	NodesByLabel(ctx context.Context, selector string) ([]*Node, error)
	// RunningUnitsOnNode returns the running units of the namespace bound to the node.
	RunningUnitsOnNode(ctx context.Context, nodeName, namespace string) ([]*WorkloadUnit, error)
	// OwnerReplicaCount returns the replica count of the unit's controller, 1 if unknown.
	OwnerReplicaCount(ctx context.Context, unit *WorkloadUnit) int
	// GetUnit returns the current state of a unit.
	GetUnit(ctx context.Context, namespace, name string) (*WorkloadUnit, error)
	// ListUnits returns every unit of the namespace.
	ListUnits(ctx context.Context, namespace string) ([]*WorkloadUnit, error)
	// UnitEvents returns the events involving the unit.
	UnitEvents(ctx context.Context, unit *WorkloadUnit) ([]corev1.Event, error)
}

var _ View = &KubeView{}

// KubeView is a View backed by the kubernetes api.
type KubeView struct {
	kubeClient kubernetes.Interface
}

func NewKubeView(kubeClient kubernetes.Interface) *KubeView {
	return &KubeView{kubeClient: kubeClient}
}

func (v *KubeView) NodesByLabel(ctx context.Context, selector string) ([]*Node, error) {
	nodeList, err := v.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to list nodes with selector %q: %v", ErrAPIUnavailable, selector, err)
	}

	nodes := []*Node{}
	for i := range nodeList.Items {
		node, err := NewNode(&nodeList.Items[i])
		if err != nil {
			klog.Warningf("Skipping invalid node: %v", err)
			continue
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

func (v *KubeView) RunningUnitsOnNode(ctx context.Context, nodeName, namespace string) ([]*WorkloadUnit, error) {
	selector := fields.AndSelectors(
		fields.OneTermEqualSelector("spec.nodeName", nodeName),
		fields.OneTermEqualSelector("status.phase", string(corev1.PodRunning)),
	)
	podList, err := v.kubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{FieldSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to list pods on node %q: %v", ErrAPIUnavailable, nodeName, err)
	}

	units := []*WorkloadUnit{}
	for i := range podList.Items {
		pod := &podList.Items[i]
		// the server applies the field selector, this guards against clients that do not
		if pod.Spec.NodeName != nodeName || pod.Status.Phase != corev1.PodRunning || pod.Namespace != namespace {
			continue
		}
		unit, err := NewWorkloadUnit(pod)
		if err != nil {
			klog.Warningf("Skipping invalid pod on node %q: %v", nodeName, err)
			continue
		}
		units = append(units, unit)
	}
	return units, nil
}

// OwnerReplicaCount follows the owner of the unit:
// Deployment, StatefulSet and ReplicaSet report their desired replicas, a DaemonSet
// counts one replica per node. Ownerless units and every lookup failure count as 1.
func (v *KubeView) OwnerReplicaCount(ctx context.Context, unit *WorkloadUnit) int {
	if unit == nil || unit.Owner == nil {
		return 1
	}

	namespace, name := unit.Namespace, unit.Owner.Name
	var replicas *int32
	var err error
	switch unit.Owner.Kind {
	case KindDeployment:
		d, e := v.kubeClient.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if e == nil {
			replicas = d.Spec.Replicas
		}
		err = e
	case KindStatefulSet:
		s, e := v.kubeClient.AppsV1().StatefulSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if e == nil {
			replicas = s.Spec.Replicas
		}
		err = e
	case KindReplicaSet:
		r, e := v.kubeClient.AppsV1().ReplicaSets(namespace).Get(ctx, name, metav1.GetOptions{})
		if e == nil {
			replicas = r.Spec.Replicas
		}
		err = e
	case KindDaemonSet:
		nodes, e := v.kubeClient.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
		if e != nil {
			klog.Errorf("Unable to count nodes for daemonset %s/%s: %v", namespace, name, e)
			return 1
		}
		return len(nodes.Items)
	default:
		return 1
	}

	if err != nil {
		klog.Errorf("Unable to get replicas of %s %s/%s: %v", unit.Owner.Kind, namespace, name, err)
		return 1
	}
	if replicas == nil {
		return 1
	}
	return int(*replicas)
}

func (v *KubeView) GetUnit(ctx context.Context, namespace, name string) (*WorkloadUnit, error) {
	pod, err := v.kubeClient.CoreV1().Pods(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: unable to get pod %s/%s: %v", ErrAPIUnavailable, namespace, name, err)
	}
	return NewWorkloadUnit(pod)
}

func (v *KubeView) ListUnits(ctx context.Context, namespace string) ([]*WorkloadUnit, error) {
	podList, err := v.kubeClient.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to list pods in namespace %q: %v", ErrAPIUnavailable, namespace, err)
	}

	units := []*WorkloadUnit{}
	for i := range podList.Items {
		unit, err := NewWorkloadUnit(&podList.Items[i])
		if err != nil {
			klog.Warningf("Skipping invalid pod: %v", err)
			continue
		}
		units = append(units, unit)
	}
	return units, nil
}

func (v *KubeView) UnitEvents(ctx context.Context, unit *WorkloadUnit) ([]corev1.Event, error) {
	selector := fields.OneTermEqualSelector("involvedObject.name", unit.Name)
	eventList, err := v.kubeClient.CoreV1().Events(unit.Namespace).List(ctx, metav1.ListOptions{FieldSelector: selector.String()})
	if err != nil {
		return nil, fmt.Errorf("%w: unable to list events of pod %s: %v", ErrAPIUnavailable, unit.Key(), err)
	}

	events := []corev1.Event{}
	for _, event := range eventList.Items {
		if event.InvolvedObject.Name != unit.Name {
			continue
		}
		events = append(events, event)
	}
	return events, nil
}
