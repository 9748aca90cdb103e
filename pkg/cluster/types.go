package cluster

import (
	"fmt"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	"github.com/hybrid-edge/tiered-scheduler/pkg/resources"
)

// Tier is the capacity class of a node.
type Tier string

const (
	TierLocal  Tier = "local"
	TierRemote Tier = "remote"
)

const (
	KindDeployment  = "Deployment"
	KindStatefulSet = "StatefulSet"
	KindReplicaSet  = "ReplicaSet"
	KindDaemonSet   = "DaemonSet"
)

// Node is the part of a kubernetes node the scheduler looks at.
type Node struct {
	Name          string             `json:"name"`
	Labels        map[string]string  `json:"labels,omitempty"`
	Allocatable   resources.Quantity `json:"allocatable"`
	Unschedulable bool               `json:"unschedulable,omitempty"`
	Taints        []corev1.Taint     `json:"taints,omitempty"`
}

// OwnerReference identifies the controller of a workload unit.
type OwnerReference struct {
	Kind string `json:"kind"`
	Name string `json:"name"`
}

// WorkloadUnit is a pod as seen by the scheduler.
type WorkloadUnit struct {
	Name          string              `json:"name"`
	Namespace     string              `json:"namespace"`
	UID           types.UID           `json:"uid,omitempty"`
	SchedulerName string              `json:"schedulerName"`
	NodeName      string              `json:"nodeName,omitempty"`
	Phase         corev1.PodPhase     `json:"phase"`
	Requests      resources.Quantity  `json:"requests"`
	Owner         *OwnerReference     `json:"owner,omitempty"`
	Tolerations   []corev1.Toleration `json:"tolerations,omitempty"`

	// Pod is the object the unit was built from, kept for event recording.
	Pod *corev1.Pod `json:"-"`
}

func (u *WorkloadUnit) Key() string {
	return u.Namespace + "/" + u.Name
}

func (u *WorkloadUnit) String() string {
	return u.Key()
}

// Bound returns true if the unit is assigned to a node.
func (u *WorkloadUnit) Bound() bool {
	return len(u.NodeName) != 0
}

// OwnedBy returns true if the controller of the unit is of the given kind.
func (u *WorkloadUnit) OwnedBy(kind string) bool {
	return u.Owner != nil && u.Owner.Kind == kind
}

// NewNode validates a kubernetes node and converts it. Nodes without a name or
// without cpu and memory allocatable are rejected.
func NewNode(node *corev1.Node) (*Node, error) {
	if node == nil {
		return nil, fmt.Errorf("node is nil")
	}
	if len(node.Name) == 0 {
		return nil, fmt.Errorf("node has no name")
	}
	if _, ok := node.Status.Allocatable[corev1.ResourceCPU]; !ok {
		return nil, fmt.Errorf("node %q reports no allocatable cpu", node.Name)
	}
	if _, ok := node.Status.Allocatable[corev1.ResourceMemory]; !ok {
		return nil, fmt.Errorf("node %q reports no allocatable memory", node.Name)
	}

	return &Node{
		Name:          node.Name,
		Labels:        node.Labels,
		Allocatable:   resources.FromResourceList(node.Status.Allocatable),
		Unschedulable: node.Spec.Unschedulable,
		Taints:        node.Spec.Taints,
	}, nil
}

// NewWorkloadUnit validates a pod and converts it.
func NewWorkloadUnit(pod *corev1.Pod) (*WorkloadUnit, error) {
	if pod == nil {
		return nil, fmt.Errorf("pod is nil")
	}
	if len(pod.Name) == 0 || len(pod.Namespace) == 0 {
		return nil, fmt.Errorf("pod %q in namespace %q is missing its name or namespace", pod.Name, pod.Namespace)
	}

	return &WorkloadUnit{
		Name:          pod.Name,
		Namespace:     pod.Namespace,
		UID:           pod.UID,
		SchedulerName: pod.Spec.SchedulerName,
		NodeName:      pod.Spec.NodeName,
		Phase:         pod.Status.Phase,
		Requests:      resources.ContainerRequests(pod),
		Owner:         ownerOf(pod),
		Tolerations:   pod.Spec.Tolerations,
		Pod:           pod,
	}, nil
}

// ownerOf prefers the controller reference and falls back to the first owner.
func ownerOf(pod *corev1.Pod) *OwnerReference {
	if ref := metav1.GetControllerOf(pod); ref != nil {
		return &OwnerReference{Kind: ref.Kind, Name: ref.Name}
	}
	if len(pod.OwnerReferences) > 0 {
		return &OwnerReference{Kind: pod.OwnerReferences[0].Kind, Name: pod.OwnerReferences[0].Name}
	}
	return nil
}
