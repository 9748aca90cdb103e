package testing

import (
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
)

type PodBuilder struct {
	pod *corev1.Pod
}

func NewPod(namespace, name string) *PodBuilder {
	return &PodBuilder{
		pod: &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: namespace,
				Name:      name,
				UID:       types.UID(namespace + "-" + name),
			},
			Spec: corev1.PodSpec{
				Containers: []corev1.Container{{Name: "app", Image: "registry.k8s.io/pause:3.7"}},
			},
			Status: corev1.PodStatus{Phase: corev1.PodPending},
		},
	}
}

func (b *PodBuilder) WithSchedulerName(schedulerName string) *PodBuilder {
	b.pod.Spec.SchedulerName = schedulerName
	return b
}

func (b *PodBuilder) WithNode(nodeName string) *PodBuilder {
	b.pod.Spec.NodeName = nodeName
	return b
}

func (b *PodBuilder) WithPhase(phase corev1.PodPhase) *PodBuilder {
	b.pod.Status.Phase = phase
	return b
}

func (b *PodBuilder) WithRequests(cpu, memory string) *PodBuilder {
	requests := corev1.ResourceList{}
	if len(cpu) > 0 {
		requests[corev1.ResourceCPU] = resource.MustParse(cpu)
	}
	if len(memory) > 0 {
		requests[corev1.ResourceMemory] = resource.MustParse(memory)
	}
	b.pod.Spec.Containers[0].Resources.Requests = requests
	return b
}

func (b *PodBuilder) WithOwner(kind, name string) *PodBuilder {
	controller := true
	b.pod.OwnerReferences = append(b.pod.OwnerReferences, metav1.OwnerReference{
		APIVersion: "apps/v1",
		Kind:       kind,
		Name:       name,
		UID:        types.UID(name),
		Controller: &controller,
	})
	return b
}

func (b *PodBuilder) WithTolerations(tolerations ...corev1.Toleration) *PodBuilder {
	b.pod.Spec.Tolerations = append(b.pod.Spec.Tolerations, tolerations...)
	return b
}

func (b *PodBuilder) WithDeletionTimestamp() *PodBuilder {
	now := metav1.Now()
	b.pod.DeletionTimestamp = &now
	return b
}

func (b *PodBuilder) Build() *corev1.Pod {
	return b.pod
}

type NodeBuilder struct {
	node *corev1.Node
}

func NewNode(name string) *NodeBuilder {
	return &NodeBuilder{
		node: &corev1.Node{
			ObjectMeta: metav1.ObjectMeta{
				Name:   name,
				Labels: map[string]string{},
			},
		},
	}
}

func (b *NodeBuilder) WithLabel(key, value string) *NodeBuilder {
	b.node.Labels[key] = value
	return b
}

// WithTier sets the node-type label used by the default node selectors.
func (b *NodeBuilder) WithTier(tier string) *NodeBuilder {
	return b.WithLabel("node-type", tier)
}

func (b *NodeBuilder) WithAllocatable(cpu, memory string) *NodeBuilder {
	b.node.Status.Allocatable = corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(cpu),
		corev1.ResourceMemory: resource.MustParse(memory),
	}
	b.node.Status.Capacity = b.node.Status.Allocatable.DeepCopy()
	return b
}

func (b *NodeBuilder) WithTaint(key, value string, effect corev1.TaintEffect) *NodeBuilder {
	b.node.Spec.Taints = append(b.node.Spec.Taints, corev1.Taint{Key: key, Value: value, Effect: effect})
	return b
}

func (b *NodeBuilder) Unschedulable() *NodeBuilder {
	b.node.Spec.Unschedulable = true
	return b
}

func (b *NodeBuilder) Build() *corev1.Node {
	return b.node
}
