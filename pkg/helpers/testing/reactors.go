package testing

import (
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/runtime"
	kubefake "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
)

var podsResource = corev1.SchemeGroupVersion.WithResource("pods")

// AddBindingReactor makes pod bindings assign the node and move the pod to the given phase.
// The fake clientset does not understand the binding subresource on its own.
func AddBindingReactor(kubeClient *kubefake.Clientset, phase corev1.PodPhase) {
	kubeClient.PrependReactor("create", "pods", func(action clienttesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "binding" {
			return false, nil, nil
		}
		binding := action.(clienttesting.CreateAction).GetObject().(*corev1.Binding)
		obj, err := kubeClient.Tracker().Get(podsResource, binding.Namespace, binding.Name)
		if err != nil {
			return true, nil, err
		}
		pod := obj.(*corev1.Pod).DeepCopy()
		if len(pod.Spec.NodeName) != 0 {
			return true, nil, apierrors.NewConflict(corev1.Resource("pods/binding"), pod.Name, nil)
		}
		pod.Spec.NodeName = binding.Target.Name
		pod.Status.Phase = phase
		return true, binding, kubeClient.Tracker().Update(podsResource, pod, pod.Namespace)
	})
}

// AddEvictionReactor makes evictions delete the pod, and report NotFound for missing pods.
func AddEvictionReactor(kubeClient *kubefake.Clientset) {
	kubeClient.PrependReactor("create", "pods", func(action clienttesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() != "eviction" {
			return false, nil, nil
		}
		obj := action.(clienttesting.CreateAction).GetObject()
		accessor, ok := obj.(interface {
			GetNamespace() string
			GetName() string
		})
		if !ok {
			return true, nil, nil
		}
		if err := kubeClient.Tracker().Delete(podsResource, accessor.GetNamespace(), accessor.GetName()); err != nil {
			return true, nil, err
		}
		return true, nil, nil
	})
}
