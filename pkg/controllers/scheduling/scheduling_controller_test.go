package scheduling

import (
	"context"
	"testing"
	"time"

	"github.com/openshift/library-go/pkg/controller/factory"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/informers"
	kubefake "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"
	"k8s.io/client-go/tools/cache"
	kevents "k8s.io/client-go/tools/events"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	testinghelpers "github.com/hybrid-edge/tiered-scheduler/pkg/helpers/testing"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins/tainttoleration"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins/unschedulable"
)

type testController struct {
	controller *schedulingController
	kubeClient *kubefake.Clientset
	clock      *testingclock.FakeClock
	recorder   *kevents.FakeRecorder
}

func newTestController(t *testing.T, cfg Config, initObjs ...runtime.Object) *testController {
	kubeClient := kubefake.NewSimpleClientset(initObjs...)
	testinghelpers.AddBindingReactor(kubeClient, corev1.PodRunning)
	testinghelpers.AddEvictionReactor(kubeClient)

	kubeInformers := informers.NewSharedInformerFactory(kubeClient, 10*time.Minute)
	podStore := kubeInformers.Core().V1().Pods().Informer().GetStore()
	for _, obj := range initObjs {
		if pod, ok := obj.(*corev1.Pod); ok {
			if err := podStore.Add(pod); err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
		}
	}

	fakeClock := testingclock.NewFakeClock(time.Unix(0, 0))
	recorder := kevents.NewFakeRecorder(10)
	view := cluster.NewKubeView(kubeClient)
	policy := NewPolicy(view, cfg, unschedulable.New(), tainttoleration.New())
	binder := NewBinder(kubeClient, view, recorder, cfg)

	return &testController{
		controller: newSchedulingController(view, policy, binder, kubeInformers.Core().V1().Pods().Lister(), recorder, cfg, fakeClock),
		kubeClient: kubeClient,
		clock:      fakeClock,
		recorder:   recorder,
	}
}

func TestSchedulingControllerSync(t *testing.T) {
	podNamespace, podName := "default", "pod1"
	queueKey := podNamespace + "/" + podName
	replicas := int32(3)

	cases := []struct {
		name            string
		strategy        Strategy
		initObjs        []runtime.Object
		expectedQueued  int
		validateActions func(t *testing.T, actions []clienttesting.Action)
	}{
		{
			name:            "pod not found",
			validateActions: testinghelpers.AssertNoActions,
		},
		{
			name: "pod of another scheduler",
			initObjs: []runtime.Object{
				localNode("local1", "4", "8Gi"),
				testinghelpers.NewPod(podNamespace, podName).WithSchedulerName("default-scheduler").Build(),
			},
			validateActions: testinghelpers.AssertNoActions,
		},
		{
			name: "pod is deleting",
			initObjs: []runtime.Object{
				localNode("local1", "4", "8Gi"),
				pendingPod(podName, "1", "1Gi").WithDeletionTimestamp().Build(),
			},
			validateActions: testinghelpers.AssertNoActions,
		},
		{
			name: "running pod",
			initObjs: []runtime.Object{
				localNode("local1", "4", "8Gi"),
				runningPod(podName, "local1", "1", "1Gi").Build(),
			},
			validateActions: testinghelpers.AssertNoActions,
		},
		{
			name: "pending pod bound to local node",
			initObjs: []runtime.Object{
				localNode("local1", "4", "8Gi"),
				remoteNode("remote1", "4", "8Gi"),
				pendingPod(podName, "1", "1Gi").Build(),
			},
			validateActions: func(t *testing.T, actions []clienttesting.Action) {
				testinghelpers.AssertSubresourceActions(t, actions, "binding")
				binding := testinghelpers.FilterWriteActions(actions)[0].(clienttesting.CreateAction).GetObject().(*corev1.Binding)
				if binding.Target.Name != "local1" || binding.Target.Kind != "Node" {
					t.Errorf("expected binding to local1, but got %#v", binding.Target)
				}
			},
		},
		{
			name: "pending pod falls back to remote node",
			initObjs: []runtime.Object{
				localNode("local1", "1", "8Gi"),
				remoteNode("remote1", "4", "8Gi"),
				runningPod("running1", "local1", "1", "1Gi").Build(),
				pendingPod(podName, "1", "1Gi").Build(),
			},
			validateActions: func(t *testing.T, actions []clienttesting.Action) {
				testinghelpers.AssertSubresourceActions(t, actions, "binding")
				binding := testinghelpers.FilterWriteActions(actions)[0].(clienttesting.CreateAction).GetObject().(*corev1.Binding)
				if binding.Target.Name != "remote1" {
					t.Errorf("expected binding to remote1, but got %#v", binding.Target)
				}
			},
		},
		{
			name: "unplaceable pod is requeued",
			initObjs: []runtime.Object{
				localNode("local1", "1", "1Gi"),
				pendingPod(podName, "2", "1Gi").Build(),
			},
			expectedQueued: 1,
			validateActions: func(t *testing.T, actions []clienttesting.Action) {
				testinghelpers.AssertSubresourceActions(t, actions)
			},
		},
		{
			name:     "larger workload is evicted before binding",
			strategy: LeastReplicaFirst,
			initObjs: []runtime.Object{
				localNode("local1", "1", "8Gi"),
				remoteNode("remote1", "4", "8Gi"),
				&appsv1.Deployment{
					ObjectMeta: metav1.ObjectMeta{Namespace: podNamespace, Name: "web"},
					Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
				},
				runningPod("web-1", "local1", "1", "1Gi").WithOwner(cluster.KindDeployment, "web").Build(),
				pendingPod(podName, "1", "1Gi").Build(),
			},
			validateActions: func(t *testing.T, actions []clienttesting.Action) {
				testinghelpers.AssertSubresourceActions(t, actions, "eviction", "binding")
				binding := testinghelpers.FilterWriteActions(actions)[1].(clienttesting.CreateAction).GetObject().(*corev1.Binding)
				if binding.Target.Name != "local1" {
					t.Errorf("expected binding to local1, but got %#v", binding.Target)
				}
			},
		},
		{
			name: "failed pod is evicted",
			initObjs: []runtime.Object{
				testinghelpers.NewPod(podNamespace, podName).WithSchedulerName(DefaultSchedulerName).WithNode("local1").WithPhase(corev1.PodFailed).Build(),
			},
			validateActions: func(t *testing.T, actions []clienttesting.Action) {
				testinghelpers.AssertSubresourceActions(t, actions, "eviction")
			},
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := newTestConfig()
			cfg.PendingRetryInterval = 0
			if len(c.strategy) > 0 {
				cfg.Strategy = c.strategy
			}
			ctrl := newTestController(t, cfg, c.initObjs...)

			syncCtx := testinghelpers.NewFakeSyncContext(t, queueKey)
			if err := ctrl.controller.sync(context.TODO(), syncCtx); err != nil {
				t.Errorf("unexpected err: %v", err)
			}

			c.validateActions(t, ctrl.kubeClient.Actions())
			if queued := syncCtx.Queue().Len(); queued != c.expectedQueued {
				t.Errorf("expected %d queued keys, but got %d", c.expectedQueued, queued)
			}
		})
	}
}

func TestSchedulingControllerRequeuesAfterEvictionReadError(t *testing.T) {
	replicas := int32(3)
	cfg := newTestConfig()
	cfg.Strategy = LeastReplicaFirst
	cfg.PendingRetryInterval = 0
	ctrl := newTestController(t, cfg,
		localNode("local1", "1", "8Gi"),
		&appsv1.Deployment{
			ObjectMeta: metav1.ObjectMeta{Namespace: "default", Name: "web"},
			Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
		},
		runningPod("web-1", "local1", "1", "1Gi").WithOwner(cluster.KindDeployment, "web").Build(),
		pendingPod("pod1", "1", "1Gi").Build(),
	)

	evicted := false
	ctrl.kubeClient.PrependReactor("create", "pods", func(action clienttesting.Action) (bool, runtime.Object, error) {
		if action.GetSubresource() == "eviction" {
			evicted = true
		}
		return false, nil, nil
	})
	ctrl.kubeClient.PrependReactor("get", "pods", func(action clienttesting.Action) (bool, runtime.Object, error) {
		if evicted && action.(clienttesting.GetAction).GetName() == "pod1" {
			return true, nil, errors.NewServiceUnavailable("apiserver is restarting")
		}
		return false, nil, nil
	})

	syncCtx := testinghelpers.NewFakeSyncContext(t, "default/pod1")
	if err := ctrl.controller.sync(context.TODO(), syncCtx); err != nil {
		t.Errorf("unexpected err: %v", err)
	}

	testinghelpers.AssertSubresourceActions(t, ctrl.kubeClient.Actions(), "eviction")
	if queued := syncCtx.Queue().Len(); queued != 1 {
		t.Errorf("expected pod1 to be requeued, but got %d queued keys", queued)
	}
}

func TestSchedulingControllerRebalance(t *testing.T) {
	cfg := newTestConfig()
	ctrl := newTestController(t, cfg,
		localNode("local1", "4", "8Gi"),
		remoteNode("remote1", "4", "8Gi"),
		runningPod("pod1", "remote1", "1", "1Gi").Build(),
	)
	syncCtx := testinghelpers.NewFakeSyncContext(t, factory.DefaultQueueKey)

	// too early
	if err := ctrl.controller.sync(context.TODO(), syncCtx); err != nil {
		t.Errorf("unexpected err: %v", err)
	}
	testinghelpers.AssertNoActions(t, ctrl.kubeClient.Actions())

	ctrl.clock.Step(cfg.RebalanceInterval)
	if err := ctrl.controller.sync(context.TODO(), syncCtx); err != nil {
		t.Errorf("unexpected err: %v", err)
	}
	testinghelpers.AssertSubresourceActions(t, ctrl.kubeClient.Actions(), "eviction")

	ctrl.kubeClient.ClearActions()
	ctrl.clock.Step(cfg.RebalanceInterval / 2)
	if err := ctrl.controller.sync(context.TODO(), syncCtx); err != nil {
		t.Errorf("unexpected err: %v", err)
	}
	testinghelpers.AssertNoActions(t, ctrl.kubeClient.Actions())
}

func TestSchedulingControllerRebalanceGate(t *testing.T) {
	cfg := newTestConfig()
	ctrl := newTestController(t, cfg,
		localNode("local1", "4", "8Gi"),
		remoteNode("remote1", "4", "8Gi"),
		runningPod("pod1", "remote1", "1", "1Gi").Build(),
		pendingPod("pod2", "100m", "1Mi").Build(),
	)

	ctrl.clock.Step(cfg.RebalanceInterval)
	if err := ctrl.controller.sync(context.TODO(), testinghelpers.NewFakeSyncContext(t, factory.DefaultQueueKey)); err != nil {
		t.Errorf("unexpected err: %v", err)
	}
	testinghelpers.AssertSubresourceActions(t, ctrl.kubeClient.Actions())
}

func TestManagedFilter(t *testing.T) {
	ctrl := newTestController(t, newTestConfig())

	cases := []struct {
		name     string
		obj      interface{}
		expected bool
	}{
		{name: "tagged pod", obj: pendingPod("pod1", "", "").Build(), expected: true},
		{name: "other scheduler", obj: testinghelpers.NewPod("default", "pod1").WithSchedulerName("default-scheduler").Build()},
		{name: "other namespace", obj: testinghelpers.NewPod("kube-system", "pod1").WithSchedulerName(DefaultSchedulerName).Build()},
		{name: "tombstone", obj: cache.DeletedFinalStateUnknown{Key: "default/pod1", Obj: pendingPod("pod1", "", "").Build()}, expected: true},
		{name: "not a pod", obj: localNode("local1", "1", "1Gi")},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if actual := ctrl.controller.managed(c.obj); actual != c.expected {
				t.Errorf("expected %v, but got %v", c.expected, actual)
			}
		})
	}
}
