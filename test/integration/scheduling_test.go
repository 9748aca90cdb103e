package integration

import (
	"context"
	"fmt"
	"time"

	"github.com/onsi/ginkgo"
	"github.com/onsi/gomega"
	"github.com/openshift/library-go/pkg/controller/controllercmd"
	"github.com/openshift/library-go/pkg/operator/events"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/rand"

	hub "github.com/hybrid-edge/tiered-scheduler/pkg/controllers"
	testinghelpers "github.com/hybrid-edge/tiered-scheduler/pkg/helpers/testing"
)

const (
	schedulerName = "integration-scheduler"
	suiteLabel    = "tiered-scheduler.io/suite"
)

var _ = ginkgo.Describe("Tiered Scheduling", func() {
	var cancel context.CancelFunc
	var namespace string
	var suffix string

	startScheduler := func(strategy string) {
		opts := hub.NewSchedulerOptions()
		opts.SchedulerName = schedulerName
		opts.Namespace = namespace
		opts.Strategy = strategy
		opts.LocalNodeSelector = fmt.Sprintf("node-type=local,%s=%s", suiteLabel, suffix)
		opts.RemoteNodeSelector = fmt.Sprintf("node-type=remote,%s=%s", suiteLabel, suffix)
		opts.RebalanceInterval = 2 * time.Second
		opts.BindConfirmInterval = 500 * time.Millisecond
		opts.BindConfirmRetries = 60
		opts.EvictionSettleDelay = 500 * time.Millisecond
		opts.PendingRetryInterval = time.Second

		var ctx context.Context
		ctx, cancel = context.WithCancel(context.Background())
		go func() {
			defer ginkgo.GinkgoRecover()
			err := opts.RunControllerManager(ctx, &controllercmd.ControllerContext{
				KubeConfig:    restConfig,
				EventRecorder: events.NewInMemoryRecorder("integration"),
			})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())
		}()
	}

	createNode := func(name, tier, cpu string) {
		node := testinghelpers.NewNode(name).WithTier(tier).WithLabel(suiteLabel, suffix).WithAllocatable(cpu, "8Gi").Build()
		created, err := kubeClient.CoreV1().Nodes().Create(context.Background(), node, metav1.CreateOptions{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		created.Status = node.Status
		_, err = kubeClient.CoreV1().Nodes().UpdateStatus(context.Background(), created, metav1.UpdateOptions{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	}

	createPod := func(name, scheduler, cpu string) {
		pod := testinghelpers.NewPod(namespace, name).WithSchedulerName(scheduler).WithRequests(cpu, "128Mi").Build()
		pod.UID = ""
		automount := false
		pod.Spec.AutomountServiceAccountToken = &automount
		_, err := kubeClient.CoreV1().Pods(namespace).Create(context.Background(), pod, metav1.CreateOptions{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	}

	// there is no kubelet, so a bound pod is moved to Running by hand
	assertBoundAndRun := func(name, nodeName string) {
		ginkgo.By(fmt.Sprintf("Check if pod %s is bound to %s", name, nodeName))
		gomega.Eventually(func() error {
			pod, err := kubeClient.CoreV1().Pods(namespace).Get(context.Background(), name, metav1.GetOptions{})
			if err != nil {
				return err
			}
			if pod.Spec.NodeName != nodeName {
				return fmt.Errorf("pod %s is bound to %q", name, pod.Spec.NodeName)
			}
			pod.Status.Phase = corev1.PodRunning
			_, err = kubeClient.CoreV1().Pods(namespace).UpdateStatus(context.Background(), pod, metav1.UpdateOptions{})
			return err
		}, eventuallyTimeout, eventuallyInterval).ShouldNot(gomega.HaveOccurred())
	}

	assertEvicted := func(name string) {
		ginkgo.By(fmt.Sprintf("Check if pod %s is evicted", name))
		gomega.Eventually(func() bool {
			pod, err := kubeClient.CoreV1().Pods(namespace).Get(context.Background(), name, metav1.GetOptions{})
			if errors.IsNotFound(err) {
				return true
			}
			if err != nil {
				return false
			}
			return pod.DeletionTimestamp != nil
		}, eventuallyTimeout, eventuallyInterval).Should(gomega.BeTrue())
	}

	ginkgo.BeforeEach(func() {
		suffix = rand.String(5)
		namespace = fmt.Sprintf("ns-%s", suffix)

		ns := &corev1.Namespace{
			ObjectMeta: metav1.ObjectMeta{
				Name: namespace,
			},
		}
		_, err := kubeClient.CoreV1().Namespaces().Create(context.Background(), ns, metav1.CreateOptions{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		// no service account controller runs against the test apiserver
		sa := &corev1.ServiceAccount{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: namespace,
				Name:      "default",
			},
		}
		_, err = kubeClient.CoreV1().ServiceAccounts(namespace).Create(context.Background(), sa, metav1.CreateOptions{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	})

	ginkgo.AfterEach(func() {
		if cancel != nil {
			cancel()
		}
		err := kubeClient.CoreV1().Namespaces().Delete(context.Background(), namespace, metav1.DeleteOptions{})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())

		err = kubeClient.CoreV1().Nodes().DeleteCollection(context.Background(), metav1.DeleteOptions{}, metav1.ListOptions{
			LabelSelector: fmt.Sprintf("%s=%s", suiteLabel, suffix),
		})
		gomega.Expect(err).ToNot(gomega.HaveOccurred())
	})

	ginkgo.Context("Local-First", func() {
		ginkgo.BeforeEach(func() {
			createNode("local-"+suffix, "local", "1")
			createNode("remote-"+suffix, "remote", "4")
			startScheduler("local-first")
		})

		ginkgo.It("Should bind a pending pod to the local node", func() {
			createPod("pod1", schedulerName, "500m")
			assertBoundAndRun("pod1", "local-"+suffix)
		})

		ginkgo.It("Should fall back to the remote node when the local node is full", func() {
			createPod("pod1", schedulerName, "1")
			assertBoundAndRun("pod1", "local-"+suffix)

			createPod("pod2", schedulerName, "1")
			assertBoundAndRun("pod2", "remote-"+suffix)
		})

		ginkgo.It("Should ignore pods of other schedulers", func() {
			createPod("pod1", "default-scheduler", "500m")

			ginkgo.By("Check if pod1 stays unbound")
			gomega.Consistently(func() string {
				pod, err := kubeClient.CoreV1().Pods(namespace).Get(context.Background(), "pod1", metav1.GetOptions{})
				if err != nil {
					return err.Error()
				}
				return pod.Spec.NodeName
			}, 5, eventuallyInterval).Should(gomega.BeEmpty())
		})

		ginkgo.It("Should move a remote pod back once the local node has room", func() {
			createPod("pod1", schedulerName, "1")
			assertBoundAndRun("pod1", "local-"+suffix)
			createPod("pod2", schedulerName, "1")
			assertBoundAndRun("pod2", "remote-"+suffix)

			zero := int64(0)
			err := kubeClient.CoreV1().Pods(namespace).Delete(context.Background(), "pod1", metav1.DeleteOptions{GracePeriodSeconds: &zero})
			gomega.Expect(err).ToNot(gomega.HaveOccurred())

			assertEvicted("pod2")
		})
	})

	ginkgo.Context("Least-Replica-First", func() {
		ginkgo.BeforeEach(func() {
			createNode("local-"+suffix, "local", "1")
			createNode("remote-"+suffix, "remote", "4")
			startScheduler("least-replica-first")
		})

		ginkgo.It("Should keep a standalone pod on the local node when replica counts tie", func() {
			createPod("pod1", schedulerName, "1")
			assertBoundAndRun("pod1", "local-"+suffix)

			createPod("pod2", schedulerName, "1")
			assertBoundAndRun("pod2", "remote-"+suffix)
		})
	})
})
