package hub

import (
	"context"
	"net/http"

	"github.com/openshift/library-go/pkg/controller/controllercmd"
	"k8s.io/apiserver/pkg/server/mux"
	"k8s.io/client-go/informers"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/events"
	"k8s.io/klog/v2"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	"github.com/hybrid-edge/tiered-scheduler/pkg/controllers/scheduling"
	"github.com/hybrid-edge/tiered-scheduler/pkg/debugger"
	"github.com/hybrid-edge/tiered-scheduler/pkg/webhook"
)

// RunControllerManager starts the scheduler and blocks until ctx is done.
func (o *SchedulerOptions) RunControllerManager(ctx context.Context, controllerContext *controllercmd.ControllerContext) error {
	if err := o.Complete(); err != nil {
		return err
	}
	if err := o.Validate(); err != nil {
		return err
	}
	cfg := o.SchedulingConfig()

	kubeClient, err := kubernetes.NewForConfig(controllerContext.KubeConfig)
	if err != nil {
		return err
	}

	kubeInformers := informers.NewSharedInformerFactoryWithOptions(kubeClient, o.ResyncPeriod, informers.WithNamespace(cfg.Namespace))

	broadcaster := events.NewBroadcaster(&events.EventSinkImpl{Interface: kubeClient.EventsV1()})

	broadcaster.StartRecordingToSink(ctx.Done())

	recorder := broadcaster.NewRecorder(scheme.Scheme, cfg.SchedulerName)

	view := cluster.NewKubeView(kubeClient)
	policy := scheduling.NewPolicy(view, cfg, o.Filters()...)
	binder := scheduling.NewBinder(kubeClient, view, recorder, cfg)

	if controllerContext.Server != nil {
		pathMux := controllerContext.Server.Handler.NonGoRestfulMux
		installDebugger(pathMux, debugger.NewDebugger(view, policy))
		if o.EnablePodWebhook {
			installWebhook(pathMux, webhook.NewPodMutatingAdmissionHook(cfg.SchedulerName, cfg.Namespace))
		}
	}

	schedulingController := scheduling.NewSchedulingController(
		view,
		policy,
		binder,
		kubeInformers.Core().V1().Pods(),
		recorder,
		controllerContext.EventRecorder,
		cfg,
	)

	klog.Infof("Starting scheduler %q for namespace %q with strategy %q", cfg.SchedulerName, cfg.Namespace, cfg.Strategy)

	go kubeInformers.Start(ctx.Done())

	go schedulingController.Run(ctx, 1)

	<-ctx.Done()
	return nil
}

func installDebugger(mux *mux.PathRecorderMux, d *debugger.Debugger) {
	mux.HandlePrefix(debugger.DebugPath, http.HandlerFunc(d.Handler))
}

func installWebhook(mux *mux.PathRecorderMux, hook *webhook.PodMutatingAdmissionHook) {
	mux.Handle(webhook.WebhookPath, hook)
}
