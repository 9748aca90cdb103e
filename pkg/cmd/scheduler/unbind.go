package scheduler

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/hybrid-edge/tiered-scheduler/pkg/cluster"
	"github.com/hybrid-edge/tiered-scheduler/pkg/controllers/scheduling"
)

type unbindOptions struct {
	Kubeconfig string
	Namespace  string
}

func (o *unbindOptions) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.Kubeconfig, "kubeconfig", o.Kubeconfig, "Path to the kubeconfig file. In-cluster config is used when empty.")
	fs.StringVarP(&o.Namespace, "namespace", "n", o.Namespace, "Namespace of the pod.")
}

// NewUnbind returns the command clearing the node assignment of a pod.
func NewUnbind() *cobra.Command {
	o := &unbindOptions{Namespace: scheduling.DefaultNamespace}

	cmd := &cobra.Command{
		Use:   "unbind POD",
		Short: "Clear the node assignment of a pod",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return o.run(cmd.Context(), args[0])
		},
	}
	o.addFlags(cmd.Flags())
	return cmd
}

func (o *unbindOptions) run(ctx context.Context, name string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	config, err := clientcmd.BuildConfigFromFlags("", o.Kubeconfig)
	if err != nil {
		return fmt.Errorf("unable to load kubeconfig: %w", err)
	}
	kubeClient, err := kubernetes.NewForConfig(config)
	if err != nil {
		return err
	}
	return unbind(ctx, kubeClient, o.Namespace, name)
}

func unbind(ctx context.Context, kubeClient kubernetes.Interface, namespace, name string) error {
	cfg := scheduling.DefaultConfig()
	cfg.Namespace = namespace
	binder := scheduling.NewBinder(kubeClient, cluster.NewKubeView(kubeClient), nil, cfg)
	return binder.Unbind(ctx, namespace, name)
}
