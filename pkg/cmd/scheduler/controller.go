package scheduler

import (
	"context"

	"github.com/openshift/library-go/pkg/controller/controllercmd"
	"github.com/spf13/cobra"
	"k8s.io/component-base/version"

	hub "github.com/hybrid-edge/tiered-scheduler/pkg/controllers"
)

// NewController returns the command running the scheduler.
func NewController() *cobra.Command {
	opts := hub.NewSchedulerOptions()
	cmdConfig := controllercmd.
		NewControllerCommandConfig("tiered-scheduler", version.Get(), opts.RunControllerManager)
	// a single replica owns the managed namespace
	cmdConfig.DisableLeaderElection = true

	cmd := cmdConfig.NewCommandWithContext(context.TODO())
	cmd.Use = "controller"
	cmd.Short = "Start the tiered pod scheduler"

	opts.AddFlags(cmd.Flags())
	return cmd
}
