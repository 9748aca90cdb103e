package hub

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"sigs.k8s.io/yaml"

	"github.com/hybrid-edge/tiered-scheduler/pkg/controllers/scheduling"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins/tainttoleration"
	"github.com/hybrid-edge/tiered-scheduler/pkg/plugins/unschedulable"
)

const (
	envSchedulerName     = "SCHEDULER_NAME"
	envStrategy          = "SCHEDULER_STRATEGY"
	envRebalanceInterval = "REBALANCE_INTERVAL"
)

// SchedulerOptions holds the scheduler configuration. Values come from, in increasing order of
// precedence: defaults, the environment, the config file and explicit flags.
type SchedulerOptions struct {
	SchedulerName         string
	Namespace             string
	Strategy              string
	RebalanceInterval     time.Duration
	BindConfirmRetries    int
	BindConfirmInterval   time.Duration
	EvictionSettleRetries int
	EvictionSettleDelay   time.Duration
	PendingRetryInterval  time.Duration
	LocalNodeSelector     string
	RemoteNodeSelector    string
	RespectTaints         bool
	ResyncPeriod          time.Duration
	EnablePodWebhook      bool
	ConfigFile            string

	flags *pflag.FlagSet
}

// fileOptions is the layout of the --scheduler-config file. Absent keys keep their value.
type fileOptions struct {
	SchedulerName         *string          `json:"schedulerName,omitempty"`
	Namespace             *string          `json:"namespace,omitempty"`
	Strategy              *string          `json:"strategy,omitempty"`
	RebalanceInterval     *metav1.Duration `json:"rebalanceInterval,omitempty"`
	BindConfirmRetries    *int             `json:"bindConfirmRetries,omitempty"`
	BindConfirmInterval   *metav1.Duration `json:"bindConfirmInterval,omitempty"`
	EvictionSettleRetries *int             `json:"evictionSettleRetries,omitempty"`
	EvictionSettleDelay   *metav1.Duration `json:"evictionSettleDelay,omitempty"`
	PendingRetryInterval  *metav1.Duration `json:"pendingRetryInterval,omitempty"`
	LocalNodeSelector     *string          `json:"localNodeSelector,omitempty"`
	RemoteNodeSelector    *string          `json:"remoteNodeSelector,omitempty"`
	RespectTaints         *bool            `json:"respectTaints,omitempty"`
	ResyncPeriod          *metav1.Duration `json:"resyncPeriod,omitempty"`
	EnablePodWebhook      *bool            `json:"enablePodWebhook,omitempty"`
}

// NewSchedulerOptions returns the defaults overridden by the environment.
func NewSchedulerOptions() *SchedulerOptions {
	return newSchedulerOptions(os.Getenv)
}

func newSchedulerOptions(getenv func(string) string) *SchedulerOptions {
	defaults := scheduling.DefaultConfig()
	o := &SchedulerOptions{
		SchedulerName:         defaults.SchedulerName,
		Namespace:             defaults.Namespace,
		Strategy:              string(defaults.Strategy),
		RebalanceInterval:     defaults.RebalanceInterval,
		BindConfirmRetries:    defaults.BindConfirm.Count,
		BindConfirmInterval:   defaults.BindConfirm.Interval,
		EvictionSettleRetries: defaults.EvictionSettle.Count,
		EvictionSettleDelay:   defaults.EvictionSettle.Interval,
		PendingRetryInterval:  defaults.PendingRetryInterval,
		LocalNodeSelector:     defaults.LocalNodeSelector,
		RemoteNodeSelector:    defaults.RemoteNodeSelector,
		RespectTaints:         true,
		ResyncPeriod:          10 * time.Minute,
	}

	if v := getenv(envSchedulerName); len(v) != 0 {
		o.SchedulerName = v
	}
	if v := getenv(envStrategy); len(v) != 0 {
		o.Strategy = v
	}
	if v := getenv(envRebalanceInterval); len(v) != 0 {
		if d, err := parseSeconds(v); err != nil {
			klog.Warningf("Ignoring %s=%q: %v", envRebalanceInterval, v, err)
		} else {
			o.RebalanceInterval = d
		}
	}
	return o
}

// parseSeconds accepts a plain number of seconds or a duration string.
func parseSeconds(v string) (time.Duration, error) {
	if seconds, err := strconv.Atoi(v); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}
	return time.ParseDuration(v)
}

func (o *SchedulerOptions) AddFlags(fs *pflag.FlagSet) {
	o.flags = fs
	fs.StringVar(&o.SchedulerName, "scheduler-name", o.SchedulerName,
		"Only pods naming this scheduler in spec.schedulerName are placed.")
	fs.StringVar(&o.Namespace, "namespace", o.Namespace,
		"The namespace whose pods are placed, evicted and rebalanced.")
	fs.StringVar(&o.Strategy, "strategy", o.Strategy,
		fmt.Sprintf("Placement strategy when no local node has room, %q or %q.", scheduling.LocalFirst, scheduling.LeastReplicaFirst))
	fs.DurationVar(&o.RebalanceInterval, "rebalance-interval", o.RebalanceInterval,
		"Minimum time between two passes moving pods from remote nodes back to local nodes.")
	fs.IntVar(&o.BindConfirmRetries, "bind-confirm-retries", o.BindConfirmRetries,
		"How many times a bound pod is checked for Running before it is evicted.")
	fs.DurationVar(&o.BindConfirmInterval, "bind-confirm-interval", o.BindConfirmInterval,
		"Time between two Running checks of a bound pod.")
	fs.IntVar(&o.EvictionSettleRetries, "eviction-settle-retries", o.EvictionSettleRetries,
		"Maximum number of evictions made to place one pod.")
	fs.DurationVar(&o.EvictionSettleDelay, "eviction-settle-delay", o.EvictionSettleDelay,
		"Time to wait after an eviction before deciding again.")
	fs.DurationVar(&o.PendingRetryInterval, "pending-retry-interval", o.PendingRetryInterval,
		"Time to wait before retrying a pod that could not be placed.")
	fs.StringVar(&o.LocalNodeSelector, "local-node-selector", o.LocalNodeSelector,
		"Label selector of the local nodes.")
	fs.StringVar(&o.RemoteNodeSelector, "remote-node-selector", o.RemoteNodeSelector,
		"Label selector of the remote nodes.")
	fs.BoolVar(&o.RespectTaints, "respect-taints", o.RespectTaints,
		"Skip cordoned nodes and nodes with NoSchedule or NoExecute taints the pod does not tolerate.")
	fs.DurationVar(&o.ResyncPeriod, "resync-period", o.ResyncPeriod,
		"Resync period of the pod informer.")
	fs.BoolVar(&o.EnablePodWebhook, "enable-pod-webhook", o.EnablePodWebhook,
		"Serve a pod mutating admission hook that sets spec.schedulerName to this scheduler.")
	fs.StringVar(&o.ConfigFile, "scheduler-config", o.ConfigFile,
		"Path to a YAML file with the same settings in camelCase. Explicit flags take precedence.")
}

// Complete applies the config file to every setting not given as a flag.
func (o *SchedulerOptions) Complete() error {
	if len(o.ConfigFile) == 0 {
		return nil
	}

	data, err := os.ReadFile(o.ConfigFile)
	if err != nil {
		return fmt.Errorf("unable to read scheduler config %q: %w", o.ConfigFile, err)
	}
	file := &fileOptions{}
	if err := yaml.UnmarshalStrict(data, file); err != nil {
		return fmt.Errorf("unable to parse scheduler config %q: %w", o.ConfigFile, err)
	}

	setString(o.unset("scheduler-name"), &o.SchedulerName, file.SchedulerName)
	setString(o.unset("namespace"), &o.Namespace, file.Namespace)
	setString(o.unset("strategy"), &o.Strategy, file.Strategy)
	setDuration(o.unset("rebalance-interval"), &o.RebalanceInterval, file.RebalanceInterval)
	setInt(o.unset("bind-confirm-retries"), &o.BindConfirmRetries, file.BindConfirmRetries)
	setDuration(o.unset("bind-confirm-interval"), &o.BindConfirmInterval, file.BindConfirmInterval)
	setInt(o.unset("eviction-settle-retries"), &o.EvictionSettleRetries, file.EvictionSettleRetries)
	setDuration(o.unset("eviction-settle-delay"), &o.EvictionSettleDelay, file.EvictionSettleDelay)
	setDuration(o.unset("pending-retry-interval"), &o.PendingRetryInterval, file.PendingRetryInterval)
	setString(o.unset("local-node-selector"), &o.LocalNodeSelector, file.LocalNodeSelector)
	setString(o.unset("remote-node-selector"), &o.RemoteNodeSelector, file.RemoteNodeSelector)
	setBool(o.unset("respect-taints"), &o.RespectTaints, file.RespectTaints)
	setDuration(o.unset("resync-period"), &o.ResyncPeriod, file.ResyncPeriod)
	setBool(o.unset("enable-pod-webhook"), &o.EnablePodWebhook, file.EnablePodWebhook)
	return nil
}

func (o *SchedulerOptions) unset(name string) bool {
	return o.flags == nil || !o.flags.Changed(name)
}

func setString(apply bool, dst *string, src *string) {
	if apply && src != nil {
		*dst = *src
	}
}

func setInt(apply bool, dst *int, src *int) {
	if apply && src != nil {
		*dst = *src
	}
}

func setBool(apply bool, dst *bool, src *bool) {
	if apply && src != nil {
		*dst = *src
	}
}

func setDuration(apply bool, dst *time.Duration, src *metav1.Duration) {
	if apply && src != nil {
		*dst = src.Duration
	}
}

func (o *SchedulerOptions) Validate() error {
	errs := []error{}
	if len(o.SchedulerName) == 0 {
		errs = append(errs, fmt.Errorf("scheduler name must not be empty"))
	}
	if len(o.Namespace) == 0 {
		errs = append(errs, fmt.Errorf("namespace must not be empty"))
	}
	switch scheduling.Strategy(o.Strategy) {
	case scheduling.LocalFirst, scheduling.LeastReplicaFirst:
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q, expected %q or %q", o.Strategy, scheduling.LocalFirst, scheduling.LeastReplicaFirst))
	}
	if o.RebalanceInterval <= 0 {
		errs = append(errs, fmt.Errorf("rebalance interval must be positive, got %s", o.RebalanceInterval))
	}
	if o.BindConfirmRetries < 1 {
		errs = append(errs, fmt.Errorf("bind confirm retries must be at least 1, got %d", o.BindConfirmRetries))
	}
	if o.BindConfirmInterval <= 0 {
		errs = append(errs, fmt.Errorf("bind confirm interval must be positive, got %s", o.BindConfirmInterval))
	}
	if o.EvictionSettleRetries < 0 {
		errs = append(errs, fmt.Errorf("eviction settle retries must not be negative, got %d", o.EvictionSettleRetries))
	}
	if o.EvictionSettleDelay < 0 {
		errs = append(errs, fmt.Errorf("eviction settle delay must not be negative, got %s", o.EvictionSettleDelay))
	}
	if o.PendingRetryInterval < 0 {
		errs = append(errs, fmt.Errorf("pending retry interval must not be negative, got %s", o.PendingRetryInterval))
	}
	for _, s := range []struct{ tier, selector string }{
		{tier: "local", selector: o.LocalNodeSelector},
		{tier: "remote", selector: o.RemoteNodeSelector},
	} {
		if len(s.selector) == 0 {
			errs = append(errs, fmt.Errorf("%s node selector must not be empty", s.tier))
			continue
		}
		if _, err := labels.Parse(s.selector); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s node selector %q: %v", s.tier, s.selector, err))
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (o *SchedulerOptions) SchedulingConfig() scheduling.Config {
	return scheduling.Config{
		SchedulerName:        o.SchedulerName,
		Namespace:            o.Namespace,
		Strategy:             scheduling.Strategy(o.Strategy),
		LocalNodeSelector:    o.LocalNodeSelector,
		RemoteNodeSelector:   o.RemoteNodeSelector,
		RebalanceInterval:    o.RebalanceInterval,
		PendingRetryInterval: o.PendingRetryInterval,
		BindConfirm:          scheduling.Retry{Count: o.BindConfirmRetries, Interval: o.BindConfirmInterval},
		EvictionSettle:       scheduling.Retry{Count: o.EvictionSettleRetries, Interval: o.EvictionSettleDelay},
	}
}

// Filters returns the node filters enabled by the options.
func (o *SchedulerOptions) Filters() []plugins.Filter {
	if !o.RespectTaints {
		return nil
	}
	return []plugins.Filter{unschedulable.New(), tainttoleration.New()}
}
