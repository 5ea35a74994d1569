package main

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/nebari-dev/asg-node-drainer/internal/kubernetes"
	"github.com/nebari-dev/asg-node-drainer/internal/lifecycle"
)

// Options collects the program options/parameters.
type Options struct {
	debug  bool
	dryRun bool
	listen string

	kubecfg   string
	apiserver string

	awsRegion  string
	queueURL   string
	groupNames []string

	pollInterval     time.Duration
	heartbeatTimeout time.Duration
	maxExtensions    int

	minEvictionTimeout   time.Duration
	evictionHeadroom     time.Duration
	maxParallelEvictions int

	expiredAction string
	expiredResult lifecycle.Result
}

func optionsFromFlags() (*Options, *pflag.FlagSet) {
	var (
		fs  pflag.FlagSet
		opt Options
	)
	fs.BoolVar(&opt.debug, "debug", false, "Run with debug logging.")
	fs.BoolVar(&opt.dryRun, "dry-run", false, "Handle notices and emit events without cordoning or draining nodes.")
	fs.StringVar(&opt.listen, "listen", ":10002", "Address at which to expose /metrics and /healthz.")

	fs.StringVar(&opt.kubecfg, "kubeconfig", "", "Path to kubeconfig file. Leave unset to use in-cluster config.")
	fs.StringVar(&opt.apiserver, "master", "", "Address of Kubernetes API server. Leave unset to use in-cluster config.")

	fs.StringVar(&opt.awsRegion, "aws-region", "", "AWS region of the queue and autoscaling groups. Leave unset to use the SDK default chain.")
	fs.StringVar(&opt.queueURL, "queue-url", "", "URL of the SQS queue receiving lifecycle hook notifications.")
	fs.StringSliceVar(&opt.groupNames, "group-names", []string{}, "Autoscaling groups whose notices are handled. May be specified multiple times. Empty means all groups.")

	fs.DurationVar(&opt.pollInterval, "poll-interval", 5*time.Second, "Pacing between queue polls. The receive call itself long-polls.")
	fs.DurationVar(&opt.heartbeatTimeout, "heartbeat-timeout", 5*time.Minute, "Heartbeat timeout configured on the lifecycle hook. Sets the initial drain deadline and the length of each extension.")
	fs.IntVar(&opt.maxExtensions, "max-extensions", 3, "Maximum number of heartbeat extensions per drain.")

	fs.DurationVar(&opt.minEvictionTimeout, "min-eviction-timeout", kubernetes.DefaultMaxGracePeriod, "Minimum time we wait to evict a pod. The pod terminationGracePeriod will be used if it is smaller.")
	fs.DurationVar(&opt.evictionHeadroom, "eviction-headroom", kubernetes.DefaultEvictionOverhead, "Additional time to wait after a pod's termination grace period for it to have been deleted.")
	fs.IntVar(&opt.maxParallelEvictions, "max-parallel-evictions", kubernetes.DefaultMaxParallelEvictions, "Maximum number of concurrent pod evictions per drained node.")

	fs.StringVar(&opt.expiredAction, "expired-action", string(lifecycle.ResultContinue), "Lifecycle action result reported when the drain deadline expires with pods remaining: CONTINUE or ABANDON.")

	return &opt, &fs
}

func (o *Options) Validate() error {
	if o.queueURL == "" {
		return fmt.Errorf("--queue-url must be defined and not empty")
	}
	if o.heartbeatTimeout <= 0 {
		return fmt.Errorf("--heartbeat-timeout must be positive")
	}
	if o.maxExtensions < 0 {
		return fmt.Errorf("--max-extensions must not be negative")
	}
	var err error
	if o.expiredResult, err = lifecycle.ParseResult(o.expiredAction); err != nil {
		return fmt.Errorf("cannot parse 'expired-action' argument: %v", err)
	}
	return nil
}
