/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
implied. See the License for the specific language governing permissions
and limitations under the License.
*/

// asg-node-drainer drains Kubernetes nodes whose EC2 instances were selected
// for termination by their autoscaling group, then completes the pending
// lifecycle action so the autoscaler can proceed.
package main

import (
	"context"
	"os"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	client "k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/nebari-dev/asg-node-drainer/internal/coordinator"
	"github.com/nebari-dev/asg-node-drainer/internal/kubernetes"
	"github.com/nebari-dev/asg-node-drainer/internal/lifecycle"
	"github.com/nebari-dev/asg-node-drainer/internal/queue"
)

func main() {
	options, fs := optionsFromFlags()

	root := &cobra.Command{
		Use:          kubernetes.Component,
		Short:        "Drains nodes ahead of autoscaling group scale-in.",
		SilenceUsage: true,
	}
	root.PersistentFlags().AddFlagSet(fs)
	root.RunE = func(cmd *cobra.Command, args []string) error {
		return runMain(options)
	}

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(options *Options) error {
	if err := options.Validate(); err != nil {
		return err
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	log, err := zapConfig.Build()
	if options.debug {
		log, err = zap.NewDevelopment()
	}
	if err != nil {
		return errors.Wrap(err, "cannot create log")
	}
	defer log.Sync() // nolint:errcheck // no check required on program exit

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	restCfg, err := clientcmd.BuildConfigFromFlags(options.apiserver, options.kubecfg)
	if err != nil {
		return errors.Wrap(err, "cannot create Kubernetes client configuration")
	}
	cs, err := client.NewForConfig(restCfg)
	if err != nil {
		return errors.Wrap(err, "cannot create Kubernetes client")
	}

	var awsOpts []func(*awsconfig.LoadOptions) error
	if options.awsRegion != "" {
		awsOpts = append(awsOpts, awsconfig.WithRegion(options.awsRegion))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsOpts...)
	if err != nil {
		return errors.Wrap(err, "cannot load AWS configuration")
	}

	web, err := buildObservabilityServer(options.listen, log)
	if err != nil {
		return err
	}

	nodeWatch := kubernetes.NewNodeWatch(ctx, cs)
	lifecycleClient := lifecycle.NewClient(autoscaling.NewFromConfig(awsCfg), log)
	instances := lifecycle.NewInstanceResolver(ec2.NewFromConfig(awsCfg), log)
	resolver := kubernetes.NewNodeResolver(nodeWatch, instances, log)
	consumer := queue.NewConsumer(sqs.NewFromConfig(awsCfg), options.queueURL, queue.WithLogger(log))

	var cordonDrainer kubernetes.CordonDrainer = kubernetes.NewAPICordonDrainer(cs,
		kubernetes.MaxGracePeriod(options.minEvictionTimeout),
		kubernetes.EvictionHeadroom(options.evictionHeadroom),
		kubernetes.MaxParallelEvictions(options.maxParallelEvictions))
	if options.dryRun {
		log.Info("Running in dry-run mode: nodes will not be cordoned or drained")
		cordonDrainer = &kubernetes.NoopCordonDrainer{}
	}

	coord := coordinator.NewCoordinator(coordinator.Config{
		LeaseDuration: options.heartbeatTimeout,
		MaxExtensions: options.maxExtensions,
		ExpiredResult: options.expiredResult,
		DryRun:        options.dryRun,
	}, cordonDrainer, resolver, lifecycleClient, consumer,
		coordinator.WithLogger(log),
		coordinator.WithEventRecorder(kubernetes.BuildEventRecorder(cs)))
	poller := coordinator.NewPoller(consumer, coord, options.groupNames, options.pollInterval, log)

	var g run.Group
	g.Add(run.SignalHandler(ctx, os.Interrupt, syscall.SIGTERM))
	{
		stopCh := make(chan struct{})
		g.Add(func() error {
			nodeWatch.Run(stopCh)
			return nil
		}, func(error) {
			close(stopCh)
		})
	}
	{
		webCtx, webCancel := context.WithCancel(ctx)
		g.Add(func() error {
			log.Info("Serving observability endpoints", zap.String("listen", options.listen))
			return web.Run(webCtx)
		}, func(error) {
			webCancel()
		})
	}
	{
		pollCtx, pollCancel := context.WithCancel(ctx)
		g.Add(func() error {
			log.Info("Waiting for node cache to sync")
			if err := kubernetes.Await(pollCtx, nodeWatch); err != nil {
				return err
			}
			log.Info("Watching notification queue", zap.String("queue_url", options.queueURL))
			poller.Run(pollCtx)
			coord.Wait()
			return nil
		}, func(error) {
			pollCancel()
		})
	}

	if err := g.Run(); err != nil {
		if _, ok := err.(run.SignalError); ok {
			log.Info("Shutting down", zap.String("reason", err.Error()))
			return nil
		}
		log.Error("Exiting on error", zap.Error(err))
		return err
	}
	return nil
}
