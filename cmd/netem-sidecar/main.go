// Copyright 2024 The k8s-netem Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/ERIGrid2/k8s-netem/pkg/addrset"
	"github.com/ERIGrid2/k8s-netem/pkg/config"
	"github.com/ERIGrid2/k8s-netem/pkg/controller"
	"github.com/ERIGrid2/k8s-netem/pkg/emitter"
	"github.com/ERIGrid2/k8s-netem/pkg/flexe"
	"github.com/ERIGrid2/k8s-netem/pkg/reconciler"
)

const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

var validLogLevels = []string{logLevelDebug, logLevelInfo, logLevelWarn, logLevelError}

func main() {
	var kubeconfig *string
	if home := homedir.HomeDir(); home != "" {
		kubeconfig = flag.String("kubeconfig", "", "absolute path to the kubeconfig file (defaults to in-cluster config; falls back to "+home+"/.kube/config)")
	} else {
		kubeconfig = flag.String("kubeconfig", "", "absolute path to the kubeconfig file")
	}

	var (
		apiserverURL = flag.String("apiserver", "", "URL to the Kubernetes API server.")
		logLevel     = flag.String("log-level", logLevelInfo, fmt.Sprintf("Log level to use. Possible values: %s", strings.Join(validLogLevels, ", ")))
		metricsAddr  = flag.String("metrics-addr", ":9090", "Address to emit Prometheus metrics on.")
		iface        = flag.String("interface", "", "Default network interface to manage when a TrafficProfile omits spec.interface. If unset, the first non-loopback interface is used.")
		flexeURL     = flag.String("flexe-url", "", "Websocket URL of an external impairment engine. If unset, the Remote controller type is unavailable.")
		flexeUser    = flag.String("flexe-rest-user", "", "HTTP Basic auth username for the flexe REST side-channel.")
		flexePass    = flag.String("flexe-rest-pass", "", "HTTP Basic auth password for the flexe REST side-channel.")
		flexeAddr    = flag.String("flexe-rest-addr", ":9091", "Address to serve the flexe REST side-channel on.")
	)
	flag.Parse()

	logger, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger failed: %s\n", err)
		os.Exit(2)
	}

	opts := config.FromEnv()
	if *kubeconfig != "" {
		opts.Kubeconfig = *kubeconfig
	}
	if opts.Debug {
		// DEBUG in the environment raises the log level to debug.
		logger, _ = setupLogger(logLevelDebug)
	}
	if err := opts.Validate(); err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(2)
	}

	cfg, err := clientcmd.BuildConfigFromFlags(*apiserverURL, opts.Kubeconfig)
	if err != nil {
		level.Error(logger).Log("msg", "building kubeconfig failed", "err", err)
		os.Exit(1)
	}

	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		level.Error(logger).Log("msg", "building kubernetes client failed", "err", err)
		os.Exit(1)
	}
	dynClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		level.Error(logger).Log("msg", "building dynamic client failed", "err", err)
		os.Exit(1)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	emit := emitter.New(logger)
	store := addrset.New(emit)

	marks := controller.NewMarkCounter()

	registry := controller.NewRegistry()
	registry.Register(controller.BuiltinKind, controller.BuiltinConstructor(emit, logger, marks))

	var flexeClient *flexe.Client
	flexeStore := flexe.NewStore()
	if *flexeURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		flexeClient, err = flexe.Dial(ctx, *flexeURL, logger)
		cancel()
		if err != nil {
			level.Error(logger).Log("msg", "dialling flexe engine failed", "err", err)
			os.Exit(1)
		}
		registry.Register(controller.RemoteKind, controller.RemoteConstructor(flexeClient, logger, marks))
	}

	selfPod, err := client.CoreV1().Pods(opts.PodNamespace).Get(context.Background(), opts.PodName, metav1.GetOptions{})
	if err != nil {
		level.Error(logger).Log("msg", "looking up own pod failed", "pod", opts.PodNamespace+"/"+opts.PodName, "err", err)
		os.Exit(1)
	}

	var g run.Group

	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(func() error {
			select {
			case <-term:
				level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
			case <-cancel:
			}
			return nil
		}, func(err error) {
			close(cancel)
		})
	}

	// Metrics server.
	{
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
		server := &http.Server{Addr: *metricsAddr, Handler: mux}
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	// flexe REST side-channel, only meaningful alongside a Remote controller.
	if *flexeURL != "" {
		router := flexe.NewRouter(flexeStore, *flexeUser, *flexePass)
		server := &http.Server{Addr: *flexeAddr, Handler: router}
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(err error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			server.Shutdown(ctx)
		})
	}

	// Reconciler loop.
	{
		r := reconciler.New(dynClient, client, emit, store, logger, registry, opts, selfPod, *iface)
		r.SetMetricsRegisterer(metrics)
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return r.Run(ctx)
		}, func(err error) {
			cancel()
			if flexeClient != nil {
				flexeClient.Close()
			}
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
}

func setupLogger(lvl string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	switch lvl {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, errors.Errorf("log level %q unknown, must be one of (%s)", lvl, strings.Join(validLogLevels, ", "))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	return logger, nil
}
