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
	"crypto/tls"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/oklog/run"
	"go.uber.org/zap"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ERIGrid2/k8s-netem/pkg/config"
	"github.com/ERIGrid2/k8s-netem/pkg/webhook"
)

func main() {
	var (
		kubeconfig   = flag.String("kubeconfig", "", "absolute path to the kubeconfig file (defaults to in-cluster config)")
		apiserverURL = flag.String("apiserver", "", "URL to the Kubernetes API server.")
		listenAddr   = flag.String("webhook-addr", ":8443", "Address to listen on for admission review requests.")
		injectToAll  = flag.Bool("inject-to-all", false, "Mutate every admitted pod instead of matching against live TrafficProfile podSelectors.")
		debug        = flag.Bool("debug", false, "Enable debug-level logging.")
	)
	flag.Parse()

	zapLevel := zap.NewAtomicLevelAt(zap.InfoLevel)
	if *debug {
		zapLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zapLevel
	zapLog, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "creating logger failed: %s\n", err)
		os.Exit(2)
	}
	logger := zapr.NewLogger(zapLog)

	opts := config.FromEnv()
	if *kubeconfig != "" {
		opts.Kubeconfig = *kubeconfig
	}
	if opts.Debug {
		zapLevel.SetLevel(zap.DebugLevel)
	}

	cfg, err := clientcmd.BuildConfigFromFlags(*apiserverURL, opts.Kubeconfig)
	if err != nil {
		logger.Error(err, "building kubeconfig failed")
		os.Exit(1)
	}

	dynClient, err := dynamic.NewForConfig(cfg)
	if err != nil {
		logger.Error(err, "building dynamic client failed")
		os.Exit(1)
	}

	cert, key, err := opts.LoadCertificate()
	if err != nil {
		logger.Error(err, "loading TLS certificate failed")
		os.Exit(1)
	}
	pair, err := tls.X509KeyPair(cert, key)
	if err != nil {
		logger.Error(err, "parsing TLS certificate failed")
		os.Exit(1)
	}

	lister := webhook.NewDynamicLister(dynClient)
	server := webhook.NewServer(logger, lister, *injectToAll || opts.InjectToAll)

	mux := http.NewServeMux()
	mux.Handle("/mutate", server.Handler())

	httpServer := &http.Server{
		Addr:      *listenAddr,
		Handler:   mux,
		TLSConfig: &tls.Config{Certificates: []tls.Certificate{pair}, MinVersion: tls.VersionTLS12},
	}

	var g run.Group

	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(func() error {
			select {
			case <-term:
				logger.Info("received SIGTERM, exiting gracefully...")
			case <-cancel:
			}
			return nil
		}, func(err error) {
			close(cancel)
		})
	}

	g.Add(func() error {
		return httpServer.ListenAndServeTLS("", "")
	}, func(err error) {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		httpServer.Shutdown(ctx)
	})

	if err := g.Run(); err != nil {
		logger.Error(err, "exit with error")
		os.Exit(1)
	}
}
