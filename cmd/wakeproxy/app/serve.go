/*
Copyright 2018 Heptio Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package app

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opsfleet/wakeproxy/pkg/activation"
	"github.com/opsfleet/wakeproxy/pkg/activity"
	"github.com/opsfleet/wakeproxy/pkg/config"
	"github.com/opsfleet/wakeproxy/pkg/errlog"
	"github.com/opsfleet/wakeproxy/pkg/forward"
	"github.com/opsfleet/wakeproxy/pkg/gateway"
	"github.com/opsfleet/wakeproxy/pkg/k8s"
	"github.com/opsfleet/wakeproxy/pkg/reaper"
)

func newServeCommand() *cobra.Command {
	var addr string
	var logLevel string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the activation proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := errlog.SetLevel(logLevel); err != nil {
				return err
			}
			return runServe(addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "address the proxy listens on")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level: panic, fatal, error, warn, info, debug, trace")
	return cmd
}

func runServe(addr string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "loading configuration")
	}

	if cfg.ErrorLogPath != "" {
		if err := errlog.AddErrorSinkFile(cfg.ErrorLogPath); err != nil {
			logrus.WithError(err).Warn("could not open error log sink, continuing with the primary log output only")
		}
	}

	var ready int32
	client, err := k8s.NewInCluster()
	if err != nil {
		logrus.WithError(err).Error("could not initialize kubernetes client; health checks will report not-ready")
	} else {
		atomic.StoreInt32(&ready, 1)
	}
	k8sReady := func() bool { return atomic.LoadInt32(&ready) == 1 }

	clock := activity.NewClock()
	ctl := activation.NewController(client, cfg.PodSelectorKeys)
	fwd := forward.New(cfg.UpstreamHost(), cfg.TargetPort, cfg.ForwardTimeout)
	reap := reaper.New(client, clock, cfg.GroupServices, cfg.ScaleDownReplicas, cfg.InactivityTimeout, cfg.CheckInterval)
	gw := gateway.New(clock, ctl, fwd, k8sReady, cfg.Namespace, cfg.GroupServices, cfg.PrimaryService, cfg.ScaleUpReplicas, cfg.MaxScaleupWait)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go reap.Run(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: gw,
	}

	go func() {
		logrus.WithField("addr", addr).Info("wakeproxy: listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("wakeproxy: server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	logrus.Info("wakeproxy: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
