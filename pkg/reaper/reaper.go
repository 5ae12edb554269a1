// Package reaper implements the Reaper (REAP): a long-lived background
// loop that scales an idle group of deployments back to zero once its
// namespace has been idle past the configured inactivity timeout.
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opsfleet/wakeproxy/pkg/activity"
	"github.com/opsfleet/wakeproxy/pkg/k8s"
)

// settleDelay is how long the reaper waits after startup before its first
// sweep, giving the rest of the process time to finish initializing.
const settleDelay = 5 * time.Second

// Reaper periodically scans the Activity Clock and scales down any
// namespace that has been idle past InactivityTimeout.
type Reaper struct {
	client k8s.Client
	clock  *activity.Clock

	groupServices     []string
	scaleDownReplicas int32
	inactivityTimeout time.Duration
	checkInterval     time.Duration
}

// New constructs a Reaper. groupServices is the full set of deployments
// scaled down together for a namespace — always the configured group, not
// whatever the clock happens to have observed.
func New(client k8s.Client, clock *activity.Clock, groupServices []string, scaleDownReplicas int32, inactivityTimeout, checkInterval time.Duration) *Reaper {
	return &Reaper{
		client:            client,
		clock:             clock,
		groupServices:     groupServices,
		scaleDownReplicas: scaleDownReplicas,
		inactivityTimeout: inactivityTimeout,
		checkInterval:     checkInterval,
	}
}

// Run blocks forever, sweeping idle namespaces at CheckInterval. It only
// returns when ctx is canceled. Errors within a single sweep are logged
// and absorbed; they never stop the loop.
func (r *Reaper) Run(ctx context.Context) {
	logrus.Info("reaper: started, waiting for initial settle delay")
	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return
	}

	ticker := time.NewTicker(r.checkInterval)
	defer ticker.Stop()

	for {
		r.sweep(ctx)
		select {
		case <-ticker.C:
		case <-ctx.Done():
			logrus.Info("reaper: stopping")
			return
		}
	}
}

// sweep runs one pass over the Activity Clock, scaling down every
// namespace idle past the inactivity timeout.
func (r *Reaper) sweep(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			logrus.Errorf("reaper: recovered from panic during sweep: %v", rec)
		}
	}()

	for namespace, lastSeen := range r.clock.Snapshot() {
		if time.Since(lastSeen) <= r.inactivityTimeout {
			continue
		}
		logrus.WithField("namespace", namespace).Info("inactivity timeout reached, scaling down services")
		r.scaleDownGroup(ctx, namespace)
		r.clock.Evict(namespace)
	}
}

// scaleDownGroup patches every configured service in namespace to
// ScaleDownReplicas, concurrently and with per-service failure isolation
// exactly like ACTL's wake fan-out.
func (r *Reaper) scaleDownGroup(ctx context.Context, namespace string) {
	eg := &errgroup.Group{}
	for _, svc := range r.groupServices {
		svc := svc
		eg.Go(func() error {
			r.scaleDownOne(ctx, namespace, svc)
			return nil
		})
	}
	_ = eg.Wait()
}

func (r *Reaper) scaleDownOne(ctx context.Context, namespace, service string) {
	log := logrus.WithFields(logrus.Fields{"namespace": namespace, "service": service})

	replicas, err := r.client.ReadReplicas(ctx, namespace, service)
	if err != nil {
		if k8s.IsNotFound(err) {
			log.Debug("deployment not found, nothing to scale down")
			return
		}
		log.WithError(err).Warn("could not read current replica count, skipping")
		return
	}
	if replicas == r.scaleDownReplicas {
		log.Debug("already at scale_down_replicas, skipping")
		return
	}

	log.WithField("scale_down_replicas", r.scaleDownReplicas).Info("scaling down")
	if err := r.client.PatchReplicas(ctx, namespace, service, r.scaleDownReplicas); err != nil {
		log.WithError(err).Error("error patching replicas during scale-down")
	}
}
