// Package activation implements the Activation Controller (ACTL): it drives
// a group of deployments from zero replicas to ready, with lease-based
// mutual exclusion and bounded wait.
package activation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/opsfleet/wakeproxy/pkg/k8s"
)

// perServiceWaitBudget bounds the best-effort local readiness poll a wake
// task performs for its own service. It is separate from, and does not
// borrow time from, the primary's max_scaleup_wait.
const perServiceWaitBudget = 30 * time.Second

// settleDelay is how long a wake task waits after patching replicas before
// it starts polling, giving the orchestrator time to create pods.
const settleDelay = 1 * time.Second

// Controller is the Activation Controller. A single Controller is shared by
// every request the admission surface receives, so that concurrent
// first-request arrivals serialize through the same lease-acquisition and
// readiness-polling logic (at-most-one concurrent activator per service is
// enforced by the orchestrator lease, not by this struct).
type Controller struct {
	client         k8s.Client
	selectorKeys   []string
	holderIdentity string

	mu                 sync.Mutex
	forbiddenNamespace map[string]bool
}

// NewController constructs an ACTL. selectorKeys is the ordered,
// fallback list of pod label keys tried during readiness polling.
func NewController(client k8s.Client, selectorKeys []string) *Controller {
	return &Controller{
		client:             client,
		selectorKeys:       selectorKeys,
		holderIdentity:     fmt.Sprintf("wakeproxy-%s", uuid.New().String()),
		forbiddenNamespace: make(map[string]bool),
	}
}

// Activate idempotently drives every service in services from 0 toward
// scaleUpReplicas, and returns true iff primary has at least one ready pod
// within maxScaleupWait. Per-service failures are absorbed and never
// prevent attempts on the others; the only signal ACTL surfaces is primary
// readiness.
func (c *Controller) Activate(ctx context.Context, namespace string, services []string, primary string, scaleUpReplicas int32, maxScaleupWait time.Duration) bool {
	eg := &errgroup.Group{}
	for _, svc := range services {
		svc := svc
		eg.Go(func() error {
			c.wakeService(ctx, namespace, svc, scaleUpReplicas)
			// Per-service errors are logged inside wakeService and never
			// propagated here: one failing sibling must not cancel or
			// short-circuit the others.
			return nil
		})
	}
	_ = eg.Wait()

	return c.waitReady(ctx, namespace, primary, maxScaleupWait)
}

// wakeService runs one service's wake-up state machine: read current
// replicas, skip if already scaled, otherwise acquire the scaling lease,
// patch replicas, and make a best-effort local readiness check.
func (c *Controller) wakeService(ctx context.Context, namespace, service string, scaleUpReplicas int32) {
	log := logrus.WithFields(logrus.Fields{"namespace": namespace, "service": service})

	replicas, err := c.client.ReadReplicas(ctx, namespace, service)
	if err != nil && !k8s.IsNotFound(err) {
		log.WithError(err).Warn("could not read current replica count, skipping this cycle")
		return
	}
	if err == nil && replicas >= scaleUpReplicas {
		log.Debug("already at or above scale_up_replicas, nothing to do")
		return
	}

	ok, err := c.acquireLease(ctx, namespace, service)
	if err != nil || !ok {
		log.WithError(err).Warn("failed to acquire scaling lease, skipping this cycle")
		return
	}

	log.WithField("scale_up_replicas", scaleUpReplicas).Info("scaling up")
	if err := c.client.PatchReplicas(ctx, namespace, service, scaleUpReplicas); err != nil {
		log.WithError(err).Error("error patching replicas")
		return
	}

	select {
	case <-time.After(settleDelay):
	case <-ctx.Done():
		return
	}

	// Best-effort and detached: this only helps when the primary is
	// healthy but a sibling is slow to come up, and must not hold up
	// Activate's return while it polls. Its result is discarded; it runs
	// against a background context since ctx may already be near its
	// deadline by the time Activate returns.
	go c.pollReady(context.Background(), namespace, service, perServiceWaitBudget)
}

// acquireLease creates the scaling lease, falls back to read+replace on
// conflict, and promotes a forbidden response to success (an
// advisory-lease degradation, logged once and then cached per namespace so
// later cycles don't re-probe a permission the cluster has already
// denied).
func (c *Controller) acquireLease(ctx context.Context, namespace, service string) (bool, error) {
	log := logrus.WithFields(logrus.Fields{"namespace": namespace, "service": service})
	name := k8s.LeaseName(service)

	if c.isForbidden(namespace) {
		return true, nil
	}

	err := c.client.CreateLease(ctx, namespace, name, c.holderIdentity)
	switch {
	case err == nil:
		return true, nil
	case k8s.IsForbidden(err):
		log.Warn("cannot create scaling lease (forbidden); continuing without mutual exclusion")
		c.setForbidden(namespace)
		return true, nil
	case k8s.IsConflict(err):
		lease, getErr := c.client.GetLease(ctx, namespace, name)
		if getErr != nil {
			return false, errors.Wrap(getErr, "reading contended lease")
		}
		lease.Spec.HolderIdentity = &c.holderIdentity
		if replaceErr := c.client.ReplaceLease(ctx, namespace, lease); replaceErr != nil {
			return false, errors.Wrap(replaceErr, "replacing contended lease")
		}
		return true, nil
	default:
		return false, err
	}
}

func (c *Controller) isForbidden(namespace string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.forbiddenNamespace[namespace]
}

func (c *Controller) setForbidden(namespace string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forbiddenNamespace[namespace] = true
}

// waitReady polls at 1Hz, trying each configured selector in order per
// round, until primary has a ready pod or timeout elapses.
func (c *Controller) waitReady(ctx context.Context, namespace, service string, timeout time.Duration) bool {
	return c.pollReady(ctx, namespace, service, timeout)
}

func (c *Controller) pollReady(ctx context.Context, namespace, service string, timeout time.Duration) bool {
	log := logrus.WithFields(logrus.Fields{"namespace": namespace, "service": service})
	log.WithField("timeout", timeout).Info("waiting for pod readiness")

	ready := false
	err := wait.PollUntilContextTimeout(ctx, time.Second, timeout, true, func(ctx context.Context) (bool, error) {
		for _, key := range c.selectorKeys {
			selector := fmt.Sprintf("%s=%s", key, service)
			pods, err := c.client.ListReadyPods(ctx, namespace, selector)
			if err != nil {
				log.WithError(err).Debug("error listing pods, will retry")
				continue
			}
			for _, p := range pods {
				if p.Ready {
					log.WithFields(logrus.Fields{"pod": p.Name, "selector": selector}).Info("pod ready")
					ready = true
					return true, nil
				}
			}
		}
		return false, nil
	})
	if err != nil && !ready {
		log.Warn("pods did not become ready within the timeout")
		return false
	}
	return ready
}
