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

// Package k8s is the Orchestrator Client (OC): a thin capability layer over
// the cluster API restricted to exactly the operations the activation
// controller and reaper need — reading and patching Deployment replicas,
// listing Pods by label selector, and creating, reading and replacing
// coordination Leases.
package k8s

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
	coordinationv1 "k8s.io/api/coordination/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
)

// PodReadiness is one pod's readiness as observed by ListReadyPods.
type PodReadiness struct {
	Name  string
	Ready bool
}

// Client is the Orchestrator Client capability surface. Every method may
// block on network I/O; callers are expected to pass a context carrying
// whatever deadline is appropriate for the call site.
type Client interface {
	// ReadReplicas returns the deployment's current desired replica count.
	// A not-found deployment is reported as an error classified with
	// IsNotFound.
	ReadReplicas(ctx context.Context, namespace, name string) (int32, error)

	// PatchReplicas sets the deployment's desired replica count via the
	// scale subresource.
	PatchReplicas(ctx context.Context, namespace, name string, replicas int32) error

	// ListReadyPods returns every pod matching selector along with its
	// readiness: phase Running and a Ready condition of status True.
	ListReadyPods(ctx context.Context, namespace, selector string) ([]PodReadiness, error)

	// CreateLease creates the named coordination.k8s.io/v1 Lease with the
	// given holder identity. A pre-existing lease is reported as an error
	// classified with IsConflict; an RBAC denial is classified with
	// IsForbidden.
	CreateLease(ctx context.Context, namespace, name, holder string) error

	// GetLease reads an existing lease.
	GetLease(ctx context.Context, namespace, name string) (*coordinationv1.Lease, error)

	// ReplaceLease overwrites an existing lease with an optimistic (not
	// generation-checked) update.
	ReplaceLease(ctx context.Context, namespace string, lease *coordinationv1.Lease) error
}

// IsNotFound reports whether err represents a not-found response from the
// apiserver.
func IsNotFound(err error) bool { return apierrors.IsNotFound(err) }

// IsConflict reports whether err represents an optimistic-concurrency
// conflict, including the create-time "already exists" variant — both are
// treated as the same contended-lease condition by callers.
func IsConflict(err error) bool {
	return apierrors.IsConflict(err) || apierrors.IsAlreadyExists(err)
}

// IsForbidden reports whether err represents an RBAC denial.
func IsForbidden(err error) bool { return apierrors.IsForbidden(err) }

type client struct {
	cs kubernetes.Interface
}

// NewForConfig builds an OC Client from a REST config, the way
// pkg/client/interfaces.go lazily builds a kubernetes.Interface from its
// SonobuoyClient.RestConfig.
func NewForConfig(cfg *rest.Config) (Client, error) {
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "couldn't create kubernetes client")
	}
	return &client{cs: cs}, nil
}

// NewInCluster builds an OC Client using the in-cluster service account
// credentials, the deployment mode this proxy runs under.
func NewInCluster() (Client, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, errors.Wrap(err, "loading in-cluster config")
	}
	return NewForConfig(cfg)
}

// NewForTesting wraps an existing kubernetes.Interface (typically a fake
// clientset) as an OC Client, for use by other packages' tests.
func NewForTesting(cs kubernetes.Interface) (Client, error) {
	return &client{cs: cs}, nil
}

func (c *client) ReadReplicas(ctx context.Context, namespace, name string) (int32, error) {
	dep, err := c.cs.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return 0, errors.Wrapf(err, "reading deployment %s/%s", namespace, name)
	}
	if dep.Spec.Replicas == nil {
		return 0, nil
	}
	return *dep.Spec.Replicas, nil
}

// scalePatch is the merge-patch body applied to a deployment's scale:
// {"spec":{"replicas":n}}.
type scalePatch struct {
	Spec struct {
		Replicas int32 `json:"replicas"`
	} `json:"spec"`
}

func (c *client) PatchReplicas(ctx context.Context, namespace, name string, replicas int32) error {
	var p scalePatch
	p.Spec.Replicas = replicas
	body, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshalling scale patch")
	}
	_, err = c.cs.AppsV1().Deployments(namespace).Patch(ctx, name, types.MergePatchType, body, metav1.PatchOptions{}, "scale")
	if err != nil {
		return errors.Wrapf(err, "patching deployment %s/%s to %d replicas", namespace, name, replicas)
	}
	return nil
}

func (c *client) ListReadyPods(ctx context.Context, namespace, selector string) ([]PodReadiness, error) {
	pods, err := c.cs.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return nil, errors.Wrapf(err, "listing pods %s/%s", namespace, selector)
	}
	out := make([]PodReadiness, 0, len(pods.Items))
	for _, p := range pods.Items {
		out = append(out, PodReadiness{Name: p.Name, Ready: podIsReady(&p)})
	}
	return out, nil
}

func podIsReady(p *corev1.Pod) bool {
	if p.Status.Phase != corev1.PodRunning {
		return false
	}
	for _, cond := range p.Status.Conditions {
		if cond.Type == corev1.PodReady && cond.Status == corev1.ConditionTrue {
			return true
		}
	}
	return false
}

func (c *client) CreateLease(ctx context.Context, namespace, name, holder string) error {
	lease := &coordinationv1.Lease{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: coordinationv1.LeaseSpec{
			HolderIdentity: &holder,
		},
	}
	_, err := c.cs.CoordinationV1().Leases(namespace).Create(ctx, lease, metav1.CreateOptions{})
	if err != nil {
		return errors.Wrapf(err, "creating lease %s/%s", namespace, name)
	}
	return nil
}

func (c *client) GetLease(ctx context.Context, namespace, name string) (*coordinationv1.Lease, error) {
	lease, err := c.cs.CoordinationV1().Leases(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return nil, errors.Wrapf(err, "reading lease %s/%s", namespace, name)
	}
	return lease, nil
}

func (c *client) ReplaceLease(ctx context.Context, namespace string, lease *coordinationv1.Lease) error {
	_, err := c.cs.CoordinationV1().Leases(namespace).Update(ctx, lease, metav1.UpdateOptions{})
	if err != nil {
		return errors.Wrapf(err, "replacing lease %s/%s", namespace, lease.Name)
	}
	return nil
}

// LeaseName returns the lease name for a given service: "<service>-scaler-lock".
func LeaseName(service string) string {
	return service + "-scaler-lock"
}
