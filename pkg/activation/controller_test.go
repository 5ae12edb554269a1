package activation

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	k8sfake "k8s.io/client-go/kubernetes/fake"
	clienttesting "k8s.io/client-go/testing"

	"github.com/opsfleet/wakeproxy/pkg/k8s"
)

func int32ptr(i int32) *int32 { return &i }

func deployment(ns, name string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec:       appsv1.DeploymentSpec{Replicas: int32ptr(replicas)},
	}
}

func readyPod(ns, name, service string) *corev1.Pod {
	return &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: map[string]string{"app": service}},
		Status: corev1.PodStatus{
			Phase:      corev1.PodRunning,
			Conditions: []corev1.PodCondition{{Type: corev1.PodReady, Status: corev1.ConditionTrue}},
		},
	}
}

func newTestController(cs *k8sfake.Clientset, selectorKeys []string) *Controller {
	client, err := k8s.NewForTesting(cs)
	if err != nil {
		panic(err)
	}
	return NewController(client, selectorKeys)
}

func TestActivateAlreadyScaledSkipsLeaseAndPatch(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(
		deployment("ns", "manager", 1),
		readyPod("ns", "manager-1", "manager"),
	)
	c := newTestController(cs, []string{"app"})

	ok := c.Activate(context.Background(), "ns", []string{"manager"}, "manager", 1, 2*time.Second)
	if !ok {
		t.Fatal("expected Activate to report primary ready")
	}

	leases, err := cs.CoordinationV1().Leases("ns").List(context.Background(), metav1.ListOptions{})
	if err != nil {
		t.Fatalf("listing leases: %v", err)
	}
	if len(leases.Items) != 0 {
		t.Errorf("expected no lease to be created for an already-scaled service, got %d", len(leases.Items))
	}
}

func TestActivateScalesUpAndWaitsForPrimary(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(
		deployment("ns", "manager", 0),
		deployment("ns", "accessor", 0),
	)
	c := newTestController(cs, []string{"app"})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = cs.CoreV1().Pods("ns").Create(context.Background(), readyPod("ns", "manager-1", "manager"), metav1.CreateOptions{})
	}()

	ok := c.Activate(context.Background(), "ns", []string{"manager", "accessor"}, "manager", 1, 3*time.Second)
	if !ok {
		t.Fatal("expected Activate to report primary ready once its pod appears")
	}

	for _, name := range []string{"manager", "accessor"} {
		dep, err := cs.AppsV1().Deployments("ns").Get(context.Background(), name, metav1.GetOptions{})
		if err != nil {
			t.Fatalf("Get(%s): %v", name, err)
		}
		if dep.Spec.Replicas == nil || *dep.Spec.Replicas != 1 {
			t.Errorf("%s replicas = %v, want 1", name, dep.Spec.Replicas)
		}
	}
}

func TestActivateTimesOutWhenPrimaryNeverReady(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(deployment("ns", "manager", 0))
	c := newTestController(cs, []string{"app"})

	ok := c.Activate(context.Background(), "ns", []string{"manager"}, "manager", 1, 300*time.Millisecond)
	if ok {
		t.Fatal("expected Activate to report not-ready when no pod ever appears")
	}
}

func TestActivateOneServiceFailureDoesNotBlockOthers(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(deployment("ns", "accessor", 0))
	c := newTestController(cs, []string{"app"})

	go func() {
		time.Sleep(50 * time.Millisecond)
		_, _ = cs.CoreV1().Pods("ns").Create(context.Background(), readyPod("ns", "accessor-1", "accessor"), metav1.CreateOptions{})
	}()

	// "manager" has no backing Deployment at all, so its ReadReplicas call
	// fails; "accessor" must still be scaled and waited on regardless.
	ok := c.Activate(context.Background(), "ns", []string{"manager", "accessor"}, "accessor", 1, 3*time.Second)
	if !ok {
		t.Fatal("expected accessor to become ready despite manager's read failure")
	}
}

func TestAcquireLeaseCreatesThenReplacesOnConflict(t *testing.T) {
	cs := k8sfake.NewSimpleClientset()
	c := newTestController(cs, []string{"app"})

	ok, err := c.acquireLease(context.Background(), "ns", "manager")
	if err != nil || !ok {
		t.Fatalf("first acquireLease: ok=%v err=%v", ok, err)
	}

	other := NewController(mustClient(t, cs), []string{"app"})
	ok, err = other.acquireLease(context.Background(), "ns", "manager")
	if err != nil || !ok {
		t.Fatalf("second acquireLease (contended): ok=%v err=%v", ok, err)
	}

	lease, err := cs.CoordinationV1().Leases("ns").Get(context.Background(), k8s.LeaseName("manager"), metav1.GetOptions{})
	if err != nil {
		t.Fatalf("Get lease: %v", err)
	}
	if lease.Spec.HolderIdentity == nil || *lease.Spec.HolderIdentity != other.holderIdentity {
		t.Errorf("lease holder = %v, want %s", lease.Spec.HolderIdentity, other.holderIdentity)
	}
}

func TestAcquireLeaseForbiddenIsCachedPerNamespace(t *testing.T) {
	cs := k8sfake.NewSimpleClientset()
	calls := 0
	cs.PrependReactor("create", "leases", func(action clienttesting.Action) (bool, runtime.Object, error) {
		calls++
		return true, nil, apierrors.NewForbidden(
			schema.GroupResource{Group: "coordination.k8s.io", Resource: "leases"},
			"manager-scaler-lock",
			nil,
		)
	})
	c := newTestController(cs, []string{"app"})

	for i := 0; i < 3; i++ {
		ok, err := c.acquireLease(context.Background(), "ns", "manager")
		if err != nil || !ok {
			t.Fatalf("acquireLease round %d: ok=%v err=%v", i, ok, err)
		}
	}
	if calls != 1 {
		t.Errorf("CreateLease was called %d times, want 1 (forbidden should be cached)", calls)
	}

	ok, err := c.acquireLease(context.Background(), "other-ns", "manager")
	if err != nil || !ok {
		t.Fatalf("acquireLease in a different namespace: ok=%v err=%v", ok, err)
	}
	if calls != 2 {
		t.Errorf("a different namespace must not reuse the cached forbidden flag, calls=%d", calls)
	}
}

func mustClient(t *testing.T, cs *k8sfake.Clientset) k8s.Client {
	t.Helper()
	client, err := k8s.NewForTesting(cs)
	if err != nil {
		t.Fatalf("NewForTesting: %v", err)
	}
	return client
}
