package gateway

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"github.com/opsfleet/wakeproxy/pkg/activation"
	"github.com/opsfleet/wakeproxy/pkg/activity"
	"github.com/opsfleet/wakeproxy/pkg/forward"
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

func upstreamHostPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parsing upstream URL: %v", err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatalf("parsing upstream port: %v", err)
	}
	return u.Hostname(), port
}

func newTestGateway(t *testing.T, upstream *httptest.Server, cs *k8sfake.Clientset, k8sReady bool) *Gateway {
	t.Helper()
	client, err := k8s.NewForTesting(cs)
	if err != nil {
		t.Fatalf("NewForTesting: %v", err)
	}
	clock := activity.NewClock()
	ctl := activation.NewController(client, []string{"app"})

	host, port := upstreamHostPort(t, upstream)
	fwd := forward.New(host, port, time.Second)

	return New(clock, ctl, fwd, func() bool { return k8sReady }, "ns", []string{"manager"}, "manager", 1, 2*time.Second)
}

func TestHealthEndpointReturnsStatus(t *testing.T) {
	cs := k8sfake.NewSimpleClientset()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	g := newTestGateway(t, upstream, cs, true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{`"status":"ok"`, `"k8s_ready":true`, `"forward_to":"manager"`, `"namespace":"ns"`} {
		if !strings.Contains(body, want) {
			t.Errorf("health body %q missing %q", body, want)
		}
	}
}

func TestNotReadyReturns500(t *testing.T) {
	cs := k8sfake.NewSimpleClientset()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer upstream.Close()

	g := newTestGateway(t, upstream, cs, false)

	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}

func TestWarmHitIsForwardedAndTouchesClock(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(
		deployment("ns", "manager", 1),
		readyPod("ns", "manager-1", "manager"),
	)
	var gotPath, gotMethod string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	g := newTestGateway(t, upstream, cs, true)

	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200, body=%s", rec.Code, rec.Body.String())
	}
	if gotPath != "/foo" || gotMethod != http.MethodGet {
		t.Errorf("upstream saw %s %s, want GET /foo", gotMethod, gotPath)
	}
	if _, ok := g.clock.IdleSince("ns"); !ok {
		t.Error("expected the namespace to be touched in the activity clock")
	}
}

func TestPrimaryNeverReadyReturns503(t *testing.T) {
	cs := k8sfake.NewSimpleClientset(deployment("ns", "manager", 0))
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("upstream must not be called when the primary never becomes ready")
	}))
	defer upstream.Close()

	client, err := k8s.NewForTesting(cs)
	if err != nil {
		t.Fatalf("NewForTesting: %v", err)
	}
	clock := activity.NewClock()
	ctl := activation.NewController(client, []string{"app"})
	host, port := upstreamHostPort(t, upstream)
	fwd := forward.New(host, port, time.Second)
	g := New(clock, ctl, fwd, func() bool { return true }, "ns", []string{"manager"}, "manager", 1, 300*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "/foo", nil)
	rec := httptest.NewRecorder()
	g.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "manager") {
		t.Errorf("503 body must name the primary service: %q", rec.Body.String())
	}
}

