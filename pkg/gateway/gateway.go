// Package gateway implements the Admission Surface (AS): the HTTP entry
// point wiring every inbound request through the Activity Clock, the
// Activation Controller, and the Request Gate & Forwarder, plus a health
// endpoint.
package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/opsfleet/wakeproxy/pkg/activation"
	"github.com/opsfleet/wakeproxy/pkg/activity"
	"github.com/opsfleet/wakeproxy/pkg/forward"
)

// ReadyChecker reports whether the Orchestrator Client has finished
// initializing. The gateway refuses every non-health request with 500
// until this is true.
type ReadyChecker func() bool

// Gateway is the Admission Surface. It owns the mux.Router and wires the
// other components together per request.
type Gateway struct {
	mux.Router

	clock      *activity.Clock
	activation *activation.Controller
	forwarder  *forward.Forwarder
	k8sReady   ReadyChecker

	namespace       string
	groupServices   []string
	primaryService  string
	scaleUpReplicas int32
	maxScaleupWait  time.Duration
}

// New builds the Admission Surface's router. namespace/groupServices/
// primaryService/scaleUpReplicas/maxScaleupWait mirror the process
// configuration; they're fixed for the life of the process.
func New(
	clock *activity.Clock,
	ctl *activation.Controller,
	fwd *forward.Forwarder,
	k8sReady ReadyChecker,
	namespace string,
	groupServices []string,
	primaryService string,
	scaleUpReplicas int32,
	maxScaleupWait time.Duration,
) *Gateway {
	g := &Gateway{
		Router:          *mux.NewRouter(),
		clock:           clock,
		activation:      ctl,
		forwarder:       fwd,
		k8sReady:        k8sReady,
		namespace:       namespace,
		groupServices:   groupServices,
		primaryService:  primaryService,
		scaleUpReplicas: scaleUpReplicas,
		maxScaleupWait:  maxScaleupWait,
	}

	// /health is registered first so it is matched before the wildcard and
	// never forwarded upstream.
	g.HandleFunc("/health", g.healthHandler).Methods(http.MethodGet)
	g.PathPrefix("/").HandlerFunc(g.admitHandler).
		Methods(http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions)

	return g
}

type healthResponse struct {
	Status         string   `json:"status"`
	K8sReady       bool     `json:"k8s_ready"`
	ForwardTo      string   `json:"forward_to"`
	Namespace      string   `json:"namespace"`
	TargetServices []string `json:"target_services"`
}

func (g *Gateway) healthHandler(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:         "ok",
		K8sReady:       g.k8sReady(),
		ForwardTo:      g.primaryService,
		Namespace:      g.namespace,
		TargetServices: g.groupServices,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logrus.WithError(err).Error("gateway: error encoding health response")
	}
}

func (g *Gateway) admitHandler(w http.ResponseWriter, r *http.Request) {
	log := logrus.WithFields(logrus.Fields{"namespace": g.namespace, "method": r.Method, "path": r.URL.Path})

	if !g.k8sReady() {
		log.Error("kubernetes client not ready")
		http.Error(w, "Kubernetes client not ready", http.StatusInternalServerError)
		return
	}

	log.Info("received request")
	g.clock.Touch(g.namespace)

	ready := g.activation.Activate(r.Context(), g.namespace, g.groupServices, g.primaryService, g.scaleUpReplicas, g.maxScaleupWait)
	if !ready {
		msg := "Service '" + g.primaryService + "' failed to start within " + g.maxScaleupWait.String()
		log.Error(msg)
		http.Error(w, msg, http.StatusServiceUnavailable)
		return
	}

	resp, err := g.forwarder.Forward(r, r.URL.Path)
	if err != nil {
		log.WithError(err).Error("forwarding failed")
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vv := range resp.Header {
		for _, v := range vv {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WithError(err).Warn("error streaming response body to client")
	}
}
