// Package agents resolves AgentRuntime resources to the facade endpoints
// the console connects to.
package agents

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sympoziumv1alpha1 "github.com/alexsjones/sympozium-dashboard/api/v1alpha1"
)

var (
	// ErrNotFound is returned when no AgentRuntime exists with the given name.
	ErrNotFound = errors.New("agent runtime not found")
	// ErrNotReady is returned for runtimes that are pending or failed.
	ErrNotReady = errors.New("agent runtime not ready")
	// ErrUnsupportedFacade is returned for facades the console cannot speak.
	ErrUnsupportedFacade = errors.New("unsupported facade type")
)

// Endpoint is a resolved agent facade.
type Endpoint struct {
	Namespace  string
	Agent      string
	URL        string
	Handler    sympoziumv1alpha1.HandlerMode
	SessionKey string
}

// Resolver looks up AgentRuntimes through a controller-runtime client.
type Resolver struct {
	client        client.Client
	clusterDomain string
	log           logr.Logger
}

// NewResolver creates a Resolver. clusterDomain is appended to in-cluster
// service hostnames when non-empty (e.g. "cluster.local").
func NewResolver(c client.Client, clusterDomain string, log logr.Logger) *Resolver {
	return &Resolver{
		client:        c,
		clusterDomain: strings.Trim(clusterDomain, "."),
		log:           log.WithName("agents"),
	}
}

// SessionKey is the default console session key for an agent.
func SessionKey(namespace, agent string) string {
	return namespace + "/" + agent
}

// Resolve returns the facade endpoint of the named agent.
func (r *Resolver) Resolve(ctx context.Context, namespace, agent string) (Endpoint, error) {
	var rt sympoziumv1alpha1.AgentRuntime
	if err := r.client.Get(ctx, types.NamespacedName{Namespace: namespace, Name: agent}, &rt); err != nil {
		if apierrors.IsNotFound(err) {
			return Endpoint{}, fmt.Errorf("%w: %s/%s", ErrNotFound, namespace, agent)
		}
		return Endpoint{}, fmt.Errorf("getting agent runtime %s/%s: %w", namespace, agent, err)
	}

	if t := rt.Spec.Facade.Type; t != "" && t != sympoziumv1alpha1.FacadeTypeWebSocket {
		return Endpoint{}, fmt.Errorf("%w: %s", ErrUnsupportedFacade, t)
	}
	switch rt.Status.Phase {
	case sympoziumv1alpha1.AgentRuntimePhasePending, sympoziumv1alpha1.AgentRuntimePhaseFailed:
		return Endpoint{}, fmt.Errorf("%w: %s/%s is %s", ErrNotReady, namespace, agent, rt.Status.Phase)
	}

	ep := Endpoint{
		Namespace:  namespace,
		Agent:      agent,
		Handler:    sympoziumv1alpha1.HandlerModeRuntime,
		SessionKey: SessionKey(namespace, agent),
	}
	if rt.Spec.Facade.Handler != nil {
		ep.Handler = *rt.Spec.Facade.Handler
	}

	if rt.Status.Endpoint != "" {
		ep.URL = rt.Status.Endpoint
	} else {
		ep.URL = r.serviceURL(&rt, r.servicePort(ctx, &rt))
	}
	r.log.V(1).Info("Resolved agent facade", "namespace", namespace, "agent", agent, "url", ep.URL)
	return ep, nil
}

// List returns the websocket-facing agents in namespace.
func (r *Resolver) List(ctx context.Context, namespace string) ([]sympoziumv1alpha1.AgentRuntime, error) {
	var list sympoziumv1alpha1.AgentRuntimeList
	if err := r.client.List(ctx, &list, client.InNamespace(namespace)); err != nil {
		return nil, fmt.Errorf("listing agent runtimes: %w", err)
	}
	out := make([]sympoziumv1alpha1.AgentRuntime, 0, len(list.Items))
	for _, rt := range list.Items {
		if t := rt.Spec.Facade.Type; t == "" || t == sympoziumv1alpha1.FacadeTypeWebSocket {
			out = append(out, rt)
		}
	}
	return out, nil
}

// FacadePortName is the Service port name that overrides .spec.facade.port.
const FacadePortName = "facade"

// servicePort returns the port of the agent's Service named FacadePortName,
// or zero when the Service or port is absent.
func (r *Resolver) servicePort(ctx context.Context, rt *sympoziumv1alpha1.AgentRuntime) int32 {
	var svc corev1.Service
	if err := r.client.Get(ctx, types.NamespacedName{Namespace: rt.Namespace, Name: rt.Name}, &svc); err != nil {
		if !apierrors.IsNotFound(err) {
			r.log.V(1).Info("Service lookup failed", "agent", rt.Name, "error", err.Error())
		}
		return 0
	}
	for _, p := range svc.Spec.Ports {
		if p.Name == FacadePortName {
			return p.Port
		}
	}
	return 0
}

func (r *Resolver) serviceURL(rt *sympoziumv1alpha1.AgentRuntime, servicePort int32) string {
	port := sympoziumv1alpha1.DefaultFacadePort
	if rt.Spec.Facade.Port != nil {
		port = *rt.Spec.Facade.Port
	}
	if servicePort != 0 {
		port = servicePort
	}
	path := rt.Spec.Facade.Path
	if path == "" {
		path = sympoziumv1alpha1.DefaultFacadePath
	}

	host := fmt.Sprintf("%s.%s.svc", rt.Name, rt.Namespace)
	if r.clusterDomain != "" {
		host += "." + r.clusterDomain
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     fmt.Sprintf("%s:%d", host, port),
		Path:     path,
		RawQuery: url.Values{"agent": []string{rt.Name}}.Encode(),
	}
	return u.String()
}
