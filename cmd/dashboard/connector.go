package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap/zapcore"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/controller-runtime/pkg/client"

	sympoziumv1alpha1 "github.com/alexsjones/sympozium-dashboard/api/v1alpha1"
	"github.com/alexsjones/sympozium-dashboard/internal/agents"
	"github.com/alexsjones/sympozium-dashboard/internal/apiserver"
	"github.com/alexsjones/sympozium-dashboard/internal/config"
	"github.com/alexsjones/sympozium-dashboard/internal/observability"
	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

var errNoEndpoint = errors.New("no agent endpoint configured: set console.url or enable kubernetes")

// endpointResolver is the part of agents.Resolver the connector needs.
type endpointResolver interface {
	Resolve(ctx context.Context, namespace, agent string) (agents.Endpoint, error)
}

// newConnector builds connections according to the console mode: the
// simulator in demo mode, otherwise a websocket to the configured URL or
// the agent's resolved facade. Live dials carry a traceparent header for
// the dial span.
func newConnector(cfg *config.Config, scripts *config.ScriptSource, resolver endpointResolver, log logr.Logger) apiserver.Connector {
	return func(ctx context.Context, namespace, agent string) (conn transport.Connection, err error) {
		ctx, span := observability.Tracer().Start(ctx, "console.dial",
			trace.WithSpanKind(trace.SpanKindClient),
			trace.WithAttributes(
				attribute.String("sympozium.agent.namespace", namespace),
				attribute.String("sympozium.agent.name", agent),
			),
		)
		defer func() {
			observability.MarkSpanError(span, err)
			span.End()
		}()

		opts := transport.Options{
			Mode:         cfg.Console.Mode,
			PingInterval: cfg.Console.PingInterval,
			Script:       scripts.Script,
			Timing:       cfg.Console.SimulatorTiming(),
			Log:          log.WithValues("namespace", namespace, "agent", agent),
		}

		if opts.Mode == transport.ModeLive {
			switch {
			case cfg.Console.URL != "":
				opts.URL = cfg.Console.URL
			case resolver != nil:
				ep, err := resolver.Resolve(ctx, namespace, agent)
				if err != nil {
					return nil, err
				}
				opts.URL = ep.URL
			default:
				return nil, errNoEndpoint
			}
			if tp := observability.Traceparent(span.SpanContext()); tp != "" {
				opts.Header = http.Header{"Traceparent": []string{tp}}
			}
		}
		return transport.New(opts)
	}
}

func newKubeClient(kubeconfig string) (client.Client, error) {
	scheme := runtime.NewScheme()
	_ = corev1.AddToScheme(scheme)
	if err := sympoziumv1alpha1.AddToScheme(scheme); err != nil {
		return nil, fmt.Errorf("failed to register scheme: %w", err)
	}

	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	if kubeconfig != "" {
		loadingRules.ExplicitPath = kubeconfig
	}

	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{},
	).ClientConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load kubeconfig: %w", err)
	}

	c, err := client.New(restConfig, client.Options{Scheme: scheme})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return c, nil
}

// zapcoreLevel maps a logr verbosity to the zap level that enables it.
func zapcoreLevel(verbosity int) zapcore.Level {
	if verbosity > 127 {
		verbosity = 127
	}
	return zapcore.Level(-int8(verbosity))
}
