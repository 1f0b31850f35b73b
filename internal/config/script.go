package config

import (
	"context"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/alexsjones/sympozium-dashboard/internal/transport"
)

// ScriptSource serves the current simulator script. When backed by a file
// it reloads on change; a file that fails to parse keeps the last good
// script.
type ScriptSource struct {
	path    string
	current atomic.Pointer[transport.Script]
	log     logr.Logger
}

// NewScriptSource loads the script at path, or the built-in script when
// path is empty.
func NewScriptSource(path string, log logr.Logger) (*ScriptSource, error) {
	s := &ScriptSource{path: path, log: log.WithName("script")}
	if path == "" {
		s.current.Store(transport.DefaultScript())
		return s, nil
	}
	script, err := transport.LoadScript(path)
	if err != nil {
		return nil, err
	}
	s.current.Store(script)
	return s, nil
}

// Script returns the current script. It matches the transport.Options
// Script hook.
func (s *ScriptSource) Script() *transport.Script {
	return s.current.Load()
}

// Watch reloads the script whenever w reports a change, until ctx is done.
// It is a no-op for the built-in script.
func (s *ScriptSource) Watch(ctx context.Context, w *Watcher) error {
	if s.path == "" {
		return nil
	}
	events, err := w.Watch(ctx, s.path)
	if err != nil {
		return err
	}

	go func() {
		for ev := range events {
			if ev.Op == "remove" {
				s.log.Info("Simulator script removed, keeping last version", "path", ev.Path)
				continue
			}
			script, err := transport.LoadScript(s.path)
			if err != nil {
				scriptReloads.WithLabelValues("failed").Inc()
				s.log.Error(err, "failed to reload simulator script", "path", s.path)
				continue
			}
			scriptReloads.WithLabelValues("loaded").Inc()
			s.current.Store(script)
			s.log.Info("Reloaded simulator script", "path", s.path, "replies", len(script.Replies))
		}
	}()
	return nil
}
