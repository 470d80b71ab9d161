// Package plugin hooks user extensions into the decoded event stream. Every
// quote and trade event passes through the registered plugins before it
// reaches cached state; a plugin may transform the event or veto it.
package plugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/schema"
	"github.com/coachpo/tradebridge/internal/telemetry"
)

// Plugin observes one decoded event. keep=false drops the event before it
// reaches any cache.
type Plugin interface {
	Name() string
	OnEvent(evt schema.Event) (schema.Event, bool)
}

// Initializer is implemented by plugins that need a setup step before events
// start flowing.
type Initializer interface {
	OnInit() error
}

// Finalizer is implemented by plugins that release resources on shutdown.
type Finalizer interface {
	OnStop()
}

// Manager chains plugins in registration order.
type Manager struct {
	mu      sync.RWMutex
	plugins []Plugin

	vetoCounter metric.Int64Counter
}

// NewManager constructs an empty plugin chain.
func NewManager() *Manager {
	m := new(Manager)
	meter := otel.Meter("plugin")
	m.vetoCounter, _ = meter.Int64Counter("plugin.vetoes",
		metric.WithDescription("Number of events dropped by plugins"),
		metric.WithUnit("{event}"))
	return m
}

// Register appends a plugin to the chain.
func (m *Manager) Register(p Plugin) {
	if p == nil {
		return
	}
	m.mu.Lock()
	m.plugins = append(m.plugins, p)
	m.mu.Unlock()
}

// Unregister removes the named plugin from the chain, reporting whether one
// was registered under that name.
func (m *Manager) Unregister(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range m.plugins {
		if p.Name() == name {
			m.plugins = append(m.plugins[:i], m.plugins[i+1:]...)
			return true
		}
	}
	return false
}

// Init runs the setup step of every plugin that has one, in registration
// order. The first failure aborts and is returned.
func (m *Manager) Init() error {
	m.mu.RLock()
	plugins := m.plugins
	m.mu.RUnlock()
	for _, p := range plugins {
		init, ok := p.(Initializer)
		if !ok {
			continue
		}
		if err := init.OnInit(); err != nil {
			return fmt.Errorf("plugin %s: init: %w", p.Name(), err)
		}
	}
	return nil
}

// Shutdown runs every plugin's teardown step, panics included.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	plugins := m.plugins
	m.mu.RUnlock()
	for _, p := range plugins {
		fin, ok := p.(Finalizer)
		if !ok {
			continue
		}
		var catcher panics.Catcher
		catcher.Try(fin.OnStop)
		if recovered := catcher.Recovered(); recovered != nil {
			observability.Log().Error("plugin panicked on shutdown",
				observability.F("plugin", p.Name()),
				observability.F("panic", recovered.String()))
		}
	}
}

// Names lists the registered plugins in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.plugins))
	for _, p := range m.plugins {
		names = append(names, p.Name())
	}
	return names
}

// Intercept runs the event through the chain. The first veto wins. A plugin
// panic is isolated: the event passes through unchanged and the chain
// continues.
func (m *Manager) Intercept(evt schema.Event) (schema.Event, bool) {
	m.mu.RLock()
	plugins := m.plugins
	m.mu.RUnlock()

	for _, p := range plugins {
		next, keep := evt, true
		var catcher panics.Catcher
		catcher.Try(func() { next, keep = p.OnEvent(evt) })
		if recovered := catcher.Recovered(); recovered != nil {
			observability.Log().Error("plugin panicked, event passed through",
				observability.F("plugin", p.Name()),
				observability.F("panic", recovered.String()))
			continue
		}
		if !keep {
			if m.vetoCounter != nil {
				m.vetoCounter.Add(context.Background(), 1, metric.WithAttributes(
					telemetry.AttrEnvironment.String(telemetry.Environment()),
					telemetry.AttrEventType.String(string(evt.Type)),
					telemetry.AttrInstrument.String(evt.Instrument)))
			}
			return evt, false
		}
		evt = next
	}
	return evt, true
}

// Func adapts a bare function into a Plugin.
type Func struct {
	PluginName string
	Hook       func(schema.Event) (schema.Event, bool)
}

func (f Func) Name() string { return f.PluginName }

func (f Func) OnEvent(evt schema.Event) (schema.Event, bool) {
	if f.Hook == nil {
		return evt, true
	}
	return f.Hook(evt)
}
