package plugin

import (
	"sync"

	"github.com/dop251/goja"

	"github.com/coachpo/tradebridge/errs"
	"github.com/coachpo/tradebridge/internal/observability"
	"github.com/coachpo/tradebridge/internal/schema"
)

// JSPlugin runs a JavaScript hook in an isolated goja runtime. The script
// must define a global `onEvent(evt)` function; returning null or undefined
// vetoes the event, returning an object applies its price and volume fields
// back onto tick events.
type JSPlugin struct {
	name string

	mu     sync.Mutex
	rt     *goja.Runtime
	fn     goja.Callable
	initFn goja.Callable
	stopFn goja.Callable
}

// NewJSPlugin compiles and runs the script, resolving its onEvent export.
func NewJSPlugin(name, source string) (*JSPlugin, error) {
	rt := goja.New()
	rt.SetFieldNameMapper(goja.UncapFieldNameMapper())
	if _, err := rt.RunString(source); err != nil {
		return nil, errs.New("plugin/js", errs.CodeInvalid,
			errs.WithMessage("execute plugin "+name),
			errs.WithCause(err))
	}
	value := rt.Get("onEvent")
	fn, ok := goja.AssertFunction(value)
	if !ok {
		return nil, errs.New("plugin/js", errs.CodeInvalid,
			errs.WithMessage("plugin "+name+" defines no onEvent function"))
	}
	p := new(JSPlugin)
	p.name = name
	p.rt = rt
	p.fn = fn
	// onInit and onStop are optional.
	p.initFn, _ = goja.AssertFunction(rt.Get("onInit"))
	p.stopFn, _ = goja.AssertFunction(rt.Get("onStop"))
	return p, nil
}

func (p *JSPlugin) Name() string { return p.name }

// OnInit invokes the script's optional onInit export.
func (p *JSPlugin) OnInit() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initFn == nil {
		return nil
	}
	if _, err := p.initFn(goja.Undefined()); err != nil {
		return errs.New("plugin/js", errs.CodeInternal,
			errs.WithMessage("plugin "+p.name+" init"),
			errs.WithCause(err))
	}
	return nil
}

// OnStop invokes the script's optional onStop export. Failures are logged.
func (p *JSPlugin) OnStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopFn == nil {
		return
	}
	if _, err := p.stopFn(goja.Undefined()); err != nil {
		observability.Log().Warn("plugin stop hook failed",
			observability.F("plugin", p.name),
			observability.F("error", err))
	}
}

// OnEvent invokes the script hook. Script failures are logged and fail open:
// the event passes through unchanged.
func (p *JSPlugin) OnEvent(evt schema.Event) (schema.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	env := p.envFor(evt)
	result, err := p.fn(goja.Undefined(), p.rt.ToValue(env))
	if err != nil {
		observability.Log().Warn("plugin hook failed",
			observability.F("plugin", p.name),
			observability.F("error", err))
		return evt, true
	}
	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		return evt, false
	}

	if evt.Type == schema.EventTypeTick && evt.Tick != nil {
		obj := result.ToObject(p.rt)
		tick := *evt.Tick
		if v := obj.Get("lastPrice"); v != nil && !goja.IsUndefined(v) {
			tick.LastPrice = v.ToFloat()
		}
		if v := obj.Get("bidPrice"); v != nil && !goja.IsUndefined(v) {
			tick.BidPrice = v.ToFloat()
		}
		if v := obj.Get("askPrice"); v != nil && !goja.IsUndefined(v) {
			tick.AskPrice = v.ToFloat()
		}
		if v := obj.Get("volume"); v != nil && !goja.IsUndefined(v) {
			tick.Volume = v.ToInteger()
		}
		evt.Tick = &tick
	}
	return evt, true
}

// envFor builds the plain object the script sees. Payload pointers are
// flattened so scripts never share memory with the caches.
func (p *JSPlugin) envFor(evt schema.Event) map[string]any {
	env := map[string]any{
		"type":       string(evt.Type),
		"client":     string(evt.Client),
		"instrument": evt.Instrument,
	}
	switch {
	case evt.Tick != nil:
		env["lastPrice"] = evt.Tick.LastPrice
		env["bidPrice"] = evt.Tick.BidPrice
		env["bidVolume"] = evt.Tick.BidVolume
		env["askPrice"] = evt.Tick.AskPrice
		env["askVolume"] = evt.Tick.AskVolume
		env["volume"] = evt.Tick.Volume
		env["updateTime"] = evt.Tick.UpdateTime
	case evt.Fill != nil:
		env["side"] = string(evt.Fill.Side)
		env["fillVolume"] = evt.Fill.Volume
		env["fillPrice"] = evt.Fill.Price
		env["orderRef"] = evt.Fill.OrderRef
	}
	return env
}
