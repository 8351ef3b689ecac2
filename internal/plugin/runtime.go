package plugin

import (
	"context"
	"sync"
	"time"

	"vcpd/internal/events"
	"vcpd/internal/observability"
	"vcpd/internal/vcperr"
)

// DistributedExecutor forwards an execution to a worker session. Installed
// by the distributed channel.
type DistributedExecutor func(ctx context.Context, sessionID, toolName string, args map[string]string, timeout time.Duration) (any, error)

// InternalHandler serves one internal plugin id.
type InternalHandler func(ctx context.Context, args map[string]string) (any, error)

// RuntimeConfig carries the per-kind execution timeouts.
type RuntimeConfig struct {
	SubprocessTimeout  time.Duration
	DistributedTimeout time.Duration
	InternalTimeout    time.Duration
}

func (c RuntimeConfig) withDefaults() RuntimeConfig {
	out := c
	if out.SubprocessTimeout <= 0 {
		out.SubprocessTimeout = 10 * time.Second
	}
	if out.DistributedTimeout <= 0 {
		out.DistributedTimeout = 30 * time.Second
	}
	if out.InternalTimeout <= 0 {
		out.InternalTimeout = 5 * time.Second
	}
	return out
}

// Runtime dispatches plugin execution per kind and runs the preprocessor
// pipeline.
type Runtime struct {
	cfg      RuntimeConfig
	registry *Registry
	subproc  *SubprocessExecutor
	logger   *observability.Logger
	metrics  *observability.Metrics
	tracer   *observability.TracerProvider
	bus      *events.Bus

	mu          sync.RWMutex
	distributed DistributedExecutor
	internal    map[string]InternalHandler
}

func NewRuntime(cfg RuntimeConfig, registry *Registry, logger *observability.Logger,
	metrics *observability.Metrics, tracer *observability.TracerProvider, bus *events.Bus) *Runtime {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Runtime{
		cfg:      cfg,
		registry: registry,
		subproc:  NewSubprocessExecutor(cfg.SubprocessTimeout, logger),
		logger:   logger,
		metrics:  metrics,
		tracer:   tracer,
		bus:      bus,
		internal: make(map[string]InternalHandler),
	}
}

// Registry exposes the backing registry.
func (rt *Runtime) Registry() *Registry { return rt.registry }

// Register adds a plugin to the registry.
func (rt *Runtime) Register(d Descriptor) error { return rt.registry.Register(d) }

// Unload removes a plugin from the registry.
func (rt *Runtime) Unload(id string) error { return rt.registry.Unload(id) }

// ToolCatalog returns the rendered catalog keyed by VCP<id>.
func (rt *Runtime) ToolCatalog() map[string]string { return rt.registry.ToolCatalog() }

// StaticValues returns the merged static plugin values.
func (rt *Runtime) StaticValues() map[string]string { return rt.registry.StaticValues() }

// Service returns a service plugin handle.
func (rt *Runtime) Service(id string) (any, error) { return rt.registry.Service(id) }

// BulkRegister registers worker-advertised plugins under sessionID.
func (rt *Runtime) BulkRegister(sessionID string, descriptors []Descriptor) int {
	return rt.registry.BulkRegister(sessionID, descriptors)
}

// BulkUnregister drops every plugin owned by sessionID.
func (rt *Runtime) BulkUnregister(sessionID string) int {
	return rt.registry.BulkUnregister(sessionID)
}

// SetDistributedExecutor installs the forwarding function used for
// distributed plugins.
func (rt *Runtime) SetDistributedExecutor(fn DistributedExecutor) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.distributed = fn
}

// RegisterInternalHandler binds an internal plugin id to a handler.
func (rt *Runtime) RegisterInternalHandler(id string, fn InternalHandler) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.internal[id] = fn
}

// ExecuteResult pairs the plugin output with the invocation identity.
type ExecuteResult struct {
	PluginID string
	Result   any
}

// Execute runs plugin id with args and reports the outcome on the event
// bus.
func (rt *Runtime) Execute(ctx context.Context, id string, args map[string]string) (any, error) {
	d, ok := rt.registry.Get(id)
	if !ok {
		err := vcperr.New(vcperr.KindPluginNotFound, "plugin not registered", "plugin_id", id)
		rt.reportFailure(id, "unknown", err)
		return nil, err
	}

	if rt.tracer != nil {
		spanCtx, span := rt.tracer.StartSpan(ctx, observability.SpanPluginExecute, observability.PluginAttrs(id)...)
		ctx = spanCtx
		defer span.End()
	}

	start := time.Now()
	result, err := rt.dispatch(ctx, d, args)
	elapsed := time.Since(start)

	if err != nil {
		rt.metrics.ObserveExecute(string(d.Kind), "error", elapsed)
		rt.reportFailure(id, string(d.Kind), err)
		return nil, err
	}

	rt.metrics.ObserveExecute(string(d.Kind), "ok", elapsed)
	rt.logger.InfoContext(ctx, "plugin executed", "plugin_id", id, "kind", string(d.Kind), "elapsed", elapsed)
	rt.publish(events.TopicPluginExecuted, ExecuteResult{PluginID: id, Result: result})
	return result, nil
}

func (rt *Runtime) dispatch(ctx context.Context, d Descriptor, args map[string]string) (any, error) {
	switch d.Kind {
	case KindSubprocess:
		return rt.subproc.Execute(ctx, d, args)
	case KindDistributed:
		return rt.executeDistributed(ctx, d, args)
	case KindInternal:
		return rt.executeInternal(ctx, d, args)
	case KindDirect:
		return nil, vcperr.New(vcperr.KindToolExecution,
			"direct plugin is routed by the embedding layer", "plugin_id", d.ID)
	default:
		return nil, vcperr.New(vcperr.KindInvalidToolRequest,
			"plugin kind is not executable", "plugin_id", d.ID, "kind", string(d.Kind))
	}
}

func (rt *Runtime) executeDistributed(ctx context.Context, d Descriptor, args map[string]string) (any, error) {
	rt.mu.RLock()
	exec := rt.distributed
	rt.mu.RUnlock()
	if exec == nil {
		return nil, vcperr.New(vcperr.KindDistributedConn,
			"no distributed executor installed", "plugin_id", d.ID)
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = rt.cfg.DistributedTimeout
	}
	return exec(ctx, d.SessionID, d.Name, args, timeout)
}

// InternalCall is the payload fired for internal plugins without a bound
// handler. Reply must be called exactly once.
type InternalCall struct {
	PluginID string
	Args     map[string]string
	Reply    func(result any, err error)
}

func (rt *Runtime) executeInternal(ctx context.Context, d Descriptor, args map[string]string) (any, error) {
	rt.mu.RLock()
	handler := rt.internal[d.ID]
	rt.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, rt.cfg.InternalTimeout)
	defer cancel()

	if handler != nil {
		return handler(ctx, args)
	}
	if rt.bus == nil {
		return nil, vcperr.New(vcperr.KindToolExecution,
			"no handler for internal plugin", "plugin_id", d.ID)
	}

	type reply struct {
		result any
		err    error
	}
	replyCh := make(chan reply, 1)
	var once sync.Once
	rt.bus.Publish(events.Event{
		Topic: events.TopicInternalExecute,
		Payload: InternalCall{
			PluginID: d.ID,
			Args:     args,
			Reply: func(result any, err error) {
				once.Do(func() { replyCh <- reply{result: result, err: err} })
			},
		},
	})

	select {
	case r := <-replyCh:
		return r.result, r.err
	case <-ctx.Done():
		return nil, vcperr.New(vcperr.KindToolTimeout,
			"internal plugin did not reply", "plugin_id", d.ID,
			"timeout", rt.cfg.InternalTimeout.String())
	}
}

// Preprocess runs every registered preprocessor in registration order. A
// failing preprocessor is logged and skipped.
func (rt *Runtime) Preprocess(ctx context.Context, messages []Message) []Message {
	for _, d := range rt.registry.Preprocessors() {
		if d.Preprocess == nil {
			continue
		}
		out, err := d.Preprocess(ctx, messages)
		if err != nil {
			rt.logger.Warn("preprocessor failed, forwarding unmodified messages",
				"plugin_id", d.ID, "error", err)
			continue
		}
		messages = out
	}
	return messages
}

func (rt *Runtime) reportFailure(id, kind string, err error) {
	rt.metrics.CountExecuteFailure(kind, string(vcperr.KindOf(err)))
	rt.logger.Error("plugin execution failed", "plugin_id", id, "kind", kind, "error", err)
	rt.publish(events.TopicPluginError, err)
}

func (rt *Runtime) publish(topic string, payload any) {
	if rt.bus != nil {
		rt.bus.Publish(events.Event{Topic: topic, Payload: payload})
	}
}
