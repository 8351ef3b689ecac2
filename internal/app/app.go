package app

import (
	"context"

	"vcpd/internal/config"
	"vcpd/internal/distributed"
	"vcpd/internal/events"
	"vcpd/internal/fetcher"
	"vcpd/internal/hub"
	"vcpd/internal/observability"
	"vcpd/internal/plugin"
	"vcpd/internal/protocol"
	"vcpd/internal/server"
	"vcpd/internal/template"
)

// App owns every core component and the event wiring between them.
type App struct {
	cfg     config.Config
	Logger  *observability.Logger
	Tracer  *observability.TracerProvider
	Bus     *events.Bus
	Parser  *protocol.Parser
	Engine  *template.Engine
	Static  *template.StaticProvider
	Runtime *plugin.Runtime
	Channel *distributed.Channel
	Fetcher *fetcher.Fetcher
	Hub     *hub.Hub
	Server  *server.Server
}

// New builds a fully wired application from cfg.
func New(cfg config.Config) (*App, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Observability.LogLevel,
		Format: cfg.Observability.LogFormat,
	})
	tracer, err := observability.NewTracerProvider(cfg.Observability.Tracing)
	if err != nil {
		return nil, err
	}

	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.DefaultMetrics()
	}

	bus := events.NewBus()
	registry := plugin.NewRegistry(logger, bus)
	runtime := plugin.NewRuntime(plugin.RuntimeConfig{
		SubprocessTimeout:  cfg.Plugins.SubprocessTimeout,
		DistributedTimeout: cfg.Plugins.DistributedTimeout,
		InternalTimeout:    cfg.Plugins.InternalTimeout,
	}, registry, logger, metrics, tracer, bus)

	channel := distributed.NewChannel(distributed.Config{
		DefaultTimeout: cfg.Plugins.DistributedTimeout,
	}, logger, metrics, bus)
	runtime.SetDistributedExecutor(channel.Execute)

	fileFetcher := fetcher.New(fetcher.Config{
		CacheDir:       cfg.Fetcher.CacheDir,
		MemoryEntries:  cfg.Fetcher.MemoryEntries,
		RequestTimeout: cfg.Fetcher.RequestTimeout,
	}, channel, logger, metrics)

	engine := template.NewEngine(template.Config{
		MaxDepth:        cfg.Template.MaxDepth,
		MaxPlaceholders: cfg.Template.MaxPlaceholders,
		RegexCacheSize:  cfg.Template.RegexCacheSize,
		CycleDetection:  cfg.Template.CycleDetection,
	}, logger, metrics)
	engine.Register(template.NewTimeProvider())
	engine.Register(template.NewEnvProvider(cfg.Template.EnvPrefixes))
	staticProvider := template.NewStaticProvider()
	engine.Register(staticProvider)
	engine.Register(template.NewPluginValuesProvider(runtime))
	engine.Register(template.NewCatalogProvider(registry))

	wsHub := hub.New("vcpd", logger)
	srv := server.New(cfg, logger, wsHub, channel)

	return &App{
		cfg:     cfg,
		Logger:  logger,
		Tracer:  tracer,
		Bus:     bus,
		Parser:  protocol.NewParser(protocol.Config(cfg.Protocol), logger),
		Engine:  engine,
		Static:  staticProvider,
		Runtime: runtime,
		Channel: channel,
		Fetcher: fileFetcher,
		Hub:     wsHub,
		Server:  srv,
	}, nil
}

// Run loads local plugins, starts the event bridges and serves until ctx
// is cancelled.
func (a *App) Run(ctx context.Context) error {
	a.loadLocalPlugins()
	go a.bridgeDistributedEvents(ctx)

	err := a.Server.Run(ctx)

	shutdownErr := a.Tracer.Shutdown(context.Background())
	if err != nil {
		return err
	}
	return shutdownErr
}

func (a *App) loadLocalPlugins() {
	descriptors, errs := plugin.LoadAll(a.cfg.Plugins.Dir, a.cfg.Plugins.SubprocessTimeout)
	for _, err := range errs {
		a.Logger.Warn("skipping plugin", "error", err)
	}
	for _, d := range descriptors {
		if err := a.Runtime.Register(d); err != nil {
			a.Logger.Warn("failed to register plugin", "plugin_id", d.ID, "error", err)
		}
	}
	a.Logger.Info("local plugins loaded", "count", len(descriptors))
}

// bridgeDistributedEvents keeps the registry in sync with worker sessions
// and mirrors channel activity onto the broadcast hub.
func (a *App) bridgeDistributedEvents(ctx context.Context) {
	registered := a.Bus.Subscribe(ctx, events.TopicToolsRegistered)
	unregistered := a.Bus.Subscribe(ctx, events.TopicToolsUnregistered)
	asyncResults := a.Bus.Subscribe(ctx, events.TopicAsyncToolResult)
	ipReports := a.Bus.Subscribe(ctx, events.TopicIPReport)

	for {
		select {
		case ev, ok := <-registered:
			if !ok {
				return
			}
			payload := ev.Payload.(distributed.ToolsEvent)
			a.Runtime.BulkRegister(payload.SessionID, payload.Tools)
		case ev, ok := <-unregistered:
			if !ok {
				return
			}
			payload := ev.Payload.(distributed.ToolsEvent)
			a.Runtime.BulkUnregister(payload.SessionID)
		case ev, ok := <-asyncResults:
			if !ok {
				return
			}
			payload := ev.Payload.(distributed.AsyncResult)
			a.Hub.Broadcast(hub.ChannelInfo, hub.Frame{Type: "async_tool_result", Data: payload})
		case ev, ok := <-ipReports:
			if !ok {
				return
			}
			payload := ev.Payload.(distributed.IPReport)
			a.Hub.Broadcast(hub.ChannelInfo, hub.Frame{Type: "ip_report", Data: payload})
		case <-ctx.Done():
			return
		}
	}
}

// HandleModelOutput runs one tool-call turn: parse the model text,
// execute every invocation and format each result for re-ingestion.
// Fire-and-forget invocations execute in the background and produce no
// result entry.
func (a *App) HandleModelOutput(ctx context.Context, text string) []string {
	invocations := a.Parser.Parse(text)
	results := make([]string, 0, len(invocations))
	for _, inv := range invocations {
		if inv.FireAndForget {
			go func(inv protocol.Invocation) {
				if _, err := a.Runtime.Execute(ctx, inv.Name, inv.Args); err != nil {
					a.Logger.Warn("fire-and-forget invocation failed",
						"plugin_id", inv.Name, "error", err)
				}
			}(inv)
			continue
		}
		result, err := a.Runtime.Execute(ctx, inv.Name, inv.Args)
		if err != nil {
			results = append(results, protocol.FormatResult(inv.Name, nil, false, err.Error()))
			continue
		}
		results = append(results, protocol.FormatResult(inv.Name, result, true, ""))
	}
	return results
}

// PreparePrompt expands placeholders in a prompt using the provider
// chain.
func (a *App) PreparePrompt(ctx context.Context, text string) (string, error) {
	return a.Engine.Resolve(ctx, text)
}
