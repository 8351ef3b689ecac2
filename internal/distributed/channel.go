package distributed

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vcpd/internal/events"
	"vcpd/internal/observability"
	"vcpd/internal/plugin"
	"vcpd/internal/vcperr"
)

// Config bounds the channel's waits.
type Config struct {
	ServerID       string
	DefaultTimeout time.Duration
	FetchTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	out := c
	if out.ServerID == "" {
		out.ServerID = "vcpd-" + uuid.NewString()[:8]
	}
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = 30 * time.Second
	}
	if out.FetchTimeout <= 0 {
		out.FetchTimeout = 30 * time.Second
	}
	return out
}

type pendingCall struct {
	sessionID string
	toolName  string
	ch        chan Result
}

// ToolsEvent is the payload of tools_registered and tools_unregistered
// events.
type ToolsEvent struct {
	SessionID string
	Tools     []plugin.Descriptor
}

// AsyncResult is the payload of async_tool_result events.
type AsyncResult struct {
	SessionID string
	Result    Result
}

// IPReport is the payload of ip_report events.
type IPReport struct {
	SessionID string
	LocalIPs  []string
	PublicIP  string
}

// Channel manages worker sessions over WebSocket and correlates
// execute_tool requests with tool_result frames.
type Channel struct {
	cfg     Config
	logger  *observability.Logger
	metrics *observability.Metrics
	bus     *events.Bus

	mu       sync.RWMutex
	sessions map[string]*Session

	pendingMu sync.Mutex
	pending   map[string]*pendingCall
}

func NewChannel(cfg Config, logger *observability.Logger, metrics *observability.Metrics, bus *events.Bus) *Channel {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Channel{
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		bus:      bus,
		sessions: make(map[string]*Session),
		pending:  make(map[string]*pendingCall),
	}
}

// HandleConn owns conn until it closes: registers a session, sends the
// ack, pumps frames, and tears everything down on exit.
func (ch *Channel) HandleConn(ctx context.Context, conn Conn) {
	session := newSession(newSessionID(), conn)

	ch.mu.Lock()
	ch.sessions[session.ID] = session
	ch.mu.Unlock()
	ch.metrics.SessionOpened()

	ctx = observability.WithSessionID(ctx, session.ID)
	ch.logger.InfoContext(ctx, "distributed worker connected", "session_id", session.ID)

	if err := session.send(TypeConnectionAck, connectionAckData{
		ServerID: ch.cfg.ServerID,
		Message:  "connected to vcpd distributed tool channel",
	}); err != nil {
		ch.logger.Warn("failed to send connection ack", "session_id", session.ID, "error", err)
	}
	ch.publish(events.TopicServerConnected, session.info())

	ch.readLoop(ctx, session)
	ch.dropSession(ctx, session)
}

func (ch *Channel) readLoop(ctx context.Context, session *Session) {
	for {
		_, payload, err := session.conn.ReadMessage()
		if err != nil {
			ch.logger.InfoContext(ctx, "distributed worker disconnected",
				"session_id", session.ID, "error", err)
			return
		}
		session.touch()
		ch.handleFrame(ctx, session, payload)
	}
}

func (ch *Channel) handleFrame(ctx context.Context, session *Session, payload []byte) {
	var frame Frame
	if err := json.Unmarshal(payload, &frame); err != nil {
		ch.logger.Warn("dropping unparseable frame",
			"session_id", session.ID, "error", err)
		return
	}

	switch frame.Type {
	case TypeRegisterTools:
		ch.handleRegisterTools(ctx, session, frame.Data)
	case TypeUnregisterTools:
		ch.handleUnregisterTools(session, frame.Data)
	case TypeToolResult, TypeFileResult:
		ch.handleResult(session, frame.Data)
	case TypeReportIP:
		ch.handleReportIP(session, frame.Data)
	case TypeHeartbeat:
		// touch already happened
	default:
		ch.logger.Warn("ignoring unknown frame type",
			"session_id", session.ID, "type", frame.Type)
	}
}

func (ch *Channel) handleRegisterTools(ctx context.Context, session *Session, data json.RawMessage) {
	var msg registerToolsData
	if err := json.Unmarshal(data, &msg); err != nil {
		ch.logger.Warn("bad register_tools payload", "session_id", session.ID, "error", err)
		return
	}
	names := session.setTools(msg.Tools)

	if err := session.send(TypeRegisterAck, registerAckData{Tools: names, Count: len(names)}); err != nil {
		ch.logger.Warn("failed to send register ack", "session_id", session.ID, "error", err)
	}
	ch.logger.InfoContext(ctx, "worker tools registered",
		"session_id", session.ID, "count", len(names))
	ch.publish(events.TopicToolsRegistered, ToolsEvent{
		SessionID: session.ID,
		Tools:     toDescriptors(session.ID, msg.Tools),
	})
}

func (ch *Channel) handleUnregisterTools(session *Session, data json.RawMessage) {
	var msg unregisterToolsData
	if err := json.Unmarshal(data, &msg); err != nil {
		ch.logger.Warn("bad unregister_tools payload", "session_id", session.ID, "error", err)
		return
	}
	session.removeTools(msg.Tools)

	tools := make([]plugin.Descriptor, 0, len(msg.Tools))
	for _, name := range msg.Tools {
		tools = append(tools, plugin.Descriptor{ID: name, Name: name, Kind: plugin.KindDistributed, SessionID: session.ID})
	}
	ch.publish(events.TopicToolsUnregistered, ToolsEvent{SessionID: session.ID, Tools: tools})
}

func (ch *Channel) handleResult(session *Session, data json.RawMessage) {
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		ch.logger.Warn("bad result payload", "session_id", session.ID, "error", err)
		return
	}

	if result.RequestID == "" {
		ch.publish(events.TopicAsyncToolResult, AsyncResult{SessionID: session.ID, Result: result})
		return
	}

	ch.pendingMu.Lock()
	call := ch.pending[result.RequestID]
	delete(ch.pending, result.RequestID)
	ch.pendingMu.Unlock()

	if call == nil {
		ch.logger.Warn("discarding late or unknown tool result",
			"session_id", session.ID, "request_id", result.RequestID)
		return
	}
	ch.metrics.PendingRemoved()
	call.ch <- result
}

func (ch *Channel) handleReportIP(session *Session, data json.RawMessage) {
	var msg reportIPData
	if err := json.Unmarshal(data, &msg); err != nil {
		ch.logger.Warn("bad report_ip payload", "session_id", session.ID, "error", err)
		return
	}
	session.setIPs(msg.LocalIPs, msg.PublicIP)
	ch.publish(events.TopicIPReport, IPReport{
		SessionID: session.ID,
		LocalIPs:  msg.LocalIPs,
		PublicIP:  msg.PublicIP,
	})
}

// Execute forwards a tool invocation to the worker session and waits for
// the matching tool_result.
func (ch *Channel) Execute(ctx context.Context, sessionID, toolName string, args map[string]string, timeout time.Duration) (any, error) {
	if timeout <= 0 {
		timeout = ch.cfg.DefaultTimeout
	}

	ch.mu.RLock()
	session := ch.sessions[sessionID]
	ch.mu.RUnlock()
	if session == nil || !session.open() {
		return nil, vcperr.New(vcperr.KindDistributedConn, "worker session is not connected",
			"session_id", sessionID, "tool", toolName)
	}

	requestID := newRequestID()
	call := &pendingCall{sessionID: sessionID, toolName: toolName, ch: make(chan Result, 1)}
	ch.pendingMu.Lock()
	ch.pending[requestID] = call
	ch.pendingMu.Unlock()
	ch.metrics.PendingAdded()

	if err := session.send(TypeExecuteTool, executeToolData{
		RequestID: requestID,
		ToolName:  toolName,
		ToolArgs:  args,
	}); err != nil {
		ch.removePending(requestID)
		return nil, vcperr.Wrap(vcperr.KindDistributedConn, "failed to send execute_tool frame", err,
			"session_id", sessionID, "tool", toolName)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result := <-call.ch:
		if result.Status == "success" {
			return result.Result, nil
		}
		return nil, vcperr.New(vcperr.KindToolExecution, "worker reported tool failure",
			"session_id", sessionID, "tool", toolName, "error", result.Error)
	case <-timer.C:
		ch.removePending(requestID)
		return nil, vcperr.New(vcperr.KindDistributedTimeout, "worker did not reply in time",
			"tool", toolName, "session_id", sessionID,
			"request_id", requestID, "timeout", timeout.String())
	case <-ctx.Done():
		ch.removePending(requestID)
		return nil, vcperr.Wrap(vcperr.KindDistributedConn, "execute cancelled", ctx.Err(),
			"session_id", sessionID, "tool", toolName)
	}
}

// FetchFile asks each connected worker in turn for the file at path and
// returns the first successful payload.
func (ch *Channel) FetchFile(ctx context.Context, path string) ([]byte, string, error) {
	for _, session := range ch.snapshot() {
		data, mime, err := ch.fetchFrom(ctx, session, path)
		if err == nil {
			return data, mime, nil
		}
		ch.logger.Debug("distributed file fetch missed",
			"session_id", session.ID, "path", path, "error", err)
	}
	return nil, "", vcperr.New(vcperr.KindToolExecution, "no worker could provide file", "path", path)
}

func (ch *Channel) fetchFrom(ctx context.Context, session *Session, path string) ([]byte, string, error) {
	if !session.open() {
		return nil, "", vcperr.New(vcperr.KindDistributedConn, "worker session is not connected",
			"session_id", session.ID)
	}

	requestID := newRequestID()
	call := &pendingCall{sessionID: session.ID, toolName: "fetch_file", ch: make(chan Result, 1)}
	ch.pendingMu.Lock()
	ch.pending[requestID] = call
	ch.pendingMu.Unlock()
	ch.metrics.PendingAdded()

	if err := session.send(TypeFetchFile, fetchFileData{RequestID: requestID, Path: path}); err != nil {
		ch.removePending(requestID)
		return nil, "", vcperr.Wrap(vcperr.KindDistributedConn, "failed to send fetch_file frame", err,
			"session_id", session.ID)
	}

	timer := time.NewTimer(ch.cfg.FetchTimeout)
	defer timer.Stop()

	select {
	case result := <-call.ch:
		if result.Status != "success" {
			return nil, "", vcperr.New(vcperr.KindToolExecution, "worker could not fetch file",
				"session_id", session.ID, "path", path, "error", result.Error)
		}
		data, err := base64.StdEncoding.DecodeString(result.Content)
		if err != nil {
			return nil, "", vcperr.Wrap(vcperr.KindToolExecution, "worker sent undecodable file content", err,
				"session_id", session.ID, "path", path)
		}
		return data, result.Mime, nil
	case <-timer.C:
		ch.removePending(requestID)
		return nil, "", vcperr.New(vcperr.KindDistributedTimeout, "worker did not return file in time",
			"session_id", session.ID, "path", path, "timeout", ch.cfg.FetchTimeout.String())
	case <-ctx.Done():
		ch.removePending(requestID)
		return nil, "", ctx.Err()
	}
}

// Sessions returns a snapshot of every connected session.
func (ch *Channel) Sessions() []Info {
	sessions := ch.snapshot()
	out := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.info())
	}
	return out
}

// HasSessions reports whether any worker is connected.
func (ch *Channel) HasSessions() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.sessions) > 0
}

func (ch *Channel) snapshot() []*Session {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	out := make([]*Session, 0, len(ch.sessions))
	for _, s := range ch.sessions {
		out = append(out, s)
	}
	return out
}

func (ch *Channel) dropSession(ctx context.Context, session *Session) {
	session.markClosed()

	ch.pendingMu.Lock()
	var orphaned []*pendingCall
	for id, call := range ch.pending {
		if call.sessionID == session.ID {
			delete(ch.pending, id)
			orphaned = append(orphaned, call)
		}
	}
	ch.pendingMu.Unlock()
	for _, call := range orphaned {
		ch.metrics.PendingRemoved()
		call.ch <- Result{Status: "error", Error: "server disconnected"}
	}

	info := session.info()
	tools := make([]plugin.Descriptor, 0, len(info.Tools))
	for _, name := range info.Tools {
		tools = append(tools, plugin.Descriptor{ID: name, Name: name, Kind: plugin.KindDistributed, SessionID: session.ID})
	}
	ch.publish(events.TopicToolsUnregistered, ToolsEvent{SessionID: session.ID, Tools: tools})

	ch.mu.Lock()
	delete(ch.sessions, session.ID)
	ch.mu.Unlock()
	ch.metrics.SessionClosed()
	ch.logger.InfoContext(ctx, "distributed session dropped",
		"session_id", session.ID, "orphaned_calls", len(orphaned))
}

func (ch *Channel) removePending(requestID string) {
	ch.pendingMu.Lock()
	_, existed := ch.pending[requestID]
	delete(ch.pending, requestID)
	ch.pendingMu.Unlock()
	if existed {
		ch.metrics.PendingRemoved()
	}
}

func (ch *Channel) publish(topic string, payload any) {
	if ch.bus != nil {
		ch.bus.Publish(events.Event{Topic: topic, Payload: payload})
	}
}

func toDescriptors(sessionID string, tools []ToolDescriptor) []plugin.Descriptor {
	out := make([]plugin.Descriptor, 0, len(tools))
	for _, t := range tools {
		name := t.DisplayName
		if name == "" {
			name = t.Name
		}
		d := plugin.Descriptor{
			ID:          t.ID,
			Name:        t.Name,
			Version:     t.Version,
			Description: t.Description,
			Kind:        plugin.KindDistributed,
			SessionID:   sessionID,
		}
		if d.ID == "" {
			d.ID = t.Name
		}
		if name != "" {
			d.Name = name
		}
		for _, c := range t.InvocationCommands {
			d.Commands = append(d.Commands, plugin.Command{
				Command:     c.Command,
				Description: c.Description,
				Example:     c.Example,
			})
		}
		out = append(out, d)
	}
	return out
}

func newSessionID() string {
	return fmt.Sprintf("dist-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

func newRequestID() string {
	return fmt.Sprintf("req-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}
