package plugin

import (
	"sort"
	"sync"

	"vcpd/internal/events"
	"vcpd/internal/observability"
	"vcpd/internal/vcperr"
)

// Registry is the single source of truth for registered plugins and the
// rendered tool catalog. All mutation paths rebuild the catalog before
// returning so readers always see a catalog matching the plugin set.
type Registry struct {
	mu            sync.RWMutex
	plugins       map[string]Descriptor
	catalog       map[string]string
	preprocessors []string // registration order
	logger        *observability.Logger
	bus           *events.Bus
}

func NewRegistry(logger *observability.Logger, bus *events.Bus) *Registry {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Registry{
		plugins: make(map[string]Descriptor),
		catalog: make(map[string]string),
		logger:  logger,
		bus:     bus,
	}
}

// Register validates and inserts a descriptor, then rebuilds the catalog.
// Distributed duplicate ids are refused; other kinds overwrite.
func (r *Registry) Register(d Descriptor) error {
	if d.ID == "" || d.Name == "" || d.Kind == "" {
		return vcperr.New(vcperr.KindPluginInit, "descriptor missing id, name or kind",
			"id", d.ID, "name", d.Name, "kind", string(d.Kind))
	}

	r.mu.Lock()
	if existing, ok := r.plugins[d.ID]; ok && d.Kind == KindDistributed {
		r.mu.Unlock()
		r.logger.Warn("refusing distributed plugin id collision",
			"plugin_id", d.ID, "existing_kind", string(existing.Kind))
		return vcperr.New(vcperr.KindPluginInit, "plugin id already registered",
			"plugin_id", d.ID)
	}
	if d.Kind == KindPreprocessor && !containsStr(r.preprocessors, d.ID) {
		r.preprocessors = append(r.preprocessors, d.ID)
	}
	r.plugins[d.ID] = d
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	r.logger.Info("plugin registered", "plugin_id", d.ID, "kind", string(d.Kind))
	r.publish(events.TopicPluginRegistered, d)
	return nil
}

// Unload removes a plugin and rebuilds the catalog.
func (r *Registry) Unload(id string) error {
	r.mu.Lock()
	d, ok := r.plugins[id]
	if !ok {
		r.mu.Unlock()
		return vcperr.New(vcperr.KindPluginNotFound, "plugin not registered", "plugin_id", id)
	}
	delete(r.plugins, id)
	r.preprocessors = removeStr(r.preprocessors, id)
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	r.logger.Info("plugin unloaded", "plugin_id", id)
	r.publish(events.TopicPluginUnloaded, d)
	return nil
}

// Get returns the descriptor for id.
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[id]
	return d, ok
}

// List returns all descriptors sorted by id.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.plugins))
	for _, d := range r.plugins {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ToolCatalog returns a copy of the rendered catalog keyed by VCP<id>.
func (r *Registry) ToolCatalog() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.catalog))
	for k, v := range r.catalog {
		out[k] = v
	}
	return out
}

// StaticValues merges the value maps of every static plugin.
func (r *Registry) StaticValues() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string)
	for _, d := range r.plugins {
		if d.Kind != KindStatic {
			continue
		}
		for k, v := range d.StaticValues {
			out[k] = v
		}
	}
	return out
}

// Service returns the handle of a service plugin.
func (r *Registry) Service(id string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.plugins[id]
	if !ok || d.Kind != KindService {
		return nil, vcperr.New(vcperr.KindPluginNotFound, "service plugin not registered", "plugin_id", id)
	}
	return d.Service, nil
}

// Preprocessors returns the preprocessor descriptors in registration
// order.
func (r *Registry) Preprocessors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.preprocessors))
	for _, id := range r.preprocessors {
		if d, ok := r.plugins[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// BulkRegister registers every descriptor a worker session advertised,
// stamping kind and session id. Invalid descriptors and id collisions are
// skipped with a warning. The catalog is rebuilt once.
func (r *Registry) BulkRegister(sessionID string, descriptors []Descriptor) int {
	var accepted []Descriptor

	r.mu.Lock()
	for _, d := range descriptors {
		if d.Name == "" {
			r.logger.Warn("skipping distributed tool without name", "session_id", sessionID)
			continue
		}
		if d.ID == "" {
			d.ID = d.Name
		}
		if _, exists := r.plugins[d.ID]; exists {
			r.logger.Warn("refusing distributed plugin id collision",
				"plugin_id", d.ID, "session_id", sessionID)
			continue
		}
		d.Kind = KindDistributed
		d.SessionID = sessionID
		r.plugins[d.ID] = d
		accepted = append(accepted, d)
	}
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	for _, d := range accepted {
		r.logger.Info("distributed plugin registered", "plugin_id", d.ID, "session_id", sessionID)
		r.publish(events.TopicPluginRegistered, d)
	}
	return len(accepted)
}

// BulkUnregister drops every plugin owned by sessionID and rebuilds the
// catalog once.
func (r *Registry) BulkUnregister(sessionID string) int {
	var dropped []Descriptor

	r.mu.Lock()
	for id, d := range r.plugins {
		if d.Kind == KindDistributed && d.SessionID == sessionID {
			delete(r.plugins, id)
			dropped = append(dropped, d)
		}
	}
	r.rebuildCatalogLocked()
	r.mu.Unlock()

	for _, d := range dropped {
		r.logger.Info("distributed plugin unregistered", "plugin_id", d.ID, "session_id", sessionID)
		r.publish(events.TopicPluginUnloaded, d)
	}
	return len(dropped)
}

func (r *Registry) rebuildCatalogLocked() {
	catalog := make(map[string]string, len(r.plugins))
	for id, d := range r.plugins {
		entry := renderCatalogEntry(d)
		if entry == "" {
			continue
		}
		catalog[CatalogKeyPrefix+id] = entry
	}
	r.catalog = catalog
}

func (r *Registry) publish(topic string, payload any) {
	if r.bus != nil {
		r.bus.Publish(events.Event{Topic: topic, Payload: payload})
	}
}

func containsStr(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func removeStr(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
