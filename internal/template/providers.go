package template

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// TimeProvider serves clock-derived placeholders. The clock is injectable
// for tests.
type TimeProvider struct {
	Now func() time.Time
}

func NewTimeProvider() *TimeProvider {
	return &TimeProvider{Now: time.Now}
}

func (p *TimeProvider) Name() string { return "time" }

func (p *TimeProvider) Lookup(_ context.Context, key string) (string, bool) {
	now := p.Now()
	switch key {
	case "Date", "Today":
		return now.Format("2006-01-02"), true
	case "Time":
		return now.Format("15:04:05"), true
	case "DateTime":
		return now.Format("2006-01-02 15:04:05"), true
	case "Timestamp":
		return fmt.Sprintf("%d", now.Unix()), true
	case "ISO8601":
		return now.Format(time.RFC3339), true
	}
	return "", false
}

// EnvProvider serves placeholders whose name is an OS environment variable
// carrying one of the configured prefixes. A matching key whose variable
// is unset resolves to a visible marker instead of disappearing.
type EnvProvider struct {
	prefixes []string
}

func NewEnvProvider(prefixes []string) *EnvProvider {
	if len(prefixes) == 0 {
		prefixes = []string{"Tar", "Var", "ENV_"}
	}
	return &EnvProvider{prefixes: prefixes}
}

func (p *EnvProvider) Name() string { return "env" }

func (p *EnvProvider) Lookup(_ context.Context, key string) (string, bool) {
	matched := false
	for _, prefix := range p.prefixes {
		if strings.HasPrefix(key, prefix) {
			matched = true
			break
		}
	}
	if !matched {
		return "", false
	}
	if value, ok := os.LookupEnv(key); ok {
		return value, true
	}
	return fmt.Sprintf("[not configured %s]", key), true
}

// StaticProvider is an in-memory key/value map settable by the embedding
// application.
type StaticProvider struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewStaticProvider() *StaticProvider {
	return &StaticProvider{values: make(map[string]string)}
}

func (p *StaticProvider) Name() string { return "static" }

func (p *StaticProvider) Set(key, value string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.values[key] = value
}

func (p *StaticProvider) Delete(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.values, key)
}

func (p *StaticProvider) Lookup(_ context.Context, key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	value, ok := p.values[key]
	return value, ok
}

// ValuesSource exposes the merged static plugin values. Implemented by
// the plugin runtime.
type ValuesSource interface {
	StaticValues() map[string]string
}

// PluginValuesProvider resolves placeholders from static plugin values.
// The source is read on every lookup, so plugins registered after startup
// take effect without a resync.
type PluginValuesProvider struct {
	source ValuesSource
}

func NewPluginValuesProvider(source ValuesSource) *PluginValuesProvider {
	return &PluginValuesProvider{source: source}
}

func (p *PluginValuesProvider) Name() string { return "plugin-values" }

func (p *PluginValuesProvider) Lookup(_ context.Context, key string) (string, bool) {
	value, ok := p.source.StaticValues()[key]
	return value, ok
}

// CatalogSource exposes the rendered tool catalog. Implemented by the
// plugin runtime.
type CatalogSource interface {
	ToolCatalog() map[string]string
}

// CatalogProvider resolves VCPAllTools and per-plugin VCP<id> keys from a
// catalog source.
type CatalogProvider struct {
	source CatalogSource
}

func NewCatalogProvider(source CatalogSource) *CatalogProvider {
	return &CatalogProvider{source: source}
}

func (p *CatalogProvider) Name() string { return "catalog" }

func (p *CatalogProvider) Lookup(_ context.Context, key string) (string, bool) {
	catalog := p.source.ToolCatalog()
	if key == "VCPAllTools" {
		if len(catalog) == 0 {
			return "", false
		}
		keys := make([]string, 0, len(catalog))
		for k := range catalog {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		entries := make([]string, 0, len(keys))
		for _, k := range keys {
			entries = append(entries, catalog[k])
		}
		return strings.Join(entries, "\n\n---\n\n"), true
	}
	if strings.HasPrefix(key, "VCP") {
		entry, ok := catalog[key]
		return entry, ok
	}
	return "", false
}
