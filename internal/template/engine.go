package template

import (
	"context"
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"vcpd/internal/observability"
	"vcpd/internal/vcperr"
)

// Provider resolves placeholder keys. Providers are consulted in
// registration order; the first hit wins.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, key string) (string, bool)
}

// Config bounds the resolution work a single call may do.
type Config struct {
	MaxDepth        int
	MaxPlaceholders int
	RegexCacheSize  int
	CycleDetection  bool
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxDepth <= 0 {
		out.MaxDepth = 10
	}
	if out.MaxPlaceholders <= 0 {
		out.MaxPlaceholders = 100
	}
	if out.RegexCacheSize <= 0 {
		out.RegexCacheSize = 200
	}
	return out
}

var keyRe = regexp.MustCompile(`\{\{([A-Za-z0-9_:]+)\}\}`)

// Engine expands {{KEY}} placeholders by consulting an ordered provider
// chain. Unresolved placeholders are left intact.
type Engine struct {
	cfg       Config
	providers []Provider
	cache     *lru.Cache[string, *regexp.Regexp]
	logger    *observability.Logger
	metrics   *observability.Metrics
}

func NewEngine(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NopLogger()
	}
	cache, _ := lru.New[string, *regexp.Regexp](cfg.RegexCacheSize)
	return &Engine{cfg: cfg, cache: cache, logger: logger, metrics: metrics}
}

// Register appends a provider to the chain. Priority is registration
// order.
func (e *Engine) Register(p Provider) {
	e.providers = append(e.providers, p)
}

// Resolve expands every resolvable placeholder in text.
func (e *Engine) Resolve(ctx context.Context, text string) (string, error) {
	out, err := e.resolve(ctx, text, 0, nil)
	if err != nil {
		e.metrics.CountResolve("error")
		return "", err
	}
	e.metrics.CountResolve("ok")
	return out, nil
}

func (e *Engine) resolve(ctx context.Context, text string, depth int, stack []string) (string, error) {
	if depth > e.cfg.MaxDepth {
		return "", vcperr.New(vcperr.KindMaxRecursionDepth,
			"placeholder recursion exceeded max depth",
			"max_depth", e.cfg.MaxDepth, "stack", strings.Join(stack, " -> "))
	}

	keys := e.uniqueKeys(text)
	if len(keys) == 0 {
		return text, nil
	}
	if len(keys) > e.cfg.MaxPlaceholders {
		return "", vcperr.New(vcperr.KindVariableResolve,
			"too many unique placeholders in one text",
			"count", len(keys), "max", e.cfg.MaxPlaceholders)
	}

	resolved := make(map[string]string, len(keys))
	for _, key := range keys {
		if e.cfg.CycleDetection && contains(stack, key) {
			chain := strings.Join(append(stack, key), " -> ")
			return "", vcperr.New(vcperr.KindCircularDependency,
				"circular placeholder reference: "+chain,
				"key", key, "stack", chain)
		}

		value, ok := e.lookup(ctx, key)
		if !ok {
			continue
		}
		expanded, err := e.resolve(ctx, value, depth+1, append(stack, key))
		if err != nil {
			return "", err
		}
		resolved[key] = expanded
	}

	// Batched replacement: one cached regex per literal placeholder.
	for key, value := range resolved {
		re := e.placeholderRegex(key)
		text = re.ReplaceAllLiteralString(text, value)
	}
	return text, nil
}

func (e *Engine) lookup(ctx context.Context, key string) (string, bool) {
	for _, p := range e.providers {
		if value, ok := p.Lookup(ctx, key); ok {
			return value, true
		}
	}
	return "", false
}

func (e *Engine) uniqueKeys(text string) []string {
	matches := keyRe.FindAllStringSubmatch(text, -1)
	seen := make(map[string]struct{}, len(matches))
	var keys []string
	for _, m := range matches {
		if _, dup := seen[m[1]]; dup {
			continue
		}
		seen[m[1]] = struct{}{}
		keys = append(keys, m[1])
	}
	return keys
}

func (e *Engine) placeholderRegex(key string) *regexp.Regexp {
	if re, ok := e.cache.Get(key); ok {
		return re
	}
	re := regexp.MustCompile(regexp.QuoteMeta("{{" + key + "}}"))
	if e.cache.Len() >= e.cfg.RegexCacheSize {
		e.logger.Debug("placeholder regex cache full, flushing", "size", e.cache.Len())
		e.cache.Purge()
	}
	e.cache.Add(key, re)
	return re
}

func contains(stack []string, key string) bool {
	for _, s := range stack {
		if s == key {
			return true
		}
	}
	return false
}
