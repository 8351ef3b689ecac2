package protocol

import (
	"regexp"
	"strings"

	"vcpd/internal/observability"
)

// Reserved field names inside a tool request block.
const (
	fieldToolName = "tool_name"
	fieldArchery  = "archery"
)

// Config holds the delimiter strings. All of them are literal text; the
// parser escapes them before building any regex.
type Config struct {
	BlockOpen  string
	BlockClose string
	ValueOpen  string
	ValueClose string
}

func (c Config) withDefaults() Config {
	out := c
	if out.BlockOpen == "" {
		out.BlockOpen = "<<<[TOOL_REQUEST]>>>"
	}
	if out.BlockClose == "" {
		out.BlockClose = "<<<[END_TOOL_REQUEST]>>>"
	}
	if out.ValueOpen == "" {
		out.ValueOpen = "「始」"
	}
	if out.ValueClose == "" {
		out.ValueClose = "「末」"
	}
	return out
}

// Invocation is one parsed tool request.
type Invocation struct {
	Name          string
	Args          map[string]string
	FireAndForget bool
	// Raw keeps the original block text for diagnostics.
	Raw string
}

// Parser extracts tool invocations from free-form model output. Parsing is
// never fatal: malformed blocks are logged and skipped.
type Parser struct {
	cfg     Config
	fieldRe *regexp.Regexp
	logger  *observability.Logger
}

func NewParser(cfg Config, logger *observability.Logger) *Parser {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = observability.NopLogger()
	}
	fieldRe := regexp.MustCompile(
		`(?s)([A-Za-z0-9_]+)\s*:\s*` +
			regexp.QuoteMeta(cfg.ValueOpen) +
			`(.*?)` +
			regexp.QuoteMeta(cfg.ValueClose) +
			`\s*,?`,
	)
	return &Parser{cfg: cfg, fieldRe: fieldRe, logger: logger}
}

// Parse returns the ordered invocations found in text. Blocks that do not
// name a target plugin are discarded with a warning.
func (p *Parser) Parse(text string) []Invocation {
	var calls []Invocation
	rest := text
	for {
		startIdx := strings.Index(rest, p.cfg.BlockOpen)
		if startIdx == -1 {
			break
		}
		afterOpen := rest[startIdx+len(p.cfg.BlockOpen):]
		endIdx := strings.Index(afterOpen, p.cfg.BlockClose)
		if endIdx == -1 {
			p.logger.Warn("unterminated tool request block", "offset", startIdx)
			rest = afterOpen
			continue
		}
		block := afterOpen[:endIdx]
		if inv, ok := p.parseBlock(block); ok {
			calls = append(calls, inv)
		}
		rest = afterOpen[endIdx+len(p.cfg.BlockClose):]
	}
	return calls
}

// HasInvocations reports whether text contains at least one well-formed
// tool request.
func (p *Parser) HasInvocations(text string) bool {
	return len(p.Parse(text)) > 0
}

// StripBlocks removes every well-formed tool request block from text so
// that the surrounding prose can be shown without the protocol plumbing.
func (p *Parser) StripBlocks(text string) string {
	var sb strings.Builder
	rest := text
	for {
		startIdx := strings.Index(rest, p.cfg.BlockOpen)
		if startIdx == -1 {
			sb.WriteString(rest)
			break
		}
		afterOpen := rest[startIdx+len(p.cfg.BlockOpen):]
		endIdx := strings.Index(afterOpen, p.cfg.BlockClose)
		if endIdx == -1 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:startIdx])
		rest = afterOpen[endIdx+len(p.cfg.BlockClose):]
	}
	return strings.TrimSpace(sb.String())
}

func (p *Parser) parseBlock(block string) (Invocation, bool) {
	matches := p.fieldRe.FindAllStringSubmatch(block, -1)
	if len(matches) == 0 {
		p.logger.Warn("tool request block has no fields", "block", truncate(block, 120))
		return Invocation{}, false
	}

	inv := Invocation{Args: make(map[string]string), Raw: block}
	for _, m := range matches {
		key := m[1]
		value := strings.TrimSpace(m[2])
		switch key {
		case fieldToolName:
			inv.Name = value
		case fieldArchery:
			inv.FireAndForget = value == "true" || value == "no_reply"
		default:
			inv.Args[key] = value
		}
	}

	if inv.Name == "" {
		p.logger.Warn("tool request block missing tool_name", "block", truncate(block, 120))
		return Invocation{}, false
	}
	return inv, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
