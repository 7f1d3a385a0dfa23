package config

import "time"

// Document is the raw on-disk configuration, before include resolution and
// layer merging. YAML files are coerced to JSON bytes first so both formats
// go through the same strict decoder.
type Document struct {
	// Includes lists additional documents whose top-level keys are merged
	// into this one. Conflicting top-level keys are a configuration error.
	Includes []string `json:"includes,omitempty"`

	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging,omitempty"`
	State    StateConfig    `json:"state,omitempty"`
	Delivery DeliveryConfig `json:"delivery,omitempty"`

	// Global holds defaults inherited by every group and source.
	Global Layer   `json:"global,omitempty"`
	Groups []Group `json:"groups"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via FEEDGRAM_TOKEN.
	Token string `json:"token,omitempty"`
	// APIURL points at a self-hosted Bot API server when set.
	APIURL string `json:"api_url,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StateConfig struct {
	Driver string `json:"driver,omitempty"`
	Path   string `json:"path,omitempty"`
	// BusyTimeout is a Go duration string (sqlite).
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type DeliveryConfig struct {
	// MessagesPerMinute caps outbound sends across all sources.
	MessagesPerMinute int `json:"messages_per_minute,omitempty"`
	Burst             int `json:"burst,omitempty"`
}

// Layer holds the keys that merge across global, group and source scope.
// Scalars are most-specific-wins; the processing list is taken wholesale
// from the most specific layer defining a non-empty one.
type Layer struct {
	// Interval is a Go duration string or a cron expression.
	Interval   string          `json:"interval,omitempty"`
	Preview    *bool           `json:"preview,omitempty"`
	Processing []ProcessorSpec `json:"processing,omitempty"`
}

// Group collects sources sharing defaults and a destination chat.
type Group struct {
	Name string `json:"name"`
	Chat string `json:"chat,omitempty"`
	Layer
	Sources []Source `json:"sources"`
}

type Source struct {
	ID    string `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
	Chat  string `json:"chat,omitempty"`
	Layer
	Overrides *Overrides `json:"overrides,omitempty"`
}

// ProcessorSpec names one pipeline stage and its raw option bag. Order in
// the processing list is the execution order.
type ProcessorSpec struct {
	Name    string         `json:"name"`
	Options map[string]any `json:"options,omitempty"`
}

// Overrides adjust a single source after all layer merging. They may skip
// the source entirely or overlay options of named processors; they never
// change the processor list or its order.
type Overrides struct {
	Skip       bool                      `json:"skip,omitempty"`
	Processors map[string]map[string]any `json:"processors,omitempty"`
}

// Spec is the effective per-source configuration. It is immutable once
// resolved; a reload produces a whole new set.
type Spec struct {
	SourceID string
	URL      string
	Title    string
	Chat     string

	// IntervalSpec is the raw value Schedule was parsed from.
	IntervalSpec string
	Schedule     Schedule

	Preview    bool
	Skip       bool
	Processing []ResolvedProcessor
}

// ResolvedProcessor carries typed, defaulted option values.
type ResolvedProcessor struct {
	Name    string
	Options map[string]any
}

// Option returns the resolved value for an option key. The resolver has
// already applied schema defaults, so lookups on known keys always hit.
func (p ResolvedProcessor) Option(key string) (any, bool) {
	v, ok := p.Options[key]
	return v, ok
}

func (p ResolvedProcessor) String(key string) string {
	if v, ok := p.Options[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (p ResolvedProcessor) Bool(key string) bool {
	if v, ok := p.Options[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return false
}

func (p ResolvedProcessor) Int(key string) int {
	if v, ok := p.Options[key]; ok {
		if n, ok := v.(int); ok {
			return n
		}
	}
	return 0
}

func (p ResolvedProcessor) Float(key string) float64 {
	if v, ok := p.Options[key]; ok {
		if f, ok := v.(float64); ok {
			return f
		}
	}
	return 0
}

func (p ResolvedProcessor) Duration(key string) time.Duration {
	if v, ok := p.Options[key]; ok {
		if d, ok := v.(time.Duration); ok {
			return d
		}
	}
	return 0
}

func (p ResolvedProcessor) StringList(key string) []string {
	if v, ok := p.Options[key]; ok {
		if l, ok := v.([]string); ok {
			return l
		}
	}
	return nil
}

func (p ResolvedProcessor) StringMap(key string) map[string]string {
	if v, ok := p.Options[key]; ok {
		if m, ok := v.(map[string]string); ok {
			return m
		}
	}
	return nil
}
