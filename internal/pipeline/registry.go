package pipeline

import (
	"errors"
	"time"

	"feedgram/internal/config"
	"feedgram/pkg/logx"
)

var errUnknownProcessor = errors.New("unknown processor")

// builder constructs a processor from its resolved, schema-validated
// options.
type builder func(p config.ResolvedProcessor, log logx.Logger) (Processor, error)

type registration struct {
	schema config.Schema
	build  builder
}

var registry = map[string]registration{
	"extract_media": {
		schema: config.Schema{
			"download":  {Kind: config.KindBool, Default: false},
			"timeout":   {Kind: config.KindDuration, Default: 30 * time.Second},
			"max_size":  {Kind: config.KindInt, Default: 10 << 20},
			"max_count": {Kind: config.KindInt, Default: 10},
		},
		build: newExtractMedia,
	},
	"download_video": {
		schema: config.Schema{
			"patterns":     {Kind: config.KindStringList, Default: []string(nil)},
			"tool":         {Kind: config.KindString, Default: "yt-dlp"},
			"quality":      {Kind: config.KindString, Default: "best"},
			"max_size":     {Kind: config.KindInt, Default: 50 << 20},
			"max_duration": {Kind: config.KindDuration, Default: time.Duration(0)},
			"timeout":      {Kind: config.KindDuration, Default: 5 * time.Minute},
		},
		build: newDownloadVideo,
	},
	"filter_content": {
		schema: config.Schema{
			"skip_all":   {Kind: config.KindBool, Default: false},
			"patterns":   {Kind: config.KindStringList, Default: []string(nil)},
			"match_mode": {Kind: config.KindString, Default: "any"},
			"invert":     {Kind: config.KindBool, Default: false},
			"target":     {Kind: config.KindString, Default: "both"},
			"flags":      {Kind: config.KindString, Default: ""},
			"min_media":  {Kind: config.KindInt, Default: 0},
			"max_media":  {Kind: config.KindInt, Default: 0},
		},
		build: newFilterContent,
	},
	"sanitize_html": {
		schema: config.Schema{},
		build:  newSanitizeHTML,
	},
	"render_template": {
		schema: config.Schema{
			"template":             {Kind: config.KindString, Default: defaultTemplate},
			"blockquote":           {Kind: config.KindBool, Default: false},
			"blockquote_threshold": {Kind: config.KindInt, Default: 750},
			"title_fallback":       {Kind: config.KindBool, Default: false},
			"variables":            {Kind: config.KindStringMap, Default: map[string]string(nil)},
		},
		build: newRenderTemplate,
	},
	"append_text": {
		schema: config.Schema{
			"prefix":    {Kind: config.KindString, Default: ""},
			"suffix":    {Kind: config.KindString, Default: ""},
			"separator": {Kind: config.KindString, Default: "\n"},
		},
		build: newAppendText,
	},
}

// Schemas exports every processor's option schema for resolution-time
// validation.
func Schemas() config.Schemas {
	out := make(config.Schemas, len(registry))
	for name, reg := range registry {
		out[name] = reg.schema
	}
	return out
}

// Build constructs the processor chain for one resolved spec. The resolver
// already rejected unknown names, so a miss here is a programming error.
func Build(specs []config.ResolvedProcessor, log logx.Logger) ([]Processor, error) {
	procs := make([]Processor, 0, len(specs))
	for _, spec := range specs {
		reg, ok := registry[spec.Name]
		if !ok {
			return nil, &ProcError{Processor: spec.Name, Err: errUnknownProcessor}
		}
		p, err := reg.build(spec, log)
		if err != nil {
			return nil, &ProcError{Processor: spec.Name, Err: err}
		}
		procs = append(procs, p)
	}
	return procs, nil
}
