package config

import (
	"errors"
	"fmt"
)

// DefaultProcessing applies when no layer defines a processing list.
var DefaultProcessing = []ProcessorSpec{
	{Name: "sanitize_html"},
	{Name: "render_template"},
}

// Resolver turns a raw Document into one Spec per source by merging the
// configuration layers (global, group, source) and applying per-source
// override flags last. Option bags are validated against the processor
// schemas as part of resolution.
type Resolver struct {
	schemas Schemas
}

func NewResolver(schemas Schemas) *Resolver {
	return &Resolver{schemas: schemas}
}

// Resolve produces the full spec set or the joined list of every
// configuration error found across the document.
func (r *Resolver) Resolve(doc *Document) ([]Spec, error) {
	if doc == nil {
		return nil, &Error{Msg: "document is nil"}
	}

	var errs []error
	fail := func(e *Error) { errs = append(errs, e) }

	if _, err := ParseDurationField("state.busy_timeout", doc.State.BusyTimeout); err != nil {
		fail(&Error{Msg: err.Error()})
	}
	if doc.Delivery.MessagesPerMinute < 0 {
		fail(&Error{Msg: "delivery.messages_per_minute must be >= 0"})
	}

	specs := make([]Spec, 0, 8)
	seenIDs := map[string]string{} // source id -> first scope using it

	for gi := range doc.Groups {
		g := &doc.Groups[gi]
		groupScope := g.Name
		if groupScope == "" {
			groupScope = fmt.Sprintf("groups[%d]", gi)
		}

		for si := range g.Sources {
			src := &g.Sources[si]
			scope := groupScope + "/" + src.ID
			if src.ID == "" {
				scope = fmt.Sprintf("%s/sources[%d]", groupScope, si)
				fail(&Error{Scope: scope, Msg: "source id is required"})
			} else if prev, dup := seenIDs[src.ID]; dup {
				fail(&Error{Scope: scope, Msg: "source id already used by " + prev})
			} else {
				seenIDs[src.ID] = scope
			}
			if src.URL == "" {
				fail(&Error{Scope: scope, Msg: "source url is required"})
			}

			chat := src.Chat
			if chat == "" {
				chat = g.Chat
			}
			if chat == "" {
				fail(&Error{Scope: scope, Msg: "no destination chat set on source or group"})
			}

			layers := []Layer{doc.Global, g.Layer, src.Layer}

			interval, preview := mergeScalars(layers)
			schedule, err := ParseSchedule(interval)
			if err != nil {
				fail(&Error{Scope: scope, Msg: err.Error()})
			}

			processing, procErrs := r.resolveProcessing(scope, layers, src.Overrides)
			errs = append(errs, procErrs...)

			spec := Spec{
				SourceID:     src.ID,
				URL:          src.URL,
				Title:        src.Title,
				Chat:         chat,
				IntervalSpec: interval,
				Schedule:     schedule,
				Preview:      preview,
				Processing:   processing,
			}
			if src.Overrides != nil {
				spec.Skip = src.Overrides.Skip
			}
			specs = append(specs, spec)
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return specs, nil
}

// mergeScalars applies most-specific-wins over the scalar layer keys.
// Preview defaults to enabled.
func mergeScalars(layers []Layer) (interval string, preview bool) {
	preview = true
	for _, l := range layers {
		if l.Interval != "" {
			interval = l.Interval
		}
		if l.Preview != nil {
			preview = *l.Preview
		}
	}
	return interval, preview
}

// resolveProcessing picks the processing list wholesale from the most
// specific layer defining a non-empty one, overlays per-processor options
// inherited from outer layers, applies override flags last and validates
// the result against the schemas.
func (r *Resolver) resolveProcessing(scope string, layers []Layer, ov *Overrides) ([]ResolvedProcessor, []error) {
	chosen := -1
	for i := len(layers) - 1; i >= 0; i-- {
		if len(layers[i].Processing) > 0 {
			chosen = i
			break
		}
	}
	list := DefaultProcessing
	if chosen >= 0 {
		list = layers[chosen].Processing
	}

	var errs []error
	out := make([]ResolvedProcessor, 0, len(list))
	for _, ps := range list {
		if ps.Name == "" {
			errs = append(errs, &Error{Scope: scope, Msg: "processing entry without a name"})
			continue
		}

		raw := map[string]any{}
		// Inherited options from less specific layers, in precedence order.
		for i := 0; i < chosen; i++ {
			for _, outer := range layers[i].Processing {
				if outer.Name == ps.Name {
					overlay(raw, outer.Options)
				}
			}
		}
		overlay(raw, ps.Options)
		if ov != nil {
			if forced, ok := ov.Processors[ps.Name]; ok {
				overlay(raw, forced)
			}
		}

		opts, optErrs := r.validateOptions(scope, ps.Name, raw)
		if len(optErrs) > 0 {
			errs = append(errs, optErrs...)
			continue
		}
		out = append(out, ResolvedProcessor{Name: ps.Name, Options: opts})
	}

	// Overrides may only adjust processors the source actually runs.
	if ov != nil {
		for name := range ov.Processors {
			found := false
			for _, ps := range list {
				if ps.Name == name {
					found = true
					break
				}
			}
			if !found {
				errs = append(errs, &Error{Scope: scope, Processor: name, Msg: "override targets a processor not in the processing list"})
			}
		}
	}
	return out, errs
}

func (r *Resolver) validateOptions(scope, name string, raw map[string]any) (map[string]any, []error) {
	schema, known := r.schemas[name]
	if !known {
		return nil, []error{&Error{Scope: scope, Processor: name, Msg: "unknown processor"}}
	}

	out := make(map[string]any, len(schema))
	for key, opt := range schema {
		out[key] = opt.Default
	}

	var errs []error
	for key, v := range raw {
		opt, ok := schema[key]
		if !ok {
			errs = append(errs, &Error{Scope: scope, Processor: name, Option: key, Msg: "unknown option"})
			continue
		}
		cv, err := coerceOption(opt.Kind, v)
		if err != nil {
			errs = append(errs, &Error{Scope: scope, Processor: name, Option: key, Msg: err.Error()})
			continue
		}
		out[key] = cv
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return out, nil
}

func overlay(dst map[string]any, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
