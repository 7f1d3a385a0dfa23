package config

import (
	"fmt"
	"math"
	"time"
)

// OptionKind is the declared type of one processor option.
type OptionKind int

const (
	KindString OptionKind = iota
	KindBool
	KindInt
	KindFloat
	KindDuration
	KindStringList
	KindStringMap
)

func (k OptionKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindDuration:
		return "duration"
	case KindStringList:
		return "string list"
	case KindStringMap:
		return "string map"
	default:
		return "unknown"
	}
}

// Option declares one recognized processor option.
type Option struct {
	Kind    OptionKind
	Default any
}

// Schema maps option keys to their declarations for one processor.
type Schema map[string]Option

// Schemas maps processor names to their schemas. The processor registry
// exports one of these so options can be validated at resolution time
// instead of trusted as untyped bags at pipeline time.
type Schemas map[string]Schema

// coerceOption converts a raw decoded value (JSON scalars, so numbers are
// float64) into the declared option type.
func coerceOption(kind OptionKind, v any) (any, error) {
	switch kind {
	case KindString:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case KindBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case KindInt:
		switch n := v.(type) {
		case int:
			return n, nil
		case float64:
			if n == math.Trunc(n) {
				return int(n), nil
			}
			return nil, fmt.Errorf("expected int, got %v", n)
		}
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case int:
			return float64(n), nil
		}
	case KindDuration:
		switch d := v.(type) {
		case time.Duration:
			return d, nil
		case string:
			parsed, err := time.ParseDuration(d)
			if err != nil {
				return nil, fmt.Errorf("invalid duration %q", d)
			}
			if parsed < 0 {
				return nil, fmt.Errorf("duration must be >= 0")
			}
			return parsed, nil
		}
	case KindStringList:
		switch l := v.(type) {
		case []string:
			return l, nil
		case string:
			return []string{l}, nil
		case []any:
			out := make([]string, 0, len(l))
			for _, item := range l {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string list, found %T element", item)
				}
				out = append(out, s)
			}
			return out, nil
		}
	case KindStringMap:
		switch m := v.(type) {
		case map[string]string:
			return m, nil
		case map[string]any:
			out := make(map[string]string, len(m))
			for k, item := range m {
				s, ok := item.(string)
				if !ok {
					return nil, fmt.Errorf("expected string map, found %T value for %q", item, k)
				}
				out[k] = s
			}
			return out, nil
		}
	}
	return nil, fmt.Errorf("expected %s, got %T", kind, v)
}
