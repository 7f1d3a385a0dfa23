package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// LoadDocument reads the document at path, resolves its includes and
// strict-decodes the merged result. Includes are resolved before layering;
// a circular or missing include and conflicting top-level keys across
// documents are configuration errors.
func LoadDocument(path string) (*Document, error) {
	merged, err := loadMerged(path, map[string]bool{})
	if err != nil {
		return nil, err
	}

	jb, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	var doc Document
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&doc); err != nil {
		return nil, &Error{Scope: path, Msg: err.Error()}
	}
	return &doc, nil
}

// loadMerged returns the document as a raw key map with all includes folded
// in. visiting holds the absolute paths on the current include chain.
func loadMerged(path string, visiting map[string]bool) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if visiting[abs] {
		return nil, &Error{Scope: path, Msg: "circular include"}
	}
	visiting[abs] = true
	defer delete(visiting, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, &Error{Scope: path, Msg: "include not readable: " + err.Error()}
	}
	jb, err := coerceToJSONBytes(abs, data)
	if err != nil {
		return nil, &Error{Scope: path, Msg: err.Error()}
	}

	var raw map[string]any
	if err := json.Unmarshal(jb, &raw); err != nil {
		return nil, &Error{Scope: path, Msg: err.Error()}
	}

	includes, err := includeList(path, raw["includes"])
	if err != nil {
		return nil, err
	}
	delete(raw, "includes")

	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := loadMerged(inc, visiting)
		if err != nil {
			return nil, err
		}
		for k, v := range sub {
			if _, exists := raw[k]; exists {
				return nil, &Error{
					Scope: path,
					Msg:   fmt.Sprintf("top-level key %q defined by more than one document (include %s)", k, inc),
				}
			}
			raw[k] = v
		}
	}
	return raw, nil
}

func includeList(path string, v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &Error{Scope: path, Msg: "includes must be a list of paths"}
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok || s == "" {
			return nil, &Error{Scope: path, Msg: "includes must be a list of non-empty paths"}
		}
		out = append(out, s)
	}
	return out, nil
}
