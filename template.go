package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cast"
	"github.com/yosida95/uritemplate/v3"
)

// ExpandTemplate expands an RFC 6570 URI template such as "file:///{path}" with vars.
// String slices expand as lists and string maps as associative arrays; every other
// value is converted to its string form.
func ExpandTemplate(template string, vars map[string]any) (string, error) {
	tmpl, err := uritemplate.New(template)
	if err != nil {
		return "", fmt.Errorf("failed to parse uri template %q: %w", template, err)
	}

	values := uritemplate.Values{}
	for name, v := range vars {
		tv, err := templateValue(v)
		if err != nil {
			return "", fmt.Errorf("invalid value for %q: %w", name, err)
		}
		values.Set(name, tv)
	}

	uri, err := tmpl.Expand(values)
	if err != nil {
		return "", fmt.Errorf("failed to expand uri template %q: %w", template, err)
	}
	return uri, nil
}

// MatchTemplate reports whether uri was produced by template and, if so, returns the
// variables it binds.
func MatchTemplate(template, uri string) (map[string]string, bool) {
	tmpl, err := uritemplate.New(template)
	if err != nil {
		return nil, false
	}
	values := tmpl.Match(uri)
	if values == nil {
		return nil, false
	}

	out := make(map[string]string, len(values))
	for _, name := range tmpl.Varnames() {
		v := values.Get(name)
		switch {
		case len(v.V) == 0:
		case v.T == uritemplate.ValueTypeString:
			out[name] = v.V[0]
		default:
			out[name] = strings.Join(v.V, ",")
		}
	}
	return out, true
}

// TemplateVariables returns the variable names used by template.
func TemplateVariables(template string) ([]string, error) {
	tmpl, err := uritemplate.New(template)
	if err != nil {
		return nil, fmt.Errorf("failed to parse uri template %q: %w", template, err)
	}
	return tmpl.Varnames(), nil
}

func templateValue(v any) (uritemplate.Value, error) {
	switch v := v.(type) {
	case []string:
		return uritemplate.List(v...), nil
	case []any:
		items, err := cast.ToStringSliceE(v)
		if err != nil {
			return uritemplate.Value{}, err
		}
		return uritemplate.List(items...), nil
	case map[string]string, map[string]any:
		m, err := cast.ToStringMapStringE(v)
		if err != nil {
			return uritemplate.Value{}, err
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		kv := make([]string, 0, 2*len(m))
		for _, k := range keys {
			kv = append(kv, k, m[k])
		}
		return uritemplate.KV(kv...), nil
	case Value:
		return templateValue(v.Interface())
	}

	s, err := cast.ToStringE(v)
	if err != nil {
		return uritemplate.Value{}, err
	}
	return uritemplate.String(s), nil
}
