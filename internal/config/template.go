package config

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"text/template/parse"
)

// engine renders `{{.name}}`-style references between config values (for
// example a `cachedir` fragment borrowing `{{.rootdir}}`), the same
// text/template substitution the teacher's manifest package uses for its
// `defines` map, adapted here to the configuration key set instead of
// package-manifest variables.
type engine struct {
	values map[string]string
	funcs  template.FuncMap
}

// newEngine builds an engine from values, rendering entries that reference
// each other in dependency order (a value with no `{{` is used as-is).
func newEngine(values map[string]string) (*engine, error) {
	e := &engine{values: make(map[string]string), funcs: template.FuncMap{}}

	sorted, err := sortLocals(values)
	if err != nil {
		return nil, err
	}
	for _, kv := range sorted {
		val, err := e.renderWith(fmt.Sprintf("config.%s", kv.key), kv.value, e.values)
		if err != nil {
			return nil, err
		}
		e.values[kv.key] = val
	}
	return e, nil
}

// render executes text as a template against e's resolved values. Text
// without "{{" is returned unchanged.
func (e *engine) render(name, text string) (string, error) {
	return e.renderWith(name, text, e.values)
}

func (e *engine) renderWith(name, text string, values map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := template.New(name).Funcs(e.funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", fmt.Errorf("config: parsing %s: %w", name, err)
	}
	var buf strings.Builder
	if err := t.Execute(&buf, values); err != nil {
		return "", fmt.Errorf("config: executing %s: %w", name, err)
	}
	return buf.String(), nil
}

type kvPair struct {
	key, value string
}

// sortLocals topologically orders values by their `{{.other}}` references
// so each entry renders only after the entries it depends on.
func sortLocals(values map[string]string) ([]kvPair, error) {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	deps := make(map[string][]string)
	for _, k := range keys {
		v := values[k]
		if !strings.Contains(v, "{{") {
			continue
		}
		trees, err := parse.Parse(k, v, "{{", "}}")
		if err != nil {
			return nil, fmt.Errorf("config: parsing template for %s: %w", k, err)
		}

		var vars []string
		var walk func(parse.Node)
		walk = func(n parse.Node) {
			switch node := n.(type) {
			case *parse.ListNode:
				for _, child := range node.Nodes {
					walk(child)
				}
			case *parse.ActionNode:
				walk(node.Pipe)
			case *parse.PipeNode:
				for _, cmd := range node.Cmds {
					walk(cmd)
				}
			case *parse.CommandNode:
				for _, arg := range node.Args {
					walk(arg)
				}
			case *parse.FieldNode:
				if len(node.Ident) > 0 {
					vars = append(vars, node.Ident[0])
				}
			}
		}
		for _, t := range trees {
			if t.Root != nil {
				walk(t.Root)
			}
		}

		seen := make(map[string]bool)
		for _, d := range vars {
			if _, exists := values[d]; exists && d != k && !seen[d] {
				deps[k] = append(deps[k], d)
				seen[d] = true
			}
		}
		sort.Strings(deps[k])
	}

	var result []kvPair
	visited := make(map[string]bool)
	visiting := make(map[string]bool)

	var visit func(string) error
	visit = func(n string) error {
		if visiting[n] {
			return fmt.Errorf("config: cycle detected among config values: %s", n)
		}
		if visited[n] {
			return nil
		}
		visiting[n] = true
		for _, d := range deps[n] {
			if err := visit(d); err != nil {
				return err
			}
		}
		visiting[n] = false
		visited[n] = true
		result = append(result, kvPair{key: n, value: values[n]})
		return nil
	}

	for _, k := range keys {
		if err := visit(k); err != nil {
			return nil, err
		}
	}
	return result, nil
}
