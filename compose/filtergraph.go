package compose

import (
	"fmt"
	"sort"
	"strings"
)

// node is one typed filter in a graph: named input labels, the filter name
// with its arguments, and named output labels. Keeping the graph as nodes
// until the final serialization step keeps synthesis logic testable without
// string surgery.
type node struct {
	inputs  []string
	name    string
	args    []string // already-rendered k=v pairs, in order
	outputs []string
}

// Graph accumulates filter nodes and serializes them to FFmpeg's
// -filter_complex syntax as a final, isolated step.
type Graph struct {
	nodes []node
}

// Filter starts a node for the given filter name. Labels refer to either
// stream specifiers ("0:v") or labels produced by earlier nodes.
func (g *Graph) Filter(name string) *nodeBuilder {
	return &nodeBuilder{graph: g, n: node{name: name}}
}

// Empty reports whether no nodes were added.
func (g *Graph) Empty() bool {
	return len(g.nodes) == 0
}

// String renders the whole graph: nodes separated by ";", each as
// "[in...]name=arg1:arg2[out...]".
func (g *Graph) String() string {
	parts := make([]string, 0, len(g.nodes))
	for _, n := range g.nodes {
		var b strings.Builder
		for _, in := range n.inputs {
			fmt.Fprintf(&b, "[%s]", in)
		}
		b.WriteString(n.name)
		if len(n.args) > 0 {
			b.WriteByte('=')
			b.WriteString(strings.Join(n.args, ":"))
		}
		for _, out := range n.outputs {
			fmt.Fprintf(&b, "[%s]", out)
		}
		parts = append(parts, b.String())
	}
	return strings.Join(parts, ";")
}

type nodeBuilder struct {
	graph *Graph
	n     node
}

func (b *nodeBuilder) From(labels ...string) *nodeBuilder {
	b.n.inputs = append(b.n.inputs, labels...)
	return b
}

// Arg appends one key=value argument. Values are rendered with %v, so ints,
// floats and strings all serialize naturally.
func (b *nodeBuilder) Arg(key string, value interface{}) *nodeBuilder {
	b.n.args = append(b.n.args, fmt.Sprintf("%s=%v", key, value))
	return b
}

// RawArg appends a positional argument without a key.
func (b *nodeBuilder) RawArg(value string) *nodeBuilder {
	b.n.args = append(b.n.args, value)
	return b
}

// To closes the node with its output labels and adds it to the graph.
func (b *nodeBuilder) To(labels ...string) {
	b.n.outputs = append(b.n.outputs, labels...)
	b.graph.nodes = append(b.graph.nodes, b.n)
}

// forceStyle renders an ASS force_style clause from style key/value pairs in
// deterministic key order.
func forceStyle(style map[string]string) string {
	keys := make([]string, 0, len(style))
	for k := range style {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+style[k])
	}
	return strings.Join(pairs, ",")
}

// escapeFilterPath escapes a filesystem path for use inside a filter
// argument (the subtitles filter in particular).
func escapeFilterPath(p string) string {
	p = strings.ReplaceAll(p, `\`, `\\`)
	p = strings.ReplaceAll(p, `:`, `\:`)
	p = strings.ReplaceAll(p, `'`, `\'`)
	return p
}
