package hsm

import (
	"fmt"
	"strings"
)

// edge identifies one src->dst pair for diagram arrow styling.
type edge struct {
	src, dst StateKey
}

// DiagramBuilder allows minor customizations of PlantUML diagram layout
// before building the diagram. A TreeNode carries no static transition
// table - GoTo targets are computed by arbitrary handler code, not
// declared ahead of time - so this builder renders the tree's
// structure (nesting,
// entry/exit names, initial-child arrows) and
// optionally overlays a log of previously *observed* Transition
// records (e.g. replayed from the transitions stream) as arrows,
// rather than a statically known transition table.
type DiagramBuilder struct {
	root         *TreeNode
	observed     []*Transition
	defaultArrow string
	arrows       map[edge]string
}

// NewDiagramBuilder creates a builder for customizing a PlantUML
// diagram of root before building it.
func NewDiagramBuilder(root *TreeNode) *DiagramBuilder {
	return &DiagramBuilder{root: root, defaultArrow: "-->", arrows: make(map[edge]string)}
}

// WithObserved overlays one arrow for each distinct (From, To) pair
// appearing in transitions, labelled with every such transition's
// metadata (or "transition" when it has none), one per line.
func (db *DiagramBuilder) WithObserved(transitions []*Transition) *DiagramBuilder {
	db.observed = transitions
	return db
}

// DefaultArrow changes the arrow style used for transitions. The
// default is "-->".
func (db *DiagramBuilder) DefaultArrow(arrow string) *DiagramBuilder {
	db.defaultArrow = arrow
	return db
}

// Arrow specifies the arrow style used for all observed transitions
// from src to dst.
func (db *DiagramBuilder) Arrow(src, dst StateKey, arrow string) *DiagramBuilder {
	db.arrows[edge{src, dst}] = arrow
	return db
}

func alias(k StateKey) string {
	return strings.ReplaceAll(k.Name(), " ", "_")
}

// Build creates and returns a PlantUML diagram as a string.
func (db *DiagramBuilder) Build() string {
	var bld, bldTrans strings.Builder

	type edgeLabels struct {
		src, dst StateKey
	}
	byEdge := map[edgeLabels][]string{}
	for _, t := range db.observed {
		if t.From == nil || t.To == nil {
			continue
		}
		e := edgeLabels{src: t.From, dst: t.To}
		label := "transition"
		if t.Metadata != nil && t.Metadata.Len() > 0 {
			var parts []string
			for p := t.Metadata.Oldest(); p != nil; p = p.Next() {
				parts = append(parts, fmt.Sprintf("%s=%v", p.Key, p.Value))
			}
			label = strings.Join(parts, ",")
		}
		byEdge[e] = append(byEdge[e], label)
	}

	arrowFor := func(src, dst StateKey) string {
		for e, a := range db.arrows {
			if e.src.Equal(src) && e.dst.Equal(dst) {
				return a
			}
		}
		return db.defaultArrow
	}

	var dump func(indent int, n *TreeNode)
	dump = func(indent int, n *TreeNode) {
		prefix := strings.Repeat("   ", indent)
		a := alias(n.key)
		if n.kind == KindFinalLeaf {
			a = "[*]"
		}

		if a != "[*]" {
			if n.key.Name() == a {
				fmt.Fprintf(&bld, "%sstate %s", prefix, a)
			} else {
				fmt.Fprintf(&bld, "%sstate \"%s\" as %s", prefix, n.key.Name(), a)
			}
			if !n.IsLeaf() {
				bld.WriteString(" {\n")
				for _, c := range n.children {
					dump(indent+1, c)
				}
				bld.WriteString(prefix)
				bld.WriteString("}")
			}
			bld.WriteString("\n")
			if n.onEnter != nil {
				fmt.Fprintf(&bld, "%s%s : entry / %s\n", prefix, a, nameOrDefault(n.entryName, "onEnter"))
			}
			if n.onExit != nil {
				fmt.Fprintf(&bld, "%s%s : exit / %s\n", prefix, a, nameOrDefault(n.exitName, "onExit"))
			}
		}

		if n.parent != nil && n.parent.initialChild != nil {
			initial := n.parent.initialChild(nil)
			if initial != nil && initial.Equal(n.key) {
				fmt.Fprintf(&bld, "%s[*] --> %s\n", prefix, a)
			}
		}

		for e, labels := range byEdge {
			if !e.src.Equal(n.key) {
				continue
			}
			dstAlias := alias(e.dst)
			fmt.Fprintf(&bldTrans, "%s %s %s : %s\n", a, arrowFor(e.src, e.dst), dstAlias, strings.Join(labels, "\\n"))
		}
	}

	bld.WriteString("@startuml\n\n")
	for _, c := range db.root.children {
		if c.kind != KindFinalLeaf {
			dump(0, c)
		}
	}
	bld.WriteString(bldTrans.String())
	bld.WriteString("\n@enduml\n")
	return bld.String()
}

func nameOrDefault(name, fallback string) string {
	if name != "" {
		return name
	}
	return fallback
}

// DiagramPUML is a shorthand for NewDiagramBuilder(root).Build().
func DiagramPUML(root *TreeNode) string {
	return NewDiagramBuilder(root).Build()
}
