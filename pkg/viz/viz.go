// Package viz draws the change graph of a room journal.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/whiteboard-sync/pkg/journal"
)

// Step is one journal change along with the board it left behind.
type Step struct {
	Hash    string
	Actor   string
	Seq     uint64
	Message string
	Deps    []string
	Shapes  int
}

func (s Step) Label() string {
	return fmt.Sprintf("%s %s@%d %s (%d shapes)", s.Hash[:8], s.Actor, s.Seq, s.Message, s.Shapes)
}

// Steps walks the journal's changes in order, checking out each one to count the shapes at that point.
func Steps(doc *automerge.Doc) ([]Step, error) {
	changes, err := doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Step, 0, len(changes))
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		shapes, err := journal.Shapes(docAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read shapes at %s: %w", change.Hash(), err)
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, h := range change.Dependencies() {
			deps = append(deps, h.String())
		}
		out = append(out, Step{
			Hash:    change.Hash().String(),
			Actor:   change.ActorID(),
			Seq:     change.ActorSeq(),
			Message: change.Message(),
			Deps:    deps,
			Shapes:  len(shapes),
		})
	}
	return out, nil
}

// WriteDot writes steps as a graphviz digraph in text form.
func WriteDot(w io.Writer, steps []Step) error {
	var sb strings.Builder
	sb.WriteString("digraph \"journal\" {\n")
	for _, s := range steps {
		fmt.Fprintf(&sb, "    %q [label=%q]\n", s.Hash, s.Label())
		for _, dep := range s.Deps {
			fmt.Fprintf(&sb, "    %q -> %q\n", dep, s.Hash)
		}
	}
	sb.WriteString("}\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderSVG renders the journal's change graph as svg.
func RenderSVG(doc *automerge.Doc, w io.Writer) error {
	steps, err := Steps(doc)
	if err != nil {
		return err
	}

	g := graphviz.New()
	defer g.Close()
	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodes := make(map[string]*cgraph.Node, len(steps))
	edges := 0
	for _, s := range steps {
		n, err := graph.CreateNode(s.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(s.Label())
		nodes[s.Hash] = n
		for _, dep := range s.Deps {
			from, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	_, err = w.Write(buff.Bytes())
	return err
}

// RenderToFile renders the journal's change graph to an svg file at path.
func RenderToFile(doc *automerge.Doc, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create output dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()
	if err := RenderSVG(doc, f); err != nil {
		return err
	}
	return f.Close()
}
