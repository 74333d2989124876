// Package viz draws the change history of a nomad payload as a graph.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

type Options struct {
	// Title labels the graph, usually the nomad id.
	Title string
	// Version is the last version the server agreed on.
	Version uint32
	// Path selects the value shown on each change. Empty shows the root.
	Path []interface{}
}

func (o Options) label() string {
	if o.Title == "" {
		return fmt.Sprintf("version %d", o.Version)
	}
	return fmt.Sprintf("%s @ version %d", o.Title, o.Version)
}

// valueAt renders the selected value as it was right after change.
func valueAt(doc *automerge.Doc, change *automerge.Change, path []interface{}) (string, error) {
	docAt, err := doc.Fork(change.Hash())
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
	}
	var raw interface{}
	if len(path) == 0 {
		raw = docAt.Root().Interface()
	} else if value, err := docAt.Path(path...).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", change.Hash(), err)
	}
	return string(encoded), nil
}

// Render writes the history of doc as svg to w. Each change becomes a node
// labelled with its hash, actor, sequence and the selected value; edges
// point from dependencies to dependants.
func Render(doc *automerge.Doc, opts Options, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()
	graph.SetLabel(opts.label())

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[string]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		value, err := valueAt(doc, change, opts.Path)
		if err != nil {
			return err
		}
		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s", change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), value))
		nodes[n.Name()] = n

		for _, hash := range change.Dependencies() {
			dep, ok := nodes[hash.String()]
			if !ok {
				return fmt.Errorf("change %s depends on unknown %s", change.Hash(), hash)
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), dep, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

// RenderToTemp renders into a fresh svg file under the temp directory and
// returns its path.
func RenderToTemp(doc *automerge.Doc, opts Options) (string, error) {
	var buff bytes.Buffer
	if err := Render(doc, opts, &buff); err != nil {
		return "", err
	}
	f, err := os.CreateTemp("", "nomad-*.svg")
	if err != nil {
		return "", fmt.Errorf("failed to create output: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(buff.Bytes()); err != nil {
		return "", fmt.Errorf("failed to write output: %w", err)
	}
	return filepath.Clean(f.Name()), nil
}
