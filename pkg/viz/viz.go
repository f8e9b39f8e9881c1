// Package viz renders the change graph of a document with graphviz.
package viz

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"
)

// Render writes the change DAG of doc as SVG. When key is set each node is
// labelled with the value of that root key as of the change.
func Render(w io.Writer, doc *automerge.Doc, key string) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}

	nodes := make(map[automerge.ChangeHash]*cgraph.Node, len(changes))
	edges := 0
	for _, change := range changes {
		label := fmt.Sprintf("%s %s@%d", change.Hash().String()[:8], change.ActorID(), change.ActorSeq())
		if key != "" {
			value, err := valueAt(doc, change.Hash(), key)
			if err != nil {
				return err
			}
			label += " " + value
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label)
		nodes[change.Hash()] = n

		for _, dep := range change.Dependencies() {
			parent, ok := nodes[dep]
			if !ok {
				continue
			}
			edges++
			if _, err := graph.CreateEdge(strconv.Itoa(edges), parent, n); err != nil {
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

func valueAt(doc *automerge.Doc, hash automerge.ChangeHash, key string) (string, error) {
	at, err := doc.Fork(hash)
	if err != nil {
		return "", fmt.Errorf("failed to checkout %s: %w", hash, err)
	}
	var raw interface{}
	if value, err := at.Path(key).Get(); err == nil {
		raw = value.Interface()
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return "", fmt.Errorf("failed to marshal %s: %w", hash, err)
	}
	return string(encoded), nil
}

// RenderFile writes the SVG to path.
func RenderFile(doc *automerge.Doc, key, path string) error {
	var buff bytes.Buffer
	if err := Render(&buff, doc, key); err != nil {
		return err
	}
	if err := os.WriteFile(path, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
