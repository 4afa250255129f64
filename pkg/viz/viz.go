package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/holoboard/pkg/replica"
)

// Counts is how many entities of each kind a board had at some change.
type Counts struct {
	Shapes     int
	Connectors int
}

func countAt(doc *automerge.Doc) (Counts, error) {
	keys, err := doc.RootMap().Keys()
	if err != nil {
		return Counts{}, err
	}
	var c Counts
	for _, k := range keys {
		switch {
		case strings.HasPrefix(k, replica.MapShapes+"/"):
			c.Shapes++
		case strings.HasPrefix(k, replica.MapConnectors+"/"):
			c.Connectors++
		}
	}
	return c, nil
}

// RenderBoard writes the change graph of a board document as svg. Each node is labelled with its hash prefix,
// author, origin, and the number of shapes and connectors on the board once that change was applied.
func RenderBoard(doc *automerge.Doc, w io.Writer) error {
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

	nodeMap := make(map[string]*cgraph.Node)
	var edgeCounter uint64
	for _, change := range changes {
		docAt, err := doc.Fork(change.Hash())
		if err != nil {
			return fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		counts, err := countAt(docAt)
		if err != nil {
			return fmt.Errorf("failed to count entities at %s: %w", change.Hash(), err)
		}

		n, err := graph.CreateNode(change.Hash().String())
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		actor := change.ActorID()
		if len(actor) > 8 {
			actor = actor[:8]
		}
		n.SetLabel(fmt.Sprintf("%s %s@%d %s\nshapes=%d connectors=%d",
			change.Hash().String()[:8], actor, change.ActorSeq(), change.Message(), counts.Shapes, counts.Connectors))
		nodeMap[n.Name()] = n

		for _, hash := range change.Dependencies() {
			dep, ok := nodeMap[hash.String()]
			if !ok {
				continue
			}
			if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), dep, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	var buff bytes.Buffer
	if err := g.Render(graph, graphviz.SVG, &buff); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	if _, err := w.Write(buff.Bytes()); err != nil {
		return fmt.Errorf("failed to write svg: %w", err)
	}
	return nil
}

func RenderToFile(doc *automerge.Doc, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderBoard(doc, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", outputPath, err)
	}
	return nil
}

func RenderToTemp(doc *automerge.Doc) (string, error) {
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := RenderToFile(doc, tf); err != nil {
		return "", err
	}
	return tf, nil
}
