package viz

import (
	"bytes"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/listsync/pkg/tasktree"
)

// RenderTreeToSvg draws the list as a graph rooted at the list id. Supertasks
// hang off the root in index order and every nested task hangs off its parent,
// however deep. Tasks whose parent is missing are attached to the root.
func RenderTreeToSvg(listID string, tasks []tasktree.Task, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	root, err := graph.CreateNode("list")
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	root.SetLabel(listID)
	root.SetShape(cgraph.BoxShape)

	ordered := make([]tasktree.Task, len(tasks))
	copy(ordered, tasks)
	tasktree.SortByIndex(ordered)

	nodeMap := make(map[string]*cgraph.Node, len(ordered))
	for _, t := range ordered {
		n, err := graph.CreateNode("task-" + t.ID)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(nodeLabel(t))
		nodeMap[t.ID] = n
	}

	var edgeCounter uint64
	for _, t := range ordered {
		parent := root
		if t.ParentID != nil {
			if p, ok := nodeMap[*t.ParentID]; ok {
				parent = p
			}
		}
		if _, err := graph.CreateEdge(strconv.Itoa(int(atomic.AddUint64(&edgeCounter, 1))), parent, nodeMap[t.ID]); err != nil {
			return fmt.Errorf("failed to create edge: %w", err)
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func nodeLabel(t tasktree.Task) string {
	mark := "[ ]"
	if t.IsComplete {
		mark = "[x]"
	}
	if t.Index != nil {
		return fmt.Sprintf("%s %d - %s", mark, *t.Index, t.Label)
	}
	return fmt.Sprintf("%s %s", mark, t.Label)
}

func RenderToTemp(listID string, tasks []tasktree.Task) (string, error) {
	var buff bytes.Buffer
	if err := RenderTreeToSvg(listID, tasks, &buff); err != nil {
		return "", err
	}
	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%d%d.svg", time.Now().UnixNano(), rand.Int()))
	if err := os.WriteFile(tf, buff.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("failed to write: %w", err)
	}
	return tf, nil
}
