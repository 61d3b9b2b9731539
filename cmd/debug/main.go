package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/automerge/automerge-go"
	"github.com/urfave/cli/v3"

	"github.com/astromechza/listsync/pkg/store/docstore"
	"github.com/astromechza/listsync/pkg/viz"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{})))

	cmd := &cli.Command{
		Name:      "listsync-debug",
		Usage:     "inspect a dumped list document",
		ArgsUsage: "<file.automerge>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "svg", Usage: "also render the task tree to a temporary svg"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected one position argument: the file to read")
			}
			return inspect(c.Args().First(), c.Bool("svg"))
		},
	}
	return cmd.Run(context.Background(), os.Args)
}

func inspect(path string, svg bool) error {
	buff, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := automerge.Load(buff)
	if err != nil {
		return fmt.Errorf("failed to load doc: %w", err)
	}
	slog.Info("loaded heads", "heads", doc.Heads())

	tasks, err := docstore.TasksFromDoc(doc)
	if err != nil {
		return err
	}
	for _, t := range tasks {
		slog.Info("task", "id", t.ID, "label", t.Label, "complete", t.IsComplete, "parent", t.ParentID, "index", t.Index)
	}

	changes, err := doc.Changes()
	if err != nil {
		return fmt.Errorf("failed to generate changes: %w", err)
	}
	fmt.Println(`digraph "log" {`)
	for _, change := range changes {
		count := 0
		if docAt, err := doc.Fork(change.Hash()); err == nil {
			if at, err := docstore.TasksFromDoc(docAt); err == nil {
				count = len(at)
			}
		}
		fmt.Printf("    \"%s\" [label=\"%s %s@%d %d tasks\"]\n", change.Hash(), change.Hash().String()[:8], change.ActorID(), change.ActorSeq(), count)
		for _, hash := range change.Dependencies() {
			fmt.Printf("    \"%s\" -> \"%s\"\n", hash, change.Hash())
		}
	}
	fmt.Println("}")

	if svg {
		listID := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		svgPath, err := viz.RenderToTemp(listID, tasks)
		if err != nil {
			return fmt.Errorf("failed to render: %w", err)
		}
		slog.Info("rendered", "path", "file://"+svgPath)
	}
	return nil
}
