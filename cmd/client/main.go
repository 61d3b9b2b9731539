package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/astromechza/listsync/pkg/protocol"
	"github.com/astromechza/listsync/pkg/tasktree"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return newCommand().Run(ctx, os.Args)
}

func newCommand() *cli.Command {
	var addr, listID string
	return &cli.Command{
		Name:  "listsync",
		Usage: "work with a shared task list",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "the server address",
				Sources:     cli.EnvVars("LISTSYNC_ADDR"),
				Value:       "localhost:5001",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "list",
				Usage:       "the list to work on",
				Sources:     cli.EnvVars("LISTSYNC_LIST"),
				Value:       "default",
				Destination: &listID,
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "watch",
				Usage: "print the list and reprint it on every change",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "filter", Usage: "all, done or todo", Value: "all"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					filter, err := tasktree.ParseFilter(c.String("filter"))
					if err != nil {
						return err
					}
					return watch(ctx, addr, listID, filter)
				},
			},
			{
				Name:      "add",
				Usage:     "add a task to the end of the list, or under a parent; an identical concurrent add may be reported instead",
				ArgsUsage: "<label>",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "parent", Usage: "id of the parent task"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.NArg() != 1 {
						return fmt.Errorf("expected one argument: the label")
					}
					return add(ctx, addr, listID, c.Args().First(), c.String("parent"))
				},
			},
			{
				Name:      "move",
				Usage:     "move the supertask at one position to another",
				ArgsUsage: "<from> <to>",
				Action: func(ctx context.Context, c *cli.Command) error {
					from, to, err := positions(c, 2)
					if err != nil {
						return err
					}
					return move(ctx, addr, listID, from, to)
				},
			},
			{
				Name:      "toggle",
				Usage:     "flip the completion of the supertask at a position",
				ArgsUsage: "<position>",
				Action: func(ctx context.Context, c *cli.Command) error {
					at, _, err := positions(c, 1)
					if err != nil {
						return err
					}
					return toggle(ctx, addr, listID, at)
				},
			},
		},
	}
}

func positions(c *cli.Command, n int) (int, int, error) {
	if c.NArg() != n {
		return 0, 0, fmt.Errorf("expected %d position arguments", n)
	}
	out := make([]int, 2)
	for i, raw := range c.Args().Slice() {
		v, err := strconv.Atoi(raw)
		if err != nil {
			return 0, 0, fmt.Errorf("invalid position %q: %w", raw, err)
		}
		out[i] = v
	}
	return out[0], out[1], nil
}

func watch(ctx context.Context, addr, listID string, filter tasktree.Filter) error {
	s, tasks, err := dial(ctx, addr, listID)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	render(os.Stdout, tasks, filter)
	for {
		env, err := s.read()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		switch env.Event {
		case protocol.EventFullLoad:
			if err := env.Decode(&tasks); err != nil {
				return err
			}
		case protocol.EventTaskCreated:
			var t tasktree.Task
			if err := env.Decode(&t); err != nil {
				return err
			}
			tasks = append(tasks, t)
		case protocol.EventError:
			slog.Error("server error", "err", errorFrom(env))
			continue
		default:
			continue
		}
		fmt.Println()
		render(os.Stdout, tasks, filter)
	}
}

func add(ctx context.Context, addr, listID, label, parentID string) error {
	s, _, err := dial(ctx, addr, listID)
	if err != nil {
		return err
	}
	defer s.Close()

	task := tasktree.Task{Label: label, ListID: listID}
	if parentID != "" {
		task.ParentID = &parentID
	}
	env, err := protocol.CreateTask(task)
	if err != nil {
		return err
	}
	if err := s.send(env); err != nil {
		return err
	}
	for {
		got, err := s.await(protocol.EventTaskCreated)
		if err != nil {
			return err
		}
		var created tasktree.Task
		if err := got.Decode(&created); err != nil {
			return err
		}
		if matchesCreate(task, created) {
			slog.Info("created", "id", created.ID, "index", created.Index)
			return nil
		}
	}
}

// reorder sends the given supertasks with the unchanged subtasks and waits
// for the resulting snapshot.
func reorder(s *session, supertasks, subtasks []tasktree.Task) error {
	env, err := protocol.UpdateTasks(protocol.Batch{Supertasks: supertasks, Subtasks: subtasks})
	if err != nil {
		return err
	}
	if err := s.send(env); err != nil {
		return err
	}
	got, err := s.await(protocol.EventFullLoad)
	if err != nil {
		return err
	}
	var tasks []tasktree.Task
	if err := got.Decode(&tasks); err != nil {
		return err
	}
	render(os.Stdout, tasks, tasktree.FilterAll)
	return nil
}

func move(ctx context.Context, addr, listID string, from, to int) error {
	s, tasks, err := dial(ctx, addr, listID)
	if err != nil {
		return err
	}
	defer s.Close()

	supertasks, subtasks := tasktree.Partition(tasks)
	tasktree.SortByIndex(supertasks)
	if from < 0 || from >= len(supertasks) {
		return fmt.Errorf("%w: no supertask at %d", tasktree.ErrInvalidPosition, from)
	}
	reordered, err := tasktree.Reindex(supertasks, supertasks[from].ID, from, to)
	if err != nil {
		return err
	}
	return reorder(s, reordered, subtasks)
}

func toggle(ctx context.Context, addr, listID string, at int) error {
	s, tasks, err := dial(ctx, addr, listID)
	if err != nil {
		return err
	}
	defer s.Close()

	supertasks, subtasks := tasktree.Partition(tasks)
	tasktree.SortByIndex(supertasks)
	if at < 0 || at >= len(supertasks) {
		return fmt.Errorf("%w: no supertask at %d", tasktree.ErrInvalidPosition, at)
	}
	supertasks[at].IsComplete = !supertasks[at].IsComplete
	updated, err := tasktree.Reindex(supertasks, supertasks[at].ID, at, at)
	if err != nil {
		return err
	}
	return reorder(s, updated, subtasks)
}
