// Package neo4jstore is a Gateway backed by neo4j. Tasks are (:Task) nodes and
// nesting is a HAS_PARENT relationship from child to parent.
package neo4jstore

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/tasktree"
)

// Config holds the connection settings for the driver.
type Config struct {
	URI      string
	Username string
	Password string
	Database string
}

type Store struct {
	driver   neo4j.DriverWithContext
	database string
}

var (
	_ store.Gateway      = (*Store)(nil)
	_ store.BatchUpdater = (*Store)(nil)
)

// Open creates the driver, verifies connectivity and ensures the id constraint exists.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.Username, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("failed to create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("failed to connect to neo4j: %w", err)
	}
	s := &Store{driver: driver, database: cfg.Database}
	if err := s.init(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)
	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		_, err := tx.Run(ctx, "CREATE CONSTRAINT task_id IF NOT EXISTS FOR (t:Task) REQUIRE t.id IS UNIQUE", nil)
		return nil, err
	})
	if err != nil {
		return fmt.Errorf("failed to create constraint: %w", err)
	}
	return nil
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

func (s *Store) Close() error {
	return s.driver.Close(context.Background())
}

const findByListQuery = "MATCH (t:Task {listId: $listId}) " +
	"OPTIONAL MATCH (t)-[:HAS_PARENT]->(p:Task) " +
	"RETURN t.id AS id, t.label AS label, t.isComplete AS isComplete, p.id AS parentId, t.listId AS listId, t.index AS index " +
	"ORDER BY t.index IS NULL, t.index ASC, t.seq ASC"

func (s *Store) FindByList(ctx context.Context, listID string) ([]tasktree.Task, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		res, err := tx.Run(ctx, findByListQuery, map[string]any{"listId": listID})
		if err != nil {
			return nil, err
		}
		tasks := make([]tasktree.Task, 0)
		for res.Next(ctx) {
			t, err := recordToTask(res.Record().AsMap())
			if err != nil {
				return nil, err
			}
			tasks = append(tasks, t)
		}
		if err := res.Err(); err != nil {
			return nil, err
		}
		return tasks, nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find tasks of %s: %w", listID, err)
	}
	return result.([]tasktree.Task), nil
}

func (s *Store) Insert(ctx context.Context, task tasktree.Task) (tasktree.Task, error) {
	task = tasktree.NormalizeParent(task)
	task.ID = uuid.NewString()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := tx.Run(ctx,
			"CREATE (t:Task {id: $id, label: $label, isComplete: $isComplete, listId: $listId, index: $index, seq: timestamp()})",
			taskParams(task),
		); err != nil {
			return nil, err
		}
		if task.ParentID != nil {
			if _, err := tx.Run(ctx,
				"MATCH (child:Task {id: $childId}), (parent:Task {id: $parentId, listId: $listId}) "+
					"CREATE (child)-[:HAS_PARENT]->(parent)",
				map[string]any{"childId": task.ID, "parentId": *task.ParentID, "listId": task.ListID},
			); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return tasktree.Task{}, fmt.Errorf("failed to insert task: %w", err)
	}
	return task, nil
}

func updateInTx(ctx context.Context, tx neo4j.ManagedTransaction, id string, task tasktree.Task) error {
	task = tasktree.NormalizeParent(task)
	params := taskParams(task)
	params["id"] = id
	res, err := tx.Run(ctx,
		"MATCH (t:Task {id: $id, listId: $listId}) "+
			"SET t.label = $label, t.isComplete = $isComplete, t.index = $index "+
			"WITH t OPTIONAL MATCH (t)-[r:HAS_PARENT]->() DELETE r "+
			"RETURN DISTINCT t.id AS id",
		params,
	)
	if err != nil {
		return err
	}
	records, err := res.Collect(ctx)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return fmt.Errorf("%w: %s in list %s", store.ErrNotFound, id, task.ListID)
	}
	if task.ParentID != nil {
		if _, err := tx.Run(ctx,
			"MATCH (child:Task {id: $childId}), (parent:Task {id: $parentId, listId: $listId}) "+
				"CREATE (child)-[:HAS_PARENT]->(parent)",
			map[string]any{"childId": id, "parentId": *task.ParentID, "listId": task.ListID},
		); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) UpdateByID(ctx context.Context, id string, task tasktree.Task) error {
	return s.UpdateBatch(ctx, []tasktree.Task{withID(task, id)})
}

// UpdateBatch applies every update in one write transaction.
func (s *Store) UpdateBatch(ctx context.Context, tasks []tasktree.Task) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, t := range tasks {
			if err := updateInTx(ctx, tx, t.ID, t); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func taskParams(t tasktree.Task) map[string]any {
	var index any
	if t.Index != nil {
		index = int64(*t.Index)
	}
	return map[string]any{
		"id":         t.ID,
		"label":      t.Label,
		"isComplete": t.IsComplete,
		"listId":     t.ListID,
		"index":      index,
	}
}

// recordToTask converts a FindByList record. Integer properties arrive as int64.
func recordToTask(values map[string]any) (tasktree.Task, error) {
	var t tasktree.Task
	var ok bool
	if t.ID, ok = values["id"].(string); !ok {
		return t, fmt.Errorf("record has no id: %v", values)
	}
	t.Label, _ = values["label"].(string)
	t.IsComplete, _ = values["isComplete"].(bool)
	t.ListID, _ = values["listId"].(string)
	if parentID, ok := values["parentId"].(string); ok && parentID != "" {
		t.ParentID = tasktree.StrPtr(parentID)
	}
	switch index := values["index"].(type) {
	case nil:
	case int64:
		t.Index = tasktree.IntPtr(int(index))
	default:
		return t, fmt.Errorf("task %s has index of unexpected type %T", t.ID, index)
	}
	return t, nil
}

func withID(t tasktree.Task, id string) tasktree.Task {
	t.ID = id
	return t
}
