// Package docstore is a Gateway that keeps every list as an automerge document
// in memory and periodically backs the documents up into sqlite.
//
// Document layout:
//
//	{
//	  "seq":   <next insertion sequence>,
//	  "tasks": { <id>: {"label", "isComplete", "parentId", "listId", "index", "seq"} }
//	}
//
// An absent parent is stored as "" and an absent index as -1.
package docstore

import (
	"context"
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/listsync/pkg/store"
	"github.com/astromechza/listsync/pkg/tasktree"
)

const noIndex = -1

type listDoc struct {
	doc   *automerge.Doc
	dirty bool
}

type Store struct {
	database *sql.DB
	logger   *slog.Logger

	lock sync.Mutex
	docs map[string]*listDoc
}

var (
	_ store.Gateway      = (*Store)(nil)
	_ store.BatchUpdater = (*Store)(nil)
	_ store.Flusher      = (*Store)(nil)
)

// Open loads every backed up document from the sqlite database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Store{database: db, logger: logger, docs: make(map[string]*listDoc)}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS lists (
    	id text not null primary key,
        content text not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create lists table: %w", err)
	}

	res, err := s.database.QueryContext(ctx, `SELECT id, content FROM lists`)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer func(res *sql.Rows) {
		if err := res.Close(); err != nil {
			s.logger.Error("failed to close rows", "err", err)
		}
	}(res)
	for res.Next() {
		var listID string
		var rawSave string
		if err := res.Scan(&listID, &rawSave); err != nil {
			return fmt.Errorf("failed to scan: %w", err)
		}
		if raw, err := base64.StdEncoding.DecodeString(rawSave); err != nil {
			return fmt.Errorf("failed to decode %s: %w", listID, err)
		} else if doc, err := automerge.Load(raw); err != nil {
			return fmt.Errorf("failed to load doc %s: %w", listID, err)
		} else {
			s.docs[listID] = &listDoc{doc: doc}
		}
	}
	if err := res.Err(); err != nil {
		return fmt.Errorf("failed to read rows: %w", err)
	}
	s.logger.Info("Loaded list documents", "lists", len(s.docs))
	return nil
}

func newDoc() (*automerge.Doc, error) {
	doc := automerge.New()
	if err := doc.Path("seq").Set(int64(0)); err != nil {
		return nil, err
	}
	if err := doc.Path("tasks").Set(map[string]interface{}{}); err != nil {
		return nil, err
	}
	if _, err := doc.Commit("create list"); err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *Store) FindByList(ctx context.Context, listID string) ([]tasktree.Task, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ld, ok := s.docs[listID]
	if !ok {
		return []tasktree.Task{}, nil
	}
	tasks, err := TasksFromDoc(ld.doc)
	if err != nil {
		return nil, fmt.Errorf("failed to read list %s: %w", listID, err)
	}
	return tasks, nil
}

func (s *Store) Insert(ctx context.Context, task tasktree.Task) (tasktree.Task, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	ld, ok := s.docs[task.ListID]
	if !ok {
		doc, err := newDoc()
		if err != nil {
			return tasktree.Task{}, fmt.Errorf("failed to create doc for %s: %w", task.ListID, err)
		}
		ld = &listDoc{doc: doc}
		s.docs[task.ListID] = ld
	}

	seq, err := automerge.As[int64](ld.doc.Path("seq").Get())
	if err != nil {
		return tasktree.Task{}, fmt.Errorf("failed to read seq: %w", err)
	}

	task = tasktree.NormalizeParent(task)
	task.ID = uuid.NewString()
	parentID := ""
	if task.ParentID != nil {
		parentID = *task.ParentID
	}
	if err := ld.doc.Path("tasks", task.ID).Set(map[string]interface{}{
		"label":      task.Label,
		"isComplete": task.IsComplete,
		"parentId":   parentID,
		"listId":     task.ListID,
		"index":      int64(task.IndexOr(noIndex)),
		"seq":        seq,
	}); err != nil {
		return tasktree.Task{}, fmt.Errorf("failed to set task: %w", err)
	}
	if err := ld.doc.Path("seq").Set(seq + 1); err != nil {
		return tasktree.Task{}, fmt.Errorf("failed to set seq: %w", err)
	}
	if _, err := ld.doc.Commit("insert " + task.ID); err != nil {
		return tasktree.Task{}, fmt.Errorf("failed to commit: %w", err)
	}
	ld.dirty = true
	return task, nil
}

func (s *Store) UpdateByID(ctx context.Context, id string, task tasktree.Task) error {
	return s.UpdateBatch(ctx, []tasktree.Task{withID(task, id)})
}

// UpdateBatch checks that every task exists before applying any of them, so
// a batch naming an unknown task changes nothing. Changes are made on forks
// that replace the documents only once every list has committed.
func (s *Store) UpdateBatch(ctx context.Context, tasks []tasktree.Task) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	forks := make(map[string]*automerge.Doc)
	for _, t := range tasks {
		ld, ok := s.docs[t.ListID]
		if !ok {
			return fmt.Errorf("%w: %s in list %s", store.ErrNotFound, t.ID, t.ListID)
		}
		keys, err := ld.doc.Path("tasks").Map().Keys()
		if err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if !slices.Contains(keys, t.ID) {
			return fmt.Errorf("%w: %s in list %s", store.ErrNotFound, t.ID, t.ListID)
		}
		if _, ok := forks[t.ListID]; !ok {
			fork, err := ld.doc.Fork()
			if err != nil {
				return fmt.Errorf("failed to fork %s: %w", t.ListID, err)
			}
			if err := fork.SetActorID(ld.doc.ActorID()); err != nil {
				return fmt.Errorf("failed to set actor of %s: %w", t.ListID, err)
			}
			forks[t.ListID] = fork
		}
	}

	for _, t := range tasks {
		if err := setFields(forks[t.ListID], t); err != nil {
			return err
		}
	}
	for listID, fork := range forks {
		if _, err := fork.Commit(fmt.Sprintf("update %d tasks", len(tasks))); err != nil {
			return fmt.Errorf("failed to commit %s: %w", listID, err)
		}
	}
	for listID, fork := range forks {
		s.docs[listID] = &listDoc{doc: fork, dirty: true}
	}
	return nil
}

func setFields(doc *automerge.Doc, t tasktree.Task) error {
	t = tasktree.NormalizeParent(t)
	parentID := ""
	if t.ParentID != nil {
		parentID = *t.ParentID
	}
	for field, value := range map[string]interface{}{
		"label":      t.Label,
		"isComplete": t.IsComplete,
		"parentId":   parentID,
		"index":      int64(t.IndexOr(noIndex)),
	} {
		if err := doc.Path("tasks", t.ID, field).Set(value); err != nil {
			return fmt.Errorf("failed to set %s of %s: %w", field, t.ID, err)
		}
	}
	return nil
}

// Flush writes every changed document back to sqlite.
func (s *Store) Flush(ctx context.Context) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	for listID, ld := range s.docs {
		if !ld.dirty {
			continue
		}
		newContent := base64.StdEncoding.EncodeToString(ld.doc.Save())
		if res, err := s.database.ExecContext(ctx,
			`INSERT INTO lists (id, content) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET content = excluded.content WHERE content != excluded.content`,
			listID, newContent,
		); err != nil {
			return fmt.Errorf("failed to backup %s: %w", listID, err)
		} else if r, _ := res.RowsAffected(); r > 0 {
			s.logger.Info("backed up", "list", listID, "heads", ld.doc.Heads())
		}
		ld.dirty = false
	}
	return nil
}

// Dump writes each document to dir as <list>.automerge and returns the paths.
func (s *Store) Dump(dir string) ([]string, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	paths := make([]string, 0, len(s.docs))
	for listID, ld := range s.docs {
		tf := filepath.Join(dir, url.PathEscape(listID)+".automerge")
		if err := os.WriteFile(tf, ld.doc.Save(), 0o644); err != nil {
			return paths, fmt.Errorf("failed to dump %s: %w", listID, err)
		}
		paths = append(paths, tf)
	}
	sort.Strings(paths)
	return paths, nil
}

// Close flushes pending changes and closes the database.
func (s *Store) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		_ = s.database.Close()
		return err
	}
	return s.database.Close()
}

// TasksFromDoc decodes the tasks of a list document ordered like FindByList.
func TasksFromDoc(doc *automerge.Doc) ([]tasktree.Task, error) {
	keys, err := doc.Path("tasks").Map().Keys()
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	type seqTask struct {
		task tasktree.Task
		seq  int64
	}
	decoded := make([]seqTask, 0, len(keys))
	for _, id := range keys {
		t, parentID, index, seq, err := readTask(doc, id)
		if err != nil {
			return nil, err
		}
		if parentID != "" {
			t.ParentID = tasktree.StrPtr(parentID)
		}
		if index != noIndex {
			t.Index = tasktree.IntPtr(int(index))
		}
		decoded = append(decoded, seqTask{task: t, seq: seq})
	}

	sort.Slice(decoded, func(i, j int) bool { return decoded[i].seq < decoded[j].seq })
	out := make([]tasktree.Task, len(decoded))
	for i, d := range decoded {
		out[i] = d.task
	}
	tasktree.SortByIndex(out)
	return out, nil
}

func readTask(doc *automerge.Doc, id string) (t tasktree.Task, parentID string, index, seq int64, err error) {
	t.ID = id
	get := func(field string) (*automerge.Value, error) {
		return doc.Path("tasks", id, field).Get()
	}
	if t.Label, err = automerge.As[string](get("label")); err != nil {
		return t, "", 0, 0, fmt.Errorf("failed to read label of %s: %w", id, err)
	}
	if t.IsComplete, err = automerge.As[bool](get("isComplete")); err != nil {
		return t, "", 0, 0, fmt.Errorf("failed to read isComplete of %s: %w", id, err)
	}
	if parentID, err = automerge.As[string](get("parentId")); err != nil {
		return t, "", 0, 0, fmt.Errorf("failed to read parentId of %s: %w", id, err)
	}
	if t.ListID, err = automerge.As[string](get("listId")); err != nil {
		return t, "", 0, 0, fmt.Errorf("failed to read listId of %s: %w", id, err)
	}
	// numbers written as go ints are stored as floats, As accepts either
	if index, err = automerge.As[int64](get("index")); err != nil {
		return t, "", 0, 0, fmt.Errorf("failed to read index of %s: %w", id, err)
	}
	if seq, err = automerge.As[int64](get("seq")); err != nil {
		return t, "", 0, 0, fmt.Errorf("failed to read seq of %s: %w", id, err)
	}
	return t, parentID, index, seq, nil
}

func withID(t tasktree.Task, id string) tasktree.Task {
	t.ID = id
	return t
}
