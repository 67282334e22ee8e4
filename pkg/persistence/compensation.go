package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"
)

// ActionOp is a compensating operation kind.
type ActionOp string

const (
	// OpDelete undoes an INSERT by deleting the row.
	OpDelete ActionOp = "delete"
	// OpRestore undoes an UPDATE by writing back captured previous values.
	OpRestore ActionOp = "restore"
	// OpReinsert undoes a DELETE by inserting the captured row back.
	OpReinsert ActionOp = "reinsert"
)

// Action is one recorded undo step.
type Action struct {
	Table    string
	Op       ActionOp
	ID       string
	IDColumn string         // defaults to "id"
	Previous map[string]any // restore/reinsert: column -> prior value
}

// execer is the slice of *sql.DB the rollback needs; narrow for tests.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ActionLog collects undo steps for one job so a failure after partial
// writes can be unwound. Commit clears the log; Rollback replays it in
// reverse order.
type ActionLog struct {
	actions []Action
	logger  *slog.Logger
}

// NewActionLog creates an empty log.
func NewActionLog(logger *slog.Logger) *ActionLog {
	return &ActionLog{logger: logger.With("component", "compensation")}
}

// Push records one undo step.
func (l *ActionLog) Push(a Action) {
	if a.IDColumn == "" {
		a.IDColumn = "id"
	}
	l.actions = append(l.actions, a)
}

// Len returns the number of pending undo steps.
func (l *ActionLog) Len() int { return len(l.actions) }

// Commit discards the undo steps; the job's writes are final.
func (l *ActionLog) Commit() {
	l.actions = nil
}

// Rollback replays the undo steps in reverse. Individual failures are
// logged and skipped so the remaining steps still run; the first error is
// returned.
func (l *ActionLog) Rollback(ctx context.Context, db execer) error {
	var firstErr error
	for i := len(l.actions) - 1; i >= 0; i-- {
		a := l.actions[i]
		if err := l.replay(ctx, db, a); err != nil {
			l.logger.Error("compensating action failed",
				"table", a.Table, "op", a.Op, "id", a.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	l.actions = nil
	return firstErr
}

func (l *ActionLog) replay(ctx context.Context, db execer, a Action) error {
	switch a.Op {
	case OpDelete:
		query := fmt.Sprintf("DELETE FROM %s WHERE %s = $1", a.Table, a.IDColumn)
		_, err := db.ExecContext(ctx, query, a.ID)
		return err
	case OpRestore:
		if len(a.Previous) == 0 {
			return fmt.Errorf("restore action for %s/%s has no previous state", a.Table, a.ID)
		}
		cols := make([]string, 0, len(a.Previous))
		for col := range a.Previous {
			cols = append(cols, col)
		}
		// Sorted for deterministic SQL; map order is random.
		sort.Strings(cols)
		sets := make([]string, len(cols))
		args := make([]any, 0, len(cols)+1)
		for i, col := range cols {
			sets[i] = fmt.Sprintf("%s = $%d", col, i+1)
			args = append(args, a.Previous[col])
		}
		args = append(args, a.ID)
		query := fmt.Sprintf("UPDATE %s SET %s WHERE %s = $%d",
			a.Table, strings.Join(sets, ", "), a.IDColumn, len(cols)+1)
		_, err := db.ExecContext(ctx, query, args...)
		return err
	case OpReinsert:
		if len(a.Previous) == 0 {
			return fmt.Errorf("reinsert action for %s/%s has no captured row", a.Table, a.ID)
		}
		cols := make([]string, 0, len(a.Previous))
		for col := range a.Previous {
			cols = append(cols, col)
		}
		sort.Strings(cols)
		holders := make([]string, len(cols))
		args := make([]any, 0, len(cols))
		for i, col := range cols {
			holders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, a.Previous[col])
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
			a.Table, strings.Join(cols, ", "), strings.Join(holders, ", "))
		_, err := db.ExecContext(ctx, query, args...)
		return err
	}
	return fmt.Errorf("unknown compensating op %q", a.Op)
}
