package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"rolegate/internal/domain"
)

const memoryColumns = `id,kind,topic,goal,context_text,decisions_json,COALESCE(rationale_json,''),rejected_json,current_status,status,needs_reconciliation,COALESCE(supersedes_json,''),COALESCE(superseded_by,''),COALESCE(source_entry_ids_json,''),COALESCE(source_run_id,''),created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMemoryEntry(row rowScanner) (domain.MemoryEntry, error) {
	var (
		e                                                domain.MemoryEntry
		decisions, rationale, rejected, supersedes, srcs string
		created, updated                                 string
		reconcile                                        int
	)
	err := row.Scan(&e.ID, &e.Kind, &e.Topic, &e.Goal, &e.ContextText, &decisions, &rationale, &rejected,
		&e.CurrentStatus, &e.Status, &reconcile, &supersedes, &e.SupersededBy, &srcs, &e.SourceRunID, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	e.Decisions = unmarshalJSON[[]string](decisions)
	e.Rationale = unmarshalJSON[[]string](rationale)
	e.Rejected = unmarshalJSON[[]domain.Alternative](rejected)
	e.Supersedes = unmarshalJSON[[]string](supersedes)
	e.SourceEntryIDs = unmarshalJSON[[]string](srcs)
	e.NeedsReconciliation = reconcile != 0
	e.CreatedAt = parseTime(created)
	e.UpdatedAt = parseTime(updated)
	return e, nil
}

func (r Repo) InsertMemoryEntry(ctx context.Context, ex Queryer, e domain.MemoryEntry) error {
	reconcile := 0
	if e.NeedsReconciliation {
		reconcile = 1
	}
	_, err := r.q(ex).ExecContext(ctx, `INSERT INTO memory_entries(id,kind,topic,goal,context_text,decisions_json,rationale_json,rejected_json,current_status,status,needs_reconciliation,supersedes_json,superseded_by,source_entry_ids_json,source_run_id,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Kind, e.Topic, e.Goal, e.ContextText, marshalJSON(e.Decisions), marshalJSON(e.Rationale), marshalJSON(e.Rejected),
		e.CurrentStatus, e.Status, reconcile, marshalJSON(e.Supersedes), nullable(e.SupersededBy), marshalJSON(e.SourceEntryIDs),
		nullable(e.SourceRunID), formatTime(e.CreatedAt), formatTime(e.UpdatedAt))
	return err
}

func (r Repo) GetMemoryEntry(ctx context.Context, ex Queryer, id string) (domain.MemoryEntry, error) {
	return scanMemoryEntry(r.q(ex).QueryRowContext(ctx, `SELECT `+memoryColumns+` FROM memory_entries WHERE id=?`, id))
}

type MemoryFilter struct {
	Topic  string
	Status domain.MemoryStatus
	Kind   domain.MemoryKind
	IDs    []string
	Limit  int
}

// ListMemoryEntries returns matching entries oldest first.
func (r Repo) ListMemoryEntries(ctx context.Context, ex Queryer, f MemoryFilter) ([]domain.MemoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Topic != "" {
		clauses = append(clauses, "topic=?")
		args = append(args, f.Topic)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Kind != "" {
		clauses = append(clauses, "kind=?")
		args = append(args, f.Kind)
	}
	if len(f.IDs) > 0 {
		clauses = append(clauses, "id IN (?"+strings.Repeat(",?", len(f.IDs)-1)+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM memory_entries WHERE %s ORDER BY created_at ASC, id ASC`, memoryColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.q(ex).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemoryEntry
	for rows.Next() {
		e, err := scanMemoryEntry(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// ListMemoryTopics returns topics that have at least two active summaries.
func (r Repo) ListMemoryTopics(ctx context.Context, ex Queryer) ([]string, error) {
	rows, err := r.q(ex).QueryContext(ctx, `SELECT topic FROM memory_entries WHERE status='active' AND kind='summary' GROUP BY topic HAVING COUNT(*)>=2 ORDER BY topic`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var topic string
		if err := rows.Scan(&topic); err != nil {
			return nil, err
		}
		res = append(res, topic)
	}
	return res, rows.Err()
}

// TransitionMemoryEntry moves an active entry to a terminal status. Entries
// that already left active are reported as ErrImmutable.
func (r Repo) TransitionMemoryEntry(ctx context.Context, ex Queryer, id string, status domain.MemoryStatus, supersededBy string, at time.Time) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE memory_entries SET status=?, superseded_by=?, updated_at=? WHERE id=? AND status='active'`,
		status, nullable(supersededBy), formatTime(at), id)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		if _, err := r.GetMemoryEntry(ctx, ex, id); err != nil {
			return err
		}
		return fmt.Errorf("memory entry %s: %w", id, domain.ErrImmutable)
	}
	return nil
}

func (r Repo) SetNeedsReconciliation(ctx context.Context, ex Queryer, ids []string, flag bool, at time.Time) error {
	v := 0
	if flag {
		v = 1
	}
	for _, id := range ids {
		if _, err := r.q(ex).ExecContext(ctx, `UPDATE memory_entries SET needs_reconciliation=?, updated_at=? WHERE id=?`, v, formatTime(at), id); err != nil {
			return err
		}
	}
	return nil
}

// InsertMemoryConflict records an open conflict; it reports false when the
// same open conflict is already recorded.
func (r Repo) InsertMemoryConflict(ctx context.Context, ex Queryer, c domain.MemoryConflict) (bool, error) {
	res, err := r.q(ex).ExecContext(ctx, `INSERT OR IGNORE INTO memory_conflicts(id,topic,entry_ids_json,detail,detected_at) VALUES (?,?,?,?,?)`,
		c.ID, c.Topic, marshalJSON(c.EntryIDs), c.Detail, formatTime(c.DetectedAt))
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (r Repo) ListMemoryConflicts(ctx context.Context, openOnly bool) ([]domain.MemoryConflict, error) {
	query := `SELECT id,topic,entry_ids_json,detail,detected_at,COALESCE(resolved_at,'') FROM memory_conflicts`
	if openOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at ASC`
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MemoryConflict
	for rows.Next() {
		var (
			c                       domain.MemoryConflict
			ids, detected, resolved string
		)
		if err := rows.Scan(&c.ID, &c.Topic, &ids, &c.Detail, &detected, &resolved); err != nil {
			return nil, err
		}
		c.EntryIDs = unmarshalJSON[[]string](ids)
		c.DetectedAt = parseTime(detected)
		if resolved != "" {
			t := parseTime(resolved)
			c.ResolvedAt = &t
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ResolveMemoryConflicts closes open conflicts touching any of ids.
func (r Repo) ResolveMemoryConflicts(ctx context.Context, ex Queryer, topic string, ids []string, at time.Time) error {
	rows, err := r.q(ex).QueryContext(ctx, `SELECT id,entry_ids_json FROM memory_conflicts WHERE topic=? AND resolved_at IS NULL`, topic)
	if err != nil {
		return err
	}
	touched := map[string]bool{}
	for _, id := range ids {
		touched[id] = true
	}
	var resolved []string
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			rows.Close()
			return err
		}
		for _, e := range unmarshalJSON[[]string](raw) {
			if touched[e] {
				resolved = append(resolved, id)
				break
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, id := range resolved {
		if _, err := r.q(ex).ExecContext(ctx, `UPDATE memory_conflicts SET resolved_at=? WHERE id=?`, formatTime(at), id); err != nil {
			return err
		}
	}
	return nil
}
