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

func (r Repo) InsertEscalationOccurrence(ctx context.Context, ex Queryer, o domain.EscalationOccurrence) error {
	_, err := r.q(ex).ExecContext(ctx, `INSERT INTO escalation_occurrences(pattern_key,category,roles_json,run_id,escalation_id,occurred_at) VALUES (?,?,?,?,?,?)`,
		o.Key, o.Category, marshalJSON(o.Roles), o.RunID, o.EscalationID, formatTime(o.At))
	return err
}

// OccurrencesSince returns occurrences of key strictly after since, oldest first.
func (r Repo) OccurrencesSince(ctx context.Context, ex Queryer, key string, since time.Time) ([]domain.EscalationOccurrence, error) {
	rows, err := r.q(ex).QueryContext(ctx, `SELECT pattern_key,category,roles_json,run_id,escalation_id,occurred_at FROM escalation_occurrences WHERE pattern_key=? AND occurred_at>? ORDER BY occurred_at ASC, id ASC`,
		key, formatTime(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EscalationOccurrence
	for rows.Next() {
		var (
			o          domain.EscalationOccurrence
			roles, ts string
		)
		if err := rows.Scan(&o.Key, &o.Category, &roles, &o.RunID, &o.EscalationID, &ts); err != nil {
			return nil, err
		}
		o.Roles = unmarshalJSON[[]domain.RoleID](roles)
		o.At = parseTime(ts)
		res = append(res, o)
	}
	return res, rows.Err()
}

const flagColumns = `id,pattern_key,category,roles_json,occurrences,run_ids_json,escalation_ids_json,first_seen,last_seen,flagged_at,COALESCE(acknowledged_by,'')`

func scanFlag(row rowScanner) (domain.SystemicPatternFlag, error) {
	var (
		f                                     domain.SystemicPatternFlag
		roles, runs, escs, first, last, flagd string
	)
	err := row.Scan(&f.ID, &f.Key, &f.Category, &roles, &f.Occurrences, &runs, &escs, &first, &last, &flagd, &f.AckedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return f, ErrNotFound
	}
	if err != nil {
		return f, err
	}
	f.Roles = unmarshalJSON[[]domain.RoleID](roles)
	f.RunIDs = unmarshalJSON[[]string](runs)
	f.EscalationIDs = unmarshalJSON[[]string](escs)
	f.FirstSeen = parseTime(first)
	f.LastSeen = parseTime(last)
	f.FlaggedAt = parseTime(flagd)
	return f, nil
}

func (r Repo) InsertPatternFlag(ctx context.Context, ex Queryer, f domain.SystemicPatternFlag) error {
	_, err := r.q(ex).ExecContext(ctx, `INSERT INTO pattern_flags(id,pattern_key,category,roles_json,occurrences,run_ids_json,escalation_ids_json,first_seen,last_seen,flagged_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		f.ID, f.Key, f.Category, marshalJSON(f.Roles), f.Occurrences, marshalJSON(f.RunIDs), marshalJSON(f.EscalationIDs),
		formatTime(f.FirstSeen), formatTime(f.LastSeen), formatTime(f.FlaggedAt))
	return err
}

// LastPatternFlag returns the newest flag for key, or ErrNotFound.
func (r Repo) LastPatternFlag(ctx context.Context, ex Queryer, key string) (domain.SystemicPatternFlag, error) {
	return scanFlag(r.q(ex).QueryRowContext(ctx, `SELECT `+flagColumns+` FROM pattern_flags WHERE pattern_key=? ORDER BY flagged_at DESC LIMIT 1`, key))
}

type PatternFilter struct {
	Key            string
	Unacknowledged bool
	Limit          int
}

// ListPatternFlags returns flags newest first.
func (r Repo) ListPatternFlags(ctx context.Context, f PatternFilter) ([]domain.SystemicPatternFlag, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Key != "" {
		clauses = append(clauses, "pattern_key=?")
		args = append(args, f.Key)
	}
	if f.Unacknowledged {
		clauses = append(clauses, "acknowledged_at IS NULL")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM pattern_flags WHERE %s ORDER BY flagged_at DESC LIMIT ?`, flagColumns, strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SystemicPatternFlag
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, flag)
	}
	return res, rows.Err()
}

// AcknowledgePatternFlags marks flags as consumed by a retrospective run.
func (r Repo) AcknowledgePatternFlags(ctx context.Context, ex Queryer, ids []string, by string, at time.Time) error {
	for _, id := range ids {
		if _, err := r.q(ex).ExecContext(ctx, `UPDATE pattern_flags SET acknowledged_by=?, acknowledged_at=? WHERE id=? AND acknowledged_at IS NULL`, by, formatTime(at), id); err != nil {
			return err
		}
	}
	return nil
}
