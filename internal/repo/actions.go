package repo

import (
	"context"
	"database/sql"

	"kiln/internal/domain"
)

const actionCols = `id,action_type,object_type,object_id,COALESCE(data,''),priority,result,created_on,ended_on`

func scanActionRow(scan func(...any) error) (domain.Action, error) {
	var a domain.Action
	var ended sql.NullInt64
	err := scan(&a.ID, &a.ActionType, &a.ObjectType, &a.ObjectID, &a.Data, &a.Priority, &a.Result, &a.CreatedOn, &ended)
	if err != nil {
		return a, err
	}
	if ended.Valid {
		a.EndedOn = &ended.Int64
	}
	return a, nil
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO actions(action_type,object_type,object_id,data,priority,result,created_on,ended_on) VALUES (?,?,?,?,?,?,?,?)`,
		a.ActionType, a.ObjectType, a.ObjectID, nullable(a.Data), a.Priority, a.Result, a.CreatedOn, a.EndedOn)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetAction(ctx context.Context, id int64) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	a, err := scanActionRow(row.Scan)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

// ListWaitingActions is the backend poll queue: unfinished actions,
// highest priority (lowest number) first, then FIFO.
func (r Repo) ListWaitingActions(ctx context.Context, limit int) ([]domain.Action, error) {
	query := `SELECT ` + actionCols + ` FROM actions WHERE result=? ORDER BY priority ASC, created_on ASC, id ASC`
	args := []any{domain.ResultWaiting}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanActionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) ListActions(ctx context.Context, limit int) ([]domain.Action, error) {
	query := `SELECT ` + actionCols + ` FROM actions ORDER BY created_on DESC, id DESC`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanActionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// CountUnfinishedActionsOnObject counts waiting actions that target
// the given object.
func (r Repo) CountUnfinishedActionsOnObject(ctx context.Context, objectType string, objectID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM actions WHERE object_type=? AND object_id=? AND result=?`,
		objectType, objectID, domain.ResultWaiting).Scan(&n)
	return n, err
}

// SetActionResultTx finalizes an action exactly once; a second report
// for the same action leaves the original verdict in place.
func (r Repo) SetActionResultTx(ctx context.Context, tx *sql.Tx, id int64, result string, endedOn int64) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET result=?, ended_on=? WHERE id=? AND result=?`,
		result, endedOn, id, domain.ResultWaiting)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListActionsAfter returns actions with id greater than the cursor,
// oldest first. Used by the forwarder.
func (r Repo) ListActionsAfter(ctx context.Context, afterID int64, limit int) ([]domain.Action, error) {
	query := `SELECT ` + actionCols + ` FROM actions WHERE id>? ORDER BY id ASC`
	args := []any{afterID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanActionRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// LatestActionID returns the highest action id, or 0 on an empty
// table.
func (r Repo) LatestActionID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id), 0) FROM actions`).Scan(&id)
	return id, err
}
