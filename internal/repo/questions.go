package repo

import (
	"context"
	"database/sql"
	"strings"

	"handoff/internal/domain"
)

const questionColumns = `id,project_id,agent_id,target_user_id,task_id,title,content,context_json,priority,status,answer,answer_type,answered_by,answered_at,expires_at,created_at,deleted_at`

func (r Repo) InsertQuestion(ctx context.Context, tx *sql.Tx, q domain.Question) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO questions(id,project_id,agent_id,target_user_id,task_id,title,content,context_json,priority,priority_rank,status,answer,answer_type,answered_by,answered_at,expires_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		q.ID, q.ProjectID, q.AgentID, q.TargetUserID, nullableStringPtr(q.TaskID), q.Title, q.Content,
		nullableStringPtr(q.ContextJSON), q.Priority, domain.PriorityRank(q.Priority), q.Status,
		nullableStringPtr(q.Answer), nullableStringPtr(q.AnswerType), nullableStringPtr(q.AnsweredBy),
		nullableStringPtr(q.AnsweredAt), nullableStringPtr(q.ExpiresAt), q.CreatedAt)
	return err
}

func scanQuestion(scan func(dest ...any) error) (domain.Question, error) {
	var q domain.Question
	var taskID, contextJSON, answer, answerType, answeredBy, answeredAt, expiresAt, deletedAt sql.NullString
	err := scan(&q.ID, &q.ProjectID, &q.AgentID, &q.TargetUserID, &taskID, &q.Title, &q.Content,
		&contextJSON, &q.Priority, &q.Status, &answer, &answerType, &answeredBy, &answeredAt, &expiresAt,
		&q.CreatedAt, &deletedAt)
	if err != nil {
		return q, err
	}
	if taskID.Valid {
		q.TaskID = &taskID.String
	}
	if contextJSON.Valid {
		q.ContextJSON = &contextJSON.String
	}
	if answer.Valid {
		q.Answer = &answer.String
	}
	if answerType.Valid {
		q.AnswerType = &answerType.String
	}
	if answeredBy.Valid {
		q.AnsweredBy = &answeredBy.String
	}
	if answeredAt.Valid {
		q.AnsweredAt = &answeredAt.String
	}
	if expiresAt.Valid {
		q.ExpiresAt = &expiresAt.String
	}
	if deletedAt.Valid {
		q.DeletedAt = &deletedAt.String
	}
	return q, nil
}

func (r Repo) GetQuestion(ctx context.Context, id string) (domain.Question, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=? AND deleted_at IS NULL`, id)
	q, err := scanQuestion(row.Scan)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

// GetQuestionTx reads through an open transaction. Callers holding a write
// transaction must use this instead of GetQuestion: a pool read would sit
// behind the transaction's own lock.
func (r Repo) GetQuestionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Question, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+questionColumns+` FROM questions WHERE id=? AND deleted_at IS NULL`, id)
	q, err := scanQuestion(row.Scan)
	if err == sql.ErrNoRows {
		return q, ErrNotFound
	}
	return q, err
}

// MarkAnswered flips a pending question to answered. The status predicate in
// the WHERE clause is the compare-and-set: of two racing answer/ignore calls
// exactly one sees a row affected.
func (r Repo) MarkAnswered(ctx context.Context, tx *sql.Tx, id, answer, answerType, answeredBy, answeredAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE questions SET status=?, answer=?, answer_type=?, answered_by=?, answered_at=?
WHERE id=? AND status=? AND deleted_at IS NULL`,
		domain.QuestionAnswered, answer, nullable(answerType), nullable(answeredBy), answeredAt,
		id, domain.QuestionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkIgnored flips a pending question to ignored, same gating as MarkAnswered.
func (r Repo) MarkIgnored(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE questions SET status=? WHERE id=? AND status=? AND deleted_at IS NULL`,
		domain.QuestionIgnored, id, domain.QuestionPending)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SoftDeleteQuestion marks a question deleted without removing the row.
func (r Repo) SoftDeleteQuestion(ctx context.Context, tx *sql.Tx, id, deletedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE questions SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, deletedAt, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListExpiredPending returns pending questions whose deadline has passed.
func (r Repo) ListExpiredPending(ctx context.Context, now string, limit int) ([]domain.Question, error) {
	query := `SELECT ` + questionColumns + ` FROM questions
WHERE status=? AND deleted_at IS NULL AND expires_at IS NOT NULL AND expires_at < ?
ORDER BY expires_at ASC`
	args := []any{domain.QuestionPending, now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryQuestions(ctx, query, args...)
}

type QuestionFilters struct {
	ProjectID       string
	AgentID         string
	TargetUserID    string
	TaskID          string
	Status          string
	Priority        string
	ExpiredBefore   string // pending + expires_at < value
	ExpiringBy      string // pending + expires_at between now and value
	Now             string
	Limit           int
	CursorRank      int
	CursorCreatedAt string
	CursorID        string
}

// ListQuestions returns questions ordered by priority (urgent first) then
// newest-first creation time, with a composite keyset cursor.
func (r Repo) ListQuestions(ctx context.Context, f QuestionFilters) ([]domain.Question, error) {
	clauses := []string{"deleted_at IS NULL"}
	var args []any
	if f.ProjectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProjectID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.TargetUserID != "" {
		clauses = append(clauses, "target_user_id=?")
		args = append(args, f.TargetUserID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id=?")
		args = append(args, f.TaskID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Priority != "" {
		clauses = append(clauses, "priority=?")
		args = append(args, f.Priority)
	}
	if f.ExpiredBefore != "" {
		clauses = append(clauses, "status=? AND expires_at IS NOT NULL AND expires_at < ?")
		args = append(args, domain.QuestionPending, f.ExpiredBefore)
	}
	if f.ExpiringBy != "" && f.Now != "" {
		clauses = append(clauses, "status=? AND expires_at IS NOT NULL AND expires_at >= ? AND expires_at <= ?")
		args = append(args, domain.QuestionPending, f.Now, f.ExpiringBy)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, `(priority_rank > ? OR (priority_rank = ? AND (created_at < ? OR (created_at = ? AND id < ?))))`)
		args = append(args, f.CursorRank, f.CursorRank, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT ` + questionColumns + ` FROM questions ` + where + ` ORDER BY priority_rank ASC, created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryQuestions(ctx, query, args...)
}

func (r Repo) queryQuestions(ctx context.Context, query string, args ...any) ([]domain.Question, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Question
	for rows.Next() {
		q, err := scanQuestion(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}

func (r Repo) CountQuestionsByStatus(ctx context.Context, projectID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM questions WHERE project_id=? AND deleted_at IS NULL GROUP BY status`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, nil
}
