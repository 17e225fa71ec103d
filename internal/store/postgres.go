package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrConflict is returned when sequence allocation exhausts its retry
// budget. It indicates a store isolation problem, not a user error.
var ErrConflict = errors.New("report number allocation conflict")

// ErrInvalidField is returned for an update naming a column outside
// AllowedUpdateFields. Nothing is written in that case.
var ErrInvalidField = errors.New("field not updatable")

const createRetries = 3

const reportColumns = `
	id, report_number, chat_id, user_id, username, user_login, platform,
	platform_version, error_time, server, subscriber_info, description,
	media_file_id, media_type, message_id, tracking_id, status,
	status_comment, status_changed_by, created_at, updated_at
`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CreateReport inserts the draft and allocates the next report number for
// its chat in the same statement, so no two creators can observe the same
// max. A concurrent insert can still collide on the (chat_id, report_number)
// unique constraint under read-committed isolation; that collision is
// retried up to createRetries times and the aborted number is never reused.
// After the insert commits, the row is re-read so the caller's draft carries
// the authoritative number.
func (s *PostgresStore) CreateReport(ctx context.Context, report *Report) error {
	const insert = `
		INSERT INTO reports
			(report_number, chat_id, user_id, username, user_login, platform,
			 platform_version, error_time, server, subscriber_info, description,
			 media_file_id, media_type, message_id, tracking_id, status)
		VALUES (
			(SELECT COALESCE(MAX(report_number), 0) + 1 FROM reports WHERE chat_id = $1),
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		)
		RETURNING id
	`

	status := report.Status
	if status == "" {
		status = StatusNew
	}

	var lastErr error
	for attempt := 0; attempt < createRetries; attempt++ {
		var id int64
		err := s.db.QueryRowContext(ctx, insert,
			report.ChatID, report.UserID, report.Username, report.UserLogin,
			report.Platform, report.PlatformVersion, report.ErrorTime,
			report.Server, report.SubscriberInfo, report.Description,
			report.MediaFileID, report.MediaType, report.MessageID,
			report.TrackingID, status,
		).Scan(&id)
		if err == nil {
			created, err := s.GetReport(ctx, id)
			if err != nil {
				return fmt.Errorf("re-read created report %d: %w", id, err)
			}
			*report = created
			return nil
		}
		if !isUniqueViolation(err) {
			return fmt.Errorf("insert report: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

func (s *PostgresStore) GetReport(ctx context.Context, id int64) (Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE id = $1`, id)
	return scanReport(row)
}

func (s *PostgresStore) GetReportByNumber(ctx context.Context, chatID, number int64) (Report, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE chat_id = $1 AND report_number = $2`,
		chatID, number)
	return scanReport(row)
}

// ListUserReports returns a user's reports, newest first. chatID of zero
// means all chats.
func (s *PostgresStore) ListUserReports(ctx context.Context, userID, chatID int64, limit, offset int) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE user_id = $1`
	args := []any{userID}
	if chatID != 0 {
		query += ` AND chat_id = $2`
		args = append(args, chatID)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	return s.queryReports(ctx, query, args...)
}

// ListChatReports returns a chat's reports, newest first, optionally
// filtered by status.
func (s *PostgresStore) ListChatReports(ctx context.Context, chatID int64, status string, limit, offset int) ([]Report, error) {
	query := `SELECT ` + reportColumns + ` FROM reports WHERE chat_id = $1`
	args := []any{chatID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	return s.queryReports(ctx, query, args...)
}

func (s *PostgresStore) ChatStats(ctx context.Context, chatID int64) (Stats, error) {
	const query = `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'new'),
			COUNT(*) FILTER (WHERE status = 'in_progress'),
			COUNT(*) FILTER (WHERE status = 'completed')
		FROM reports WHERE chat_id = $1
	`
	var stats Stats
	err := s.db.QueryRowContext(ctx, query, chatID).
		Scan(&stats.Total, &stats.New, &stats.InProgress, &stats.Completed)
	if err != nil {
		return Stats{}, fmt.Errorf("chat stats: %w", err)
	}
	return stats, nil
}

// SearchReports does a substring match across the text columns plus an
// exact report-number match.
func (s *PostgresStore) SearchReports(ctx context.Context, chatID int64, text string, limit, offset int) ([]Report, error) {
	const query = `
		SELECT ` + reportColumns + `
		FROM reports
		WHERE chat_id = $1 AND (
			description ILIKE $2 OR user_login ILIKE $2 OR
			subscriber_info ILIKE $2 OR tracking_id ILIKE $2 OR
			CAST(report_number AS TEXT) = $3
		)
		ORDER BY created_at DESC LIMIT $4 OFFSET $5
	`
	pattern := "%" + escapeLike(text) + "%"
	return s.queryReports(ctx, query, chatID, pattern, text, limit, offset)
}

// ExportChatReports returns every report of a chat ordered by ascending
// report number, for CSV export.
func (s *PostgresStore) ExportChatReports(ctx context.Context, chatID int64) ([]Report, error) {
	return s.queryReports(ctx,
		`SELECT `+reportColumns+` FROM reports WHERE chat_id = $1 ORDER BY report_number ASC`,
		chatID)
}

// UpdateReport applies a partial update. Every key must be in
// AllowedUpdateFields; otherwise ErrInvalidField is returned before any
// write. Returns false when no row matched the id.
func (s *PostgresStore) UpdateReport(ctx context.Context, id int64, fields map[string]any) (bool, error) {
	if len(fields) == 0 {
		return false, nil
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := AllowedUpdateFields[name]; !ok {
			return false, fmt.Errorf("%w: %s", ErrInvalidField, name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	assignments := make([]string, 0, len(names)+1)
	args := make([]any, 0, len(names)+1)
	for i, name := range names {
		assignments = append(assignments, fmt.Sprintf("%s = $%d", name, i+1))
		args = append(args, fields[name])
	}
	assignments = append(assignments, "updated_at = NOW()")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE reports SET %s WHERE id = $%d`,
		strings.Join(assignments, ", "), len(args))

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update report %d: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update report %d: %w", id, err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) SetMessageID(ctx context.Context, id, messageID int64) error {
	_, err := s.UpdateReport(ctx, id, map[string]any{"message_id": messageID})
	return err
}

func (s *PostgresStore) queryReports(ctx context.Context, query string, args ...any) ([]Report, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reports: %w", err)
	}
	defer rows.Close()

	var reports []Report
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(row scanner) (Report, error) {
	var r Report
	var status sql.NullString
	err := row.Scan(
		&r.ID, &r.ReportNumber, &r.ChatID, &r.UserID, &r.Username,
		&r.UserLogin, &r.Platform, &r.PlatformVersion, &r.ErrorTime,
		&r.Server, &r.SubscriberInfo, &r.Description, &r.MediaFileID,
		&r.MediaType, &r.MessageID, &r.TrackingID, &status,
		&r.StatusComment, &r.StatusChangedBy, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return Report{}, err
	}
	r.Status = normalizeStatus(status)
	return r, nil
}

// normalizeStatus maps NULL or unknown stored values to "new".
func normalizeStatus(status sql.NullString) string {
	if !status.Valid {
		return StatusNew
	}
	if _, ok := ValidStatuses[status.String]; !ok {
		return StatusNew
	}
	return status.String
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func escapeLike(text string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(text)
}
