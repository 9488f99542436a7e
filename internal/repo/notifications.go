package repo

import (
	"context"

	"sitesign/internal/domain"
)

const notificationColumns = `id,type,title,message,approval_id,user_id,read,created_at`

type notificationRow struct {
	ID         string `db:"id"`
	Type       string `db:"type"`
	Title      string `db:"title"`
	Message    string `db:"message"`
	ApprovalID string `db:"approval_id"`
	UserID     string `db:"user_id"`
	Read       bool   `db:"read"`
	CreatedAt  string `db:"created_at"`
}

func (row notificationRow) toDomain() domain.Notification {
	return domain.Notification{
		ID: row.ID, Type: domain.NotificationType(row.Type), Title: row.Title, Message: row.Message,
		ApprovalID: row.ApprovalID, UserID: row.UserID, Read: row.Read, CreatedAt: row.CreatedAt,
	}
}

// InsertNotification reports false when the dedup key (approval, type, recipient) already
// holds a workflow notification.
func (r Repo) InsertNotification(ctx context.Context, n domain.Notification) (bool, error) {
	row := notificationRow{
		ID: n.ID, Type: string(n.Type), Title: n.Title, Message: n.Message,
		ApprovalID: n.ApprovalID, UserID: n.UserID, Read: n.Read, CreatedAt: n.CreatedAt,
	}
	res, err := r.DB.NamedExecContext(ctx, `INSERT INTO notifications(`+notificationColumns+`) VALUES (`+namedParams(notificationColumns)+`)
ON CONFLICT DO NOTHING`, row)
	if err != nil {
		return false, err
	}
	created, _ := res.RowsAffected()
	return created > 0, nil
}

func (r Repo) GetNotification(ctx context.Context, id string) (domain.Notification, error) {
	var row notificationRow
	if err := r.DB.GetContext(ctx, &row, r.DB.Rebind(`SELECT `+notificationColumns+` FROM notifications WHERE id=?`), id); err != nil {
		return domain.Notification{}, notFound(err)
	}
	return row.toDomain(), nil
}

type NotificationFilter struct {
	// UserID limits to notifications addressed to the user or broadcast.
	UserID     string
	ApprovalID string
	Type       domain.NotificationType
	UnreadOnly bool
	Limit      int
}

func (f NotificationFilter) clauses() ([]string, []any) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "(user_id=? OR user_id='')")
		args = append(args, f.UserID)
	}
	if f.ApprovalID != "" {
		clauses = append(clauses, "approval_id=?")
		args = append(args, f.ApprovalID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, string(f.Type))
	}
	if f.UnreadOnly {
		clauses = append(clauses, "read=?")
		args = append(args, false)
	}
	return clauses, args
}

func (r Repo) ListNotifications(ctx context.Context, f NotificationFilter) ([]domain.Notification, error) {
	clauses, args := f.clauses()
	query := `SELECT ` + notificationColumns + ` FROM notifications` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []notificationRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	res := make([]domain.Notification, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

func (r Repo) CountNotifications(ctx context.Context, f NotificationFilter) (int, error) {
	clauses, args := f.clauses()
	var n int
	err := r.DB.GetContext(ctx, &n, r.DB.Rebind(`SELECT COUNT(*) FROM notifications`+where(clauses)), args...)
	return n, err
}

// MarkNotificationsRead flags every notification matching f as read.
func (r Repo) MarkNotificationsRead(ctx context.Context, f NotificationFilter) (int, error) {
	f.UnreadOnly = true
	clauses, args := f.clauses()
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`UPDATE notifications SET read=?`+where(clauses)), append([]any{true}, args...)...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) MarkNotificationRead(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`UPDATE notifications SET read=? WHERE id=?`), true, id)
	return affectedOrNotFound(res, err)
}

func (r Repo) DeleteNotification(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM notifications WHERE id=?`), id)
	return affectedOrNotFound(res, err)
}

// DeleteUserNotifications removes everything addressed to the user. Broadcasts stay.
func (r Repo) DeleteUserNotifications(ctx context.Context, userID string) (int, error) {
	res, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM notifications WHERE user_id=?`), userID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteReadNotifications clears read notifications of one kind for a request so the kind
// can be armed again.
func (r Repo) DeleteReadNotifications(ctx context.Context, approvalID string, typ domain.NotificationType) error {
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM notifications WHERE approval_id=? AND type=? AND read=?`), approvalID, string(typ), true)
	return err
}

// DeleteApprovalNotifications drops every notification tied to a request.
func (r Repo) DeleteApprovalNotifications(ctx context.Context, approvalID string) error {
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM notifications WHERE approval_id=?`), approvalID)
	return err
}

// PruneNotifications keeps the newest keep notifications addressed to userID.
func (r Repo) PruneNotifications(ctx context.Context, userID string, keep int) error {
	if keep <= 0 || userID == "" {
		return nil
	}
	_, err := r.DB.ExecContext(ctx, r.DB.Rebind(`DELETE FROM notifications WHERE user_id=? AND id NOT IN (
SELECT id FROM notifications WHERE user_id=? ORDER BY created_at DESC, id DESC LIMIT ?)`), userID, userID, keep)
	return err
}
