package repo

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"sitesign/internal/domain"
)

const userColumns = `username,password_hash,name,role,phone,email,approved_at,approved_by`

type userRow struct {
	Username     string `db:"username"`
	PasswordHash string `db:"password_hash"`
	Name         string `db:"name"`
	Role         string `db:"role"`
	Phone        string `db:"phone"`
	Email        string `db:"email"`
	ApprovedAt   string `db:"approved_at"`
	ApprovedBy   string `db:"approved_by"`
}

type deletedUserRow struct {
	userRow
	DeletedAt string `db:"deleted_at"`
	DeletedBy string `db:"deleted_by"`
}

func toUserRow(u domain.User) userRow {
	return userRow{
		Username: u.Username, PasswordHash: u.PasswordHash, Name: u.Name, Role: string(u.Role),
		Phone: u.Phone, Email: u.Email, ApprovedAt: u.ApprovedAt, ApprovedBy: u.ApprovedBy,
	}
}

func (row userRow) toDomain() domain.User {
	return domain.User{
		Username: row.Username, PasswordHash: row.PasswordHash, Name: row.Name,
		Role:  domain.NormalizeRole(row.Role),
		Phone: row.Phone, Email: row.Email, ApprovedAt: row.ApprovedAt, ApprovedBy: row.ApprovedBy,
	}
}

func (r Repo) InsertUser(ctx context.Context, q sqlx.ExtContext, u domain.User) error {
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO users(`+userColumns+`) VALUES (`+namedParams(userColumns)+`)`, toUserRow(u))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s: %w", u.Username, ErrDuplicate)
	}
	return err
}

func (r Repo) UpdateUser(ctx context.Context, q sqlx.ExtContext, u domain.User) error {
	res, err := sqlx.NamedExecContext(ctx, q, `UPDATE users SET password_hash=:password_hash, name=:name, role=:role,
phone=:phone, email=:email WHERE username=:username`, toUserRow(u))
	return affectedOrNotFound(res, err)
}

func (r Repo) DeleteUser(ctx context.Context, q sqlx.ExtContext, username string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM users WHERE username=?`), username)
	return affectedOrNotFound(res, err)
}

func (r Repo) GetUser(ctx context.Context, username string) (domain.User, error) {
	return r.GetUserQ(ctx, r.DB, username)
}

func (r Repo) GetUserQ(ctx context.Context, q sqlx.ExtContext, username string) (domain.User, error) {
	var row userRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+userColumns+` FROM users WHERE username=?`), username); err != nil {
		return domain.User{}, notFound(err)
	}
	return row.toDomain(), nil
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	return r.ListUsersQ(ctx, r.DB)
}

func (r Repo) ListUsersQ(ctx context.Context, q sqlx.ExtContext) ([]domain.User, error) {
	var rows []userRow
	if err := sqlx.SelectContext(ctx, q, &rows, `SELECT `+userColumns+` FROM users ORDER BY username ASC`); err != nil {
		return nil, err
	}
	res := make([]domain.User, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

func (r Repo) CountUsers(ctx context.Context) (int, error) {
	var n int
	err := r.DB.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`)
	return n, err
}

// SaveDeletedUser archives a user; a previous archive entry for the same username is replaced.
func (r Repo) SaveDeletedUser(ctx context.Context, q sqlx.ExtContext, u domain.DeletedUser) error {
	row := deletedUserRow{userRow: toUserRow(u.User), DeletedAt: u.DeletedAt, DeletedBy: u.DeletedBy}
	cols := userColumns + ",deleted_at,deleted_by"
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO deleted_users(`+cols+`) VALUES (`+namedParams(cols)+`)
ON CONFLICT(username) DO UPDATE SET password_hash=excluded.password_hash, name=excluded.name, role=excluded.role,
phone=excluded.phone, email=excluded.email, approved_at=excluded.approved_at, approved_by=excluded.approved_by,
deleted_at=excluded.deleted_at, deleted_by=excluded.deleted_by`, row)
	return err
}

func (r Repo) GetDeletedUser(ctx context.Context, q sqlx.ExtContext, username string) (domain.DeletedUser, error) {
	var row deletedUserRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+userColumns+`,deleted_at,deleted_by FROM deleted_users WHERE username=?`), username); err != nil {
		return domain.DeletedUser{}, notFound(err)
	}
	return domain.DeletedUser{User: row.userRow.toDomain(), DeletedAt: row.DeletedAt, DeletedBy: row.DeletedBy}, nil
}

func (r Repo) ListDeletedUsers(ctx context.Context) ([]domain.DeletedUser, error) {
	var rows []deletedUserRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+userColumns+`,deleted_at,deleted_by FROM deleted_users ORDER BY deleted_at DESC, username ASC`); err != nil {
		return nil, err
	}
	res := make([]domain.DeletedUser, 0, len(rows))
	for _, row := range rows {
		res = append(res, domain.DeletedUser{User: row.userRow.toDomain(), DeletedAt: row.DeletedAt, DeletedBy: row.DeletedBy})
	}
	return res, nil
}

func (r Repo) DeleteDeletedUser(ctx context.Context, q sqlx.ExtContext, username string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM deleted_users WHERE username=?`), username)
	return affectedOrNotFound(res, err)
}

const userRequestColumns = `id,username,password_hash,name,role,phone,email,status,requested_at,decided_at,decided_by,rejection_reason`

type userRequestRow struct {
	ID              string `db:"id"`
	Username        string `db:"username"`
	PasswordHash    string `db:"password_hash"`
	Name            string `db:"name"`
	Role            string `db:"role"`
	Phone           string `db:"phone"`
	Email           string `db:"email"`
	Status          string `db:"status"`
	RequestedAt     string `db:"requested_at"`
	DecidedAt       string `db:"decided_at"`
	DecidedBy       string `db:"decided_by"`
	RejectionReason string `db:"rejection_reason"`
}

func toUserRequestRow(u domain.UserRequest) userRequestRow {
	return userRequestRow{
		ID: u.ID, Username: u.Username, PasswordHash: u.PasswordHash, Name: u.Name, Role: string(u.Role),
		Phone: u.Phone, Email: u.Email, Status: string(u.Status), RequestedAt: u.RequestedAt,
		DecidedAt: u.DecidedAt, DecidedBy: u.DecidedBy, RejectionReason: u.RejectionReason,
	}
}

func (row userRequestRow) toDomain() domain.UserRequest {
	return domain.UserRequest{
		ID: row.ID, Username: row.Username, PasswordHash: row.PasswordHash, Name: row.Name,
		Role: domain.NormalizeRole(row.Role), Phone: row.Phone, Email: row.Email,
		Status: domain.RequestStatus(row.Status), RequestedAt: row.RequestedAt,
		DecidedAt: row.DecidedAt, DecidedBy: row.DecidedBy, RejectionReason: row.RejectionReason,
	}
}

func (r Repo) InsertUserRequest(ctx context.Context, q sqlx.ExtContext, u domain.UserRequest) error {
	_, err := sqlx.NamedExecContext(ctx, q, `INSERT INTO user_requests(`+userRequestColumns+`) VALUES (`+namedParams(userRequestColumns)+`)`, toUserRequestRow(u))
	return err
}

func (r Repo) UpdateUserRequest(ctx context.Context, q sqlx.ExtContext, u domain.UserRequest) error {
	res, err := sqlx.NamedExecContext(ctx, q, `UPDATE user_requests SET status=:status, decided_at=:decided_at,
decided_by=:decided_by, rejection_reason=:rejection_reason WHERE id=:id`, toUserRequestRow(u))
	return affectedOrNotFound(res, err)
}

func (r Repo) GetUserRequest(ctx context.Context, q sqlx.ExtContext, id string) (domain.UserRequest, error) {
	var row userRequestRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+userRequestColumns+` FROM user_requests WHERE id=?`), id); err != nil {
		return domain.UserRequest{}, notFound(err)
	}
	return row.toDomain(), nil
}

// ListUserRequests filters by status when given.
func (r Repo) ListUserRequests(ctx context.Context, status domain.RequestStatus) ([]domain.UserRequest, error) {
	var clauses []string
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(status))
	}
	var rows []userRequestRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(`SELECT `+userRequestColumns+` FROM user_requests`+where(clauses)+` ORDER BY requested_at DESC, id DESC`), args...); err != nil {
		return nil, err
	}
	res := make([]domain.UserRequest, 0, len(rows))
	for _, row := range rows {
		res = append(res, row.toDomain())
	}
	return res, nil
}

// UsernameTaken reports whether username belongs to an active user or a pending registration.
func (r Repo) UsernameTaken(ctx context.Context, q sqlx.ExtContext, username string) (bool, error) {
	var n int
	err := sqlx.GetContext(ctx, q, &n, q.Rebind(`SELECT (SELECT COUNT(*) FROM users WHERE username=?) + (SELECT COUNT(*) FROM user_requests WHERE username=? AND status=?)`),
		username, username, string(domain.RequestPending))
	return n > 0, err
}
