package repo

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"sitesign/internal/domain"
)

const approvalColumns = `id,approval_number,title,content,author_id,author_name,site_id,site_name,attachment_name,attachment_data,total_steps,approvers_json,current_step,approvals_json,status,rejected_at,rejection_reason,created_at,updated_at,original_created_at,version`

type approvalRow struct {
	ID                string `db:"id"`
	ApprovalNumber    string `db:"approval_number"`
	Title             string `db:"title"`
	Content           string `db:"content"`
	AuthorID          string `db:"author_id"`
	AuthorName        string `db:"author_name"`
	SiteID            string `db:"site_id"`
	SiteName          string `db:"site_name"`
	AttachmentName    string `db:"attachment_name"`
	AttachmentData    string `db:"attachment_data"`
	TotalSteps        int    `db:"total_steps"`
	ApproversJSON     string `db:"approvers_json"`
	CurrentStep       int    `db:"current_step"`
	ApprovalsJSON     string `db:"approvals_json"`
	Status            string `db:"status"`
	RejectedAt        string `db:"rejected_at"`
	RejectionReason   string `db:"rejection_reason"`
	CreatedAt         string `db:"created_at"`
	UpdatedAt         string `db:"updated_at"`
	OriginalCreatedAt string `db:"original_created_at"`
	Version           int    `db:"version"`
}

type deletedApprovalRow struct {
	approvalRow
	DeletedAt string `db:"deleted_at"`
	DeletedBy string `db:"deleted_by"`
}

func toApprovalRow(a domain.ApprovalRequest) (approvalRow, error) {
	approvers := a.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	slots := a.Approvals
	if slots == nil {
		slots = []*domain.ApprovalRecord{}
	}
	approversJSON, err := json.Marshal(approvers)
	if err != nil {
		return approvalRow{}, err
	}
	slotsJSON, err := json.Marshal(slots)
	if err != nil {
		return approvalRow{}, err
	}
	row := approvalRow{
		ID:                a.ID,
		ApprovalNumber:    a.ApprovalNumber,
		Title:             a.Title,
		Content:           a.Content,
		AuthorID:          a.AuthorID,
		AuthorName:        a.AuthorName,
		SiteID:            a.SiteID,
		SiteName:          a.SiteName,
		TotalSteps:        a.TotalSteps,
		ApproversJSON:     string(approversJSON),
		CurrentStep:       a.CurrentStep,
		ApprovalsJSON:     string(slotsJSON),
		Status:            string(a.Status),
		RejectedAt:        a.RejectedAt,
		RejectionReason:   a.RejectionReason,
		CreatedAt:         a.CreatedAt,
		UpdatedAt:         a.UpdatedAt,
		OriginalCreatedAt: a.OriginalCreatedAt,
		Version:           a.Version,
	}
	if a.Attachment != nil {
		row.AttachmentName = a.Attachment.Name
		row.AttachmentData = a.Attachment.DataURL
	}
	return row, nil
}

func (row approvalRow) toDomain() (domain.ApprovalRequest, error) {
	a := domain.ApprovalRequest{
		ID:                row.ID,
		ApprovalNumber:    row.ApprovalNumber,
		Title:             row.Title,
		Content:           row.Content,
		AuthorID:          row.AuthorID,
		AuthorName:        row.AuthorName,
		SiteID:            row.SiteID,
		SiteName:          row.SiteName,
		TotalSteps:        row.TotalSteps,
		CurrentStep:       row.CurrentStep,
		Status:            domain.Status(row.Status),
		RejectedAt:        row.RejectedAt,
		RejectionReason:   row.RejectionReason,
		CreatedAt:         row.CreatedAt,
		UpdatedAt:         row.UpdatedAt,
		OriginalCreatedAt: row.OriginalCreatedAt,
		Version:           row.Version,
	}
	if row.AttachmentData != "" {
		a.Attachment = &domain.Attachment{Name: row.AttachmentName, DataURL: row.AttachmentData}
	}
	if err := json.Unmarshal([]byte(row.ApproversJSON), &a.Approvers); err != nil {
		return a, fmt.Errorf("approval %s approvers: %w", row.ID, err)
	}
	if err := json.Unmarshal([]byte(row.ApprovalsJSON), &a.Approvals); err != nil {
		return a, fmt.Errorf("approval %s approvals: %w", row.ID, err)
	}
	// slot arrays always match the chain length
	if len(a.Approvals) != a.TotalSteps {
		slots := make([]*domain.ApprovalRecord, a.TotalSteps)
		copy(slots, a.Approvals)
		a.Approvals = slots
	}
	return a, nil
}

func (r Repo) InsertApproval(ctx context.Context, q sqlx.ExtContext, a domain.ApprovalRequest) error {
	row, err := toApprovalRow(a)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, q, `INSERT INTO approvals(`+approvalColumns+`) VALUES (`+namedParams(approvalColumns)+`)`, row)
	if isUniqueViolation(err) {
		return fmt.Errorf("approval %s: %w", a.ApprovalNumber, ErrDuplicate)
	}
	return err
}

func (r Repo) GetApproval(ctx context.Context, q sqlx.ExtContext, id string) (domain.ApprovalRequest, error) {
	var row approvalRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+approvalColumns+` FROM approvals WHERE id=?`), id); err != nil {
		return domain.ApprovalRequest{}, notFound(err)
	}
	return row.toDomain()
}

// UpdateApproval writes a, guarded by the version it was loaded at. On success a.Version is
// advanced to the stored version.
func (r Repo) UpdateApproval(ctx context.Context, q sqlx.ExtContext, a *domain.ApprovalRequest) error {
	row, err := toApprovalRow(*a)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, q, `UPDATE approvals SET
title=:title, content=:content, author_name=:author_name, site_id=:site_id, site_name=:site_name,
attachment_name=:attachment_name, attachment_data=:attachment_data, total_steps=:total_steps,
approvers_json=:approvers_json, current_step=:current_step, approvals_json=:approvals_json,
status=:status, rejected_at=:rejected_at, rejection_reason=:rejection_reason, updated_at=:updated_at,
original_created_at=:original_created_at, version=version+1
WHERE id=:id AND version=:version`, row)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := sqlx.GetContext(ctx, q, &exists, q.Rebind(`SELECT COUNT(*) FROM approvals WHERE id=?`), a.ID); err != nil {
			return err
		}
		if exists == 0 {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	a.Version++
	return nil
}

type ApprovalFilter struct {
	Status   domain.Status
	SiteID   string
	AuthorID string
	// Query matches title, content or approval number.
	Query string
	From  string
	To    string
	Limit int
}

func (r Repo) ListApprovals(ctx context.Context, f ApprovalFilter) ([]domain.ApprovalRequest, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.SiteID != "" {
		clauses = append(clauses, "site_id=?")
		args = append(args, f.SiteID)
	}
	if f.AuthorID != "" {
		clauses = append(clauses, "author_id=?")
		args = append(args, f.AuthorID)
	}
	if q := strings.TrimSpace(f.Query); q != "" {
		like := "%" + strings.ToLower(q) + "%"
		clauses = append(clauses, "(LOWER(title) LIKE ? OR LOWER(content) LIKE ? OR LOWER(approval_number) LIKE ?)")
		args = append(args, like, like, like)
	}
	if f.From != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.From)
	}
	if f.To != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.To)
	}
	query := `SELECT ` + approvalColumns + ` FROM approvals` + where(clauses) + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	var rows []approvalRow
	if err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(query), args...); err != nil {
		return nil, err
	}
	return approvalsFromRows(rows)
}

// ListOpenApprovals returns pending and processing requests, oldest first.
func (r Repo) ListOpenApprovals(ctx context.Context) ([]domain.ApprovalRequest, error) {
	var rows []approvalRow
	err := r.DB.SelectContext(ctx, &rows, r.DB.Rebind(`SELECT `+approvalColumns+` FROM approvals WHERE status IN (?,?) ORDER BY created_at ASC, id ASC`),
		string(domain.StatusPending), string(domain.StatusProcessing))
	if err != nil {
		return nil, err
	}
	return approvalsFromRows(rows)
}

func approvalsFromRows(rows []approvalRow) ([]domain.ApprovalRequest, error) {
	res := make([]domain.ApprovalRequest, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, nil
}

// ApprovalNumbers returns every number issued with the given prefix, including archived requests.
func (r Repo) ApprovalNumbers(ctx context.Context, q sqlx.ExtContext, prefix string) ([]string, error) {
	var numbers []string
	like := prefix + "%"
	err := sqlx.SelectContext(ctx, q, &numbers, q.Rebind(`SELECT approval_number FROM approvals WHERE approval_number LIKE ?
UNION ALL SELECT approval_number FROM deleted_approvals WHERE approval_number LIKE ?`), like, like)
	return numbers, err
}

func (r Repo) CountApprovalsByStatus(ctx context.Context) (map[domain.Status]int, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}
	if err := r.DB.SelectContext(ctx, &rows, `SELECT status, COUNT(*) AS n FROM approvals GROUP BY status`); err != nil {
		return nil, err
	}
	res := map[domain.Status]int{}
	for _, row := range rows {
		res[domain.Status(row.Status)] = row.N
	}
	return res, nil
}

// ArchiveApproval moves a request into deleted_approvals.
func (r Repo) ArchiveApproval(ctx context.Context, tx *sqlx.Tx, a domain.ApprovalRequest, deletedAt, deletedBy string) error {
	row, err := toApprovalRow(a)
	if err != nil {
		return err
	}
	archived := deletedApprovalRow{approvalRow: row, DeletedAt: deletedAt, DeletedBy: deletedBy}
	cols := approvalColumns + ",deleted_at,deleted_by"
	if _, err := tx.NamedExecContext(ctx, `INSERT INTO deleted_approvals(`+cols+`) VALUES (`+namedParams(cols)+`)`, archived); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("archived approval %s: %w", a.ID, ErrDuplicate)
		}
		return err
	}
	res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM approvals WHERE id=? AND version=?`), a.ID, a.Version)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r Repo) GetDeletedApproval(ctx context.Context, q sqlx.ExtContext, id string) (domain.DeletedApproval, error) {
	var row deletedApprovalRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+approvalColumns+`,deleted_at,deleted_by FROM deleted_approvals WHERE id=?`), id); err != nil {
		return domain.DeletedApproval{}, notFound(err)
	}
	a, err := row.toDomain()
	if err != nil {
		return domain.DeletedApproval{}, err
	}
	return domain.DeletedApproval{ApprovalRequest: a, DeletedAt: row.DeletedAt, DeletedBy: row.DeletedBy}, nil
}

func (r Repo) ListDeletedApprovals(ctx context.Context) ([]domain.DeletedApproval, error) {
	var rows []deletedApprovalRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+approvalColumns+`,deleted_at,deleted_by FROM deleted_approvals ORDER BY deleted_at DESC, id DESC`); err != nil {
		return nil, err
	}
	res := make([]domain.DeletedApproval, 0, len(rows))
	for _, row := range rows {
		a, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, domain.DeletedApproval{ApprovalRequest: a, DeletedAt: row.DeletedAt, DeletedBy: row.DeletedBy})
	}
	return res, nil
}

// RestoreApproval moves an archived request back into the active set unchanged.
func (r Repo) RestoreApproval(ctx context.Context, tx *sqlx.Tx, id string) (domain.ApprovalRequest, error) {
	archived, err := r.GetDeletedApproval(ctx, tx, id)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := r.InsertApproval(ctx, tx, archived.ApprovalRequest); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if err := r.PurgeApproval(ctx, tx, id); err != nil {
		return domain.ApprovalRequest{}, err
	}
	return archived.ApprovalRequest, nil
}

func (r Repo) PurgeApproval(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM deleted_approvals WHERE id=?`), id)
	return affectedOrNotFound(res, err)
}

// namedParams turns "a,b" into ":a,:b".
func namedParams(cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = ":" + strings.TrimSpace(p)
	}
	return strings.Join(parts, ",")
}
