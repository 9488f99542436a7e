package repo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"sitesign/internal/domain"
)

const siteColumns = `id,name,location,manager,steps,approvers_json,created_at,updated_at`

type siteRow struct {
	ID            string `db:"id"`
	Name          string `db:"name"`
	Location      string `db:"location"`
	Manager       string `db:"manager"`
	Steps         int    `db:"steps"`
	ApproversJSON string `db:"approvers_json"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

func toSiteRow(s domain.Site) (siteRow, error) {
	approvers := s.Approvers
	if approvers == nil {
		approvers = []string{}
	}
	data, err := json.Marshal(approvers)
	if err != nil {
		return siteRow{}, err
	}
	return siteRow{
		ID: s.ID, Name: s.Name, Location: s.Location, Manager: s.Manager, Steps: s.Steps,
		ApproversJSON: string(data), CreatedAt: s.CreatedAt, UpdatedAt: s.UpdatedAt,
	}, nil
}

func (row siteRow) toDomain() (domain.Site, error) {
	s := domain.Site{
		ID: row.ID, Name: row.Name, Location: row.Location, Manager: row.Manager, Steps: row.Steps,
		CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
	}
	if err := json.Unmarshal([]byte(row.ApproversJSON), &s.Approvers); err != nil {
		return s, fmt.Errorf("site %s approvers: %w", row.ID, err)
	}
	return s, nil
}

func (r Repo) InsertSite(ctx context.Context, q sqlx.ExtContext, s domain.Site) error {
	row, err := toSiteRow(s)
	if err != nil {
		return err
	}
	_, err = sqlx.NamedExecContext(ctx, q, `INSERT INTO sites(`+siteColumns+`) VALUES (`+namedParams(siteColumns)+`)`, row)
	if isUniqueViolation(err) {
		return fmt.Errorf("site %s: %w", s.ID, ErrDuplicate)
	}
	return err
}

func (r Repo) UpdateSite(ctx context.Context, q sqlx.ExtContext, s domain.Site) error {
	row, err := toSiteRow(s)
	if err != nil {
		return err
	}
	res, err := sqlx.NamedExecContext(ctx, q, `UPDATE sites SET name=:name, location=:location, manager=:manager,
steps=:steps, approvers_json=:approvers_json, updated_at=:updated_at WHERE id=:id`, row)
	return affectedOrNotFound(res, err)
}

func (r Repo) DeleteSite(ctx context.Context, q sqlx.ExtContext, id string) error {
	res, err := q.ExecContext(ctx, q.Rebind(`DELETE FROM sites WHERE id=?`), id)
	return affectedOrNotFound(res, err)
}

func (r Repo) GetSite(ctx context.Context, id string) (domain.Site, error) {
	return r.GetSiteQ(ctx, r.DB, id)
}

func (r Repo) GetSiteQ(ctx context.Context, q sqlx.ExtContext, id string) (domain.Site, error) {
	var row siteRow
	if err := sqlx.GetContext(ctx, q, &row, q.Rebind(`SELECT `+siteColumns+` FROM sites WHERE id=?`), id); err != nil {
		return domain.Site{}, notFound(err)
	}
	return row.toDomain()
}

func (r Repo) ListSites(ctx context.Context) ([]domain.Site, error) {
	var rows []siteRow
	if err := r.DB.SelectContext(ctx, &rows, `SELECT `+siteColumns+` FROM sites ORDER BY name ASC, id ASC`); err != nil {
		return nil, err
	}
	res := make([]domain.Site, 0, len(rows))
	for _, row := range rows {
		s, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}
