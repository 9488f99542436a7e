package engine

import (
	"context"
	"time"

	"github.com/samber/lo"

	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/repo"
)

// viewer bundles what visibility checks need about the acting user.
type viewer struct {
	user    domain.User
	managed map[string]bool
}

func (e Engine) viewer(ctx context.Context, actorID string) (viewer, error) {
	actor, err := e.actor(ctx, "view approvals", actorID)
	if err != nil {
		return viewer{}, err
	}
	v := viewer{user: actor, managed: map[string]bool{}}
	if domain.NormalizeRole(string(actor.Role)) == domain.RoleSite {
		sites, err := e.Repo.ListSites(ctx)
		if err != nil {
			return viewer{}, persist("list sites", err)
		}
		for i := range sites {
			if auth.IsSiteManager(actor, &sites[i]) {
				v.managed[sites[i].ID] = true
			}
		}
	}
	return v, nil
}

// sees: headquarters sees everything, others their own requests, and site managers also
// the requests of the sites they manage.
func (v viewer) sees(req domain.ApprovalRequest) bool {
	if auth.Can(v.user, auth.ViewAllApprovals) {
		return true
	}
	return auth.IsAuthor(v.user, req) || v.managed[req.SiteID]
}

// Get returns a request the actor may see.
func (e Engine) Get(ctx context.Context, id, actorID string) (domain.ApprovalRequest, error) {
	v, err := e.viewer(ctx, actorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	req, err := e.Repo.GetApproval(ctx, e.DB, id)
	if err != nil {
		return domain.ApprovalRequest{}, persist("load approval", err)
	}
	if !v.sees(req) {
		return domain.ApprovalRequest{}, denied("view approval", v.user.Username)
	}
	return req, nil
}

// List filters stored requests and drops those the actor may not see.
func (e Engine) List(ctx context.Context, actorID string, f repo.ApprovalFilter) ([]domain.ApprovalRequest, error) {
	v, err := e.viewer(ctx, actorID)
	if err != nil {
		return nil, err
	}
	limit := f.Limit
	f.Limit = 0
	all, err := e.Repo.ListApprovals(ctx, f)
	if err != nil {
		return nil, persist("list approvals", err)
	}
	visible := lo.Filter(all, func(req domain.ApprovalRequest, _ int) bool { return v.sees(req) })
	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}
	return visible, nil
}

// Pending lists open requests the actor can decide now, oldest first.
func (e Engine) Pending(ctx context.Context, actorID string) ([]domain.ApprovalRequest, error) {
	actor, err := e.actor(ctx, "list pending", actorID)
	if err != nil {
		return nil, err
	}
	open, err := e.Repo.ListOpenApprovals(ctx)
	if err != nil {
		return nil, persist("list approvals", err)
	}
	sites, err := e.Repo.ListSites(ctx)
	if err != nil {
		return nil, persist("list sites", err)
	}
	byID := lo.KeyBy(sites, func(s domain.Site) string { return s.ID })
	return lo.Filter(open, func(req domain.ApprovalRequest, _ int) bool {
		var site *domain.Site
		if s, ok := byID[req.SiteID]; ok {
			site = &s
		}
		return auth.CanApprove(actor, req, site)
	}), nil
}

// MonthRange returns the [from, to) bounds of a calendar month in loc as stored timestamps.
func MonthRange(year int, month time.Month, loc *time.Location) (string, string) {
	start := time.Date(year, month, 1, 0, 0, 0, 0, loc)
	end := start.AddDate(0, 1, 0)
	return start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339)
}

// Monthly lists visible requests created in the given month of the configured timezone.
func (e Engine) Monthly(ctx context.Context, actorID string, year int, month time.Month) ([]domain.ApprovalRequest, error) {
	if month < time.January || month > time.December {
		return nil, invalid("month", "month must be between 1 and 12")
	}
	loc, err := e.cfg().Location()
	if err != nil {
		return nil, err
	}
	from, to := MonthRange(year, month, loc)
	return e.List(ctx, actorID, repo.ApprovalFilter{From: from, To: to})
}

// Permissions reports what the actor may do with a request right now.
func (e Engine) Permissions(ctx context.Context, id, actorID string) (auth.Capabilities, error) {
	req, err := e.Get(ctx, id, actorID)
	if err != nil {
		return auth.Capabilities{}, err
	}
	actor, err := e.actor(ctx, "view approval", actorID)
	if err != nil {
		return auth.Capabilities{}, err
	}
	site, err := e.siteFor(ctx, req.SiteID)
	if err != nil {
		return auth.Capabilities{}, err
	}
	return auth.Evaluate(actor, req, site), nil
}

// Stats counts the requests visible to the actor by status.
type Stats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Approved   int `json:"approved"`
	Rejected   int `json:"rejected"`
	Archived   int `json:"archived,omitempty"`
	// AwaitingMe counts requests the actor can decide now.
	AwaitingMe int `json:"awaiting_me"`
}

func (e Engine) Stats(ctx context.Context, actorID string) (Stats, error) {
	visible, err := e.List(ctx, actorID, repo.ApprovalFilter{})
	if err != nil {
		return Stats{}, err
	}
	counts := lo.CountValuesBy(visible, func(req domain.ApprovalRequest) domain.Status { return req.Status })
	s := Stats{
		Total:      len(visible),
		Pending:    counts[domain.StatusPending],
		Processing: counts[domain.StatusProcessing],
		Approved:   counts[domain.StatusApproved],
		Rejected:   counts[domain.StatusRejected],
	}
	pending, err := e.Pending(ctx, actorID)
	if err != nil {
		return Stats{}, err
	}
	s.AwaitingMe = len(pending)
	actor, err := e.actor(ctx, "view stats", actorID)
	if err != nil {
		return Stats{}, err
	}
	if auth.Can(actor, auth.ManageArchive) {
		archived, err := e.Repo.ListDeletedApprovals(ctx)
		if err != nil {
			return Stats{}, persist("list archive", err)
		}
		s.Archived = len(archived)
	}
	return s, nil
}

// ListEvents pages the audit log backwards for headquarters.
func (e Engine) ListEvents(ctx context.Context, actorID string, f repo.EventFilter) ([]domain.Event, error) {
	actor, err := e.actor(ctx, "read audit log", actorID)
	if err != nil {
		return nil, err
	}
	if !auth.Can(actor, auth.ReadAudit) {
		return nil, denied("read audit log", actor.Username)
	}
	list, err := e.Repo.LatestEvents(ctx, f)
	return list, persist("list events", err)
}

// Summary is the store-wide overview printed by the CLI status command.
type Summary struct {
	Approvals map[domain.Status]int `json:"approvals"`
	Users     int                   `json:"users"`
	Sites     int                   `json:"sites"`
	LastEvent int64                 `json:"last_event_id"`
}

func (e Engine) Summary(ctx context.Context) (Summary, error) {
	counts, err := e.Repo.CountApprovalsByStatus(ctx)
	if err != nil {
		return Summary{}, persist("count approvals", err)
	}
	users, err := e.Repo.CountUsers(ctx)
	if err != nil {
		return Summary{}, persist("count users", err)
	}
	sites, err := e.Repo.ListSites(ctx)
	if err != nil {
		return Summary{}, persist("list sites", err)
	}
	last, err := e.Repo.LatestEventID(ctx)
	if err != nil {
		return Summary{}, persist("latest event", err)
	}
	return Summary{Approvals: counts, Users: users, Sites: len(sites), LastEvent: last}, nil
}
