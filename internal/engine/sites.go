package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/events"
	"sitesign/internal/repo"
)

const MaxSiteSteps = 10

type SiteOptions struct {
	ID        string
	Name      string
	Location  string
	Manager   string
	Approvers []string
	ActorID   string
}

// SiteUpdateOptions leaves nil fields unchanged. Approvers also sets the step count.
type SiteUpdateOptions struct {
	ID        string
	Name      *string
	Location  *string
	Manager   *string
	Approvers []string
	ActorID   string
}

func validateChain(approvers []string) ([]string, error) {
	cleaned := lo.Map(approvers, func(a string, _ int) string { return strings.TrimSpace(a) })
	if len(cleaned) < 1 || len(cleaned) > MaxSiteSteps {
		return nil, invalid("approvers", fmt.Sprintf("a site needs between 1 and %d approval steps", MaxSiteSteps))
	}
	if lo.Contains(cleaned, "") {
		return nil, invalid("approvers", "every step needs an approver name")
	}
	return cleaned, nil
}

func (e Engine) siteAdmin(ctx context.Context, action, actorID string) (domain.User, error) {
	actor, err := e.actor(ctx, action, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if !auth.Can(actor, auth.ManageSites) {
		return domain.User{}, denied(action, actor.Username)
	}
	return actor, nil
}

func (e Engine) checkManager(ctx context.Context, username string) error {
	if username == "" {
		return nil
	}
	if _, err := e.Repo.GetUser(ctx, username); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("manager", fmt.Sprintf("user %s does not exist", username))
		}
		return persist("load manager", err)
	}
	return nil
}

func (e Engine) CreateSite(ctx context.Context, opts SiteOptions) (domain.Site, error) {
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		return domain.Site{}, invalid("name", "a site name is required")
	}
	approvers, err := validateChain(opts.Approvers)
	if err != nil {
		return domain.Site{}, err
	}
	actor, err := e.siteAdmin(ctx, "create site", opts.ActorID)
	if err != nil {
		return domain.Site{}, err
	}
	manager := strings.TrimSpace(opts.Manager)
	if err := e.checkManager(ctx, manager); err != nil {
		return domain.Site{}, err
	}
	id := opts.ID
	if id == "" {
		v7, err := uuid.NewV7()
		if err != nil {
			return domain.Site{}, err
		}
		id = v7.String()
	}
	site := domain.Site{
		ID:        id,
		Name:      name,
		Location:  strings.TrimSpace(opts.Location),
		Manager:   manager,
		Steps:     len(approvers),
		Approvers: approvers,
		CreatedAt: e.stamp(),
	}
	err = e.inTx(ctx, "create site", actor.Username, func(tx *sqlx.Tx) error {
		return e.Repo.InsertSite(ctx, tx, site)
	}, event{typ: "site.created", kind: events.KindSite, id: site.ID, payload: events.EventPayload{"name": site.Name, "steps": site.Steps}})
	if err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			return domain.Site{}, invalid("id", fmt.Sprintf("site %s already exists", site.ID))
		}
		return domain.Site{}, err
	}
	return site, nil
}

// UpdateSite edits the template. In-flight requests keep their snapshot.
func (e Engine) UpdateSite(ctx context.Context, opts SiteUpdateOptions) (domain.Site, error) {
	actor, err := e.siteAdmin(ctx, "update site", opts.ActorID)
	if err != nil {
		return domain.Site{}, err
	}
	site, err := e.Repo.GetSite(ctx, opts.ID)
	if err != nil {
		return domain.Site{}, persist("load site", err)
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.Site{}, invalid("name", "a site name is required")
		}
		site.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.Location != nil {
		site.Location = strings.TrimSpace(*opts.Location)
	}
	if opts.Manager != nil {
		manager := strings.TrimSpace(*opts.Manager)
		if err := e.checkManager(ctx, manager); err != nil {
			return domain.Site{}, err
		}
		site.Manager = manager
	}
	if opts.Approvers != nil {
		approvers, err := validateChain(opts.Approvers)
		if err != nil {
			return domain.Site{}, err
		}
		site.Approvers = approvers
		site.Steps = len(approvers)
	}
	site.UpdatedAt = e.stamp()
	err = e.inTx(ctx, "update site", actor.Username, func(tx *sqlx.Tx) error {
		return e.Repo.UpdateSite(ctx, tx, site)
	}, event{typ: "site.updated", kind: events.KindSite, id: site.ID, payload: events.EventPayload{"name": site.Name, "steps": site.Steps, "manager": site.Manager}})
	if err != nil {
		return domain.Site{}, err
	}
	return site, nil
}

// DeleteSite removes a site with no open requests.
func (e Engine) DeleteSite(ctx context.Context, id, actorID string) error {
	actor, err := e.siteAdmin(ctx, "delete site", actorID)
	if err != nil {
		return err
	}
	open, err := e.Repo.ListApprovals(ctx, repo.ApprovalFilter{SiteID: id})
	if err != nil {
		return persist("list approvals", err)
	}
	if n := lo.CountBy(open, func(r domain.ApprovalRequest) bool { return r.Status.Open() }); n > 0 {
		return StateError{Action: "delete site", Reason: fmt.Sprintf("%d open requests still use it", n)}
	}
	return e.inTx(ctx, "delete site", actor.Username, func(tx *sqlx.Tx) error {
		return e.Repo.DeleteSite(ctx, tx, id)
	}, event{typ: "site.deleted", kind: events.KindSite, id: id})
}

func (e Engine) ListSites(ctx context.Context) ([]domain.Site, error) {
	sites, err := e.Repo.ListSites(ctx)
	return sites, persist("list sites", err)
}

func (e Engine) GetSite(ctx context.Context, id string) (domain.Site, error) {
	site, err := e.Repo.GetSite(ctx, id)
	return site, persist("load site", err)
}
