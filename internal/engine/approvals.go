package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"

	"sitesign/internal/attachment"
	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/events"
	"sitesign/internal/numbering"
	"sitesign/internal/repo"
)

// SubmitOptions are parameters for a new approval request.
type SubmitOptions struct {
	Title   string
	Content string
	SiteID  string
	ActorID string
	// AuthorName overrides the display name snapshot; defaults to the actor's name.
	AuthorName string
	Attachment *domain.Attachment
}

// ActionOptions identify a request and the acting user. ExpectedVersion, when positive,
// must match the stored version.
type ActionOptions struct {
	ID              string
	ActorID         string
	ExpectedVersion int
}

type ApproveOptions struct {
	ActionOptions
	SkipFirstStep bool
}

type RejectOptions struct {
	ActionOptions
	Reason string
}

// EditOptions carries the fields to change; nil fields are left alone.
type EditOptions struct {
	ActionOptions
	Title           *string
	Content         *string
	SiteID          *string
	AuthorName      *string
	Attachment      *domain.Attachment
	ClearAttachment bool
}

func (e Engine) attachmentPolicy() attachment.Policy {
	c := e.cfg()
	return attachment.Policy{MaxBytes: c.Attachments.MaxBytes, ContentTypes: c.Attachments.ContentTypes}
}

func (e Engine) checkAttachment(a *domain.Attachment) error {
	if a == nil {
		return nil
	}
	if err := e.attachmentPolicy().Check(a.Name, a.DataURL); err != nil {
		return invalid("attachment", err.Error())
	}
	return nil
}

// year is the calendar year of t in the configured timezone.
func (e Engine) year(t time.Time) (int, error) {
	loc, err := e.cfg().Location()
	if err != nil {
		return 0, err
	}
	return t.In(loc).Year(), nil
}

func (e Engine) sequencer(tx *sqlx.Tx) numbering.Sequencer {
	if e.Numbers != nil {
		return e.Numbers
	}
	return repo.TxCounter{Repo: e.Repo, Q: tx}
}

// Submit validates and stores a new request, allocates its number and arms the pending
// notifications.
func (e Engine) Submit(ctx context.Context, opts SubmitOptions) (domain.ApprovalRequest, error) {
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		return domain.ApprovalRequest{}, invalid("title", "a title is required")
	}
	if strings.TrimSpace(opts.SiteID) == "" {
		return domain.ApprovalRequest{}, invalid("site_id", "a site must be selected")
	}
	if err := e.checkAttachment(opts.Attachment); err != nil {
		return domain.ApprovalRequest{}, err
	}
	actor, err := e.actor(ctx, "submit", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !auth.Can(actor, auth.CreateApproval) {
		return domain.ApprovalRequest{}, denied("submit", actor.Username)
	}
	site, err := e.Repo.GetSite(ctx, opts.SiteID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.ApprovalRequest{}, invalid("site_id", fmt.Sprintf("site %s does not exist", opts.SiteID))
		}
		return domain.ApprovalRequest{}, persist("load site", err)
	}
	now := e.now()
	year, err := e.year(now)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	req := NewRequest(id.String(), "", site, now.UTC().Format(time.RFC3339))
	req.Title = title
	req.Content = opts.Content
	req.AuthorID = actor.Username
	req.AuthorName = lo.Ternary(strings.TrimSpace(opts.AuthorName) != "", strings.TrimSpace(opts.AuthorName), domain.DisplayName(actor))
	req.Attachment = opts.Attachment

	err = e.inTx(ctx, "submit approval", actor.Username, func(tx *sqlx.Tx) error {
		numbers, err := e.Repo.ApprovalNumbers(ctx, tx, fmt.Sprintf("AP-%d-", year))
		if err != nil {
			return err
		}
		seq, err := e.sequencer(tx).Next(ctx, year, numbering.MaxSeq(numbers, year))
		if err != nil {
			return fmt.Errorf("allocate number: %w", err)
		}
		req.ApprovalNumber = numbering.Format(year, seq)
		if err := e.Repo.InsertApproval(ctx, tx, req); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "approval.submitted", events.KindApproval, req.ID, actor.Username, events.EventPayload{
			"number":      req.ApprovalNumber,
			"site_id":     req.SiteID,
			"total_steps": req.TotalSteps,
		})
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.bestEffort("submitted", req, func() error {
		_, err := e.notifier().Submitted(ctx, req)
		return err
	})
	return req, nil
}

func (e Engine) load(ctx context.Context, id string, expected int) (domain.ApprovalRequest, error) {
	req, err := e.Repo.GetApproval(ctx, e.DB, id)
	if err != nil {
		return domain.ApprovalRequest{}, persist("load approval", err)
	}
	if expected > 0 && req.Version != expected {
		return domain.ApprovalRequest{}, PersistenceError{
			Op:  "load approval",
			Err: fmt.Errorf("%w: request is at version %d, expected %d", repo.ErrVersionConflict, req.Version, expected),
		}
	}
	return req, nil
}

// siteFor returns the request's site, or nil when it has been removed.
func (e Engine) siteFor(ctx context.Context, siteID string) (*domain.Site, error) {
	site, err := e.Repo.GetSite(ctx, siteID)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, persist("load site", err)
	}
	return &site, nil
}

// save writes a transitioned request and its events in one transaction.
func (e Engine) save(ctx context.Context, op, actorID string, req *domain.ApprovalRequest, evts ...event) error {
	if err := CheckInvariants(*req); err != nil {
		return StateError{Action: op, Status: req.Status, Reason: err.Error()}
	}
	req.UpdatedAt = e.stamp()
	return e.inTx(ctx, op, actorID, func(tx *sqlx.Tx) error {
		return e.Repo.UpdateApproval(ctx, tx, req)
	}, evts...)
}

func approvalEvent(typ string, req domain.ApprovalRequest, payload events.EventPayload) event {
	if payload == nil {
		payload = events.EventPayload{}
	}
	payload["number"] = req.ApprovalNumber
	payload["status"] = string(req.Status)
	payload["current_step"] = req.CurrentStep
	return event{typ: typ, kind: events.KindApproval, id: req.ID, payload: payload}
}

// Approve records the actor's approval at the current step.
func (e Engine) Approve(ctx context.Context, opts ApproveOptions) (domain.ApprovalRequest, error) {
	req, err := e.load(ctx, opts.ID, opts.ExpectedVersion)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	actor, err := e.actor(ctx, "approve", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	site, err := e.siteFor(ctx, req.SiteID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !auth.CanApprove(actor, req, site) {
		return domain.ApprovalRequest{}, denied("approve", actor.Username)
	}
	if opts.SkipFirstStep {
		if !e.cfg().Workflow.AllowFirstStepSkip {
			return domain.ApprovalRequest{}, invalid("skip_first_step", "skipping the first step is disabled")
		}
		if !auth.IsHeadquarters(actor) {
			return domain.ApprovalRequest{}, denied("skip the first step", actor.Username)
		}
	}
	now := e.stamp()
	next, err := ApproveStep(req, StepApproval{
		Approver:   domain.DisplayName(actor),
		ApproverID: actor.Username,
		At:         now,
		SkipFirst:  opts.SkipFirstStep,
		SkipLabel:  e.cfg().SkipLabel(),
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	evts := []event{approvalEvent("approval.step_approved", next, events.EventPayload{
		"step":    req.CurrentStep,
		"skipped": opts.SkipFirstStep,
	})}
	if next.Status == domain.StatusApproved {
		evts = append(evts, approvalEvent("approval.approved", next, nil))
	}
	if err := e.save(ctx, "approve", actor.Username, &next, evts...); err != nil {
		return domain.ApprovalRequest{}, err
	}
	if next.Status == domain.StatusApproved {
		e.bestEffort("approved", next, func() error {
			_, err := e.notifier().Approved(ctx, next)
			return err
		})
	}
	return next, nil
}

// Reject records a rejection with its reason at the current step.
func (e Engine) Reject(ctx context.Context, opts RejectOptions) (domain.ApprovalRequest, error) {
	if strings.TrimSpace(opts.Reason) == "" {
		return domain.ApprovalRequest{}, invalid("reason", "a rejection reason is required")
	}
	req, err := e.load(ctx, opts.ID, opts.ExpectedVersion)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	actor, err := e.actor(ctx, "reject", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	site, err := e.siteFor(ctx, req.SiteID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !auth.CanApprove(actor, req, site) {
		return domain.ApprovalRequest{}, denied("reject", actor.Username)
	}
	next, err := RejectStep(req, domain.DisplayName(actor), actor.Username, opts.Reason, e.stamp())
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	ev := approvalEvent("approval.rejected", next, events.EventPayload{"step": next.CurrentStep, "reason": next.RejectionReason})
	if err := e.save(ctx, "reject", actor.Username, &next, ev); err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.bestEffort("rejected", next, func() error {
		_, err := e.notifier().Rejected(ctx, next)
		return err
	})
	return next, nil
}

// CancelApproval withdraws the most recent step approval.
func (e Engine) CancelApproval(ctx context.Context, opts ActionOptions) (domain.ApprovalRequest, error) {
	req, err := e.load(ctx, opts.ID, opts.ExpectedVersion)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	actor, err := e.actor(ctx, "cancel approval", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	// non-headquarters actors are denied before the state is examined
	if !auth.CanCancelApproval(actor, req) && !auth.IsHeadquarters(actor) {
		return domain.ApprovalRequest{}, denied("cancel approval", actor.Username)
	}
	next, err := UndoApproval(req)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	withdrawn := req.Approvals[req.CurrentStep-1]
	ev := approvalEvent("approval.approval_cancelled", next, events.EventPayload{
		"step":     next.CurrentStep,
		"approver": withdrawn.ApproverID,
	})
	if err := e.save(ctx, "cancel approval", actor.Username, &next, ev); err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.bestEffort("approval cancelled", next, func() error {
		_, err := e.notifier().ApprovalCancelled(ctx, next)
		return err
	})
	return next, nil
}

// CancelRejection restarts a rejected request from the first step.
func (e Engine) CancelRejection(ctx context.Context, opts ActionOptions) (domain.ApprovalRequest, error) {
	req, err := e.load(ctx, opts.ID, opts.ExpectedVersion)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	actor, err := e.actor(ctx, "cancel rejection", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !auth.CanCancelRejection(actor, req) && !auth.IsHeadquarters(actor) {
		return domain.ApprovalRequest{}, denied("cancel rejection", actor.Username)
	}
	next, err := UndoRejection(req)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	ev := approvalEvent("approval.rejection_cancelled", next, events.EventPayload{"reason": req.RejectionReason})
	if err := e.save(ctx, "cancel rejection", actor.Username, &next, ev); err != nil {
		return domain.ApprovalRequest{}, err
	}
	e.bestEffort("rearm", next, func() error {
		_, err := e.notifier().Rearmed(ctx, next)
		return err
	})
	return next, nil
}

// Edit changes an author's own request. Editing a rejected request resubmits it on the
// site's current chain.
func (e Engine) Edit(ctx context.Context, opts EditOptions) (domain.ApprovalRequest, error) {
	if opts.Title != nil && strings.TrimSpace(*opts.Title) == "" {
		return domain.ApprovalRequest{}, invalid("title", "a title is required")
	}
	if opts.SiteID != nil && strings.TrimSpace(*opts.SiteID) == "" {
		return domain.ApprovalRequest{}, invalid("site_id", "a site must be selected")
	}
	if err := e.checkAttachment(opts.Attachment); err != nil {
		return domain.ApprovalRequest{}, err
	}
	req, err := e.load(ctx, opts.ID, opts.ExpectedVersion)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	actor, err := e.actor(ctx, "edit", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !auth.CanEdit(actor, req) {
		if auth.IsAuthor(actor, req) {
			return domain.ApprovalRequest{}, StateError{Action: "edit", Status: req.Status, Reason: "approved requests are final"}
		}
		return domain.ApprovalRequest{}, denied("edit", actor.Username)
	}

	siteID := req.SiteID
	if opts.SiteID != nil {
		siteID = strings.TrimSpace(*opts.SiteID)
	}
	var site domain.Site
	if siteID != req.SiteID || req.Status == domain.StatusRejected {
		site, err = e.Repo.GetSite(ctx, siteID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.ApprovalRequest{}, invalid("site_id", fmt.Sprintf("site %s does not exist", siteID))
			}
			return domain.ApprovalRequest{}, persist("load site", err)
		}
	}

	var next domain.ApprovalRequest
	resubmitted := false
	switch {
	case req.Status == domain.StatusRejected:
		next = Restart(req, &site)
		resubmitted = true
		if next.OriginalCreatedAt == "" {
			next.OriginalCreatedAt = req.CreatedAt
		}
	case siteID != req.SiteID:
		next = Rechain(req, site)
	default:
		next = clone(req)
	}
	if opts.Title != nil {
		next.Title = strings.TrimSpace(*opts.Title)
	}
	if opts.Content != nil {
		next.Content = *opts.Content
	}
	if opts.AuthorName != nil && strings.TrimSpace(*opts.AuthorName) != "" {
		next.AuthorName = strings.TrimSpace(*opts.AuthorName)
	}
	if opts.ClearAttachment {
		next.Attachment = nil
	}
	if opts.Attachment != nil {
		a := *opts.Attachment
		next.Attachment = &a
	}

	evts := []event{approvalEvent("approval.edited", next, events.EventPayload{
		"resubmitted":  resubmitted,
		"site_changed": siteID != req.SiteID,
	})}
	completed := req.Status != domain.StatusApproved && next.Status == domain.StatusApproved
	if completed {
		evts = append(evts, approvalEvent("approval.approved", next, nil))
	}
	if err := e.save(ctx, "edit", actor.Username, &next, evts...); err != nil {
		return domain.ApprovalRequest{}, err
	}
	switch {
	case resubmitted:
		e.bestEffort("rearm", next, func() error {
			_, err := e.notifier().Rearmed(ctx, next)
			return err
		})
	case completed:
		e.bestEffort("approved", next, func() error {
			_, err := e.notifier().Approved(ctx, next)
			return err
		})
	}
	return next, nil
}

// Delete archives a request.
func (e Engine) Delete(ctx context.Context, opts ActionOptions) (domain.DeletedApproval, error) {
	req, err := e.load(ctx, opts.ID, opts.ExpectedVersion)
	if err != nil {
		return domain.DeletedApproval{}, err
	}
	actor, err := e.actor(ctx, "delete", opts.ActorID)
	if err != nil {
		return domain.DeletedApproval{}, err
	}
	if !auth.CanDelete(actor, req) {
		if auth.IsAuthor(actor, req) {
			return domain.DeletedApproval{}, StateError{Action: "delete", Status: req.Status, Reason: "only open requests can be withdrawn by their author"}
		}
		return domain.DeletedApproval{}, denied("delete", actor.Username)
	}
	archived := domain.DeletedApproval{ApprovalRequest: req, DeletedAt: e.stamp(), DeletedBy: actor.Username}
	err = e.inTx(ctx, "delete approval", actor.Username, func(tx *sqlx.Tx) error {
		return e.Repo.ArchiveApproval(ctx, tx, req, archived.DeletedAt, archived.DeletedBy)
	}, approvalEvent("approval.deleted", req, nil))
	if err != nil {
		return domain.DeletedApproval{}, err
	}
	e.bestEffort("clear notifications", req, func() error {
		return e.Repo.DeleteApprovalNotifications(ctx, req.ID)
	})
	return archived, nil
}

// ListArchived returns archived requests to headquarters.
func (e Engine) ListArchived(ctx context.Context, actorID string) ([]domain.DeletedApproval, error) {
	actor, err := e.actor(ctx, "list archive", actorID)
	if err != nil {
		return nil, err
	}
	if !auth.Can(actor, auth.ManageArchive) {
		return nil, denied("list archive", actor.Username)
	}
	list, err := e.Repo.ListDeletedApprovals(ctx)
	return list, persist("list archive", err)
}

// Restore moves an archived request back into the active set with its number intact.
func (e Engine) Restore(ctx context.Context, opts ActionOptions) (domain.ApprovalRequest, error) {
	actor, err := e.actor(ctx, "restore", opts.ActorID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !auth.Can(actor, auth.ManageArchive) {
		return domain.ApprovalRequest{}, denied("restore", actor.Username)
	}
	var restored domain.ApprovalRequest
	err = e.inTx(ctx, "restore approval", actor.Username, func(tx *sqlx.Tx) error {
		var err error
		restored, err = e.Repo.RestoreApproval(ctx, tx, opts.ID)
		if err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "approval.restored", events.KindApproval, restored.ID, actor.Username,
			events.EventPayload{"number": restored.ApprovalNumber, "status": string(restored.Status)})
	})
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if restored.Status.Open() {
		e.bestEffort("rearm", restored, func() error {
			_, err := e.notifier().Rearmed(ctx, restored)
			return err
		})
	}
	return restored, nil
}

// Purge removes an archived request permanently.
func (e Engine) Purge(ctx context.Context, opts ActionOptions) error {
	actor, err := e.actor(ctx, "purge", opts.ActorID)
	if err != nil {
		return err
	}
	if !auth.Can(actor, auth.ManageArchive) {
		return denied("purge", actor.Username)
	}
	return e.inTx(ctx, "purge approval", actor.Username, func(tx *sqlx.Tx) error {
		if _, err := e.Repo.GetDeletedApproval(ctx, tx, opts.ID); err != nil {
			return err
		}
		return e.Repo.PurgeApproval(ctx, tx, opts.ID)
	}, event{typ: "approval.purged", kind: events.KindApproval, id: opts.ID})
}
