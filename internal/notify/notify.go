// Package notify derives notifications from workflow transitions. Every workflow
// notification is keyed by (approval, type, recipient) and the store refuses duplicates.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/logging"
)

// Store is the slice of the persistence gateway the trigger layer needs.
type Store interface {
	ListUsers(ctx context.Context) ([]domain.User, error)
	GetSite(ctx context.Context, id string) (domain.Site, error)
	ListOpenApprovals(ctx context.Context) ([]domain.ApprovalRequest, error)
	InsertNotification(ctx context.Context, n domain.Notification) (bool, error)
	DeleteReadNotifications(ctx context.Context, approvalID string, typ domain.NotificationType) error
	PruneNotifications(ctx context.Context, userID string, keep int) error
}

type Notifier struct {
	Store     Store
	Log       *zap.Logger
	Now       func() time.Time
	Retention int
}

func (n Notifier) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// PendingRecipients lists everyone who can act on the request's current step: headquarters
// users and the site's manager, never the author.
func (n Notifier) PendingRecipients(ctx context.Context, req domain.ApprovalRequest) ([]string, error) {
	users, err := n.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var site *domain.Site
	if s, err := n.Store.GetSite(ctx, req.SiteID); err == nil {
		site = &s
	}
	eligible := lo.Filter(users, func(u domain.User, _ int) bool {
		return u.Username != req.AuthorID && auth.CanApprove(u, req, site)
	})
	return lo.Uniq(lo.Map(eligible, func(u domain.User, _ int) string { return u.Username })), nil
}

// Submitted fans out the pending notification for a new request.
func (n Notifier) Submitted(ctx context.Context, req domain.ApprovalRequest) (int, error) {
	recipients, err := n.PendingRecipients(ctx, req)
	if err != nil {
		return 0, err
	}
	return n.fanOut(ctx, req, domain.NotifyPending, recipients)
}

// Rearmed arms pending again after a restart of the chain. Read pending notifications no
// longer suppress a new one; unread ones still do. Read rejected notifications are cleared
// as well so a second rejection reaches the author.
func (n Notifier) Rearmed(ctx context.Context, req domain.ApprovalRequest) (int, error) {
	for _, typ := range []domain.NotificationType{domain.NotifyPending, domain.NotifyRejected} {
		if err := n.Store.DeleteReadNotifications(ctx, req.ID, typ); err != nil {
			return 0, err
		}
	}
	return n.Submitted(ctx, req)
}

func (n Notifier) Approved(ctx context.Context, req domain.ApprovalRequest) (bool, error) {
	return n.send(ctx, req, domain.NotifyApproved, req.AuthorID)
}

func (n Notifier) Rejected(ctx context.Context, req domain.ApprovalRequest) (bool, error) {
	return n.send(ctx, req, domain.NotifyRejected, req.AuthorID)
}

// ApprovalCancelled tells the author a step approval was withdrawn. A later completion
// may notify "approved" again, so read approved notifications are cleared too.
func (n Notifier) ApprovalCancelled(ctx context.Context, req domain.ApprovalRequest) (bool, error) {
	for _, typ := range []domain.NotificationType{domain.NotifyApprovalCancelled, domain.NotifyApproved} {
		if err := n.Store.DeleteReadNotifications(ctx, req.ID, typ); err != nil {
			return false, err
		}
	}
	return n.send(ctx, req, domain.NotifyApprovalCancelled, req.AuthorID)
}

// EnsurePending creates the pending notification for one recipient unless it exists.
func (n Notifier) EnsurePending(ctx context.Context, req domain.ApprovalRequest, username string) (bool, error) {
	return n.send(ctx, req, domain.NotifyPending, username)
}

// System posts a broadcast notice with no request attached.
func (n Notifier) System(ctx context.Context, by, title, message string) (domain.Notification, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.Notification{}, err
	}
	note := domain.Notification{
		ID:        id.String(),
		Type:      domain.NotifySystem,
		Title:     title,
		Message:   message,
		CreatedAt: n.now().UTC().Format(time.RFC3339),
	}
	if _, err := n.Store.InsertNotification(ctx, note); err != nil {
		return domain.Notification{}, err
	}
	logging.OrNop(n.Log).Info("system notice posted", zap.String("by", by), zap.String("title", title))
	return note, nil
}

func (n Notifier) fanOut(ctx context.Context, req domain.ApprovalRequest, typ domain.NotificationType, recipients []string) (int, error) {
	created := 0
	var errs []error
	for _, user := range recipients {
		ok, err := n.send(ctx, req, typ, user)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", user, err))
			continue
		}
		if ok {
			created++
		}
	}
	return created, errors.Join(errs...)
}

func (n Notifier) send(ctx context.Context, req domain.ApprovalRequest, typ domain.NotificationType, user string) (bool, error) {
	if user == "" {
		return false, nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return false, err
	}
	title, message := render(req, typ)
	created, err := n.Store.InsertNotification(ctx, domain.Notification{
		ID:         id.String(),
		Type:       typ,
		Title:      title,
		Message:    message,
		ApprovalID: req.ID,
		UserID:     user,
		CreatedAt:  n.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return false, err
	}
	if created {
		logging.OrNop(n.Log).Debug("notification created",
			zap.String("type", string(typ)), zap.String("approval", req.ApprovalNumber), zap.String("user", user))
		if n.Retention > 0 {
			if err := n.Store.PruneNotifications(ctx, user, n.Retention); err != nil {
				return true, fmt.Errorf("prune notifications: %w", err)
			}
		}
	}
	return created, nil
}

func render(req domain.ApprovalRequest, typ domain.NotificationType) (string, string) {
	switch typ {
	case domain.NotifyPending:
		return "Approval requested", fmt.Sprintf("%s %q is waiting for step %d of %d", req.ApprovalNumber, req.Title, domain.DisplayStep(req), req.TotalSteps)
	case domain.NotifyApproved:
		return "Approval completed", fmt.Sprintf("%s %q was approved at every step", req.ApprovalNumber, req.Title)
	case domain.NotifyRejected:
		return "Approval rejected", fmt.Sprintf("%s %q was rejected: %s", req.ApprovalNumber, req.Title, req.RejectionReason)
	case domain.NotifyApprovalCancelled:
		return "Approval withdrawn", fmt.Sprintf("%s %q is back at step %d of %d", req.ApprovalNumber, req.Title, domain.DisplayStep(req), req.TotalSteps)
	}
	return "Notice", req.Title
}
