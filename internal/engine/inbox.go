package engine

import (
	"context"

	"sitesign/internal/domain"
	"sitesign/internal/repo"
)

type InboxOptions struct {
	ActorID    string
	UnreadOnly bool
	Limit      int
}

// Inbox lists notifications addressed to the actor or broadcast, newest first.
func (e Engine) Inbox(ctx context.Context, opts InboxOptions) ([]domain.Notification, error) {
	actor, err := e.actor(ctx, "read notifications", opts.ActorID)
	if err != nil {
		return nil, err
	}
	list, err := e.Repo.ListNotifications(ctx, repo.NotificationFilter{UserID: actor.Username, UnreadOnly: opts.UnreadOnly, Limit: opts.Limit})
	return list, persist("list notifications", err)
}

func (e Engine) UnreadCount(ctx context.Context, actorID string) (int, error) {
	actor, err := e.actor(ctx, "read notifications", actorID)
	if err != nil {
		return 0, err
	}
	n, err := e.Repo.CountNotifications(ctx, repo.NotificationFilter{UserID: actor.Username, UnreadOnly: true})
	return n, persist("count notifications", err)
}

func (e Engine) ownNotification(ctx context.Context, id string, actor domain.User) (domain.Notification, error) {
	n, err := e.Repo.GetNotification(ctx, id)
	if err != nil {
		return domain.Notification{}, persist("load notification", err)
	}
	if !n.VisibleTo(actor.Username) {
		return domain.Notification{}, denied("read notification", actor.Username)
	}
	return n, nil
}

// MarkRead flags a notification read, along with the actor's other unread notifications of
// the same request and kind.
func (e Engine) MarkRead(ctx context.Context, id, actorID string) (int, error) {
	actor, err := e.actor(ctx, "read notifications", actorID)
	if err != nil {
		return 0, err
	}
	n, err := e.ownNotification(ctx, id, actor)
	if err != nil {
		return 0, err
	}
	if err := e.Repo.MarkNotificationRead(ctx, n.ID); err != nil {
		return 0, persist("mark read", err)
	}
	marked := 1
	if n.ApprovalID != "" {
		more, err := e.Repo.MarkNotificationsRead(ctx, repo.NotificationFilter{UserID: actor.Username, ApprovalID: n.ApprovalID, Type: n.Type})
		if err != nil {
			return marked, persist("mark read", err)
		}
		marked += more
	}
	return marked, nil
}

func (e Engine) MarkAllRead(ctx context.Context, actorID string) (int, error) {
	actor, err := e.actor(ctx, "read notifications", actorID)
	if err != nil {
		return 0, err
	}
	n, err := e.Repo.MarkNotificationsRead(ctx, repo.NotificationFilter{UserID: actor.Username})
	return n, persist("mark read", err)
}

// DeleteNotification removes one of the actor's notifications. Broadcasts need headquarters.
func (e Engine) DeleteNotification(ctx context.Context, id, actorID string) error {
	actor, err := e.actor(ctx, "delete notification", actorID)
	if err != nil {
		return err
	}
	n, err := e.ownNotification(ctx, id, actor)
	if err != nil {
		return err
	}
	if n.UserID == "" && domain.NormalizeRole(string(actor.Role)) != domain.RoleHeadquarters {
		return denied("delete broadcast", actor.Username)
	}
	return persist("delete notification", e.Repo.DeleteNotification(ctx, n.ID))
}

// ClearInbox deletes every notification addressed to the actor.
func (e Engine) ClearInbox(ctx context.Context, actorID string) (int, error) {
	actor, err := e.actor(ctx, "delete notification", actorID)
	if err != nil {
		return 0, err
	}
	n, err := e.Repo.DeleteUserNotifications(ctx, actor.Username)
	return n, persist("delete notifications", err)
}

// Broadcast posts a system notice visible to everyone.
func (e Engine) Broadcast(ctx context.Context, actorID, title, message string) (domain.Notification, error) {
	actor, err := e.userAdmin(ctx, "broadcast", actorID)
	if err != nil {
		return domain.Notification{}, err
	}
	if title == "" {
		return domain.Notification{}, invalid("title", "a title is required")
	}
	n, err := e.notifier().System(ctx, actor.Username, title, message)
	return n, persist("broadcast", err)
}
