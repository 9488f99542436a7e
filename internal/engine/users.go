package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"golang.org/x/crypto/bcrypt"

	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/events"
	"sitesign/internal/repo"
)

const minPasswordLen = 4

// DisabledPassword marks an account that cannot log in until its password is reset.
const DisabledPassword = "!"

var ErrInvalidCredentials = errors.New("invalid username or password")

type RegisterOptions struct {
	Username string
	Password string
	Name     string
	Role     string
	Phone    string
	Email    string
}

// UserUpdateOptions leaves nil fields unchanged. Role changes need headquarters.
type UserUpdateOptions struct {
	Username string
	ActorID  string
	Name     *string
	Phone    *string
	Email    *string
	Role     *string
}

func hashPassword(password string) (string, error) {
	if len(password) < minPasswordLen {
		return "", invalid("password", fmt.Sprintf("passwords need at least %d characters", minPasswordLen))
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func (e Engine) userAdmin(ctx context.Context, action, actorID string) (domain.User, error) {
	actor, err := e.actor(ctx, action, actorID)
	if err != nil {
		return domain.User{}, err
	}
	if !auth.Can(actor, auth.ManageUsers) {
		return domain.User{}, denied(action, actor.Username)
	}
	return actor, nil
}

func userEvent(typ, username string, payload events.EventPayload) event {
	return event{typ: typ, kind: events.KindUser, id: username, payload: payload}
}

// Register files a sign-up request for headquarters to review.
func (e Engine) Register(ctx context.Context, opts RegisterOptions) (domain.UserRequest, error) {
	username := strings.TrimSpace(opts.Username)
	if username == "" {
		return domain.UserRequest{}, invalid("username", "a username is required")
	}
	if strings.TrimSpace(opts.Name) == "" {
		return domain.UserRequest{}, invalid("name", "a name is required")
	}
	role, err := domain.ParseRole(opts.Role)
	if err != nil {
		return domain.UserRequest{}, invalid("role", err.Error())
	}
	hash, err := hashPassword(opts.Password)
	if err != nil {
		return domain.UserRequest{}, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return domain.UserRequest{}, err
	}
	req := domain.UserRequest{
		ID:           id.String(),
		Username:     username,
		PasswordHash: hash,
		Name:         strings.TrimSpace(opts.Name),
		Role:         role,
		Phone:        strings.TrimSpace(opts.Phone),
		Email:        strings.TrimSpace(opts.Email),
		Status:       domain.RequestPending,
		RequestedAt:  e.stamp(),
	}
	err = e.inTx(ctx, "register", username, func(tx *sqlx.Tx) error {
		taken, err := e.Repo.UsernameTaken(ctx, tx, username)
		if err != nil {
			return err
		}
		if taken {
			return invalid("username", fmt.Sprintf("username %s is already taken", username))
		}
		return e.Repo.InsertUserRequest(ctx, tx, req)
	}, userEvent("user.registered", username, events.EventPayload{"request_id": req.ID, "role": string(role)}))
	if err != nil {
		return domain.UserRequest{}, err
	}
	return req, nil
}

func (e Engine) ListUserRequests(ctx context.Context, actorID string, status domain.RequestStatus) ([]domain.UserRequest, error) {
	if _, err := e.userAdmin(ctx, "list registrations", actorID); err != nil {
		return nil, err
	}
	list, err := e.Repo.ListUserRequests(ctx, status)
	return list, persist("list registrations", err)
}

// AcceptRequest turns a pending registration into an account.
func (e Engine) AcceptRequest(ctx context.Context, id, actorID string) (domain.User, error) {
	actor, err := e.userAdmin(ctx, "accept registration", actorID)
	if err != nil {
		return domain.User{}, err
	}
	var user domain.User
	err = e.inTx(ctx, "accept registration", actor.Username, func(tx *sqlx.Tx) error {
		req, err := e.Repo.GetUserRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestPending {
			return StateError{Action: "accept registration", Reason: fmt.Sprintf("registration already %s", req.Status)}
		}
		now := e.stamp()
		req.Status = domain.RequestApproved
		req.DecidedAt = now
		req.DecidedBy = actor.Username
		if err := e.Repo.UpdateUserRequest(ctx, tx, req); err != nil {
			return err
		}
		user = domain.User{
			Username:     req.Username,
			PasswordHash: req.PasswordHash,
			Name:         req.Name,
			Role:         req.Role,
			Phone:        req.Phone,
			Email:        req.Email,
			ApprovedAt:   now,
			ApprovedBy:   actor.Username,
		}
		if err := e.Repo.InsertUser(ctx, tx, user); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return StateError{Action: "accept registration", Reason: fmt.Sprintf("user %s already exists", req.Username)}
			}
			return err
		}
		return e.events().Append(ctx, tx, "user.accepted", events.KindUser, user.Username, actor.Username, events.EventPayload{"request_id": id, "role": string(user.Role)})
	})
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

// DeclineRequest rejects a pending registration with an optional reason.
func (e Engine) DeclineRequest(ctx context.Context, id, actorID, reason string) (domain.UserRequest, error) {
	actor, err := e.userAdmin(ctx, "decline registration", actorID)
	if err != nil {
		return domain.UserRequest{}, err
	}
	var req domain.UserRequest
	err = e.inTx(ctx, "decline registration", actor.Username, func(tx *sqlx.Tx) error {
		var err error
		req, err = e.Repo.GetUserRequest(ctx, tx, id)
		if err != nil {
			return err
		}
		if req.Status != domain.RequestPending {
			return StateError{Action: "decline registration", Reason: fmt.Sprintf("registration already %s", req.Status)}
		}
		req.Status = domain.RequestRejected
		req.DecidedAt = e.stamp()
		req.DecidedBy = actor.Username
		req.RejectionReason = strings.TrimSpace(reason)
		if err := e.Repo.UpdateUserRequest(ctx, tx, req); err != nil {
			return err
		}
		return e.events().Append(ctx, tx, "user.declined", events.KindUser, req.Username, actor.Username, events.EventPayload{"request_id": id})
	})
	if err != nil {
		return domain.UserRequest{}, err
	}
	return req, nil
}

// ListUsers is open to every signed-in user; site assignment needs the roster.
func (e Engine) ListUsers(ctx context.Context, actorID string) ([]domain.User, error) {
	if _, err := e.actor(ctx, "list users", actorID); err != nil {
		return nil, err
	}
	users, err := e.Repo.ListUsers(ctx)
	return users, persist("list users", err)
}

func (e Engine) GetUser(ctx context.Context, username string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, username)
	return u, persist("load user", err)
}

// UpdateUser lets users edit their own contact details and headquarters edit anyone.
func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	actor, err := e.actor(ctx, "update user", opts.ActorID)
	if err != nil {
		return domain.User{}, err
	}
	self := actor.Username == opts.Username
	if !self && !auth.Can(actor, auth.ManageUsers) {
		return domain.User{}, denied("update user", actor.Username)
	}
	u, err := e.Repo.GetUser(ctx, opts.Username)
	if err != nil {
		return domain.User{}, persist("load user", err)
	}
	if opts.Name != nil {
		if strings.TrimSpace(*opts.Name) == "" {
			return domain.User{}, invalid("name", "a name is required")
		}
		u.Name = strings.TrimSpace(*opts.Name)
	}
	if opts.Phone != nil {
		u.Phone = strings.TrimSpace(*opts.Phone)
	}
	if opts.Email != nil {
		u.Email = strings.TrimSpace(*opts.Email)
	}
	if opts.Role != nil {
		role, err := domain.ParseRole(*opts.Role)
		if err != nil {
			return domain.User{}, invalid("role", err.Error())
		}
		if role != u.Role {
			if !auth.Can(actor, auth.ManageUsers) {
				return domain.User{}, denied("change role", actor.Username)
			}
			if u.Username == e.cfg().Bootstrap.AdminUsername && role != domain.RoleHeadquarters {
				return domain.User{}, StateError{Action: "change role", Reason: "the bootstrap administrator stays headquarters"}
			}
			u.Role = role
		}
	}
	err = e.inTx(ctx, "update user", actor.Username, func(tx *sqlx.Tx) error {
		return e.Repo.UpdateUser(ctx, tx, u)
	}, userEvent("user.updated", u.Username, events.EventPayload{"role": string(u.Role)}))
	if err != nil {
		return domain.User{}, err
	}
	return u, nil
}

// ChangePassword requires the current password.
func (e Engine) ChangePassword(ctx context.Context, username, current, next string) error {
	u, err := e.Authenticate(ctx, username, current)
	if err != nil {
		return err
	}
	hash, err := hashPassword(next)
	if err != nil {
		return err
	}
	u.PasswordHash = hash
	return e.inTx(ctx, "change password", u.Username, func(tx *sqlx.Tx) error {
		return e.Repo.UpdateUser(ctx, tx, u)
	}, userEvent("user.password_changed", u.Username, nil))
}

// Authenticate checks a password against the stored bcrypt hash.
func (e Engine) Authenticate(ctx context.Context, username, password string) (domain.User, error) {
	u, err := e.Repo.GetUser(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, ErrInvalidCredentials
		}
		return domain.User{}, persist("load user", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	return u, nil
}

// RemoveUser archives an account. The bootstrap administrator cannot be removed.
func (e Engine) RemoveUser(ctx context.Context, username, actorID string) (domain.DeletedUser, error) {
	actor, err := e.userAdmin(ctx, "remove user", actorID)
	if err != nil {
		return domain.DeletedUser{}, err
	}
	if username == e.cfg().Bootstrap.AdminUsername {
		return domain.DeletedUser{}, StateError{Action: "remove user", Reason: "the bootstrap administrator cannot be removed"}
	}
	if username == actor.Username {
		return domain.DeletedUser{}, StateError{Action: "remove user", Reason: "you cannot remove your own account"}
	}
	u, err := e.Repo.GetUser(ctx, username)
	if err != nil {
		return domain.DeletedUser{}, persist("load user", err)
	}
	archived := domain.DeletedUser{User: u, DeletedAt: e.stamp(), DeletedBy: actor.Username}
	err = e.inTx(ctx, "remove user", actor.Username, func(tx *sqlx.Tx) error {
		if err := e.Repo.SaveDeletedUser(ctx, tx, archived); err != nil {
			return err
		}
		return e.Repo.DeleteUser(ctx, tx, username)
	}, userEvent("user.removed", username, nil))
	if err != nil {
		return domain.DeletedUser{}, err
	}
	return archived, nil
}

func (e Engine) ListDeletedUsers(ctx context.Context, actorID string) ([]domain.DeletedUser, error) {
	if _, err := e.userAdmin(ctx, "list removed users", actorID); err != nil {
		return nil, err
	}
	list, err := e.Repo.ListDeletedUsers(ctx)
	return list, persist("list removed users", err)
}

// RestoreUser brings an archived account back unless the username is active again.
func (e Engine) RestoreUser(ctx context.Context, username, actorID string) (domain.User, error) {
	actor, err := e.userAdmin(ctx, "restore user", actorID)
	if err != nil {
		return domain.User{}, err
	}
	var user domain.User
	err = e.inTx(ctx, "restore user", actor.Username, func(tx *sqlx.Tx) error {
		archived, err := e.Repo.GetDeletedUser(ctx, tx, username)
		if err != nil {
			return err
		}
		if _, err := e.Repo.GetUserQ(ctx, tx, username); err == nil {
			return StateError{Action: "restore user", Reason: fmt.Sprintf("username %s is in use", username)}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		user = archived.User
		if err := e.Repo.InsertUser(ctx, tx, user); err != nil {
			return err
		}
		return e.Repo.DeleteDeletedUser(ctx, tx, username)
	}, userEvent("user.restored", username, nil))
	if err != nil {
		return domain.User{}, err
	}
	return user, nil
}

func (e Engine) PurgeUser(ctx context.Context, username, actorID string) error {
	actor, err := e.userAdmin(ctx, "purge user", actorID)
	if err != nil {
		return err
	}
	return e.inTx(ctx, "purge user", actor.Username, func(tx *sqlx.Tx) error {
		return e.Repo.DeleteDeletedUser(ctx, tx, username)
	}, userEvent("user.purged", username, nil))
}

// EnsureAdmin seeds the bootstrap headquarters account when it does not exist yet.
func (e Engine) EnsureAdmin(ctx context.Context) (domain.User, bool, error) {
	b := e.cfg().Bootstrap
	if b.AdminUsername == "" {
		return domain.User{}, false, nil
	}
	if u, err := e.Repo.GetUser(ctx, b.AdminUsername); err == nil {
		return u, false, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, false, persist("load admin", err)
	}
	hash := DisabledPassword
	if b.AdminPassword != "" {
		var err error
		if hash, err = hashPassword(b.AdminPassword); err != nil {
			return domain.User{}, false, err
		}
	}
	u := domain.User{
		Username:     b.AdminUsername,
		PasswordHash: hash,
		Name:         b.AdminName,
		Role:         domain.RoleHeadquarters,
		ApprovedAt:   e.stamp(),
		ApprovedBy:   "bootstrap",
	}
	err := e.inTx(ctx, "seed admin", "bootstrap", func(tx *sqlx.Tx) error {
		return e.Repo.InsertUser(ctx, tx, u)
	}, userEvent("user.bootstrapped", u.Username, nil))
	if err != nil {
		return domain.User{}, false, err
	}
	return u, true, nil
}
