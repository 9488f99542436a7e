package engine

import (
	"context"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"sitesign/internal/config"
	"sitesign/internal/domain"
	"sitesign/internal/events"
	"sitesign/internal/logging"
	"sitesign/internal/notify"
	"sitesign/internal/numbering"
	"sitesign/internal/repo"
)

type Engine struct {
	DB     *sqlx.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Notify notify.Notifier
	// Numbers allocates approval sequences. Nil uses the counter table inside the submit
	// transaction.
	Numbers numbering.Sequencer
	Log     *zap.Logger
	Now     func() time.Time
}

func New(db *sqlx.DB, cfg *config.Config, log *zap.Logger) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Events: events.Writer{},
		Config: cfg,
		Notify: notify.Notifier{Store: r, Log: log, Retention: cfg.Retention()},
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) cfg() *config.Config {
	if e.Config == nil {
		return config.Default()
	}
	return e.Config
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// notifier shares the engine clock so notification timestamps follow it.
func (e Engine) notifier() notify.Notifier {
	n := e.Notify
	if n.Store == nil {
		n.Store = e.Repo
	}
	if n.Log == nil {
		n.Log = e.Log
	}
	if n.Retention == 0 {
		n.Retention = e.cfg().Retention()
	}
	n.Now = e.now
	return n
}

// Poller returns the pending-notification poller wired to this engine's store and config.
func (e Engine) Poller() *notify.Poller {
	return &notify.Poller{Notifier: e.notifier(), Interval: e.cfg().PollInterval(), Log: e.Log}
}

// bestEffort runs a notification trigger after a committed transition. Failures are logged
// and never reach the caller.
func (e Engine) bestEffort(what string, req domain.ApprovalRequest, fn func() error) {
	if err := fn(); err != nil {
		e.log().Warn("notification trigger failed",
			zap.String("trigger", what), zap.String("approval", req.ID), zap.String("number", req.ApprovalNumber), zap.Error(err))
	}
}

// actor resolves the acting user. Unknown actors are denied rather than reported missing.
func (e Engine) actor(ctx context.Context, action, username string) (domain.User, error) {
	if username == "" {
		return domain.User{}, denied(action, "")
	}
	u, err := e.Repo.GetUser(ctx, username)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, denied(action, username)
		}
		return domain.User{}, persist("load actor", err)
	}
	return u, nil
}

type event struct {
	typ     string
	kind    string
	id      string
	payload events.EventPayload
}

// inTx runs fn in a transaction and appends evts before committing.
func (e Engine) inTx(ctx context.Context, op, actorID string, fn func(tx *sqlx.Tx) error, evts ...event) error {
	tx, err := e.DB.BeginTxx(ctx, nil)
	if err != nil {
		return persist(op, err)
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return persist(op, err)
	}
	w := e.events()
	for _, ev := range evts {
		if err := w.Append(ctx, tx, ev.typ, ev.kind, ev.id, actorID, ev.payload); err != nil {
			return persist(op, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return persist(op, err)
	}
	return nil
}
