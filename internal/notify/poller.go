package notify

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/logging"
)

const DefaultPollInterval = 30 * time.Second

// Poller re-derives pending notifications on an interval so approvers who gained rights
// after submission are still told once.
type Poller struct {
	Notifier Notifier
	Interval time.Duration
	Log      *zap.Logger
	// Users limits sweeps to these recipients. Empty means every user.
	Users []string
	// OnSweep, when set, observes each completed sweep.
	OnSweep func(created int, err error)
}

// Sweep ensures every eligible approver of every open request holds a pending notification.
func (p *Poller) Sweep(ctx context.Context) (int, error) {
	store := p.Notifier.Store
	users, err := store.ListUsers(ctx)
	if err != nil {
		return 0, err
	}
	if len(p.Users) > 0 {
		users = lo.Filter(users, func(u domain.User, _ int) bool { return lo.Contains(p.Users, u.Username) })
	}
	open, err := store.ListOpenApprovals(ctx)
	if err != nil {
		return 0, err
	}
	sites := map[string]*domain.Site{}
	created := 0
	var errs []error
	for _, req := range open {
		if err := ctx.Err(); err != nil {
			return created, err
		}
		site, seen := sites[req.SiteID]
		if !seen {
			if s, err := store.GetSite(ctx, req.SiteID); err == nil {
				site = &s
			}
			sites[req.SiteID] = site
		}
		for _, u := range users {
			if u.Username == req.AuthorID || !auth.CanApprove(u, req, site) {
				continue
			}
			ok, err := p.Notifier.EnsurePending(ctx, req, u.Username)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if ok {
				created++
			}
		}
	}
	return created, errors.Join(errs...)
}

// Run sweeps immediately and then on every interval until ctx is cancelled. A sweep that is
// still running when the next one is due causes that run to be skipped.
func (p *Poller) Run(ctx context.Context) error {
	log := logging.OrNop(p.Log)
	clog := cronLogger{log: log.Sugar()}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	job := cron.NewChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)).Then(cron.FuncJob(func() {
		created, err := p.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			log.Warn("notification sweep failed", zap.Error(err))
		} else if created > 0 {
			log.Info("pending notifications armed", zap.Int("created", created))
		}
		if p.OnSweep != nil {
			p.OnSweep(created, err)
		}
	}))
	c := cron.New(cron.WithLogger(clog))
	c.Schedule(cron.Every(interval), job)
	c.Start()
	job.Run()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// cronLogger routes scheduler logs to zap.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// CronLogger adapts a zap logger for robfig/cron schedulers elsewhere in the tree.
func CronLogger(log *zap.Logger) cron.Logger {
	return cronLogger{log: logging.OrNop(log).Sugar()}
}
