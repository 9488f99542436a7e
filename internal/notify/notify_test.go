package notify_test

import (
	"context"
	"sort"
	"testing"
	"time"

	"sitesign/internal/db"
	"sitesign/internal/domain"
	"sitesign/internal/migrate"
	"sitesign/internal/notify"
	"sitesign/internal/repo"
)

type fixture struct {
	ctx  context.Context
	repo repo.Repo
	req  domain.ApprovalRequest
	n    notify.Notifier
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	for _, u := range []domain.User{
		{Username: "ceo", Name: "CEO", Role: domain.RoleHeadquarters, PasswordHash: "x"},
		{Username: "hq2", Name: "Deputy", Role: domain.RoleHeadquarters, PasswordHash: "x"},
		{Username: "lee", Name: "Lee", Role: domain.RoleSite, PasswordHash: "x"},
		{Username: "park", Name: "Park", Role: domain.RoleSite, PasswordHash: "x"},
		{Username: "kim", Name: "Kim", Role: domain.RoleOther, PasswordHash: "x"},
	} {
		if err := r.InsertUser(ctx, conn, u); err != nil {
			t.Fatal(err)
		}
	}
	site := domain.Site{ID: "s1", Name: "Site A", Manager: "lee", Steps: 2, Approvers: []string{"Mgr", "CEO"}, CreatedAt: "2026-01-01T00:00:00Z"}
	if err := r.InsertSite(ctx, conn, site); err != nil {
		t.Fatal(err)
	}
	req := domain.ApprovalRequest{
		ID: "a1", ApprovalNumber: "AP-2026-001", Title: "Rebar", AuthorID: "kim", SiteID: "s1", SiteName: "Site A",
		TotalSteps: 2, Approvers: site.Approvers, Approvals: make([]*domain.ApprovalRecord, 2),
		Status: domain.StatusPending, CreatedAt: "2026-03-01T00:00:00Z", Version: 1,
	}
	if err := r.InsertApproval(ctx, conn, req); err != nil {
		t.Fatal(err)
	}
	n := notify.Notifier{Store: r, Now: func() time.Time { return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC) }, Retention: 100}
	return fixture{ctx: ctx, repo: r, req: req, n: n}
}

func (f fixture) pendingFor(t *testing.T, user string) []domain.Notification {
	t.Helper()
	list, err := f.repo.ListNotifications(f.ctx, repo.NotificationFilter{UserID: user, ApprovalID: f.req.ID, Type: domain.NotifyPending})
	if err != nil {
		t.Fatal(err)
	}
	return list
}

func TestSubmittedFansOutToApprovers(t *testing.T) {
	f := newFixture(t)
	recipients, err := f.n.PendingRecipients(f.ctx, f.req)
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(recipients)
	if got := len(recipients); got != 3 || recipients[0] != "ceo" || recipients[1] != "hq2" || recipients[2] != "lee" {
		t.Fatalf("recipients = %v", recipients)
	}
	created, err := f.n.Submitted(f.ctx, f.req)
	if err != nil || created != 3 {
		t.Fatalf("created %d, %v", created, err)
	}
	created, err = f.n.Submitted(f.ctx, f.req)
	if err != nil || created != 0 {
		t.Fatalf("second fan-out must be deduplicated: %d, %v", created, err)
	}
	if len(f.pendingFor(t, "park")) != 0 {
		t.Fatalf("manager of another site notified")
	}
}

func TestAuthorManagerIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.req.AuthorID = "lee"
	recipients, err := f.n.PendingRecipients(f.ctx, f.req)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range recipients {
		if r == "lee" {
			t.Fatalf("author received own pending notification")
		}
	}
}

func TestRearmAfterRead(t *testing.T) {
	f := newFixture(t)
	if _, err := f.n.Submitted(f.ctx, f.req); err != nil {
		t.Fatal(err)
	}
	// unread notifications still suppress a new one
	created, err := f.n.Rearmed(f.ctx, f.req)
	if err != nil || created != 0 {
		t.Fatalf("rearm over unread: %d, %v", created, err)
	}
	first := f.pendingFor(t, "ceo")
	if err := f.repo.MarkNotificationRead(f.ctx, first[0].ID); err != nil {
		t.Fatal(err)
	}
	created, err = f.n.Rearmed(f.ctx, f.req)
	if err != nil || created != 1 {
		t.Fatalf("rearm after read: %d, %v", created, err)
	}
	list := f.pendingFor(t, "ceo")
	if len(list) != 1 || list[0].Read {
		t.Fatalf("expected one fresh unread pending, got %+v", list)
	}
}

func TestApprovedAndRejectedGoToAuthorOnce(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 2; i++ {
		if _, err := f.n.Approved(f.ctx, f.req); err != nil {
			t.Fatal(err)
		}
	}
	list, err := f.repo.ListNotifications(f.ctx, repo.NotificationFilter{UserID: "kim", Type: domain.NotifyApproved})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("approved notifications = %d", len(list))
	}
}

func TestPollerSweepIsIdempotent(t *testing.T) {
	f := newFixture(t)
	if _, err := f.n.Submitted(f.ctx, f.req); err != nil {
		t.Fatal(err)
	}
	// park becomes the manager after submission
	site, err := f.repo.GetSite(f.ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	site.Manager = "park"
	if err := f.repo.UpdateSite(f.ctx, f.repo.DB, site); err != nil {
		t.Fatal(err)
	}
	p := &notify.Poller{Notifier: f.n}
	created, err := p.Sweep(f.ctx)
	if err != nil || created != 1 {
		t.Fatalf("first sweep: %d, %v", created, err)
	}
	created, err = p.Sweep(f.ctx)
	if err != nil || created != 0 {
		t.Fatalf("second sweep: %d, %v", created, err)
	}
	if got := len(f.pendingFor(t, "park")); got != 1 {
		t.Fatalf("park pending = %d", got)
	}
}

func TestPollerRunStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(f.ctx)
	swept := make(chan int, 8)
	p := &notify.Poller{Notifier: f.n, Interval: time.Second, OnSweep: func(created int, _ error) { swept <- created }}
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case created := <-swept:
		if created != 3 {
			t.Fatalf("initial sweep created %d", created)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("poller never swept")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("poller did not stop")
	}
}
