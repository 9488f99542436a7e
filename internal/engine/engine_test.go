package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"sitesign/internal/config"
	"sitesign/internal/db"
	"sitesign/internal/domain"
	"sitesign/internal/engine"
	"sitesign/internal/migrate"
	"sitesign/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	clock  *time.Time
}

func (env testEnv) setClock(t time.Time) {
	*env.clock = t
}

// newBareEnv opens a migrated workspace holding only the bootstrap administrator.
func newBareEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg, nil)
	clock := time.Date(2026, 3, 2, 1, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time { return clock }
	ctx := context.Background()
	if _, created, err := eng.EnsureAdmin(ctx); err != nil || !created {
		t.Fatalf("seed admin: created=%v err=%v", created, err)
	}
	return testEnv{Engine: eng, Ctx: ctx, clock: &clock}
}

// newTestEnv adds the usual cast: ceo (hq), lee managing Site A, park managing Site B,
// choi authoring from site tier and jung from the read-only tier.
func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	env := newBareEnv(t)
	for _, u := range []domain.User{
		{Username: "ceo", Name: "CEO", Role: domain.RoleHeadquarters, PasswordHash: "x"},
		{Username: "lee", Name: "Lee", Role: domain.RoleSite, PasswordHash: "x"},
		{Username: "park", Name: "Park", Role: domain.RoleSite, PasswordHash: "x"},
		{Username: "choi", Name: "Choi", Role: domain.RoleSite, PasswordHash: "x"},
		{Username: "jung", Name: "Jung", Role: domain.RoleOther, PasswordHash: "x"},
	} {
		if err := env.Engine.Repo.InsertUser(env.Ctx, env.Engine.DB, u); err != nil {
			t.Fatalf("seed user %s: %v", u.Username, err)
		}
	}
	if _, err := env.Engine.CreateSite(env.Ctx, engine.SiteOptions{
		ID: "site-a", Name: "Site A", Manager: "lee", Approvers: []string{"Site manager", "CEO"}, ActorID: "admin",
	}); err != nil {
		t.Fatalf("create site a: %v", err)
	}
	if _, err := env.Engine.CreateSite(env.Ctx, engine.SiteOptions{
		ID: "site-b", Name: "Site B", Manager: "park", Approvers: []string{"Foreman", "Site manager", "CEO"}, ActorID: "admin",
	}); err != nil {
		t.Fatalf("create site b: %v", err)
	}
	if _, err := env.Engine.CreateSite(env.Ctx, engine.SiteOptions{
		ID: "site-c", Name: "Site C", Manager: "lee", Approvers: []string{"CEO"}, ActorID: "admin",
	}); err != nil {
		t.Fatalf("create site c: %v", err)
	}
	return env
}

func (env testEnv) submit(t *testing.T, actor, site, title string) domain.ApprovalRequest {
	t.Helper()
	req, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Title: title, SiteID: site, ActorID: actor})
	if err != nil {
		t.Fatalf("submit %s: %v", title, err)
	}
	return req
}

func (env testEnv) approve(t *testing.T, id, actor string) domain.ApprovalRequest {
	t.Helper()
	req, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: id, ActorID: actor}})
	if err != nil {
		t.Fatalf("approve by %s: %v", actor, err)
	}
	return req
}

func (env testEnv) notifications(t *testing.T, user, approvalID string, typ domain.NotificationType, unread bool) []domain.Notification {
	t.Helper()
	list, err := env.Engine.Repo.ListNotifications(env.Ctx, repo.NotificationFilter{UserID: user, ApprovalID: approvalID, Type: typ, UnreadOnly: unread})
	if err != nil {
		t.Fatalf("list notifications: %v", err)
	}
	return list
}

func errorAs[T error](t *testing.T, err error) T {
	t.Helper()
	var target T
	if !errors.As(err, &target) {
		t.Fatalf("error = %v (%T), want %T", err, err, target)
	}
	return target
}

func TestTwoStepChainReachesApproved(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Rebar delivery")
	if req.ApprovalNumber != "AP-2026-001" || req.Status != domain.StatusPending || req.CurrentStep != 0 {
		t.Fatalf("submitted = %s %s step %d", req.ApprovalNumber, req.Status, req.CurrentStep)
	}
	if req.AuthorName != "Choi" || req.TotalSteps != 2 || len(req.Approvals) != 2 {
		t.Fatalf("snapshot = %+v", req)
	}
	for _, user := range []string{"admin", "ceo", "lee"} {
		if got := len(env.notifications(t, user, req.ID, domain.NotifyPending, true)); got != 1 {
			t.Fatalf("pending notifications for %s = %d", user, got)
		}
	}
	if got := len(env.notifications(t, "park", req.ID, domain.NotifyPending, false)); got != 0 {
		t.Fatalf("manager of another site notified")
	}

	req = env.approve(t, req.ID, "lee")
	if req.Status != domain.StatusProcessing || req.CurrentStep != 1 {
		t.Fatalf("after first approval: %s step %d", req.Status, req.CurrentStep)
	}
	if rec := req.Approvals[0]; rec == nil || rec.ApproverID != "lee" || rec.Approver != "Lee" || rec.ApprovedAt == "" {
		t.Fatalf("step 0 record = %+v", rec)
	}
	req = env.approve(t, req.ID, "ceo")
	if req.Status != domain.StatusApproved || req.CurrentStep != 2 {
		t.Fatalf("after second approval: %s step %d", req.Status, req.CurrentStep)
	}
	if err := engine.CheckInvariants(req); err != nil {
		t.Fatalf("invariants: %v", err)
	}
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyApproved, false)); got != 1 {
		t.Fatalf("approved notifications = %d, want 1", got)
	}

	_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "ceo"}})
	errorAs[engine.StateError](t, err)

	stored, err := env.Engine.Get(env.Ctx, req.ID, "choi")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != req.Version || stored.Status != domain.StatusApproved {
		t.Fatalf("stored = v%d %s, returned v%d", stored.Version, stored.Status, req.Version)
	}
}

func TestRejectionNeedsReasonAndCanBeCancelled(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Scaffolding")

	_, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "lee"}, Reason: "  "})
	ve := errorAs[engine.ValidationError](t, err)
	if ve.Field != "reason" {
		t.Fatalf("field = %s", ve.Field)
	}

	// lee reads the pending notification before rejecting
	pending := env.notifications(t, "lee", req.ID, domain.NotifyPending, true)
	if len(pending) != 1 {
		t.Fatalf("pending for lee = %d", len(pending))
	}
	if _, err := env.Engine.MarkRead(env.Ctx, pending[0].ID, "lee"); err != nil {
		t.Fatal(err)
	}

	rejected, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "lee"}, Reason: "missing signature"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if rejected.Status != domain.StatusRejected || rejected.CurrentStep != 0 || rejected.RejectionReason != "missing signature" {
		t.Fatalf("rejected = %s step %d %q", rejected.Status, rejected.CurrentStep, rejected.RejectionReason)
	}
	if rec := rejected.Approvals[0]; rec == nil || rec.Status != domain.RecordRejected || rec.Reason != "missing signature" {
		t.Fatalf("rejection record = %+v", rec)
	}
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyRejected, true)); got != 1 {
		t.Fatalf("rejected notifications = %d", got)
	}

	_, err = env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "lee"})
	errorAs[engine.PermissionError](t, err)

	restarted, err := env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"})
	if err != nil {
		t.Fatalf("cancel rejection: %v", err)
	}
	if restarted.Status != domain.StatusPending || restarted.CurrentStep != 0 || restarted.RejectionReason != "" || restarted.RejectedAt != "" {
		t.Fatalf("restarted = %+v", restarted)
	}
	for i, rec := range restarted.Approvals {
		if rec != nil {
			t.Fatalf("slot %d not cleared: %+v", i, rec)
		}
	}
	if got := len(env.notifications(t, "lee", req.ID, domain.NotifyPending, true)); got != 1 {
		t.Fatalf("fresh pending notifications for lee = %d, want 1", got)
	}

	_, err = env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"})
	errorAs[engine.StateError](t, err)
}

func TestCancelApprovalIsInverseOfApprove(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-b", "Concrete pour")

	_, err := env.Engine.CancelApproval(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"})
	errorAs[engine.StateError](t, err)

	approved := env.approve(t, req.ID, "park")
	_, err = env.Engine.CancelApproval(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "lee"})
	errorAs[engine.PermissionError](t, err)

	undone, err := env.Engine.CancelApproval(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "park"})
	if err != nil {
		t.Fatalf("cancel approval: %v", err)
	}
	if undone.Status != req.Status || undone.CurrentStep != req.CurrentStep || undone.Approvals[0] != nil {
		t.Fatalf("undone = %s step %d", undone.Status, undone.CurrentStep)
	}
	if undone.Version != approved.Version+1 {
		t.Fatalf("version = %d, want %d", undone.Version, approved.Version+1)
	}

	// completing, cancelling and completing again notifies the author twice
	env.approve(t, req.ID, "park")
	env.approve(t, req.ID, "park")
	done := env.approve(t, req.ID, "ceo")
	if done.Status != domain.StatusApproved {
		t.Fatalf("status = %s", done.Status)
	}
	for _, n := range env.notifications(t, "choi", req.ID, domain.NotifyApproved, true) {
		if _, err := env.Engine.MarkRead(env.Ctx, n.ID, "choi"); err != nil {
			t.Fatal(err)
		}
	}
	back, err := env.Engine.CancelApproval(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"})
	if err != nil {
		t.Fatalf("cancel final approval: %v", err)
	}
	if back.Status != domain.StatusProcessing || back.CurrentStep != 2 {
		t.Fatalf("back = %s step %d", back.Status, back.CurrentStep)
	}
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyApprovalCancelled, true)); got != 1 {
		t.Fatalf("approval cancelled notifications = %d", got)
	}
	env.approve(t, req.ID, "ceo")
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyApproved, true)); got != 1 {
		t.Fatalf("re-completion notifications = %d, want 1", got)
	}
}

func TestEditByStatus(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-b", "Crane hire")
	env.approve(t, req.ID, "park")

	title := "Crane hire (40t)"
	edited, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "choi"}, Title: &title})
	if err != nil {
		t.Fatalf("edit processing: %v", err)
	}
	if edited.Title != title || edited.Status != domain.StatusProcessing || edited.CurrentStep != 1 || edited.Approvals[0] == nil {
		t.Fatalf("processing edit changed progress: %+v", edited)
	}

	_, err = env.Engine.Edit(env.Ctx, engine.EditOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "park"}, Title: &title})
	errorAs[engine.PermissionError](t, err)

	if _, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "park"}, Reason: "wrong tonnage"}); err != nil {
		t.Fatal(err)
	}
	siteA := "site-a"
	resubmitted, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "choi"}, SiteID: &siteA})
	if err != nil {
		t.Fatalf("edit rejected: %v", err)
	}
	if resubmitted.Status != domain.StatusPending || resubmitted.CurrentStep != 0 || resubmitted.RejectionReason != "" {
		t.Fatalf("resubmitted = %s step %d", resubmitted.Status, resubmitted.CurrentStep)
	}
	if resubmitted.SiteID != "site-a" || resubmitted.TotalSteps != 2 || len(resubmitted.Approvals) != 2 {
		t.Fatalf("chain not replaced: %+v", resubmitted)
	}
	if resubmitted.OriginalCreatedAt != req.CreatedAt || resubmitted.ApprovalNumber != req.ApprovalNumber {
		t.Fatalf("identity lost: %+v", resubmitted)
	}
	if got := len(env.notifications(t, "lee", req.ID, domain.NotifyPending, true)); got != 1 {
		t.Fatalf("new site manager pending = %d", got)
	}

	env.approve(t, req.ID, "lee")
	env.approve(t, req.ID, "ceo")
	_, err = env.Engine.Edit(env.Ctx, engine.EditOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "choi"}, Title: &title})
	errorAs[engine.StateError](t, err)
}

func TestEditMovesOpenRequestToShorterChain(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-b", "Formwork")
	env.approve(t, req.ID, "park")
	env.approve(t, req.ID, "park")

	siteC := "site-c"
	moved, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "choi"}, SiteID: &siteC})
	if err != nil {
		t.Fatalf("move: %v", err)
	}
	if moved.TotalSteps != 1 || moved.CurrentStep != 1 || moved.Status != domain.StatusApproved {
		t.Fatalf("moved = %s step %d/%d", moved.Status, moved.CurrentStep, moved.TotalSteps)
	}
	if err := engine.CheckInvariants(moved); err != nil {
		t.Fatal(err)
	}
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyApproved, false)); got != 1 {
		t.Fatalf("approved notifications = %d", got)
	}
}

func TestNumberingPerYear(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, "choi", "site-a", "one")
	second := env.submit(t, "choi", "site-a", "two")
	third := env.submit(t, "choi", "site-a", "three")
	if first.ApprovalNumber != "AP-2026-001" || second.ApprovalNumber != "AP-2026-002" || third.ApprovalNumber != "AP-2026-003" {
		t.Fatalf("numbers = %s %s %s", first.ApprovalNumber, second.ApprovalNumber, third.ApprovalNumber)
	}

	if _, err := env.Engine.Delete(env.Ctx, engine.ActionOptions{ID: third.ID, ActorID: "choi"}); err != nil {
		t.Fatal(err)
	}
	fourth := env.submit(t, "choi", "site-a", "four")
	if fourth.ApprovalNumber != "AP-2026-004" {
		t.Fatalf("number after archive = %s", fourth.ApprovalNumber)
	}

	// 2026-12-31 16:00 UTC is already 2027 in Seoul
	env.setClock(time.Date(2026, 12, 31, 16, 0, 0, 0, time.UTC))
	next := env.submit(t, "choi", "site-a", "new year")
	if next.ApprovalNumber != "AP-2027-001" {
		t.Fatalf("new year number = %s", next.ApprovalNumber)
	}
}

func TestStaleVersionIsRejected(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Pumps")
	env.approve(t, req.ID, "lee")

	_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "ceo", ExpectedVersion: req.Version}})
	if !errors.Is(err, repo.ErrVersionConflict) {
		t.Fatalf("err = %v, want version conflict", err)
	}
	errorAs[engine.PersistenceError](t, err)

	got, err := env.Engine.Get(env.Ctx, req.ID, "ceo")
	if err != nil {
		t.Fatal(err)
	}
	if got.CurrentStep != 1 {
		t.Fatalf("conflicting approve changed state: step %d", got.CurrentStep)
	}
}

func TestSkipFirstStep(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-b", "Survey")
	skip := engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "admin"}, SkipFirstStep: true}

	_, err := env.Engine.Approve(env.Ctx, skip)
	errorAs[engine.ValidationError](t, err)

	cfg := config.Default()
	cfg.Workflow.AllowFirstStepSkip = true
	env.Engine.Config = cfg

	_, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "park"}, SkipFirstStep: true})
	errorAs[engine.PermissionError](t, err)

	skipped, err := env.Engine.Approve(env.Ctx, skip)
	if err != nil {
		t.Fatalf("skip: %v", err)
	}
	if skipped.CurrentStep != 2 || skipped.Status != domain.StatusProcessing || domain.SkippedSteps(skipped) != 1 {
		t.Fatalf("skipped = %s step %d", skipped.Status, skipped.CurrentStep)
	}
	if rec := skipped.Approvals[0]; !rec.Skipped || rec.Approver != cfg.SkipLabel() {
		t.Fatalf("slot 0 = %+v", rec)
	}
	if rec := skipped.Approvals[1]; rec.Skipped || rec.ApproverID != "admin" {
		t.Fatalf("slot 1 = %+v", rec)
	}

	single := env.submit(t, "choi", "site-c", "Single step")
	_, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: single.ID, ActorID: "admin"}, SkipFirstStep: true})
	errorAs[engine.StateError](t, err)
}

func TestPermissions(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Submit(env.Ctx, engine.SubmitOptions{Title: "x", SiteID: "site-a", ActorID: "jung"})
	errorAs[engine.PermissionError](t, err)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Title: "x", SiteID: "site-a", ActorID: "ghost"})
	errorAs[engine.PermissionError](t, err)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Title: "x", SiteID: "nowhere", ActorID: "choi"})
	errorAs[engine.ValidationError](t, err)
	_, err = env.Engine.Submit(env.Ctx, engine.SubmitOptions{Title: " ", SiteID: "site-a", ActorID: "choi"})
	errorAs[engine.ValidationError](t, err)

	req := env.submit(t, "choi", "site-a", "Fencing")
	for _, actor := range []string{"park", "jung", "choi"} {
		_, err := env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: actor}})
		errorAs[engine.PermissionError](t, err)
	}

	if _, err := env.Engine.Get(env.Ctx, req.ID, "lee"); err != nil {
		t.Fatalf("site manager cannot see request: %v", err)
	}
	_, err = env.Engine.Get(env.Ctx, req.ID, "park")
	errorAs[engine.PermissionError](t, err)
	visible, err := env.Engine.List(env.Ctx, "jung", repo.ApprovalFilter{})
	if err != nil || len(visible) != 0 {
		t.Fatalf("jung sees %d, %v", len(visible), err)
	}

	caps, err := env.Engine.Permissions(env.Ctx, req.ID, "lee")
	if err != nil {
		t.Fatal(err)
	}
	if !caps.Approve || !caps.Reject || caps.Edit || caps.CancelRejection {
		t.Fatalf("lee capabilities = %+v", caps)
	}
	pending, err := env.Engine.Pending(env.Ctx, "park")
	if err != nil || len(pending) != 0 {
		t.Fatalf("park pending = %d, %v", len(pending), err)
	}
	pending, err = env.Engine.Pending(env.Ctx, "lee")
	if err != nil || len(pending) != 1 {
		t.Fatalf("lee pending = %d, %v", len(pending), err)
	}

	stats, err := env.Engine.Stats(env.Ctx, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 1 || stats.Pending != 1 || stats.AwaitingMe != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestArchiveRestorePurge(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Drainage")

	_, err := env.Engine.Delete(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "park"})
	errorAs[engine.PermissionError](t, err)

	archived, err := env.Engine.Delete(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "choi"})
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if archived.DeletedBy != "choi" || archived.ApprovalNumber != req.ApprovalNumber {
		t.Fatalf("archived = %+v", archived)
	}
	if _, err := env.Engine.Get(env.Ctx, req.ID, "admin"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("get archived = %v", err)
	}
	if got := len(env.notifications(t, "lee", req.ID, "", false)); got != 0 {
		t.Fatalf("notifications left behind: %d", got)
	}

	_, err = env.Engine.ListArchived(env.Ctx, "choi")
	errorAs[engine.PermissionError](t, err)
	list, err := env.Engine.ListArchived(env.Ctx, "admin")
	if err != nil || len(list) != 1 {
		t.Fatalf("archive = %d, %v", len(list), err)
	}

	restored, err := env.Engine.Restore(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"})
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if restored.ApprovalNumber != req.ApprovalNumber || restored.Status != domain.StatusPending {
		t.Fatalf("restored = %+v", restored)
	}
	if got := len(env.notifications(t, "lee", req.ID, domain.NotifyPending, true)); got != 1 {
		t.Fatalf("restored request not re-armed: %d", got)
	}

	env.approve(t, req.ID, "lee")
	env.approve(t, req.ID, "ceo")
	_, err = env.Engine.Delete(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "choi"})
	errorAs[engine.StateError](t, err)
	if _, err := env.Engine.Delete(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"}); err != nil {
		t.Fatalf("hq delete: %v", err)
	}
	if err := env.Engine.Purge(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"}); err != nil {
		t.Fatalf("purge: %v", err)
	}
	list, err = env.Engine.ListArchived(env.Ctx, "admin")
	if err != nil || len(list) != 0 {
		t.Fatalf("archive after purge = %d, %v", len(list), err)
	}
	if err := env.Engine.Purge(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second purge = %v", err)
	}
}

func TestSites(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.CreateSite(env.Ctx, engine.SiteOptions{Name: "Site D", Approvers: []string{"CEO"}, ActorID: "lee"})
	errorAs[engine.PermissionError](t, err)
	_, err = env.Engine.CreateSite(env.Ctx, engine.SiteOptions{Name: "Site D", ActorID: "admin"})
	errorAs[engine.ValidationError](t, err)
	_, err = env.Engine.CreateSite(env.Ctx, engine.SiteOptions{Name: "Site D", Approvers: []string{"CEO"}, Manager: "ghost", ActorID: "admin"})
	errorAs[engine.ValidationError](t, err)

	req := env.submit(t, "choi", "site-a", "Lighting")
	approvers := []string{"Safety", "Site manager", "CEO"}
	site, err := env.Engine.UpdateSite(env.Ctx, engine.SiteUpdateOptions{ID: "site-a", Approvers: approvers, ActorID: "admin"})
	if err != nil {
		t.Fatalf("update site: %v", err)
	}
	if site.Steps != 3 {
		t.Fatalf("steps = %d", site.Steps)
	}
	got, err := env.Engine.Get(env.Ctx, req.ID, "choi")
	if err != nil {
		t.Fatal(err)
	}
	if got.TotalSteps != 2 || len(got.Approvers) != 2 {
		t.Fatalf("in-flight snapshot changed: %+v", got)
	}

	err = env.Engine.DeleteSite(env.Ctx, "site-a", "admin")
	errorAs[engine.StateError](t, err)
	if err := env.Engine.DeleteSite(env.Ctx, "site-c", "admin"); err != nil {
		t.Fatalf("delete unused site: %v", err)
	}
	sites, err := env.Engine.ListSites(env.Ctx)
	if err != nil || len(sites) != 2 {
		t.Fatalf("sites = %d, %v", len(sites), err)
	}
}

func TestRegistrationAndAccounts(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Username: "lee", Password: "secret", Name: "Other Lee", Role: "site"})
	errorAs[engine.ValidationError](t, err)
	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Username: "yoon", Password: "pw", Name: "Yoon", Role: "site"})
	errorAs[engine.ValidationError](t, err)

	reg, err := env.Engine.Register(env.Ctx, engine.RegisterOptions{Username: "yoon", Password: "secret", Name: "Yoon", Role: "manager"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.Role != domain.RoleSite || reg.Status != domain.RequestPending {
		t.Fatalf("registration = %+v", reg)
	}
	_, err = env.Engine.Register(env.Ctx, engine.RegisterOptions{Username: "yoon", Password: "secret", Name: "Yoon", Role: "site"})
	errorAs[engine.ValidationError](t, err)

	_, err = env.Engine.AcceptRequest(env.Ctx, reg.ID, "lee")
	errorAs[engine.PermissionError](t, err)
	user, err := env.Engine.AcceptRequest(env.Ctx, reg.ID, "admin")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if user.ApprovedBy != "admin" {
		t.Fatalf("user = %+v", user)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "yoon", "secret"); err != nil {
		t.Fatalf("login: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "yoon", "wrong"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("bad password = %v", err)
	}
	if err := env.Engine.ChangePassword(env.Ctx, "yoon", "secret", "better"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "yoon", "better"); err != nil {
		t.Fatalf("login after change: %v", err)
	}

	role := "headquarters"
	_, err = env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{Username: "yoon", ActorID: "yoon", Role: &role})
	errorAs[engine.PermissionError](t, err)
	phone := "010-0000-0000"
	if _, err := env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{Username: "yoon", ActorID: "yoon", Phone: &phone}); err != nil {
		t.Fatalf("self update: %v", err)
	}
	demote := "other"
	_, err = env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{Username: "admin", ActorID: "ceo", Role: &demote})
	errorAs[engine.StateError](t, err)

	_, err = env.Engine.RemoveUser(env.Ctx, "admin", "ceo")
	errorAs[engine.StateError](t, err)
	if _, err := env.Engine.RemoveUser(env.Ctx, "yoon", "admin"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "yoon", "better"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("removed user can log in: %v", err)
	}
	removed, err := env.Engine.ListDeletedUsers(env.Ctx, "admin")
	if err != nil || len(removed) != 1 {
		t.Fatalf("removed = %d, %v", len(removed), err)
	}
	if _, err := env.Engine.RestoreUser(env.Ctx, "yoon", "admin"); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, err := env.Engine.Authenticate(env.Ctx, "yoon", "better"); err != nil {
		t.Fatalf("restored user cannot log in: %v", err)
	}
}

func TestInbox(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Signage")

	_, err := env.Engine.Broadcast(env.Ctx, "lee", "Holiday", "Site closed")
	errorAs[engine.PermissionError](t, err)
	notice, err := env.Engine.Broadcast(env.Ctx, "admin", "Holiday", "Site closed on Friday")
	if err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	inbox, err := env.Engine.Inbox(env.Ctx, engine.InboxOptions{ActorID: "lee", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(inbox) != 2 {
		t.Fatalf("lee inbox = %d, want pending and broadcast", len(inbox))
	}
	unread, err := env.Engine.UnreadCount(env.Ctx, "lee")
	if err != nil || unread != 2 {
		t.Fatalf("unread = %d, %v", unread, err)
	}
	err = env.Engine.DeleteNotification(env.Ctx, notice.ID, "lee")
	errorAs[engine.PermissionError](t, err)

	pending := env.notifications(t, "ceo", req.ID, domain.NotifyPending, true)
	_, err = env.Engine.MarkRead(env.Ctx, pending[0].ID, "lee")
	errorAs[engine.PermissionError](t, err)

	if n, err := env.Engine.MarkAllRead(env.Ctx, "lee"); err != nil || n < 1 {
		t.Fatalf("mark all = %d, %v", n, err)
	}
	if n, err := env.Engine.ClearInbox(env.Ctx, "lee"); err != nil || n != 1 {
		t.Fatalf("clear = %d, %v", n, err)
	}
	if err := env.Engine.DeleteNotification(env.Ctx, notice.ID, "admin"); err != nil {
		t.Fatalf("hq delete broadcast: %v", err)
	}
}

func TestBackupRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	done := src.submit(t, "choi", "site-a", "Asphalt")
	src.approve(t, done.ID, "lee")
	src.approve(t, done.ID, "ceo")
	open := src.submit(t, "choi", "site-b", "Paint")
	gone := src.submit(t, "choi", "site-a", "Cancelled order")
	if _, err := src.Engine.Delete(src.Ctx, engine.ActionOptions{ID: gone.ID, ActorID: "admin"}); err != nil {
		t.Fatal(err)
	}

	_, err := src.Engine.Export(src.Ctx, engine.ExportOptions{ActorID: "choi"})
	errorAs[engine.PermissionError](t, err)
	snap, err := src.Engine.Export(src.Ctx, engine.ExportOptions{ActorID: "admin"})
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if snap.Counts.Approvals != 2 || snap.Counts.DeletedApprovals != 1 || snap.Counts.Sites != 3 || snap.Counts.Users != 6 {
		t.Fatalf("counts = %+v", snap.Counts)
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	var decoded engine.Backup
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}

	dst := newBareEnv(t)
	res, err := dst.Engine.Import(dst.Ctx, "admin", decoded)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Sites != 3 || res.Users != 5 || res.Approvals != 2 || res.DeletedApprovals != 1 || res.Skipped != 1 {
		t.Fatalf("import result = %+v", res)
	}
	got, err := dst.Engine.Get(dst.Ctx, done.ID, "admin")
	if err != nil {
		t.Fatal(err)
	}
	if got.ApprovalNumber != done.ApprovalNumber || got.Status != domain.StatusApproved || got.Approvals[1].ApproverID != "ceo" {
		t.Fatalf("imported = %+v", got)
	}
	if _, err := dst.Engine.Get(dst.Ctx, open.ID, "choi"); err != nil {
		t.Fatalf("imported author cannot see own request: %v", err)
	}
	if _, err := dst.Engine.Authenticate(dst.Ctx, "choi", "x"); !errors.Is(err, engine.ErrInvalidCredentials) {
		t.Fatalf("imported account must need a password reset: %v", err)
	}

	next := dst.submit(t, "choi", "site-a", "After import")
	if next.ApprovalNumber != "AP-2026-004" {
		t.Fatalf("number after import = %s", next.ApprovalNumber)
	}

	again, err := dst.Engine.Import(dst.Ctx, "admin", decoded)
	if err != nil {
		t.Fatal(err)
	}
	if again.Approvals != 0 || again.Sites != 0 || again.Users != 0 {
		t.Fatalf("second import = %+v", again)
	}
}

func TestImportNormalizesLegacyRecords(t *testing.T) {
	env := newTestEnv(t)
	legacy := engine.Backup{
		BackupDate: "2026-02-01T00:00:00Z",
		BackupType: engine.BackupFull,
		Users: []engine.BackupUser{
			{User: domain.User{Username: "han", Name: "Han", Role: "ceo"}},
			{User: domain.User{Username: "bad", Name: "Bad", Role: "janitor"}},
		},
		Approvals: []engine.BackupApproval{
			{
				ApprovalRequest: domain.ApprovalRequest{
					ID: "legacy-1", ApprovalNumber: "AP-2025-017", Title: "Old", SiteID: "site-a", SiteName: "Site A",
					TotalSteps: 2, Approvers: []string{"Site manager", "CEO"}, Approvals: make([]*domain.ApprovalRecord, 2),
					Status: domain.StatusPending, CreatedAt: "2025-06-01T00:00:00Z",
				},
				Author: "Choi",
			},
			{
				ApprovalRequest: domain.ApprovalRequest{
					ID: "legacy-2", ApprovalNumber: "AP-2025-018", Title: "Broken", SiteID: "site-a",
					TotalSteps: 2, Approvers: []string{"a", "b"}, Approvals: make([]*domain.ApprovalRecord, 2),
					Status: domain.StatusApproved, CreatedAt: "2025-06-02T00:00:00Z",
				},
				Author: "choi",
			},
		},
	}
	res, err := env.Engine.Import(env.Ctx, "admin", legacy)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if res.Users != 1 || res.Approvals != 1 || res.Skipped != 2 || len(res.Problems) != 2 {
		t.Fatalf("result = %+v", res)
	}
	han, err := env.Engine.GetUser(env.Ctx, "han")
	if err != nil || han.Role != domain.RoleHeadquarters {
		t.Fatalf("han = %+v, %v", han, err)
	}
	old, err := env.Engine.Get(env.Ctx, "legacy-1", "choi")
	if err != nil {
		t.Fatalf("author resolved by display name: %v", err)
	}
	if old.AuthorID != "choi" || old.Version != 1 {
		t.Fatalf("legacy = %+v", old)
	}
}

func (env testEnv) reject(t *testing.T, id, actor, reason string) domain.ApprovalRequest {
	t.Helper()
	req, err := env.Engine.Reject(env.Ctx, engine.RejectOptions{ActionOptions: engine.ActionOptions{ID: id, ActorID: actor}, Reason: reason})
	if err != nil {
		t.Fatalf("reject by %s: %v", actor, err)
	}
	return req
}

func (env testEnv) readAll(t *testing.T, user, approvalID string, typ domain.NotificationType) {
	t.Helper()
	for _, n := range env.notifications(t, user, approvalID, typ, true) {
		if _, err := env.Engine.MarkRead(env.Ctx, n.ID, user); err != nil {
			t.Fatalf("mark read: %v", err)
		}
	}
}

func TestSecondRejectionNotifiesAuthorAgain(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Tower crane")
	env.reject(t, req.ID, "lee", "no permit")
	env.readAll(t, "choi", req.ID, domain.NotifyRejected)

	if _, err := env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "admin"}); err != nil {
		t.Fatalf("cancel rejection: %v", err)
	}
	env.reject(t, req.ID, "lee", "permit expired")
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyRejected, true)); got != 1 {
		t.Fatalf("unread rejected after restart = %d, want 1", got)
	}
	env.readAll(t, "choi", req.ID, domain.NotifyRejected)

	title := "Tower crane (resubmitted)"
	if _, err := env.Engine.Edit(env.Ctx, engine.EditOptions{ActionOptions: engine.ActionOptions{ID: req.ID, ActorID: "choi"}, Title: &title}); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	env.reject(t, req.ID, "lee", "wrong crane class")
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyRejected, true)); got != 1 {
		t.Fatalf("unread rejected after resubmit = %d, want 1", got)
	}
	if got := len(env.notifications(t, "choi", req.ID, domain.NotifyRejected, false)); got != 1 {
		t.Fatalf("rejected notifications kept = %d, want 1", got)
	}
}

// brokenStore fails every notification write and lookup.
type brokenStore struct{}

var errStoreDown = errors.New("notification store down")

func (brokenStore) ListUsers(context.Context) ([]domain.User, error) { return nil, errStoreDown }
func (brokenStore) GetSite(context.Context, string) (domain.Site, error) {
	return domain.Site{}, errStoreDown
}
func (brokenStore) ListOpenApprovals(context.Context) ([]domain.ApprovalRequest, error) {
	return nil, errStoreDown
}
func (brokenStore) InsertNotification(context.Context, domain.Notification) (bool, error) {
	return false, errStoreDown
}
func (brokenStore) DeleteReadNotifications(context.Context, string, domain.NotificationType) error {
	return errStoreDown
}
func (brokenStore) PruneNotifications(context.Context, string, int) error { return errStoreDown }

func TestNotificationFailuresDoNotBlockTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Notify.Store = brokenStore{}

	req := env.submit(t, "choi", "site-c", "Generator hire")
	if req.ApprovalNumber == "" || req.Status != domain.StatusPending {
		t.Fatalf("submitted = %+v", req)
	}
	approved := env.approve(t, req.ID, "ceo")
	if approved.Status != domain.StatusApproved {
		t.Fatalf("approved = %s", approved.Status)
	}
	other := env.submit(t, "choi", "site-a", "Fence panels")
	rejected := env.reject(t, other.ID, "lee", "over budget")
	if rejected.Status != domain.StatusRejected {
		t.Fatalf("rejected = %s", rejected.Status)
	}
	if _, err := env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: other.ID, ActorID: "admin"}); err != nil {
		t.Fatalf("cancel rejection: %v", err)
	}

	stored, err := env.Engine.Get(env.Ctx, req.ID, "choi")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.StatusApproved || stored.CurrentStep != 1 {
		t.Fatalf("stored = %s step %d", stored.Status, stored.CurrentStep)
	}
	if got := len(env.notifications(t, "choi", "", "", false)); got != 0 {
		t.Fatalf("notifications written through a broken store = %d", got)
	}
}

func TestCancelDeniedBeforeStateIsRevealed(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Pump hire")

	_, err := env.Engine.CancelApproval(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "jung"})
	errorAs[engine.PermissionError](t, err)
	_, err = env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "jung"})
	errorAs[engine.PermissionError](t, err)
	_, err = env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "lee"})
	errorAs[engine.PermissionError](t, err)

	_, err = env.Engine.CancelApproval(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "ceo"})
	errorAs[engine.StateError](t, err)
	_, err = env.Engine.CancelRejection(env.Ctx, engine.ActionOptions{ID: req.ID, ActorID: "ceo"})
	errorAs[engine.StateError](t, err)
}

func TestBrokenStoredRequestIsNotOverwritten(t *testing.T) {
	env := newTestEnv(t)
	site, err := env.Engine.GetSite(env.Ctx, "site-a")
	if err != nil {
		t.Fatal(err)
	}
	broken := engine.NewRequest("broken-1", "AP-2026-900", site, "2026-03-01T00:00:00Z")
	broken.Title = "Truncated chain"
	broken.AuthorID = "choi"
	broken.Approvers = broken.Approvers[:1]
	if err := env.Engine.Repo.InsertApproval(env.Ctx, env.Engine.DB, broken); err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = env.Engine.Approve(env.Ctx, engine.ApproveOptions{ActionOptions: engine.ActionOptions{ID: broken.ID, ActorID: "ceo"}})
	errorAs[engine.StateError](t, err)

	stored, err := env.Engine.Get(env.Ctx, broken.ID, "ceo")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Version != 1 || stored.CurrentStep != 0 || stored.Approvals[0] != nil {
		t.Fatalf("stored = v%d step %d", stored.Version, stored.CurrentStep)
	}
}

func TestListEventsIsHeadquartersOnly(t *testing.T) {
	env := newTestEnv(t)
	req := env.submit(t, "choi", "site-a", "Skip bins")
	env.approve(t, req.ID, "lee")

	list, err := env.Engine.ListEvents(env.Ctx, "ceo", repo.EventFilter{EntityID: req.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(list) != 2 || list[0].Type != "approval.step_approved" || list[1].Type != "approval.submitted" {
		t.Fatalf("events = %+v", list)
	}
	_, err = env.Engine.ListEvents(env.Ctx, "jung", repo.EventFilter{})
	errorAs[engine.PermissionError](t, err)
}
