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

	"sitesign/internal/domain"
	"sitesign/internal/engine/auth"
	"sitesign/internal/events"
	"sitesign/internal/numbering"
	"sitesign/internal/repo"
)

const (
	BackupFull    = "full"
	BackupMonthly = "monthly"
)

// BackupApproval is a request as written to a snapshot. Author carries the legacy author
// field, which may hold either a login id or a display name.
type BackupApproval struct {
	domain.ApprovalRequest
	Author string `json:"author,omitempty"`
}

type BackupDeletedApproval struct {
	BackupApproval
	DeletedAt string `json:"deleted_at"`
	DeletedBy string `json:"deleted_by"`
}

// BackupUser never carries a password hash on export. On import a provided hash is kept.
type BackupUser struct {
	domain.User
	PasswordHash string `json:"password_hash,omitempty"`
}

type BackupCounts struct {
	Approvals        int `json:"approvals"`
	DeletedApprovals int `json:"deleted_approvals"`
	Sites            int `json:"sites"`
	Users            int `json:"users"`
}

type Backup struct {
	BackupDate       string                  `json:"backup_date"`
	BackupType       string                  `json:"backup_type"`
	Year             int                     `json:"year,omitempty"`
	Month            int                     `json:"month,omitempty"`
	Counts           BackupCounts            `json:"counts"`
	Approvals        []BackupApproval        `json:"approvals"`
	DeletedApprovals []BackupDeletedApproval `json:"deleted_approvals"`
	Sites            []domain.Site           `json:"sites"`
	Users            []BackupUser            `json:"users"`
}

type ExportOptions struct {
	ActorID string
	// Year and Month bound a monthly backup; zero means full.
	Year  int
	Month int
}

// Export snapshots the store. Monthly backups only hold requests created in that month.
func (e Engine) Export(ctx context.Context, opts ExportOptions) (Backup, error) {
	actor, err := e.actor(ctx, "export backup", opts.ActorID)
	if err != nil {
		return Backup{}, err
	}
	if !auth.Can(actor, auth.ExportBackup) {
		return Backup{}, denied("export backup", actor.Username)
	}
	b := Backup{BackupDate: e.stamp(), BackupType: BackupFull}
	filter := repo.ApprovalFilter{}
	if opts.Month != 0 {
		if opts.Year == 0 || opts.Month < 1 || opts.Month > 12 {
			return Backup{}, invalid("month", "a monthly backup needs a year and a month between 1 and 12")
		}
		loc, err := e.cfg().Location()
		if err != nil {
			return Backup{}, err
		}
		filter.From, filter.To = MonthRange(opts.Year, time.Month(opts.Month), loc)
		b.BackupType = BackupMonthly
		b.Year, b.Month = opts.Year, opts.Month
	}
	approvals, err := e.Repo.ListApprovals(ctx, filter)
	if err != nil {
		return Backup{}, persist("export approvals", err)
	}
	b.Approvals = lo.Map(approvals, func(a domain.ApprovalRequest, _ int) BackupApproval { return BackupApproval{ApprovalRequest: a} })
	deleted, err := e.Repo.ListDeletedApprovals(ctx)
	if err != nil {
		return Backup{}, persist("export archive", err)
	}
	if b.BackupType == BackupMonthly {
		deleted = lo.Filter(deleted, func(d domain.DeletedApproval, _ int) bool {
			return d.CreatedAt >= filter.From && d.CreatedAt < filter.To
		})
	}
	b.DeletedApprovals = lo.Map(deleted, func(d domain.DeletedApproval, _ int) BackupDeletedApproval {
		return BackupDeletedApproval{BackupApproval: BackupApproval{ApprovalRequest: d.ApprovalRequest}, DeletedAt: d.DeletedAt, DeletedBy: d.DeletedBy}
	})
	if b.Sites, err = e.Repo.ListSites(ctx); err != nil {
		return Backup{}, persist("export sites", err)
	}
	users, err := e.Repo.ListUsers(ctx)
	if err != nil {
		return Backup{}, persist("export users", err)
	}
	b.Users = lo.Map(users, func(u domain.User, _ int) BackupUser {
		u.PasswordHash = ""
		return BackupUser{User: u}
	})
	b.Counts = BackupCounts{Approvals: len(b.Approvals), DeletedApprovals: len(b.DeletedApprovals), Sites: len(b.Sites), Users: len(b.Users)}
	return b, nil
}

type ImportResult struct {
	Sites            int      `json:"sites"`
	Users            int      `json:"users"`
	Approvals        int      `json:"approvals"`
	DeletedApprovals int      `json:"deleted_approvals"`
	Skipped          int      `json:"skipped"`
	Problems         []string `json:"problems,omitempty"`
}

// Import loads a snapshot in one transaction, skipping records whose id already exists.
// Roles and authors are normalized; approval numbers are kept.
func (e Engine) Import(ctx context.Context, actorID string, b Backup) (ImportResult, error) {
	actor, err := e.actor(ctx, "import backup", actorID)
	if err != nil {
		return ImportResult{}, err
	}
	if !auth.Can(actor, auth.ExportBackup) {
		return ImportResult{}, denied("import backup", actor.Username)
	}
	var res ImportResult
	skip := func(format string, args ...any) {
		res.Skipped++
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
	}
	err = e.inTx(ctx, "import backup", actor.Username, func(tx *sqlx.Tx) error {
		for _, s := range b.Sites {
			if _, err := e.Repo.GetSiteQ(ctx, tx, s.ID); err == nil {
				res.Skipped++
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			if s.Steps == 0 {
				s.Steps = len(s.Approvers)
			}
			if s.ID == "" || s.Steps < 1 || s.Steps > MaxSiteSteps || len(s.Approvers) != s.Steps {
				skip("site %q: invalid approval chain", s.Name)
				continue
			}
			if s.CreatedAt == "" {
				s.CreatedAt = b.BackupDate
			}
			if err := e.Repo.InsertSite(ctx, tx, s); err != nil {
				return err
			}
			res.Sites++
		}

		for _, bu := range b.Users {
			u := bu.User
			if u.Username == "" {
				skip("user without username")
				continue
			}
			if _, err := e.Repo.GetUserQ(ctx, tx, u.Username); err == nil {
				res.Skipped++
				continue
			} else if !errors.Is(err, repo.ErrNotFound) {
				return err
			}
			role, err := domain.ParseRole(string(u.Role))
			if err != nil {
				skip("user %s: %v", u.Username, err)
				continue
			}
			u.Role = role
			u.PasswordHash = lo.Ternary(bu.PasswordHash != "", bu.PasswordHash, DisabledPassword)
			if err := e.Repo.InsertUser(ctx, tx, u); err != nil {
				return err
			}
			res.Users++
		}

		users, err := e.Repo.ListUsersQ(ctx, tx)
		if err != nil {
			return err
		}
		numbers, err := e.Repo.ApprovalNumbers(ctx, tx, "")
		if err != nil {
			return err
		}
		taken := lo.SliceToMap(numbers, func(n string) (string, bool) { return n, true })
		prepare := func(ba BackupApproval) (domain.ApprovalRequest, bool, error) {
			a := ba.ApprovalRequest
			if a.ID == "" {
				id, err := uuid.NewV7()
				if err != nil {
					return a, false, err
				}
				a.ID = id.String()
			} else if exists, err := e.approvalExists(ctx, tx, a.ID); err != nil || exists {
				if exists {
					res.Skipped++
				}
				return a, false, err
			}
			if a.AuthorID == "" {
				a.AuthorID = resolveAuthor(ba.Author, users)
			}
			if a.AuthorName == "" {
				a.AuthorName = ba.Author
			}
			if a.Version == 0 {
				a.Version = 1
			}
			if _, _, ok := numbering.Parse(a.ApprovalNumber); !ok {
				skip("approval %s: malformed approval number %q", a.ID, a.ApprovalNumber)
				return a, false, nil
			}
			if taken[a.ApprovalNumber] {
				skip("approval %s: number already used", a.ApprovalNumber)
				return a, false, nil
			}
			if err := CheckInvariants(a); err != nil {
				skip("approval %s: %v", a.ApprovalNumber, err)
				return a, false, nil
			}
			taken[a.ApprovalNumber] = true
			return a, true, nil
		}
		for _, ba := range b.Approvals {
			a, ok, err := prepare(ba)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
				return err
			}
			res.Approvals++
		}
		for _, bd := range b.DeletedApprovals {
			a, ok, err := prepare(bd.BackupApproval)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			deletedAt := lo.Ternary(bd.DeletedAt != "", bd.DeletedAt, b.BackupDate)
			if err := e.Repo.InsertApproval(ctx, tx, a); err != nil {
				return err
			}
			if err := e.Repo.ArchiveApproval(ctx, tx, a, deletedAt, bd.DeletedBy); err != nil {
				return err
			}
			res.DeletedApprovals++
		}
		return e.events().Append(ctx, tx, "backup.imported", "backup", b.BackupDate, actor.Username, events.EventPayload{
			"sites": res.Sites, "users": res.Users, "approvals": res.Approvals, "deleted_approvals": res.DeletedApprovals, "skipped": res.Skipped,
		})
	})
	if err != nil {
		return ImportResult{}, err
	}
	return res, nil
}

func (e Engine) approvalExists(ctx context.Context, tx *sqlx.Tx, id string) (bool, error) {
	if _, err := e.Repo.GetApproval(ctx, tx, id); err == nil {
		return true, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if _, err := e.Repo.GetDeletedApproval(ctx, tx, id); err == nil {
		return true, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	return false, nil
}

// resolveAuthor maps a legacy author string to a login id: a username match wins, then a
// unique display-name match. Anything else is kept as is.
func resolveAuthor(author string, users []domain.User) string {
	author = strings.TrimSpace(author)
	if author == "" {
		return ""
	}
	if lo.ContainsBy(users, func(u domain.User) bool { return u.Username == author }) {
		return author
	}
	byName := lo.Filter(users, func(u domain.User, _ int) bool { return u.Name == author })
	if len(byName) == 1 {
		return byName[0].Username
	}
	return author
}
