// Package auth decides who may do what to an approval request. Every function is pure and
// evaluated against current state on each call.
package auth

import (
	"sitesign/internal/domain"
)

// Action is a coarse role capability.
type Action string

const (
	ViewDashboard    Action = "view_dashboard"
	CreateApproval   Action = "create_approval"
	ViewOwnApprovals Action = "view_own_approvals"
	ViewAllApprovals Action = "view_all_approvals"
	ApproveOwnSite   Action = "approve_own_site"
	RejectOwnSite    Action = "reject_own_site"
	ApproveAny       Action = "approve_any"
	ManageSites      Action = "manage_sites"
	ManageUsers      Action = "manage_users"
	ManageArchive    Action = "manage_archive"
	ReadAudit        Action = "read_audit"
	ExportBackup     Action = "export_backup"
)

var siteActions = map[Action]bool{
	ViewDashboard:    true,
	CreateApproval:   true,
	ViewOwnApprovals: true,
	ApproveOwnSite:   true,
	RejectOwnSite:    true,
}

var otherActions = map[Action]bool{
	ViewDashboard:    true,
	ViewOwnApprovals: true,
}

// Can reports whether the user's tier grants the action.
func Can(u domain.User, a Action) bool {
	switch domain.NormalizeRole(string(u.Role)) {
	case domain.RoleHeadquarters:
		return true
	case domain.RoleSite:
		return siteActions[a]
	default:
		return otherActions[a]
	}
}

// Actions lists the capabilities granted to a role, in a stable order.
func Actions(role domain.Role) []Action {
	all := []Action{
		ViewDashboard, CreateApproval, ViewOwnApprovals, ViewAllApprovals, ApproveOwnSite, RejectOwnSite,
		ApproveAny, ManageSites, ManageUsers, ManageArchive, ReadAudit, ExportBackup,
	}
	u := domain.User{Role: role}
	var out []Action
	for _, a := range all {
		if Can(u, a) {
			out = append(out, a)
		}
	}
	return out
}

func IsHeadquarters(u domain.User) bool {
	return domain.NormalizeRole(string(u.Role)) == domain.RoleHeadquarters
}

// IsSiteManager is true for a site-tier user registered as the site's manager.
func IsSiteManager(u domain.User, site *domain.Site) bool {
	if site == nil || u.Username == "" {
		return false
	}
	return domain.NormalizeRole(string(u.Role)) == domain.RoleSite && site.Manager == u.Username
}

// IsAuthor compares the canonical login id only.
func IsAuthor(u domain.User, req domain.ApprovalRequest) bool {
	return u.Username != "" && req.AuthorID == u.Username
}

// CanApprove covers approving and rejecting the current step. site must be the request's
// site, or nil when it no longer exists.
func CanApprove(u domain.User, req domain.ApprovalRequest, site *domain.Site) bool {
	switch domain.NormalizeRole(string(u.Role)) {
	case domain.RoleHeadquarters:
		return true
	case domain.RoleSite:
		return site != nil && site.ID == req.SiteID && IsSiteManager(u, site)
	default:
		return false
	}
}

func CanEdit(u domain.User, req domain.ApprovalRequest) bool {
	if !IsAuthor(u, req) {
		return false
	}
	switch req.Status {
	case domain.StatusPending, domain.StatusProcessing, domain.StatusRejected:
		return true
	}
	return false
}

func CanDelete(u domain.User, req domain.ApprovalRequest) bool {
	if IsHeadquarters(u) {
		return true
	}
	return IsAuthor(u, req) && req.Status.Open()
}

// LastApproved returns the record just before the current step when it is an approval.
func LastApproved(req domain.ApprovalRequest) (*domain.ApprovalRecord, bool) {
	prev := req.CurrentStep - 1
	if prev < 0 || prev >= len(req.Approvals) {
		return nil, false
	}
	rec := req.Approvals[prev]
	if rec == nil || rec.Status != domain.RecordApproved {
		return nil, false
	}
	return rec, true
}

func CanCancelApproval(u domain.User, req domain.ApprovalRequest) bool {
	if req.Status != domain.StatusApproved && req.Status != domain.StatusProcessing {
		return false
	}
	rec, ok := LastApproved(req)
	if !ok {
		return false
	}
	if IsHeadquarters(u) {
		return true
	}
	return u.Username != "" && rec.ApproverID == u.Username
}

func CanCancelRejection(u domain.User, req domain.ApprovalRequest) bool {
	return req.Status == domain.StatusRejected && IsHeadquarters(u)
}

// Capabilities is the per-request permission snapshot shown to clients.
type Capabilities struct {
	Approve         bool `json:"approve"`
	Reject          bool `json:"reject"`
	Edit            bool `json:"edit"`
	Delete          bool `json:"delete"`
	CancelApproval  bool `json:"cancel_approval"`
	CancelRejection bool `json:"cancel_rejection"`
}

func Evaluate(u domain.User, req domain.ApprovalRequest, site *domain.Site) Capabilities {
	act := req.Status.Open() && CanApprove(u, req, site)
	return Capabilities{
		Approve:         act,
		Reject:          act,
		Edit:            CanEdit(u, req),
		Delete:          CanDelete(u, req),
		CancelApproval:  CanCancelApproval(u, req),
		CancelRejection: CanCancelRejection(u, req),
	}
}
