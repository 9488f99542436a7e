package engine

import (
	"fmt"
	"strings"

	"sitesign/internal/domain"
)

// The functions in this file are the request lifecycle. They never touch storage and
// always return a modified copy, leaving the input untouched.

// StepApproval describes one approve action.
type StepApproval struct {
	Approver   string
	ApproverID string
	At         string
	// SkipFirst bypasses step 0 and records the actor at step 1.
	SkipFirst bool
	SkipLabel string
}

// NewRequest builds a fresh request holding a snapshot of the site's chain.
func NewRequest(id, number string, site domain.Site, at string) domain.ApprovalRequest {
	return domain.ApprovalRequest{
		ID:             id,
		ApprovalNumber: number,
		SiteID:         site.ID,
		SiteName:       site.Name,
		TotalSteps:     site.Steps,
		Approvers:      append([]string(nil), site.Approvers...),
		CurrentStep:    0,
		Approvals:      make([]*domain.ApprovalRecord, site.Steps),
		Status:         domain.StatusPending,
		CreatedAt:      at,
		Version:        1,
	}
}

func clone(req domain.ApprovalRequest) domain.ApprovalRequest {
	out := req
	out.Approvers = append([]string(nil), req.Approvers...)
	out.Approvals = make([]*domain.ApprovalRecord, len(req.Approvals))
	for i, rec := range req.Approvals {
		if rec != nil {
			c := *rec
			out.Approvals[i] = &c
		}
	}
	if req.Attachment != nil {
		a := *req.Attachment
		out.Attachment = &a
	}
	return out
}

// progressStatus derives the status of a request that is not rejected.
func progressStatus(current, total int) domain.Status {
	switch {
	case current <= 0:
		return domain.StatusPending
	case current >= total:
		return domain.StatusApproved
	default:
		return domain.StatusProcessing
	}
}

// ApproveStep records an approval at the current step and advances it.
func ApproveStep(req domain.ApprovalRequest, step StepApproval) (domain.ApprovalRequest, error) {
	if !req.Status.Open() {
		return req, StateError{Action: "approve", Status: req.Status}
	}
	if req.CurrentStep >= req.TotalSteps {
		return req, StateError{Action: "approve", Status: req.Status, Reason: "no step left to approve"}
	}
	out := clone(req)
	if step.SkipFirst {
		if out.CurrentStep != 0 || out.TotalSteps < 2 {
			return req, StateError{Action: "skip the first step of", Status: req.Status, Reason: "only the first step of a chain with two or more steps can be skipped"}
		}
		out.Approvals[0] = &domain.ApprovalRecord{
			Approver:   step.SkipLabel,
			Status:     domain.RecordApproved,
			ApprovedAt: step.At,
			Skipped:    true,
		}
		out.CurrentStep = 1
	}
	out.Approvals[out.CurrentStep] = &domain.ApprovalRecord{
		Approver:   step.Approver,
		ApproverID: step.ApproverID,
		Status:     domain.RecordApproved,
		ApprovedAt: step.At,
	}
	out.CurrentStep++
	out.Status = progressStatus(out.CurrentStep, out.TotalSteps)
	return out, nil
}

// RejectStep records a rejection at the current step. The step does not advance.
func RejectStep(req domain.ApprovalRequest, approver, approverID, reason, at string) (domain.ApprovalRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return req, invalid("reason", "a rejection reason is required")
	}
	if !req.Status.Open() {
		return req, StateError{Action: "reject", Status: req.Status}
	}
	if req.CurrentStep >= req.TotalSteps {
		return req, StateError{Action: "reject", Status: req.Status, Reason: "no step left to decide"}
	}
	out := clone(req)
	out.Approvals[out.CurrentStep] = &domain.ApprovalRecord{
		Approver:   approver,
		ApproverID: approverID,
		Status:     domain.RecordRejected,
		RejectedAt: at,
		Reason:     reason,
	}
	out.Status = domain.StatusRejected
	out.RejectedAt = at
	out.RejectionReason = reason
	return out, nil
}

// UndoApproval clears the most recent approved step.
func UndoApproval(req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	if req.Status != domain.StatusApproved && req.Status != domain.StatusProcessing {
		return req, StateError{Action: "cancel an approval on", Status: req.Status}
	}
	prev := req.CurrentStep - 1
	if prev < 0 || prev >= len(req.Approvals) {
		return req, StateError{Action: "cancel an approval on", Status: req.Status, Reason: "no step has been approved"}
	}
	if rec := req.Approvals[prev]; rec == nil || rec.Status != domain.RecordApproved {
		return req, StateError{Action: "cancel an approval on", Status: req.Status, Reason: fmt.Sprintf("step %d holds no approval", prev+1)}
	}
	out := clone(req)
	out.Approvals[prev] = nil
	out.CurrentStep = prev
	out.Status = progressStatus(out.CurrentStep, out.TotalSteps)
	return out, nil
}

// Restart clears every decision and sends the request back to the first step. site, when
// given, replaces the chain snapshot.
func Restart(req domain.ApprovalRequest, site *domain.Site) domain.ApprovalRequest {
	out := clone(req)
	if site != nil {
		out.SiteID = site.ID
		out.SiteName = site.Name
		out.TotalSteps = site.Steps
		out.Approvers = append([]string(nil), site.Approvers...)
	}
	out.Approvals = make([]*domain.ApprovalRecord, out.TotalSteps)
	out.CurrentStep = 0
	out.Status = domain.StatusPending
	out.RejectedAt = ""
	out.RejectionReason = ""
	return out
}

// UndoRejection restarts a rejected request from the first step.
func UndoRejection(req domain.ApprovalRequest) (domain.ApprovalRequest, error) {
	if req.Status != domain.StatusRejected {
		return req, StateError{Action: "cancel the rejection of", Status: req.Status}
	}
	return Restart(req, nil), nil
}

// Rechain moves an open request onto another site's chain. Completed steps that still fit
// are kept and the current step is clamped to the new length.
func Rechain(req domain.ApprovalRequest, site domain.Site) domain.ApprovalRequest {
	out := clone(req)
	slots := make([]*domain.ApprovalRecord, site.Steps)
	copy(slots, out.Approvals)
	out.Approvals = slots
	out.Approvers = append([]string(nil), site.Approvers...)
	out.TotalSteps = site.Steps
	out.SiteID = site.ID
	out.SiteName = site.Name
	if out.CurrentStep > out.TotalSteps {
		out.CurrentStep = out.TotalSteps
	}
	for i := out.CurrentStep; i < len(out.Approvals); i++ {
		out.Approvals[i] = nil
	}
	out.Status = progressStatus(out.CurrentStep, out.TotalSteps)
	return out
}

// CheckInvariants verifies the structural rules every stored request obeys.
func CheckInvariants(req domain.ApprovalRequest) error {
	if req.CurrentStep < 0 || req.CurrentStep > req.TotalSteps {
		return fmt.Errorf("current step %d outside 0..%d", req.CurrentStep, req.TotalSteps)
	}
	if len(req.Approvals) != req.TotalSteps {
		return fmt.Errorf("%d approval slots for %d steps", len(req.Approvals), req.TotalSteps)
	}
	if len(req.Approvers) != req.TotalSteps {
		return fmt.Errorf("%d approvers for %d steps", len(req.Approvers), req.TotalSteps)
	}
	switch req.Status {
	case domain.StatusPending, domain.StatusProcessing, domain.StatusApproved:
		for i := 0; i < req.CurrentStep; i++ {
			if rec := req.Approvals[i]; rec == nil || rec.Status != domain.RecordApproved {
				return fmt.Errorf("step %d below current step is not approved", i+1)
			}
		}
		if want := progressStatus(req.CurrentStep, req.TotalSteps); req.Status != want {
			return fmt.Errorf("status %s at step %d of %d, want %s", req.Status, req.CurrentStep, req.TotalSteps, want)
		}
	case domain.StatusRejected:
		if strings.TrimSpace(req.RejectionReason) == "" {
			return fmt.Errorf("rejected without a reason")
		}
		if req.CurrentStep >= req.TotalSteps {
			return fmt.Errorf("rejected past the last step")
		}
		if rec := req.Approvals[req.CurrentStep]; rec == nil || rec.Status != domain.RecordRejected {
			return fmt.Errorf("rejected step %d holds no rejection", req.CurrentStep+1)
		}
	default:
		return fmt.Errorf("unknown status %q", req.Status)
	}
	return nil
}
