package domain

// Status is the lifecycle state of an approval request.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusApproved   Status = "approved"
	StatusRejected   Status = "rejected"
)

// Open reports whether the request still waits for a step decision.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusProcessing
}

type RecordStatus string

const (
	RecordApproved RecordStatus = "approved"
	RecordRejected RecordStatus = "rejected"
)

// ApprovalRecord is the outcome written into one step slot.
type ApprovalRecord struct {
	Approver   string       `json:"approver"`
	ApproverID string       `json:"approver_id,omitempty"`
	Status     RecordStatus `json:"status" enum:"approved,rejected"`
	ApprovedAt string       `json:"approved_at,omitempty" format:"date-time"`
	RejectedAt string       `json:"rejected_at,omitempty" format:"date-time"`
	Reason     string       `json:"reason,omitempty"`
	Skipped    bool         `json:"skipped,omitempty"`
}

type Attachment struct {
	Name    string `json:"name"`
	DataURL string `json:"data_url"`
}

type ApprovalRequest struct {
	ID                string            `json:"id"`
	ApprovalNumber    string            `json:"approval_number"`
	Title             string            `json:"title"`
	Content           string            `json:"content,omitempty"`
	AuthorID          string            `json:"author_id"`
	AuthorName        string            `json:"author_name,omitempty"`
	SiteID            string            `json:"site_id"`
	SiteName          string            `json:"site_name"`
	Attachment        *Attachment       `json:"attachment,omitempty"`
	TotalSteps        int               `json:"total_steps"`
	Approvers         []string          `json:"approvers"`
	CurrentStep       int               `json:"current_step"`
	Approvals         []*ApprovalRecord `json:"approvals"`
	Status            Status            `json:"status" enum:"pending,processing,approved,rejected"`
	RejectedAt        string            `json:"rejected_at,omitempty" format:"date-time"`
	RejectionReason   string            `json:"rejection_reason,omitempty"`
	CreatedAt         string            `json:"created_at" format:"date-time"`
	UpdatedAt         string            `json:"updated_at,omitempty" format:"date-time"`
	OriginalCreatedAt string            `json:"original_created_at,omitempty" format:"date-time"`
	Version           int               `json:"version"`
}

// SkippedSteps counts slots of r that were bypassed rather than approved.
func SkippedSteps(r ApprovalRequest) int {
	n := 0
	for _, rec := range r.Approvals {
		if rec != nil && rec.Skipped {
			n++
		}
	}
	return n
}

// DisplayStep is the 1-based step shown to users.
func DisplayStep(r ApprovalRequest) int {
	return r.CurrentStep + 1
}

// DeletedApproval and DeletedUser embed their live types, which therefore carry no methods.
type DeletedApproval struct {
	ApprovalRequest
	DeletedAt string `json:"deleted_at" format:"date-time"`
	DeletedBy string `json:"deleted_by"`
}

// Site is the approval-chain template requests snapshot at submission.
type Site struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Location  string   `json:"location,omitempty"`
	Manager   string   `json:"manager,omitempty"`
	Steps     int      `json:"steps"`
	Approvers []string `json:"approvers"`
	CreatedAt string   `json:"created_at" format:"date-time"`
	UpdatedAt string   `json:"updated_at,omitempty" format:"date-time"`
}

type User struct {
	Username     string `json:"username"`
	PasswordHash string `json:"-"`
	Name         string `json:"name"`
	Role         Role   `json:"role" enum:"headquarters,site,other"`
	Phone        string `json:"phone,omitempty"`
	Email        string `json:"email,omitempty"`
	ApprovedAt   string `json:"approved_at,omitempty" format:"date-time"`
	ApprovedBy   string `json:"approved_by,omitempty"`
}

// DisplayName falls back to the login id when no name is registered.
func DisplayName(u User) string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

type DeletedUser struct {
	User
	DeletedAt string `json:"deleted_at" format:"date-time"`
	DeletedBy string `json:"deleted_by"`
}

type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// UserRequest is a self-service registration awaiting headquarters review.
type UserRequest struct {
	ID              string        `json:"id"`
	Username        string        `json:"username"`
	PasswordHash    string        `json:"-"`
	Name            string        `json:"name"`
	Role            Role          `json:"role" enum:"headquarters,site,other"`
	Phone           string        `json:"phone,omitempty"`
	Email           string        `json:"email,omitempty"`
	Status          RequestStatus `json:"status" enum:"pending,approved,rejected"`
	RequestedAt     string        `json:"requested_at" format:"date-time"`
	DecidedAt       string        `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy       string        `json:"decided_by,omitempty"`
	RejectionReason string        `json:"rejection_reason,omitempty"`
}

type NotificationType string

const (
	NotifyPending           NotificationType = "pending"
	NotifyApproved          NotificationType = "approved"
	NotifyRejected          NotificationType = "rejected"
	NotifyApprovalCancelled NotificationType = "approval_cancelled"
	NotifySystem            NotificationType = "system"
)

type Notification struct {
	ID         string           `json:"id"`
	Type       NotificationType `json:"type" enum:"pending,approved,rejected,approval_cancelled,system"`
	Title      string           `json:"title"`
	Message    string           `json:"message"`
	ApprovalID string           `json:"approval_id,omitempty"`
	UserID     string           `json:"user_id,omitempty"`
	Read       bool             `json:"read"`
	CreatedAt  string           `json:"created_at" format:"date-time"`
}

// VisibleTo reports whether the notification is addressed to username or broadcast.
func (n Notification) VisibleTo(username string) bool {
	return n.UserID == "" || n.UserID == username
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
