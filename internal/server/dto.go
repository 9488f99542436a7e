package server

import (
	"sitesign/internal/domain"
	"sitesign/internal/engine"
	"sitesign/internal/engine/auth"
)

// Request payloads

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password" minLength:"4"`
	Name     string `json:"name"`
	Role     string `json:"role" example:"site"`
	Phone    string `json:"phone,omitempty"`
	Email    string `json:"email,omitempty"`
}

type PasswordChangeRequest struct {
	Current string `json:"current_password"`
	New     string `json:"new_password" minLength:"4"`
}

type CreateSiteRequest struct {
	ID        string   `json:"id,omitempty"`
	Name      string   `json:"name"`
	Location  string   `json:"location,omitempty"`
	Manager   string   `json:"manager,omitempty"`
	Approvers []string `json:"approvers" minItems:"1" maxItems:"10"`
}

type UpdateSiteRequest struct {
	Name      *string  `json:"name,omitempty"`
	Location  *string  `json:"location,omitempty"`
	Manager   *string  `json:"manager,omitempty"`
	Approvers []string `json:"approvers,omitempty" maxItems:"10"`
}

type SubmitRequest struct {
	Title      string             `json:"title"`
	Content    string             `json:"content,omitempty"`
	SiteID     string             `json:"site_id"`
	AuthorName string             `json:"author_name,omitempty"`
	Attachment *domain.Attachment `json:"attachment,omitempty"`
}

type ActionRequest struct {
	ExpectedVersion int `json:"expected_version,omitempty"`
}

type ApproveRequest struct {
	ExpectedVersion int  `json:"expected_version,omitempty"`
	SkipFirstStep   bool `json:"skip_first_step,omitempty"`
}

type RejectRequest struct {
	ExpectedVersion int    `json:"expected_version,omitempty"`
	Reason          string `json:"reason"`
}

type EditRequest struct {
	ExpectedVersion int                `json:"expected_version,omitempty"`
	Title           *string            `json:"title,omitempty"`
	Content         *string            `json:"content,omitempty"`
	SiteID          *string            `json:"site_id,omitempty"`
	AuthorName      *string            `json:"author_name,omitempty"`
	Attachment      *domain.Attachment `json:"attachment,omitempty"`
	ClearAttachment bool               `json:"clear_attachment,omitempty"`
}

type UpdateUserRequest struct {
	Name  *string `json:"name,omitempty"`
	Phone *string `json:"phone,omitempty"`
	Email *string `json:"email,omitempty"`
	Role  *string `json:"role,omitempty"`
}

type DeclineRequest struct {
	Reason string `json:"reason,omitempty"`
}

type BroadcastRequest struct {
	Title   string `json:"title"`
	Message string `json:"message,omitempty"`
}

// Response payloads

type LoginResponse struct {
	Token     string      `json:"token"`
	ExpiresAt string      `json:"expires_at" format:"date-time"`
	User      domain.User `json:"user"`
}

type MeResponse struct {
	User    domain.User   `json:"user"`
	Actions []auth.Action `json:"actions"`
	Unread  int           `json:"unread_notifications"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type ImportResponse = engine.ImportResult

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}

func expected(body *ActionRequest) int {
	if body == nil {
		return 0
	}
	return body.ExpectedVersion
}
