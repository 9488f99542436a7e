package sitesignsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal SiteSign HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client for an API root such as http://host:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// ApprovalRecord is one decided step.
type ApprovalRecord struct {
	Approver   string `json:"approver"`
	ApproverID string `json:"approver_id,omitempty"`
	Status     string `json:"status"`
	ApprovedAt string `json:"approved_at,omitempty"`
	RejectedAt string `json:"rejected_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
	Skipped    bool   `json:"skipped,omitempty"`
}

// Approval is the API approval request model.
type Approval struct {
	ID              string            `json:"id"`
	ApprovalNumber  string            `json:"approval_number"`
	Title           string            `json:"title"`
	Content         string            `json:"content,omitempty"`
	AuthorID        string            `json:"author_id"`
	AuthorName      string            `json:"author_name,omitempty"`
	SiteID          string            `json:"site_id"`
	SiteName        string            `json:"site_name"`
	TotalSteps      int               `json:"total_steps"`
	Approvers       []string          `json:"approvers"`
	CurrentStep     int               `json:"current_step"`
	Approvals       []*ApprovalRecord `json:"approvals"`
	Status          string            `json:"status"`
	RejectionReason string            `json:"rejection_reason,omitempty"`
	CreatedAt       string            `json:"created_at"`
	Version         int               `json:"version"`
}

type Notification struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Title      string `json:"title"`
	Message    string `json:"message"`
	ApprovalID string `json:"approval_id,omitempty"`
	Read       bool   `json:"read"`
	CreatedAt  string `json:"created_at"`
}

type User struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

// SubmitInput describes a new request.
type SubmitInput struct {
	Title      string `json:"title"`
	Content    string `json:"content,omitempty"`
	SiteID     string `json:"site_id"`
	AuthorName string `json:"author_name,omitempty"`
}

// ListFilter narrows ListApprovals. Zero fields are ignored.
type ListFilter struct {
	Status string
	SiteID string
	Query  string
	Limit  int
}

// APIError wraps non-2xx responses. Code and Message come from the error envelope when
// the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Login exchanges credentials for a token and keeps it on the client.
func (c *Client) Login(ctx context.Context, username, password string) (User, error) {
	var resp struct {
		Token string `json:"token"`
		User  User   `json:"user"`
	}
	body := map[string]string{"username": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "auth/login", body, &resp); err != nil {
		return User{}, err
	}
	c.BearerToken = resp.Token
	return resp.User, nil
}

// Submit files a new approval request.
func (c *Client) Submit(ctx context.Context, in SubmitInput) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, "approvals", in, &resp)
	return resp, err
}

// Approve decides the current step. expectedVersion 0 skips the version check.
func (c *Client) Approve(ctx context.Context, id string, expectedVersion int) (Approval, error) {
	return c.action(ctx, id, "approve", map[string]any{"expected_version": expectedVersion})
}

// Reject rejects the current step with a reason.
func (c *Client) Reject(ctx context.Context, id, reason string, expectedVersion int) (Approval, error) {
	return c.action(ctx, id, "reject", map[string]any{"reason": reason, "expected_version": expectedVersion})
}

func (c *Client) CancelApproval(ctx context.Context, id string, expectedVersion int) (Approval, error) {
	return c.action(ctx, id, "cancel-approval", map[string]any{"expected_version": expectedVersion})
}

func (c *Client) CancelRejection(ctx context.Context, id string, expectedVersion int) (Approval, error) {
	return c.action(ctx, id, "cancel-rejection", map[string]any{"expected_version": expectedVersion})
}

func (c *Client) action(ctx context.Context, id, verb string, body any) (Approval, error) {
	var resp Approval
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("approvals/%s/%s", url.PathEscape(id), verb), body, &resp)
	return resp, err
}

// ListApprovals returns the requests visible to the caller.
func (c *Client) ListApprovals(ctx context.Context, f ListFilter) ([]Approval, error) {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	if f.SiteID != "" {
		q.Set("site_id", f.SiteID)
	}
	if f.Query != "" {
		q.Set("q", f.Query)
	}
	if f.Limit > 0 {
		q.Set("limit", fmt.Sprint(f.Limit))
	}
	endpoint := "approvals"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Approval
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Notifications lists the caller's inbox, newest first.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool) ([]Notification, error) {
	endpoint := "notifications"
	if unreadOnly {
		endpoint += "?unread=true"
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MarkAllRead returns how many notifications changed.
func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var resp struct {
		Count int `json:"count"`
	}
	err := c.do(ctx, http.MethodPost, "notifications/read-all", nil, &resp)
	return resp.Count, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
