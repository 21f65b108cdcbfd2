package envlinesdk

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

// Client is a minimal Envline HTTP API client for host applications.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Envelope represents the API envelope model (partial).
type Envelope struct {
	ID             string          `json:"id"`
	ReferenceCode  string          `json:"reference_code"`
	Driver         string          `json:"driver"`
	Status         string          `json:"status"`
	Payload        map[string]any  `json:"payload,omitempty"`
	PayloadVersion int             `json:"payload_version"`
	Gates          map[string]bool `json:"gates"`
	LockedAt       *string         `json:"locked_at,omitempty"`
	SettledAt      *string         `json:"settled_at,omitempty"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// ChecklistItem is one derived checklist row.
type ChecklistItem struct {
	Key      string `json:"key"`
	Label    string `json:"label,omitempty"`
	Kind     string `json:"kind"`
	Required bool   `json:"required"`
	Status   string `json:"status"`
}

// Attachment represents an uploaded document.
type Attachment struct {
	ID           string `json:"id"`
	EnvelopeID   string `json:"envelope_id"`
	DocType      string `json:"doc_type"`
	Filename     string `json:"original_filename"`
	MimeType     string `json:"mime_type"`
	Size         int64  `json:"size"`
	Hash         string `json:"hash,omitempty"`
	ReviewStatus string `json:"review_status"`
	CreatedAt    string `json:"created_at"`
}

// EnvelopeDetail is the full envelope view.
type EnvelopeDetail struct {
	Envelope
	Checklist   []ChecklistItem `json:"checklist"`
	Attachments []Attachment    `json:"attachments"`
}

// ContributionToken is a scoped external credential. Token is only set
// in the creation response.
type ContributionToken struct {
	ID         string  `json:"id"`
	EnvelopeID string  `json:"envelope_id"`
	Token      string  `json:"token,omitempty"`
	Label      string  `json:"label,omitempty"`
	ExpiresAt  *string `json:"expires_at,omitempty"`
	RevokedAt  *string `json:"revoked_at,omitempty"`
	UseCount   int     `json:"use_count"`
}

// AuditEntry is one audit trail row.
type AuditEntry struct {
	ID        int64  `json:"id"`
	Action    string `json:"action"`
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id,omitempty"`
	CreatedAt string `json:"created_at"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEnvelopes wraps list responses with cursors.
type PaginatedEnvelopes struct {
	Items      []Envelope `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// CreateEnvelope opens a settlement envelope against a driver.
func (c *Client) CreateEnvelope(ctx context.Context, referenceCode, driver string, payload map[string]any) (Envelope, error) {
	body := map[string]any{
		"reference_code": referenceCode,
		"driver":         driver,
	}
	if payload != nil {
		body["payload"] = payload
	}
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes", body, &resp)
	return resp, err
}

// GetEnvelope fetches the full envelope view.
func (c *Client) GetEnvelope(ctx context.Context, id string) (EnvelopeDetail, error) {
	var resp EnvelopeDetail
	err := c.do(ctx, http.MethodGet, "v1/envelopes/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GetEnvelopeByReference looks an envelope up by its host reference.
func (c *Client) GetEnvelopeByReference(ctx context.Context, referenceCode string) (EnvelopeDetail, error) {
	var resp EnvelopeDetail
	err := c.do(ctx, http.MethodGet, "v1/envelopes/reference/"+url.PathEscape(referenceCode), nil, &resp)
	return resp, err
}

// ListEnvelopes returns one page of envelopes, newest first.
func (c *Client) ListEnvelopes(ctx context.Context, status string, limit int, cursor string) (PaginatedEnvelopes, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v1/envelopes"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEnvelopes
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// PatchPayload merges a payload patch and returns the new version.
func (c *Client) PatchPayload(ctx context.Context, id string, patch map[string]any) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPatch, "v1/envelopes/"+url.PathEscape(id)+"/payload", map[string]any{"patch": patch}, &resp)
	return resp, err
}

// PatchContext merges a host context patch.
func (c *Client) PatchContext(ctx context.Context, id string, patch map[string]any) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPatch, "v1/envelopes/"+url.PathEscape(id)+"/context", map[string]any{"patch": patch}, &resp)
	return resp, err
}

// UploadAttachment uploads document content for a declared type.
func (c *Client) UploadAttachment(ctx context.Context, envelopeID, docType, filename, mimeType string, content []byte) (Attachment, error) {
	body := map[string]any{
		"doc_type":  docType,
		"filename":  filename,
		"mime_type": mimeType,
		"content":   content,
	}
	var resp Attachment
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/attachments", body, &resp)
	return resp, err
}

// ReviewAttachment accepts or rejects an upload.
func (c *Client) ReviewAttachment(ctx context.Context, attachmentID, decision, reason string) (Attachment, error) {
	var resp Attachment
	err := c.do(ctx, http.MethodPost, "v1/attachments/"+url.PathEscape(attachmentID)+"/review", map[string]any{
		"decision": decision,
		"reason":   reason,
	}, &resp)
	return resp, err
}

// SetSignal sets a host-sourced signal value.
func (c *Client) SetSignal(ctx context.Context, envelopeID, key string, value any) (Envelope, error) {
	var resp Envelope
	endpoint := "v1/envelopes/" + url.PathEscape(envelopeID) + "/signals/" + url.PathEscape(key)
	err := c.do(ctx, http.MethodPut, endpoint, map[string]any{"value": value}, &resp)
	return resp, err
}

// Lock freezes a ready envelope.
func (c *Client) Lock(ctx context.Context, envelopeID string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/lock", nil, &resp)
	return resp, err
}

// Settle marks a locked envelope settled.
func (c *Client) Settle(ctx context.Context, envelopeID string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/settle", nil, &resp)
	return resp, err
}

// Reopen reverts a locked envelope for corrections.
func (c *Client) Reopen(ctx context.Context, envelopeID, reason string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/reopen", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Cancel abandons an envelope.
func (c *Client) Cancel(ctx context.Context, envelopeID, reason string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/cancel", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Reject declines an envelope.
func (c *Client) Reject(ctx context.Context, envelopeID, reason string) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/reject", map[string]any{"reason": reason}, &resp)
	return resp, err
}

// Attest records or revokes a named attestation.
func (c *Client) Attest(ctx context.Context, envelopeID, key string, accepted bool) (Envelope, error) {
	var resp Envelope
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/attest", map[string]any{
		"key":      key,
		"accepted": accepted,
	}, &resp)
	return resp, err
}

// CreateToken issues a contribution token for an envelope.
func (c *Client) CreateToken(ctx context.Context, envelopeID, label string) (ContributionToken, error) {
	var resp ContributionToken
	err := c.do(ctx, http.MethodPost, "v1/envelopes/"+url.PathEscape(envelopeID)+"/tokens", map[string]any{"label": label}, &resp)
	return resp, err
}

// ListTokens returns an envelope's contribution tokens, without secrets.
func (c *Client) ListTokens(ctx context.Context, envelopeID string) ([]ContributionToken, error) {
	var resp []ContributionToken
	err := c.do(ctx, http.MethodGet, "v1/envelopes/"+url.PathEscape(envelopeID)+"/tokens", nil, &resp)
	return resp, err
}

// RevokeToken invalidates a contribution token.
func (c *Client) RevokeToken(ctx context.Context, tokenID string) error {
	return c.do(ctx, http.MethodDelete, "v1/tokens/"+url.PathEscape(tokenID), nil, nil)
}

// Audit returns the audit trail for an envelope.
func (c *Client) Audit(ctx context.Context, envelopeID string, limit int) ([]AuditEntry, error) {
	endpoint := "v1/envelopes/" + url.PathEscape(envelopeID) + "/audit"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []AuditEntry
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Gates recomputes and returns the gate map.
func (c *Client) Gates(ctx context.Context, envelopeID string) (map[string]bool, error) {
	var resp map[string]bool
	err := c.do(ctx, http.MethodGet, "v1/envelopes/"+url.PathEscape(envelopeID)+"/gates", nil, &resp)
	return resp, err
}

// Session is a short-lived contributor session.
type Session struct {
	SessionToken string `json:"session_token"`
	EnvelopeID   string `json:"envelope_id"`
	ExpiresAt    string `json:"expires_at"`
}

// ContributeView is the restricted envelope view a contributor sees.
type ContributeView struct {
	ReferenceCode string          `json:"reference_code"`
	Status        string          `json:"status"`
	CanEdit       bool            `json:"can_edit"`
	Label         string          `json:"label,omitempty"`
	Payload       map[string]any  `json:"payload,omitempty"`
	Checklist     []ChecklistItem `json:"checklist"`
	Attachments   []Attachment    `json:"attachments"`
}

// ContributeSession exchanges an opaque contribution token for a session.
// Use the returned session token as BearerToken on a fresh client for the
// contribute calls below.
func (c *Client) ContributeSession(ctx context.Context, token, password string) (Session, error) {
	body := map[string]any{"token": token}
	if password != "" {
		body["password"] = password
	}
	var resp Session
	err := c.do(ctx, http.MethodPost, "v1/contribute/session", body, &resp)
	return resp, err
}

// ContributeEnvelope fetches the contributor view of the envelope.
func (c *Client) ContributeEnvelope(ctx context.Context) (ContributeView, error) {
	var resp ContributeView
	err := c.do(ctx, http.MethodGet, "v1/contribute/envelope", nil, &resp)
	return resp, err
}

// ContributePatchPayload merges a payload patch as the contributor.
func (c *Client) ContributePatchPayload(ctx context.Context, patch map[string]any) (ContributeView, error) {
	var resp ContributeView
	err := c.do(ctx, http.MethodPatch, "v1/contribute/payload", map[string]any{"patch": patch}, &resp)
	return resp, err
}

// ContributeUpload uploads a document as the contributor.
func (c *Client) ContributeUpload(ctx context.Context, docType, filename, mimeType string, content []byte) (Attachment, error) {
	body := map[string]any{
		"doc_type":  docType,
		"filename":  filename,
		"mime_type": mimeType,
		"content":   content,
	}
	var resp Attachment
	err := c.do(ctx, http.MethodPost, "v1/contribute/attachments", body, &resp)
	return resp, err
}

// ContributeDeleteAttachment removes a still-pending upload.
func (c *Client) ContributeDeleteAttachment(ctx context.Context, attachmentID string) error {
	return c.do(ctx, http.MethodDelete, "v1/contribute/attachments/"+url.PathEscape(attachmentID), nil, nil)
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
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
