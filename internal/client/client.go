// Package client maps document-session operations onto the document service's
// REST surface and normalizes its failures into docerr kinds.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jun/doclock/internal/auth"
	"github.com/jun/doclock/internal/correlation"
	"github.com/jun/doclock/internal/docerr"
	"github.com/jun/doclock/internal/model"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// DefaultScopes are requested from the credential provider when none are configured.
var DefaultScopes = []string{"documents.readwrite"}

const maxBodyBytes = 1 << 20

// Operation names used in errors and logs.
const (
	OpFetchViewInfo = "fetch_view_info"
	OpCheckout      = "checkout"
	OpCheckin       = "checkin"
	OpDiscard       = "discard"
	OpDelete        = "delete"
)

// Client is the RemoteDocumentClient. It holds no per-document state.
type Client struct {
	baseURL string
	http    *http.Client
	creds   auth.CredentialProvider
	scopes  []string
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient supplies the HTTP client used for requests.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithScopes overrides the scopes requested for the bearer credential.
func WithScopes(scopes ...string) Option {
	return func(c *Client) {
		c.scopes = append([]string(nil), scopes...)
	}
}

// WithLogger supplies a logger for request diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New creates a Client for the service at baseURL.
func New(baseURL string, creds auth.CredentialProvider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		creds:  creds,
		scopes: DefaultScopes,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchViewInfo returns the preview URL, document info and current lock status.
// It never mutates remote state.
func (c *Client) FetchViewInfo(ctx context.Context, h model.DocumentHandle) (*model.ViewInfo, error) {
	var out previewURLBody
	if err := c.do(ctx, OpFetchViewInfo, http.MethodGet, h, "/preview-url", nil, &out); err != nil {
		return nil, err
	}
	d := out.DocumentInfo
	info := &model.ViewInfo{
		PreviewURL: out.PreviewURL,
		Document: model.DocumentInfo{
			ID:       d.ID,
			Name:     d.Name,
			MIMEType: d.MIMEType,
			Size:     d.Size,
			Version:  d.Version,
		},
	}
	if ts := parseTime(d.ModifiedTime); ts != nil {
		info.Document.ModifiedTime = *ts
	}
	if st := out.CheckoutStatus; st != nil && st.IsCheckedOut {
		info.Lock = model.LockStatus{
			IsLocked:       true,
			LockedBy:       parseHolder(st.CheckedOutBy),
			LockedAt:       parseTime(st.CheckedOutAt),
			IsHeldByCaller: st.IsCurrentUser,
		}
	}
	return info, nil
}

// Checkout acquires the edit lock. A held lock yields KindLockConflict with
// the holder's identity and lock time.
func (c *Client) Checkout(ctx context.Context, h model.DocumentHandle) (*model.CheckoutResult, error) {
	var out checkoutBody
	if err := c.do(ctx, OpCheckout, http.MethodPost, h, "/checkout", nil, &out); err != nil {
		return nil, err
	}
	res := &model.CheckoutResult{EditURL: out.EditURL, Version: out.VersionNumber}
	if ts := parseTime(out.CheckedOutAt); ts != nil {
		res.LockedAt = *ts
	}
	return res, nil
}

// CheckIn commits the caller's edits as a new version and releases the lock.
// The server may still answer KindNotCheckedOut if the lock was lost.
func (c *Client) CheckIn(ctx context.Context, h model.DocumentHandle, comment string) (*model.CheckinResult, error) {
	var out model.CheckinResponse
	body := model.CheckinRequest{Comment: comment}
	if err := c.do(ctx, OpCheckin, http.MethodPost, h, "/checkin", body, &out); err != nil {
		return nil, err
	}
	return &model.CheckinResult{NewVersion: out.NewVersionNumber, PreviewURL: out.PreviewURL}, nil
}

// Discard releases the lock without persisting edits.
func (c *Client) Discard(ctx context.Context, h model.DocumentHandle) (*model.DiscardResult, error) {
	var out model.StatusResponse
	if err := c.do(ctx, OpDiscard, http.MethodPost, h, "/discard", nil, &out); err != nil {
		return nil, err
	}
	return &model.DiscardResult{Success: out.Success, Message: out.Message}, nil
}

// Delete removes the document. A locked document yields KindLockConflict.
func (c *Client) Delete(ctx context.Context, h model.DocumentHandle) (*model.DeleteResult, error) {
	var out model.StatusResponse
	if err := c.do(ctx, OpDelete, http.MethodDelete, h, "", nil, &out); err != nil {
		return nil, err
	}
	return &model.DeleteResult{Success: out.Success, Message: out.Message}, nil
}

// do performs one request. All failures are returned as *docerr.Error.
func (c *Client) do(ctx context.Context, op, method string, h model.DocumentHandle, suffix string, payload, out any) error {
	ctx, cid := correlation.Ensure(ctx)
	if strings.TrimSpace(string(h)) == "" {
		return &docerr.Error{Kind: docerr.KindInvalidID, Op: op, Code: model.CodeInvalidID, Detail: "empty document handle", CorrelationID: cid}
	}
	path := c.baseURL + "/documents/" + url.PathEscape(string(h)) + suffix
	logger := c.logger.With("op", op, "document", string(h), "cid", cid)

	token, err := c.creds.AccessToken(ctx, c.scopes)
	if err != nil {
		logger.Warn("client.auth.error", "error", err)
		return &docerr.Error{Kind: docerr.KindAuth, Op: op, Err: err, CorrelationID: cid}
	}

	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return &docerr.Error{Kind: docerr.KindServer, Op: op, Detail: "encode request", Err: err, CorrelationID: cid}
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, path, body)
	if err != nil {
		return &docerr.Error{Kind: docerr.KindNetwork, Op: op, Err: err, CorrelationID: cid}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(correlation.Header, cid)
	req.Header.Set("Accept", "application/json, application/problem+json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	logger.Debug("client.http.start", "method", method, "path", path)
	rsp, err := c.http.Do(req)
	if err != nil {
		logger.Warn("client.http.transport_error", "error", err)
		return &docerr.Error{Kind: docerr.KindNetwork, Op: op, Err: err, CorrelationID: cid}
	}
	defer rsp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(rsp.Body, maxBodyBytes))
	if err != nil {
		return &docerr.Error{Kind: docerr.KindNetwork, Op: op, Status: rsp.StatusCode, Err: err, CorrelationID: cid}
	}

	if rsp.StatusCode < 200 || rsp.StatusCode > 299 {
		e := classify(op, rsp.StatusCode, rsp.Status, raw)
		e.CorrelationID = cid
		logger.Warn("client.http.error", "status", rsp.StatusCode, "kind", e.Kind.String(), "code", e.Code)
		return e
	}
	if out != nil && len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return &docerr.Error{Kind: docerr.KindServer, Op: op, Status: rsp.StatusCode, Detail: "malformed response body", Err: err, CorrelationID: cid}
		}
	}
	logger.Debug("client.http.success", "status", rsp.StatusCode)
	return nil
}

// Success bodies are decoded leniently: holders may be objects or bare names
// and timestamps may lack a zone. A granted lock must never fail to decode.
type documentBody struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	MIMEType     string `json:"mimeType"`
	Size         int64  `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
	Version      int64  `json:"versionNumber"`
}

type checkoutStatusBody struct {
	IsCheckedOut  bool            `json:"isCheckedOut"`
	CheckedOutBy  json.RawMessage `json:"checkedOutBy"`
	CheckedOutAt  string          `json:"checkedOutAt"`
	IsCurrentUser bool            `json:"isCurrentUser"`
}

type previewURLBody struct {
	PreviewURL     string              `json:"previewUrl"`
	DocumentInfo   documentBody        `json:"documentInfo"`
	CheckoutStatus *checkoutStatusBody `json:"checkoutStatus"`
}

type checkoutBody struct {
	EditURL       string `json:"editUrl"`
	CheckedOutAt  string `json:"checkedOutAt"`
	VersionNumber int64  `json:"versionNumber"`
}

// errorBody is a lenient view of problem documents and conflict bodies.
type errorBody struct {
	Title        string          `json:"title"`
	Detail       string          `json:"detail"`
	Code         string          `json:"code"`
	CheckedOutBy json.RawMessage `json:"checkedOutBy"`
	CheckedOutAt string          `json:"checkedOutAt"`
}

// classify maps a non-2xx response onto a docerr kind. A machine-readable
// code wins over the status; bodies that do not parse fall back to the
// transport status text.
func classify(op string, status int, statusLine string, raw []byte) *docerr.Error {
	e := &docerr.Error{Op: op, Status: status}

	var eb errorBody
	parsed := len(bytes.TrimSpace(raw)) > 0 && json.Unmarshal(raw, &eb) == nil
	if parsed {
		e.Code = eb.Code
		e.Detail = eb.Detail
		if e.Detail == "" {
			e.Detail = eb.Title
		}
	}
	if e.Detail == "" {
		e.Detail = statusText(status, statusLine)
	}

	switch e.Code {
	case model.CodeDocumentLocked:
		e.Kind = docerr.KindLockConflict
	case model.CodeNotCheckedOut:
		e.Kind = docerr.KindNotCheckedOut
	case model.CodeNotAuthorized:
		e.Kind = docerr.KindAuth
	case model.CodeInvalidID:
		e.Kind = docerr.KindInvalidID
	case model.CodeDocumentNotFound:
		e.Kind = docerr.KindNotFound
	case "":
		switch status {
		case http.StatusConflict:
			// A conflict is only trusted when its body is absent or readable.
			if !parsed && len(bytes.TrimSpace(raw)) > 0 {
				e.Kind = docerr.KindServer
			} else {
				e.Kind = docerr.KindLockConflict
			}
		case http.StatusUnauthorized, http.StatusForbidden:
			e.Kind = docerr.KindAuth
		case http.StatusNotFound:
			e.Kind = docerr.KindNotFound
		default:
			e.Kind = docerr.KindServer
		}
	default:
		e.Kind = docerr.KindServer
	}

	if e.Kind == docerr.KindLockConflict && parsed {
		e.Holder = parseHolder(eb.CheckedOutBy)
		e.LockedAt = parseTime(eb.CheckedOutAt)
	}
	return e
}

// parseHolder accepts either a user object or a bare display name.
func parseHolder(raw json.RawMessage) *model.UserRef {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	var ref model.UserRef
	if err := json.Unmarshal(raw, &ref); err == nil {
		return &ref
	}
	var name string
	if err := json.Unmarshal(raw, &name); err == nil && name != "" {
		return &model.UserRef{DisplayName: name}
	}
	return nil
}

// timeLayouts are tried in order; zone-less values are read as UTC.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// parseTime returns nil for empty or unrecognised timestamps.
func parseTime(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return &ts
		}
	}
	return nil
}

func statusText(status int, statusLine string) string {
	prefix := fmt.Sprintf("%d ", status)
	if text := strings.TrimPrefix(statusLine, prefix); text != "" && text != statusLine {
		return text
	}
	if text := http.StatusText(status); text != "" {
		return text
	}
	return statusLine
}
