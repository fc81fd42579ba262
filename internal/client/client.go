// Package client is a typed HTTP client for the consultation backend.
//
// Every call attaches the session token from the injected auth.TokenProvider
// and maps failures onto the consultation error taxonomy: transport failures
// wrap ErrNetwork, 401 responses wrap ErrAuth, other non-2xx responses are
// *consultation.BackendError.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/consultation"
)

const (
	pathDoctorsAvailable = "/auth/doctor/available/"
	pathStart            = "/consultations/start/"
	pathConsultations    = "/consultations/"
	pathStatus           = "/consultations/status/"
)

type StartResult struct {
	ConsultationID consultation.ID      `json:"consultation_id"`
	MeetingID      string               `json:"meeting_id,omitempty"`
	Doctor         *consultation.Doctor `json:"doctor,omitempty"`
}

// StatusQuery identifies the consultation being polled. MeetingID is
// preferred; ConsultationID is used until a meeting has been minted.
type StatusQuery struct {
	MeetingID      string
	ConsultationID consultation.ID
}

type StatusResult struct {
	Status    consultation.Status `json:"status"`
	MeetingID string              `json:"meeting_id,omitempty"`
}

type Client struct {
	baseURL string
	scheme  string
	tokens  auth.TokenProvider
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithScheme sets the Authorization scheme. The backend expects "Token".
func WithScheme(scheme string) Option {
	return func(c *Client) { c.scheme = scheme }
}

func New(baseURL string, tokens auth.TokenProvider, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		scheme:  "Token",
		tokens:  tokens,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) ListAvailableDoctors(ctx context.Context) ([]consultation.Doctor, error) {
	var resp struct {
		Doctors []consultation.Doctor `json:"doctors"`
	}
	if err := c.do(ctx, http.MethodGet, pathDoctorsAvailable, nil, &resp); err != nil {
		return nil, fmt.Errorf("list available doctors: %w", err)
	}
	if resp.Doctors == nil {
		resp.Doctors = []consultation.Doctor{}
	}
	return resp.Doctors, nil
}

func (c *Client) StartConsultation(ctx context.Context, doctorID consultation.ID) (StartResult, error) {
	if doctorID.Empty() {
		return StartResult{}, consultation.Validationf("a doctor must be selected")
	}

	body := map[string]consultation.ID{"doctor_id": doctorID}
	var res StartResult
	if err := c.do(ctx, http.MethodPost, pathStart, body, &res); err != nil {
		return StartResult{}, fmt.Errorf("start consultation: %w", err)
	}
	if res.ConsultationID.Empty() && res.MeetingID == "" {
		return StartResult{}, fmt.Errorf("start consultation: %w", &consultation.BackendError{
			StatusCode: http.StatusOK,
			Code:       "invalid_response",
			Details:    "response carries neither consultation_id nor meeting_id",
		})
	}
	return res, nil
}

func (c *Client) FetchConsultations(ctx context.Context) ([]consultation.Consultation, error) {
	list := []consultation.Consultation{}
	if err := c.do(ctx, http.MethodGet, pathConsultations, nil, &list); err != nil {
		return nil, fmt.Errorf("fetch consultations: %w", err)
	}
	return list, nil
}

func (c *Client) FetchStatus(ctx context.Context, q StatusQuery) (StatusResult, error) {
	params := url.Values{}
	switch {
	case q.MeetingID != "":
		params.Set("meeting_id", q.MeetingID)
	case !q.ConsultationID.Empty():
		params.Set("consultation_id", q.ConsultationID.String())
	default:
		return StatusResult{}, consultation.Validationf("status query needs a meeting or consultation id")
	}

	var res StatusResult
	if err := c.do(ctx, http.MethodGet, pathStatus+"?"+params.Encode(), nil, &res); err != nil {
		return StatusResult{}, fmt.Errorf("fetch status: %w", err)
	}
	return res, nil
}

func (c *Client) Accept(ctx context.Context, id consultation.ID) (string, error) {
	var res struct {
		MeetingID string `json:"meeting_id"`
	}
	if err := c.do(ctx, http.MethodPost, actionPath(id, "accept"), struct{}{}, &res); err != nil {
		return "", fmt.Errorf("accept consultation %s: %w", id, err)
	}
	return res.MeetingID, nil
}

func (c *Client) Reject(ctx context.Context, id consultation.ID) error {
	if err := c.do(ctx, http.MethodPost, actionPath(id, "reject"), struct{}{}, nil); err != nil {
		return fmt.Errorf("reject consultation %s: %w", id, err)
	}
	return nil
}

// NotifyPatient asks the backend to tell the patient the doctor is joining
// and returns the meeting id both parties should use.
func (c *Client) NotifyPatient(ctx context.Context, id consultation.ID) (string, error) {
	var res struct {
		MeetingID string `json:"meeting_id"`
	}
	if err := c.do(ctx, http.MethodPost, actionPath(id, "notify-patient"), struct{}{}, &res); err != nil {
		return "", fmt.Errorf("notify patient of consultation %s: %w", id, err)
	}
	return res.MeetingID, nil
}

// Complete ends an ongoing consultation.
func (c *Client) Complete(ctx context.Context, id consultation.ID) error {
	if err := c.do(ctx, http.MethodPost, actionPath(id, "complete"), struct{}{}, nil); err != nil {
		return fmt.Errorf("complete consultation %s: %w", id, err)
	}
	return nil
}

func actionPath(id consultation.ID, action string) string {
	return fmt.Sprintf("/consultations/%s/%s/", url.PathEscape(id.String()), action)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", consultation.ErrAuth, err)
	}

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.scheme+" "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("%w: %v", consultation.ErrNetwork, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", consultation.ErrNetwork, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: backend returned 401", consultation.ErrAuth)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeBackendError(resp.StatusCode, data)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &consultation.BackendError{
			StatusCode: resp.StatusCode,
			Code:       "invalid_response",
			Details:    err.Error(),
		}
	}
	return nil
}

func decodeBackendError(status int, data []byte) error {
	be := &consultation.BackendError{StatusCode: status}

	var payload struct {
		Error   string `json:"error"`
		Details string `json:"details"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		be.Code = payload.Error
		be.Details = payload.Details
		if be.Details == "" {
			be.Details = payload.Detail
		}
	} else if len(data) > 0 {
		be.Details = strings.TrimSpace(string(data))
	}
	return be
}

// IsAuth reports whether err should send the user back to login rather than
// being retried.
func IsAuth(err error) bool {
	return errors.Is(err, consultation.ErrAuth)
}
