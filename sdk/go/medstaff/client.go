// Package medstaff is a typed client for the MedStaff REST API.
package medstaff

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
const DefaultHTTPTimeout = 15 * time.Second

// ErrNoToken is returned by authenticated calls made before Login.
var ErrNoToken = errors.New("medstaff: access token is not set")

// Client wraps the HTTP interactions with the MedStaff API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
}

// Token is the pair issued by /auth/token.
type Token struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int64  `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type"`
}

// Page is a listing envelope.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// Lead is a CRM pipeline entry.
type Lead struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Company    string `json:"company"`
	Email      string `json:"email"`
	Phone      string `json:"phone"`
	Source     string `json:"source"`
	ValueCents int64  `json:"value_cents"`
	Stage      string `json:"stage"`
	OwnerID    string `json:"owner_id"`
	Notes      string `json:"notes"`
	ContractID string `json:"contract_id,omitempty"`
	CreatedAt  int64  `json:"created_at"`
	UpdatedAt  int64  `json:"updated_at"`
}

// LeadInput creates a lead.
type LeadInput struct {
	Name       string `json:"name"`
	Company    string `json:"company,omitempty"`
	Email      string `json:"email,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Source     string `json:"source,omitempty"`
	ValueCents int64  `json:"value_cents,omitempty"`
	OwnerID    string `json:"owner_id,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// LeadQuery filters ListLeads.
type LeadQuery struct {
	Stages []string
	Query  string
	Limit  int
	Offset int
}

// Irregularity is one detector finding on a time record.
type Irregularity struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

// TimeRecord is one employee's clock entries for a day.
type TimeRecord struct {
	ID             string         `json:"id"`
	EmployeeID     string         `json:"employee_id"`
	Date           string         `json:"date"`
	ClockIn        string         `json:"clock_in,omitempty"`
	LunchStart     string         `json:"lunch_start,omitempty"`
	LunchEnd       string         `json:"lunch_end,omitempty"`
	ClockOut       string         `json:"clock_out,omitempty"`
	Notes          string         `json:"notes,omitempty"`
	Irregularities []Irregularity `json:"irregularities"`
	Status         string         `json:"status"`
	ReviewNote     string         `json:"review_note,omitempty"`
}

// TimeRecordInput registers a day of clock entries.
type TimeRecordInput struct {
	EmployeeID string `json:"employee_id"`
	Date       string `json:"date"`
	ClockIn    string `json:"clock_in,omitempty"`
	LunchStart string `json:"lunch_start,omitempty"`
	LunchEnd   string `json:"lunch_end,omitempty"`
	ClockOut   string `json:"clock_out,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

// TimeQuery filters ListTimeRecords.
type TimeQuery struct {
	EmployeeID    string
	From, To      string
	Statuses      []string
	OnlyIrregular bool
	Limit         int
	Offset        int
}

// Statement is one DRE in cents.
type Statement struct {
	ReceitaBruta         int64             `json:"receita_bruta"`
	Deducoes             int64             `json:"deducoes"`
	ReceitaLiquida       int64             `json:"receita_liquida"`
	Custos               int64             `json:"custos"`
	LucroBruto           int64             `json:"lucro_bruto"`
	DespesasOperacionais int64             `json:"despesas_operacionais"`
	ResultadoOperacional int64             `json:"resultado_operacional"`
	ResultadoFinanceiro  int64             `json:"resultado_financeiro"`
	ResultadoAntesIR     int64             `json:"resultado_antes_ir"`
	ImpostosSobreLucro   int64             `json:"impostos_sobre_lucro"`
	LucroLiquido         int64             `json:"lucro_liquido"`
	MargemLiquida        float64           `json:"margem_liquida"`
	Formatted            map[string]string `json:"formatted"`
}

// MonthStatement is the DRE of one competence month.
type MonthStatement struct {
	Competence string `json:"competence"`
	Statement
}

// DRE covers a competence range.
type DRE struct {
	From   string           `json:"from"`
	To     string           `json:"to"`
	Total  Statement        `json:"total"`
	Months []MonthStatement `json:"months"`
}

// Notification is an in-app notification.
type Notification struct {
	ID        string            `json:"id"`
	Kind      string            `json:"kind"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	ReadAt    int64             `json:"read_at,omitempty"`
	CreatedAt int64             `json:"created_at"`
}

// APIError is the error envelope returned by the server.
type APIError struct {
	StatusCode int               `json:"-"`
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Fields     map[string]string `json:"fields,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("medstaff api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("medstaff api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient builds a client for the API served at rawURL.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Login exchanges a username and password for tokens and keeps them.
func (c *Client) Login(ctx context.Context, username, password string) (Token, error) {
	return c.token(ctx, map[string]string{
		"grant_type": "password",
		"username":   username,
		"password":   password,
	})
}

// Refresh renews the access token with the stored refresh token.
func (c *Client) Refresh(ctx context.Context) (Token, error) {
	c.mu.RLock()
	refresh := c.refreshToken
	c.mu.RUnlock()
	if refresh == "" {
		return Token{}, ErrNoToken
	}
	return c.token(ctx, map[string]string{"grant_type": "refresh_token", "refresh_token": refresh})
}

func (c *Client) token(ctx context.Context, body map[string]string) (Token, error) {
	var token Token
	if err := c.send(ctx, http.MethodPost, "/api/v1/auth/token", nil, body, &token, false); err != nil {
		return Token{}, err
	}
	c.mu.Lock()
	c.accessToken = token.AccessToken
	if token.RefreshToken != "" {
		c.refreshToken = token.RefreshToken
	}
	c.mu.Unlock()
	return token, nil
}

// AccessToken returns the stored access token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// SetAccessToken overrides the stored access token.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// CreateLead registers a lead at the first pipeline stage.
func (c *Client) CreateLead(ctx context.Context, in LeadInput) (Lead, error) {
	var lead Lead
	err := c.send(ctx, http.MethodPost, "/api/v1/crm/leads", nil, in, &lead, true)
	return lead, err
}

// ListLeads pages through the pipeline.
func (c *Client) ListLeads(ctx context.Context, q LeadQuery) (Page[Lead], error) {
	params := url.Values{}
	for _, stage := range q.Stages {
		params.Add("stage", stage)
	}
	setNonEmpty(params, "q", q.Query)
	setPage(params, q.Limit, q.Offset)
	var page Page[Lead]
	err := c.send(ctx, http.MethodGet, "/api/v1/crm/leads", params, nil, &page, true)
	return page, err
}

// MoveLead changes the stage of a lead.
func (c *Client) MoveLead(ctx context.Context, id, stage, note string) (Lead, error) {
	var lead Lead
	body := map[string]string{"stage": stage, "note": note}
	err := c.send(ctx, http.MethodPost, "/api/v1/crm/leads/"+url.PathEscape(id)+"/move", nil, body, &lead, true)
	return lead, err
}

// RegisterTime stores a day of clock entries.
func (c *Client) RegisterTime(ctx context.Context, in TimeRecordInput) (TimeRecord, error) {
	var rec TimeRecord
	err := c.send(ctx, http.MethodPost, "/api/v1/time/records", nil, in, &rec, true)
	return rec, err
}

// ListTimeRecords pages through time records.
func (c *Client) ListTimeRecords(ctx context.Context, q TimeQuery) (Page[TimeRecord], error) {
	params := url.Values{}
	setNonEmpty(params, "employee_id", q.EmployeeID)
	setNonEmpty(params, "from", q.From)
	setNonEmpty(params, "to", q.To)
	for _, status := range q.Statuses {
		params.Add("status", status)
	}
	if q.OnlyIrregular {
		params.Set("irregular", "true")
	}
	setPage(params, q.Limit, q.Offset)
	var page Page[TimeRecord]
	err := c.send(ctx, http.MethodGet, "/api/v1/time/records", params, nil, &page, true)
	return page, err
}

// ReviewTime approves or rejects a time record.
func (c *Client) ReviewTime(ctx context.Context, id, status, note string) (TimeRecord, error) {
	var rec TimeRecord
	body := map[string]string{"status": status, "note": note}
	err := c.send(ctx, http.MethodPost, "/api/v1/time/records/"+url.PathEscape(id)+"/review", nil, body, &rec, true)
	return rec, err
}

// DRE fetches the income statement for competence months from..to (YYYY-MM).
func (c *Client) DRE(ctx context.Context, from, to string) (DRE, error) {
	var dre DRE
	params := url.Values{"from": {from}, "to": {to}}
	err := c.send(ctx, http.MethodGet, "/api/v1/finance/dre", params, nil, &dre, true)
	return dre, err
}

// Notifications lists the caller's notifications.
func (c *Client) Notifications(ctx context.Context, unreadOnly bool, limit int) (Page[Notification], error) {
	params := url.Values{}
	if unreadOnly {
		params.Set("unread", "true")
	}
	setPage(params, limit, 0)
	var page Page[Notification]
	err := c.send(ctx, http.MethodGet, "/api/v1/notifications", params, nil, &page, true)
	return page, err
}

// MarkAllNotificationsRead marks the caller's inbox read.
func (c *Client) MarkAllNotificationsRead(ctx context.Context) (int64, error) {
	var out struct {
		Marked int64 `json:"marked"`
	}
	err := c.send(ctx, http.MethodPost, "/api/v1/notifications/read-all", nil, nil, &out, true)
	return out.Marked, err
}

func setNonEmpty(params url.Values, key, value string) {
	if value != "" {
		params.Set(key, value)
	}
}

func setPage(params url.Values, limit, offset int) {
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if offset > 0 {
		params.Set("offset", fmt.Sprint(offset))
	}
}

func (c *Client) send(ctx context.Context, method, endpoint string, query url.Values, payload, out any, withAuth bool) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := c.newRequest(ctx, method, endpoint, query, body, withAuth)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader, withAuth bool) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint), RawQuery: query.Encode()}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if withAuth {
		token := c.AccessToken()
		if token == "" {
			return nil, ErrNoToken
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: apiErr})
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
