// Package erp talks to the external inventory ledger. Write calls never
// return errors: every failure is folded into a SyncResult so the caller can
// decide how to compensate.
package erp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Config groups ledger endpoint settings.
type Config struct {
	BaseURL          string
	TransferPath     string
	AdjustmentPath   string
	ItemsPath        string
	LocationsPath    string
	Timeout          time.Duration
	TransferPrefix   string
	AdjustmentPrefix string
	ReversalPrefix   string
}

func (c Config) withDefaults() Config {
	if c.TransferPath == "" {
		c.TransferPath = "/api/TransferEntry"
	}
	if c.AdjustmentPath == "" {
		c.AdjustmentPath = "/api/MultiLineAdjustmentEntry"
	}
	if c.ItemsPath == "" {
		c.ItemsPath = "/api/icitems"
	}
	if c.LocationsPath == "" {
		c.LocationsPath = "/api/Locations"
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.TransferPrefix == "" {
		c.TransferPrefix = "SAGE"
	}
	if c.AdjustmentPrefix == "" {
		c.AdjustmentPrefix = "ADJ"
	}
	if c.ReversalPrefix == "" {
		c.ReversalPrefix = "REV"
	}
	return c
}

// Client posts transfers and adjustments to the ledger.
type Client struct {
	cfg        Config
	httpClient *http.Client
	creds      CredentialSource
	classifier Classifier
	logger     *slog.Logger
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. The configured timeout still
// bounds every call through the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithClassifier replaces the default response classifier.
func WithClassifier(cl Classifier) Option {
	return func(c *Client) {
		c.classifier = cl
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewClient constructs a ledger client.
func NewClient(cfg Config, creds CredentialSource, opts ...Option) *Client {
	cfg = cfg.withDefaults()
	c := &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		creds:      creds,
		classifier: DefaultClassifier(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SendTransfer posts a transfer entry.
func (c *Client) SendTransfer(ctx context.Context, req TransferRequest) SyncResult {
	start := time.Now()
	creds, err := c.lookup(ctx, req.Ref.CompanyID)
	if err != nil {
		return failure(EndpointTransfer, start, "", err.Error())
	}
	prefix := c.cfg.TransferPrefix
	if req.Movement == MovementReversal {
		prefix = c.cfg.ReversalPrefix
	}
	movement := req.Movement
	if movement == "" {
		movement = MovementDecrease
	}
	payload := transferPayload{
		UserID:          creds.UserID,
		Password:        creds.Password,
		CompanyID:       creds.CompanyID,
		DocNum:          req.Ref.DocNumber(prefix),
		Reference:       req.Ref.Reference(),
		TransDate:       req.Date.Format(externalTimeLayout),
		ExpArDate:       req.Date.AddDate(0, 1, 0).Format(externalTimeLayout),
		HdrDesc:         fmt.Sprintf("Inventory transfer - Stock %s #%d", movement, req.Ref.RecNumber),
		TransType:       transferTransType,
		HeaderOptFields: []optField{},
		Items:           make([]transferItem, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		to := strings.TrimSpace(line.ToLocation)
		payload.Items = append(payload.Items, transferItem{
			FromLoc:         strings.TrimSpace(line.FromLocation),
			ToLoc:           to,
			ItemNo:          strings.TrimSpace(line.ItemCode),
			Quantity:        number(line.Quantity),
			Comments:        fmt.Sprintf("Stock moved to %s location for adjustment", to),
			DetailOptFields: []optField{},
		})
	}
	return c.post(ctx, EndpointTransfer, c.cfg.TransferPath, payload, start)
}

// SendAdjustment posts a multi-line adjustment entry.
func (c *Client) SendAdjustment(ctx context.Context, req AdjustmentRequest) SyncResult {
	start := time.Now()
	creds, err := c.lookup(ctx, req.Ref.CompanyID)
	if err != nil {
		return failure(EndpointAdjustment, start, "", err.Error())
	}
	payload := adjustmentPayload{
		UserID:          creds.UserID,
		Password:        creds.Password,
		CompanyID:       creds.CompanyID,
		DocNum:          req.Ref.DocNumber(c.adjustmentPrefix(req)),
		Reference:       req.Ref.Reference(),
		TransDate:       req.Date.Format(externalTimeLayout),
		HdrDesc:         fmt.Sprintf("Stock adjustment #%d - Approved", req.Ref.RecNumber),
		HeaderOptFields: []optField{},
		Items:           make([]adjustmentItem, 0, len(req.Lines)),
	}
	for _, line := range req.Lines {
		item := adjustmentItem{
			ItemNo:          strings.TrimSpace(line.ItemCode),
			Quantity:        number(line.Quantity),
			ExtCost:         number(line.UnitCost.Mul(line.Quantity)),
			WoffAcct:        "",
			DetailOptFields: []optField{},
		}
		if line.Increase {
			item.Location = strings.TrimSpace(line.ToLocation)
			item.TransType = adjustIncreaseType
		} else {
			item.Location = strings.TrimSpace(line.FromLocation)
			item.TransType = adjustDecreaseType
		}
		payload.Items = append(payload.Items, item)
	}
	return c.post(ctx, EndpointAdjustment, c.cfg.AdjustmentPath, payload, start)
}

// adjustmentPrefix keeps adjustments of reversal units out of the number
// series of ordinary units, which share record numbers with them.
func (c *Client) adjustmentPrefix(req AdjustmentRequest) string {
	if req.Reversal {
		return c.cfg.AdjustmentPrefix + c.cfg.ReversalPrefix
	}
	return c.cfg.AdjustmentPrefix
}

func (c *Client) lookup(ctx context.Context, companyID string) (Credentials, error) {
	if c.creds == nil {
		return Credentials{}, errors.New("erp: no credential source configured")
	}
	creds, err := c.creds.Lookup(ctx, companyID)
	if err != nil {
		return Credentials{}, fmt.Errorf("erp: credentials for %s: %w", companyID, err)
	}
	return creds, nil
}

func (c *Client) post(ctx context.Context, endpoint, path string, payload any, start time.Time) SyncResult {
	raw, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return failure(endpoint, start, "", fmt.Sprintf("encode request: %v", err))
	}
	retained := redactPassword(payload)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(path), bytes.NewReader(raw))
	if err != nil {
		return failure(endpoint, start, retained, fmt.Sprintf("build request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		msg := fmt.Sprintf("Failed to connect to external ledger: %v", err)
		if isTimeout(err) {
			msg = fmt.Sprintf("External ledger request timed out after %s", c.cfg.Timeout)
		}
		c.logger.Warn("erp request failed", slog.String("endpoint", endpoint), slog.Any("error", err))
		result := failure(endpoint, start, retained, msg)
		result.RawResponse = err.Error()
		return result
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodyBytes))
	if err != nil {
		return failure(endpoint, start, retained, fmt.Sprintf("read response: %v", err))
	}

	outcome := c.classifier.Classify(body)
	result := SyncResult{
		Success:           outcome.Success,
		ExternalDocNumber: outcome.DocNumber,
		Status:            outcome.Status,
		Message:           outcome.Message,
		Errors:            outcome.Errors,
		RawRequest:        retained,
		RawResponse:       string(body),
		Endpoint:          endpoint,
		Duration:          time.Since(start),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.Success = false
		if len(result.Errors) == 0 {
			result.Errors = []string{fmt.Sprintf("HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))}
		}
	}
	if !result.Success {
		result.ExternalDocNumber = ""
		if len(result.Errors) == 0 {
			result.Errors = []string{"external ledger did not return a document number"}
		}
	}
	return result
}

func (c *Client) endpoint(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// Items lists active catalog items for a company.
func (c *Client) Items(ctx context.Context, companyID string) ([]Item, error) {
	var out itemsResponse
	if err := c.get(ctx, companyID, c.cfg.ItemsPath, url.Values{"ActiveItems": {"1"}}, &out); err != nil {
		return nil, err
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("erp: items: %s", strings.Join(out.Errors, "; "))
	}
	return out.Items, nil
}

// Locations lists stock locations for a company.
func (c *Client) Locations(ctx context.Context, companyID string) ([]Location, error) {
	var out locationsResponse
	if err := c.get(ctx, companyID, c.cfg.LocationsPath, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Errors) > 0 {
		return nil, fmt.Errorf("erp: locations: %s", strings.Join(out.Errors, "; "))
	}
	return out.Locations, nil
}

func (c *Client) get(ctx context.Context, companyID, path string, extra url.Values, dest any) error {
	creds, err := c.lookup(ctx, companyID)
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("userid", creds.UserID)
	q.Set("password", creds.Password)
	q.Set("companyid", creds.CompanyID)
	for k, vs := range extra {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint(path)+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("erp: get %s: %w", path, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("erp: get %s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBodyBytes)).Decode(dest); err != nil {
		return fmt.Errorf("erp: decode %s: %w", path, err)
	}
	return nil
}

func failure(endpoint string, start time.Time, rawRequest, msg string) SyncResult {
	return SyncResult{
		Success:    false,
		Status:     "Error",
		Message:    msg,
		Errors:     []string{msg},
		RawRequest: rawRequest,
		Endpoint:   endpoint,
		Duration:   time.Since(start),
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// redactPassword renders the request for audit storage with the password
// masked.
func redactPassword(payload any) string {
	switch p := payload.(type) {
	case transferPayload:
		p.Password = "***"
		raw, _ := json.MarshalIndent(p, "", "  ")
		return string(raw)
	case adjustmentPayload:
		p.Password = "***"
		raw, _ := json.MarshalIndent(p, "", "  ")
		return string(raw)
	default:
		raw, _ := json.MarshalIndent(payload, "", "  ")
		return string(raw)
	}
}
