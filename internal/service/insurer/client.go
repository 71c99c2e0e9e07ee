// Package insurer содержит клиентов API страховщика.
package insurer

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

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/version"
)

const (
	opCreateContract  = "create_contract"
	opConfirmContract = "confirm_contract"
	opGetPrintForm    = "get_print_form"

	maxErrorBody = 4 << 10
	maxDocument  = 20 << 20
)

// ErrResponseTooLarge: ответ страховщика больше допустимого размера.
var ErrResponseTooLarge = errors.New("provider response too large")

// ClientConfig: параметры подключения к API страховщика.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	// Timeout ограничивает один HTTP-запрос целиком.
	Timeout time.Duration
	// MaxDocumentBytes ограничивает размер печатной формы, по умолчанию 20 MiB.
	MaxDocumentBytes int64
}

// Client: HTTP-клиент JSON API страховщика.
type Client struct {
	baseURL *url.URL
	apiKey  string
	http    *http.Client
	logger  *log.Entry
	docMax  int64
}

// NewClient создаёт клиента. BaseURL обязателен.
func NewClient(cfg ClientConfig, httpClient *http.Client, logger *log.Entry) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("insurer base url is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse insurer base url: %w", err)
	}
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = log.New().WithField("component", "insurer-client")
	}
	docMax := cfg.MaxDocumentBytes
	if docMax <= 0 {
		docMax = maxDocument
	}
	return &Client{baseURL: base, apiKey: cfg.APIKey, http: httpClient, logger: logger, docMax: docMax}, nil
}

type travelerDTO struct {
	FirstName      string `json:"first_name"`
	LastName       string `json:"last_name"`
	BirthDate      string `json:"birth_date"`
	PassportNumber string `json:"passport_number"`
	Citizenship    string `json:"citizenship,omitempty"`
}

type createContractRequest struct {
	ExternalID  string        `json:"external_id"`
	TariffID    string        `json:"tariff_id"`
	StartDate   string        `json:"start_date"`
	EndDate     string        `json:"end_date"`
	CountryCode string        `json:"country_code"`
	Region      string        `json:"region,omitempty"`
	Currency    string        `json:"currency"`
	Travelers   []travelerDTO `json:"travelers"`
}

type createContractResponse struct {
	OrderID      string          `json:"order_id"`
	PolicyNumber string          `json:"policy_number"`
	TotalAmount  json.RawMessage `json:"total_amount"`
}

// CreateContract создаёт договор у страховщика.
func (c *Client) CreateContract(ctx context.Context, req domain.ContractRequest) (domain.ContractResult, error) {
	body := createContractRequest{
		ExternalID:  req.Policy.ID,
		TariffID:    req.TariffID,
		StartDate:   req.Policy.StartDate.Format(time.DateOnly),
		EndDate:     req.Policy.EndDate.Format(time.DateOnly),
		CountryCode: req.Policy.Destination.CountryCode,
		Region:      req.Policy.Destination.Region,
		Currency:    req.Policy.Currency,
		Travelers:   make([]travelerDTO, 0, len(req.Travelers)),
	}
	for _, traveler := range req.Travelers {
		body.Travelers = append(body.Travelers, travelerDTO{
			FirstName:      traveler.FirstName,
			LastName:       traveler.LastName,
			BirthDate:      traveler.BirthDate.Format(time.DateOnly),
			PassportNumber: traveler.PassportNumber,
			Citizenship:    traveler.Citizenship,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return domain.ContractResult{}, fmt.Errorf("encode contract request: %w", err)
	}

	headers := http.Header{}
	if req.IdempotencyKey != "" {
		headers.Set("Idempotency-Key", req.IdempotencyKey)
	}
	raw, err := c.do(ctx, opCreateContract, http.MethodPost, "/v1/contracts", payload, headers, maxErrorBody*16)
	if err != nil {
		return domain.ContractResult{}, err
	}

	var resp createContractResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return domain.ContractResult{}, &domain.ProviderError{Op: opCreateContract, StatusCode: http.StatusOK, Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.OrderID == "" {
		return domain.ContractResult{}, &domain.ProviderError{Op: opCreateContract, StatusCode: http.StatusOK, Err: errors.New("response without order_id")}
	}

	return domain.ContractResult{
		OrderID:      resp.OrderID,
		PolicyNumber: resp.PolicyNumber,
		TotalAmount:  decimalString(resp.TotalAmount),
	}, nil
}

// ConfirmContract подтверждает ранее созданный договор.
func (c *Client) ConfirmContract(ctx context.Context, orderID string) error {
	_, err := c.do(ctx, opConfirmContract, http.MethodPost, "/v1/contracts/"+url.PathEscape(orderID)+"/confirm", nil, nil, maxErrorBody)
	return err
}

// GetPrintForm скачивает печатную форму полиса в PDF.
func (c *Client) GetPrintForm(ctx context.Context, orderID string) ([]byte, error) {
	headers := http.Header{}
	headers.Set("Accept", "application/pdf")
	return c.do(ctx, opGetPrintForm, http.MethodGet, "/v1/contracts/"+url.PathEscape(orderID)+"/print-form", nil, headers, c.docMax)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, headers http.Header, limit int64) ([]byte, error) {
	endpoint := c.baseURL.String() + path

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", op, err)
	}
	for key, values := range headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("User-Agent", version.UserAgent())

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &domain.ProviderError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	c.logger.WithFields(log.Fields{
		"op":          op,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	}).Debug("insurer call finished")

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		msg := strings.TrimSpace(string(snippet))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	// Обрезанный ответ не должен сойти за полный.
	if int64(len(data)) > limit {
		return nil, &domain.ProviderError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("%w: exceeds %d bytes", ErrResponseTooLarge, limit)}
	}
	return data, nil
}

// decimalString возвращает сумму в исходном виде: число или строку без кавычек.
func decimalString(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return trimmed
}

var _ domain.InsuranceProvider = (*Client)(nil)
