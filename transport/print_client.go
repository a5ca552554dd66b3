package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"

	"github.com/goliatone/go-fulfillment/core"
)

const (
	defaultPrintJobsPath      = "/print-jobs/"
	defaultPrintSubmitTimeout = 20 * time.Second
	maxErrorExcerpt           = 512
)

type PrintAPIConfig struct {
	BaseURL      string
	APIKey       string
	ContactEmail string
	Timeout      time.Duration
}

// PrintAPIClient submits print jobs to the print provider REST API.
type PrintAPIClient struct {
	REST   *RESTClient
	Config PrintAPIConfig
	Logger core.Logger
}

func NewPrintAPIClient(cfg PrintAPIConfig, client HTTPDoer, logger core.Logger) *PrintAPIClient {
	return &PrintAPIClient{
		REST:   NewRESTClient(client),
		Config: cfg,
		Logger: glog.Ensure(logger),
	}
}

type printJobPayload struct {
	ExternalID      string               `json:"external_id"`
	ContactEmail    string               `json:"contact_email,omitempty"`
	ShippingLevel   string               `json:"shipping_level,omitempty"`
	ShippingAddress core.ShippingAddress `json:"shipping_address"`
	LineItems       []printJobLineItem   `json:"line_items"`
}

type printJobLineItem struct {
	ExternalID string             `json:"external_id,omitempty"`
	Title      string             `json:"title,omitempty"`
	Quantity   int                `json:"quantity"`
	Printable  printableNormalize `json:"printable_normalization"`
}

type printableNormalize struct {
	PodPackageID string        `json:"pod_package_id,omitempty"`
	Cover        printableFile `json:"cover"`
	Interior     printableFile `json:"interior"`
}

type printableFile struct {
	SourceURL string `json:"source_url"`
}

type printJobResponse struct {
	ID     any `json:"id"`
	Status struct {
		Name string `json:"name"`
	} `json:"status"`
}

func (c *PrintAPIClient) Submit(ctx context.Context, req core.PrintJobRequest) (core.PrintJobReceipt, error) {
	if c == nil || c.REST == nil {
		return core.PrintJobReceipt{}, fmt.Errorf("transport: print api client is not configured")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(c.Config.BaseURL), "/")
	if baseURL == "" {
		return core.PrintJobReceipt{}, transportError(
			"transport: print api base url is required",
			goerrors.CategoryBadInput,
			http.StatusBadRequest,
			nil,
		)
	}

	body, err := json.Marshal(buildPrintJobPayload(req, c.Config.ContactEmail))
	if err != nil {
		return core.PrintJobReceipt{}, fmt.Errorf("transport: encode print job: %w", err)
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"Accept":       "application/json",
	}
	if key := strings.TrimSpace(c.Config.APIKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		headers["Idempotency-Key"] = key
	}
	timeout := c.Config.Timeout
	if timeout <= 0 {
		timeout = defaultPrintSubmitTimeout
	}

	res, err := c.REST.Do(ctx, Request{
		Method:  http.MethodPost,
		URL:     baseURL + defaultPrintJobsPath,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	})
	if err != nil {
		return core.PrintJobReceipt{}, err
	}
	meta := map[string]any{"order_id": req.Order.ID, "status_code": res.StatusCode}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		meta["response"] = excerpt(res.Body)
		category := goerrors.CategoryExternal
		if res.StatusCode >= 400 && res.StatusCode < 500 {
			category = goerrors.CategoryBadInput
		}
		return core.PrintJobReceipt{}, transportError(
			fmt.Sprintf("transport: print api rejected job with status %d", res.StatusCode),
			category,
			http.StatusBadGateway,
			meta,
		)
	}

	var decoded printJobResponse
	if err := json.Unmarshal(res.Body, &decoded); err != nil {
		return core.PrintJobReceipt{}, transportWrapError(err, goerrors.CategoryExternal,
			"transport: decode print api response", http.StatusBadGateway, meta)
	}
	receipt := core.PrintJobReceipt{JobID: stringID(decoded.ID), Status: decoded.Status.Name}

	glog.Ensure(c.Logger).WithContext(ctx).Info("print job submitted",
		"order_id", req.Order.ID,
		"provider_job_id", receipt.JobID,
		"status", receipt.Status,
		"duration_ms", res.Duration.Milliseconds(),
	)
	return receipt, nil
}

func buildPrintJobPayload(req core.PrintJobRequest, contactEmail string) printJobPayload {
	quantity := req.Order.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	return printJobPayload{
		ExternalID:      req.Order.ID,
		ContactEmail:    strings.TrimSpace(contactEmail),
		ShippingLevel:   req.Order.ShippingLevel,
		ShippingAddress: req.Order.Shipping,
		LineItems: []printJobLineItem{{
			ExternalID: req.Order.BookID,
			Title:      req.Files.Title,
			Quantity:   quantity,
			Printable: printableNormalize{
				PodPackageID: req.Files.PodPackage,
				Cover:        printableFile{SourceURL: req.Files.CoverURL},
				Interior:     printableFile{SourceURL: req.Files.InteriorURL},
			},
		}},
	}
}

func stringID(value any) string {
	switch typed := value.(type) {
	case string:
		return strings.TrimSpace(typed)
	case float64:
		return strconv.FormatFloat(typed, 'f', -1, 64)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(typed))
	}
}

func excerpt(body []byte) string {
	if len(body) > maxErrorExcerpt {
		return string(body[:maxErrorExcerpt])
	}
	return string(body)
}

var _ core.PrintJobSubmitter = (*PrintAPIClient)(nil)
