package core

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dispatchStatusSent    = "sent"
	dispatchStatusFailed  = "failed"
	dispatchStatusSkipped = "skipped"
)

// TemplateCatalog maps a notification category to template ids keyed by
// language.
type TemplateCatalog map[NotificationCategory]map[string]string

func DefaultTemplateCatalog() TemplateCatalog {
	catalog := TemplateCatalog{}
	for _, category := range []NotificationCategory{
		NotificationOrderConfirmed,
		NotificationInProduction,
		NotificationShipped,
		NotificationDelivered,
		NotificationRejected,
		NotificationCanceled,
		NotificationStatusUpdate,
	} {
		catalog[category] = map[string]string{
			"en": "print-order-" + strings.ReplaceAll(string(category), "_", "-") + "-en",
			"es": "print-order-" + strings.ReplaceAll(string(category), "_", "-") + "-es",
		}
	}
	return catalog
}

// Lookup resolves the template for language, then fallbackLanguage, then any
// registered language in lexical order.
func (c TemplateCatalog) Lookup(category NotificationCategory, language string, fallbackLanguage string) (string, bool) {
	byLanguage := c[category]
	if len(byLanguage) == 0 {
		return "", false
	}
	for _, candidate := range []string{language, fallbackLanguage} {
		candidate = strings.ToLower(strings.TrimSpace(candidate))
		if candidate == "" {
			continue
		}
		if templateID := strings.TrimSpace(byLanguage[candidate]); templateID != "" {
			return templateID, true
		}
	}
	languages := make([]string, 0, len(byLanguage))
	for lang := range byLanguage {
		languages = append(languages, lang)
	}
	sort.Strings(languages)
	for _, lang := range languages {
		if templateID := strings.TrimSpace(byLanguage[lang]); templateID != "" {
			return templateID, true
		}
	}
	return "", false
}

type NotificationRequest struct {
	Order    PrintOrder
	Category NotificationCategory
	EventID  string
	Message  string
	Params   map[string]any
}

// Dispatcher delivers customer emails. Dispatch failures are logged and
// recorded, never returned: a notification can not undo a transition.
type Dispatcher struct {
	observer
	users           UserDirectory
	sender          EmailSender
	templates       TemplateCatalog
	ledger          NotificationLedger
	defaultLanguage string
	async           bool
	wg              sync.WaitGroup
}

type DispatcherConfig struct {
	Users           UserDirectory
	Sender          EmailSender
	Templates       TemplateCatalog
	Ledger          NotificationLedger
	DefaultLanguage string
	Async           bool
	Logger          Logger
	Metrics         MetricsRecorder
}

func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	templates := cfg.Templates
	if len(templates) == 0 {
		templates = DefaultTemplateCatalog()
	}
	language := strings.ToLower(strings.TrimSpace(cfg.DefaultLanguage))
	if language == "" {
		language = "en"
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NopMetricsRecorder{}
	}
	return &Dispatcher{
		observer:        observer{logger: cfg.Logger, metrics: metrics},
		users:           cfg.Users,
		sender:          cfg.Sender,
		templates:       templates,
		ledger:          cfg.Ledger,
		defaultLanguage: language,
		async:           cfg.Async,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, req NotificationRequest) {
	if d == nil || d.sender == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if !d.async {
		d.dispatch(ctx, req)
		return
	}
	detached := context.WithoutCancel(ctx)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.dispatch(detached, req)
	}()
}

// Wait blocks until every asynchronous dispatch has finished.
func (d *Dispatcher) Wait() {
	if d == nil {
		return
	}
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(ctx context.Context, req NotificationRequest) {
	fields := map[string]any{
		"order_id":     req.Order.ID,
		"user_id":      req.Order.UserID,
		"category":     string(req.Category),
		"event_id":     req.EventID,
		"order_status": string(req.Order.Status),
	}
	if d.users == nil {
		d.log(ctx, "warn", "notification skipped: user directory is not configured", fields)
		return
	}
	user, err := d.users.GetUser(ctx, req.Order.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			d.log(ctx, "warn", "notification skipped: user not found", fields)
		} else {
			fields["error"] = err.Error()
			d.log(ctx, "error", "notification skipped: user lookup failed", fields)
		}
		return
	}
	recipient := strings.TrimSpace(user.Email)
	if recipient == "" {
		d.log(ctx, "warn", "notification skipped: user has no email", fields)
		return
	}

	templateID, ok := d.templates.Lookup(req.Category, user.Language, d.defaultLanguage)
	if !ok {
		d.log(ctx, "warn", "notification skipped: no template for category", fields)
		d.record(ctx, req, "", recipient, buildDispatchID(req, recipient), dispatchStatusSkipped, nil)
		return
	}
	fields["template_id"] = templateID

	idempotencyKey := buildDispatchID(req, recipient)
	if d.ledger != nil {
		seen, seenErr := d.ledger.Seen(ctx, idempotencyKey)
		if seenErr != nil {
			fields["error"] = seenErr.Error()
			d.log(ctx, "warn", "notification ledger lookup failed", fields)
		} else if seen {
			d.log(ctx, "debug", "notification already dispatched", fields)
			return
		}
	}

	language := strings.TrimSpace(user.Language)
	if language == "" {
		language = d.defaultLanguage
	}
	startedAt := time.Now().UTC()
	sendErr := d.sender.Send(ctx, EmailMessage{
		To:         recipient,
		Name:       user.DisplayName,
		TemplateID: templateID,
		Language:   language,
		Params:     notificationParams(req, user),
	})
	d.observeOperation(ctx, startedAt, "notify", sendErr, fields)

	status := dispatchStatusSent
	if sendErr != nil {
		status = dispatchStatusFailed
	}
	d.record(ctx, req, templateID, recipient, idempotencyKey, status, sendErr)
}

func (d *Dispatcher) record(
	ctx context.Context,
	req NotificationRequest,
	templateID string,
	recipient string,
	idempotencyKey string,
	status string,
	sendErr error,
) {
	if d.ledger == nil {
		return
	}
	record := NotificationDispatchRecord{
		EventID:        strings.TrimSpace(req.EventID),
		OrderID:        req.Order.ID,
		Category:       req.Category,
		TemplateID:     templateID,
		RecipientKey:   recipient,
		IdempotencyKey: idempotencyKey,
		Status:         status,
		Metadata: map[string]any{
			"order_status": string(req.Order.Status),
		},
	}
	if sendErr != nil {
		record.Error = sendErr.Error()
	}
	if err := d.ledger.Record(ctx, record); err != nil {
		d.log(ctx, "warn", "notification ledger record failed", map[string]any{
			"order_id": req.Order.ID,
			"category": string(req.Category),
			"error":    err.Error(),
		})
	}
}

func notificationParams(req NotificationRequest, user User) map[string]any {
	params := copyMap(req.Params)
	params["order_id"] = req.Order.ID
	params["book_id"] = req.Order.BookID
	params["quantity"] = req.Order.Quantity
	params["status"] = string(req.Order.Status)
	params["customer_name"] = user.DisplayName
	if message := strings.TrimSpace(req.Message); message != "" {
		params["message"] = message
	}
	if req.Order.Tracking != nil && !req.Order.Tracking.Empty() {
		params["tracking_id"] = req.Order.Tracking.TrackingID
		params["carrier"] = req.Order.Tracking.Carrier
		params["tracking_urls"] = append([]string(nil), req.Order.Tracking.URLs...)
	}
	if req.Order.Refunded {
		params["refunded_credits"] = req.Order.CreditCost
	}
	return params
}

func buildDispatchID(req NotificationRequest, recipientKey string) string {
	eventID := strings.TrimSpace(req.EventID)
	if eventID == "" {
		eventID = fmt.Sprintf("%s|%s", req.Order.Status, req.Order.UpdatedAt.UTC().Format(time.RFC3339Nano))
	}
	raw := strings.Join([]string{
		eventID,
		string(req.Category),
		strings.TrimSpace(req.Order.ID),
		strings.ToLower(strings.TrimSpace(recipientKey)),
	}, "|")
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
