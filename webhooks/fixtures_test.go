package webhooks

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/goliatone/go-fulfillment/core"
	memorystore "github.com/goliatone/go-fulfillment/store/memory"
)

const (
	testPrintSecret   = "print-secret"
	testPaymentSecret = "whsec_test_secret"
)

type stubSubmitter struct {
	mu       sync.Mutex
	requests []core.PrintJobRequest
	err      error
	delay    time.Duration
}

func (s *stubSubmitter) Submit(_ context.Context, req core.PrintJobRequest) (core.PrintJobReceipt, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return core.PrintJobReceipt{}, s.err
	}
	s.requests = append(s.requests, req)
	return core.PrintJobReceipt{JobID: fmt.Sprintf("job_%d", len(s.requests)), Status: "CREATED"}, nil
}

func (s *stubSubmitter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubSender struct {
	mu       sync.Mutex
	messages []core.EmailMessage
}

func (s *stubSender) Send(_ context.Context, msg core.EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return nil
}

func (s *stubSender) sent() []core.EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.EmailMessage(nil), s.messages...)
}

// flakyCreditLedger fails the next failures appends.
type flakyCreditLedger struct {
	core.CreditLedger
	mu       sync.Mutex
	failures int
}

func (l *flakyCreditLedger) Append(ctx context.Context, in core.AppendCreditInput) (core.CreditTransaction, bool, error) {
	l.mu.Lock()
	if l.failures > 0 {
		l.failures--
		l.mu.Unlock()
		return core.CreditTransaction{}, false, fmt.Errorf("credit ledger unavailable")
	}
	l.mu.Unlock()
	return l.CreditLedger.Append(ctx, in)
}

type ingressFixture struct {
	store     *memorystore.Store
	engine    *core.Engine
	submitter *stubSubmitter
	sender    *stubSender
	processor *Processor
	server    *httptest.Server
}

func newIngressFixture(t *testing.T) *ingressFixture {
	return newIngressFixtureWith(t, nil)
}

// newIngressFixtureWith lets a test swap stores built on the shared memory store.
func newIngressFixtureWith(t *testing.T, extra func(store *memorystore.Store) []core.Option) *ingressFixture {
	t.Helper()
	store := memorystore.New()
	submitter := &stubSubmitter{}
	sender := &stubSender{}
	opts := []core.Option{
		core.WithRepositoryFactory(store),
		core.WithPrintJobSubmitter(submitter),
		core.WithEmailSender(sender),
	}
	if extra != nil {
		opts = append(opts, extra(store)...)
	}
	engine, err := core.NewEngine(core.DefaultConfig(), opts...)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	processor, err := NewProcessor(engine, store.EventLedger(), nil,
		Source{
			Provider: PaymentProvider,
			Verifier: NewStripeVerifier(testPaymentSecret, nil),
			Parser:   NewPaymentEventParser(nil),
		},
		Source{
			Provider: PrintProvider,
			Verifier: NewHMACVerifier(core.DefaultPrintSignatureHeader, testPrintSecret, EncodingHex, nil),
			Parser:   NewPrintEventParser(core.DefaultPrintEventIDHeader),
		},
	)
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	server := httptest.NewServer(NewRouter(processor, RouterConfig{}))
	t.Cleanup(server.Close)

	if err := store.UpsertUser(context.Background(), core.User{ID: "user_1", Email: "reader@example.com", DisplayName: "Reader", Language: "en"}); err != nil {
		t.Fatalf("upsert user: %v", err)
	}
	return &ingressFixture{
		store:     store,
		engine:    engine,
		submitter: submitter,
		sender:    sender,
		processor: processor,
		server:    server,
	}
}

func (fx *ingressFixture) seedOrder(t *testing.T, id string, status core.OrderStatus, jobID string, creditCost int64) core.PrintOrder {
	t.Helper()
	now := time.Now().UTC()
	order := core.PrintOrder{
		ID:            id,
		UserID:        "user_1",
		BookID:        "book_1",
		Quantity:      1,
		ProviderJobID: jobID,
		CreditCost:    creditCost,
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	fx.store.PutOrder(order)
	return order
}

func (fx *ingressFixture) order(t *testing.T, id string) core.PrintOrder {
	t.Helper()
	order, err := fx.store.OrderStore().Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get order %s: %v", id, err)
	}
	return order
}

func (fx *ingressFixture) postPrint(t *testing.T, body string, eventID string) *http.Response {
	t.Helper()
	signature, err := SignHMAC(testPrintSecret, []byte(body), EncodingHex)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	headers := map[string]string{core.DefaultPrintSignatureHeader: signature}
	if eventID != "" {
		headers[core.DefaultPrintEventIDHeader] = eventID
	}
	return fx.post(t, PrintPath, body, headers)
}

func (fx *ingressFixture) postPayment(t *testing.T, body string) *http.Response {
	t.Helper()
	return fx.post(t, PaymentsPath, body, map[string]string{StripeSignatureHeader: stripeHeader(body)})
}

func (fx *ingressFixture) post(t *testing.T, path string, body string, headers map[string]string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, fx.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	resp, err := fx.server.Client().Do(req)
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func stripeHeader(body string) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(body),
		Secret:    testPaymentSecret,
		Timestamp: time.Now(),
	})
	return signed.Header
}

func printStatusBody(jobID string, orderID string, status string, message string) string {
	messageField := ""
	if message != "" {
		messageField = fmt.Sprintf(`,"message":%q`, message)
	}
	return fmt.Sprintf(`{"topic":"PRINT_JOB_STATUS_CHANGED","data":{"id":%q,"external_id":%q,"status":{"name":%q%s}}}`,
		jobID, orderID, status, messageField)
}

func checkoutBody(eventID string, sessionID string, paymentStatus string, metadata string) string {
	return fmt.Sprintf(`{"id":%q,"object":"event","type":"checkout.session.completed","created":1760000000,"data":{"object":{"id":%q,"object":"checkout.session","payment_status":%q,"payment_intent":"pi_1","amount_total":2599,"currency":"usd","metadata":%s}}}`,
		eventID, sessionID, paymentStatus, metadata)
}
