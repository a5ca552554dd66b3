package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type memoryOrderStore struct {
	mu        sync.Mutex
	next      int
	orders    map[string]PrintOrder
	conflicts int
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{orders: map[string]PrintOrder{}}
}

func (s *memoryOrderStore) Create(_ context.Context, in CreateOrderInput) (PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(in.ID)
	if id == "" {
		s.next++
		id = fmt.Sprintf("order_%d", s.next)
	}
	now := time.Now().UTC()
	order := PrintOrder{
		ID:            id,
		UserID:        in.UserID,
		BookID:        in.BookID,
		Quantity:      in.Quantity,
		Shipping:      in.Shipping,
		ShippingLevel: in.ShippingLevel,
		PaymentRef:    in.PaymentRef,
		Cost:          in.Cost,
		CreditCost:    in.CreditCost,
		Status:        OrderStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[id] = order
	return order, nil
}

func (s *memoryOrderStore) put(order PrintOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
}

func (s *memoryOrderStore) Get(_ context.Context, id string) (PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return PrintOrder{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *memoryOrderStore) GetByProviderJobID(_ context.Context, jobID string) (PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.ProviderJobID == jobID {
			return order, nil
		}
	}
	return PrintOrder{}, ErrOrderNotFound
}

func (s *memoryOrderStore) UpdateStatus(_ context.Context, in StatusUpdate) (PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[in.OrderID]
	if !ok {
		return PrintOrder{}, ErrOrderNotFound
	}
	if s.conflicts > 0 {
		s.conflicts--
		return PrintOrder{}, ErrOrderStatusConflict
	}
	if order.Status != in.Expected {
		return PrintOrder{}, ErrOrderStatusConflict
	}
	order.Status = in.Next
	order.ProviderStatus = in.ProviderStatus
	order.StatusMessage = in.StatusMessage
	if in.Tracking != nil {
		order.Tracking = in.Tracking.Clone()
	}
	order.UpdatedAt = time.Now().UTC()
	s.orders[order.ID] = order
	return order, nil
}

func (s *memoryOrderStore) ClaimSubmission(_ context.Context, orderID string, at time.Time, staleBefore time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if order.Status != OrderStatusPaid || order.ProviderJobID != "" {
		return false, nil
	}
	if order.SubmissionClaimedAt != nil && order.SubmissionClaimedAt.After(staleBefore) {
		return false, nil
	}
	order.SubmissionClaimedAt = &at
	s.orders[orderID] = order
	return true, nil
}

func (s *memoryOrderStore) ReleaseSubmission(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.SubmissionClaimedAt = nil
	s.orders[orderID] = order
	return nil
}

func (s *memoryOrderStore) SetProviderJob(_ context.Context, orderID string, jobID string) (PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return PrintOrder{}, ErrOrderNotFound
	}
	order.ProviderJobID = jobID
	order.SubmissionClaimedAt = nil
	order.LastError = ""
	s.orders[orderID] = order
	return order, nil
}

func (s *memoryOrderStore) RecordFailure(_ context.Context, orderID string, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	order.LastError = message
	order.RetryCount++
	s.orders[orderID] = order
	return nil
}

func (s *memoryOrderStore) MarkRefunded(_ context.Context, orderID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if order.Refunded {
		return nil
	}
	order.Refunded = true
	order.RefundedAt = &at
	s.orders[orderID] = order
	return nil
}

func (s *memoryOrderStore) ListPendingRefunds(_ context.Context, limit int) ([]PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []PrintOrder{}
	for _, order := range s.orders {
		if (order.Status == OrderStatusRejected || order.Status == OrderStatusCancelled) && !order.Refunded {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memoryOrderStore) ListAwaitingSubmission(_ context.Context, updatedBefore time.Time, limit int) ([]PrintOrder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []PrintOrder{}
	for _, order := range s.orders {
		if order.Status == OrderStatusPaid && order.ProviderJobID == "" && !order.UpdatedAt.After(updatedBefore) {
			out = append(out, order)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memoryCreditLedger struct {
	mu        sync.Mutex
	entries   []CreditTransaction
	balances  map[string]int64
	appendErr error
}

func newMemoryCreditLedger(users ...string) *memoryCreditLedger {
	ledger := &memoryCreditLedger{balances: map[string]int64{}}
	for _, user := range users {
		ledger.balances[user] = 0
	}
	return ledger
}

func (l *memoryCreditLedger) Append(_ context.Context, in AppendCreditInput) (CreditTransaction, bool, error) {
	if err := in.Validate(); err != nil {
		return CreditTransaction{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.appendErr != nil {
		return CreditTransaction{}, false, l.appendErr
	}
	if _, ok := l.balances[in.UserID]; !ok {
		return CreditTransaction{}, false, ErrUserNotFound
	}
	if in.CorrelationID != "" {
		for _, entry := range l.entries {
			if entry.CorrelationID == in.CorrelationID {
				return entry, false, nil
			}
		}
	}
	entry := CreditTransaction{
		ID:            fmt.Sprintf("txn_%d", len(l.entries)+1),
		UserID:        in.UserID,
		OrderID:       in.OrderID,
		Delta:         in.Delta,
		Reason:        in.Reason,
		CorrelationID: in.CorrelationID,
		Note:          in.Note,
		CreatedAt:     time.Now().UTC(),
	}
	l.entries = append(l.entries, entry)
	l.balances[in.UserID] += in.Delta
	return entry, true, nil
}

func (l *memoryCreditLedger) ListForOrder(_ context.Context, orderID string) ([]CreditTransaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []CreditTransaction{}
	for _, entry := range l.entries {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (l *memoryCreditLedger) Balance(_ context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return 0, ErrUserNotFound
	}
	return balance, nil
}

func (l *memoryCreditLedger) refundEntries(orderID string) []CreditTransaction {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := []CreditTransaction{}
	for _, entry := range l.entries {
		if entry.OrderID == orderID && entry.Reason == CreditReasonRefund {
			out = append(out, entry)
		}
	}
	return out
}

type memoryEventLedger struct {
	mu      sync.Mutex
	records map[string]WebhookEventRecord
}

func newMemoryEventLedger() *memoryEventLedger {
	return &memoryEventLedger{records: map[string]WebhookEventRecord{}}
}

func (l *memoryEventLedger) Lookup(_ context.Context, provider string, eventID string) (WebhookEventRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[provider+"|"+eventID]
	return record, ok, nil
}

func (l *memoryEventLedger) Record(_ context.Context, record WebhookEventRecord) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	key := record.Provider + "|" + record.EventID
	if _, ok := l.records[key]; ok {
		return false, nil
	}
	l.records[key] = record
	return true, nil
}

type memoryUserDirectory struct {
	users map[string]User
}

func (d memoryUserDirectory) GetUser(_ context.Context, id string) (User, error) {
	user, ok := d.users[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

type memoryNotificationLedger struct {
	mu      sync.Mutex
	records map[string]NotificationDispatchRecord
}

func newMemoryNotificationLedger() *memoryNotificationLedger {
	return &memoryNotificationLedger{records: map[string]NotificationDispatchRecord{}}
}

func (l *memoryNotificationLedger) Seen(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	record, ok := l.records[key]
	return ok && record.Status == dispatchStatusSent, nil
}

func (l *memoryNotificationLedger) Record(_ context.Context, record NotificationDispatchRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[record.IdempotencyKey] = record
	return nil
}

type recordingSender struct {
	mu       sync.Mutex
	messages []EmailMessage
	err      error
}

func (s *recordingSender) Send(_ context.Context, msg EmailMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, msg)
	return nil
}

func (s *recordingSender) sent() []EmailMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EmailMessage(nil), s.messages...)
}

type fakeSubmitter struct {
	mu       sync.Mutex
	requests []PrintJobRequest
	jobID    string
	err      error
	delay    time.Duration
}

func (s *fakeSubmitter) Submit(_ context.Context, req PrintJobRequest) (PrintJobReceipt, error) {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return PrintJobReceipt{}, s.err
	}
	jobID := s.jobID
	if jobID == "" {
		jobID = fmt.Sprintf("job_%d", len(s.requests))
	}
	return PrintJobReceipt{JobID: jobID, Status: "CREATED"}, nil
}

func (s *fakeSubmitter) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type stubLogger struct{}

func (stubLogger) Trace(string, ...any) {}
func (stubLogger) Debug(string, ...any) {}
func (stubLogger) Info(string, ...any)  {}
func (stubLogger) Warn(string, ...any)  {}
func (stubLogger) Error(string, ...any) {}
func (stubLogger) Fatal(string, ...any) {}
func (s stubLogger) WithContext(context.Context) Logger {
	return s
}

type stubLoggerProvider struct {
	logger Logger
}

func (s stubLoggerProvider) GetLogger(string) Logger {
	return s.logger
}

type recordingLogger struct {
	mu    *sync.Mutex
	warns *[]string
}

func newRecordingLogger() recordingLogger {
	return recordingLogger{mu: &sync.Mutex{}, warns: &[]string{}}
}

func (recordingLogger) Trace(string, ...any) {}
func (recordingLogger) Debug(string, ...any) {}
func (recordingLogger) Info(string, ...any)  {}
func (l recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.warns = append(*l.warns, msg)
}
func (recordingLogger) Error(string, ...any) {}
func (recordingLogger) Fatal(string, ...any) {}
func (l recordingLogger) WithContext(context.Context) Logger {
	return l
}

func (l recordingLogger) warnings() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), (*l.warns)...)
}

type mapRawLoader struct {
	values map[string]any
}

func (l mapRawLoader) LoadRaw(context.Context) (map[string]any, error) {
	return copyMap(l.values), nil
}

type engineFixture struct {
	engine    *Engine
	orders    *memoryOrderStore
	credits   *memoryCreditLedger
	events    *memoryEventLedger
	sender    *recordingSender
	submitter *fakeSubmitter
	ledger    *memoryNotificationLedger
}

func newEngineFixture(opts ...Option) (*engineFixture, error) {
	fx := &engineFixture{
		orders:    newMemoryOrderStore(),
		credits:   newMemoryCreditLedger("user_1"),
		events:    newMemoryEventLedger(),
		sender:    &recordingSender{},
		submitter: &fakeSubmitter{},
		ledger:    newMemoryNotificationLedger(),
	}
	base := []Option{
		WithLogger(stubLogger{}),
		WithLoggerProvider(stubLoggerProvider{logger: stubLogger{}}),
		WithOrderStore(fx.orders),
		WithCreditLedger(fx.credits),
		WithEventLedger(fx.events),
		WithUserDirectory(memoryUserDirectory{users: map[string]User{
			"user_1": {ID: "user_1", Email: "reader@example.com", DisplayName: "Reader", Language: "en"},
		}}),
		WithNotificationLedger(fx.ledger),
		WithEmailSender(fx.sender),
		WithPrintJobSubmitter(fx.submitter),
	}
	engine, err := NewEngine(Config{}, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	fx.engine = engine
	return fx, nil
}

func (fx *engineFixture) seedOrder(status OrderStatus, jobID string, creditCost int64) PrintOrder {
	order := PrintOrder{
		ID:            "order_" + string(status),
		UserID:        "user_1",
		BookID:        "book_1",
		Quantity:      1,
		ProviderJobID: jobID,
		CreditCost:    creditCost,
		Status:        status,
		CreatedAt:     time.Now().UTC().Add(-time.Hour),
		UpdatedAt:     time.Now().UTC().Add(-time.Hour),
	}
	fx.orders.put(order)
	return order
}
