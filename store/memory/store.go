// Package memorystore keeps every fulfillment store in process memory. It is
// used by tests and by single-node development setups.
package memorystore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-fulfillment/core"
)

type Store struct {
	mu            sync.Mutex
	now           func() time.Time
	orders        map[string]core.PrintOrder
	credits       []core.CreditTransaction
	correlations  map[string]int
	balances      map[string]int64
	users         map[string]core.User
	events        map[string]core.WebhookEventRecord
	notifications map[string]core.NotificationDispatchRecord
}

func New() *Store {
	return &Store{
		now: func() time.Time {
			return time.Now().UTC()
		},
		orders:        map[string]core.PrintOrder{},
		correlations:  map[string]int{},
		balances:      map[string]int64{},
		users:         map[string]core.User{},
		events:        map[string]core.WebhookEventRecord{},
		notifications: map[string]core.NotificationDispatchRecord{},
	}
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Store) OrderStore() core.OrderStore { return orderStore{s} }

func (s *Store) CreditLedger() core.CreditLedger { return creditLedger{s} }

func (s *Store) EventLedger() core.EventLedger { return eventLedger{s} }

func (s *Store) UserDirectory() core.UserDirectory { return userDirectory{s} }

func (s *Store) NotificationLedger() core.NotificationLedger { return notificationLedger{s} }

// UpsertUser creates or replaces a user and opens a zero balance for it.
func (s *Store) UpsertUser(_ context.Context, user core.User) error {
	id := strings.TrimSpace(user.ID)
	if id == "" {
		return core.NewBadInputError("memorystore: user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	user.ID = id
	s.users[id] = user
	if _, ok := s.balances[id]; !ok {
		s.balances[id] = 0
	}
	return nil
}

// PutOrder stores an order snapshot as is.
func (s *Store) PutOrder(order core.PrintOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = cloneOrder(order)
}

// Notifications returns dispatch records ordered by idempotency key.
func (s *Store) Notifications() []core.NotificationDispatchRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.NotificationDispatchRecord, 0, len(s.notifications))
	for _, record := range s.notifications {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IdempotencyKey < out[j].IdempotencyKey })
	return out
}

type orderStore struct{ s *Store }

func (o orderStore) Create(_ context.Context, in core.CreateOrderInput) (core.PrintOrder, error) {
	if err := in.Validate(); err != nil {
		return core.PrintOrder{}, err
	}
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}
	if _, exists := s.orders[id]; exists {
		return core.PrintOrder{}, core.NewBadInputError("memorystore: order id already exists")
	}
	now := s.now()
	order := core.PrintOrder{
		ID:            id,
		UserID:        strings.TrimSpace(in.UserID),
		BookID:        strings.TrimSpace(in.BookID),
		Quantity:      in.Quantity,
		Shipping:      in.Shipping,
		ShippingLevel: in.ShippingLevel,
		PaymentRef:    in.PaymentRef,
		Cost:          in.Cost,
		CreditCost:    in.CreditCost,
		Status:        core.OrderStatusCreated,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.orders[id] = order
	return cloneOrder(order), nil
}

func (o orderStore) Get(_ context.Context, id string) (core.PrintOrder, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(id)]
	if !ok {
		return core.PrintOrder{}, core.ErrOrderNotFound
	}
	return cloneOrder(order), nil
}

func (o orderStore) GetByProviderJobID(_ context.Context, jobID string) (core.PrintOrder, error) {
	jobID = strings.TrimSpace(jobID)
	if jobID == "" {
		return core.PrintOrder{}, core.ErrOrderNotFound
	}
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, order := range s.orders {
		if order.ProviderJobID == jobID {
			return cloneOrder(order), nil
		}
	}
	return core.PrintOrder{}, core.ErrOrderNotFound
}

func (o orderStore) UpdateStatus(_ context.Context, in core.StatusUpdate) (core.PrintOrder, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[in.OrderID]
	if !ok {
		return core.PrintOrder{}, core.ErrOrderNotFound
	}
	if order.Status != in.Expected {
		return core.PrintOrder{}, core.ErrOrderStatusConflict
	}
	order.Status = in.Next
	order.ProviderStatus = in.ProviderStatus
	order.StatusMessage = in.StatusMessage
	if in.Tracking != nil {
		order.Tracking = in.Tracking.Clone()
	}
	order.UpdatedAt = s.now()
	s.orders[order.ID] = order
	return cloneOrder(order), nil
}

func (o orderStore) ClaimSubmission(_ context.Context, orderID string, at time.Time, staleBefore time.Time) (bool, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return false, core.ErrOrderNotFound
	}
	if order.Status != core.OrderStatusPaid || strings.TrimSpace(order.ProviderJobID) != "" {
		return false, nil
	}
	if order.SubmissionClaimedAt != nil && order.SubmissionClaimedAt.After(staleBefore) {
		return false, nil
	}
	at = at.UTC()
	order.SubmissionClaimedAt = &at
	s.orders[order.ID] = order
	return true, nil
}

func (o orderStore) ReleaseSubmission(_ context.Context, orderID string) error {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[strings.TrimSpace(orderID)]
	if !ok {
		return core.ErrOrderNotFound
	}
	order.SubmissionClaimedAt = nil
	s.orders[order.ID] = order
	return nil
}

func (o orderStore) SetProviderJob(_ context.Context, orderID string, jobID string) (core.PrintOrder, error) {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return core.PrintOrder{}, core.ErrOrderNotFound
	}
	order.ProviderJobID = strings.TrimSpace(jobID)
	order.SubmissionClaimedAt = nil
	order.LastError = ""
	order.UpdatedAt = s.now()
	s.orders[orderID] = order
	return cloneOrder(order), nil
}

func (o orderStore) RecordFailure(_ context.Context, orderID string, message string) error {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return core.ErrOrderNotFound
	}
	order.LastError = message
	order.RetryCount++
	s.orders[orderID] = order
	return nil
}

func (o orderStore) MarkRefunded(_ context.Context, orderID string, at time.Time) error {
	s := o.s
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[orderID]
	if !ok {
		return core.ErrOrderNotFound
	}
	if order.Refunded {
		return nil
	}
	at = at.UTC()
	order.Refunded = true
	order.RefundedAt = &at
	order.UpdatedAt = s.now()
	s.orders[orderID] = order
	return nil
}

func (o orderStore) ListPendingRefunds(_ context.Context, limit int) ([]core.PrintOrder, error) {
	return o.s.listOrders(limit, func(order core.PrintOrder) bool {
		return (order.Status == core.OrderStatusRejected || order.Status == core.OrderStatusCancelled) &&
			!order.Refunded && order.CreditCost > 0
	}), nil
}

func (o orderStore) ListAwaitingSubmission(_ context.Context, updatedBefore time.Time, limit int) ([]core.PrintOrder, error) {
	return o.s.listOrders(limit, func(order core.PrintOrder) bool {
		return order.Status == core.OrderStatusPaid &&
			strings.TrimSpace(order.ProviderJobID) == "" &&
			!order.UpdatedAt.After(updatedBefore)
	}), nil
}

func (s *Store) listOrders(limit int, match func(core.PrintOrder) bool) []core.PrintOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.PrintOrder{}
	for _, order := range s.orders {
		if match(order) {
			out = append(out, cloneOrder(order))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

type creditLedger struct{ s *Store }

func (c creditLedger) Append(_ context.Context, in core.AppendCreditInput) (core.CreditTransaction, bool, error) {
	if err := in.Validate(); err != nil {
		return core.CreditTransaction{}, false, err
	}
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	userID := strings.TrimSpace(in.UserID)
	if _, ok := s.balances[userID]; !ok {
		return core.CreditTransaction{}, false, core.ErrUserNotFound
	}
	correlationID := strings.TrimSpace(in.CorrelationID)
	if correlationID != "" {
		if idx, ok := s.correlations[correlationID]; ok {
			return s.credits[idx], false, nil
		}
	}
	entry := core.CreditTransaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		OrderID:       strings.TrimSpace(in.OrderID),
		Delta:         in.Delta,
		Reason:        in.Reason,
		CorrelationID: correlationID,
		Note:          in.Note,
		CreatedAt:     s.now(),
	}
	s.credits = append(s.credits, entry)
	if correlationID != "" {
		s.correlations[correlationID] = len(s.credits) - 1
	}
	s.balances[userID] += in.Delta
	return entry, true, nil
}

func (c creditLedger) ListForOrder(_ context.Context, orderID string) ([]core.CreditTransaction, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []core.CreditTransaction{}
	for _, entry := range s.credits {
		if entry.OrderID == orderID {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (c creditLedger) Balance(_ context.Context, userID string) (int64, error) {
	s := c.s
	s.mu.Lock()
	defer s.mu.Unlock()
	balance, ok := s.balances[strings.TrimSpace(userID)]
	if !ok {
		return 0, core.ErrUserNotFound
	}
	return balance, nil
}

type eventLedger struct{ s *Store }

func eventKey(provider string, eventID string) string {
	return strings.ToLower(strings.TrimSpace(provider)) + "|" + strings.TrimSpace(eventID)
}

func (e eventLedger) Lookup(_ context.Context, provider string, eventID string) (core.WebhookEventRecord, bool, error) {
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.events[eventKey(provider, eventID)]
	return record, ok, nil
}

func (e eventLedger) Record(_ context.Context, record core.WebhookEventRecord) (bool, error) {
	if strings.TrimSpace(record.Provider) == "" || strings.TrimSpace(record.EventID) == "" {
		return false, core.NewBadInputError("memorystore: event provider and id are required")
	}
	s := e.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := eventKey(record.Provider, record.EventID)
	if _, ok := s.events[key]; ok {
		return false, nil
	}
	if record.FirstSeenAt.IsZero() {
		record.FirstSeenAt = s.now()
	}
	s.events[key] = record
	return true, nil
}

type userDirectory struct{ s *Store }

func (u userDirectory) GetUser(_ context.Context, id string) (core.User, error) {
	s := u.s
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.users[strings.TrimSpace(id)]
	if !ok {
		return core.User{}, core.ErrUserNotFound
	}
	return user, nil
}

type notificationLedger struct{ s *Store }

func (n notificationLedger) Seen(_ context.Context, key string) (bool, error) {
	s := n.s
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.notifications[strings.TrimSpace(key)]
	return ok && record.Status == "sent", nil
}

func (n notificationLedger) Record(_ context.Context, record core.NotificationDispatchRecord) error {
	key := strings.TrimSpace(record.IdempotencyKey)
	if key == "" {
		return core.NewBadInputError("memorystore: notification idempotency key is required")
	}
	s := n.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications[key] = record
	return nil
}

func cloneOrder(order core.PrintOrder) core.PrintOrder {
	order.Tracking = order.Tracking.Clone()
	if order.RefundedAt != nil {
		at := *order.RefundedAt
		order.RefundedAt = &at
	}
	if order.SubmissionClaimedAt != nil {
		at := *order.SubmissionClaimedAt
		order.SubmissionClaimedAt = &at
	}
	return order
}
