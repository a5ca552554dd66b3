package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type OrderStore interface {
	Create(ctx context.Context, in CreateOrderInput) (PrintOrder, error)
	Get(ctx context.Context, id string) (PrintOrder, error)
	GetByProviderJobID(ctx context.Context, jobID string) (PrintOrder, error)
	// UpdateStatus is a compare-and-swap on the stored status. It returns
	// ErrOrderStatusConflict when the stored status differs from Expected.
	UpdateStatus(ctx context.Context, in StatusUpdate) (PrintOrder, error)
	// ClaimSubmission marks a paid order without a provider job as being
	// submitted. claimed is false while an unexpired claim is held or once a
	// job id is stored. Claims taken at or before staleBefore are expired.
	ClaimSubmission(ctx context.Context, orderID string, at time.Time, staleBefore time.Time) (claimed bool, err error)
	ReleaseSubmission(ctx context.Context, orderID string) error
	// SetProviderJob stores the job id and clears the submission claim.
	SetProviderJob(ctx context.Context, orderID string, jobID string) (PrintOrder, error)
	RecordFailure(ctx context.Context, orderID string, message string) error
	MarkRefunded(ctx context.Context, orderID string, at time.Time) error
	ListPendingRefunds(ctx context.Context, limit int) ([]PrintOrder, error)
	ListAwaitingSubmission(ctx context.Context, updatedBefore time.Time, limit int) ([]PrintOrder, error)
}

type CreditLedger interface {
	// Append inserts the entry and adjusts the user's balance projection in one
	// transaction. created is false when the correlation id was already recorded.
	Append(ctx context.Context, in AppendCreditInput) (CreditTransaction, bool, error)
	ListForOrder(ctx context.Context, orderID string) ([]CreditTransaction, error)
	Balance(ctx context.Context, userID string) (int64, error)
}

type EventLedger interface {
	Lookup(ctx context.Context, provider string, eventID string) (WebhookEventRecord, bool, error)
	// Record inserts the event once. inserted is false on a replay.
	Record(ctx context.Context, record WebhookEventRecord) (bool, error)
}

type UserDirectory interface {
	GetUser(ctx context.Context, id string) (User, error)
}

type NotificationLedger interface {
	// Seen reports whether a dispatch with this key was sent successfully.
	Seen(ctx context.Context, idempotencyKey string) (bool, error)
	// Record upserts by idempotency key so a failed dispatch can be retried.
	Record(ctx context.Context, record NotificationDispatchRecord) error
}

type NotificationDispatchRecord struct {
	EventID        string
	OrderID        string
	Category       NotificationCategory
	TemplateID     string
	RecipientKey   string
	IdempotencyKey string
	Status         string
	Error          string
	Metadata       map[string]any
}

type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

type PrintJobSubmitter interface {
	Submit(ctx context.Context, req PrintJobRequest) (PrintJobReceipt, error)
}

type BookAssetResolver interface {
	Resolve(ctx context.Context, order PrintOrder) (BookFiles, error)
}

type PaymentSessionRetriever interface {
	RetrieveSession(ctx context.Context, sessionID string) (PaymentSession, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

// StoreProvider is implemented by persistence factories that build every store
// from one client.
type StoreProvider interface {
	OrderStore() OrderStore
	CreditLedger() CreditLedger
	EventLedger() EventLedger
	UserDirectory() UserDirectory
	NotificationLedger() NotificationLedger
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger
