package fulfillment

import "github.com/goliatone/go-fulfillment/core"

type Config = core.Config

type Option = core.Option

type Engine = core.Engine

type EngineDependencies = core.EngineDependencies

type PrintOrder = core.PrintOrder
type OrderStatus = core.OrderStatus
type OrderEvent = core.OrderEvent
type CreateOrderInput = core.CreateOrderInput
type CreditTransaction = core.CreditTransaction
type ApplyResult = core.ApplyResult
type RefundResult = core.RefundResult
type SweepReport = core.SweepReport

type OrderStore = core.OrderStore
type CreditLedger = core.CreditLedger
type EventLedger = core.EventLedger
type UserDirectory = core.UserDirectory
type NotificationLedger = core.NotificationLedger
type EmailSender = core.EmailSender
type PrintJobSubmitter = core.PrintJobSubmitter
type BookAssetResolver = core.BookAssetResolver
type PaymentSessionRetriever = core.PaymentSessionRetriever

var (
	WithLogger                  = core.WithLogger
	WithLoggerProvider          = core.WithLoggerProvider
	WithMetricsRecorder         = core.WithMetricsRecorder
	WithErrorMapper             = core.WithErrorMapper
	WithPersistenceClient       = core.WithPersistenceClient
	WithRepositoryFactory       = core.WithRepositoryFactory
	WithConfigProvider          = core.WithConfigProvider
	WithOptionsResolver         = core.WithOptionsResolver
	WithOrderStore              = core.WithOrderStore
	WithCreditLedger            = core.WithCreditLedger
	WithEventLedger             = core.WithEventLedger
	WithUserDirectory           = core.WithUserDirectory
	WithNotificationLedger      = core.WithNotificationLedger
	WithEmailSender             = core.WithEmailSender
	WithTemplateCatalog         = core.WithTemplateCatalog
	WithPrintJobSubmitter       = core.WithPrintJobSubmitter
	WithBookAssetResolver       = core.WithBookAssetResolver
	WithPaymentSessionRetriever = core.WithPaymentSessionRetriever
	WithClock                   = core.WithClock
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewEngine(cfg Config, opts ...Option) (*Engine, error) {
	return core.NewEngine(cfg, opts...)
}
