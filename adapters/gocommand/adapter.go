package gocommand

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/goliatone/go-command"
	commanddispatcher "github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-command/runner"
	jobqueuecommand "github.com/goliatone/go-job/queue/command"

	fulfillment "github.com/goliatone/go-fulfillment"
)

// ValidateMessageContract enforces Type() plus optional Validate() contract.
func ValidateMessageContract(msg any) error {
	if err := command.ValidateMessage(msg); err != nil {
		return err
	}
	m, ok := msg.(command.Message)
	if !ok {
		return fmt.Errorf("gocommand: message must implement Type() string")
	}
	if strings.TrimSpace(m.Type()) == "" {
		return fmt.Errorf("gocommand: message type is required")
	}
	return nil
}

// Bus owns the command registry and the dispatcher subscriptions for one
// fulfillment facade. Close releases every subscription it made.
type Bus struct {
	registry *command.Registry

	mu            sync.Mutex
	subscriptions []commanddispatcher.Subscription
}

func NewBus(registry *command.Registry) *Bus {
	if registry == nil {
		registry = command.NewRegistry()
	}
	return &Bus{registry: registry}
}

func (b *Bus) Registry() *command.Registry {
	if b == nil {
		return nil
	}
	return b.registry
}

// MirrorToQueue copies every registered command into the go-job queue
// registry when the bus is initialized.
func (b *Bus) MirrorToQueue(key string, queueRegistry *jobqueuecommand.Registry) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if queueRegistry == nil {
		return fmt.Errorf("gocommand: queue registry is required")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("gocommand: resolver key is required")
	}
	if b.registry.HasResolver(key) {
		return fmt.Errorf("gocommand: resolver %q already registered", key)
	}
	return b.registry.AddResolver(key, jobqueuecommand.QueueResolver(queueRegistry))
}

// RegisterCommand adds a command to the registry without subscribing it.
func (b *Bus) RegisterCommand(cmd any) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if cmd == nil {
		return fmt.Errorf("gocommand: command is required")
	}
	return b.registry.RegisterCommand(cmd)
}

// Register registers and subscribes every facade command and query. When a
// step fails the subscriptions made by this call are released.
func (b *Bus) Register(facade *fulfillment.Facade, runnerOpts ...runner.Option) error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	if facade == nil {
		return fmt.Errorf("gocommand: facade is required")
	}
	commands := facade.Commands()
	queries := facade.Queries()

	var made []commanddispatcher.Subscription
	steps := []func() (commanddispatcher.Subscription, error){
		func() (commanddispatcher.Subscription, error) {
			return subscribeCommand(b, commands.CreateOrder, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeCommand(b, commands.ApplyOrderEvent, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeCommand(b, commands.SubmitPrintJob, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeCommand(b, commands.RefundOrder, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeCommand(b, commands.ReconcileOrders, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeQuery(b, queries.GetOrder, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeQuery(b, queries.GetCreditBalance, runnerOpts...)
		},
		func() (commanddispatcher.Subscription, error) {
			return subscribeQuery(b, queries.ListOrderCredits, runnerOpts...)
		},
	}
	for _, step := range steps {
		subscription, err := step()
		if err != nil {
			for _, sub := range made {
				sub.Unsubscribe()
			}
			return err
		}
		made = append(made, subscription)
	}

	b.mu.Lock()
	b.subscriptions = append(b.subscriptions, made...)
	b.mu.Unlock()
	return nil
}

// Subscriptions reports how many dispatcher subscriptions the bus holds.
func (b *Bus) Subscriptions() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subscriptions)
}

func (b *Bus) Initialize() error {
	if b == nil || b.registry == nil {
		return fmt.Errorf("gocommand: registry is not configured")
	}
	return b.registry.Initialize()
}

// Close unsubscribes every handler. It is safe to call more than once.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()
	for _, sub := range subscriptions {
		if sub != nil {
			sub.Unsubscribe()
		}
	}
	return nil
}

// Dispatch validates msg and sends it to the subscribed command handler.
func Dispatch[T any](ctx context.Context, msg T) error {
	if err := ValidateMessageContract(msg); err != nil {
		return err
	}
	return commanddispatcher.Dispatch(ctx, msg)
}

// Query validates msg and returns the subscribed query handler's result.
func Query[T any, R any](ctx context.Context, msg T) (R, error) {
	if err := ValidateMessageContract(msg); err != nil {
		var zero R
		return zero, err
	}
	return commanddispatcher.Query[T, R](ctx, msg)
}

func subscribeCommand[T any](b *Bus, cmd command.Commander[T], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if cmd == nil {
		return nil, fmt.Errorf("gocommand: command is required")
	}
	subscription := commanddispatcher.SubscribeCommand(cmd, runnerOpts...)
	if err := b.registry.RegisterCommand(cmd); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}

func subscribeQuery[T any, R any](b *Bus, qry command.Querier[T, R], runnerOpts ...runner.Option) (commanddispatcher.Subscription, error) {
	if qry == nil {
		return nil, fmt.Errorf("gocommand: query is required")
	}
	subscription := commanddispatcher.SubscribeQuery(qry, runnerOpts...)
	if err := b.registry.RegisterCommand(qry); err != nil {
		if subscription != nil {
			subscription.Unsubscribe()
		}
		return nil, err
	}
	return subscription, nil
}
