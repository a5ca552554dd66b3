package core

import (
	"fmt"
	"strings"
)

// PrintStatusKind is the closed set of print provider statuses the lifecycle
// reacts to. Anything else maps to PrintStatusOther and is persisted verbatim.
type PrintStatusKind string

const (
	PrintStatusInProduction PrintStatusKind = "in_production"
	PrintStatusShipped      PrintStatusKind = "shipped"
	PrintStatusDelivered    PrintStatusKind = "delivered"
	PrintStatusRejected     PrintStatusKind = "rejected"
	PrintStatusCanceled     PrintStatusKind = "canceled"
	PrintStatusOther        PrintStatusKind = "other"
)

func ParsePrintStatus(name string) PrintStatusKind {
	switch normalizeStatusName(name) {
	case "in_production":
		return PrintStatusInProduction
	case "shipped":
		return PrintStatusShipped
	case "delivered":
		return PrintStatusDelivered
	case "rejected":
		return PrintStatusRejected
	case "canceled", "cancelled":
		return PrintStatusCanceled
	default:
		return PrintStatusOther
	}
}

type EffectKind string

const (
	EffectSubmitPrintJob EffectKind = "submit_print_job"
	EffectRefund         EffectKind = "refund"
	EffectNotify         EffectKind = "notify"
)

type NotificationCategory string

const (
	NotificationOrderConfirmed NotificationCategory = "order_confirmed"
	NotificationInProduction   NotificationCategory = "in_production"
	NotificationShipped        NotificationCategory = "shipped"
	NotificationDelivered      NotificationCategory = "delivered"
	NotificationRejected       NotificationCategory = "rejected"
	NotificationCanceled       NotificationCategory = "canceled"
	NotificationStatusUpdate   NotificationCategory = "status_update"
)

type Effect struct {
	Kind     EffectKind
	Category NotificationCategory
	Reason   string
}

// TransitionPlan is the outcome of applying one event to one order snapshot.
// Applicable is false when the event is irrelevant to the current state.
type TransitionPlan struct {
	From           OrderStatus
	To             OrderStatus
	Applicable     bool
	ProviderStatus string
	StatusMessage  string
	Tracking       *Tracking
	Effects        []Effect
	Reason         string
}

func (p TransitionPlan) Changed() bool {
	return p.Applicable && p.From != p.To
}

func (p TransitionPlan) Has(kind EffectKind) bool {
	for _, effect := range p.Effects {
		if effect.Kind == kind {
			return true
		}
	}
	return false
}

// StatusUpdate returns the conditional update that persists the plan.
func (p TransitionPlan) StatusUpdate(orderID string) StatusUpdate {
	return StatusUpdate{
		OrderID:        orderID,
		Expected:       p.From,
		Next:           p.To,
		ProviderStatus: p.ProviderStatus,
		StatusMessage:  p.StatusMessage,
		Tracking:       p.Tracking.Clone(),
	}
}

// Transition is a pure function of the order snapshot and the event.
func Transition(order PrintOrder, event OrderEvent) (TransitionPlan, error) {
	if !order.Status.Known() {
		return TransitionPlan{}, fmt.Errorf("core: order %s has unknown status %q", order.ID, order.Status)
	}
	switch event.Kind {
	case EventKindPaymentConfirmed:
		return paymentTransition(order), nil
	case EventKindPrintJobStatus:
		return printStatusTransition(order, event.Status, event.Tracking), nil
	default:
		return noop(order, fmt.Sprintf("event kind %q does not drive order status", event.Kind)), nil
	}
}

func paymentTransition(order PrintOrder) TransitionPlan {
	switch {
	case order.Status == OrderStatusCreated:
		plan := advance(order, OrderStatusPaid)
		plan.Effects = []Effect{
			{Kind: EffectSubmitPrintJob},
			{Kind: EffectNotify, Category: NotificationOrderConfirmed},
		}
		return plan
	case order.Status == OrderStatusPaid && strings.TrimSpace(order.ProviderJobID) == "":
		plan := advance(order, OrderStatusPaid)
		plan.Effects = []Effect{{Kind: EffectSubmitPrintJob}}
		plan.Reason = "resume print job submission"
		return plan
	default:
		return noop(order, "order already paid")
	}
}

func printStatusTransition(order PrintOrder, status PrintJobStatus, tracking *Tracking) TransitionPlan {
	rawName := strings.TrimSpace(status.Name)
	message := strings.TrimSpace(status.Message)

	var plan TransitionPlan
	switch ParsePrintStatus(rawName) {
	case PrintStatusInProduction:
		if order.Status != OrderStatusPaid {
			return noop(order, "in_production only applies to paid orders")
		}
		plan = advance(order, OrderStatusPrinting)
		plan.Effects = []Effect{{Kind: EffectNotify, Category: NotificationInProduction}}

	case PrintStatusShipped:
		if order.Status != OrderStatusPaid && order.Status != OrderStatusPrinting {
			return noop(order, "shipped only applies to paid or printing orders")
		}
		plan = advance(order, OrderStatusShipped)
		plan.Tracking = tracking.Clone()
		plan.Effects = []Effect{{Kind: EffectNotify, Category: NotificationShipped}}

	case PrintStatusDelivered:
		if order.Status != OrderStatusShipped {
			return noop(order, "delivered only applies to shipped orders")
		}
		plan = advance(order, OrderStatusDelivered)
		plan.Effects = []Effect{{Kind: EffectNotify, Category: NotificationDelivered}}

	case PrintStatusRejected:
		switch {
		case order.Status == OrderStatusPaid || order.Status == OrderStatusPrinting:
			plan = advance(order, OrderStatusRejected)
		case order.Status == OrderStatusRejected && !order.Refunded:
			// A redelivery after a failed refund finishes the compensation.
			plan = advance(order, OrderStatusRejected)
			plan.Reason = "resume rejection refund"
		default:
			return noop(order, "rejected only applies to paid or printing orders")
		}
		plan.Effects = []Effect{
			{Kind: EffectRefund, Reason: refundReason(rawName, message)},
			{Kind: EffectNotify, Category: NotificationRejected, Reason: message},
		}

	case PrintStatusCanceled:
		switch order.Status {
		case OrderStatusPaid, OrderStatusPrinting:
			plan = advance(order, OrderStatusCancelled)
			plan.Effects = []Effect{
				{Kind: EffectRefund, Reason: refundReason(rawName, message)},
				{Kind: EffectNotify, Category: NotificationCanceled, Reason: message},
			}
		case OrderStatusCancelled:
			if order.Refunded {
				return noop(order, "order already cancelled and refunded")
			}
			plan = advance(order, OrderStatusCancelled)
			plan.Effects = []Effect{
				{Kind: EffectRefund, Reason: refundReason(rawName, message)},
				{Kind: EffectNotify, Category: NotificationCanceled, Reason: message},
			}
			plan.Reason = "resume cancellation refund"
		case OrderStatusRejected:
			// The refund guard turns this into a no-op when the rejection
			// refund already landed.
			plan = advance(order, OrderStatusRejected)
			plan.Effects = []Effect{{Kind: EffectRefund, Reason: refundReason(rawName, message)}}
			plan.Reason = "canceled after rejected"
			return plan
		default:
			return noop(order, fmt.Sprintf("canceled ignored for %s order", order.Status))
		}

	default:
		plan = advance(order, order.Status)
		if !order.Status.Terminal() {
			plan.Effects = []Effect{{Kind: EffectNotify, Category: NotificationStatusUpdate, Reason: message}}
		}
	}

	plan.ProviderStatus = rawName
	plan.StatusMessage = message
	return plan
}

func advance(order PrintOrder, to OrderStatus) TransitionPlan {
	return TransitionPlan{
		From:           order.Status,
		To:             to,
		Applicable:     true,
		ProviderStatus: order.ProviderStatus,
		StatusMessage:  order.StatusMessage,
	}
}

func noop(order PrintOrder, reason string) TransitionPlan {
	return TransitionPlan{
		From:       order.Status,
		To:         order.Status,
		Applicable: false,
		Reason:     reason,
	}
}

func refundReason(statusName string, message string) string {
	reason := "print job " + normalizeStatusName(statusName)
	if message != "" {
		reason += ": " + message
	}
	return reason
}

func normalizeStatusName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return name
}
