package core

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultReconcileBatchSize = 100

type SweepFailure struct {
	OrderID string
	Step    string
	Error   string
}

type SweepReport struct {
	Refunds     int
	Submissions int
	Failures    []SweepFailure
}

// Reconciler repairs orders whose side effects did not complete: terminal
// orders still owed a refund and paid orders that never reached the print
// provider.
type Reconciler struct {
	engine *Engine
}

func NewReconciler(engine *Engine) *Reconciler {
	return &Reconciler{engine: engine}
}

func (r *Reconciler) Sweep(ctx context.Context) (report SweepReport, err error) {
	if r == nil || r.engine == nil || r.engine.orders == nil {
		return SweepReport{}, fmt.Errorf("core: reconciler is not configured")
	}
	engine := r.engine
	startedAt := time.Now().UTC()
	fields := map[string]any{}
	defer func() {
		fields["refunds"] = report.Refunds
		fields["submissions"] = report.Submissions
		fields["failures"] = len(report.Failures)
		engine.observeOperation(ctx, startedAt, "reconcile", err, fields)
	}()

	batch := engine.config.Lifecycle.ReconcileBatchSize
	if batch <= 0 {
		batch = defaultReconcileBatchSize
	}
	grace := time.Duration(engine.config.Lifecycle.ReconcileGraceSeconds) * time.Second

	pending, err := engine.orders.ListPendingRefunds(ctx, batch)
	if err != nil {
		return report, err
	}
	for _, order := range pending {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		result, refundErr := engine.compensator.Refund(ctx, order.ID, nil, "reconcile "+string(order.Status)+" order")
		if refundErr != nil {
			report.Failures = append(report.Failures, SweepFailure{OrderID: order.ID, Step: "refund", Error: refundErr.Error()})
			continue
		}
		if result.Amount > 0 || result.MarkedRefunded {
			report.Refunds++
		}
	}

	cutoff := engine.now().Add(-grace)
	awaiting, err := engine.orders.ListAwaitingSubmission(ctx, cutoff, batch)
	if err != nil {
		return report, err
	}
	for _, order := range awaiting {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		updated, submitErr := engine.submitPrintJob(ctx, order)
		if errors.Is(submitErr, ErrSubmissionInProgress) {
			continue
		}
		if submitErr != nil {
			report.Failures = append(report.Failures, SweepFailure{OrderID: order.ID, Step: "submit_print_job", Error: submitErr.Error()})
			continue
		}
		if updated.ProviderJobID != "" {
			report.Submissions++
		}
	}
	return report, nil
}
