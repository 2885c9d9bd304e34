package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"reelpipe/internal/bus"
	"reelpipe/internal/engine"
	"reelpipe/internal/services"
	"reelpipe/internal/services/email"
)

// welcomePurchase handles NewPurchaseCreated. The checkout session id is the
// idempotency key, so a redelivered purchase event never produces a second
// welcome mail.
func (p *Pipeline) welcomePurchase(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.NewPurchaseCreated)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowPurchaseWelcome, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}

	_, err := engine.Step(ctx, run, "send-welcome-email", func(ctx context.Context) (string, error) {
		body := fmt.Sprintf("Thanks for your purchase!\n\nOrder reference: %s\n", event.PurchaseID)
		if err := p.email.Send(ctx, event.Email, "Welcome aboard", body); err != nil {
			return "", err
		}
		return event.Email, nil
	})
	return err
}

func purchaseKey(event bus.Event) string {
	if e, ok := event.(bus.NewPurchaseCreated); ok {
		return e.CheckoutSessionID
	}
	return ""
}

// grantRole handles RoleGranted: notify the user of their new role exactly
// once per (email, event) pair.
func (p *Pipeline) grantRole(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.RoleGranted)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowRoleGrant, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}

	_, err := engine.Step(ctx, run, "notify-role-granted", func(ctx context.Context) (string, error) {
		body := fmt.Sprintf("You now have the %q role. It is active immediately.\n", event.Role)
		if err := p.email.Send(ctx, event.Email, "New role: "+event.Role, body); err != nil {
			return "", err
		}
		return event.Role, nil
	})
	return err
}

func roleGrantKey(event bus.Event) string {
	if e, ok := event.(bus.RoleGranted); ok {
		return e.Email + "-" + e.Name()
	}
	return ""
}

// notifyOperator handles VideoProcessed for the operator channel. A blank
// operator address turns this into a no-op workflow.
func (p *Pipeline) notifyOperator(ctx context.Context, run *engine.Run) error {
	event, ok := run.Event().(bus.VideoProcessed)
	if !ok {
		return services.Wrap(services.ErrTerminal, WorkflowOperatorNotify, "decode event",
			fmt.Sprintf("unexpected event %T", run.Event()), nil)
	}
	if p.cfg.OperatorEmail == "" {
		return nil
	}

	_, err := engine.Step(ctx, run, "notify-operator", func(ctx context.Context) (string, error) {
		body := fmt.Sprintf("Subtitles attached for resource %s.\n", event.VideoResourceID)
		if err := p.email.Send(ctx, p.cfg.OperatorEmail, "Video processed: "+event.VideoResourceID, body); err != nil {
			return "", err
		}
		return event.VideoResourceID, nil
	})
	return err
}

// FailureNotifier emails the operator when a run fails terminally. It plugs
// into the engine as an observer; delivery is best effort and never blocks
// run bookkeeping.
type FailureNotifier struct {
	engine.NoopObserver

	Sender   email.Sender
	Operator string
	Logger   *slog.Logger
}

func (n *FailureNotifier) OnRunFailed(ctx context.Context, runID, workflow string, err error) {
	if n.Sender == nil || n.Operator == "" {
		return
	}
	body := fmt.Sprintf("Run %s (%s) failed:\n\n%v\n", runID, workflow, err)
	if serr := n.Sender.Send(ctx, n.Operator, "Workflow run failed: "+workflow, body); serr != nil {
		logger := n.Logger
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("failure notification not delivered",
			slog.String("run_id", runID),
			slog.Any("error", serr),
		)
	}
}
