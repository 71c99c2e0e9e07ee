package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/policyflow/internal/app"
	"github.com/vladislavdragonenkov/policyflow/internal/domain"
	"github.com/vladislavdragonenkov/policyflow/internal/service/admin"
)

const usage = `usage: policyctl <command> [flags]

commands:
  history         show the event history of a policy
  failed          list policies whose current state is failed
  retry           retry a failed policy from its last successful step
  refund          refund the payment of a policy
  confirm-refund  record the payment provider's refund confirmation
  resume          enqueue paid policies that were never issued
`

// newRuntime собирает runtime по переменным окружения POLICYFLOW_*.
var newRuntime = func(ctx context.Context) (*app.Runtime, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, err
	}
	cfg.ResumeOnStart = false
	logger := log.WithField("component", "policyctl")
	return app.NewRuntime(ctx, cfg, logger)
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetLevel(log.WarnLevel)
	log.SetOutput(os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fail("%v", err)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		return errors.New(usage)
	}

	command, args := args[0], args[1:]
	fs := flag.NewFlagSet("policyctl "+command, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		policyID = fs.String("policy", "", "policy id")
		limit    = fs.Int("limit", 50, "max number of policies")
		reason   = fs.String("reason", "", "refund reason")
		actor    = fs.String("actor", "", "operator who requested the refund")
		refundID = fs.String("refund-id", "", "refund id from the payment provider (defaults to the initiated one)")
		asJSON   = fs.Bool("json", false, "print JSON instead of a table")
	)
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%s: %w", command, err)
	}

	needsPolicy := map[string]bool{"history": true, "retry": true, "refund": true, "confirm-refund": true}
	known := needsPolicy[command] || command == "failed" || command == "resume"
	if !known {
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
	if needsPolicy[command] && strings.TrimSpace(*policyID) == "" {
		return fmt.Errorf("%s: -policy is required", command)
	}
	if command == "refund" && strings.TrimSpace(*actor) == "" {
		return errors.New("refund: -actor is required")
	}

	rt, err := newRuntime(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	switch command {
	case "history":
		history, err := rt.Admin.History(ctx, *policyID)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(out, historyView(history))
		}
		return writeHistory(out, history)
	case "failed":
		failed, err := rt.Admin.ListFailed(ctx, *limit)
		if err != nil {
			return err
		}
		if *asJSON {
			return writeJSON(out, failed)
		}
		return writeFailed(out, failed)
	case "retry":
		rt.Scheduler.Start(ctx)
		if err := rt.Admin.Retry(ctx, *policyID); err != nil {
			return err
		}
		// Stop дожидается, пока воркеры разберут очередь.
		rt.Scheduler.Stop()
		return writeCurrent(ctx, out, rt, *policyID)
	case "refund":
		evt, err := rt.Admin.InitiateRefund(ctx, *policyID, *reason, *actor)
		if err != nil {
			return err
		}
		refund := evt.Payload.(domain.RefundInitiated)
		_, err = fmt.Fprintf(out, "refund initiated: policy=%s refund_id=%s amount_minor=%d\n", *policyID, refund.RefundID, refund.AmountMinor)
		return err
	case "confirm-refund":
		evt, err := rt.Admin.ConfirmRefund(ctx, *policyID, *refundID)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintf(out, "refund confirmed: policy=%s refund_id=%s\n", *policyID, evt.Payload.(domain.Refunded).RefundID)
		return err
	default: // resume
		rt.Scheduler.Start(ctx)
		resumed, err := rt.Admin.ResumeInFlight(ctx, *limit)
		if err != nil {
			return err
		}
		rt.Scheduler.Stop()
		_, err = fmt.Fprintf(out, "resumed %d policies\n", len(resumed))
		return err
	}
}

type eventView struct {
	Seq       int64            `json:"seq"`
	Kind      domain.EventKind `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
	Payload   any              `json:"payload"`
}

func historyView(history []domain.Event) []eventView {
	views := make([]eventView, 0, len(history))
	for _, evt := range history {
		views = append(views, eventView{Seq: evt.Seq, Kind: evt.Kind, CreatedAt: evt.CreatedAt, Payload: evt.Payload})
	}
	return views
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeHistory(out io.Writer, history []domain.Event) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SEQ\tKIND\tCREATED_AT\tDETAILS")
	for _, evt := range history {
		_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", evt.Seq, evt.Kind, evt.CreatedAt.UTC().Format(time.RFC3339), details(evt.Payload))
	}
	return tw.Flush()
}

func writeFailed(out io.Writer, failed []admin.FailedPolicy) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "POLICY\tSTEP\tFAILURES\tFAILED_AT\tERROR")
	for _, row := range failed {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", row.PolicyID, row.Step, row.Failures, row.FailedAt.UTC().Format(time.RFC3339), row.ErrorMessage)
	}
	return tw.Flush()
}

func writeCurrent(ctx context.Context, out io.Writer, rt *app.Runtime, policyID string) error {
	history, err := rt.Admin.History(ctx, policyID)
	if err != nil {
		return err
	}
	current, ok := domain.CurrentOf(history)
	if !ok {
		return domain.ErrPolicyNotFound
	}
	_, err = fmt.Fprintf(out, "policy %s is now %s\n", policyID, current.Kind)
	return err
}

func details(payload domain.EventPayload) string {
	switch p := payload.(type) {
	case domain.PendingPayment:
		return "checkout_session=" + p.CheckoutSessionID
	case domain.PaymentReceived:
		return fmt.Sprintf("payment_intent=%s amount_minor=%d %s", p.PaymentIntentID, p.AmountMinor, p.Currency)
	case domain.ContractCreated:
		return fmt.Sprintf("order_id=%s policy_number=%s", p.OrderID, p.PolicyNumber)
	case domain.ContractConfirmed:
		return "order_id=" + p.OrderID
	case domain.Completed:
		return "document=" + p.DocumentPath
	case domain.Failed:
		return fmt.Sprintf("step=%s error=%s", p.Step, p.ErrorMessage)
	case domain.RefundInitiated:
		return fmt.Sprintf("refund_id=%s actor=%s reason=%q", p.RefundID, p.Actor, p.Reason)
	case domain.Refunded:
		return "refund_id=" + p.RefundID
	default:
		return ""
	}
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
