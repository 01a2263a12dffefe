// Package notify delivers committed claims to downstream consumers. A job is
// enqueued in the claim's own transaction, so a notification exists if and
// only if the claim committed.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/sirupsen/logrus"

	"github.com/inaiurai/idleclaim/internal/models"
	"github.com/inaiurai/idleclaim/internal/repository"
)

// ClaimRecordedArgs describes one committed offline claim.
type ClaimRecordedArgs struct {
	LedgerID     uuid.UUID `json:"ledger_id"`
	AccountID    uuid.UUID `json:"account_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	WindowStart  time.Time `json:"window_start"`
	WindowEnd    time.Time `json:"window_end"`
}

func (ClaimRecordedArgs) Kind() string { return "claim_recorded" }

// InsertTxFunc enqueues args inside tx.
type InsertTxFunc func(ctx context.Context, tx pgx.Tx, args ClaimRecordedArgs) error

// Hook adapts insert to the store's claim hook.
func Hook(insert InsertTxFunc) repository.ClaimHook {
	return func(ctx context.Context, tx pgx.Tx, e *models.CreditLedger) error {
		args := ClaimRecordedArgs{
			LedgerID:     e.ID,
			AccountID:    e.AccountID,
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			WindowStart:  e.WindowStart,
			WindowEnd:    e.WindowEnd,
		}
		if err := insert(ctx, tx, args); err != nil {
			return fmt.Errorf("enqueue claim notification: %w", err)
		}
		return nil
	}
}

// ClaimRecordedWorker posts each claim to a webhook. With no webhook
// configured the claim is only logged.
type ClaimRecordedWorker struct {
	river.WorkerDefaults[ClaimRecordedArgs]
	webhookURL string
	httpClient *http.Client
	log        logrus.FieldLogger
}

// NewClaimRecordedWorker returns a worker posting to webhookURL.
func NewClaimRecordedWorker(webhookURL string, log logrus.FieldLogger) *ClaimRecordedWorker {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ClaimRecordedWorker{
		webhookURL: webhookURL,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		log:        log,
	}
}

func (w *ClaimRecordedWorker) Timeout(*river.Job[ClaimRecordedArgs]) time.Duration {
	return 30 * time.Second
}

func (w *ClaimRecordedWorker) Work(ctx context.Context, job *river.Job[ClaimRecordedArgs]) error {
	args := job.Args
	log := w.log.WithFields(logrus.Fields{
		"account_id": args.AccountID,
		"ledger_id":  args.LedgerID,
		"amount":     args.Amount,
	})
	if w.webhookURL == "" {
		log.Info("claim recorded")
		return nil
	}

	body, err := json.Marshal(args)
	if err != nil {
		return river.JobCancel(fmt.Errorf("encode claim: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.webhookURL, bytes.NewReader(body))
	if err != nil {
		return river.JobCancel(fmt.Errorf("build webhook request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", args.LedgerID.String())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("network error calling claim webhook: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		log.Debug("claim webhook delivered")
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		// The consumer rejected the payload; retrying will not change that.
		return river.JobCancel(fmt.Errorf("claim webhook rejected with status %d", resp.StatusCode))
	default:
		return fmt.Errorf("claim webhook returned status %d", resp.StatusCode)
	}
}
