package prescription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/retry"
)

var errNotVisible = errors.New("write not yet visible")

// readFunc performs a single, unretried asset read. A nil asset means the
// ledger has no record for the patient.
type readFunc func(ctx context.Context, patientID string) (*PatientAsset, error)

// check describes what a successful write should look like once visible.
type check struct {
	op             Operation
	patientID      string
	prescriptionID string
	txID           string
	visible        func(*PatientAsset) bool
}

// Verifier polls the ledger after each accepted write until the write is
// observable, then records the outcome. Verification never changes the
// result already returned to the caller.
type Verifier struct {
	read    readFunc
	policy  retry.Policy
	timeout time.Duration
	journal Journal
	logger  zerolog.Logger

	wg sync.WaitGroup
}

func newVerifier(read readFunc, policy retry.Policy, timeout time.Duration, journal Journal, logger zerolog.Logger) *Verifier {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	policy.ShouldRetry = func(err error) bool {
		return errors.Is(err, errNotVisible) || gateway.IsTransient(err)
	}
	return &Verifier{
		read:    read,
		policy:  policy,
		timeout: timeout,
		journal: journal,
		logger:  logger,
	}
}

// schedule starts verification in the background. The task runs on its own
// context so it outlives the request that triggered it.
func (v *Verifier) schedule(c check) {
	v.wg.Add(1)
	go func() {
		defer v.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), v.timeout)
		defer cancel()
		v.record(ctx, v.run(ctx, c))
	}()
}

func (v *Verifier) run(ctx context.Context, c check) *VerificationOutcome {
	out := &VerificationOutcome{
		Operation:      c.op,
		PatientID:      c.patientID,
		PrescriptionID: c.prescriptionID,
		TxID:           c.txID,
		StartedAt:      time.Now().UTC(),
	}
	_, err := retry.Do(ctx, v.policy, func(ctx context.Context, attempt int) (struct{}, error) {
		out.Attempts = attempt
		asset, err := v.read(ctx, c.patientID)
		if err != nil {
			return struct{}{}, err
		}
		if asset == nil || !c.visible(asset) {
			return struct{}{}, errNotVisible
		}
		return struct{}{}, nil
	})
	out.FinishedAt = time.Now().UTC()
	out.Verified = err == nil
	if err != nil {
		out.Error = err.Error()
	}
	return out
}

func (v *Verifier) record(ctx context.Context, out *VerificationOutcome) {
	if out.Verified {
		v.logger.Info().
			Str("operation", string(out.Operation)).
			Str("patient_id", out.PatientID).
			Str("prescription_id", out.PrescriptionID).
			Str("tx_id", out.TxID).
			Int("attempts", out.Attempts).
			Msg("ledger write verified")
	} else {
		v.logger.Error().
			Str("operation", string(out.Operation)).
			Str("patient_id", out.PatientID).
			Str("prescription_id", out.PrescriptionID).
			Str("tx_id", out.TxID).
			Int("attempts", out.Attempts).
			Str("error", out.Error).
			Msg("ledger write not verified")
	}
	if v.journal == nil {
		return
	}
	// The task context may already be spent if verification timed out.
	jctx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := v.journal.Record(jctx, out); err != nil {
		v.logger.Error().Err(err).Str("patient_id", out.PatientID).Msg("failed to record verification outcome")
	}
}

// Wait blocks until every scheduled verification has finished or ctx ends.
// It must not run concurrently with schedule; see Service.Wait.
func (v *Verifier) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for verifications: %w", ctx.Err())
	}
}
