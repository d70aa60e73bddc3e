package main

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/ehr/rxledger/internal/config"
	"github.com/ehr/rxledger/internal/domain/prescription"
	"github.com/ehr/rxledger/internal/platform/webhook"
)

const (
	eventVerified   = "verification.verified"
	eventUnverified = "verification.unverified"
)

// notifyingJournal posts outcomes to the operator webhook after recording
// them. Only unverified writes are sent unless all is set.
type notifyingJournal struct {
	prescription.Journal
	notifier *webhook.Notifier
	all      bool
	logger   zerolog.Logger
}

func (j notifyingJournal) Record(ctx context.Context, o *prescription.VerificationOutcome) error {
	err := j.Journal.Record(ctx, o)

	event := eventUnverified
	if o.Verified {
		if !j.all {
			return err
		}
		event = eventVerified
	}
	if _, nerr := j.notifier.Send(ctx, event, o); nerr != nil {
		j.logger.Error().Err(nerr).
			Str("event", event).
			Str("patient_id", o.PatientID).
			Str("prescription_id", o.PrescriptionID).
			Msg("webhook delivery failed")
	}
	return err
}

// decorateJournal layers metrics and webhook delivery over j. m may be nil.
func decorateJournal(cfg *config.Config, logger zerolog.Logger, j prescription.Journal, m *metrics) (prescription.Journal, error) {
	if m != nil {
		j = countingJournal{Journal: j, verifications: m.verifications}
	}
	if cfg.WebhookURL == "" {
		return j, nil
	}
	n, err := webhook.NewNotifier(webhook.Config{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}, webhook.WithLogger(logger))
	if err != nil {
		return nil, err
	}
	return notifyingJournal{Journal: j, notifier: n, all: cfg.WebhookAllOutcomes, logger: logger}, nil
}
