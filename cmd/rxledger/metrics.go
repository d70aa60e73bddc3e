package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/ehr/rxledger/internal/domain/prescription"
	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/telemetry"
)

type metrics struct {
	reg            *telemetry.Registry
	gatewayCalls   *telemetry.CounterVec
	gatewayLatency *telemetry.HistogramVec
	verifications  *telemetry.CounterVec
}

func newMetrics() *metrics {
	reg := telemetry.NewRegistry("rxledger")
	return &metrics{
		reg: reg,
		gatewayCalls: reg.Counter("gateway_calls_total",
			"Ledger gateway calls by operation, chaincode function and outcome.", "op", "function", "outcome"),
		gatewayLatency: reg.Histogram("gateway_call_duration_seconds",
			"Ledger gateway call latency in seconds.", telemetry.DurationBuckets, "op"),
		verifications: reg.Counter("verifications_total",
			"Write verifications by operation and result.", "operation", "verified"),
	}
}

// observeGateway is a gateway.Observer.
func (m *metrics) observeGateway(op, function string, status int, latency time.Duration, err error) {
	m.gatewayCalls.Inc(op, function, callOutcome(err))
	m.gatewayLatency.Observe(latency.Seconds(), op)
}

func callOutcome(err error) string {
	var te *gateway.TransportError
	var ge *gateway.GatewayError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &ge):
		return "rejected"
	case errors.As(err, &te):
		return "transport"
	}
	return "error"
}

// countingJournal counts outcomes before handing them to the real journal.
type countingJournal struct {
	prescription.Journal
	verifications *telemetry.CounterVec
}

func (j countingJournal) Record(ctx context.Context, o *prescription.VerificationOutcome) error {
	j.verifications.Inc(string(o.Operation), strconv.FormatBool(o.Verified))
	return j.Journal.Record(ctx, o)
}
