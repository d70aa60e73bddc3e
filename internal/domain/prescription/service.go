package prescription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/retry"
	"github.com/ehr/rxledger/internal/platform/wire"
)

// Ledger is the subset of the gateway client the service needs.
type Ledger interface {
	Invoke(ctx context.Context, function string, args ...interface{}) (*gateway.Response, error)
	Query(ctx context.Context, function string, args ...interface{}) (*gateway.Response, error)
}

// Config tunes retries, verification and prescription validity.
type Config struct {
	Retry         retry.Policy
	Verify        retry.Policy
	VerifyTimeout time.Duration
	// Validity is added to the creation time when a line has no expiry.
	Validity time.Duration
}

const defaultValidity = 30 * 24 * time.Hour

// Service is the prescription lifecycle manager. It holds no per-request
// state; concurrent calls for the same patient are ordered by the ledger
// alone.
type Service struct {
	ledger   Ledger
	retry    retry.Policy
	validity time.Duration
	journal  Journal
	verifier *Verifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(ledger Ledger, journal Journal, logger zerolog.Logger, cfg Config) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = defaultValidity
	}
	if journal == nil {
		journal = NewMemoryJournal(0)
	}
	s := &Service{
		ledger:   ledger,
		retry:    cfg.Retry,
		validity: cfg.Validity,
		journal:  journal,
		logger:   logger,
		now:      time.Now,
	}
	s.retry.ShouldRetry = gateway.IsTransient
	s.retry.OnRetry = func(attempt int, delay time.Duration, err error) {
		s.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("retrying ledger query")
	}
	s.verifier = newVerifier(s.readOnce, cfg.Verify, cfg.VerifyTimeout, journal, logger)
	return s
}

// SetClock replaces the time source used for timestamps and expiry checks.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// Wait blocks until in-flight write verifications finish or ctx ends.
// Callers must stop issuing writes first (serve shuts the HTTP server down
// before calling Wait): a write that lands while Wait is blocked schedules a
// verification Wait may not see.
func (s *Service) Wait(ctx context.Context) error {
	return s.verifier.Wait(ctx)
}

// Verifications lists recorded verification outcomes, newest first.
func (s *Service) Verifications(ctx context.Context, limit, offset int) ([]*VerificationOutcome, int, error) {
	return s.journal.List(ctx, limit, offset)
}

// -- reads --

// Read returns the patient's normalized asset. A patient with no ledger
// record yields an asset with no prescriptions.
func (s *Service) Read(ctx context.Context, patientID string) (*PatientAsset, error) {
	if strings.TrimSpace(patientID) == "" {
		return nil, fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	a, err := s.fetch(ctx, patientID)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return &PatientAsset{PatientID: patientID, Prescriptions: []PrescriptionRecord{}}, nil
	}
	return a, nil
}

// ReadHistory returns the asset's ledger history for a patient, or the
// doctor's prescriptions when only a doctor id is given.
func (s *Service) ReadHistory(ctx context.Context, in HistoryInput) (*History, error) {
	switch {
	case strings.TrimSpace(in.PatientID) != "":
		res, err := s.query(ctx, fnGetAssetHistory, in.PatientID)
		if err != nil {
			return nil, fmt.Errorf("asset history %s: %w", in.PatientID, err)
		}
		h := &History{PatientID: in.PatientID, Entries: []HistoryEntry{}}
		if !res.Empty {
			h.Entries = NormalizeHistory(res.Value, in.PatientID)
		}
		return h, nil
	case strings.TrimSpace(in.DoctorID) != "":
		rxs, err := s.ListByDoctor(ctx, in.DoctorID)
		if err != nil {
			return nil, err
		}
		return &History{DoctorID: in.DoctorID, Prescriptions: rxs}, nil
	}
	return nil, fmt.Errorf("%w: patient id or doctor id is required", ErrValidation)
}

// ListByDoctor returns every prescription created by doctorID.
func (s *Service) ListByDoctor(ctx context.Context, doctorID string) ([]PrescriptionRecord, error) {
	return s.list(ctx, fnGetPrescriptionsByDoctor, "doctor id", doctorID)
}

// DispenseHistory returns every prescription dispensed by pharmacistID.
func (s *Service) DispenseHistory(ctx context.Context, pharmacistID string) ([]PrescriptionRecord, error) {
	return s.list(ctx, fnGetDispenseHistory, "pharmacist id", pharmacistID)
}

func (s *Service) list(ctx context.Context, fn, what, id string) ([]PrescriptionRecord, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrValidation, what)
	}
	res, err := s.query(ctx, fn, id)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", fn, id, err)
	}
	if res.Empty {
		return []PrescriptionRecord{}, nil
	}
	return NormalizePrescriptions(res.Value), nil
}

// -- writes --

// Create writes a new asset, or appends to the patient's existing one, with
// one Active prescription per medication line.
func (s *Service) Create(ctx context.Context, in CreateInput) (*PatientAsset, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	existing, err := s.fetch(ctx, in.PatientID)
	if err != nil {
		return nil, err
	}
	asset := &PatientAsset{PatientID: in.PatientID, Prescriptions: []PrescriptionRecord{}}
	if existing != nil {
		asset = existing.Clone()
		asset.PatientID = in.PatientID
	}
	if in.PatientName != "" {
		asset.PatientName = in.PatientName
	}
	if in.DateOfBirth != "" {
		asset.DateOfBirth = in.DateOfBirth
	}

	seen := make(map[string]bool, len(asset.Prescriptions)+len(in.Medications))
	for _, rx := range asset.Prescriptions {
		seen[rx.PrescriptionID] = true
	}
	now := s.now().UTC()
	created := make([]string, 0, len(in.Medications))
	for _, line := range in.Medications {
		id := strings.TrimSpace(line.PrescriptionID)
		if id == "" {
			id = uuid.NewString()
		} else if seen[id] {
			return nil, fmt.Errorf("%w: prescription %s already exists for patient %s", ErrValidation, id, in.PatientID)
		}
		seen[id] = true
		expiry := line.ExpiryDate
		if expiry == "" {
			expiry = now.Add(s.validity).Format(time.RFC3339)
		}
		asset.Prescriptions = append(asset.Prescriptions, PrescriptionRecord{
			PrescriptionID: id,
			MedicationName: strings.TrimSpace(line.MedicationName),
			Dosage:         line.Dosage,
			Instructions:   line.Instructions,
			Diagnosis:      line.Diagnosis,
			Status:         StatusActive,
			CreatedBy:      in.DoctorID,
			Timestamp:      now.Format(time.RFC3339),
			ExpiryDate:     expiry,
		})
		created = append(created, id)
	}

	txID, err := s.invoke(ctx, fnCreateAsset, ledgerAsset(asset))
	if err != nil {
		return nil, err
	}
	if txID != "" {
		for i := len(asset.Prescriptions) - len(created); i < len(asset.Prescriptions); i++ {
			asset.Prescriptions[i].TxID = txID
		}
	}

	s.verifier.schedule(check{
		op:             OperationCreate,
		patientID:      in.PatientID,
		prescriptionID: strings.Join(created, ","),
		txID:           txID,
		visible: func(a *PatientAsset) bool {
			for _, id := range created {
				if a.Find(id) < 0 {
					return false
				}
			}
			return true
		},
	})
	return asset, nil
}

// Update overrides clinical fields of an Active prescription. Only its
// creator may update it.
func (s *Service) Update(ctx context.Context, in UpdateInput) (*PrescriptionRecord, error) {
	if err := requireIDs(in.PatientID, in.PrescriptionID, "doctor id", in.DoctorID); err != nil {
		return nil, err
	}
	if in.empty() {
		return nil, fmt.Errorf("%w: no fields to update", ErrValidation)
	}
	if in.MedicationName != nil && strings.TrimSpace(*in.MedicationName) == "" {
		return nil, fmt.Errorf("%w: medication name cannot be empty", ErrValidation)
	}

	asset, idx, err := s.locate(ctx, in.PatientID, in.PrescriptionID)
	if err != nil {
		return nil, err
	}
	rx := &asset.Prescriptions[idx]
	if rx.CreatedBy != in.DoctorID {
		return nil, fmt.Errorf("%w: prescription %s was created by another doctor", ErrForbidden, in.PrescriptionID)
	}
	if rx.Status != StatusActive {
		return nil, fmt.Errorf("%w: prescription %s is %s", ErrConflict, in.PrescriptionID, rx.Status)
	}

	applyOverride(&rx.MedicationName, in.MedicationName)
	applyOverride(&rx.Dosage, in.Dosage)
	applyOverride(&rx.Instructions, in.Instructions)
	applyOverride(&rx.Diagnosis, in.Diagnosis)
	applyOverride(&rx.ExpiryDate, in.ExpiryDate)

	txID, err := s.invoke(ctx, fnUpdatePrescription, ledgerAsset(asset))
	if err != nil {
		return nil, err
	}
	if txID != "" {
		rx.TxID = txID
	}

	want := *rx
	s.verifier.schedule(check{
		op:             OperationUpdate,
		patientID:      in.PatientID,
		prescriptionID: in.PrescriptionID,
		txID:           txID,
		visible: func(a *PatientAsset) bool {
			i := a.Find(want.PrescriptionID)
			if i < 0 {
				return false
			}
			got := a.Prescriptions[i]
			return got.MedicationName == want.MedicationName &&
				got.Dosage == want.Dosage &&
				got.Instructions == want.Instructions &&
				got.Diagnosis == want.Diagnosis &&
				got.ExpiryDate == want.ExpiryDate
		},
	})
	out := *rx
	return &out, nil
}

// Revoke moves an Active prescription to Revoked. Only its creator may
// revoke it.
func (s *Service) Revoke(ctx context.Context, in RevokeInput) (*PrescriptionRecord, error) {
	if err := requireIDs(in.PatientID, in.PrescriptionID, "doctor id", in.DoctorID); err != nil {
		return nil, err
	}

	asset, idx, err := s.locate(ctx, in.PatientID, in.PrescriptionID)
	if err != nil {
		return nil, err
	}
	rx := asset.Prescriptions[idx]
	if rx.CreatedBy != in.DoctorID {
		return nil, fmt.Errorf("%w: prescription %s was created by another doctor", ErrForbidden, in.PrescriptionID)
	}
	if rx.Status.Terminal() {
		return nil, fmt.Errorf("%w: prescription %s is already %s", ErrConflict, in.PrescriptionID, rx.Status)
	}

	txID, err := s.invoke(ctx, fnRevokePrescriptionJSON, revokePayload(in, s.now().UTC().Format(time.RFC3339)))
	if err != nil {
		return nil, err
	}
	rx.Status = StatusRevoked
	if txID != "" {
		rx.TxID = txID
	}

	s.verifier.schedule(check{
		op:             OperationRevoke,
		patientID:      in.PatientID,
		prescriptionID: in.PrescriptionID,
		txID:           txID,
		visible:        statusIs(in.PrescriptionID, StatusRevoked, ""),
	})
	return &rx, nil
}

// Dispense marks an Active, unexpired prescription as dispensed by the
// given pharmacist. A note is mandatory.
func (s *Service) Dispense(ctx context.Context, in DispenseInput) (*PrescriptionRecord, error) {
	if strings.TrimSpace(in.Note) == "" {
		return nil, fmt.Errorf("%w: a dispensing note is required", ErrValidation)
	}
	if err := requireIDs(in.PatientID, in.PrescriptionID, "pharmacist id", in.PharmacistID); err != nil {
		return nil, err
	}

	asset, idx, err := s.locate(ctx, in.PatientID, in.PrescriptionID)
	if err != nil {
		return nil, err
	}
	rx := asset.Prescriptions[idx]
	now := s.now().UTC()
	if rx.Status.Terminal() {
		return nil, fmt.Errorf("%w: prescription %s is already %s", ErrConflict, in.PrescriptionID, rx.Status)
	}
	if rx.Expired(now) {
		return nil, fmt.Errorf("%w: prescription %s expired on %s", ErrConflict, in.PrescriptionID, rx.ExpiryDate)
	}

	at := now.Format(time.RFC3339)
	in.Note = strings.TrimSpace(in.Note)
	txID, err := s.invoke(ctx, fnDispensePrescription, dispensePayload(in, at))
	if err != nil {
		return nil, err
	}
	rx.Status = StatusDispensed
	rx.DispensingPharmacist = in.PharmacistID
	rx.DispensingTimestamp = at
	if txID != "" {
		rx.TxID = txID
	}

	s.verifier.schedule(check{
		op:             OperationDispense,
		patientID:      in.PatientID,
		prescriptionID: in.PrescriptionID,
		txID:           txID,
		visible:        statusIs(in.PrescriptionID, StatusDispensed, in.PharmacistID),
	})
	return &rx, nil
}

// -- ledger access --

// readOnce reads the asset without retrying. A nil asset means the ledger
// holds no record for patientID.
func (s *Service) readOnce(ctx context.Context, patientID string) (*PatientAsset, error) {
	resp, err := s.ledger.Query(ctx, fnReadAsset, patientID)
	if err != nil {
		if isLedgerNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	res, err := wire.Decode(resp.Body)
	if err != nil {
		return nil, err
	}
	if res.Empty {
		return nil, nil
	}
	a, ok := NormalizeAsset(res.Value, patientID)
	if !ok {
		return nil, nil
	}
	return a, nil
}

func (s *Service) fetch(ctx context.Context, patientID string) (*PatientAsset, error) {
	a, err := retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) (*PatientAsset, error) {
		return s.readOnce(ctx, patientID)
	})
	if err != nil {
		return nil, fmt.Errorf("read asset %s: %w", patientID, err)
	}
	return a, nil
}

func (s *Service) locate(ctx context.Context, patientID, prescriptionID string) (*PatientAsset, int, error) {
	a, err := s.fetch(ctx, patientID)
	if err != nil {
		return nil, -1, err
	}
	if a == nil {
		return nil, -1, fmt.Errorf("%w: patient %s", ErrNotFound, patientID)
	}
	idx := a.Find(prescriptionID)
	if idx < 0 {
		return nil, -1, fmt.Errorf("%w: prescription %s for patient %s", ErrNotFound, prescriptionID, patientID)
	}
	return a, idx, nil
}

// query runs a read-only call with transient-failure retry and decodes the
// body. A "does not exist" reply is an Empty result.
func (s *Service) query(ctx context.Context, fn, arg string) (wire.Result, error) {
	return retry.Do(ctx, s.retry, func(ctx context.Context, attempt int) (wire.Result, error) {
		resp, err := s.ledger.Query(ctx, fn, arg)
		if err != nil {
			if isLedgerNotFound(err) {
				return wire.Result{Empty: true, Strategy: wire.StrategyNotFound}, nil
			}
			return wire.Result{}, err
		}
		return wire.Decode(resp.Body)
	})
}

// invoke submits a write once. The transaction id is taken from the
// acknowledgement when the gateway includes one.
func (s *Service) invoke(ctx context.Context, fn string, payload interface{}) (string, error) {
	resp, err := s.ledger.Invoke(ctx, fn, payload)
	if err != nil {
		return "", fmt.Errorf("%s: %w", fn, err)
	}
	res, err := wire.Decode(resp.Body)
	if err != nil || res.Empty {
		return "", nil
	}
	return txIDFrom(res.Value), nil
}

func isLedgerNotFound(err error) bool {
	var ge *gateway.GatewayError
	return errors.As(err, &ge) && ge.NotFound()
}

func validateCreate(in CreateInput) error {
	if strings.TrimSpace(in.PatientID) == "" {
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	}
	if strings.TrimSpace(in.DoctorID) == "" {
		return fmt.Errorf("%w: doctor id is required", ErrValidation)
	}
	if len(in.Medications) == 0 {
		return fmt.Errorf("%w: at least one medication is required", ErrValidation)
	}
	for i, m := range in.Medications {
		if strings.TrimSpace(m.MedicationName) == "" {
			return fmt.Errorf("%w: medication %d has no name", ErrValidation, i+1)
		}
	}
	return nil
}

func requireIDs(patientID, prescriptionID, actor, actorID string) error {
	switch {
	case strings.TrimSpace(patientID) == "":
		return fmt.Errorf("%w: patient id is required", ErrValidation)
	case strings.TrimSpace(prescriptionID) == "":
		return fmt.Errorf("%w: prescription id is required", ErrValidation)
	case strings.TrimSpace(actorID) == "":
		return fmt.Errorf("%w: %s is required", ErrValidation, actor)
	}
	return nil
}

func applyOverride(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func statusIs(prescriptionID string, status Status, pharmacist string) func(*PatientAsset) bool {
	return func(a *PatientAsset) bool {
		i := a.Find(prescriptionID)
		if i < 0 {
			return false
		}
		rx := a.Prescriptions[i]
		if rx.Status != status {
			return false
		}
		return pharmacist == "" || rx.DispensingPharmacist == pharmacist
	}
}
