package prescription

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a prescription.
type Status string

const (
	StatusActive    Status = "Active"
	StatusDispensed Status = "Dispensed"
	StatusRevoked   Status = "Revoked"
)

var knownStatuses = []Status{StatusActive, StatusDispensed, StatusRevoked}

// ParseStatus matches raw case-insensitively against the known states. An
// empty value is Active; anything else unknown is kept verbatim and treated
// as non-transitionable.
func ParseStatus(raw string) Status {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return StatusActive
	}
	for _, s := range knownStatuses {
		if strings.EqualFold(raw, string(s)) {
			return s
		}
	}
	return Status(raw)
}

// Terminal reports whether no further transition is legal from s. Unknown
// states count as terminal.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// PrescriptionRecord is one prescription embedded in a PatientAsset.
type PrescriptionRecord struct {
	PrescriptionID       string                 `json:"prescriptionId"`
	PatientID            string                 `json:"patientId,omitempty"`
	MedicationName       string                 `json:"medicationName"`
	Dosage               string                 `json:"dosage"`
	Instructions         string                 `json:"instructions"`
	Diagnosis            string                 `json:"diagnosis"`
	Status               Status                 `json:"status"`
	CreatedBy            string                 `json:"createdBy"`
	Timestamp            string                 `json:"timestamp"`
	ExpiryDate           string                 `json:"expiryDate"`
	DispensingPharmacist string                 `json:"dispensingPharmacist,omitempty"`
	DispensingTimestamp  string                 `json:"dispensingTimestamp,omitempty"`
	TxID                 string                 `json:"txId,omitempty"`
	Extra                map[string]interface{} `json:"extra,omitempty"`
}

// Expired reports whether the record's expiry date lies before now. Records
// with no parseable expiry never expire.
func (r *PrescriptionRecord) Expired(now time.Time) bool {
	t, ok := parseLedgerTime(r.ExpiryDate)
	return ok && now.After(t)
}

// PatientAsset is the ledger's unit of storage, keyed by patient.
type PatientAsset struct {
	PatientID     string                 `json:"patientId"`
	PatientName   string                 `json:"patientName,omitempty"`
	DateOfBirth   string                 `json:"dateOfBirth,omitempty"`
	Prescriptions []PrescriptionRecord   `json:"prescriptions"`
	Extra         map[string]interface{} `json:"extra,omitempty"`
}

// Find returns the index of the prescription with the given id, or -1.
func (a *PatientAsset) Find(prescriptionID string) int {
	for i := range a.Prescriptions {
		if a.Prescriptions[i].PrescriptionID == prescriptionID {
			return i
		}
	}
	return -1
}

// Clone returns a deep enough copy for read-modify-write: the prescription
// slice and Extra maps are not shared with a.
func (a *PatientAsset) Clone() *PatientAsset {
	out := *a
	out.Extra = cloneExtra(a.Extra)
	out.Prescriptions = make([]PrescriptionRecord, len(a.Prescriptions))
	for i, rx := range a.Prescriptions {
		rx.Extra = cloneExtra(rx.Extra)
		out.Prescriptions[i] = rx
	}
	return &out
}

// HistoryEntry is one version of a PatientAsset as recorded by the ledger.
type HistoryEntry struct {
	TxID      string        `json:"txId"`
	Timestamp string        `json:"timestamp"`
	IsDelete  bool          `json:"isDelete"`
	Asset     *PatientAsset `json:"asset,omitempty"`
}

// History is the result of ReadHistory: asset versions when queried by
// patient, prescriptions when queried by doctor.
type History struct {
	PatientID     string               `json:"patientId,omitempty"`
	DoctorID      string               `json:"doctorId,omitempty"`
	Entries       []HistoryEntry       `json:"entries,omitempty"`
	Prescriptions []PrescriptionRecord `json:"prescriptions,omitempty"`
}

// MedicationLine is one medication requested on create.
type MedicationLine struct {
	PrescriptionID string `json:"prescriptionId,omitempty"`
	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage"`
	Instructions   string `json:"instructions"`
	Diagnosis      string `json:"diagnosis"`
	ExpiryDate     string `json:"expiryDate,omitempty"`
}

type CreateInput struct {
	PatientID   string           `json:"patientId"`
	PatientName string           `json:"patientName"`
	DateOfBirth string           `json:"dateOfBirth"`
	DoctorID    string           `json:"doctorId"`
	Medications []MedicationLine `json:"medications"`
}

// UpdateInput carries field overrides; nil fields are left unchanged.
type UpdateInput struct {
	PatientID      string  `json:"patientId"`
	PrescriptionID string  `json:"prescriptionId"`
	DoctorID       string  `json:"doctorId"`
	MedicationName *string `json:"medicationName,omitempty"`
	Dosage         *string `json:"dosage,omitempty"`
	Instructions   *string `json:"instructions,omitempty"`
	Diagnosis      *string `json:"diagnosis,omitempty"`
	ExpiryDate     *string `json:"expiryDate,omitempty"`
}

func (in *UpdateInput) empty() bool {
	return in.MedicationName == nil && in.Dosage == nil && in.Instructions == nil &&
		in.Diagnosis == nil && in.ExpiryDate == nil
}

type RevokeInput struct {
	PatientID      string `json:"patientId"`
	PrescriptionID string `json:"prescriptionId"`
	DoctorID       string `json:"doctorId"`
	Reason         string `json:"reason,omitempty"`
}

type DispenseInput struct {
	PatientID      string `json:"patientId"`
	PrescriptionID string `json:"prescriptionId"`
	PharmacistID   string `json:"pharmacistId"`
	Note           string `json:"note"`
}

// HistoryInput selects a history by patient, or by doctor when PatientID is
// empty.
type HistoryInput struct {
	PatientID string `json:"patientId"`
	DoctorID  string `json:"doctorId"`
}

var ledgerTimeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseLedgerTime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range ledgerTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func cloneExtra(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
