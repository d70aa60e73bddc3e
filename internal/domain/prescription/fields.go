package prescription

// fieldSpec reconciles one canonical field across the casing variants the
// ledger emits. Primary is the capitalized key written by the chaincode and
// always wins when it holds a value; Fallback is the lowerCamel variant;
// Aliases are rarer spellings seen in older payloads.
type fieldSpec struct {
	Primary  string
	Fallback string
	Aliases  []string
	Default  string
	// Always makes the field appear in outgoing payloads even when empty.
	Always bool

	get func(*PrescriptionRecord) string
	set func(*PrescriptionRecord, string)
}

func (f fieldSpec) keys() []string {
	return append([]string{f.Primary, f.Fallback}, f.Aliases...)
}

var prescriptionFields = []fieldSpec{
	{
		Primary: "PrescriptionId", Fallback: "prescriptionId", Aliases: []string{"PrescriptionID", "prescriptionID"},
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.PrescriptionID },
		set:    func(r *PrescriptionRecord, v string) { r.PrescriptionID = v },
	},
	{
		Primary: "PatientId", Fallback: "patientId", Aliases: []string{"PatientID", "patientID"},
		get: func(r *PrescriptionRecord) string { return r.PatientID },
		set: func(r *PrescriptionRecord, v string) { r.PatientID = v },
	},
	{
		Primary: "MedicationName", Fallback: "medicationName", Aliases: []string{"medication", "Medication"},
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.MedicationName },
		set:    func(r *PrescriptionRecord, v string) { r.MedicationName = v },
	},
	{
		Primary: "Dosage", Fallback: "dosage",
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.Dosage },
		set:    func(r *PrescriptionRecord, v string) { r.Dosage = v },
	},
	{
		Primary: "Instructions", Fallback: "instructions",
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.Instructions },
		set:    func(r *PrescriptionRecord, v string) { r.Instructions = v },
	},
	{
		Primary: "Diagnosis", Fallback: "diagnosis",
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.Diagnosis },
		set:    func(r *PrescriptionRecord, v string) { r.Diagnosis = v },
	},
	{
		Primary: "Status", Fallback: "status",
		Default: string(StatusActive),
		Always:  true,
		get:     func(r *PrescriptionRecord) string { return string(r.Status) },
		set:     func(r *PrescriptionRecord, v string) { r.Status = ParseStatus(v) },
	},
	{
		Primary: "CreatedBy", Fallback: "createdBy",
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.CreatedBy },
		set:    func(r *PrescriptionRecord, v string) { r.CreatedBy = v },
	},
	{
		Primary: "Timestamp", Fallback: "timestamp", Aliases: []string{"CreatedAt", "createdAt"},
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.Timestamp },
		set:    func(r *PrescriptionRecord, v string) { r.Timestamp = v },
	},
	{
		Primary: "ExpiryDate", Fallback: "expiryDate",
		Always: true,
		get:    func(r *PrescriptionRecord) string { return r.ExpiryDate },
		set:    func(r *PrescriptionRecord, v string) { r.ExpiryDate = v },
	},
	{
		Primary: "DispensingPharmacist", Fallback: "dispensingPharmacist", Aliases: []string{"DispensedBy", "dispensedBy"},
		get: func(r *PrescriptionRecord) string { return r.DispensingPharmacist },
		set: func(r *PrescriptionRecord, v string) { r.DispensingPharmacist = v },
	},
	{
		Primary: "DispensingTimestamp", Fallback: "dispensingTimestamp", Aliases: []string{"DispensedAt", "dispensedAt"},
		get: func(r *PrescriptionRecord) string { return r.DispensingTimestamp },
		set: func(r *PrescriptionRecord, v string) { r.DispensingTimestamp = v },
	},
	{
		Primary: "TxId", Fallback: "txId", Aliases: []string{"TxID", "txID", "TransactionId", "transactionId"},
		get: func(r *PrescriptionRecord) string { return r.TxID },
		set: func(r *PrescriptionRecord, v string) { r.TxID = v },
	},
}

// Asset-level keys.
var (
	assetIDKeys           = []string{"PatientId", "patientId", "PatientID", "patientID"}
	assetNameKeys         = []string{"PatientName", "patientName", "Name", "name"}
	assetDOBKeys          = []string{"DateOfBirth", "dateOfBirth", "DOB", "dob"}
	assetPrescriptionKeys = []string{"Prescriptions", "prescriptions"}
	containerKeys         = []string{"data", "Data", "result", "Result"}
)

var (
	knownPrescriptionKeys = keySet(prescriptionFieldKeys()...)
	knownAssetKeys        = keySet(concat(assetIDKeys, assetNameKeys, assetDOBKeys, assetPrescriptionKeys)...)
	recordMarkerKeys      = []string{"PrescriptionId", "prescriptionId", "PrescriptionID", "prescriptionID", "MedicationName", "medicationName"}
)

func prescriptionFieldKeys() []string {
	var out []string
	for _, f := range prescriptionFields {
		out = append(out, f.keys()...)
	}
	return out
}

func keySet(keys ...string) map[string]bool {
	m := make(map[string]bool, len(keys))
	for _, k := range keys {
		m[k] = true
	}
	return m
}

func concat(lists ...[]string) []string {
	var out []string
	for _, l := range lists {
		out = append(out, l...)
	}
	return out
}

// ledgerRecord renders r with the chaincode's capitalized keys. Unknown
// fields carried in Extra are written back unchanged.
func ledgerRecord(r *PrescriptionRecord) map[string]interface{} {
	out := make(map[string]interface{}, len(prescriptionFields)+len(r.Extra))
	for k, v := range r.Extra {
		out[k] = v
	}
	for _, f := range prescriptionFields {
		if v := f.get(r); v != "" || f.Always {
			out[f.Primary] = v
		}
	}
	return out
}

// ledgerAsset renders a as the CreateAsset/UpdatePrescription argument.
func ledgerAsset(a *PatientAsset) map[string]interface{} {
	out := make(map[string]interface{}, 4+len(a.Extra))
	for k, v := range a.Extra {
		out[k] = v
	}
	out["PatientId"] = a.PatientID
	out["PatientName"] = a.PatientName
	out["DateOfBirth"] = a.DateOfBirth
	rxs := make([]interface{}, 0, len(a.Prescriptions))
	for i := range a.Prescriptions {
		rxs = append(rxs, ledgerRecord(&a.Prescriptions[i]))
	}
	out["Prescriptions"] = rxs
	return out
}
