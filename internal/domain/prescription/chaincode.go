package prescription

// Chaincode function names. These are part of the wire contract.
const (
	fnCreateAsset              = "CreateAsset"
	fnReadAsset                = "ReadAsset"
	fnGetAssetHistory          = "GetAssetHistory"
	fnUpdatePrescription       = "UpdatePrescription"
	fnRevokePrescriptionJSON   = "RevokePrescriptionJSON"
	fnDispensePrescription     = "DispensePrescription"
	fnGetPrescriptionsByDoctor = "GetPrescriptionsByDoctor"
	fnGetDispenseHistory       = "GetDispenseHistory"
)

func revokePayload(in RevokeInput, at string) map[string]interface{} {
	p := map[string]interface{}{
		"PatientId":      in.PatientID,
		"PrescriptionId": in.PrescriptionID,
		"DoctorId":       in.DoctorID,
		"RevokedBy":      in.DoctorID,
		"Timestamp":      at,
	}
	if in.Reason != "" {
		p["Reason"] = in.Reason
	}
	return p
}

func dispensePayload(in DispenseInput, at string) map[string]interface{} {
	return map[string]interface{}{
		"PatientId":           in.PatientID,
		"PrescriptionId":      in.PrescriptionID,
		"PharmacistId":        in.PharmacistID,
		"Note":                in.Note,
		"DispensingTimestamp": at,
	}
}

// txIDKeys are the fields a write acknowledgement may carry the
// transaction id under.
var txIDKeys = []string{"TxId", "txId", "TxID", "txID", "transactionId", "TransactionId"}

// txIDFrom extracts a transaction id from a decoded invoke response, if the
// gateway returned one.
func txIDFrom(v interface{}) string {
	switch t := canonical(v).(type) {
	case map[string]interface{}:
		if id := firstText(t, txIDKeys); id != "" {
			return id
		}
		if inner, ok := unwrapContainer(t); ok {
			return txIDFrom(inner)
		}
	}
	return ""
}
