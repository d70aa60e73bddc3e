package prescription

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/rxledger/internal/platform/wire"
)

// idNamespace seeds name-based ids for ledger records that arrive without a
// prescription id, so repeated reads of the same payload agree.
var idNamespace = uuid.MustParse("8f1c7a52-3e4b-4d8a-9a8e-6b2f0c1d9e47")

// maxNesting bounds container unwrapping and nested string decoding.
const maxNesting = 4

// NormalizeAsset maps a decoded ledger value onto a PatientAsset. The
// second return is false when v holds no asset at all. patientID fills in
// the asset key when the payload omits it. NormalizeAsset never panics.
func NormalizeAsset(v interface{}, patientID string) (*PatientAsset, bool) {
	return normalizeAsset(canonical(v), patientID, 0)
}

func normalizeAsset(v interface{}, patientID string, depth int) (*PatientAsset, bool) {
	if depth > maxNesting {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]interface{}:
		if inner, ok := unwrapContainer(t); ok {
			return normalizeAsset(inner, patientID, depth+1)
		}
		if isRecord(t) && !isAsset(t) {
			rx := normalizeRecord(t, patientID, 0)
			id := patientID
			if id == "" {
				id = rx.PatientID
			}
			return &PatientAsset{PatientID: id, Prescriptions: []PrescriptionRecord{rx}}, true
		}
		a := assetFromMap(t, patientID)
		if !belongsTo(a, patientID) {
			return nil, false
		}
		return a, true

	case []interface{}:
		if len(t) == 0 {
			return nil, false
		}
		var records []interface{}
		for _, el := range t {
			m, ok := canonical(el).(map[string]interface{})
			if !ok {
				continue
			}
			if isAsset(m) {
				a := assetFromMap(m, patientID)
				if belongsTo(a, patientID) {
					return a, true
				}
				continue
			}
			records = append(records, m)
		}
		if len(records) > 0 {
			return &PatientAsset{PatientID: patientID, Prescriptions: recordsFrom(records, patientID, depth+1)}, true
		}
		return nil, false

	case string:
		res, err := wire.Decode(t)
		if err != nil || res.Empty {
			return nil, false
		}
		if _, still := res.Value.(string); still {
			return nil, false
		}
		return normalizeAsset(res.Value, patientID, depth+1)
	}
	return nil, false
}

// belongsTo reports whether a may stand for the requested patient. Another
// patient's asset is never returned, since a later write would copy its
// prescriptions under patientID.
func belongsTo(a *PatientAsset, patientID string) bool {
	return patientID == "" || a.PatientID == patientID
}

func assetFromMap(m map[string]interface{}, patientID string) *PatientAsset {
	a := &PatientAsset{
		PatientID:   firstText(m, assetIDKeys),
		PatientName: firstText(m, assetNameKeys),
		DateOfBirth: firstText(m, assetDOBKeys),
	}
	if a.PatientID == "" {
		a.PatientID = patientID
	}
	var raw interface{}
	for _, k := range assetPrescriptionKeys {
		if v, ok := m[k]; ok && v != nil {
			raw = v
			break
		}
	}
	a.Prescriptions = recordsFrom(raw, a.PatientID, 0)
	a.Extra = extras(m, knownAssetKeys)
	return a
}

// recordsFrom resolves any container shape to a list of records. The
// result is never nil.
func recordsFrom(v interface{}, patientID string, depth int) []PrescriptionRecord {
	out := []PrescriptionRecord{}
	if depth > maxNesting {
		return out
	}
	switch t := canonical(v).(type) {
	case []interface{}:
		for i, el := range t {
			if m, ok := canonical(el).(map[string]interface{}); ok {
				out = append(out, normalizeRecord(m, patientID, i))
			}
		}
	case map[string]interface{}:
		if inner, ok := unwrapContainer(t); ok {
			return recordsFrom(inner, patientID, depth+1)
		}
		for _, k := range assetPrescriptionKeys {
			if inner, ok := t[k]; ok {
				return recordsFrom(inner, patientID, depth+1)
			}
		}
		if isRecord(t) {
			out = append(out, normalizeRecord(t, patientID, 0))
		}
	case string:
		if res, err := wire.Decode(t); err == nil && !res.Empty {
			if _, still := res.Value.(string); !still {
				return recordsFrom(res.Value, patientID, depth+1)
			}
		}
	}
	return out
}

// NormalizePrescriptions flattens a listing response (by doctor, by
// pharmacist) into records. Records nested inside assets are annotated with
// the owning patient id. The result is never nil.
func NormalizePrescriptions(v interface{}) []PrescriptionRecord {
	return flattenPrescriptions(canonical(v), 0)
}

func flattenPrescriptions(v interface{}, depth int) []PrescriptionRecord {
	out := []PrescriptionRecord{}
	if depth > maxNesting {
		return out
	}
	switch t := v.(type) {
	case []interface{}:
		for i, el := range t {
			m, ok := canonical(el).(map[string]interface{})
			if !ok {
				continue
			}
			if isAsset(m) {
				out = append(out, annotate(assetFromMap(m, ""))...)
				continue
			}
			out = append(out, normalizeRecord(m, "", i))
		}
	case map[string]interface{}:
		if inner, ok := unwrapContainer(t); ok {
			return flattenPrescriptions(canonical(inner), depth+1)
		}
		if isAsset(t) {
			return annotate(assetFromMap(t, ""))
		}
		if isRecord(t) {
			out = append(out, normalizeRecord(t, "", 0))
		}
	case string:
		if res, err := wire.Decode(t); err == nil && !res.Empty {
			if _, still := res.Value.(string); !still {
				return flattenPrescriptions(canonical(res.Value), depth+1)
			}
		}
	}
	return out
}

func annotate(a *PatientAsset) []PrescriptionRecord {
	for i := range a.Prescriptions {
		if a.Prescriptions[i].PatientID == "" {
			a.Prescriptions[i].PatientID = a.PatientID
		}
	}
	return a.Prescriptions
}

// NormalizeHistory maps a GetAssetHistory response onto entries in ledger
// order. The result is never nil.
func NormalizeHistory(v interface{}, patientID string) []HistoryEntry {
	return historyFrom(canonical(v), patientID, 0)
}

var (
	historyTxKeys     = []string{"TxId", "txId", "TxID", "txID"}
	historyTimeKeys   = []string{"Timestamp", "timestamp"}
	historyDeleteKeys = []string{"IsDelete", "isDelete"}
	historyValueKeys  = []string{"Value", "value", "Record", "record", "Asset", "asset"}
	historyListKeys   = []string{"history", "History"}
)

func historyFrom(v interface{}, patientID string, depth int) []HistoryEntry {
	out := []HistoryEntry{}
	if depth > maxNesting {
		return out
	}
	switch t := v.(type) {
	case []interface{}:
		for _, el := range t {
			if m, ok := canonical(el).(map[string]interface{}); ok {
				out = append(out, historyEntry(m, patientID))
			}
		}
	case map[string]interface{}:
		if inner, ok := unwrapContainer(t); ok {
			return historyFrom(canonical(inner), patientID, depth+1)
		}
		for _, k := range historyListKeys {
			if inner, ok := t[k]; ok {
				return historyFrom(canonical(inner), patientID, depth+1)
			}
		}
		out = append(out, historyEntry(t, patientID))
	case string:
		if res, err := wire.Decode(t); err == nil && !res.Empty {
			if _, still := res.Value.(string); !still {
				return historyFrom(canonical(res.Value), patientID, depth+1)
			}
		}
	}
	return out
}

func historyEntry(m map[string]interface{}, patientID string) HistoryEntry {
	e := HistoryEntry{
		TxID:      firstText(m, historyTxKeys),
		Timestamp: ledgerTimestamp(firstValue(m, historyTimeKeys)),
		IsDelete:  truthy(firstValue(m, historyDeleteKeys)),
	}
	if raw := firstValue(m, historyValueKeys); raw != nil {
		if a, ok := normalizeAsset(canonical(raw), patientID, 1); ok {
			e.Asset = a
		}
	} else if isAsset(m) {
		e.Asset = assetFromMap(m, patientID)
	}
	return e
}

// ledgerTimestamp renders the ledger's timestamp variants as RFC 3339:
// protobuf {seconds, nanos} objects, unix seconds, or text kept verbatim.
func ledgerTimestamp(v interface{}) string {
	switch t := v.(type) {
	case map[string]interface{}:
		secs, okS := number(firstValue(t, []string{"seconds", "Seconds"}))
		nanos, _ := number(firstValue(t, []string{"nanos", "Nanos"}))
		if !okS {
			s, _ := text(t)
			return s
		}
		return time.Unix(int64(secs), int64(nanos)).UTC().Format(time.RFC3339Nano)
	case float64:
		return time.Unix(int64(t), 0).UTC().Format(time.RFC3339)
	}
	s, _ := text(v)
	return s
}

// normalizeRecord applies the field table to one raw record. A missing id
// is derived from the record's position and content.
func normalizeRecord(m map[string]interface{}, patientID string, index int) PrescriptionRecord {
	var rx PrescriptionRecord
	for _, f := range prescriptionFields {
		val, ok := "", false
		for _, k := range f.keys() {
			if val, ok = text(m[k]); ok {
				break
			}
		}
		if !ok {
			val = f.Default
		}
		f.set(&rx, val)
	}
	if rx.PrescriptionID == "" {
		owner := patientID
		if owner == "" {
			owner = rx.PatientID
		}
		rx.PrescriptionID = derivedID(owner, index, &rx)
	}
	rx.Extra = extras(m, knownPrescriptionKeys)
	return rx
}

func derivedID(patientID string, index int, rx *PrescriptionRecord) string {
	name := fmt.Sprintf("%s|%d|%s|%s|%s", patientID, index, rx.MedicationName, rx.CreatedBy, rx.Timestamp)
	return uuid.NewSHA1(idNamespace, []byte(name)).String()
}

func isAsset(m map[string]interface{}) bool {
	return hasAny(m, assetPrescriptionKeys) ||
		(hasAny(m, assetIDKeys) && !hasAny(m, recordMarkerKeys))
}

func isRecord(m map[string]interface{}) bool {
	return hasAny(m, recordMarkerKeys)
}

// unwrapContainer returns the payload of a {"data": ...} style envelope.
func unwrapContainer(m map[string]interface{}) (interface{}, bool) {
	if isAsset(m) || isRecord(m) {
		return nil, false
	}
	for _, k := range containerKeys {
		if v, ok := m[k]; ok && v != nil {
			return canonical(v), true
		}
	}
	return nil, false
}

func hasAny(m map[string]interface{}, keys []string) bool {
	for _, k := range keys {
		if _, ok := m[k]; ok {
			return true
		}
	}
	return false
}

func firstValue(m map[string]interface{}, keys []string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func firstText(m map[string]interface{}, keys []string) string {
	for _, k := range keys {
		if s, ok := text(m[k]); ok {
			return s
		}
	}
	return ""
}

func extras(m map[string]interface{}, known map[string]bool) map[string]interface{} {
	var out map[string]interface{}
	for k, v := range m {
		if known[k] {
			continue
		}
		if out == nil {
			out = make(map[string]interface{})
		}
		out[k] = v
	}
	return out
}

// text renders a scalar as a string. It reports false for absent values
// and empty strings so a populated casing variant can win.
func text(v interface{}) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, strings.TrimSpace(t) != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	case float64:
		return t != 0
	}
	return false
}

// canonical converts arbitrary structured values (typed structs, typed maps)
// into the map/slice/scalar shapes the normalizer walks.
func canonical(v interface{}) interface{} {
	switch v.(type) {
	case nil, map[string]interface{}, []interface{}, string, float64, bool:
		return v
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
