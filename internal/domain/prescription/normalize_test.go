package prescription

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ehr/rxledger/internal/platform/wire"
)

func decoded(t *testing.T, body string) interface{} {
	t.Helper()
	res, err := wire.Decode(body)
	if err != nil {
		t.Fatalf("Decode(%q): %v", body, err)
	}
	return res.Value
}

func TestNormalizeAsset_Shapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantIDs []string
		wantPID string
	}{
		{
			name:    "canonical",
			body:    `{"PatientId":"P1","Prescriptions":[{"PrescriptionId":"RX1","MedicationName":"Amox"}]}`,
			wantIDs: []string{"RX1"},
			wantPID: "P1",
		},
		{
			name:    "lower camel",
			body:    `{"patientId":"P1","prescriptions":[{"prescriptionId":"RX1","medicationName":"Amox"},{"prescriptionId":"RX2","medicationName":"B"}]}`,
			wantIDs: []string{"RX1", "RX2"},
			wantPID: "P1",
		},
		{
			name:    "data container",
			body:    `{"data":{"PatientId":"P1","Prescriptions":[{"PrescriptionId":"RX1","MedicationName":"Amox"}]}}`,
			wantIDs: []string{"RX1"},
			wantPID: "P1",
		},
		{
			name:    "prescriptions as encoded string",
			body:    `{"PatientId":"P1","Prescriptions":"[{\"PrescriptionId\":\"RX1\",\"MedicationName\":\"Amox\"}]"}`,
			wantIDs: []string{"RX1"},
			wantPID: "P1",
		},
		{
			name:    "bare record list",
			body:    `[{"PrescriptionId":"RX1","MedicationName":"Amox"},{"PrescriptionId":"RX2","MedicationName":"B"}]`,
			wantIDs: []string{"RX1", "RX2"},
			wantPID: "P1",
		},
		{
			name:    "single bare record",
			body:    `{"PrescriptionId":"RX1","MedicationName":"Amox"}`,
			wantIDs: []string{"RX1"},
			wantPID: "P1",
		},
		{
			name:    "asset list picks matching patient",
			body:    `[{"PatientId":"P0","Prescriptions":[]},{"PatientId":"P1","Prescriptions":[{"PrescriptionId":"RX1","MedicationName":"Amox"}]}]`,
			wantIDs: []string{"RX1"},
			wantPID: "P1",
		},
		{
			name:    "single-quoted fragments",
			body:    `{ prescriptionId: 'RX1', medicationName: 'Amox' } { prescriptionId: 'RX2', medicationName: 'B' }`,
			wantIDs: []string{"RX1", "RX2"},
			wantPID: "P1",
		},
		{
			name:    "asset without prescriptions",
			body:    `{"PatientId":"P1","PatientName":"Ada"}`,
			wantIDs: []string{},
			wantPID: "P1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := NormalizeAsset(decoded(t, tt.body), "P1")
			if !ok {
				t.Fatal("expected an asset")
			}
			if a.PatientID != tt.wantPID {
				t.Errorf("expected patient %q, got %q", tt.wantPID, a.PatientID)
			}
			got := []string{}
			for _, rx := range a.Prescriptions {
				got = append(got, rx.PrescriptionID)
			}
			if !reflect.DeepEqual(got, tt.wantIDs) {
				t.Errorf("expected ids %v, got %v", tt.wantIDs, got)
			}
		})
	}
}

func TestNormalizeAsset_CapitalizedKeyWins(t *testing.T) {
	v := decoded(t, `{"PatientId":"P1","Prescriptions":[{
		"PrescriptionId":"RX1",
		"Status":"Dispensed","status":"Active",
		"MedicationName":"","medicationName":"Amox",
		"Dosage":"500mg","dosage":"250mg"
	}]}`)
	a, ok := NormalizeAsset(v, "P1")
	if !ok {
		t.Fatal("expected an asset")
	}
	rx := a.Prescriptions[0]
	if rx.Status != StatusDispensed {
		t.Errorf("expected capitalized Status to win, got %q", rx.Status)
	}
	if rx.MedicationName != "Amox" {
		t.Errorf("expected empty primary to fall back, got %q", rx.MedicationName)
	}
	if rx.Dosage != "500mg" {
		t.Errorf("expected capitalized Dosage to win, got %q", rx.Dosage)
	}
}

func TestNormalizeAsset_Defaults(t *testing.T) {
	a, _ := NormalizeAsset(decoded(t, `[{"medicationName":"Amox","status":"REVOKED"},{"medication":"B"},{"MedicationName":"C","Status":"OnHold"}]`), "P1")
	if len(a.Prescriptions) != 3 {
		t.Fatalf("expected 3 records, got %d", len(a.Prescriptions))
	}
	if a.Prescriptions[0].Status != StatusRevoked {
		t.Errorf("expected Revoked, got %q", a.Prescriptions[0].Status)
	}
	if a.Prescriptions[1].Status != StatusActive || a.Prescriptions[1].MedicationName != "B" {
		t.Errorf("expected defaulted Active record named B, got %+v", a.Prescriptions[1])
	}
	if s := a.Prescriptions[2].Status; s != "OnHold" || !s.Terminal() {
		t.Errorf("expected unknown status kept verbatim and terminal, got %q", s)
	}
	if a.Prescriptions[0].PrescriptionID == a.Prescriptions[1].PrescriptionID {
		t.Error("expected distinct derived ids")
	}
}

func TestNormalizeAsset_DerivedIDsAreStable(t *testing.T) {
	body := `[{"medicationName":"Amox","createdBy":"D1","timestamp":"2024-01-01T00:00:00Z"}]`
	first, _ := NormalizeAsset(decoded(t, body), "P1")
	second, _ := NormalizeAsset(decoded(t, body), "P1")
	if first.Prescriptions[0].PrescriptionID != second.Prescriptions[0].PrescriptionID {
		t.Error("expected the same derived id across reads")
	}
	other, _ := NormalizeAsset(decoded(t, body), "P2")
	if other.Prescriptions[0].PrescriptionID == first.Prescriptions[0].PrescriptionID {
		t.Error("expected derived ids to depend on the patient")
	}
}

func TestNormalizeAsset_PreservesUnknownFields(t *testing.T) {
	v := decoded(t, `{"PatientId":"P1","Insurer":"Acme","Prescriptions":[{
		"PrescriptionId":"RX1","MedicationName":"Amox","Refills":2,"Pharmacy":{"name":"Main"}
	}]}`)
	a, _ := NormalizeAsset(v, "P1")
	if a.Extra["Insurer"] != "Acme" {
		t.Errorf("expected asset extra Insurer, got %v", a.Extra)
	}
	rx := a.Prescriptions[0]
	if rx.Extra["Refills"] != float64(2) {
		t.Errorf("expected record extra Refills, got %v", rx.Extra)
	}

	out := ledgerAsset(a)
	if out["Insurer"] != "Acme" {
		t.Error("expected Insurer written back")
	}
	rec := out["Prescriptions"].([]interface{})[0].(map[string]interface{})
	if rec["Refills"] != float64(2) || rec["PrescriptionId"] != "RX1" || rec["Status"] != "Active" {
		t.Errorf("unexpected ledger record: %v", rec)
	}
	if !reflect.DeepEqual(rec["Pharmacy"], map[string]interface{}{"name": "Main"}) {
		t.Errorf("expected nested extra written back, got %v", rec["Pharmacy"])
	}
}

func TestNormalizeAsset_TypedInput(t *testing.T) {
	type rec struct {
		PrescriptionId string
		MedicationName string
	}
	type asset struct {
		PatientId     string
		Prescriptions []rec
	}
	a, ok := NormalizeAsset(asset{PatientId: "P1", Prescriptions: []rec{{"RX1", "Amox"}}}, "")
	if !ok || a.PatientID != "P1" || len(a.Prescriptions) != 1 || a.Prescriptions[0].MedicationName != "Amox" {
		t.Errorf("unexpected asset from typed input: %+v", a)
	}
}

func TestNormalizeAsset_OtherPatientIgnored(t *testing.T) {
	for _, body := range []string{
		`[{"PatientId":"P2","Prescriptions":[{"PrescriptionId":"RX9","CreatedBy":"D9"}]}]`,
		`{"PatientId":"P2","Prescriptions":[{"PrescriptionId":"RX9","CreatedBy":"D9"}]}`,
		`{"data":[{"patientId":"P2","prescriptions":[]},{"patientId":"P3","prescriptions":[]}]}`,
	} {
		if a, ok := NormalizeAsset(decoded(t, body), "P1"); ok {
			t.Errorf("%s: expected no asset for P1, got %+v", body, a)
		}
	}

	a, ok := NormalizeAsset(decoded(t, `[{"PatientId":"P2","Prescriptions":[{"PrescriptionId":"RX9"}]}]`), "")
	if !ok || a.PatientID != "P2" {
		t.Errorf("expected the only asset when no patient is requested, got %+v", a)
	}
}

func TestNormalizeAsset_NestedSingleQuotedAsset(t *testing.T) {
	body := `{ patientId: 'P1', patientName: 'Ann', dateOfBirth: '1990-01-01', prescriptions: [ { prescriptionId: 'RX1', status: 'Dispensed', createdBy: 'D1' } ] }`
	a, ok := NormalizeAsset(decoded(t, body), "P1")
	if !ok {
		t.Fatal("expected an asset")
	}
	if a.PatientName != "Ann" || a.DateOfBirth != "1990-01-01" {
		t.Errorf("expected patient fields kept, got name=%q dob=%q", a.PatientName, a.DateOfBirth)
	}
	if len(a.Prescriptions) != 1 || a.Prescriptions[0].Status != StatusDispensed {
		t.Errorf("unexpected prescriptions: %+v", a.Prescriptions)
	}
}

func TestNormalizeAsset_NoAsset(t *testing.T) {
	for _, v := range []interface{}{nil, "just text", float64(3), []interface{}{}, []interface{}{"a", float64(1)}} {
		if a, ok := NormalizeAsset(v, "P1"); ok {
			t.Errorf("%#v: expected no asset, got %+v", v, a)
		}
	}
}

func TestNormalize_NeverPanics(t *testing.T) {
	inputs := []interface{}{
		map[string]interface{}{"data": map[string]interface{}{"data": map[string]interface{}{"data": map[string]interface{}{"data": map[string]interface{}{"data": "x"}}}}},
		map[string]interface{}{"Prescriptions": "not json"},
		map[string]interface{}{"Prescriptions": []interface{}{nil, "x", float64(1), []interface{}{}}},
		map[string]interface{}{"PrescriptionId": map[string]interface{}{"nested": true}},
		map[string]interface{}{"Timestamp": map[string]interface{}{"seconds": "abc"}},
		[]interface{}{map[string]interface{}{"Value": "{broken"}},
		json.RawMessage(`{"PatientId":1}`),
		`"[\"nested\"]"`,
	}
	for _, v := range inputs {
		NormalizeAsset(v, "P1")
		NormalizePrescriptions(v)
		NormalizeHistory(v, "P1")
	}
}

func TestNormalizePrescriptions(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []PrescriptionRecord
	}{
		{
			name: "flat records",
			body: `[{"prescriptionId":"RX1","patientId":"P1","medicationName":"A","createdBy":"D1"}]`,
			want: []PrescriptionRecord{{PrescriptionID: "RX1", PatientID: "P1", MedicationName: "A", CreatedBy: "D1", Status: StatusActive}},
		},
		{
			name: "assets are flattened and annotated",
			body: `[{"PatientId":"P1","Prescriptions":[{"PrescriptionId":"RX1","MedicationName":"A"}]},
			        {"PatientId":"P2","Prescriptions":[{"PrescriptionId":"RX2","MedicationName":"B"}]}]`,
			want: []PrescriptionRecord{
				{PrescriptionID: "RX1", PatientID: "P1", MedicationName: "A", Status: StatusActive},
				{PrescriptionID: "RX2", PatientID: "P2", MedicationName: "B", Status: StatusActive},
			},
		},
		{
			name: "result container",
			body: `{"result":[{"PrescriptionId":"RX1","MedicationName":"A","Status":"dispensed"}]}`,
			want: []PrescriptionRecord{{PrescriptionID: "RX1", MedicationName: "A", Status: StatusDispensed}},
		},
		{
			name: "empty list",
			body: `[]`,
			want: []PrescriptionRecord{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizePrescriptions(decoded(t, tt.body))
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestNormalizeHistory(t *testing.T) {
	body := `Result: [
		{"TxId":"tx-1","Timestamp":{"seconds":1700000000,"nanos":500000000},"IsDelete":false,
		 "Value":"{\"PatientId\":\"P1\",\"Prescriptions\":[{\"PrescriptionId\":\"RX1\",\"MedicationName\":\"A\"}]}"},
		{"txId":"tx-2","timestamp":"2024-01-02T03:04:05Z","isDelete":"true","value":null},
		{"TxId":"tx-3","Timestamp":1700000100,"Value":{"PatientId":"P1","Prescriptions":[]}}
	]`
	entries := NormalizeHistory(decoded(t, body), "P1")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}

	e := entries[0]
	if e.TxID != "tx-1" || e.Timestamp != "2023-11-14T22:13:20.5Z" || e.IsDelete {
		t.Errorf("unexpected first entry: %+v", e)
	}
	if e.Asset == nil || len(e.Asset.Prescriptions) != 1 || e.Asset.Prescriptions[0].PrescriptionID != "RX1" {
		t.Errorf("expected decoded asset value, got %+v", e.Asset)
	}

	if entries[1].TxID != "tx-2" || !entries[1].IsDelete || entries[1].Asset != nil {
		t.Errorf("unexpected delete entry: %+v", entries[1])
	}
	if entries[1].Timestamp != "2024-01-02T03:04:05Z" {
		t.Errorf("expected text timestamp kept, got %q", entries[1].Timestamp)
	}
	if entries[2].Timestamp != "2023-11-14T22:15:00Z" {
		t.Errorf("expected unix seconds rendered, got %q", entries[2].Timestamp)
	}
}

func TestNormalizeHistory_Container(t *testing.T) {
	v := decoded(t, `{"history":[{"TxId":"tx-1","Value":{"PatientId":"P1"}}]}`)
	entries := NormalizeHistory(v, "P1")
	if len(entries) != 1 || entries[0].Asset == nil || entries[0].Asset.PatientID != "P1" {
		t.Errorf("unexpected entries: %+v", entries)
	}
}

func TestTxIDFrom(t *testing.T) {
	tests := []struct {
		body string
		want string
	}{
		{`{"txId":"abc"}`, "abc"},
		{`{"TransactionId":"def"}`, "def"},
		{`{"result":{"TxID":"ghi"}}`, "ghi"},
		{`{"status":"ok"}`, ""},
		{`["x"]`, ""},
	}
	for _, tt := range tests {
		if got := txIDFrom(decoded(t, tt.body)); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.body, tt.want, got)
		}
	}
}
