package prescription

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rxledger/pkg/pagination"
)

func newTestHandler(t *testing.T) (*Handler, *Service, *echo.Echo) {
	svc, _, _ := newLedgerService(t)
	return NewHandler(svc), svc, echo.New()
}

func jsonContext(e *echo.Echo, method, body string, params ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	var names, values []string
	for i := 0; i+1 < len(params); i += 2 {
		names = append(names, params[i])
		values = append(values, params[i+1])
	}
	c.SetParamNames(names...)
	c.SetParamValues(values...)
	return c, rec
}

func expectRejection(t *testing.T, err error, status int, kind Kind) {
	t.Helper()
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		t.Fatalf("expected *echo.HTTPError, got %v", err)
	}
	if he.Code != status {
		t.Errorf("expected status %d, got %d", status, he.Code)
	}
	r, ok := he.Message.(*Rejection)
	if !ok {
		t.Fatalf("expected *Rejection message, got %T", he.Message)
	}
	if r.Kind != kind {
		t.Errorf("expected kind %q, got %q", kind, r.Kind)
	}
}

func TestHandler_CreateAndRead(t *testing.T) {
	h, svc, e := newTestHandler(t)

	body := `{"doctorId":"D1","patientName":"Ada","medications":[{"medicationName":"Amox","dosage":"500mg"}]}`
	c, rec := jsonContext(e, http.MethodPost, body, "patientId", "P1")
	if err := h.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created PatientAsset
	json.Unmarshal(rec.Body.Bytes(), &created)
	if created.PatientID != "P1" || len(created.Prescriptions) != 1 {
		t.Fatalf("unexpected created asset: %+v", created)
	}

	c, rec = jsonContext(e, http.MethodGet, "", "patientId", "P1")
	if err := h.ReadAsset(c); err != nil {
		t.Fatalf("ReadAsset: %v", err)
	}
	var got PatientAsset
	json.Unmarshal(rec.Body.Bytes(), &got)
	if got.PatientName != "Ada" || got.Prescriptions[0].Status != StatusActive {
		t.Errorf("unexpected asset: %+v", got)
	}
	waitVerifications(t, svc)
}

func TestHandler_CreateValidation(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := jsonContext(e, http.MethodPost, `{"doctorId":"D1","medications":[]}`, "patientId", "P1")
	expectRejection(t, h.Create(c), http.StatusBadRequest, KindValidation)
}

func TestHandler_MalformedBody(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := jsonContext(e, http.MethodPost, `{"doctorId":`, "patientId", "P1")
	err := h.Create(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_LifecycleRejections(t *testing.T) {
	h, svc, e := newTestHandler(t)

	c, rec := jsonContext(e, http.MethodPost, `{"doctorId":"D1","medications":[{"prescriptionId":"RX1","medicationName":"Amox"}]}`, "patientId", "P1")
	if err := h.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitVerifications(t, svc)

	c, _ = jsonContext(e, http.MethodPost, `{"doctorId":"D2"}`, "patientId", "P1", "prescriptionId", "RX1")
	expectRejection(t, h.Revoke(c), http.StatusForbidden, KindForbidden)

	c, _ = jsonContext(e, http.MethodPost, `{"pharmacistId":"PH1","note":"  "}`, "patientId", "P1", "prescriptionId", "RX1")
	expectRejection(t, h.Dispense(c), http.StatusBadRequest, KindValidation)

	c, _ = jsonContext(e, http.MethodPost, `{"pharmacistId":"PH1","note":"given"}`, "patientId", "P1", "prescriptionId", "RX404")
	expectRejection(t, h.Dispense(c), http.StatusNotFound, KindNotFound)

	c, rec = jsonContext(e, http.MethodPost, `{"pharmacistId":"PH1","note":"given"}`, "patientId", "P1", "prescriptionId", "RX1")
	if err := h.Dispense(c); err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	var rx PrescriptionRecord
	json.Unmarshal(rec.Body.Bytes(), &rx)
	if rx.Status != StatusDispensed || rx.DispensingPharmacist != "PH1" {
		t.Errorf("unexpected dispensed record: %+v", rx)
	}

	c, _ = jsonContext(e, http.MethodPatch, `{"doctorId":"D1","dosage":"1g"}`, "patientId", "P1", "prescriptionId", "RX1")
	expectRejection(t, h.Update(c), http.StatusConflict, KindConflict)
	waitVerifications(t, svc)
}

func TestHandler_UpdateAndRevoke(t *testing.T) {
	h, svc, e := newTestHandler(t)
	c, _ := jsonContext(e, http.MethodPost, `{"doctorId":"D1","medications":[{"prescriptionId":"RX1","medicationName":"Amox"}]}`, "patientId", "P1")
	if err := h.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	c, rec := jsonContext(e, http.MethodPatch, `{"doctorId":"D1","dosage":"1g"}`, "patientId", "P1", "prescriptionId", "RX1")
	if err := h.Update(c); err != nil {
		t.Fatalf("Update: %v", err)
	}
	var rx PrescriptionRecord
	json.Unmarshal(rec.Body.Bytes(), &rx)
	if rx.Dosage != "1g" {
		t.Errorf("expected dosage 1g, got %q", rx.Dosage)
	}

	c, rec = jsonContext(e, http.MethodPost, `{"doctorId":"D1","reason":"allergy"}`, "patientId", "P1", "prescriptionId", "RX1")
	if err := h.Revoke(c); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	json.Unmarshal(rec.Body.Bytes(), &rx)
	if rx.Status != StatusRevoked {
		t.Errorf("expected Revoked, got %q", rx.Status)
	}
	waitVerifications(t, svc)
}

func TestHandler_ReadHistoryRequiresSubject(t *testing.T) {
	h, _, e := newTestHandler(t)
	c, _ := jsonContext(e, http.MethodGet, "")
	expectRejection(t, h.ReadHistory(c), http.StatusBadRequest, KindValidation)
}

func TestHandler_ListingsPaginate(t *testing.T) {
	h, svc, e := newTestHandler(t)
	c, _ := jsonContext(e, http.MethodPost, `{"doctorId":"D1","medications":[{"medicationName":"A"},{"medicationName":"B"},{"medicationName":"C"}]}`, "patientId", "P1")
	if err := h.Create(c); err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitVerifications(t, svc)

	req := httptest.NewRequest(http.MethodGet, "/?limit=2&offset=1", nil)
	rec := httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("doctorId")
	c.SetParamValues("D1")
	if err := h.ListByDoctor(c); err != nil {
		t.Fatalf("ListByDoctor: %v", err)
	}
	var resp struct {
		Data    []PrescriptionRecord `json:"data"`
		Total   int                  `json:"total"`
		HasMore bool                 `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 3 || len(resp.Data) != 2 || resp.HasMore {
		t.Errorf("unexpected page: total=%d len=%d hasMore=%v", resp.Total, len(resp.Data), resp.HasMore)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	if err := h.ListVerifications(c); err != nil {
		t.Fatalf("ListVerifications: %v", err)
	}
	var vresp pagination.Response
	json.Unmarshal(rec.Body.Bytes(), &vresp)
	if vresp.Total != 1 {
		t.Errorf("expected 1 verification outcome, got %d", vresp.Total)
	}
}
