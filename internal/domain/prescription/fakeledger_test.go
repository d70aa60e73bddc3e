package prescription

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/rxledger/internal/platform/gateway"
	"github.com/ehr/rxledger/internal/platform/retry"
)

// fakeLedger emulates the gateway and the eight chaincode functions. Reads
// come back in a rotating set of the encodings real gateways produce.
type fakeLedger struct {
	mu      sync.Mutex
	assets  map[string]map[string]interface{}
	history map[string][]map[string]interface{}
	tx      int
	reads   int

	invokes     []string
	queries     []string
	failQueries int  // next N queries answer 503
	lagging     bool // accept invokes without applying them
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		assets:  make(map[string]map[string]interface{}),
		history: make(map[string][]map[string]interface{}),
	}
}

func (f *fakeLedger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	fn := r.Form.Get("function")
	args := r.Form["args"]
	arg := ""
	if len(args) > 0 {
		arg = args[0]
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/invoke":
		f.invokes = append(f.invokes, fn)
		status, body := f.invoke(fn, arg)
		w.WriteHeader(status)
		w.Write([]byte(body))
	case "/query":
		f.queries = append(f.queries, fn)
		if f.failQueries > 0 {
			f.failQueries--
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("peer unavailable"))
			return
		}
		status, body := f.query(fn, arg)
		w.WriteHeader(status)
		w.Write([]byte(body))
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeLedger) invoke(fn, arg string) (int, string) {
	var payload map[string]interface{}
	if err := json.Unmarshal([]byte(arg), &payload); err != nil {
		return http.StatusBadRequest, "Error: invalid argument"
	}
	f.tx++
	txID := fmt.Sprintf("tx-%d", f.tx)
	if f.lagging {
		return http.StatusOK, fmt.Sprintf(`{"txId":%q}`, txID)
	}

	patientID, _ := payload["PatientId"].(string)
	switch fn {
	case fnCreateAsset, fnUpdatePrescription:
		f.assets[patientID] = payload
	case fnRevokePrescriptionJSON, fnDispensePrescription:
		rx := f.findRecord(patientID, payload["PrescriptionId"].(string))
		if rx == nil {
			return http.StatusInternalServerError, "Error: prescription does not exist"
		}
		if fn == fnRevokePrescriptionJSON {
			rx["Status"] = "Revoked"
		} else {
			rx["Status"] = "Dispensed"
			rx["DispensingPharmacist"] = payload["PharmacistId"]
			rx["DispensingTimestamp"] = payload["DispensingTimestamp"]
		}
	default:
		return http.StatusBadRequest, "Error: unknown function " + fn
	}

	snapshot, _ := json.Marshal(f.assets[patientID])
	f.history[patientID] = append(f.history[patientID], map[string]interface{}{
		"TxId":      txID,
		"Timestamp": map[string]interface{}{"seconds": float64(1700000000 + f.tx), "nanos": float64(0)},
		"IsDelete":  false,
		"Value":     string(snapshot),
	})
	if f.tx%2 == 0 {
		return http.StatusOK, "Transaction has been submitted"
	}
	return http.StatusOK, fmt.Sprintf(`{"txId":%q}`, txID)
}

func (f *fakeLedger) findRecord(patientID, prescriptionID string) map[string]interface{} {
	asset, ok := f.assets[patientID]
	if !ok {
		return nil
	}
	rxs, _ := asset["Prescriptions"].([]interface{})
	for _, el := range rxs {
		if rx, ok := el.(map[string]interface{}); ok && rx["PrescriptionId"] == prescriptionID {
			return rx
		}
	}
	return nil
}

func (f *fakeLedger) query(fn, arg string) (int, string) {
	switch fn {
	case fnReadAsset:
		asset, ok := f.assets[arg]
		if !ok {
			return http.StatusInternalServerError, fmt.Sprintf("Error: the asset %s does not exist", arg)
		}
		f.reads++
		return http.StatusOK, encodeMessy(asset, f.reads)
	case fnGetAssetHistory:
		b, _ := json.Marshal(f.history[arg])
		return http.StatusOK, "Result: " + string(b)
	case fnGetPrescriptionsByDoctor:
		return http.StatusOK, f.collect(func(rx map[string]interface{}) bool { return rx["CreatedBy"] == arg })
	case fnGetDispenseHistory:
		return http.StatusOK, f.collect(func(rx map[string]interface{}) bool { return rx["DispensingPharmacist"] == arg })
	}
	return http.StatusBadRequest, "Error: unknown function " + fn
}

func (f *fakeLedger) collect(match func(map[string]interface{}) bool) string {
	ids := make([]string, 0, len(f.assets))
	for id := range f.assets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []interface{}
	for _, id := range ids {
		rxs, _ := f.assets[id]["Prescriptions"].([]interface{})
		for _, el := range rxs {
			rx := el.(map[string]interface{})
			if !match(rx) {
				continue
			}
			cp := lowerKeys(rx)
			cp["patientId"] = id
			out = append(out, cp)
		}
	}
	if len(out) == 0 {
		return "[]"
	}
	b, _ := json.Marshal(out)
	return string(b)
}

// encodeMessy rotates through label-prefixed, double-encoded, escaped and
// lower-cased renderings of the same asset.
func encodeMessy(asset map[string]interface{}, n int) string {
	plain, _ := json.Marshal(asset)
	switch n % 4 {
	case 1:
		return "Result: " + string(plain)
	case 2:
		double, _ := json.Marshal(string(plain))
		return string(double)
	case 3:
		return strings.ReplaceAll(string(plain), `"`, `\"`)
	default:
		cp := make(map[string]interface{}, len(asset))
		for k, v := range asset {
			cp[k] = v
		}
		var rxs []interface{}
		list, _ := asset["Prescriptions"].([]interface{})
		for _, el := range list {
			rxs = append(rxs, lowerKeys(el.(map[string]interface{})))
		}
		delete(cp, "Prescriptions")
		cp["prescriptions"] = rxs
		b, _ := json.Marshal(cp)
		return string(b)
	}
}

func lowerKeys(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[strings.ToLower(k[:1])+k[1:]] = v
	}
	return out
}

func (f *fakeLedger) invokeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invokes)
}

func (f *fakeLedger) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.queries)
}

// newLedgerService wires a Service to a fakeLedger over real HTTP.
func newLedgerService(t *testing.T) (*Service, *fakeLedger, *MemoryJournal) {
	t.Helper()
	fake := newFakeLedger()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	client, err := gateway.NewClient(gateway.Config{
		BaseURL:       srv.URL,
		ChannelID:     "mychannel",
		ChaincodeID:   "basic",
		InvokeTimeout: 2 * time.Second,
		QueryTimeout:  2 * time.Second,
	}, gateway.WithHTTPClient(srv.Client()))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	journal := NewMemoryJournal(0)
	svc := NewService(client, journal, zerolog.Nop(), Config{
		Retry:         retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Verify:        retry.Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		VerifyTimeout: 5 * time.Second,
	})
	return svc, fake, journal
}
