package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

// AuditEntry describes one request against prescription data.
type AuditEntry struct {
	RequestID      string
	Action         string // read, create, update, revoke, dispense, list
	PatientID      string
	PrescriptionID string
	Subject        string // doctor or pharmacist id on listing routes
	Method         string
	Path           string
	IPAddress      string
	UserAgent      string
	StatusCode     int
	Timestamp      time.Time
}

// AuditRecorder persists audit entries.
type AuditRecorder interface {
	RecordAccess(entry AuditEntry) error
}

// AuditRecorderFunc adapts a function to AuditRecorder.
type AuditRecorderFunc func(entry AuditEntry) error

func (f AuditRecorderFunc) RecordAccess(entry AuditEntry) error {
	return f(entry)
}

// Audit records every request under prefix after the handler runs. Entries
// go to each recorder, or to logger when none is given. Recorder failures
// are logged and never fail the request.
func Audit(logger zerolog.Logger, prefix string, recorders ...AuditRecorder) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, prefix) {
				return next(c)
			}

			err := next(c)

			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			rid, _ := c.Get("request_id").(string)
			entry := AuditEntry{
				RequestID:      rid,
				Action:         auditAction(req.Method, req.URL.Path),
				PatientID:      c.Param("patientId"),
				PrescriptionID: c.Param("prescriptionId"),
				Subject:        firstNonEmpty(c.Param("doctorId"), c.Param("pharmacistId")),
				Method:         req.Method,
				Path:           req.URL.Path,
				IPAddress:      c.RealIP(),
				UserAgent:      req.UserAgent(),
				StatusCode:     status,
				Timestamp:      time.Now().UTC(),
			}

			if len(recorders) == 0 {
				logAudit(logger, entry)
				return err
			}
			for _, r := range recorders {
				if rerr := r.RecordAccess(entry); rerr != nil {
					logger.Error().Err(rerr).Str("request_id", rid).Msg("failed to record audit entry")
				}
			}
			return err
		}
	}
}

func logAudit(logger zerolog.Logger, e AuditEntry) {
	logger.Info().
		Str("audit", "prescription_access").
		Str("request_id", e.RequestID).
		Str("action", e.Action).
		Str("patient_id", e.PatientID).
		Str("prescription_id", e.PrescriptionID).
		Str("subject", e.Subject).
		Str("method", e.Method).
		Str("path", e.Path).
		Str("ip", e.IPAddress).
		Int("status", e.StatusCode).
		Msg("audit")
}

// auditAction derives the lifecycle action from the method and the final
// path segment.
func auditAction(method, path string) string {
	last := path
	if i := strings.LastIndex(strings.TrimSuffix(path, "/"), "/"); i >= 0 {
		last = strings.TrimSuffix(path, "/")[i+1:]
	}
	switch method {
	case http.MethodPost:
		switch last {
		case "revoke", "dispense":
			return last
		}
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodGet:
		switch last {
		case "prescriptions", "dispenses", "verifications":
			return "list"
		case "history":
			return "history"
		}
		return "read"
	}
	return strings.ToLower(method)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
