package prescription

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/rxledger/pkg/pagination"
)

// Handler exposes the lifecycle operations over HTTP.
type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:patientId", h.ReadAsset)
	api.GET("/patients/:patientId/history", h.ReadHistory)
	api.POST("/patients/:patientId/prescriptions", h.Create)
	api.PATCH("/patients/:patientId/prescriptions/:prescriptionId", h.Update)
	api.POST("/patients/:patientId/prescriptions/:prescriptionId/revoke", h.Revoke)
	api.POST("/patients/:patientId/prescriptions/:prescriptionId/dispense", h.Dispense)

	api.GET("/history", h.ReadHistory)
	api.GET("/doctors/:doctorId/prescriptions", h.ListByDoctor)
	api.GET("/pharmacists/:pharmacistId/dispenses", h.DispenseHistory)
	api.GET("/verifications", h.ListVerifications)
}

func (h *Handler) ReadAsset(c echo.Context) error {
	a, err := h.svc.Read(c.Request().Context(), c.Param("patientId"))
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ReadHistory(c echo.Context) error {
	in := HistoryInput{PatientID: c.Param("patientId"), DoctorID: c.QueryParam("doctorId")}
	if in.PatientID == "" {
		in.PatientID = c.QueryParam("patientId")
	}
	hist, err := h.svc.ReadHistory(c.Request().Context(), in)
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, hist)
}

func (h *Handler) Create(c echo.Context) error {
	var in CreateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.PatientID = c.Param("patientId")
	a, err := h.svc.Create(c.Request().Context(), in)
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) Update(c echo.Context) error {
	var in UpdateInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.PatientID = c.Param("patientId")
	in.PrescriptionID = c.Param("prescriptionId")
	rx, err := h.svc.Update(c.Request().Context(), in)
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, rx)
}

func (h *Handler) Revoke(c echo.Context) error {
	var in RevokeInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.PatientID = c.Param("patientId")
	in.PrescriptionID = c.Param("prescriptionId")
	rx, err := h.svc.Revoke(c.Request().Context(), in)
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, rx)
}

func (h *Handler) Dispense(c echo.Context) error {
	var in DispenseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	in.PatientID = c.Param("patientId")
	in.PrescriptionID = c.Param("prescriptionId")
	rx, err := h.svc.Dispense(c.Request().Context(), in)
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, rx)
}

func (h *Handler) ListByDoctor(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.ListByDoctor(c.Request().Context(), c.Param("doctorId"))
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) DispenseHistory(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, err := h.svc.DispenseHistory(c.Request().Context(), c.Param("pharmacistId"))
	if err != nil {
		return rejection(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(pagination.Slice(items, pg), len(items), pg.Limit, pg.Offset))
}

func (h *Handler) ListVerifications(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Verifications(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func rejection(err error) error {
	r := Reject(err)
	return echo.NewHTTPError(r.Kind.HTTPStatus(), r)
}
