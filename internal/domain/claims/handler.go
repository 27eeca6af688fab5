package claims

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/claims/claims/internal/lifecycle"
	"github.com/claims/claims/internal/ocr"
	"github.com/claims/claims/internal/platform/auth"
	"github.com/claims/claims/pkg/pagination"
)

// AttemptSource exposes the extraction attempt log for a claim.
type AttemptSource interface {
	Attempts(claimID uuid.UUID) []ocr.Attempt
}

type Handler struct {
	svc      *Service
	attempts AttemptSource
}

func NewHandler(svc *Service, attempts AttemptSource) *Handler {
	return &Handler{svc: svc, attempts: attempts}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	readGroup := api.Group("", auth.RequireRole("claims", "reviewer"))
	readGroup.GET("/claims", h.ListClaims)
	readGroup.GET("/claims/:id", h.GetClaim)
	readGroup.GET("/claims/:id/attempts", h.GetClaimAttempts)

	writeGroup := api.Group("", auth.RequireRole("claims"))
	writeGroup.POST("/claims", h.CreateClaim)
	writeGroup.PATCH("/claims/:id", h.UpdateClaim)
	writeGroup.DELETE("/claims/:id", h.DeleteClaim)
	writeGroup.POST("/claims/:id/documents", h.AttachDocument)
	writeGroup.POST("/claims/:id/advance", h.AdvanceClaim)

	reviewGroup := api.Group("", auth.RequireRole("reviewer"))
	reviewGroup.POST("/claims/:id/review", h.ReviewClaim)
}

func (h *Handler) CreateClaim(c echo.Context) error {
	var cl Claim
	if err := c.Bind(&cl); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateClaim(c.Request().Context(), &cl); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cl)
}

func (h *Handler) GetClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	cl, err := h.svc.GetClaim(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) ListClaims(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:       c.QueryParam("status"),
		ClaimType:    c.QueryParam("claim_type"),
		PolicyNumber: c.QueryParam("policy_number"),
		PatientName:  c.QueryParam("patient_name"),
	}
	items, total, err := h.svc.ListClaims(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) UpdateClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var patch UpdatePatch
	if err := c.Bind(&patch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.UpdateClaim(c.Request().Context(), id, patch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) DeleteClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if err := h.svc.DeleteClaim(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

type attachDocumentRequest struct {
	DocumentURL string `json:"document_url"`
	RequestKey  string `json:"request_key"`
}

func (h *Handler) AttachDocument(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req attachDocumentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cl, err := h.svc.AttachDocument(c.Request().Context(), id, req.DocumentURL, req.RequestKey)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type advanceRequest struct {
	Event       string `json:"event"`
	RequestKey  string `json:"request_key"`
	Reason      string `json:"reason"`
	ForceReview bool   `json:"force_review"`
}

func (h *Handler) AdvanceClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req advanceRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ev := lifecycle.Event{
		Type:        lifecycle.EventType(req.Event),
		Reason:      req.Reason,
		ForceReview: req.ForceReview,
	}
	if !ev.Type.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown event: "+req.Event)
	}
	cl, err := h.svc.Advance(c.Request().Context(), id, ev, req.RequestKey)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

type reviewRequest struct {
	Decision   string `json:"decision"`
	ReviewerID string `json:"reviewer_id"`
	Reason     string `json:"reason"`
	RequestKey string `json:"request_key"`
}

func (h *Handler) ReviewClaim(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req reviewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ReviewerID == "" {
		req.ReviewerID = auth.UserIDFromContext(c.Request().Context())
	}
	cl, err := h.svc.Review(c.Request().Context(), id, req.Decision, req.ReviewerID, req.Reason, req.RequestKey)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cl)
}

func (h *Handler) GetClaimAttempts(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	if _, err := h.svc.GetClaim(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	attempts := []ocr.Attempt{}
	if h.attempts != nil {
		attempts = append(attempts, h.attempts.Attempts(id)...)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"claim_id": id, "attempts": attempts})
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "claim not found")
	case errors.Is(err, ErrDuplicateClaimNumber):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrLeaseTimeout):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrExtractionUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, ocr.ErrPermanent):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}
