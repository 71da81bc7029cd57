package records

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/medparse/medparse/internal/platform/auth"
	"github.com/medparse/medparse/internal/platform/blobstore"
	"github.com/medparse/medparse/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole("admin", "physician", "nurse"))
	read.GET("/documents", h.ListDocuments)
	read.GET("/documents/:id", h.GetDocument)
	read.GET("/documents/:id/status", h.GetStatus)
	read.GET("/documents/:id/record", h.GetRecord)

	write := api.Group("", auth.RequireRole("admin", "physician"))
	write.POST("/documents", h.Upload)
	write.POST("/documents/:id/process", h.Process)
	write.POST("/documents/:id/reprocess", h.Reprocess)
	write.DELETE("/documents/:id", h.DeleteDocument)
}

// Upload accepts a multipart file, stores it and registers a pending job.
// With ?process=sync the pipeline runs before the response; the default is a
// background run tracked through the status endpoint.
func (h *Handler) Upload(c echo.Context) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "missing file part")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()

	meta := blobstore.DocumentMeta{
		FileName:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		PatientID:   c.FormValue("patient_id"),
		CreatedBy:   auth.UserIDFromContext(c.Request().Context()),
	}

	stored, err := h.svc.Upload(c.Request().Context(), meta, src)
	if err != nil {
		return uploadError(err)
	}

	if c.QueryParam("process") == "sync" {
		rec, err := h.svc.Process(c.Request().Context(), stored.ID)
		if err != nil {
			return processError(err)
		}
		return c.JSON(http.StatusCreated, map[string]any{"document": stored, "record": rec})
	}

	h.svc.ProcessAsync(stored.ID)
	return c.JSON(http.StatusAccepted, map[string]any{"document": stored})
}

func (h *Handler) Process(c echo.Context) error {
	rec, err := h.svc.Process(c.Request().Context(), c.Param("id"))
	if err != nil {
		return processError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Reprocess(c echo.Context) error {
	rec, err := h.svc.Reprocess(c.Request().Context(), c.Param("id"))
	if err != nil {
		return processError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetStatus(c echo.Context) error {
	job, err := h.svc.GetJob(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrJobNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "job not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) GetRecord(c echo.Context) error {
	rec, err := h.svc.GetRecord(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "record not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) GetDocument(c echo.Context) error {
	meta, err := h.svc.GetDocument(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, meta)
}

func (h *Handler) ListDocuments(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListDocuments(c.Request().Context(), c.QueryParam("patient_id"), pg.Limit, pg.Offset)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) DeleteDocument(c echo.Context) error {
	if err := h.svc.DeleteDocument(c.Request().Context(), c.Param("id")); err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "document not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

func uploadError(err error) error {
	switch {
	case errors.Is(err, blobstore.ErrInvalidContentType):
		return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
	case errors.Is(err, blobstore.ErrFileTooLarge):
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, blobstore.ErrMissingFileName):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func processError(err error) error {
	switch {
	case errors.Is(err, ErrAlreadyProcessing):
		return echo.NewHTTPError(http.StatusConflict, "document is already processing")
	case errors.Is(err, blobstore.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "document not found")
	default:
		// A failed pipeline run, transient or permanent. The job row holds
		// the error category for the caller.
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
}
