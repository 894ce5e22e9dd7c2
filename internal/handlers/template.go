package handlers

import (
	"io"
	"net/http"

	"CF-FORMS/internal/models"
	"CF-FORMS/internal/services"

	"github.com/gin-gonic/gin"
)

const maxUploadBytes = 20 << 20

type TemplateHandler struct {
	templates *services.TemplateService
}

func NewTemplateHandler(templates *services.TemplateService) *TemplateHandler {
	return &TemplateHandler{templates: templates}
}

type TemplateListResponse struct {
	Templates []models.Template `json:"templates"`
	Total     int               `json:"total"`
}

func (h *TemplateHandler) Create(c *gin.Context) {
	var payload models.Template
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondAppError(c, errInvalidPayload)
		return
	}

	tmpl, err := h.templates.Create(c.Request.Context(), payload, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, tmpl)
}

func (h *TemplateHandler) List(c *gin.Context) {
	templates, err := h.templates.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, TemplateListResponse{Templates: templates, Total: len(templates)})
}

func (h *TemplateHandler) Get(c *gin.Context) {
	tmpl, err := h.templates.Get(c.Request.Context(), c.Param("templateId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *TemplateHandler) Update(c *gin.Context) {
	var payload models.Template
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondAppError(c, errInvalidPayload)
		return
	}

	tmpl, err := h.templates.Update(c.Request.Context(), c.Param("templateId"), payload, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *TemplateHandler) Delete(c *gin.Context) {
	if err := h.templates.Delete(c.Request.Context(), c.Param("templateId"), actor(c)); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// UploadSource accepts a PDF or DOCX base document in the "file" form field.
func (h *TemplateHandler) UploadSource(c *gin.Context) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		respondAppError(c, errMissingUpload)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes+1))
	if err != nil {
		respondAppError(c, errMissingUpload)
		return
	}
	if len(data) > maxUploadBytes {
		respondAppError(c, errUploadTooLarge)
		return
	}

	tmpl, err := h.templates.UploadSource(c.Request.Context(), c.Param("templateId"), header.Filename, data, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tmpl)
}

func (h *TemplateHandler) Checklist(c *gin.Context) {
	items, err := h.templates.Checklist(c.Request.Context(), c.Param("templateId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"fields": items})
}
