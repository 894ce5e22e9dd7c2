package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/services"

	"github.com/gin-gonic/gin"
)

type InstanceHandler struct {
	instances  *services.InstanceService
	generation *services.GenerationService
}

func NewInstanceHandler(instances *services.InstanceService, generation *services.GenerationService) *InstanceHandler {
	return &InstanceHandler{instances: instances, generation: generation}
}

type CreateInstanceRequest struct {
	SubjectID  string `json:"subjectId" binding:"required"`
	TemplateID string `json:"templateId" binding:"required"`
}

type RecordValuesRequest struct {
	Values map[string]string `json:"values" binding:"required"`
}

type SignatureRefRequest struct {
	Ref string `json:"ref" binding:"required"`
}

type GenerateResponse struct {
	Instance    models.Instance `json:"instance"`
	DocumentURL string          `json:"documentUrl,omitempty"`
}

// GetOrCreate answers 201 when the instance was created and 200 when it
// already existed.
func (h *InstanceHandler) GetOrCreate(c *gin.Context) {
	var payload CreateInstanceRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondAppError(c, errInvalidPayload)
		return
	}

	inst, created, err := h.instances.GetOrCreateInstance(c.Request.Context(), payload.SubjectID, payload.TemplateID, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	c.JSON(status, inst)
}

func (h *InstanceHandler) Get(c *gin.Context) {
	view, err := h.instances.Get(c.Request.Context(), c.Param("instanceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *InstanceHandler) ListBySubject(c *gin.Context) {
	instances, err := h.instances.ListBySubject(c.Request.Context(), c.Param("subjectId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "total": len(instances)})
}

func (h *InstanceHandler) RecordValues(c *gin.Context) {
	var payload RecordValuesRequest
	if err := c.ShouldBindJSON(&payload); err != nil {
		respondAppError(c, errInvalidPayload)
		return
	}

	inst, err := h.instances.RecordValues(c.Request.Context(), c.Param("instanceId"), payload.Values, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// RecordSignature takes either a multipart "signature" image or a JSON body
// with a reference to an image already stored.
func (h *InstanceHandler) RecordSignature(c *gin.Context) {
	var in services.SignatureInput
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		file, _, err := c.Request.FormFile("signature")
		if err != nil {
			respondAppError(c, errMissingUpload)
			return
		}
		defer file.Close()
		if in.Image, err = io.ReadAll(io.LimitReader(file, maxUploadBytes)); err != nil {
			respondAppError(c, errMissingUpload)
			return
		}
	} else {
		var payload SignatureRefRequest
		if err := c.ShouldBindJSON(&payload); err != nil {
			respondAppError(c, errInvalidPayload)
			return
		}
		in.Ref = payload.Ref
	}

	inst, err := h.instances.RecordSignature(c.Request.Context(), c.Param("instanceId"), in, actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, inst)
}

// Generate renders the instance. A second submission of a completed
// instance gets 409 with the link to the document already produced.
func (h *InstanceHandler) Generate(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("instanceId")

	inst, err := h.generation.Generate(ctx, id, actor(c))
	if errors.Is(err, forms.ErrAlreadyCompleted) {
		appErr := errAlreadyComplete
		if url, uerr := h.instances.DocumentURL(ctx, id); uerr == nil {
			appErr = appErr.WithDetail("documentUrl", url)
		}
		respondAppError(c, appErr)
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}

	resp := GenerateResponse{Instance: inst}
	if url, err := h.instances.DocumentURL(ctx, id); err == nil {
		resp.DocumentURL = url
	}
	c.JSON(http.StatusOK, resp)
}

func (h *InstanceHandler) Download(c *gin.Context) {
	url, err := h.instances.DocumentURL(c.Request.Context(), c.Param("instanceId"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}
