package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"CF-FORMS/internal/apperror"
	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/mapping"
	"CF-FORMS/internal/services"

	"github.com/gin-gonic/gin"
)

var (
	errInvalidPayload  = apperror.NewDomainErrorSimple("INVALID_REQUEST", "Invalid request payload", http.StatusBadRequest)
	errMissingUpload   = apperror.NewDomainErrorSimple("MISSING_FILE", "No file uploaded", http.StatusBadRequest)
	errUploadTooLarge  = apperror.NewDomainErrorSimple("FILE_TOO_LARGE", "Uploaded file is too large", http.StatusRequestEntityTooLarge)
	errServiceDown     = apperror.NewDomainErrorSimple("SERVICE_UNAVAILABLE", "The document service could not complete the request. Please try again.", http.StatusBadGateway)
	errInternal        = apperror.NewDomainErrorSimple("INTERNAL_ERROR", "An internal error occurred", http.StatusInternalServerError)
	errAlreadyComplete = apperror.NewDomainErrorSimple("ALREADY_COMPLETED", "This form has already been completed", http.StatusConflict)
)

// mapServiceError turns a service error into what the client sees. Internal
// identifiers and causes never reach the response body.
func mapServiceError(err error) *apperror.AppError {
	var (
		verr *forms.ValidationError
		terr *mapping.TemplateError
	)
	switch {
	case errors.As(err, &verr):
		switch verr.Kind {
		case forms.KindMissingRequiredFields:
			return apperror.NewDomainError("MISSING_REQUIRED_FIELDS", "Required fields are missing", err, http.StatusUnprocessableEntity).
				WithDetail("missing", verr.MissingLabels())
		case forms.KindMissingSignature:
			return apperror.NewDomainError("MISSING_SIGNATURE", "A signature is required before the form can be generated", err, http.StatusUnprocessableEntity)
		default:
			return errAlreadyComplete
		}
	case errors.As(err, &terr):
		return apperror.NewDomainError("INVALID_TEMPLATE", "The template definition is invalid", err, http.StatusUnprocessableEntity).
			WithDetail("problems", terr.Problems)
	case errors.Is(err, services.ErrTemplateNotFound):
		return apperror.NewDomainErrorSimple("TEMPLATE_NOT_FOUND", "Template not found", http.StatusNotFound)
	case errors.Is(err, services.ErrInstanceNotFound):
		return apperror.NewDomainErrorSimple("INSTANCE_NOT_FOUND", "Form instance not found", http.StatusNotFound)
	case errors.Is(err, services.ErrUnknownField):
		return apperror.NewDomainError("UNKNOWN_FIELD", "One or more values do not belong to this form", err, http.StatusBadRequest)
	case errors.Is(err, services.ErrInvalidInput):
		return apperror.NewDomainError("INVALID_REQUEST", "Invalid request", err, http.StatusBadRequest)
	case errors.Is(err, services.ErrInstanceCompleted):
		return apperror.NewDomainError("INSTANCE_COMPLETED", "Completed forms cannot be edited", err, http.StatusConflict)
	case errors.Is(err, services.ErrDocumentNotReady):
		return apperror.NewDomainError("DOCUMENT_NOT_READY", "The document has not been generated yet", err, http.StatusConflict)
	case errors.Is(err, services.ErrExternalService):
		return errServiceDown
	default:
		return errInternal
	}
}

func respondError(c *gin.Context, err error) {
	appErr := mapServiceError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "error", err)
	}
	c.JSON(appErr.HTTPStatus, appErr.ToHTTPError())
}

func respondAppError(c *gin.Context, appErr *apperror.AppError) {
	c.JSON(appErr.HTTPStatus, appErr.ToHTTPError())
}
