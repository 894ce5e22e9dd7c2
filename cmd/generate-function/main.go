package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"CF-FORMS/internal/app"
	"CF-FORMS/internal/config"
	"CF-FORMS/internal/forms"
	"CF-FORMS/internal/handlers"
	"CF-FORMS/internal/models"
	"CF-FORMS/internal/services"

	"github.com/GoogleCloudPlatform/functions-framework-go/functions"
)

var (
	generator *app.App
	once      sync.Once
	initErr   error
)

func init() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	functions.HTTP("GenerateDocument", handleGenerateDocument)
}

// main is required by the Go Functions Framework.
func main() {}

type generateRequest struct {
	InstanceID string `json:"instanceId"`
}

type generateResponse struct {
	Instance models.Instance `json:"instance"`
	Status   string          `json:"status"`
}

// handleGenerateDocument lets a workflow generate an instance's document
// without going through the API server.
func handleGenerateDocument(w http.ResponseWriter, r *http.Request) {
	once.Do(func() {
		var cfg *config.Config
		if cfg, initErr = config.Load(); initErr != nil {
			return
		}
		generator, initErr = app.New(context.Background(), cfg)
	})
	if initErr != nil {
		slog.Error("generation function initialization failed", "error", initErr)
		http.Error(w, "failed to initialize service", http.StatusInternalServerError)
		return
	}

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.InstanceID) == "" {
		http.Error(w, "instanceId is required", http.StatusBadRequest)
		return
	}

	actor := strings.TrimSpace(r.Header.Get(handlers.OperatorHeader))
	if actor == "" {
		actor = "workflow"
	}

	inst, err := generator.Generation.Generate(r.Context(), req.InstanceID, actor)
	switch {
	case errors.Is(err, forms.ErrAlreadyCompleted):
		writeJSON(w, http.StatusOK, generateResponse{Status: "already_completed"})
	case errors.Is(err, services.ErrInstanceNotFound):
		http.Error(w, "instance not found", http.StatusNotFound)
	case errors.Is(err, services.ErrExternalService):
		http.Error(w, "document service unavailable", http.StatusBadGateway)
	case err != nil:
		var verr *forms.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
				"status":  string(verr.Kind),
				"missing": verr.MissingLabels(),
			})
			return
		}
		slog.Error("generation failed", "instanceId", req.InstanceID, "error", err)
		http.Error(w, "generation failed", http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusOK, generateResponse{Instance: inst, Status: string(inst.Status)})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
