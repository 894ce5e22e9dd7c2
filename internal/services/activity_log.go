package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"CF-FORMS/internal/models"
	"CF-FORMS/internal/repository"

	"github.com/google/uuid"
)

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 1000
)

// AuditEntry is one lifecycle event to record.
type AuditEntry struct {
	Action     string
	Actor      string
	InstanceID string
	TemplateID string
	SubjectID  string
	Detail     map[string]interface{}
}

type ActivityLogService struct {
	repo repository.ActivityLogRepository
	now  func() time.Time
}

func NewActivityLogService(repo repository.ActivityLogRepository) *ActivityLogService {
	return &ActivityLogService{repo: repo, now: time.Now}
}

// Record appends e to the audit trail. A failed write is logged and never
// fails the operation being audited.
func (s *ActivityLogService) Record(ctx context.Context, e AuditEntry) {
	entry := models.ActivityLog{
		ID:         uuid.New().String(),
		InstanceID: e.InstanceID,
		TemplateID: e.TemplateID,
		SubjectID:  e.SubjectID,
		Action:     e.Action,
		Actor:      e.Actor,
		CreatedAt:  s.now().UTC(),
	}
	if len(e.Detail) > 0 {
		detail, err := json.Marshal(e.Detail)
		if err != nil {
			slog.Warn("failed to encode activity detail", "action", e.Action, "error", err)
		} else {
			entry.Detail = string(detail)
		}
	}

	if err := s.repo.Append(ctx, entry); err != nil {
		slog.Error("failed to save activity log", "action", e.Action, "instanceId", e.InstanceID, "templateId", e.TemplateID, "error", err)
	}
}

// List returns the instance's entries newest first.
func (s *ActivityLogService) List(ctx context.Context, instanceID string, limit, offset int) ([]models.ActivityLog, int64, error) {
	limit, offset = ClampPage(limit, offset)
	logs, total, err := s.repo.ListByInstance(ctx, instanceID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to fetch logs: %w", err)
	}
	return logs, total, nil
}

// ClampPage applies the default and maximum page size.
func ClampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	if limit > MaxLogLimit {
		limit = MaxLogLimit
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
