package internal

import (
	"fmt"
	"log/slog"

	"CF-FORMS/internal/config"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

var DB *gorm.DB

func InitDB(cfg *config.Config) error {
	dsn := cfg.Database.DSN()

	var err error
	DB, err = gorm.Open(mysql.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
		TranslateError:                           true,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := autoMigrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	slog.Info("database connected and migrated")
	return nil
}

func autoMigrate() error {
	// Create tables only if they don't exist (preserve existing data)
	slog.Info("ensuring form_templates table exists")
	result := DB.Exec(`
        CREATE TABLE IF NOT EXISTS form_templates (
            id varchar(191) PRIMARY KEY,
            title longtext NOT NULL,
            description longtext,
            fields json,
            signature_field json,
            source_object longtext,
            source_kind varchar(16),
            page_count int,
            created_at datetime(3) NULL,
            updated_at datetime(3) NULL,
            INDEX idx_form_templates_created_at (created_at)
        )
    `)
	if result.Error != nil {
		return fmt.Errorf("failed to create form_templates table: %w", result.Error)
	}

	ensureTemplateColumns := map[string]string{
		"description":     "ALTER TABLE form_templates ADD COLUMN description longtext",
		"signature_field": "ALTER TABLE form_templates ADD COLUMN signature_field json",
		"source_object":   "ALTER TABLE form_templates ADD COLUMN source_object longtext",
		"source_kind":     "ALTER TABLE form_templates ADD COLUMN source_kind varchar(16)",
		"page_count":      "ALTER TABLE form_templates ADD COLUMN page_count int",
	}
	for column, stmt := range ensureTemplateColumns {
		if err := ensureColumn("form_templates", column, stmt); err != nil {
			return err
		}
	}

	slog.Info("ensuring form_instances table exists")
	result = DB.Exec(`
        CREATE TABLE IF NOT EXISTS form_instances (
            id varchar(191) PRIMARY KEY,
            template_id varchar(191) NOT NULL,
            subject_id varchar(191) NOT NULL,
            field_values json,
            signature_ref longtext,
            status varchar(32) NOT NULL DEFAULT 'draft',
            output_object longtext,
            last_error text,
            created_at datetime(3) NULL,
            updated_at datetime(3) NULL,
            completed_at datetime(3) NULL,
            UNIQUE INDEX uniq_form_instances_subject_template (subject_id, template_id),
            INDEX idx_form_instances_template_id (template_id)
        )
    `)
	if result.Error != nil {
		return fmt.Errorf("failed to create form_instances table: %w", result.Error)
	}

	ensureInstanceColumns := map[string]string{
		"signature_ref": "ALTER TABLE form_instances ADD COLUMN signature_ref longtext",
		"output_object": "ALTER TABLE form_instances ADD COLUMN output_object longtext",
		"last_error":    "ALTER TABLE form_instances ADD COLUMN last_error text",
		"completed_at":  "ALTER TABLE form_instances ADD COLUMN completed_at datetime(3) NULL",
	}
	for column, stmt := range ensureInstanceColumns {
		if err := ensureColumn("form_instances", column, stmt); err != nil {
			return err
		}
	}

	slog.Info("ensuring activity_logs table exists")
	result = DB.Exec(`
        CREATE TABLE IF NOT EXISTS activity_logs (
            id varchar(191) PRIMARY KEY,
            instance_id varchar(191),
            template_id varchar(191),
            subject_id varchar(191),
            action varchar(64) NOT NULL,
            actor longtext,
            detail json,
            created_at datetime(3) NULL,
            INDEX idx_activity_logs_instance_id (instance_id),
            INDEX idx_activity_logs_created_at (created_at)
        )
    `)
	if result.Error != nil {
		return fmt.Errorf("failed to create activity_logs table: %w", result.Error)
	}

	slog.Info("tables created/verified")
	return nil
}

func ensureColumn(table, column, statement string) error {
	if DB.Migrator().HasColumn(table, column) {
		return nil
	}

	slog.Info("adding missing column", "table", table, "column", column)
	if err := DB.Exec(statement).Error; err != nil {
		return fmt.Errorf("failed to add column %s.%s: %w", table, column, err)
	}

	return nil
}
