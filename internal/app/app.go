// Package app builds the services from configuration. The HTTP server and the
// generation function share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"CF-FORMS/internal"
	"CF-FORMS/internal/config"
	"CF-FORMS/internal/datasource"
	"CF-FORMS/internal/notify"
	"CF-FORMS/internal/repository"
	"CF-FORMS/internal/services"
	"CF-FORMS/internal/storage"

	"cloud.google.com/go/firestore"
	"gorm.io/gorm"
)

// resolverConcurrency caps parallel lookups per generation.
const resolverConcurrency = 8

type App struct {
	Config     *config.Config
	Activity   *services.ActivityLogService
	Templates  *services.TemplateService
	Instances  *services.InstanceService
	Generation *services.GenerationService

	closers []func() error
}

func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{Config: cfg}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	cfg := a.Config

	var (
		db *gorm.DB
		fs *firestore.Client
	)
	if cfg.Store.Backend == config.BackendMySQL || needsKind(cfg, config.BackendMySQL) {
		if err := internal.InitDB(cfg); err != nil {
			return err
		}
		db = internal.DB
		a.closers = append(a.closers, repository.NewGormStore(db).Close)
	}
	if cfg.Store.Backend == config.BackendFirestore || needsKind(cfg, config.BackendFirestore) {
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return fmt.Errorf("failed to create firestore client: %w", err)
		}
		fs = client
		a.closers = append(a.closers, client.Close)
	}

	store, err := openStore(ctx, cfg, db, fs)
	if err != nil {
		return err
	}

	registry, err := datasource.FromConfig(cfg.DataSources, fs, db)
	if err != nil {
		return err
	}
	slog.Info("data sources registered", "sources", registry.Names())

	gcs, err := storage.NewGCSClient(ctx, cfg.GCS.BucketName, cfg.GCS.ProjectID, cfg.GCS.CredentialsPath)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, gcs.Close)

	notifier, err := notify.New(cfg.Events.SinkURL, cfg.Events.Source)
	if err != nil {
		return err
	}

	renderer, err := services.NewPDFService(cfg.Gotenberg.URL, cfg.Gotenberg.Timeout, cfg.Gotenberg.MaxRetries, cfg.Files.ScratchDir)
	if err != nil {
		return err
	}

	a.Activity = services.NewActivityLogService(store.Activities)
	a.Templates = services.NewTemplateService(store.Templates, gcs, a.Activity)
	a.Instances = services.NewInstanceService(store.Instances, a.Templates, gcs, a.Activity, cfg.GCS.SignedURLExpiry)
	a.Generation = services.NewGenerationService(
		store.Instances, a.Templates, datasource.NewResolver(registry, resolverConcurrency),
		gcs, renderer, notifier, a.Activity,
	)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, db *gorm.DB, fs *firestore.Client) (*repository.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		slog.Warn("using in-memory store, data is lost on restart")
		return repository.NewMemoryStore().Store(), nil
	case config.BackendMySQL:
		return repository.NewGormStore(db), nil
	case config.BackendFirestore:
		return repository.NewFirestoreStore(fs, repository.FirestoreCollections{
			Templates:  cfg.Firestore.TemplatesCollection,
			Instances:  cfg.Firestore.InstancesCollection,
			Activities: cfg.Firestore.ActivityCollection,
		}), nil
	case config.BackendDynamoDB:
		client, err := repository.NewDynamoDBClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		return repository.NewDynamoStore(client, repository.DynamoTables{
			Templates:  cfg.DynamoDB.TemplatesTable,
			Instances:  cfg.DynamoDB.InstancesTable,
			Activities: cfg.DynamoDB.ActivityTable,
		}), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

func needsKind(cfg *config.Config, kind string) bool {
	for _, ds := range cfg.DataSources {
		if ds.Kind == kind {
			return true
		}
	}
	return false
}

// Close releases clients in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
