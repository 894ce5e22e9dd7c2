package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	BackendMemory    = "memory"
	BackendMySQL     = "mysql"
	BackendFirestore = "firestore"
	BackendDynamoDB  = "dynamodb"
)

type Config struct {
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Database  DatabaseConfig  `json:"database"`
	Firestore FirestoreConfig `json:"firestore"`
	DynamoDB  DynamoDBConfig  `json:"dynamodb"`
	GCS       GCSConfig       `json:"gcs"`
	Gotenberg GotenbergConfig `json:"gotenberg"`
	Events    EventsConfig    `json:"events"`
	Files     FilesConfig     `json:"files"`
	// DataSources maps a db-mapping source name to its backend, e.g.
	// "participants" -> {Kind: "firestore", Target: "participants"}.
	DataSources map[string]DataSourceConfig `json:"data_sources"`
}

type ServerConfig struct {
	Port         string   `json:"port"`
	Environment  string   `json:"environment"`
	BaseURL      string   `json:"base_url"`
	AllowOrigins []string `json:"allow_origins"`
}

type StoreConfig struct {
	Backend string `json:"backend"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     string `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	DBName   string `json:"db_name"`
}

type FirestoreConfig struct {
	ProjectID           string `json:"project_id"`
	TemplatesCollection string `json:"templates_collection"`
	InstancesCollection string `json:"instances_collection"`
	ActivityCollection  string `json:"activity_collection"`
}

type DynamoDBConfig struct {
	Region         string `json:"region"`
	Endpoint       string `json:"endpoint"`
	TemplatesTable string `json:"templates_table"`
	InstancesTable string `json:"instances_table"`
	ActivityTable  string `json:"activity_table"`
}

type GCSConfig struct {
	BucketName      string        `json:"bucket_name"`
	ProjectID       string        `json:"project_id"`
	CredentialsPath string        `json:"credentials_path"`
	SignedURLExpiry time.Duration `json:"signed_url_expiry"`
}

type GotenbergConfig struct {
	URL        string `json:"url"`
	Timeout    string `json:"timeout"`
	MaxRetries int    `json:"max_retries"`
}

type EventsConfig struct {
	SinkURL string `json:"sink_url"`
	Source  string `json:"source"`
}

type FilesConfig struct {
	ScratchDir string        `json:"scratch_dir"`
	MaxAge     time.Duration `json:"max_age"`
}

type DataSourceConfig struct {
	Kind   string `json:"kind"`
	Target string `json:"target"`
	// KeyColumn is only used by mysql sources.
	KeyColumn string `json:"key_column,omitempty"`
}

func (d *DatabaseConfig) DSN() string {
	// Cloud SQL Unix socket support
	if len(d.Host) > 0 && d.Host[0] == '/' {
		return fmt.Sprintf("%s:%s@unix(%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
			d.User, d.Password, d.Host, d.DBName)
	}
	return fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?charset=utf8mb4&parseTime=True&loc=Local",
		d.User, d.Password, d.Host, d.Port, d.DBName)
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file loaded, using system environment variables", "error", err)
	}

	projectID := getEnv("GOOGLE_CLOUD_PROJECT", "")

	dataSources, err := ParseDataSources(os.Getenv("DATA_SOURCES"))
	if err != nil {
		return nil, err
	}

	config := &Config{
		Server: ServerConfig{
			Port:         getEnv("SERVER_PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			BaseURL:      getEnv("BASE_URL", ""),
			AllowOrigins: parseAllowOrigins(),
		},
		Store: StoreConfig{
			Backend: strings.ToLower(getEnv("STORE_BACKEND", BackendMySQL)),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "3306"),
			User:     getEnv("DB_USER", "root"),
			Password: getEnv("DB_PASSWORD", ""),
			DBName:   getEnv("DB_NAME", "cf_forms"),
		},
		Firestore: FirestoreConfig{
			ProjectID:           getEnv("FIRESTORE_PROJECT_ID", projectID),
			TemplatesCollection: getEnv("FIRESTORE_TEMPLATES_COLLECTION", "formTemplates"),
			InstancesCollection: getEnv("FIRESTORE_INSTANCES_COLLECTION", "formInstances"),
			ActivityCollection:  getEnv("FIRESTORE_ACTIVITY_COLLECTION", "formActivity"),
		},
		DynamoDB: DynamoDBConfig{
			Region:         getEnv("AWS_REGION", "us-east-1"),
			Endpoint:       getEnv("DYNAMODB_ENDPOINT", ""),
			TemplatesTable: getEnv("DYNAMODB_TEMPLATES_TABLE", "form_templates"),
			InstancesTable: getEnv("DYNAMODB_INSTANCES_TABLE", "form_instances"),
			ActivityTable:  getEnv("DYNAMODB_ACTIVITY_TABLE", "form_activity"),
		},
		GCS: GCSConfig{
			BucketName:      getEnv("GCS_BUCKET_NAME", ""),
			ProjectID:       projectID,
			CredentialsPath: getEnv("GCS_CREDENTIALS_PATH", ""),
			SignedURLExpiry: getDuration("SIGNED_URL_EXPIRY", 15*time.Minute),
		},
		Gotenberg: GotenbergConfig{
			URL:        getEnv("GOTENBERG_URL", "http://localhost:3000"),
			Timeout:    getEnv("GOTENBERG_TIMEOUT", "30s"),
			MaxRetries: getInt("GOTENBERG_MAX_RETRIES", 3),
		},
		Events: EventsConfig{
			SinkURL: getEnv("EVENTS_SINK_URL", ""),
			Source:  getEnv("EVENTS_SOURCE", "cf-forms/instances"),
		},
		Files: FilesConfig{
			ScratchDir: getEnv("SCRATCH_DIR", "outputs"),
			MaxAge:     getDuration("SCRATCH_MAX_AGE", 24*time.Hour),
		},
		DataSources: dataSources,
	}

	switch config.Store.Backend {
	case BackendMemory, BackendMySQL, BackendFirestore, BackendDynamoDB:
	default:
		return nil, fmt.Errorf("unknown STORE_BACKEND %q", config.Store.Backend)
	}

	return config, nil
}

// ParseDataSources reads a comma-separated list of name=kind:target[:keyColumn]
// entries, e.g. "participants=firestore:participants,funding=mysql:funding_records:participant_id".
func ParseDataSources(raw string) (map[string]DataSourceConfig, error) {
	sources := make(map[string]DataSourceConfig)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, target, ok := strings.Cut(entry, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid data source %q: expected name=kind:target", entry)
		}
		parts := strings.Split(strings.TrimSpace(target), ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("invalid data source %q: expected name=kind:target", entry)
		}
		ds := DataSourceConfig{Kind: strings.ToLower(parts[0]), Target: parts[1]}
		if len(parts) > 2 {
			ds.KeyColumn = parts[2]
		}
		switch ds.Kind {
		case BackendFirestore, BackendMySQL:
		default:
			return nil, fmt.Errorf("invalid data source %q: unknown kind %q", entry, ds.Kind)
		}
		sources[name] = ds
	}
	return sources, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil && d > 0 {
		return d
	}
	return defaultValue
}

func parseAllowOrigins() []string {
	if origins := os.Getenv("ALLOW_ORIGINS"); origins != "" {
		var allowOrigins []string
		for _, origin := range strings.Split(origins, ",") {
			if trimmed := strings.TrimSpace(origin); trimmed != "" {
				allowOrigins = append(allowOrigins, trimmed)
			}
		}
		return allowOrigins
	}

	return []string{
		"http://localhost:3000",
		"http://localhost:3001",
	}
}
