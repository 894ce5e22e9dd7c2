// Package datasource looks up db-mapped field values for a subject from the
// systems of record configured in DATA_SOURCES.
package datasource

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"CF-FORMS/internal/config"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrUnknownSource     = errors.New("unknown data source")
	ErrInvalidIdentifier = errors.New("invalid identifier")
)

// DateLayout is how date values are rendered onto forms.
const DateLayout = "2006-01-02"

// Source reads a single field of one subject. found is false, with a nil
// error, when the subject or field does not exist.
type Source interface {
	Lookup(ctx context.Context, subjectID, field string) (value string, found bool, err error)
}

type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

func (r *Registry) Register(name string, src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[name] = src
}

func (r *Registry) Get(name string) (Source, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	return src, nil
}

// Names lists the registered source names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	return names
}

// FromConfig builds a registry from parsed DATA_SOURCES entries. Clients may
// be nil when no entry needs them.
func FromConfig(sources map[string]config.DataSourceConfig, fs *firestore.Client, db *gorm.DB) (*Registry, error) {
	reg := NewRegistry()
	for name, ds := range sources {
		switch ds.Kind {
		case config.BackendFirestore:
			if fs == nil {
				return nil, fmt.Errorf("data source %q needs a firestore client", name)
			}
			reg.Register(name, NewFirestoreSource(fs, ds.Target))
		case config.BackendMySQL:
			if db == nil {
				return nil, fmt.Errorf("data source %q needs a mysql connection", name)
			}
			src, err := NewSQLSource(db, ds.Target, ds.KeyColumn)
			if err != nil {
				return nil, fmt.Errorf("data source %q: %w", name, err)
			}
			reg.Register(name, src)
		default:
			return nil, fmt.Errorf("data source %q: unsupported kind %q", name, ds.Kind)
		}
	}
	return reg, nil
}

// MapSource serves values from memory, keyed by subject then field.
type MapSource map[string]map[string]string

func (m MapSource) Lookup(_ context.Context, subjectID, field string) (string, bool, error) {
	v, ok := m[subjectID][field]
	return v, ok, nil
}

// FirestoreSource reads from a collection whose document ids are subject ids.
// Dotted field names walk nested maps.
type FirestoreSource struct {
	col *firestore.CollectionRef
}

func NewFirestoreSource(client *firestore.Client, collection string) *FirestoreSource {
	return &FirestoreSource{col: client.Collection(collection)}
}

func (s *FirestoreSource) Lookup(ctx context.Context, subjectID, field string) (string, bool, error) {
	snap, err := s.col.Doc(subjectID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s/%s: %w", s.col.ID, subjectID, err)
	}
	v, ok := lookupPath(snap.Data(), field)
	if !ok {
		return "", false, nil
	}
	return FormatValue(v)
}

func lookupPath(data map[string]interface{}, field string) (interface{}, bool) {
	var cur interface{} = data
	for _, part := range strings.Split(field, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[part]; !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

func checkIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("%w: %s %q", ErrInvalidIdentifier, kind, name)
	}
	return nil
}

// SQLSource reads one column from a table row keyed by the subject id.
type SQLSource struct {
	db        *gorm.DB
	table     string
	keyColumn string
}

func NewSQLSource(db *gorm.DB, table, keyColumn string) (*SQLSource, error) {
	if keyColumn == "" {
		keyColumn = "id"
	}
	if err := checkIdentifier("table", table); err != nil {
		return nil, err
	}
	if err := checkIdentifier("column", keyColumn); err != nil {
		return nil, err
	}
	return &SQLSource{db: db, table: table, keyColumn: keyColumn}, nil
}

func (s *SQLSource) Lookup(ctx context.Context, subjectID, field string) (string, bool, error) {
	if err := checkIdentifier("column", field); err != nil {
		return "", false, err
	}

	row := map[string]interface{}{}
	err := s.db.WithContext(ctx).
		Table(s.table).
		Select(field).
		Where(clause.Eq{Column: clause.Column{Name: s.keyColumn}, Value: subjectID}).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s.%s: %w", s.table, field, err)
	}
	v, ok := row[field]
	if !ok || v == nil {
		return "", false, nil
	}
	return FormatValue(v)
}

// FormatValue renders a stored value as form text.
func FormatValue(v interface{}) (string, bool, error) {
	switch t := v.(type) {
	case nil:
		return "", false, nil
	case string:
		return t, true, nil
	case []byte:
		return string(t), true, nil
	case time.Time:
		return t.Format(DateLayout), true, nil
	case *time.Time:
		if t == nil {
			return "", false, nil
		}
		return t.Format(DateLayout), true, nil
	case bool:
		return strconv.FormatBool(t), true, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprintf("%d", t), true, nil
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32), true, nil
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true, nil
	case fmt.Stringer:
		return t.String(), true, nil
	}
	return "", false, fmt.Errorf("unsupported value type %T", v)
}
