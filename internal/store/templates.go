package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/sandboxctl/control-plane/internal/model"
)

// TemplateStore handles database operations for templates.
type TemplateStore struct {
	db *sql.DB
}

// Create inserts a new template. Templates are otherwise immutable in their
// image reference: updates go through Deactivate + Create of a new id,
// matching spec §3's "updates create a new active version" rule.
func (t *TemplateStore) Create(ctx context.Context, tpl *model.Template) error {
	if err := tpl.Validate(); err != nil {
		return err
	}
	now := time.Now()
	tpl.CreatedAt = now
	tpl.UpdatedAt = now

	envJSON, err := json.Marshal(tpl.DefaultEnv)
	if err != nil {
		return fmt.Errorf("store: marshal default env: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
		INSERT INTO templates (id, name, image, runtime_kind, default_cpu, default_memory_bytes,
			default_disk_bytes, default_timeout, default_env, active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name, image = EXCLUDED.image, runtime_kind = EXCLUDED.runtime_kind,
			default_cpu = EXCLUDED.default_cpu, default_memory_bytes = EXCLUDED.default_memory_bytes,
			default_disk_bytes = EXCLUDED.default_disk_bytes, default_timeout = EXCLUDED.default_timeout,
			default_env = EXCLUDED.default_env, active = EXCLUDED.active, updated_at = EXCLUDED.updated_at
	`, tpl.ID, tpl.Name, tpl.Image, tpl.RuntimeKind, tpl.DefaultLimit.CPUCores, tpl.DefaultLimit.MemoryBytes,
		tpl.DefaultLimit.DiskBytes, tpl.DefaultTimeout, envJSON, tpl.Active, tpl.CreatedAt, tpl.UpdatedAt)
	if err != nil {
		return fmt.Errorf("store: create template %s: %w", tpl.ID, err)
	}
	return nil
}

// ErrNotFound is returned by Get when no row matches.
var ErrNotFound = errors.New("store: not found")

// Get retrieves a template by id.
func (t *TemplateStore) Get(ctx context.Context, id string) (*model.Template, error) {
	tpl := &model.Template{ID: id}
	var envJSON []byte
	err := t.db.QueryRowContext(ctx, `
		SELECT name, image, runtime_kind, default_cpu, default_memory_bytes, default_disk_bytes,
			default_timeout, default_env, active, created_at, updated_at
		FROM templates WHERE id = $1
	`, id).Scan(&tpl.Name, &tpl.Image, &tpl.RuntimeKind, &tpl.DefaultLimit.CPUCores, &tpl.DefaultLimit.MemoryBytes,
		&tpl.DefaultLimit.DiskBytes, &tpl.DefaultTimeout, &envJSON, &tpl.Active, &tpl.CreatedAt, &tpl.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get template %s: %w", id, err)
	}
	if len(envJSON) > 0 {
		if err := json.Unmarshal(envJSON, &tpl.DefaultEnv); err != nil {
			return nil, fmt.Errorf("store: decode template env for %s: %w", id, err)
		}
	}
	return tpl, nil
}

// List returns all templates, optionally filtered to active-only.
func (t *TemplateStore) List(ctx context.Context, activeOnly bool) ([]*model.Template, error) {
	query := `SELECT id, name, image, runtime_kind, default_cpu, default_memory_bytes, default_disk_bytes,
		default_timeout, default_env, active, created_at, updated_at FROM templates`
	if activeOnly {
		query += ` WHERE active = true`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("store: list templates: %w", err)
	}
	defer rows.Close()

	var out []*model.Template
	for rows.Next() {
		tpl := &model.Template{}
		var envJSON []byte
		if err := rows.Scan(&tpl.ID, &tpl.Name, &tpl.Image, &tpl.RuntimeKind, &tpl.DefaultLimit.CPUCores,
			&tpl.DefaultLimit.MemoryBytes, &tpl.DefaultLimit.DiskBytes, &tpl.DefaultTimeout, &envJSON,
			&tpl.Active, &tpl.CreatedAt, &tpl.UpdatedAt); err != nil {
			return nil, fmt.Errorf("store: scan template: %w", err)
		}
		if len(envJSON) > 0 {
			json.Unmarshal(envJSON, &tpl.DefaultEnv)
		}
		out = append(out, tpl)
	}
	return out, rows.Err()
}

// Deactivate flips active=false without touching sessions that reference the
// snapshot used at their creation (spec §3: templates are referenced
// read-only by sessions; deletion must not orphan live sessions, so this
// store never hard-deletes a template that any session still references).
func (t *TemplateStore) Deactivate(ctx context.Context, id string) error {
	res, err := t.db.ExecContext(ctx, `UPDATE templates SET active = false, updated_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("store: deactivate template %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SeedTemplate is the operator-facing YAML shape for one template
// definition (spec §3: templates are ordinarily provisioned out of band
// rather than through the REST API). Field names intentionally mirror
// model.Template/model.ResourceLimit's JSON tags so an operator editing
// both files side by side sees the same vocabulary.
type SeedTemplate struct {
	ID             string            `yaml:"id"`
	Name           string            `yaml:"name"`
	Image          string            `yaml:"image"`
	RuntimeKind    string            `yaml:"runtime_kind"`
	DefaultCPU     float64           `yaml:"default_cpu"`
	DefaultMemory  int64             `yaml:"default_memory_bytes"`
	DefaultDisk    int64             `yaml:"default_disk_bytes"`
	DefaultTimeout int               `yaml:"default_timeout"`
	DefaultEnv     map[string]string `yaml:"default_env"`
	AllowNetwork   bool              `yaml:"allow_network"`
}

// templateSeedFile is the top-level shape of a template definitions file:
// a single "templates" list, so the file can grow other top-level keys
// later without breaking this decode.
type templateSeedFile struct {
	Templates []SeedTemplate `yaml:"templates"`
}

// SeedTemplatesFromYAML parses an operator-maintained template definitions
// file and upserts each entry via Create, whose ON CONFLICT DO UPDATE
// already makes this idempotent across restarts. This is the only YAML
// surface in the codebase; every wire format elsewhere (REST, internal
// callbacks) is JSON.
func (t *TemplateStore) SeedTemplatesFromYAML(ctx context.Context, data []byte) (int, error) {
	var file templateSeedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("store: parse template seed yaml: %w", err)
	}

	for _, d := range file.Templates {
		tpl := &model.Template{
			ID:          d.ID,
			Name:        d.Name,
			Image:       d.Image,
			RuntimeKind: d.RuntimeKind,
			DefaultLimit: model.ResourceLimit{
				CPUCores:    d.DefaultCPU,
				MemoryBytes: d.DefaultMemory,
				DiskBytes:   d.DefaultDisk,
			},
			DefaultTimeout: d.DefaultTimeout,
			DefaultEnv:     d.DefaultEnv,
			AllowNetwork:   d.AllowNetwork,
			Active:         true,
		}
		if tpl.ID == "" {
			tpl.ID = uuid.New().String()
		}
		if err := t.Create(ctx, tpl); err != nil {
			return 0, fmt.Errorf("store: seed template %q: %w", tpl.Name, err)
		}
	}
	return len(file.Templates), nil
}

// HasLiveSessions reports whether any non-terminal session still references
// the template, which blocks hard deletion.
func (t *TemplateStore) HasLiveSessions(ctx context.Context, id string) (bool, error) {
	var count int
	err := t.db.QueryRowContext(ctx, `
		SELECT count(*) FROM sessions
		WHERE template_id = $1 AND status NOT IN ('COMPLETED','TERMINATED','FAILED','TIMEOUT')
	`, id).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: check live sessions for template %s: %w", id, err)
	}
	return count > 0, nil
}
