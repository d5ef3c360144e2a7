// Package customfield maintains the workspace-scoped dynamic field
// definitions that extra lead attributes are stored under.
package customfield

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/leadpipe/internal/db"
	"github.com/sells-group/leadpipe/internal/model"
)

// Registry resolves field ids, creating fields on first use. Ids are cached
// for the life of the process; fields are never deleted.
type Registry struct {
	pool  db.Pool
	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]string
}

// NewRegistry creates a Registry backed by pool.
func NewRegistry(pool db.Pool) *Registry {
	return &Registry{pool: pool, cache: make(map[string]string)}
}

func cacheKey(workspaceID, key string) string {
	return workspaceID + "|" + key
}

// EnsureFieldExists returns the id of the (workspaceID, key) field, creating
// it when missing. Concurrent callers for the same field share one lookup,
// and an insert that loses a race re-reads the winner's row.
func (r *Registry) EnsureFieldExists(ctx context.Context, workspaceID, key string) (string, error) {
	key = NormalizeKey(key)
	if key == "" {
		return "", &model.ValidationError{Field: "key", Reason: "empty"}
	}
	ck := cacheKey(workspaceID, key)

	r.mu.RLock()
	id, ok := r.cache[ck]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	v, err, _ := r.group.Do(ck, func() (any, error) {
		id, err := r.ensure(ctx, workspaceID, key)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[ck] = id
		r.mu.Unlock()
		return id, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *Registry) ensure(ctx context.Context, workspaceID, key string) (string, error) {
	id, err := r.lookup(ctx, workspaceID, key)
	if err != nil || id != "" {
		return id, err
	}

	id = uuid.NewString()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO custom_fields (id, workspace_id, key, label, field_type) VALUES ($1, $2, $3, $4, $5)`,
		id, workspaceID, key, Label(key), string(InferType(key)),
	)
	if err == nil {
		zap.L().Debug("customfield: created",
			zap.String("workspace_id", workspaceID),
			zap.String("key", key),
			zap.String("field_id", id),
		)
		return id, nil
	}
	if !db.IsUniqueViolation(err) {
		return "", eris.Wrapf(err, "customfield: create %s", key)
	}

	// Another process created it between our select and insert.
	id, err = r.lookup(ctx, workspaceID, key)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", eris.Errorf("customfield: %s vanished after unique violation", key)
	}
	return id, nil
}

func (r *Registry) lookup(ctx context.Context, workspaceID, key string) (string, error) {
	var id string
	err := r.pool.QueryRow(ctx,
		`SELECT id FROM custom_fields WHERE workspace_id = $1 AND key = $2`,
		workspaceID, key,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "customfield: lookup %s", key)
	}
	return id, nil
}

// List returns every field of a workspace ordered by key.
func (r *Registry) List(ctx context.Context, workspaceID string) ([]model.CustomField, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, workspace_id, key, label, field_type, created_at
		FROM custom_fields WHERE workspace_id = $1 ORDER BY key`,
		workspaceID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "customfield: list")
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CustomField, error) {
		var (
			f  model.CustomField
			ft string
		)
		err := row.Scan(&f.ID, &f.WorkspaceID, &f.Key, &f.Label, &ft, &f.CreatedAt)
		f.FieldType = model.FieldType(ft)
		return f, err
	})
	return out, eris.Wrap(err, "customfield: scan list")
}

var (
	phoneTokens = map[string]bool{"phone": true, "telefone": true, "whatsapp": true, "tel": true, "mobile": true, "celular": true}
	urlTokens   = map[string]bool{"url": true, "website": true, "link": true, "instagram": true, "facebook": true, "linkedin": true, "twitter": true, "youtube": true, "tiktok": true}
)

// InferType guesses a field's type from its key.
func InferType(key string) model.FieldType {
	key = NormalizeKey(key)
	tokens := strings.Split(key, "_")
	if strings.Contains(key, "email") || strings.Contains(key, "e_mail") {
		return model.FieldTypeEmail
	}
	for _, t := range tokens {
		if phoneTokens[t] {
			return model.FieldTypePhone
		}
	}
	if key == "site" {
		return model.FieldTypeURL
	}
	for _, t := range tokens {
		if urlTokens[t] {
			return model.FieldTypeURL
		}
	}
	return model.FieldTypeText
}

// NormalizeKey lower-cases key and joins its words with underscores.
func NormalizeKey(key string) string {
	f := strings.FieldsFunc(strings.ToLower(key), func(r rune) bool {
		return r == '_' || r == '-' || r == ' ' || r == '.'
	})
	return strings.Join(f, "_")
}

// Label turns a key into a display label: "review_count" -> "Review Count".
func Label(key string) string {
	return cases.Title(language.Und).String(strings.ReplaceAll(NormalizeKey(key), "_", " "))
}
