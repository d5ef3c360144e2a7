// Package promote commits filtered, enriched staging rows as live leads.
package promote

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/leadpipe/internal/audit"
	"github.com/sells-group/leadpipe/internal/customfield"
	"github.com/sells-group/leadpipe/internal/db"
	"github.com/sells-group/leadpipe/internal/model"
	"github.com/sells-group/leadpipe/internal/staging"
)

// DefaultBatchSize is the number of rows migrated per sweep.
const DefaultBatchSize = 50

// newID is swapped in tests for deterministic ids.
var newID = uuid.NewString

// coreKeys land on lead columns; everything else becomes a custom field.
var coreKeys = map[string]bool{
	model.KeyName:    true,
	model.KeyAddress: true,
	model.KeyPhone:   true,
	model.KeyEmail:   true,
	model.KeyWebsite: true,
}

// StagingLister lists rows ready to migrate.
type StagingLister interface {
	ListMigratable(ctx context.Context, limit int) ([]model.StagingLead, error)
}

// RunStore resolves definitions and accepts run metric deltas.
type RunStore interface {
	GetDefinition(ctx context.Context, id string) (*model.Definition, error)
	IncrementRunMetrics(ctx context.Context, runID string, delta model.MetricsDelta) error
}

// FieldRegistry resolves custom field ids.
type FieldRegistry interface {
	EnsureFieldExists(ctx context.Context, workspaceID, key string) (string, error)
}

// Result summarizes one migration sweep.
type Result struct {
	Candidates int `json:"candidates"`
	Migrated   int `json:"migrated"`
	Skipped    int `json:"skipped"`
	Errors     int `json:"errors"`
}

// Committer migrates staging rows into leads, at most once per row.
type Committer struct {
	pool    db.Pool
	staging StagingLister
	runs    RunStore
	fields  FieldRegistry
	audit   *audit.Logger
}

// NewCommitter creates a Committer.
func NewCommitter(pool db.Pool, stg StagingLister, runs RunStore, fields FieldRegistry, al *audit.Logger) *Committer {
	return &Committer{pool: pool, staging: stg, runs: runs, fields: fields, audit: al}
}

// Sweep migrates up to limit rows. Per-row errors are logged and counted;
// only a failure to list candidates is returned.
func (c *Committer) Sweep(ctx context.Context, limit int) (*Result, error) {
	log := zap.L().With(zap.String("component", "promote"))
	if limit <= 0 {
		limit = DefaultBatchSize
	}

	rows, err := c.staging.ListMigratable(ctx, limit)
	if err != nil {
		return nil, eris.Wrap(err, "promote: list migratable")
	}
	res := &Result{Candidates: len(rows)}
	if len(rows) == 0 {
		return res, nil
	}

	defs := map[string]*model.Definition{}
	perRun := map[string]int{}
	var order []string

	for _, row := range rows {
		if ctx.Err() != nil {
			break
		}

		def, ok := defs[row.DefinitionID]
		if !ok {
			def, err = c.runs.GetDefinition(ctx, row.DefinitionID)
			if err != nil || def == nil {
				log.Warn("definition lookup failed", zap.String("staging_id", row.ID), zap.String("definition_id", row.DefinitionID), zap.Error(err))
				res.Errors++
				continue
			}
			defs[row.DefinitionID] = def
		}

		leadID, err := c.Migrate(ctx, row, def)
		switch {
		case err != nil:
			log.Warn("migrate row failed", zap.String("staging_id", row.ID), zap.Error(err))
			res.Errors++
		case leadID == "":
			res.Skipped++
		default:
			res.Migrated++
			if perRun[row.RunID] == 0 {
				order = append(order, row.RunID)
			}
			perRun[row.RunID]++
		}
	}

	for _, runID := range order {
		n := perRun[runID]
		if err := c.runs.IncrementRunMetrics(ctx, runID, model.MetricsDelta{Created: n}); err != nil {
			log.Warn("increment created failed", zap.String("run_id", runID), zap.Error(err))
		}
		c.audit.Success(ctx, runID, model.StepMigration, "leads migrated", map[string]int{"migrated": n})
	}

	log.Info("migration sweep done",
		zap.Int("candidates", res.Candidates),
		zap.Int("migrated", res.Migrated),
		zap.Int("skipped", res.Skipped),
		zap.Int("errors", res.Errors),
	)
	return res, nil
}

// Migrate commits one row as a lead and returns the new lead id. An empty id
// with a nil error means the row was already migrated.
func (c *Committer) Migrate(ctx context.Context, row model.StagingLead, def *model.Definition) (string, error) {
	fields := canonicalFields(row.Fields())

	// Field creation happens outside the lead transaction so a unique race
	// on custom_fields cannot abort the lead.
	keys := customKeys(fields)
	fieldIDs := make(map[string]string, len(keys))
	for _, k := range keys {
		id, err := c.fields.EnsureFieldExists(ctx, row.WorkspaceID, k)
		if err != nil {
			return "", eris.Wrapf(err, "promote: ensure field %s", k)
		}
		fieldIDs[k] = id
	}

	tx, err := c.pool.Begin(ctx)
	if err != nil {
		return "", eris.Wrap(err, "promote: begin transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var locked string
	err = tx.QueryRow(ctx,
		`SELECT id FROM `+staging.Table+` WHERE id = $1 AND migrated_at IS NULL FOR UPDATE`,
		row.ID,
	).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", eris.Wrapf(err, "promote: lock staging %s", row.ID)
	}

	lead := buildLead(row, def, fields)
	err = tx.QueryRow(ctx, `
		INSERT INTO leads (id, workspace_id, funnel_id, column_id, staging_id, run_id, name, phone, email, website, address, source)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`,
		lead.ID, lead.WorkspaceID, lead.FunnelID, lead.ColumnID, lead.StagingID, lead.RunID,
		lead.Name, lead.Phone, lead.Email, lead.Website, lead.Address, lead.Source,
	).Scan(&lead.ID)
	if err != nil {
		return "", eris.Wrapf(err, "promote: insert lead for %s", row.ID)
	}

	for _, k := range keys {
		_, err := tx.Exec(ctx, `
			INSERT INTO custom_field_values (id, field_id, lead_id, value)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (field_id, lead_id) DO NOTHING`,
			newID(), fieldIDs[k], lead.ID, fields[k],
		)
		if err != nil {
			return "", eris.Wrapf(err, "promote: insert value %s for %s", k, row.ID)
		}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE `+staging.Table+` SET migrated_at = now(), migrated_lead_id = $2, updated_at = now() WHERE id = $1`,
		row.ID, lead.ID,
	); err != nil {
		return "", eris.Wrapf(err, "promote: stamp staging %s", row.ID)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", eris.Wrapf(err, "promote: commit %s", row.ID)
	}
	return lead.ID, nil
}

func buildLead(row model.StagingLead, def *model.Definition, fields map[string]string) model.Lead {
	pick := func(key, fallback string) string {
		if v := fields[key]; v != "" {
			return v
		}
		return fallback
	}
	return model.Lead{
		ID:          newID(),
		WorkspaceID: row.WorkspaceID,
		FunnelID:    def.FunnelID,
		ColumnID:    def.ColumnID,
		StagingID:   row.ID,
		RunID:       row.RunID,
		Name:        pick(model.KeyName, row.Name),
		Phone:       pick(model.KeyPhone, row.Phone),
		Email:       fields[model.KeyEmail],
		Website:     pick(model.KeyWebsite, row.Website),
		Address:     pick(model.KeyAddress, row.Address),
		Source:      model.LeadSource,
	}
}

// canonicalFields re-keys fields by their normalized field key so lookups
// against coreKeys and the custom field registry agree. Empty values and keys
// with no word characters are dropped. On a collision the key already in
// normalized form wins, otherwise the first key in sorted order.
func canonicalFields(fields map[string]string) map[string]string {
	raw := make([]string, 0, len(fields))
	for k := range fields {
		raw = append(raw, k)
	}
	sort.Strings(raw)

	out := make(map[string]string, len(fields))
	for _, k := range raw {
		v := fields[k]
		nk := customfield.NormalizeKey(k)
		if v == "" || nk == "" {
			continue
		}
		if _, taken := out[nk]; taken && k != nk {
			continue
		}
		out[nk] = v
	}
	return out
}

// customKeys expects fields already passed through canonicalFields.
func customKeys(fields map[string]string) []string {
	var keys []string
	for k, v := range fields {
		if v == "" || coreKeys[k] {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
