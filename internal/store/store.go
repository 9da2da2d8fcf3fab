package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ErrConflict is returned when a write violates a uniqueness or check constraint.
var ErrConflict = errors.New("store: constraint violation")

// retryBackoff is the schedule for transient-error retries on writes.
var retryBackoff = []time.Duration{50 * time.Millisecond, 100 * time.Millisecond}

// Store wraps the gorm handle with typed queries for the routing tables.
type Store struct {
	db  *gorm.DB
	log *slog.Logger
}

// PoolSettings mirrors the relational pool tunables from config.
type PoolSettings struct {
	PoolSize    int
	MaxOverflow int
	PoolRecycle time.Duration
}

// Open connects to the database named by url. postgres:// and postgresql://
// URLs use the Postgres driver; anything else is treated as a SQLite path
// (":memory:" works for tests). Migrations run on every open.
func Open(url string, ps PoolSettings, log *slog.Logger) (*Store, error) {
	var dial gorm.Dialector
	if strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://") {
		dial = postgres.Open(url)
	} else {
		dial = sqlite.Open(url)
	}

	db, err := gorm.Open(dial, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("store: failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("store: failed to access sql.DB: %w", err)
	}
	sqlDB.SetMaxIdleConns(ps.PoolSize)
	sqlDB.SetMaxOpenConns(ps.PoolSize + ps.MaxOverflow)
	sqlDB.SetConnMaxLifetime(ps.PoolRecycle)

	if err := db.AutoMigrate(
		&Model{}, &Provider{}, &APIKey{}, &Link{}, &ModelParam{}, &Capability{},
	); err != nil {
		return nil, fmt.Errorf("store: migration failed: %w", err)
	}

	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// withRetry runs fn, retrying transient errors per retryBackoff. Constraint
// violations and not-found are terminal and never retried.
func (s *Store) withRetry(ctx context.Context, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if isConstraintViolation(err) {
			return fmt.Errorf("%w: %s", ErrConflict, err.Error())
		}
		if errors.Is(err, gorm.ErrRecordNotFound) || attempt >= len(retryBackoff) {
			return err
		}
		s.log.Warn("store: transient error, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
		select {
		case <-time.After(retryBackoff[attempt]):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isConstraintViolation detects duplicate-key and check-constraint failures
// across the Postgres and SQLite drivers.
func isConstraintViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "check constraint") ||
		strings.Contains(msg, "constraint failed")
}

// ── Models ───────────────────────────────────────────────────────────────────

// GetAllModels returns models, optionally filtered by enablement.
func (s *Store) GetAllModels(ctx context.Context, enabled *bool) ([]Model, error) {
	q := s.db.WithContext(ctx).Order("id asc")
	if enabled != nil {
		q = q.Where("is_enabled = ?", *enabled)
	}
	var models []Model
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("store: list models: %w", err)
	}
	return models, nil
}

// GetModelByName returns the model or (nil, nil) when absent.
func (s *Store) GetModelByName(ctx context.Context, name string) (*Model, error) {
	var m Model
	err := s.db.WithContext(ctx).Where("name = ?", name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get model %q: %w", name, err)
	}
	return &m, nil
}

// GetModelUpdatedAt reads only the version column for the named model.
// The bool result is false when the model does not exist.
func (s *Store) GetModelUpdatedAt(ctx context.Context, name string) (time.Time, bool, error) {
	var row struct{ UpdatedAt time.Time }
	err := s.db.WithContext(ctx).Model(&Model{}).
		Select("updated_at").Where("name = ?", name).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("store: get model version %q: %w", name, err)
	}
	return row.UpdatedAt, true, nil
}

// CreateModel inserts a model. Duplicate names map to ErrConflict.
func (s *Store) CreateModel(ctx context.Context, m *Model) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Create(m).Error
	})
}

// UpdateModel saves attribute changes; UpdatedAt advances, invalidating any
// cached resolution of this model.
func (s *Store) UpdateModel(ctx context.Context, m *Model) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		m.UpdatedAt = time.Now().UTC()
		return tx.Save(m).Error
	})
}

// DeleteModel removes the model and its links, params, and capability rows.
func (s *Store) DeleteModel(ctx context.Context, id uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("llm_id = ?", id).Delete(&Link{}).Error; err != nil {
			return err
		}
		if err := tx.Where("model_id = ?", id).Delete(&ModelParam{}).Error; err != nil {
			return err
		}
		if err := tx.Exec("DELETE FROM llm_model_capabilities WHERE model_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&Model{}, id).Error
	})
}

// ── Providers ────────────────────────────────────────────────────────────────

// GetAllProviders returns every provider ordered by id.
func (s *Store) GetAllProviders(ctx context.Context) ([]Provider, error) {
	var providers []Provider
	if err := s.db.WithContext(ctx).Order("id asc").Find(&providers).Error; err != nil {
		return nil, fmt.Errorf("store: list providers: %w", err)
	}
	return providers, nil
}

// GetProviderByID returns the provider or (nil, nil) when absent.
func (s *Store) GetProviderByID(ctx context.Context, id uint) (*Provider, error) {
	var p Provider
	err := s.db.WithContext(ctx).First(&p, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get provider %d: %w", id, err)
	}
	return &p, nil
}

// CreateProvider inserts a provider. Duplicate (name, provider_type) maps to
// ErrConflict.
func (s *Store) CreateProvider(ctx context.Context, p *Provider) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Create(p).Error
	})
}

// UpdateProvider saves attribute changes and bumps every linked model's
// version so stale resolutions drop out of the registry cache.
func (s *Store) UpdateProvider(ctx context.Context, p *Provider) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		p.UpdatedAt = time.Now().UTC()
		if err := tx.Save(p).Error; err != nil {
			return err
		}
		return touchLinkedModels(tx, "provider_id = ?", p.ID)
	})
}

// DeleteProvider removes the provider, its keys, and its links.
func (s *Store) DeleteProvider(ctx context.Context, id uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		if err := touchLinkedModels(tx, "provider_id = ?", id); err != nil {
			return err
		}
		if err := tx.Where("provider_id = ?", id).Delete(&APIKey{}).Error; err != nil {
			return err
		}
		if err := tx.Where("provider_id = ?", id).Delete(&Link{}).Error; err != nil {
			return err
		}
		return tx.Delete(&Provider{}, id).Error
	})
}

// touchLinkedModels advances updated_at on every model linked through rows
// matching the condition, so the registry's version check misses.
func touchLinkedModels(tx *gorm.DB, cond string, arg any) error {
	return tx.Model(&Model{}).
		Where("id IN (?)", tx.Session(&gorm.Session{NewDB: true}).
			Model(&Link{}).Select("llm_id").Where(cond, arg)).
		Update("updated_at", time.Now().UTC()).Error
}

// ── Links ────────────────────────────────────────────────────────────────────

// GetEnabledLinksForModel returns enabled links for the model whose provider
// is also enabled, provider preloaded, ordered by priority then id.
func (s *Store) GetEnabledLinksForModel(ctx context.Context, modelID uint) ([]Link, error) {
	var links []Link
	err := s.db.WithContext(ctx).
		Joins("JOIN llm_providers ON llm_providers.id = llm_model_providers.provider_id AND llm_providers.is_enabled = ?", true).
		Where("llm_model_providers.llm_id = ? AND llm_model_providers.is_enabled = ?", modelID, true).
		Preload("Provider").
		Order("llm_model_providers.priority desc, llm_model_providers.id asc").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("store: links for model %d: %w", modelID, err)
	}
	return links, nil
}

// GetLink returns the link for (modelID, providerID) or (nil, nil).
func (s *Store) GetLink(ctx context.Context, modelID, providerID uint) (*Link, error) {
	var l Link
	err := s.db.WithContext(ctx).
		Where("llm_id = ? AND provider_id = ?", modelID, providerID).First(&l).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get link (%d,%d): %w", modelID, providerID, err)
	}
	return &l, nil
}

// CreateLink inserts a model↔provider link. Duplicate pairs map to ErrConflict.
func (s *Store) CreateLink(ctx context.Context, l *Link) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(l).Error; err != nil {
			return err
		}
		return tx.Model(&Model{}).Where("id = ?", l.ModelID).
			Update("updated_at", time.Now().UTC()).Error
	})
}

// UpdateLink saves link changes and bumps the model version.
func (s *Store) UpdateLink(ctx context.Context, l *Link) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		l.UpdatedAt = time.Now().UTC()
		if err := tx.Save(l).Error; err != nil {
			return err
		}
		return tx.Model(&Model{}).Where("id = ?", l.ModelID).
			Update("updated_at", time.Now().UTC()).Error
	})
}

// DeleteLink removes a link and bumps the model version.
func (s *Store) DeleteLink(ctx context.Context, modelID, providerID uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Where("llm_id = ? AND provider_id = ?", modelID, providerID).
			Delete(&Link{}).Error; err != nil {
			return err
		}
		return tx.Model(&Model{}).Where("id = ?", modelID).
			Update("updated_at", time.Now().UTC()).Error
	})
}

// ── Params ───────────────────────────────────────────────────────────────────

// GetModelParams returns all param rows for the model, generic and per-link.
func (s *Store) GetModelParams(ctx context.Context, modelID uint) ([]ModelParam, error) {
	var params []ModelParam
	err := s.db.WithContext(ctx).
		Where("model_id = ?", modelID).Order("id asc").Find(&params).Error
	if err != nil {
		return nil, fmt.Errorf("store: params for model %d: %w", modelID, err)
	}
	return params, nil
}

// SetModelParam upserts one param row keyed by (model, provider, key).
func (s *Store) SetModelParam(ctx context.Context, p *ModelParam) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		q := tx.Where("model_id = ? AND param_key = ?", p.ModelID, p.ParamKey)
		if p.ProviderID == nil {
			q = q.Where("provider_id IS NULL")
		} else {
			q = q.Where("provider_id = ?", *p.ProviderID)
		}
		var existing ModelParam
		err := q.First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(p).Error; err != nil {
				return err
			}
		case err != nil:
			return err
		default:
			existing.ParamValue = p.ParamValue
			if err := tx.Save(&existing).Error; err != nil {
				return err
			}
			*p = existing
		}
		return tx.Model(&Model{}).Where("id = ?", p.ModelID).
			Update("updated_at", time.Now().UTC()).Error
	})
}

// ── Capabilities ─────────────────────────────────────────────────────────────

// GetAllCapabilities returns every capability ordered by id.
func (s *Store) GetAllCapabilities(ctx context.Context) ([]Capability, error) {
	var caps []Capability
	if err := s.db.WithContext(ctx).Order("capability_id asc").Find(&caps).Error; err != nil {
		return nil, fmt.Errorf("store: list capabilities: %w", err)
	}
	return caps, nil
}

// CreateCapability inserts a capability. Duplicate names map to ErrConflict.
func (s *Store) CreateCapability(ctx context.Context, c *Capability) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Create(c).Error
	})
}

// AttachCapability associates a capability with a model.
func (s *Store) AttachCapability(ctx context.Context, modelID, capabilityID uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		if err := tx.Exec(
			"INSERT INTO llm_model_capabilities (model_id, capability_id) VALUES (?, ?)",
			modelID, capabilityID,
		).Error; err != nil {
			return err
		}
		return tx.Model(&Model{}).Where("id = ?", modelID).
			Update("updated_at", time.Now().UTC()).Error
	})
}

// DetachCapability removes a capability association.
func (s *Store) DetachCapability(ctx context.Context, modelID, capabilityID uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Exec(
			"DELETE FROM llm_model_capabilities WHERE model_id = ? AND capability_id = ?",
			modelID, capabilityID,
		).Error
	})
}

// GetAllModelsCapabilitiesBatch loads capabilities for many models in one
// JOIN. Models without capabilities are absent from the result map.
func (s *Store) GetAllModelsCapabilitiesBatch(ctx context.Context, modelIDs []uint) (map[uint][]Capability, error) {
	if len(modelIDs) == 0 {
		return map[uint][]Capability{}, nil
	}
	var rows []struct {
		ModelID uint
		Capability
	}
	err := s.db.WithContext(ctx).
		Table("capabilities").
		Select("llm_model_capabilities.model_id, capabilities.*").
		Joins("JOIN llm_model_capabilities ON llm_model_capabilities.capability_id = capabilities.capability_id").
		Where("llm_model_capabilities.model_id IN ?", modelIDs).
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: batch capabilities: %w", err)
	}
	out := make(map[uint][]Capability, len(modelIDs))
	for _, r := range rows {
		out[r.ModelID] = append(out[r.ModelID], r.Capability)
	}
	return out, nil
}

// ProviderDetail is the flattened per-link provider view used by listings.
type ProviderDetail struct {
	ModelID      uint         `json:"-"`
	ProviderID   uint         `json:"provider_id"`
	Name         string       `json:"name"`
	ProviderType ProviderType `json:"provider_type"`
	Weight       int          `json:"weight"`
	Priority     int          `json:"priority"`
	IsPreferred  bool         `json:"is_preferred"`
	HealthStatus HealthStatus `json:"health_status"`
	OverallScore float64      `json:"overall_score"`
}

// GetAllModelsProvidersBatch loads linked provider details for many models in
// one JOIN. Only enabled links with enabled providers are included.
func (s *Store) GetAllModelsProvidersBatch(ctx context.Context, modelIDs []uint) (map[uint][]ProviderDetail, error) {
	if len(modelIDs) == 0 {
		return map[uint][]ProviderDetail{}, nil
	}
	var rows []ProviderDetail
	err := s.db.WithContext(ctx).
		Table("llm_model_providers").
		Select(`llm_model_providers.llm_id AS model_id,
			llm_providers.id AS provider_id,
			llm_providers.name,
			llm_providers.provider_type,
			llm_model_providers.weight,
			llm_model_providers.priority,
			llm_model_providers.is_preferred,
			llm_model_providers.health_status,
			llm_model_providers.overall_score`).
		Joins("JOIN llm_providers ON llm_providers.id = llm_model_providers.provider_id").
		Where("llm_model_providers.llm_id IN ? AND llm_model_providers.is_enabled = ? AND llm_providers.is_enabled = ?",
			modelIDs, true, true).
		Order("llm_model_providers.priority desc, llm_providers.id asc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: batch providers: %w", err)
	}
	out := make(map[uint][]ProviderDetail, len(modelIDs))
	for _, r := range rows {
		out[r.ModelID] = append(out[r.ModelID], r)
	}
	return out, nil
}
