// Package store is the relational repository for models, providers, API keys,
// model↔provider links, per-model params, and capabilities.
//
// It is the single owner of persistent state: routing components read
// denormalized views through typed queries and write metrics back through
// batched updates. Postgres is the production backend; the embedded SQLite
// driver serves development and tests.
package store

import (
	"time"

	"gorm.io/gorm"
)

// LLMType classifies what a logical model does.
type LLMType string

const (
	LLMTypeChat       LLMType = "chat"
	LLMTypeCompletion LLMType = "completion"
	LLMTypeEmbedding  LLMType = "embedding"
	LLMTypeImage      LLMType = "image"
)

// ProviderType selects the adapter implementation for a provider.
type ProviderType string

const (
	ProviderOpenAI     ProviderType = "openai"
	ProviderAnthropic  ProviderType = "anthropic"
	ProviderGoogle     ProviderType = "google"
	ProviderVolcengine ProviderType = "volcengine"
	ProviderCustom     ProviderType = "custom"
	ProviderPrivate    ProviderType = "private"
)

// HealthStatus is the per-link health classification.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthUnknown   HealthStatus = "unknown"
)

// Model is a logical model name (e.g. "gpt-4o") that one or more providers back.
// UpdatedAt advances on every attribute or association change that affects
// routing; the registry uses it as a cache version.
type Model struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null;uniqueIndex" json:"name"`
	LLMType   LLMType   `gorm:"size:20;not null" json:"llm_type"`
	IsEnabled bool      `gorm:"not null" json:"is_enabled"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Capabilities []Capability `gorm:"many2many:llm_model_capabilities;joinForeignKey:ModelID;joinReferences:CapabilityID" json:"capabilities,omitempty"`
}

func (Model) TableName() string { return "llm_models" }

// BeforeCreate fills unset attributes. Defaults live here rather than in
// column tags: gorm omits zero-valued fields from the INSERT when a default
// tag is present, so is_enabled=false would silently persist as enabled.
func (m *Model) BeforeCreate(*gorm.DB) error {
	if m.LLMType == "" {
		m.LLMType = LLMTypeChat
	}
	return nil
}

// Provider is an upstream backend. The adapter base URL is
// OfficialEndpoint when set, otherwise ThirdPartyEndpoint.
type Provider struct {
	ID                 uint         `gorm:"primaryKey" json:"id"`
	Name               string       `gorm:"size:100;not null;uniqueIndex:idx_provider_name_type" json:"name"`
	ProviderType       ProviderType `gorm:"size:20;not null;uniqueIndex:idx_provider_name_type" json:"provider_type"`
	OfficialEndpoint   string       `gorm:"size:500" json:"official_endpoint"`
	ThirdPartyEndpoint string       `gorm:"size:500" json:"third_party_endpoint"`
	IsEnabled          bool         `gorm:"not null" json:"is_enabled"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`
}

func (Provider) TableName() string { return "llm_providers" }

// BaseURL returns the endpoint adapters should dial.
func (p *Provider) BaseURL() string {
	if p.OfficialEndpoint != "" {
		return p.OfficialEndpoint
	}
	return p.ThirdPartyEndpoint
}

// APIKey is one credential for a provider. UsageCount never exceeds
// DailyQuota when a quota is set; the daily reset sweep clears it.
type APIKey struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ProviderID  uint      `gorm:"not null;index" json:"provider_id"`
	Name        string    `gorm:"size:100" json:"name"`
	Secret      string    `gorm:"size:500;not null" json:"-"`
	Weight      int       `gorm:"not null;check:weight > 0" json:"weight"`
	IsPreferred bool      `gorm:"not null" json:"is_preferred"`
	IsEnabled   bool      `gorm:"not null" json:"is_enabled"`
	DailyQuota  *int64    `json:"daily_quota"`
	UsageCount  int64     `gorm:"not null" json:"usage_count"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (APIKey) TableName() string { return "llm_provider_apikeys" }

// BeforeCreate fills unset attributes; see Model.BeforeCreate for why column
// defaults are not used.
func (k *APIKey) BeforeCreate(*gorm.DB) error {
	if k.Weight == 0 {
		k.Weight = 1
	}
	return nil
}

// UnderQuota reports whether the key may still be selected today.
func (k *APIKey) UnderQuota() bool {
	return k.DailyQuota == nil || k.UsageCount < *k.DailyQuota
}

// Link associates a Model with a Provider and carries the per-pair routing
// weight, strategy, breaker configuration, and aggregated metrics.
type Link struct {
	ID         uint `gorm:"primaryKey" json:"id"`
	ModelID    uint `gorm:"column:llm_id;not null;uniqueIndex:idx_link_model_provider" json:"llm_id"`
	ProviderID uint `gorm:"not null;uniqueIndex:idx_link_model_provider" json:"provider_id"`

	Weight      int    `gorm:"not null;check:weight > 0" json:"weight"`
	Priority    int    `gorm:"not null" json:"priority"`
	IsPreferred bool   `gorm:"not null" json:"is_preferred"`
	IsEnabled   bool   `gorm:"not null" json:"is_enabled"`
	Strategy    string `gorm:"size:30" json:"strategy"`
	// StrategyConfig is a JSON document with strategy-specific settings
	// (specified_provider, preferred_provider, max_cost_threshold, …).
	StrategyConfig string `gorm:"type:text" json:"strategy_config"`

	// Circuit breaker configuration.
	BreakerEnabled   bool          `gorm:"not null" json:"breaker_enabled"`
	BreakerThreshold int           `gorm:"not null" json:"breaker_threshold"`
	BreakerTimeout   time.Duration `gorm:"not null" json:"breaker_timeout"`

	// Aggregated metrics.
	ResponseTimeAvg    float64 `gorm:"not null" json:"response_time_avg"`
	ResponseTimeMin    float64 `gorm:"not null" json:"response_time_min"`
	ResponseTimeMax    float64 `gorm:"not null" json:"response_time_max"`
	SuccessRate        float64 `gorm:"not null" json:"success_rate"`
	TotalRequests      int64   `gorm:"not null" json:"total_requests"`
	SuccessfulRequests int64   `gorm:"not null" json:"successful_requests"`
	FailedRequests     int64   `gorm:"not null" json:"failed_requests"`
	TotalCost          float64 `gorm:"not null" json:"total_cost"`
	TotalTokensUsed    int64   `gorm:"not null" json:"total_tokens_used"`
	CostPer1kTokens    float64 `gorm:"column:cost_per_1k_tokens;not null" json:"cost_per_1k_tokens"`

	// Health and derived scores. Scores are read-only derivations recomputed
	// on every metric update.
	HealthStatus     HealthStatus `gorm:"size:20;not null" json:"health_status"`
	HealthScore      float64      `gorm:"not null" json:"health_score"`
	PerformanceScore float64      `gorm:"not null" json:"performance_score"`
	CostScore        float64      `gorm:"not null" json:"cost_score"`
	OverallScore     float64      `gorm:"not null" json:"overall_score"`

	// Failure tracking and auto-disable.
	FailureCount         int        `gorm:"not null" json:"failure_count"`
	MaxFailures          int        `gorm:"not null" json:"max_failures"`
	AutoDisableOnFailure bool       `gorm:"not null" json:"auto_disable_on_failure"`
	LastFailureTime      *time.Time `json:"last_failure_time"`
	LastHealthCheck      *time.Time `json:"last_health_check"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Model    *Model    `gorm:"foreignKey:ModelID" json:"model,omitempty"`
	Provider *Provider `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
}

func (Link) TableName() string { return "llm_model_providers" }

// BeforeCreate fills unset attributes: routing weight, breaker settings, the
// auto-disable threshold, and the optimistic initial health and scores. See
// Model.BeforeCreate for why column defaults are not used.
func (l *Link) BeforeCreate(*gorm.DB) error {
	if l.Weight == 0 {
		l.Weight = 1
	}
	if l.BreakerThreshold == 0 {
		l.BreakerThreshold = 5
	}
	if l.BreakerTimeout == 0 {
		l.BreakerTimeout = time.Minute
	}
	if l.MaxFailures == 0 {
		l.MaxFailures = 3
	}
	if l.HealthStatus == "" {
		l.HealthStatus = HealthHealthy
	}
	if l.TotalRequests == 0 && l.SuccessRate == 0 {
		l.SuccessRate = 1
	}
	if l.HealthScore == 0 {
		l.HealthScore = 1
	}
	if l.PerformanceScore == 0 {
		l.PerformanceScore = 1
	}
	if l.CostScore == 0 {
		l.CostScore = 1
	}
	if l.OverallScore == 0 {
		l.OverallScore = 1
	}
	return nil
}

// ModelParam is one generation parameter for a model. ProviderID is nil for
// generic params; a per-link row (provider set) overrides the generic one.
type ModelParam struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	ModelID    uint      `gorm:"not null;index" json:"model_id"`
	ProviderID *uint     `gorm:"index" json:"provider_id"`
	ParamKey   string    `gorm:"size:50;not null" json:"param_key"`
	ParamValue string    `gorm:"size:200;not null" json:"param_value"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (ModelParam) TableName() string { return "llm_model_params" }

// Capability is a tag attached to models (TEXT, TEXT_TO_IMAGE, …).
// Names are unique and uppercase by convention.
type Capability struct {
	CapabilityID uint      `gorm:"primaryKey" json:"capability_id"`
	Name         string    `gorm:"column:capability_name;size:100;not null;uniqueIndex" json:"capability_name"`
	Description  string    `gorm:"size:500" json:"description"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (Capability) TableName() string { return "capabilities" }
