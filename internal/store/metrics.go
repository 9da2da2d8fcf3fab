package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// emaAlpha is the smoothing factor for the response-time moving average.
const emaAlpha = 0.1

// MetricUpdate is one observed request outcome for a (model, provider) link.
type MetricUpdate struct {
	ModelID      uint
	ProviderID   uint
	ResponseTime float64 // seconds; ignored when <= 0
	Success      bool
	Tokens       int64
	Cost         float64
}

// UpdateLinkMetrics folds one observation into the link's counters and
// recomputes the derived scores.
func (s *Store) UpdateLinkMetrics(ctx context.Context, u MetricUpdate) error {
	return s.UpdateLinkMetricsBatch(ctx, []MetricUpdate{u})
}

// UpdateLinkMetricsBatch applies many observations in a single transaction.
// The strategy engine's flush loop is the main caller.
func (s *Store) UpdateLinkMetricsBatch(ctx context.Context, updates []MetricUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		for _, u := range updates {
			var link Link
			err := tx.Where("llm_id = ? AND provider_id = ?", u.ModelID, u.ProviderID).
				First(&link).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			applyUpdate(&link, u)
			recomputeScores(&link)
			if err := tx.Save(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// applyUpdate folds one observation into the link's counters.
func applyUpdate(l *Link, u MetricUpdate) {
	l.TotalRequests++
	if u.Success {
		l.SuccessfulRequests++
	} else {
		l.FailedRequests++
	}
	l.SuccessRate = float64(l.SuccessfulRequests) / float64(max(l.TotalRequests, 1))

	if u.ResponseTime > 0 {
		if l.ResponseTimeAvg == 0 {
			l.ResponseTimeAvg = u.ResponseTime
		} else {
			l.ResponseTimeAvg = emaAlpha*u.ResponseTime + (1-emaAlpha)*l.ResponseTimeAvg
		}
		if l.ResponseTimeMin == 0 || u.ResponseTime < l.ResponseTimeMin {
			l.ResponseTimeMin = u.ResponseTime
		}
		if u.ResponseTime > l.ResponseTimeMax {
			l.ResponseTimeMax = u.ResponseTime
		}
	}

	l.TotalTokensUsed += u.Tokens
	l.TotalCost += u.Cost
	if l.TotalTokensUsed > 0 {
		l.CostPer1kTokens = l.TotalCost / float64(l.TotalTokensUsed) * 1000
	}
}

// recomputeScores derives the four score columns from the current counters
// and health status. Scores are never written directly from outside.
func recomputeScores(l *Link) {
	switch l.HealthStatus {
	case HealthHealthy:
		l.HealthScore = 1.0
	case HealthDegraded:
		l.HealthScore = 0.5
	case HealthUnhealthy:
		l.HealthScore = 0.1
	default:
		l.HealthScore = 0.5
	}

	perf := 1 - l.ResponseTimeAvg/10
	if perf < 0 {
		perf = 0
	}
	l.PerformanceScore = 0.5*perf + 0.5*l.SuccessRate

	cost := 1 - l.CostPer1kTokens/0.1
	if cost < 0 {
		cost = 0
	}
	l.CostScore = cost

	l.OverallScore = 0.4*l.HealthScore + 0.4*l.PerformanceScore + 0.2*l.CostScore
}

// UpdateLinkHealth records a probe result and recomputes scores.
func (s *Store) UpdateLinkHealth(ctx context.Context, modelID, providerID uint, status HealthStatus) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		var link Link
		err := tx.Where("llm_id = ? AND provider_id = ?", modelID, providerID).
			First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		link.HealthStatus = status
		link.LastHealthCheck = &now
		recomputeScores(&link)
		return tx.Save(&link).Error
	})
}

// IncrementFailureCount bumps the link's consecutive-failure counter, stamps
// last_failure_time, and applies the auto-disable rule. It returns the link
// state after the update so callers can observe whether the link tripped.
func (s *Store) IncrementFailureCount(ctx context.Context, modelID, providerID uint) (*Link, error) {
	var out *Link
	err := s.withRetry(ctx, func(tx *gorm.DB) error {
		var link Link
		err := tx.Where("llm_id = ? AND provider_id = ?", modelID, providerID).
			First(&link).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		link.FailureCount++
		link.LastFailureTime = &now
		if link.AutoDisableOnFailure && link.FailureCount >= link.MaxFailures {
			link.IsEnabled = false
			link.HealthStatus = HealthUnhealthy
			recomputeScores(&link)
			// Disabling the link changes the model's usable provider set.
			if err := tx.Model(&Model{}).Where("id = ?", link.ModelID).
				Update("updated_at", now).Error; err != nil {
				return err
			}
		}
		if err := tx.Save(&link).Error; err != nil {
			return err
		}
		out = &link
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: increment failures (%d,%d): %w", modelID, providerID, err)
	}
	return out, nil
}

// ResetFailureCount clears the consecutive-failure counter after a success.
// Cumulative request counters are untouched.
func (s *Store) ResetFailureCount(ctx context.Context, modelID, providerID uint) error {
	return s.withRetry(ctx, func(tx *gorm.DB) error {
		return tx.Model(&Link{}).
			Where("llm_id = ? AND provider_id = ? AND failure_count > 0", modelID, providerID).
			Update("failure_count", 0).Error
	})
}

// LinkStats is one row of the stats surface.
type LinkStats struct {
	Model            string       `json:"model"`
	Provider         string       `json:"provider"`
	HealthStatus     HealthStatus `json:"health_status"`
	TotalRequests    int64        `json:"total_requests"`
	SuccessRate      float64      `json:"success_rate"`
	ResponseTimeAvg  float64      `json:"response_time_avg"`
	ResponseTimeMin  float64      `json:"response_time_min"`
	ResponseTimeMax  float64      `json:"response_time_max"`
	TotalCost        float64      `json:"total_cost"`
	TotalTokensUsed  int64        `json:"total_tokens_used"`
	CostPer1kTokens  float64      `gorm:"column:cost_per_1k_tokens" json:"cost_per_1k_tokens"`
	OverallScore     float64      `json:"overall_score"`
	FailureCount     int          `json:"failure_count"`
	LastHealthCheck  *time.Time   `json:"last_health_check"`
}

// GetLinkStats returns the per-link aggregate view for the stats endpoint.
func (s *Store) GetLinkStats(ctx context.Context) ([]LinkStats, error) {
	var rows []LinkStats
	err := s.db.WithContext(ctx).
		Table("llm_model_providers").
		Select(`llm_models.name AS model,
			llm_providers.name AS provider,
			llm_model_providers.health_status,
			llm_model_providers.total_requests,
			llm_model_providers.success_rate,
			llm_model_providers.response_time_avg,
			llm_model_providers.response_time_min,
			llm_model_providers.response_time_max,
			llm_model_providers.total_cost,
			llm_model_providers.total_tokens_used,
			llm_model_providers.cost_per_1k_tokens,
			llm_model_providers.overall_score,
			llm_model_providers.failure_count,
			llm_model_providers.last_health_check`).
		Joins("JOIN llm_models ON llm_models.id = llm_model_providers.llm_id").
		Joins("JOIN llm_providers ON llm_providers.id = llm_model_providers.provider_id").
		Order("llm_models.name asc, llm_providers.name asc").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("store: link stats: %w", err)
	}
	return rows, nil
}
