package store

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(":memory:", PoolSettings{PoolSize: 1, MaxOverflow: 0, PoolRecycle: time.Hour}, log)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func seedModelProvider(t *testing.T, s *Store) (*Model, *Provider) {
	t.Helper()
	ctx := context.Background()
	m := &Model{Name: "gpt-4o", LLMType: LLMTypeChat, IsEnabled: true}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	p := &Provider{Name: "openai-main", ProviderType: ProviderOpenAI,
		OfficialEndpoint: "https://api.openai.com/v1", IsEnabled: true}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	return m, p
}

func TestCreateModelDuplicateName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateModel(ctx, &Model{Name: "claude-sonnet", IsEnabled: true}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateModel(ctx, &Model{Name: "claude-sonnet", IsEnabled: true})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate create: got %v, want ErrConflict", err)
	}
}

func TestGetModelByNameMissing(t *testing.T) {
	s := newTestStore(t)

	m, err := s.GetModelByName(context.Background(), "no-such-model")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m != nil {
		t.Fatalf("got %+v, want nil for missing model", m)
	}
}

func TestGetModelUpdatedAtAdvancesOnUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, _ := seedModelProvider(t, s)

	v1, ok, err := s.GetModelUpdatedAt(ctx, m.Name)
	if err != nil || !ok {
		t.Fatalf("version read: ok=%v err=%v", ok, err)
	}

	time.Sleep(5 * time.Millisecond)
	m.LLMType = LLMTypeCompletion
	if err := s.UpdateModel(ctx, m); err != nil {
		t.Fatalf("update: %v", err)
	}

	v2, ok, err := s.GetModelUpdatedAt(ctx, m.Name)
	if err != nil || !ok {
		t.Fatalf("version re-read: ok=%v err=%v", ok, err)
	}
	if !v2.After(v1) {
		t.Fatalf("updated_at did not advance: v1=%v v2=%v", v1, v2)
	}

	_, ok, err = s.GetModelUpdatedAt(ctx, "missing")
	if err != nil {
		t.Fatalf("missing version read: %v", err)
	}
	if ok {
		t.Fatal("got ok=true for missing model")
	}
}

func TestGetEnabledLinksForModelFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p1 := seedModelProvider(t, s)

	p2 := &Provider{Name: "anthropic-main", ProviderType: ProviderAnthropic, IsEnabled: true}
	p3 := &Provider{Name: "disabled-prov", ProviderType: ProviderCustom, IsEnabled: false}
	for _, p := range []*Provider{p2, p3} {
		if err := s.CreateProvider(ctx, p); err != nil {
			t.Fatalf("create provider: %v", err)
		}
	}

	links := []*Link{
		{ModelID: m.ID, ProviderID: p1.ID, Weight: 1, Priority: 1, IsEnabled: true},
		{ModelID: m.ID, ProviderID: p2.ID, Weight: 1, Priority: 5, IsEnabled: false}, // link disabled
		{ModelID: m.ID, ProviderID: p3.ID, Weight: 1, Priority: 9, IsEnabled: true},  // provider disabled
	}
	for i, l := range links {
		if err := s.CreateLink(ctx, l); err != nil {
			t.Fatalf("create link %d: %v", i, err)
		}
	}

	got, err := s.GetEnabledLinksForModel(ctx, m.ID)
	if err != nil {
		t.Fatalf("links: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d links, want 1 (enabled link with enabled provider)", len(got))
	}
	if got[0].ProviderID != p1.ID {
		t.Fatalf("got provider %d, want %d", got[0].ProviderID, p1.ID)
	}
	if got[0].Provider == nil || got[0].Provider.Name != "openai-main" {
		t.Fatalf("provider not preloaded: %+v", got[0].Provider)
	}
}

func TestCreateLinkDuplicatePair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p := seedModelProvider(t, s)

	if err := s.CreateLink(ctx, &Link{ModelID: m.ID, ProviderID: p.ID, Weight: 1, IsEnabled: true}); err != nil {
		t.Fatalf("first link: %v", err)
	}
	err := s.CreateLink(ctx, &Link{ModelID: m.ID, ProviderID: p.ID, Weight: 2, IsEnabled: true})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate link: got %v, want ErrConflict", err)
	}
}

func TestGetBestAPIKeySelection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, p := seedModelProvider(t, s)

	quota := int64(100)
	keys := []*APIKey{
		{ProviderID: p.ID, Name: "heavy", Secret: "sk-a", Weight: 10, IsEnabled: true},
		{ProviderID: p.ID, Name: "light", Secret: "sk-b", Weight: 1, IsEnabled: true},
		{ProviderID: p.ID, Name: "off", Secret: "sk-c", Weight: 99, IsEnabled: false},
		{ProviderID: p.ID, Name: "spent", Secret: "sk-d", Weight: 99, IsEnabled: true,
			DailyQuota: &quota, UsageCount: 100},
	}
	for _, k := range keys {
		if err := s.CreateAPIKey(ctx, k); err != nil {
			t.Fatalf("create key %s: %v", k.Name, err)
		}
	}

	// Highest enabled, under-quota weight wins.
	best, err := s.GetBestAPIKey(ctx, p.ID)
	if err != nil {
		t.Fatalf("best key: %v", err)
	}
	if best == nil || best.Name != "heavy" {
		t.Fatalf("got %+v, want key 'heavy'", best)
	}

	// A preferred key shadows higher weights.
	pref := &APIKey{ProviderID: p.ID, Name: "pref", Secret: "sk-e", Weight: 2,
		IsPreferred: true, IsEnabled: true}
	if err := s.CreateAPIKey(ctx, pref); err != nil {
		t.Fatalf("create preferred: %v", err)
	}
	best, err = s.GetBestAPIKey(ctx, p.ID)
	if err != nil {
		t.Fatalf("best key: %v", err)
	}
	if best == nil || best.Name != "pref" {
		t.Fatalf("got %+v, want preferred key", best)
	}
}

func TestGetBestAPIKeyNoneQualify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, p := seedModelProvider(t, s)

	quota := int64(10)
	k := &APIKey{ProviderID: p.ID, Secret: "sk", Weight: 1, IsEnabled: true,
		DailyQuota: &quota, UsageCount: 10}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("create key: %v", err)
	}

	best, err := s.GetBestAPIKey(ctx, p.ID)
	if err != nil {
		t.Fatalf("best key: %v", err)
	}
	if best != nil {
		t.Fatalf("got %+v, want nil when all keys exhausted", best)
	}
}

func TestResetDailyUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	_, p := seedModelProvider(t, s)

	k := &APIKey{ProviderID: p.ID, Secret: "sk", Weight: 1, IsEnabled: true}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("create key: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.IncrementKeyUsage(ctx, k.ID); err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	n, err := s.ResetDailyUsage(ctx)
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if n != 1 {
		t.Fatalf("reset affected %d rows, want 1", n)
	}

	fresh, err := s.GetKeysForProvider(ctx, p.ID)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if fresh[0].UsageCount != 0 {
		t.Fatalf("usage_count = %d after reset, want 0", fresh[0].UsageCount)
	}
}

func TestUpdateLinkMetricsEMAAndScores(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p := seedModelProvider(t, s)

	l := &Link{ModelID: m.ID, ProviderID: p.ID, Weight: 1, IsEnabled: true,
		HealthStatus: HealthHealthy}
	if err := s.CreateLink(ctx, l); err != nil {
		t.Fatalf("create link: %v", err)
	}

	// First observation seeds the average.
	err := s.UpdateLinkMetrics(ctx, MetricUpdate{
		ModelID: m.ID, ProviderID: p.ID,
		ResponseTime: 2.0, Success: true, Tokens: 1000, Cost: 0.03,
	})
	if err != nil {
		t.Fatalf("first update: %v", err)
	}

	got, err := s.GetLink(ctx, m.ID, p.ID)
	if err != nil {
		t.Fatalf("get link: %v", err)
	}
	if got.ResponseTimeAvg != 2.0 {
		t.Fatalf("seed avg = %v, want 2.0", got.ResponseTimeAvg)
	}
	if got.CostPer1kTokens != 0.03 {
		t.Fatalf("cost/1k = %v, want 0.03", got.CostPer1kTokens)
	}

	// Second observation blends with alpha 0.1.
	err = s.UpdateLinkMetrics(ctx, MetricUpdate{
		ModelID: m.ID, ProviderID: p.ID,
		ResponseTime: 4.0, Success: false,
	})
	if err != nil {
		t.Fatalf("second update: %v", err)
	}
	got, _ = s.GetLink(ctx, m.ID, p.ID)

	wantAvg := 0.1*4.0 + 0.9*2.0
	if math.Abs(got.ResponseTimeAvg-wantAvg) > 1e-9 {
		t.Fatalf("EMA avg = %v, want %v", got.ResponseTimeAvg, wantAvg)
	}
	if got.ResponseTimeMin != 2.0 || got.ResponseTimeMax != 4.0 {
		t.Fatalf("min/max = %v/%v, want 2/4", got.ResponseTimeMin, got.ResponseTimeMax)
	}
	if got.SuccessRate != 0.5 {
		t.Fatalf("success rate = %v, want 0.5", got.SuccessRate)
	}

	// Scores follow the formulas.
	wantPerf := 0.5*(1-wantAvg/10) + 0.5*0.5
	if math.Abs(got.PerformanceScore-wantPerf) > 1e-9 {
		t.Fatalf("performance score = %v, want %v", got.PerformanceScore, wantPerf)
	}
	wantCost := 1 - got.CostPer1kTokens/0.1
	if wantCost < 0 {
		wantCost = 0
	}
	if math.Abs(got.CostScore-wantCost) > 1e-9 {
		t.Fatalf("cost score = %v, want %v", got.CostScore, wantCost)
	}
	wantOverall := 0.4*1.0 + 0.4*wantPerf + 0.2*wantCost
	if math.Abs(got.OverallScore-wantOverall) > 1e-9 {
		t.Fatalf("overall score = %v, want %v", got.OverallScore, wantOverall)
	}
}

func TestHealthScoreMapping(t *testing.T) {
	cases := []struct {
		status HealthStatus
		want   float64
	}{
		{HealthHealthy, 1.0},
		{HealthDegraded, 0.5},
		{HealthUnhealthy, 0.1},
		{HealthUnknown, 0.5},
	}
	for _, tc := range cases {
		l := &Link{HealthStatus: tc.status, SuccessRate: 1}
		recomputeScores(l)
		if l.HealthScore != tc.want {
			t.Errorf("health score for %s = %v, want %v", tc.status, l.HealthScore, tc.want)
		}
	}
}

func TestIncrementFailureCountAutoDisable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p := seedModelProvider(t, s)

	l := &Link{ModelID: m.ID, ProviderID: p.ID, Weight: 1, IsEnabled: true,
		HealthStatus: HealthHealthy, MaxFailures: 3, AutoDisableOnFailure: true}
	if err := s.CreateLink(ctx, l); err != nil {
		t.Fatalf("create link: %v", err)
	}

	for i := 1; i <= 2; i++ {
		got, err := s.IncrementFailureCount(ctx, m.ID, p.ID)
		if err != nil {
			t.Fatalf("increment %d: %v", i, err)
		}
		if !got.IsEnabled {
			t.Fatalf("link disabled after %d failures, threshold is 3", i)
		}
		if got.LastFailureTime == nil {
			t.Fatal("last_failure_time not stamped")
		}
	}

	got, err := s.IncrementFailureCount(ctx, m.ID, p.ID)
	if err != nil {
		t.Fatalf("third increment: %v", err)
	}
	if got.IsEnabled {
		t.Fatal("link still enabled after reaching max_failures")
	}
	if got.HealthStatus != HealthUnhealthy {
		t.Fatalf("health = %s, want unhealthy", got.HealthStatus)
	}

	// Tripping must bump the model version so the registry re-resolves.
	fresh, _ := s.GetModelByName(ctx, m.Name)
	if !fresh.UpdatedAt.After(m.UpdatedAt) {
		t.Fatal("model version did not advance on auto-disable")
	}

	if err := s.ResetFailureCount(ctx, m.ID, p.ID); err != nil {
		t.Fatalf("reset: %v", err)
	}
	after, _ := s.GetLink(ctx, m.ID, p.ID)
	if after.FailureCount != 0 {
		t.Fatalf("failure_count = %d after reset, want 0", after.FailureCount)
	}
	if after.TotalRequests != 0 && after.FailedRequests == 0 {
		t.Fatal("cumulative counters must survive a failure-count reset")
	}
}

func TestBatchLoaders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p := seedModelProvider(t, s)

	m2 := &Model{Name: "bare-model", IsEnabled: true}
	if err := s.CreateModel(ctx, m2); err != nil {
		t.Fatalf("create model: %v", err)
	}

	cap1 := &Capability{Name: "TEXT"}
	cap2 := &Capability{Name: "TEXT_TO_IMAGE"}
	for _, c := range []*Capability{cap1, cap2} {
		if err := s.CreateCapability(ctx, c); err != nil {
			t.Fatalf("create capability: %v", err)
		}
	}
	for _, cid := range []uint{cap1.CapabilityID, cap2.CapabilityID} {
		if err := s.AttachCapability(ctx, m.ID, cid); err != nil {
			t.Fatalf("attach: %v", err)
		}
	}
	if err := s.CreateLink(ctx, &Link{ModelID: m.ID, ProviderID: p.ID, Weight: 3,
		Priority: 1, IsEnabled: true, HealthStatus: HealthHealthy}); err != nil {
		t.Fatalf("create link: %v", err)
	}

	ids := []uint{m.ID, m2.ID}

	caps, err := s.GetAllModelsCapabilitiesBatch(ctx, ids)
	if err != nil {
		t.Fatalf("batch capabilities: %v", err)
	}
	if len(caps[m.ID]) != 2 {
		t.Fatalf("model has %d capabilities, want 2", len(caps[m.ID]))
	}
	if _, present := caps[m2.ID]; present {
		t.Fatal("bare model should be absent from capability map")
	}

	provs, err := s.GetAllModelsProvidersBatch(ctx, ids)
	if err != nil {
		t.Fatalf("batch providers: %v", err)
	}
	if len(provs[m.ID]) != 1 {
		t.Fatalf("model has %d provider rows, want 1", len(provs[m.ID]))
	}
	pd := provs[m.ID][0]
	if pd.Name != "openai-main" || pd.Weight != 3 {
		t.Fatalf("provider detail mismatch: %+v", pd)
	}
}

func TestCreateDisabledEntitiesStayDisabled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m := &Model{Name: "dark-model", IsEnabled: false}
	if err := s.CreateModel(ctx, m); err != nil {
		t.Fatalf("create model: %v", err)
	}
	p := &Provider{Name: "dark-prov", ProviderType: ProviderCustom, IsEnabled: false}
	if err := s.CreateProvider(ctx, p); err != nil {
		t.Fatalf("create provider: %v", err)
	}
	k := &APIKey{ProviderID: p.ID, Secret: "sk", IsEnabled: false}
	if err := s.CreateAPIKey(ctx, k); err != nil {
		t.Fatalf("create key: %v", err)
	}
	l := &Link{ModelID: m.ID, ProviderID: p.ID, IsEnabled: false}
	if err := s.CreateLink(ctx, l); err != nil {
		t.Fatalf("create link: %v", err)
	}

	fresh, err := s.GetModelByName(ctx, "dark-model")
	if err != nil || fresh == nil {
		t.Fatalf("reload model: %v", err)
	}
	if fresh.IsEnabled {
		t.Fatal("model created disabled persisted as enabled")
	}
	prov, _ := s.GetProviderByID(ctx, p.ID)
	if prov == nil || prov.IsEnabled {
		t.Fatalf("provider created disabled persisted as enabled: %+v", prov)
	}
	keys, _ := s.GetKeysForProvider(ctx, p.ID)
	if len(keys) != 1 || keys[0].IsEnabled {
		t.Fatalf("key created disabled persisted as enabled: %+v", keys)
	}
	link, _ := s.GetLink(ctx, m.ID, p.ID)
	if link == nil || link.IsEnabled {
		t.Fatalf("link created disabled persisted as enabled: %+v", link)
	}
}

func TestCreateLinkFillsDefaults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p := seedModelProvider(t, s)

	l := &Link{ModelID: m.ID, ProviderID: p.ID, IsEnabled: true}
	if err := s.CreateLink(ctx, l); err != nil {
		t.Fatalf("create link: %v", err)
	}

	got, err := s.GetLink(ctx, m.ID, p.ID)
	if err != nil || got == nil {
		t.Fatalf("reload link: %v", err)
	}
	if got.Weight != 1 {
		t.Fatalf("weight = %d, want 1", got.Weight)
	}
	if got.BreakerThreshold != 5 || got.BreakerTimeout != time.Minute {
		t.Fatalf("breaker defaults = %d/%v, want 5/1m", got.BreakerThreshold, got.BreakerTimeout)
	}
	if got.MaxFailures != 3 {
		t.Fatalf("max_failures = %d, want 3", got.MaxFailures)
	}
	if got.HealthStatus != HealthHealthy {
		t.Fatalf("health = %s, want healthy", got.HealthStatus)
	}
	if got.SuccessRate != 1 || got.OverallScore != 1 {
		t.Fatalf("initial scores = %v/%v, want 1/1", got.SuccessRate, got.OverallScore)
	}
}

func TestGetLinkStatsColumns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	m, p := seedModelProvider(t, s)

	if err := s.CreateLink(ctx, &Link{ModelID: m.ID, ProviderID: p.ID,
		Weight: 1, IsEnabled: true, HealthStatus: HealthHealthy}); err != nil {
		t.Fatalf("create link: %v", err)
	}
	err := s.UpdateLinkMetrics(ctx, MetricUpdate{
		ModelID: m.ID, ProviderID: p.ID,
		ResponseTime: 1.5, Success: true, Tokens: 2000, Cost: 0.06,
	})
	if err != nil {
		t.Fatalf("update metrics: %v", err)
	}

	// The raw SELECT names every column explicitly; a mismatch with the
	// model's tags surfaces here as a query error.
	rows, err := s.GetLinkStats(ctx)
	if err != nil {
		t.Fatalf("link stats: %v", err)
	}
	if len(rows) != 1 || rows[0].Model != m.Name || rows[0].Provider != p.Name {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].CostPer1kTokens != 0.03 {
		t.Fatalf("cost/1k = %v, want 0.03", rows[0].CostPer1kTokens)
	}
}

func TestDuplicateCapabilityName(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.CreateCapability(ctx, &Capability{Name: "TEXT"}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	err := s.CreateCapability(ctx, &Capability{Name: "TEXT"})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("duplicate capability: got %v, want ErrConflict", err)
	}
}
