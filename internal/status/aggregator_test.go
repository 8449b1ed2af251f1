package status

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatleap/broadcast-backend/internal/models"
)

// mockCampaignRepository tracks counter deltas in memory.
type mockCampaignRepository struct {
	mu       sync.Mutex
	campaign *models.Campaign
	calls    int
}

func (m *mockCampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	return nil
}

func (m *mockCampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *m.campaign
	return &c, nil
}

func (m *mockCampaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	return nil, 0, nil
}

func (m *mockCampaignRepository) TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.campaign.Status != from {
		return false, nil
	}
	m.campaign.Status = to
	return true, nil
}

func (m *mockCampaignRepository) AddCounters(ctx context.Context, id int64, delta models.CounterDelta) (*models.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.campaign.SentCount += delta.Sent
	m.campaign.DeliveredCount += delta.Delivered
	m.campaign.ReadCount += delta.Read
	m.campaign.FailedCount += delta.Failed
	c := *m.campaign
	return &c, nil
}

func (m *mockCampaignRepository) ListDueScheduled(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	return nil, nil
}

func (m *mockCampaignRepository) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]int64, error) {
	return nil, nil
}

func (m *mockCampaignRepository) RecountCounters(ctx context.Context, id int64) (*models.Campaign, error) {
	return m.GetByID(ctx, id)
}

type mockFinisher struct {
	campaignID  int64
	failedCount int64
	calls       int
}

func (f *mockFinisher) OnRecipientsTerminal(ctx context.Context, campaignID, failedCount int64) error {
	f.calls++
	f.campaignID = campaignID
	f.failedCount = failedCount
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestAggregator(total int64) (*Aggregator, *mockCampaignRepository, *mockFinisher) {
	repo := &mockCampaignRepository{
		campaign: &models.Campaign{
			ID:              1,
			Status:          models.CampaignStatusSending,
			TotalRecipients: total,
		},
	}
	finisher := &mockFinisher{}
	agg := New(repo, testLogger())
	agg.SetFinisher(finisher)
	return agg, repo, finisher
}

func TestFunnelDelta(t *testing.T) {
	tests := []struct {
		name string
		from string
		to   string
		want models.CounterDelta
	}{
		{"send completes", models.RecipientStatusSending, models.RecipientStatusSent, models.CounterDelta{Sent: 1}},
		{"delivery receipt", models.RecipientStatusSent, models.RecipientStatusDelivered, models.CounterDelta{Delivered: 1}},
		{"read receipt", models.RecipientStatusDelivered, models.RecipientStatusRead, models.CounterDelta{Read: 1}},
		{"read skips delivered", models.RecipientStatusSent, models.RecipientStatusRead, models.CounterDelta{Delivered: 1, Read: 1}},
		{"terminal failure", models.RecipientStatusSending, models.RecipientStatusFailed, models.CounterDelta{Failed: 1}},
		{"stale receipt", models.RecipientStatusDelivered, models.RecipientStatusDelivered, models.CounterDelta{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, funnelDelta(tt.from, tt.to))
		})
	}
}

func TestAggregatorCountersStayConsistent(t *testing.T) {
	agg, repo, _ := newTestAggregator(10)
	ctx := context.Background()

	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSending, models.RecipientStatusSent))
	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSent, models.RecipientStatusRead))

	campaign, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), campaign.SentCount)
	assert.Equal(t, int64(1), campaign.DeliveredCount)
	assert.Equal(t, int64(1), campaign.ReadCount)
	assert.Equal(t, int64(0), campaign.FailedCount)

	// funnel ordering: sent >= delivered >= read always holds
	assert.GreaterOrEqual(t, campaign.SentCount, campaign.DeliveredCount)
	assert.GreaterOrEqual(t, campaign.DeliveredCount, campaign.ReadCount)
}

func TestAggregatorZeroDeltaSkipsStore(t *testing.T) {
	agg, repo, _ := newTestAggregator(10)

	require.NoError(t, agg.Update(context.Background(), 1, models.RecipientStatusDelivered, models.RecipientStatusDelivered))
	assert.Equal(t, 0, repo.calls)
}

func TestAggregatorFiresFinisherOnCompletion(t *testing.T) {
	agg, _, finisher := newTestAggregator(2)
	ctx := context.Background()

	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSending, models.RecipientStatusSent))
	assert.Equal(t, 0, finisher.calls)

	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSending, models.RecipientStatusSent))
	require.Equal(t, 1, finisher.calls)
	assert.Equal(t, int64(1), finisher.campaignID)
	assert.Equal(t, int64(0), finisher.failedCount)
}

func TestAggregatorReportsFailedCountToFinisher(t *testing.T) {
	agg, _, finisher := newTestAggregator(2)
	ctx := context.Background()

	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSending, models.RecipientStatusSent))
	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSending, models.RecipientStatusFailed))

	require.Equal(t, 1, finisher.calls)
	assert.Equal(t, int64(1), finisher.failedCount)
}

func TestAggregatorReceiptsAfterCompletionDoNotRefire(t *testing.T) {
	agg, repo, finisher := newTestAggregator(1)
	ctx := context.Background()

	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSending, models.RecipientStatusSent))
	require.Equal(t, 1, finisher.calls)
	repo.campaign.Status = models.CampaignStatusCompleted

	// late delivery receipt still bumps counters, but the campaign is closed
	require.NoError(t, agg.Update(ctx, 1, models.RecipientStatusSent, models.RecipientStatusDelivered))
	assert.Equal(t, 1, finisher.calls)

	campaign, err := repo.GetByID(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), campaign.DeliveredCount)
}
