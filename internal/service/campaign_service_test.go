package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/chatleap/broadcast-backend/internal/models"
	"github.com/chatleap/broadcast-backend/internal/queue"
)

// mockCampaignRepository for testing
type mockCampaignRepository struct {
	campaigns []*models.Campaign
}

func (m *mockCampaignRepository) Create(ctx context.Context, campaign *models.Campaign) error {
	campaign.ID = int64(len(m.campaigns) + 1)
	campaign.CreatedAt = time.Now()
	m.campaigns = append(m.campaigns, campaign)
	return nil
}

func (m *mockCampaignRepository) GetByID(ctx context.Context, id int64) (*models.Campaign, error) {
	for _, c := range m.campaigns {
		if c.ID == id {
			return c, nil
		}
	}
	return nil, models.ErrNotFoundWithMsg("campaign not found")
}

func (m *mockCampaignRepository) List(ctx context.Context, filter models.CampaignFilter) ([]*models.Campaign, int64, error) {
	filtered := []*models.Campaign{}
	for _, c := range m.campaigns {
		if filter.TenantID != 0 && c.TenantID != filter.TenantID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		filtered = append(filtered, c)
	}
	return filtered, int64(len(filtered)), nil
}

func (m *mockCampaignRepository) TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	for _, c := range m.campaigns {
		if c.ID == id {
			if c.Status != from {
				return false, nil
			}
			c.Status = to
			return true, nil
		}
	}
	return false, nil
}

func (m *mockCampaignRepository) AddCounters(ctx context.Context, id int64, delta models.CounterDelta) (*models.Campaign, error) {
	c, err := m.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	c.SentCount += delta.Sent
	c.DeliveredCount += delta.Delivered
	c.ReadCount += delta.Read
	c.FailedCount += delta.Failed
	return c, nil
}

func (m *mockCampaignRepository) ListDueScheduled(ctx context.Context, before time.Time, limit int) ([]int64, error) {
	ids := []int64{}
	for _, c := range m.campaigns {
		if c.Status == models.CampaignStatusScheduled && c.ScheduledAt != nil && !c.ScheduledAt.After(before) {
			ids = append(ids, c.ID)
		}
	}
	return ids, nil
}

func (m *mockCampaignRepository) ListStaleSending(ctx context.Context, updatedBefore time.Time, limit int) ([]int64, error) {
	return nil, nil
}

func (m *mockCampaignRepository) RecountCounters(ctx context.Context, id int64) (*models.Campaign, error) {
	return m.GetByID(ctx, id)
}

// mockRecipientRepository for testing
type mockRecipientRepository struct {
	batches [][]*models.Recipient
}

func (m *mockRecipientRepository) CreateBatch(ctx context.Context, recipients []*models.Recipient) error {
	m.batches = append(m.batches, recipients)
	return nil
}

func (m *mockRecipientRepository) GetByID(ctx context.Context, id int64) (*models.Recipient, error) {
	return nil, models.ErrNotFoundWithMsg("recipient not found")
}

func (m *mockRecipientRepository) Claim(ctx context.Context, id int64, leaseUntil time.Time) (*models.Recipient, error) {
	return nil, nil
}

func (m *mockRecipientRepository) MarkSent(ctx context.Context, id int64, externalMessageID string) (bool, error) {
	return false, nil
}

func (m *mockRecipientRepository) Advance(ctx context.Context, id int64, to string) (string, error) {
	return "", nil
}

func (m *mockRecipientRepository) ScheduleRetry(ctx context.Context, id int64, attempt int, nextAt time.Time, lastError string) (bool, error) {
	return false, nil
}

func (m *mockRecipientRepository) MarkFailed(ctx context.Context, id int64, lastError string) (string, error) {
	return "", nil
}

func (m *mockRecipientRepository) ListPending(ctx context.Context, campaignID int64) ([]*models.Recipient, error) {
	return nil, nil
}

func (m *mockRecipientRepository) ListDispatchable(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error) {
	return nil, nil
}

func (m *mockRecipientRepository) ListExpiredLeases(ctx context.Context, before time.Time, limit int) ([]models.WorkItem, error) {
	return nil, nil
}

// mockQueueClient records published jobs
type mockQueueClient struct {
	jobs       []*models.CampaignJob
	publishErr error
}

func (m *mockQueueClient) Publish(ctx context.Context, job *models.CampaignJob) error {
	if m.publishErr != nil {
		return m.publishErr
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *mockQueueClient) Consume(ctx context.Context, handler queue.JobHandler, concurrency int) error {
	return nil
}

func (m *mockQueueClient) Close() error {
	return nil
}

func (m *mockQueueClient) Health(ctx context.Context) error {
	return nil
}

func newTestService() (CampaignService, *mockCampaignRepository, *mockRecipientRepository, *mockQueueClient) {
	campaignRepo := &mockCampaignRepository{}
	recipientRepo := &mockRecipientRepository{}
	queueClient := &mockQueueClient{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewCampaignService(campaignRepo, recipientRepo, queueClient, logger)
	return svc, campaignRepo, recipientRepo, queueClient
}

func validRequest() *CreateCampaignRequest {
	return &CreateCampaignRequest{
		TenantID:  1,
		SessionID: 1,
		Name:      "March Promo",
		Body:      "Hello!",
		Recipients: []RecipientInput{
			{ContactID: 1, PhoneNumber: "+1 555 000 1111"},
			{ContactID: 2, PhoneNumber: "+1 555 000 2222"},
		},
	}
}

func TestCreateCampaign(t *testing.T) {
	svc, _, recipientRepo, queueClient := newTestService()

	campaign, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if campaign.Status != models.CampaignStatusDraft {
		t.Errorf("expected status draft, got %s", campaign.Status)
	}
	if campaign.TotalRecipients != 2 {
		t.Errorf("expected 2 recipients, got %d", campaign.TotalRecipients)
	}
	if len(recipientRepo.batches) != 1 {
		t.Fatalf("expected 1 recipient batch, got %d", len(recipientRepo.batches))
	}
	if got := recipientRepo.batches[0][0].PhoneNumber; got != "+15550001111" {
		t.Errorf("expected normalized phone +15550001111, got %s", got)
	}
	if len(queueClient.jobs) != 0 {
		t.Errorf("draft creation must not publish a job, got %d", len(queueClient.jobs))
	}
}

func TestCreateCampaignDeduplicatesRecipients(t *testing.T) {
	svc, _, recipientRepo, _ := newTestService()

	req := validRequest()
	req.Recipients = append(req.Recipients,
		RecipientInput{ContactID: 3, PhoneNumber: "+1 (555) 000-2222"}, // dup of contact 2 after normalization
	)

	campaign, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if campaign.TotalRecipients != 2 {
		t.Errorf("expected duplicates dropped, got %d recipients", campaign.TotalRecipients)
	}
	if len(recipientRepo.batches[0]) != 2 {
		t.Errorf("expected 2 persisted recipients, got %d", len(recipientRepo.batches[0]))
	}
}

func TestCreateCampaignRejectsInvalidPhone(t *testing.T) {
	svc, _, _, _ := newTestService()

	req := validRequest()
	req.Recipients = append(req.Recipients, RecipientInput{ContactID: 3, PhoneNumber: "not-a-number"})

	if _, err := svc.Create(context.Background(), req); err == nil {
		t.Error("expected invalid phone number to reject the request")
	}
}

func TestCreateCampaignValidation(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name   string
		mutate func(*CreateCampaignRequest)
	}{
		{"short name", func(r *CreateCampaignRequest) { r.Name = "ab" }},
		{"empty body", func(r *CreateCampaignRequest) { r.Body = "" }},
		{"no recipients", func(r *CreateCampaignRequest) { r.Recipients = nil }},
		{"past schedule", func(r *CreateCampaignRequest) { r.ScheduledAt = &past }},
		{"send now and schedule", func(r *CreateCampaignRequest) {
			r.SendNow = true
			r.ScheduledAt = &future
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.mutate(req)
			if _, err := svc.Create(ctx, req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestCreateScheduledCampaign(t *testing.T) {
	svc, _, _, _ := newTestService()

	req := validRequest()
	scheduledAt := time.Now().Add(time.Hour)
	req.ScheduledAt = &scheduledAt

	campaign, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if campaign.Status != models.CampaignStatusScheduled {
		t.Errorf("expected status scheduled, got %s", campaign.Status)
	}
}

func TestCreateCampaignSendNow(t *testing.T) {
	svc, _, _, queueClient := newTestService()

	req := validRequest()
	req.SendNow = true

	campaign, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if campaign.Status != models.CampaignStatusSending {
		t.Errorf("expected status sending, got %s", campaign.Status)
	}
	if len(queueClient.jobs) != 1 || queueClient.jobs[0].Op != models.JobOpStart {
		t.Errorf("expected one start job, got %+v", queueClient.jobs)
	}
}

func TestStartCampaign(t *testing.T) {
	svc, _, _, queueClient := newTestService()

	campaign, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	started, err := svc.Start(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if started.Status != models.CampaignStatusSending {
		t.Errorf("expected status sending, got %s", started.Status)
	}
	if len(queueClient.jobs) != 1 {
		t.Fatalf("expected 1 published job, got %d", len(queueClient.jobs))
	}
	if queueClient.jobs[0].Op != models.JobOpStart || queueClient.jobs[0].CampaignID != campaign.ID {
		t.Errorf("unexpected job %+v", queueClient.jobs[0])
	}
}

func TestStartCampaignInvalidTransition(t *testing.T) {
	svc, campaignRepo, _, _ := newTestService()

	campaign, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	campaignRepo.campaigns[0].Status = models.CampaignStatusCompleted

	_, err = svc.Start(context.Background(), campaign.ID)
	if !errors.Is(err, models.ErrInvalidTransition) {
		t.Errorf("expected invalid transition error, got %v", err)
	}
}

func TestRetryFailedCampaign(t *testing.T) {
	svc, campaignRepo, _, queueClient := newTestService()

	campaign, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	campaignRepo.campaigns[0].Status = models.CampaignStatusFailed

	retried, err := svc.Start(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retried.Status != models.CampaignStatusSending {
		t.Errorf("expected status sending, got %s", retried.Status)
	}
	if len(queueClient.jobs) != 1 {
		t.Errorf("expected 1 published job, got %d", len(queueClient.jobs))
	}
}

func TestCancelCampaign(t *testing.T) {
	svc, _, _, queueClient := newTestService()

	campaign, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	cancelled, err := svc.Cancel(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if cancelled.Status != models.CampaignStatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}
	if len(queueClient.jobs) != 1 || queueClient.jobs[0].Op != models.JobOpCancel {
		t.Errorf("expected one cancel job, got %+v", queueClient.jobs)
	}

	// terminal: neither start nor a second cancel is allowed
	if _, err := svc.Start(context.Background(), campaign.ID); err == nil {
		t.Error("expected starting a cancelled campaign to fail")
	}
	if _, err := svc.Cancel(context.Background(), campaign.ID); err == nil {
		t.Error("expected cancelling twice to fail")
	}
}

func TestCancelPublishFailureIsBestEffort(t *testing.T) {
	svc, _, _, queueClient := newTestService()

	campaign, err := svc.Create(context.Background(), validRequest())
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	queueClient.publishErr = errors.New("redis down")
	cancelled, err := svc.Cancel(context.Background(), campaign.ID)
	if err != nil {
		t.Fatalf("Cancel must succeed without the queue: %v", err)
	}
	if cancelled.Status != models.CampaignStatusCancelled {
		t.Errorf("expected status cancelled, got %s", cancelled.Status)
	}
}

func TestOnRecipientsTerminal(t *testing.T) {
	tests := []struct {
		name        string
		failedCount int64
		want        string
	}{
		{"all delivered", 0, models.CampaignStatusCompleted},
		{"some failed", 1, models.CampaignStatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, campaignRepo, _, _ := newTestService()

			campaign, err := svc.Create(context.Background(), validRequest())
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			campaignRepo.campaigns[0].Status = models.CampaignStatusSending

			if err := svc.OnRecipientsTerminal(context.Background(), campaign.ID, tt.failedCount); err != nil {
				t.Fatalf("OnRecipientsTerminal failed: %v", err)
			}
			if got := campaignRepo.campaigns[0].Status; got != tt.want {
				t.Errorf("expected status %s, got %s", tt.want, got)
			}

			// idempotent: a duplicate report is a no-op
			if err := svc.OnRecipientsTerminal(context.Background(), campaign.ID, tt.failedCount); err != nil {
				t.Fatalf("duplicate OnRecipientsTerminal failed: %v", err)
			}
		})
	}
}
