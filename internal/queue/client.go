package queue

import (
	"context"

	"github.com/chatleap/broadcast-backend/internal/models"
)

// Client defines the interface for the campaign job queue that hands
// start/cancel operations from the API process to the pipeline worker.
type Client interface {
	// Publish sends a campaign job to the queue
	Publish(ctx context.Context, job *models.CampaignJob) error

	// Consume receives jobs from the queue and processes them with the handler.
	// concurrency controls how many jobs can be processed simultaneously.
	Consume(ctx context.Context, handler JobHandler, concurrency int) error

	// Close closes the queue connection
	Close() error

	// Health checks if the queue is healthy
	Health(ctx context.Context) error
}

// JobHandler is a function that processes a campaign job
type JobHandler func(ctx context.Context, job *models.CampaignJob) error
