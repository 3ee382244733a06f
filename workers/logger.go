package workers

import (
	"context"

	"listing_harvester/models"
)

// LogFunc appends a progress line to the harvest_logs table
type LogFunc func(ctx context.Context, jobID, taskID string, level models.LogLevel, message string) error

// NoOpLogger does nothing (default)
var NoOpLogger LogFunc = func(ctx context.Context, jobID, taskID string, level models.LogLevel, message string) error {
	return nil
}
