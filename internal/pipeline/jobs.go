package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/finquill/finquill/internal/worker"
)

// RegisterJobs wires the pipelines' handlers onto the worker queue.
func RegisterJobs(q *worker.Queue, chat *Chat, report *Report, docs *Documents) {
	q.Handle(JobProcessChatMessage, func(ctx context.Context, payload json.RawMessage) error {
		var job ChatMessageJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("failed to decode chat message job: %w", err)
		}
		return chat.Process(ctx, job.MessageID)
	})
	q.Handle(JobGenerateReport, func(ctx context.Context, payload json.RawMessage) error {
		var job ReportJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("failed to decode report job: %w", err)
		}
		return report.Process(ctx, job.MessageID)
	})
	q.Handle(JobProcessDocument, func(ctx context.Context, payload json.RawMessage) error {
		var job DocumentJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return fmt.Errorf("failed to decode document job: %w", err)
		}
		return docs.Process(ctx, job.DocumentID)
	})
}

// QueueDelegator hands classified report turns to the background queue.
type QueueDelegator struct {
	Queue Enqueuer
}

// Delegate enqueues a generate_report job for the triggering message.
func (d QueueDelegator) Delegate(ctx context.Context, messageID uuid.UUID, prompt string) error {
	return d.Queue.Enqueue(ctx, JobGenerateReport, ReportJob{MessageID: messageID, Prompt: prompt})
}
