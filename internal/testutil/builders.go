package testutil

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/target/sopline/internal/domain/model"
)

// JobRequestBuilder builds CreateJobRequest values for tests.
type JobRequestBuilder struct {
	req *model.CreateJobRequest
}

// NewJobRequest returns a builder for a valid FILE job owned by a random user.
func NewJobRequest() *JobRequestBuilder {
	userID := uuid.NewString()
	return &JobRequestBuilder{
		req: &model.CreateJobRequest{
			SourceLocator: "uploads/" + uuid.NewString() + ".mp4",
			SourceKind:    model.SourceKindFile,
			UserID:        &userID,
		},
	}
}

// Remote switches the request to a REMOTE locator.
func (b *JobRequestBuilder) Remote(url string) *JobRequestBuilder {
	b.req.SourceKind = model.SourceKindRemote
	b.req.SourceLocator = url
	return b
}

// WithSession replaces the user owner with a session owner.
func (b *JobRequestBuilder) WithSession(sessionID string) *JobRequestBuilder {
	b.req.UserID = nil
	b.req.SessionID = &sessionID
	return b
}

// WithCallback sets the callback URL.
func (b *JobRequestBuilder) WithCallback(url string) *JobRequestBuilder {
	b.req.CallbackURL = &url
	return b
}

// WithTemplate sets the document template index.
func (b *JobRequestBuilder) WithTemplate(index int) *JobRequestBuilder {
	b.req.Template = index
	return b
}

// Build returns the request.
func (b *JobRequestBuilder) Build() *model.CreateJobRequest {
	return b.req
}

// TaskRequestBuilder builds CreateTaskRequest values for tests.
type TaskRequestBuilder struct {
	req *model.CreateTaskRequest
}

// NewTaskRequest returns a builder for a process_video task with a placeholder payload.
func NewTaskRequest() *TaskRequestBuilder {
	return &TaskRequestBuilder{
		req: &model.CreateTaskRequest{
			Type:       model.TaskTypeProcessVideo,
			Payload:    json.RawMessage(`{"jobId":"` + uuid.NewString() + `"}`),
			MaxRetries: model.DefaultTaskMaxRetries,
		},
	}
}

// WithType sets the task type.
func (b *TaskRequestBuilder) WithType(taskType model.TaskType) *TaskRequestBuilder {
	b.req.Type = taskType
	return b
}

// WithPayload sets the raw payload.
func (b *TaskRequestBuilder) WithPayload(payload json.RawMessage) *TaskRequestBuilder {
	b.req.Payload = payload
	return b
}

// WithJobID links the task to a job.
func (b *TaskRequestBuilder) WithJobID(jobID string) *TaskRequestBuilder {
	b.req.JobID = &jobID
	return b
}

// WithScheduledAt delays the task.
func (b *TaskRequestBuilder) WithScheduledAt(at time.Time) *TaskRequestBuilder {
	b.req.ScheduledAt = &at
	return b
}

// WithMaxRetries sets the attempt budget.
func (b *TaskRequestBuilder) WithMaxRetries(n int) *TaskRequestBuilder {
	b.req.MaxRetries = n
	return b
}

// Build returns the request.
func (b *TaskRequestBuilder) Build() *model.CreateTaskRequest {
	return b.req
}
