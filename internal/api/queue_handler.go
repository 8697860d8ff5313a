package api

import (
	"errors"
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"

	"delayq/internal/clock"
	"delayq/internal/delayq"
	"delayq/internal/store"
	"delayq/internal/stream"
)

// QueueHandler serves put, take and backlog requests for named queues.
type QueueHandler struct {
	client *delayq.Client
	clock  clock.Clock
	logger *slog.Logger
}

// NewQueueHandler creates a new QueueHandler. clk resolves delay_seconds into a due time.
func NewQueueHandler(client *delayq.Client, clk clock.Clock, logger *slog.Logger) *QueueHandler {
	if clk == nil {
		clk = clock.System()
	}
	return &QueueHandler{
		client: client,
		clock:  clk,
		logger: logger,
	}
}

// PutRequest is the body of POST /v1/queues/:name/messages.
// Due wins when both Due and DelaySeconds are set.
type PutRequest struct {
	Message      string     `json:"message"`
	Due          *time.Time `json:"due,omitempty"`
	DelaySeconds *float64   `json:"delay_seconds,omitempty"`
}

// PutResponse describes the stored row.
type PutResponse struct {
	ID        string     `json:"id"`
	Queue     string     `json:"queue"`
	Shard     string     `json:"shard"`
	Due       time.Time  `json:"due"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// TakeResponse is a delivered message.
type TakeResponse struct {
	ID      string    `json:"id"`
	Queue   string    `json:"queue"`
	Shard   string    `json:"shard"`
	Due     time.Time `json:"due"`
	Message string    `json:"message"`
	TakenAt time.Time `json:"taken_at"`
}

// BacklogResponse lists due/total counts per shard. Counts that could not be read are -1.
type BacklogResponse struct {
	Queue  string                `json:"queue"`
	Shards []delayq.ShardBacklog `json:"shards"`
}

// Put handles POST /v1/queues/:name/messages.
func (h *QueueHandler) Put(c *fiber.Ctx) error {
	queue := c.Params("name")

	var req PutRequest
	if err := c.BodyParser(&req); err != nil {
		return BadRequest(c, "invalid request body: "+err.Error())
	}

	due, err := h.resolveDue(&req)
	if err != nil {
		return ValidationError(c, err.Error())
	}

	row, err := h.client.PutMessage(c.UserContext(), queue, due, req.Message)
	if err != nil {
		return h.failure(c, "failed to put message", queue, err)
	}

	resp := PutResponse{
		ID:    row.ID,
		Queue: row.Queue,
		Shard: row.Shard,
		Due:   row.Due,
	}
	if !row.ExpiresAt.IsZero() {
		expires := row.ExpiresAt
		resp.ExpiresAt = &expires
	}
	return Accepted(c, resp)
}

// Take handles POST /v1/queues/:name/take. It answers 204 when nothing is due.
func (h *QueueHandler) Take(c *fiber.Ctx) error {
	queue := c.Params("name")

	d, err := h.client.TakeMessage(c.UserContext(), queue)
	if err != nil {
		return h.failure(c, "failed to take message", queue, err)
	}
	if d == nil {
		return NoContent(c)
	}

	return Success(c, TakeResponse{
		ID:      d.ID,
		Queue:   d.Queue,
		Shard:   d.Shard,
		Due:     d.Due,
		Message: d.Message,
		TakenAt: d.TakenAt,
	})
}

// Backlog handles GET /v1/queues/:name/backlog.
func (h *QueueHandler) Backlog(c *fiber.Ctx) error {
	queue := c.Params("name")
	return Success(c, BacklogResponse{
		Queue:  queue,
		Shards: h.client.Backlog(c.UserContext(), queue),
	})
}

var errDueRequired = errors.New("either due or delay_seconds is required")

func (h *QueueHandler) resolveDue(req *PutRequest) (time.Time, error) {
	switch {
	case req.Due != nil:
		return *req.Due, nil
	case req.DelaySeconds != nil:
		d, err := stream.Delay(*req.DelaySeconds)
		if err != nil {
			return time.Time{}, err
		}
		return h.clock.Now().Add(d), nil
	}
	return time.Time{}, errDueRequired
}

func (h *QueueHandler) failure(c *fiber.Ctx, msg, queue string, err error) error {
	h.logger.Error(msg, "error", err, "queue", queue)
	if errors.Is(err, store.ErrStorage) {
		return Unavailable(c, err.Error())
	}
	if errors.Is(err, delayq.ErrEmptyQueueName) {
		return ValidationError(c, err.Error())
	}
	return InternalError(c, err.Error())
}
