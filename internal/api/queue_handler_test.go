package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/gofiber/fiber/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"delayq/internal/api"
	"delayq/internal/clock"
	"delayq/internal/config"
	"delayq/internal/delayq"
	"delayq/internal/shard"
	"delayq/internal/store"
	"delayq/internal/store/memory"
)

// 12:02 UTC: producers write shard 2, consumers read shard 0.
var base = time.Date(2026, 10, 14, 12, 2, 0, 0, time.UTC)

// unreachableStore fails every call the way a store with no connection does.
type unreachableStore struct{}

var errRefused = errors.New("connection refused")

func (unreachableStore) Insert(context.Context, *store.Row) error {
	return store.Wrap(store.OpInsert, errRefused)
}

func (unreachableStore) FirstDue(context.Context, string, string, time.Time) (*store.Row, error) {
	return nil, store.Wrap(store.OpFirstDue, errRefused)
}

func (unreachableStore) Delete(context.Context, store.Key) error {
	return store.Wrap(store.OpDelete, errRefused)
}

func (unreachableStore) CountAll(context.Context, string, string, time.Time) (int64, error) {
	return 0, store.Wrap(store.OpCountAll, errRefused)
}

func (unreachableStore) CountDue(context.Context, string, string, time.Time) (int64, error) {
	return 0, store.Wrap(store.OpCountDue, errRefused)
}

func (unreachableStore) Close() error { return nil }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newApp(s store.MessageStore, clk clock.Clock) *fiber.App {
	calc, err := shard.New(4, shard.FormatCalendar)
	Expect(err).NotTo(HaveOccurred())

	client := delayq.New(s, calc, delayq.WithClock(clk), delayq.WithLogger(quietLogger()))
	server := api.NewServer(api.ServerDeps{
		Config:       &config.ServerConfig{Host: "127.0.0.1", Port: 8080},
		Logger:       quietLogger(),
		QueueHandler: api.NewQueueHandler(client, clk, quietLogger()),
	})
	return server.App()
}

// doRequest sends a request through the app without a network listener.
func doRequest(app *fiber.App, method, path string, body interface{}) *http.Response {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		data, err := json.Marshal(b)
		Expect(err).NotTo(HaveOccurred())
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := app.Test(req, -1)
	Expect(err).NotTo(HaveOccurred())
	return resp
}

// parseResponse decodes the response envelope, with Data decoded into target.
func parseResponse(resp *http.Response, target interface{}) api.APIResponse {
	defer resp.Body.Close()

	var raw struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   *api.APIError   `json:"error"`
	}
	Expect(json.NewDecoder(resp.Body).Decode(&raw)).To(Succeed())
	if target != nil && len(raw.Data) > 0 {
		Expect(json.Unmarshal(raw.Data, target)).To(Succeed())
	}
	return api.APIResponse{Success: raw.Success, Error: raw.Error}
}

var _ = Describe("Queue API", func() {
	var (
		s    *memory.MessageStore
		wall *clock.Manual
		app  *fiber.App
	)

	BeforeEach(func() {
		s = memory.NewMessageStore()
		wall = clock.NewManual(base)
		app = newApp(s, wall)
	})

	Describe("Health Check", func() {
		It("should return healthy status", func() {
			resp := doRequest(app, http.MethodGet, "/healthz", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var data map[string]string
			Expect(parseResponse(resp, &data).Success).To(BeTrue())
			Expect(data["status"]).To(Equal("healthy"))
		})

		It("should expose prometheus metrics", func() {
			resp := doRequest(app, http.MethodGet, "/metrics", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("POST /v1/queues/:name/messages", func() {
		It("should accept a message with an absolute due time", func() {
			due := base.Add(90 * time.Second)
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message": "hello",
				"due":     due.Format(time.RFC3339),
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var data api.PutResponse
			Expect(parseResponse(resp, &data).Success).To(BeTrue())
			Expect(data.ID).NotTo(BeEmpty())
			Expect(data.Queue).To(Equal("foo"))
			Expect(data.Shard).To(Equal("2"))
			Expect(data.Due).To(BeTemporally("==", due))
			Expect(data.ExpiresAt).NotTo(BeNil())
			Expect(*data.ExpiresAt).To(BeTemporally("==", due.Add(5*time.Minute)))
			Expect(s.Len()).To(Equal(1))
		})

		It("should resolve delay_seconds against the server clock", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message":       "later",
				"delay_seconds": 30,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var data api.PutResponse
			parseResponse(resp, &data)
			Expect(data.Due).To(BeTemporally("==", base.Add(30*time.Second)))
		})

		It("should reject a body with no due time", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message": "orphan",
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))

			env := parseResponse(resp, nil)
			Expect(env.Success).To(BeFalse())
			Expect(env.Error.Code).To(Equal(api.ErrCodeValidationFailed))
			Expect(s.Len()).To(BeZero())
		})

		It("should reject a negative delay", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message":       "past",
				"delay_seconds": -1,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(parseResponse(resp, nil).Error.Code).To(Equal(api.ErrCodeValidationFailed))
		})

		It("should reject a delay too long to represent", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message":       "forever",
				"delay_seconds": 1e300,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(parseResponse(resp, nil).Error.Code).To(Equal(api.ErrCodeValidationFailed))
			Expect(s.Len()).To(BeZero())
		})

		It("should reject malformed JSON", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", `{"message":`)
			Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
			Expect(parseResponse(resp, nil).Error.Code).To(Equal(api.ErrCodeBadRequest))
		})
	})

	Describe("POST /v1/queues/:name/take", func() {
		It("should answer 204 when nothing is due", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/take", nil)
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})

		It("should deliver a message once the consumer reaches its shard", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message": "ping",
				"due":     base.Format(time.RFC3339),
			})
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))
			resp.Body.Close()

			By("polling at 12:03, which reads shard 1")
			wall.Set(base.Add(time.Minute))
			resp = doRequest(app, http.MethodPost, "/v1/queues/foo/take", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))

			By("polling at 12:04, which reads shard 2")
			wall.Set(base.Add(2 * time.Minute))
			resp = doRequest(app, http.MethodPost, "/v1/queues/foo/take", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var data api.TakeResponse
			Expect(parseResponse(resp, &data).Success).To(BeTrue())
			Expect(data.Message).To(Equal("ping"))
			Expect(data.Shard).To(Equal("2"))
			Expect(data.TakenAt).To(BeTemporally("==", base.Add(2*time.Minute)))

			By("finding nothing left")
			resp = doRequest(app, http.MethodPost, "/v1/queues/foo/take", nil)
			resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})

	Describe("GET /v1/queues/:name/backlog", func() {
		It("should report due and total counts per shard", func() {
			for _, due := range []time.Time{base.Add(-time.Minute), base.Add(time.Hour)} {
				resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
					"message": "m",
					"due":     due.Format(time.RFC3339),
				})
				resp.Body.Close()
			}

			resp := doRequest(app, http.MethodGet, "/v1/queues/foo/backlog", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var data api.BacklogResponse
			parseResponse(resp, &data)
			Expect(data.Queue).To(Equal("foo"))
			Expect(data.Shards).To(Equal([]delayq.ShardBacklog{
				{Shard: 0, Due: 0, Total: 0},
				{Shard: 1, Due: 0, Total: 0},
				{Shard: 2, Due: 1, Total: 2},
				{Shard: 3, Due: 0, Total: 0},
			}))
		})
	})

	Context("when storage is unreachable", func() {
		BeforeEach(func() {
			app = newApp(unreachableStore{}, wall)
		})

		It("should answer 503 to puts", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/messages", map[string]interface{}{
				"message":       "lost",
				"delay_seconds": 1,
			})
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(parseResponse(resp, nil).Error.Code).To(Equal(api.ErrCodeStorageUnavailable))
		})

		It("should answer 503 to takes", func() {
			resp := doRequest(app, http.MethodPost, "/v1/queues/foo/take", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusServiceUnavailable))
			Expect(parseResponse(resp, nil).Error.Code).To(Equal(api.ErrCodeStorageUnavailable))
		})

		It("should report unknown counts as -1", func() {
			resp := doRequest(app, http.MethodGet, "/v1/queues/foo/backlog", nil)
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var data api.BacklogResponse
			parseResponse(resp, &data)
			Expect(data.Shards).To(HaveLen(4))
			for _, row := range data.Shards {
				Expect(row.Due).To(Equal(delayq.Unknown))
				Expect(row.Total).To(Equal(delayq.Unknown))
			}
		})
	})
})
