package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

// getBaseURL returns the base URL for API calls.
// Uses DELAYQ_BASE_URL env var if set (for container tests),
// otherwise defaults to localhost:8080.
func getBaseURL() string {
	if url := os.Getenv("DELAYQ_BASE_URL"); url != "" {
		return url
	}
	return "http://localhost:8080"
}

// httpClient creates an HTTP client with sensible defaults.
func httpClient() *http.Client {
	return &http.Client{
		Timeout: 10 * time.Second,
	}
}

// doRequest performs an HTTP request and returns the response.
func doRequest(method, path string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, getBaseURL()+path, bodyReader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return httpClient().Do(req)
}

// parseResponse parses JSON response into target.
func parseResponse(resp *http.Response, target interface{}) error {
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(target)
}

var _ = Describe("HTTP Integration Tests", Ordered, func() {
	// A queue of its own keeps runs from seeing each other's messages.
	queue := "it-" + uuid.NewString()[:8]
	payload := fmt.Sprintf("integration message %d", time.Now().UnixNano())

	BeforeAll(func() {
		resp, err := doRequest(http.MethodGet, "/healthz", nil)
		if err != nil {
			Skip(fmt.Sprintf("Server not reachable at %s: %v", getBaseURL(), err))
		}
		resp.Body.Close()
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	Describe("Health Check", func() {
		It("should return healthy status", func() {
			resp, err := doRequest(http.MethodGet, "/healthz", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()

			Expect(resp.StatusCode).To(Equal(http.StatusOK))
		})
	})

	Describe("Message lifecycle", func() {
		It("should accept a message due now", func() {
			resp, err := doRequest(http.MethodPost, "/v1/queues/"+queue+"/messages", map[string]interface{}{
				"message":       payload,
				"delay_seconds": 0,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusAccepted))

			var result map[string]interface{}
			Expect(parseResponse(resp, &result)).To(Succeed())
			data := result["data"].(map[string]interface{})
			Expect(data["queue"]).To(Equal(queue))
			Expect(data["id"]).NotTo(BeEmpty())
		})

		It("should count the message in the backlog", func() {
			resp, err := doRequest(http.MethodGet, "/v1/queues/"+queue+"/backlog", nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusOK))

			var result struct {
				Data struct {
					Shards []struct {
						Total int64 `json:"total"`
					} `json:"shards"`
				} `json:"data"`
			}
			Expect(parseResponse(resp, &result)).To(Succeed())

			var total int64
			for _, s := range result.Data.Shards {
				Expect(s.Total).To(BeNumerically(">=", 0))
				total += s.Total
			}
			Expect(total).To(Equal(int64(1)))
		})

		It("should deliver the message within one rotation", func() {
			// The consumer reaches the producer's shard two to three minutes after the put.
			Eventually(func() string {
				resp, err := doRequest(http.MethodPost, "/v1/queues/"+queue+"/take", nil)
				if err != nil || resp.StatusCode != http.StatusOK {
					if resp != nil {
						resp.Body.Close()
					}
					return ""
				}
				var result struct {
					Data struct {
						Message string `json:"message"`
					} `json:"data"`
				}
				if err := parseResponse(resp, &result); err != nil {
					return ""
				}
				return result.Data.Message
			}).WithTimeout(5 * time.Minute).WithPolling(time.Second).Should(Equal(payload))
		})

		It("should leave nothing behind", func() {
			resp, err := doRequest(http.MethodPost, "/v1/queues/"+queue+"/take", nil)
			Expect(err).NotTo(HaveOccurred())
			defer resp.Body.Close()
			Expect(resp.StatusCode).To(Equal(http.StatusNoContent))
		})
	})
})
