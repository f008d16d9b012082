package flow_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/flow"
)

const helloEnvelope = `{"outputs":[{"outputs":[{"results":{"message":{"text":"hello"}}}]}]}`

type capturedRequest struct {
	Method string
	Path   string
	APIKey string
	HasKey bool
	Type   string
	Body   flow.RunRequest
}

var _ = Describe("Client", func() {
	var (
		ctx      context.Context
		server   *httptest.Server
		mu       sync.Mutex
		captured []capturedRequest
		status   int
		body     string
	)

	BeforeEach(func() {
		ctx = context.Background()
		captured = nil
		status = http.StatusOK
		body = helloEnvelope

		server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := io.ReadAll(r.Body)
			var req flow.RunRequest
			_ = json.Unmarshal(raw, &req)

			_, hasKey := r.Header["X-Api-Key"]
			mu.Lock()
			captured = append(captured, capturedRequest{
				Method: r.Method,
				Path:   r.URL.Path,
				APIKey: r.Header.Get("x-api-key"),
				HasKey: hasKey,
				Type:   r.Header.Get("Content-Type"),
				Body:   req,
			})
			mu.Unlock()

			w.WriteHeader(status)
			_, _ = io.WriteString(w, body)
		}))
	})

	AfterEach(func() {
		server.Close()
	})

	newClient := func(apiKey string, opts ...flow.Option) *flow.Client {
		return flow.NewClient(flow.Config{
			BaseURL: server.URL,
			FlowID:  "flow-123",
			APIKey:  apiKey,
		}, zap.NewNop(), opts...)
	}

	Describe("Endpoint", func() {
		It("joins base URL, run path and flow ID", func() {
			cfg := flow.Config{BaseURL: "http://localhost:7860", FlowID: "abc"}
			Expect(cfg.Endpoint()).To(Equal("http://localhost:7860/api/v1/run/abc"))
		})

		It("trims a trailing slash from the base URL", func() {
			cfg := flow.Config{BaseURL: "http://localhost:7860/", FlowID: "abc"}
			Expect(cfg.Endpoint()).To(Equal("http://localhost:7860/api/v1/run/abc"))
		})
	})

	Describe("Send", func() {
		It("POSTs a chat run request to the flow endpoint", func() {
			_, err := newClient("secret").Send(ctx, "Hi there")
			Expect(err).NotTo(HaveOccurred())

			Expect(captured).To(HaveLen(1))
			req := captured[0]
			Expect(req.Method).To(Equal(http.MethodPost))
			Expect(req.Path).To(Equal("/api/v1/run/flow-123"))
			Expect(req.Type).To(Equal("application/json"))
			Expect(req.Body).To(Equal(flow.RunRequest{
				InputValue: "Hi there",
				OutputType: "chat",
				InputType:  "chat",
			}))
		})

		It("sends the API key header when a key is configured", func() {
			_, err := newClient("secret").Send(ctx, "Hi")
			Expect(err).NotTo(HaveOccurred())

			Expect(captured[0].HasKey).To(BeTrue())
			Expect(captured[0].APIKey).To(Equal("secret"))
		})

		It("still sends the request without the header when the key is empty", func() {
			_, err := newClient("").Send(ctx, "Hi")
			Expect(err).NotTo(HaveOccurred())

			Expect(captured).To(HaveLen(1))
			Expect(captured[0].HasKey).To(BeFalse())
		})

		It("returns the reply text", func() {
			text, err := newClient("").Send(ctx, "Hi")

			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("hello"))
		})

		It("treats an HTTP 500 as a transport error without retrying", func() {
			status = http.StatusInternalServerError
			body = "boom"

			_, err := newClient("").Send(ctx, "Hi")

			var flowErr *flow.Error
			Expect(errors.As(err, &flowErr)).To(BeTrue())
			Expect(flowErr.Kind).To(Equal(flow.KindTransport))
			Expect(flowErr.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(flowErr.Error()).To(ContainSubstring("500 Internal Server Error"))
			Expect(captured).To(HaveLen(1))
		})

		It("treats an HTTP 403 as a transport error", func() {
			status = http.StatusForbidden

			_, err := newClient("wrong").Send(ctx, "Hi")

			var flowErr *flow.Error
			Expect(errors.As(err, &flowErr)).To(BeTrue())
			Expect(flowErr.Kind).To(Equal(flow.KindTransport))
			Expect(flowErr.StatusCode).To(Equal(http.StatusForbidden))
		})

		It("treats a malformed envelope as a shape error", func() {
			body = `{"outputs":[]}`

			_, err := newClient("").Send(ctx, "Hi")

			var flowErr *flow.Error
			Expect(errors.As(err, &flowErr)).To(BeTrue())
			Expect(flowErr.Kind).To(Equal(flow.KindShape))
			Expect(err).To(MatchError(flow.ErrUnexpectedShape))
		})

		It("treats a 200 with a body that is not JSON as a transport error", func() {
			body = "<html>gateway page</html>"

			_, err := newClient("").Send(ctx, "Hi")

			var flowErr *flow.Error
			Expect(errors.As(err, &flowErr)).To(BeTrue())
			Expect(flowErr.Kind).To(Equal(flow.KindTransport))
			Expect(flowErr.StatusCode).To(BeZero())
			Expect(err).To(MatchError(flow.ErrInvalidJSON))
			Expect(flow.UserMessage(err)).To(HavePrefix("Error connecting to the flow API: decode response: "))
			Expect(flow.UserMessage(err)).To(ContainSubstring("invalid character '<'"))
		})

		It("treats an unreachable server as a transport error", func() {
			client := flow.NewClient(flow.Config{
				BaseURL: "http://127.0.0.1:1",
				FlowID:  "flow-123",
			}, zap.NewNop())

			_, err := client.Send(ctx, "Hi")

			var flowErr *flow.Error
			Expect(errors.As(err, &flowErr)).To(BeTrue())
			Expect(flowErr.Kind).To(Equal(flow.KindTransport))
			Expect(flowErr.StatusCode).To(BeZero())
		})

		It("gives up once the timeout elapses", func() {
			slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(2 * time.Second):
				}
			}))
			defer slow.Close()

			client := flow.NewClient(flow.Config{
				BaseURL: slow.URL,
				FlowID:  "flow-123",
				Timeout: 50 * time.Millisecond,
			}, zap.NewNop())

			_, err := client.Send(ctx, "Hi")

			var flowErr *flow.Error
			Expect(errors.As(err, &flowErr)).To(BeTrue())
			Expect(flowErr.Kind).To(Equal(flow.KindTransport))
		})

		It("records outcomes when metrics are enabled", func() {
			reg := prometheus.NewRegistry()
			metrics := flow.NewMetrics(reg)
			client := newClient("", flow.WithMetrics(metrics))

			_, err := client.Send(ctx, "Hi")
			Expect(err).NotTo(HaveOccurred())

			body = `{}`
			_, err = client.Send(ctx, "Hi")
			Expect(err).To(HaveOccurred())

			count, err := testutil.GatherAndCount(reg, "flowchat_flow_requests_total")
			Expect(err).NotTo(HaveOccurred())
			Expect(count).To(Equal(2))
		})
	})

	Describe("Swappable", func() {
		It("sends through whichever client was swapped in last", func() {
			other := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"outputs":[{"outputs":[{"results":{"message":{"text":"other"}}}]}]}`)
			}))
			defer other.Close()

			s := flow.NewSwappable(newClient(""))
			text, err := s.Send(ctx, "Hi")
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("hello"))

			s.Swap(flow.NewClient(flow.Config{BaseURL: other.URL, FlowID: "x"}, zap.NewNop()))
			text, err = s.Send(ctx, "Hi")
			Expect(err).NotTo(HaveOccurred())
			Expect(text).To(Equal("other"))
		})
	})
})

var _ = Describe("UserMessage", func() {
	It("embeds the cause of a transport error", func() {
		err := &flow.Error{Kind: flow.KindTransport, Err: errors.New("connection refused")}

		Expect(flow.UserMessage(err)).To(Equal("Error connecting to the flow API: connection refused"))
	})

	It("uses the fixed message for shape errors", func() {
		err := &flow.Error{Kind: flow.KindShape, Err: flow.ErrUnexpectedShape}

		Expect(flow.UserMessage(err)).To(Equal(flow.ShapeErrorMessage))
	})

	It("falls back to the transport format for other errors", func() {
		Expect(flow.UserMessage(context.DeadlineExceeded)).To(HavePrefix("Error connecting to the flow API: "))
	})
})
