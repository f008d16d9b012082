package conversation_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/flow"
)

func reply(text string) flow.SenderFunc {
	return func(ctx context.Context, message string) (string, error) {
		return text, nil
	}
}

func flowServer(status int, body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
}

func flowClient(server *httptest.Server) *flow.Client {
	return flow.NewClient(flow.Config{BaseURL: server.URL, FlowID: "test"}, zap.NewNop())
}

var _ = Describe("State", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("New", func() {
		It("starts empty and awaiting user input", func() {
			s := conversation.New()

			Expect(s.Turns).To(BeEmpty())
			Expect(s.Stage).To(Equal(conversation.StageAwaitingUserInput))
			Expect(s.Validate()).To(Succeed())
		})
	})

	Describe("Submit", func() {
		It("appends a user turn and awaits the bot", func() {
			s, ok := conversation.Submit(conversation.New(), "Hi")

			Expect(ok).To(BeTrue())
			Expect(s.Turns).To(Equal([]conversation.Turn{{Role: conversation.RoleUser, Content: "Hi"}}))
			Expect(s.Stage).To(Equal(conversation.StageAwaitingBotResponse))
			Expect(s.Validate()).To(Succeed())
		})

		It("keeps the input exactly as typed", func() {
			s, ok := conversation.Submit(conversation.New(), "  padded  ")

			Expect(ok).To(BeTrue())
			Expect(s.Turns[0].Content).To(Equal("  padded  "))
		})

		DescribeTable("ignores blank input",
			func(input string) {
				before := conversation.New()
				before, _ = conversation.Submit(before, "earlier")
				before, _ = conversation.Respond(ctx, before, reply("ok"))

				after, ok := conversation.Submit(before, input)

				Expect(ok).To(BeFalse())
				Expect(after).To(Equal(before))
			},
			Entry("empty", ""),
			Entry("spaces", "   "),
			Entry("tabs and newlines", "\t\n \r\n"),
		)

		It("ignores input while a bot response is pending", func() {
			pending, _ := conversation.Submit(conversation.New(), "first")

			after, ok := conversation.Submit(pending, "second")

			Expect(ok).To(BeFalse())
			Expect(after).To(Equal(pending))
		})

		It("does not modify the state it was given", func() {
			before := conversation.New()
			_, _ = conversation.Submit(before, "Hi")

			Expect(before.Turns).To(BeEmpty())
			Expect(before.Stage).To(Equal(conversation.StageAwaitingUserInput))
		})
	})

	Describe("Respond", func() {
		It("refuses to run while user input is awaited", func() {
			s := conversation.New()

			after, err := conversation.Respond(ctx, s, reply("x"))

			Expect(err).To(MatchError(conversation.ErrNotAwaitingBot))
			Expect(after).To(Equal(s))
		})

		It("sends the last user turn's content", func() {
			var sent string
			sender := flow.SenderFunc(func(ctx context.Context, message string) (string, error) {
				sent = message
				return "ok", nil
			})
			s, _ := conversation.Submit(conversation.New(), "what's up?")

			_, err := conversation.Respond(ctx, s, sender)

			Expect(err).NotTo(HaveOccurred())
			Expect(sent).To(Equal("what's up?"))
		})

		It("appends exactly a user turn then a bot turn per exchange", func() {
			s := conversation.New()
			for _, m := range []string{"one", "two", "three"} {
				before := len(s.Turns)
				s, _ = conversation.Submit(s, m)
				var err error
				s, err = conversation.Respond(ctx, s, reply("re: "+m))
				Expect(err).NotTo(HaveOccurred())

				Expect(s.Turns).To(HaveLen(before + 2))
				Expect(s.Turns[before]).To(Equal(conversation.Turn{Role: conversation.RoleUser, Content: m}))
				Expect(s.Turns[before+1]).To(Equal(conversation.Turn{Role: conversation.RoleBot, Content: "re: " + m}))
				Expect(s.Stage).To(Equal(conversation.StageAwaitingUserInput))
				Expect(s.Validate()).To(Succeed())
			}
		})

		It("is deterministic for a deterministic sender", func() {
			s, _ := conversation.Submit(conversation.New(), "same")

			first, err := conversation.Respond(ctx, s, reply("fixed"))
			Expect(err).NotTo(HaveOccurred())
			second, err := conversation.Respond(ctx, s, reply("fixed"))
			Expect(err).NotTo(HaveOccurred())

			Expect(first).To(Equal(second))
		})

		It("turns an HTTP 500 into a visible bot message and stays usable", func() {
			server := flowServer(http.StatusInternalServerError, "down")
			defer server.Close()
			client := flowClient(server)

			s, _ := conversation.Submit(conversation.New(), "Hi")
			s, err := conversation.Respond(ctx, s, client)
			Expect(err).NotTo(HaveOccurred())

			last, _ := s.LastTurn()
			Expect(last.Role).To(Equal(conversation.RoleBot))
			Expect(last.Content).To(HavePrefix("Error connecting to the flow API: "))
			Expect(last.Content).To(ContainSubstring("500"))
			Expect(s.Stage).To(Equal(conversation.StageAwaitingUserInput))

			s, ok := conversation.Submit(s, "again")
			Expect(ok).To(BeTrue())
			Expect(s.Stage).To(Equal(conversation.StageAwaitingBotResponse))
		})

		It("uses the reply text verbatim", func() {
			server := flowServer(http.StatusOK, `{"outputs":[{"outputs":[{"results":{"message":{"text":"hello"}}}]}]}`)
			defer server.Close()

			s, _ := conversation.Submit(conversation.New(), "Hi")
			s, err := conversation.Respond(ctx, s, flowClient(server))
			Expect(err).NotTo(HaveOccurred())

			last, _ := s.LastTurn()
			Expect(last.Content).To(Equal("hello"))
		})

		It("uses the fixed shape message for a malformed envelope", func() {
			server := flowServer(http.StatusOK, `{"outputs":[]}`)
			defer server.Close()

			s, _ := conversation.Submit(conversation.New(), "Hi")
			s, err := conversation.Respond(ctx, s, flowClient(server))
			Expect(err).NotTo(HaveOccurred())

			last, _ := s.LastTurn()
			Expect(last.Content).To(Equal(flow.ShapeErrorMessage))
			Expect(s.Stage).To(Equal(conversation.StageAwaitingUserInput))
		})

		It("reports a reply that is not JSON as a connection failure with its cause", func() {
			server := flowServer(http.StatusOK, `<html>gateway page</html>`)
			defer server.Close()

			s, _ := conversation.Submit(conversation.New(), "Hi")
			s, err := conversation.Respond(ctx, s, flowClient(server))
			Expect(err).NotTo(HaveOccurred())

			last, _ := s.LastTurn()
			Expect(last.Role).To(Equal(conversation.RoleBot))
			Expect(last.Content).To(HavePrefix("Error connecting to the flow API: decode response: "))
			Expect(s.Stage).To(Equal(conversation.StageAwaitingUserInput))
		})
	})

	It("runs a full exchange end to end", func() {
		s, ok := conversation.Submit(conversation.New(), "Hi")
		Expect(ok).To(BeTrue())
		Expect(s.Turns).To(Equal([]conversation.Turn{{Role: conversation.RoleUser, Content: "Hi"}}))
		Expect(s.Stage).To(Equal(conversation.StageAwaitingBotResponse))

		s, err := conversation.Respond(ctx, s, reply("Hello!"))
		Expect(err).NotTo(HaveOccurred())
		Expect(s.Turns).To(Equal([]conversation.Turn{
			{Role: conversation.RoleUser, Content: "Hi"},
			{Role: conversation.RoleBot, Content: "Hello!"},
		}))
		Expect(s.Stage).To(Equal(conversation.StageAwaitingUserInput))
	})

	Describe("Validate", func() {
		It("rejects a pending bot response without a user turn", func() {
			s := conversation.State{Stage: conversation.StageAwaitingBotResponse}
			Expect(s.Validate()).To(MatchError(conversation.ErrInvalidState))
		})

		It("rejects awaiting input right after a user turn", func() {
			s := conversation.State{
				Turns: []conversation.Turn{{Role: conversation.RoleUser, Content: "x"}},
				Stage: conversation.StageAwaitingUserInput,
			}
			Expect(s.Validate()).To(MatchError(conversation.ErrInvalidState))
		})

		It("rejects unknown stages", func() {
			s := conversation.State{Stage: "thinking"}
			Expect(s.Validate()).To(MatchError(conversation.ErrInvalidState))
		})
	})
})
