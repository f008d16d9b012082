package session_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/flow"
	"github.com/papercomputeco/flowchat/pkg/session"
	"github.com/papercomputeco/flowchat/pkg/session/memory"
)

type fakeRecorder struct {
	mu    sync.Mutex
	calls map[string][]conversation.Turn
	err   error
}

func (r *fakeRecorder) Record(ctx context.Context, sessionID string, turns []conversation.Turn) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = make(map[string][]conversation.Turn)
	}
	r.calls[sessionID] = turns
	return "head", r.err
}

var _ = Describe("Manager", func() {
	var (
		ctx     context.Context
		store   *memory.Store
		manager *session.Manager
		echo    flow.SenderFunc
	)

	BeforeEach(func() {
		ctx = context.Background()
		store = memory.NewStore()
		echo = func(ctx context.Context, message string) (string, error) {
			return "echo: " + message, nil
		}
		manager = session.NewManager(store, echo)
	})

	Describe("Get", func() {
		It("returns an empty conversation for unknown sessions without storing it", func() {
			state, err := manager.Get(ctx, "new")

			Expect(err).NotTo(HaveOccurred())
			Expect(state).To(Equal(conversation.New()))

			ids, _ := store.List(ctx)
			Expect(ids).To(BeEmpty())
		})
	})

	Describe("Send", func() {
		It("runs a full exchange and persists it", func() {
			state, err := manager.Send(ctx, "s1", "Hi")

			Expect(err).NotTo(HaveOccurred())
			Expect(state.Turns).To(Equal([]conversation.Turn{
				{Role: conversation.RoleUser, Content: "Hi"},
				{Role: conversation.RoleBot, Content: "echo: Hi"},
			}))
			Expect(state.Stage).To(Equal(conversation.StageAwaitingUserInput))

			stored, err := store.Load(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(stored).To(Equal(state))
		})

		It("ignores blank input", func() {
			_, err := manager.Send(ctx, "s1", "Hi")
			Expect(err).NotTo(HaveOccurred())
			before, _ := manager.Get(ctx, "s1")

			after, err := manager.Send(ctx, "s1", "   ")

			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(Equal(before))
		})

		It("keeps sessions isolated", func() {
			_, err := manager.Send(ctx, "alice", "from alice")
			Expect(err).NotTo(HaveOccurred())
			_, err = manager.Send(ctx, "bob", "from bob")
			Expect(err).NotTo(HaveOccurred())

			alice, _ := manager.Get(ctx, "alice")
			bob, _ := manager.Get(ctx, "bob")
			Expect(alice.Turns[0].Content).To(Equal("from alice"))
			Expect(bob.Turns[0].Content).To(Equal("from bob"))
			Expect(alice.Turns).To(HaveLen(2))
			Expect(bob.Turns).To(HaveLen(2))
		})

		It("turns flow failures into bot turns", func() {
			failing := flow.SenderFunc(func(ctx context.Context, message string) (string, error) {
				return "", &flow.Error{Kind: flow.KindTransport, Err: errors.New("503 Service Unavailable")}
			})
			manager = session.NewManager(store, failing)

			state, err := manager.Send(ctx, "s1", "Hi")

			Expect(err).NotTo(HaveOccurred())
			last, _ := state.LastTurn()
			Expect(last.Content).To(Equal("Error connecting to the flow API: 503 Service Unavailable"))
			Expect(state.Stage).To(Equal(conversation.StageAwaitingUserInput))
		})

		It("never runs two bot responses for one session at the same time", func() {
			var inFlight, maxInFlight int32
			slow := flow.SenderFunc(func(ctx context.Context, message string) (string, error) {
				n := atomic.AddInt32(&inFlight, 1)
				for {
					m := atomic.LoadInt32(&maxInFlight)
					if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				atomic.AddInt32(&inFlight, -1)
				return "ok", nil
			})
			manager = session.NewManager(store, slow)

			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()
					_, err := manager.Send(ctx, "shared", "hello")
					Expect(err).NotTo(HaveOccurred())
				}()
			}
			wg.Wait()

			Expect(atomic.LoadInt32(&maxInFlight)).To(Equal(int32(1)))
			state, _ := manager.Get(ctx, "shared")
			Expect(state.Turns).To(HaveLen(16))
			Expect(state.Validate()).To(Succeed())
		})

		It("resumes a session left awaiting a bot response", func() {
			pending, _ := conversation.Submit(conversation.New(), "interrupted")
			Expect(store.Save(ctx, "s1", pending)).To(Succeed())

			state, err := manager.Send(ctx, "s1", "next")

			Expect(err).NotTo(HaveOccurred())
			Expect(state.Turns).To(Equal([]conversation.Turn{
				{Role: conversation.RoleUser, Content: "interrupted"},
				{Role: conversation.RoleBot, Content: "echo: interrupted"},
				{Role: conversation.RoleUser, Content: "next"},
				{Role: conversation.RoleBot, Content: "echo: next"},
			}))
		})

		It("rejects stored states that break the turn invariant", func() {
			broken := conversation.State{
				Turns: []conversation.Turn{{Role: conversation.RoleUser, Content: "x"}},
				Stage: conversation.StageAwaitingUserInput,
			}
			Expect(store.Save(ctx, "s1", broken)).To(Succeed())

			_, err := manager.Send(ctx, "s1", "Hi")

			Expect(err).To(MatchError(conversation.ErrInvalidState))
		})

		It("records each completed exchange", func() {
			recorder := &fakeRecorder{}
			manager = session.NewManager(store, echo, session.WithRecorder(recorder))

			_, err := manager.Send(ctx, "s1", "Hi")

			Expect(err).NotTo(HaveOccurred())
			Expect(recorder.calls["s1"]).To(HaveLen(2))
		})

		It("does not fail the turn when recording fails", func() {
			recorder := &fakeRecorder{err: errors.New("disk full")}
			manager = session.NewManager(store, echo, session.WithRecorder(recorder))

			state, err := manager.Send(ctx, "s1", "Hi")

			Expect(err).NotTo(HaveOccurred())
			Expect(state.Turns).To(HaveLen(2))
		})
	})

	Describe("Subscribe", func() {
		It("notifies after each transition with a snapshot", func() {
			var stages []conversation.Stage
			var sizes []int
			unsubscribe := manager.Subscribe(func(sessionID string, snapshot conversation.State) {
				Expect(sessionID).To(Equal("s1"))
				stages = append(stages, snapshot.Stage)
				sizes = append(sizes, len(snapshot.Turns))
			})

			_, err := manager.Send(ctx, "s1", "Hi")
			Expect(err).NotTo(HaveOccurred())

			Expect(stages).To(Equal([]conversation.Stage{
				conversation.StageAwaitingBotResponse,
				conversation.StageAwaitingUserInput,
			}))
			Expect(sizes).To(Equal([]int{1, 2}))

			unsubscribe()
			_, err = manager.Send(ctx, "s1", "again")
			Expect(err).NotTo(HaveOccurred())
			Expect(stages).To(HaveLen(2))
		})

		It("is not notified for ignored input", func() {
			calls := 0
			manager.Subscribe(func(string, conversation.State) { calls++ })

			_, err := manager.Send(ctx, "s1", "")

			Expect(err).NotTo(HaveOccurred())
			Expect(calls).To(BeZero())
		})
	})

	Describe("Reset", func() {
		It("discards the conversation", func() {
			_, err := manager.Send(ctx, "s1", "Hi")
			Expect(err).NotTo(HaveOccurred())

			Expect(manager.Reset(ctx, "s1")).To(Succeed())

			state, err := manager.Get(ctx, "s1")
			Expect(err).NotTo(HaveOccurred())
			Expect(state.Turns).To(BeEmpty())
			ids, _ := manager.List(ctx)
			Expect(ids).NotTo(ContainElement("s1"))
		})
	})
})
