package transcript_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/flowchat/pkg/conversation"
	"github.com/papercomputeco/flowchat/pkg/transcript"
)

func storerBehaviour(newStorer func() transcript.Storer) {
	var (
		ctx    context.Context
		storer transcript.Storer
	)

	BeforeEach(func() {
		ctx = context.Background()
		storer = newStorer()
	})

	AfterEach(func() {
		Expect(storer.Close()).To(Succeed())
	})

	It("stores and retrieves a node", func() {
		parent := transcript.NewNode(user("Hi"), nil)
		child := transcript.NewNode(bot("Hello!"), parent)

		isNew, err := storer.Put(ctx, parent)
		Expect(err).NotTo(HaveOccurred())
		Expect(isNew).To(BeTrue())
		_, err = storer.Put(ctx, child)
		Expect(err).NotTo(HaveOccurred())

		got, err := storer.Get(ctx, child.Hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.Turn).To(Equal(bot("Hello!")))
		Expect(*got.ParentHash).To(Equal(parent.Hash))
	})

	It("returns ErrNotFound for unknown hashes", func() {
		_, err := storer.Get(ctx, "nonexistent")

		Expect(err).To(BeAssignableToTypeOf(transcript.ErrNotFound{}))
	})

	It("is idempotent for duplicate puts", func() {
		node := transcript.NewNode(user("Hi"), nil)

		_, err := storer.Put(ctx, node)
		Expect(err).NotTo(HaveOccurred())
		isNew, err := storer.Put(ctx, node)
		Expect(err).NotTo(HaveOccurred())
		Expect(isNew).To(BeFalse())

		nodes, err := storer.List(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(nodes).To(HaveLen(1))
	})

	It("rejects nil nodes", func() {
		_, err := storer.Put(ctx, nil)

		Expect(err).To(MatchError(ContainSubstring("nil node")))
	})

	It("reports existence", func() {
		node := transcript.NewNode(user("Hi"), nil)
		_, _ = storer.Put(ctx, node)

		Expect(storer.Has(ctx, node.Hash)).To(BeTrue())
		Expect(storer.Has(ctx, "nonexistent")).To(BeFalse())
	})

	It("tracks roots, leaves and branches", func() {
		root := transcript.NewNode(user("What is 2+2?"), nil)
		first := transcript.NewNode(bot("4"), root)
		second := transcript.NewNode(bot("Four."), root)
		other := transcript.NewNode(user("Unrelated"), nil)
		for _, n := range []*transcript.Node{root, first, second, other} {
			_, err := storer.Put(ctx, n)
			Expect(err).NotTo(HaveOccurred())
		}

		roots, err := storer.Roots(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(roots).To(HaveLen(2))

		children, err := storer.Children(ctx, &root.Hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(children).To(HaveLen(2))

		leaves, err := storer.Leaves(ctx)
		Expect(err).NotTo(HaveOccurred())
		hashes := []string{}
		for _, l := range leaves {
			hashes = append(hashes, l.Hash)
		}
		Expect(hashes).To(ConsistOf(first.Hash, second.Hash, other.Hash))
	})

	It("walks ancestry from a node back to its root", func() {
		a := transcript.NewNode(user("one"), nil)
		b := transcript.NewNode(bot("two"), a)
		c := transcript.NewNode(user("three"), b)
		for _, n := range []*transcript.Node{a, b, c} {
			_, _ = storer.Put(ctx, n)
		}

		ancestry, err := storer.Ancestry(ctx, c.Hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(ancestry).To(HaveLen(3))
		Expect(ancestry[0].Hash).To(Equal(c.Hash))
		Expect(ancestry[2].Hash).To(Equal(a.Hash))

		history, err := transcript.History(ctx, storer, c.Hash)
		Expect(err).NotTo(HaveOccurred())
		Expect(history[0].Turn.Content).To(Equal("one"))
		Expect(history[2].Turn.Content).To(Equal("three"))
	})

	It("fails ancestry for unknown hashes", func() {
		_, err := storer.Ancestry(ctx, "nonexistent")

		Expect(err).To(BeAssignableToTypeOf(transcript.ErrNotFound{}))
	})
}

var _ = Describe("MemoryStorer", func() {
	storerBehaviour(func() transcript.Storer { return transcript.NewMemoryStorer() })
})

var _ = Describe("SQLiteStorer", func() {
	storerBehaviour(func() transcript.Storer {
		s, err := transcript.NewSQLiteStorer(":memory:")
		Expect(err).NotTo(HaveOccurred())
		return s
	})

	It("creates the database file", func() {
		dbPath := filepath.Join(GinkgoT().TempDir(), "transcripts.db")

		s, err := transcript.NewSQLiteStorer(dbPath)
		Expect(err).NotTo(HaveOccurred())
		defer s.Close()

		_, err = os.Stat(dbPath)
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("ParentFirst", func() {
	It("puts every parent before its children", func() {
		root := transcript.NewNode(conversation.Turn{Role: conversation.RoleUser, Content: "Hi"}, nil)
		reply := transcript.NewNode(conversation.Turn{Role: conversation.RoleBot, Content: "Hello!"}, root)
		next := transcript.NewNode(conversation.Turn{Role: conversation.RoleUser, Content: "Hours?"}, reply)
		branch := transcript.NewNode(conversation.Turn{Role: conversation.RoleBot, Content: "Hey!"}, root)
		other := transcript.NewNode(conversation.Turn{Role: conversation.RoleUser, Content: "Bye"}, nil)

		ordered := transcript.ParentFirst([]*transcript.Node{next, branch, reply, other, root})

		Expect(ordered).To(HaveLen(5))
		position := make(map[string]int)
		for i, n := range ordered {
			position[n.Hash] = i
		}
		for _, n := range ordered {
			if n.ParentHash != nil {
				Expect(position[*n.ParentHash]).To(BeNumerically("<", position[n.Hash]))
			}
		}
	})

	It("keeps nodes whose parent is missing", func() {
		root := transcript.NewNode(conversation.Turn{Role: conversation.RoleUser, Content: "Hi"}, nil)
		orphan := transcript.NewNode(conversation.Turn{Role: conversation.RoleBot, Content: "Hello!"}, root)

		Expect(transcript.ParentFirst([]*transcript.Node{orphan})).To(Equal([]*transcript.Node{orphan}))
	})

	It("does not modify its input", func() {
		root := transcript.NewNode(conversation.Turn{Role: conversation.RoleUser, Content: "Hi"}, nil)
		reply := transcript.NewNode(conversation.Turn{Role: conversation.RoleBot, Content: "Hello!"}, root)
		input := []*transcript.Node{reply, root}

		transcript.ParentFirst(input)

		Expect(input).To(Equal([]*transcript.Node{reply, root}))
	})
})
