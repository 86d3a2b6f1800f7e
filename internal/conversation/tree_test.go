package conversation

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"pgregory.net/rapid"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestTree() (*Tree, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	return NewTree(zap.NewNop(), WithClock(clock.now)), clock
}

func TestCreateBuildsChainAndLinksParent(t *testing.T) {
	tree, _ := newTestTree()

	root, err := tree.Create("coordinator", "")
	require.NoError(t, err)
	child, err := tree.Create("planner", root)
	require.NoError(t, err)
	grandchild, err := tree.Create("coder", child)
	require.NoError(t, err)

	c, ok := tree.Get(grandchild)
	require.True(t, ok)
	assert.Equal(t, []string{"coordinator", "planner"}, c.DelegationChain)
	assert.Equal(t, child, c.ParentID)
	assert.Equal(t, StatusActive, c.Status)

	assert.Equal(t, []string{child}, tree.ChildrenOf(root))
	assert.Equal(t, []string{grandchild}, tree.ChildrenOf(child))
	assert.Equal(t, []string{child, grandchild}, tree.Descendants(root))
}

func TestCreateRejectsUnknownParentAndRepeatedAgent(t *testing.T) {
	tree, _ := newTestTree()

	_, err := tree.Create("coder", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	root, _ := tree.Create("coordinator", "")
	child, _ := tree.Create("planner", root)
	_, err = tree.Create("coordinator", child)
	assert.ErrorIs(t, err, ErrCircularChain)
	assert.Equal(t, 2, tree.Len())
}

func TestGetReturnsCopy(t *testing.T) {
	tree, _ := newTestTree()
	root, _ := tree.Create("coordinator", "")
	_, _ = tree.Create("planner", root)

	c, _ := tree.Get(root)
	c.ChildIDs[0] = "tampered"
	c.Status = StatusFailed

	again, _ := tree.Get(root)
	assert.NotEqual(t, "tampered", again.ChildIDs[0])
	assert.Equal(t, StatusActive, again.Status)
}

func TestTerminateDetachesIdempotently(t *testing.T) {
	tree, _ := newTestTree()
	root, _ := tree.Create("coordinator", "")
	child, _ := tree.Create("reviewer", root)

	require.NoError(t, tree.Terminate(child))
	require.NoError(t, tree.Terminate(child))

	c, _ := tree.Get(child)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Empty(t, c.ParentID)
	assert.Empty(t, tree.ChildrenOf(root))

	assert.ErrorIs(t, tree.Terminate("missing"), ErrNotFound)
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	tree, _ := newTestTree()
	id, _ := tree.Create("coordinator", "")

	require.NoError(t, tree.MarkFailed(id, errors.New("boom")))
	assert.ErrorIs(t, tree.MarkCancelled(id), ErrTerminal)
	assert.ErrorIs(t, tree.MarkFailed(id, nil), ErrTerminal)

	require.NoError(t, tree.Terminate(id))
	c, _ := tree.Get(id)
	assert.Equal(t, StatusFailed, c.Status)
	assert.Equal(t, "boom", c.FailureCause)
}

func TestMarkUpdatesActivity(t *testing.T) {
	tree, clock := newTestTree()
	id, _ := tree.Create("coordinator", "")
	clock.advance(time.Minute)

	require.NoError(t, tree.MarkCancelled(id))
	c, _ := tree.Get(id)
	assert.Equal(t, StatusCancelled, c.Status)
	assert.Equal(t, clock.t, c.LastActivity)
}

func TestTerminateTreeProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tree, _ := newTestTree()
		root, _ := tree.Create("agent-0", "")
		ids := []string{root}

		n := rapid.IntRange(0, 30).Draw(rt, "descendants")
		for i := 1; i <= n; i++ {
			parent := ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "parent")]
			id, err := tree.Create(fmt.Sprintf("agent-%d", i), parent)
			if err != nil {
				rt.Fatalf("create: %v", err)
			}
			ids = append(ids, id)
		}

		if err := tree.TerminateTree(root); err != nil {
			rt.Fatalf("terminate tree: %v", err)
		}
		for _, id := range ids {
			c, ok := tree.Get(id)
			if !ok {
				rt.Fatalf("conversation %s vanished", id)
			}
			if c.Status == StatusActive {
				rt.Fatalf("conversation %s still active", id)
			}
		}
	})
}

func TestCleanupOrphansRules(t *testing.T) {
	tree, clock := newTestTree()

	root, _ := tree.Create("coordinator", "")
	busy, _ := tree.Create("planner", root)
	done, _ := tree.Create("reviewer", root)
	failed, _ := tree.Create("coder", busy)
	lonely, _ := tree.Create("tester", "")

	require.NoError(t, tree.Terminate(done))
	require.NoError(t, tree.MarkFailed(failed, errors.New("crashed")))
	require.NoError(t, tree.Terminate(lonely))

	removed := tree.CleanupOrphans(clock.now(), time.Hour)
	assert.ElementsMatch(t, []string{done, failed, lonely}, removed)

	_, ok := tree.Get(root)
	assert.True(t, ok)
	b, ok := tree.Get(busy)
	require.True(t, ok)
	assert.Empty(t, b.ChildIDs)
}

func TestCleanupOrphansIdleFinishedWithChildren(t *testing.T) {
	tree, clock := newTestTree()
	root, _ := tree.Create("coordinator", "")
	mid, _ := tree.Create("planner", root)
	leaf, _ := tree.Create("coder", mid)

	// mid finishes but keeps its parent link and an active child
	tree.mu.Lock()
	tree.nodes[mid].Status = StatusCompleted
	tree.mu.Unlock()

	assert.Empty(t, tree.CleanupOrphans(clock.now(), time.Hour))

	clock.advance(2 * time.Hour)
	assert.Equal(t, []string{mid}, tree.CleanupOrphans(clock.now(), time.Hour))

	l, ok := tree.Get(leaf)
	require.True(t, ok)
	assert.Empty(t, l.ParentID)
	assert.Empty(t, tree.ChildrenOf(root))
}

func TestCleanupOrphansNeverRemovesActive(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tree, clock := newTestTree()
		var ids []string
		n := rapid.IntRange(1, 20).Draw(rt, "nodes")
		for i := 0; i < n; i++ {
			parent := ""
			if len(ids) > 0 && rapid.Bool().Draw(rt, "nested") {
				parent = ids[rapid.IntRange(0, len(ids)-1).Draw(rt, "parent")]
			}
			id, err := tree.Create(fmt.Sprintf("agent-%d", i), parent)
			if err != nil {
				rt.Fatalf("create: %v", err)
			}
			ids = append(ids, id)
		}
		for _, id := range ids {
			switch rapid.IntRange(0, 3).Draw(rt, "fate") {
			case 1:
				_ = tree.Terminate(id)
			case 2:
				_ = tree.MarkFailed(id, nil)
			case 3:
				_ = tree.MarkCancelled(id)
			}
		}

		active := map[string]bool{}
		for _, c := range tree.List() {
			if c.Status == StatusActive {
				active[c.ID] = true
			}
		}

		clock.advance(time.Duration(rapid.IntRange(0, 48).Draw(rt, "hours")) * time.Hour)
		for _, id := range tree.CleanupOrphans(clock.now(), time.Hour) {
			if active[id] {
				rt.Fatalf("removed active conversation %s", id)
			}
		}
		for id := range active {
			if _, ok := tree.Get(id); !ok {
				rt.Fatalf("active conversation %s missing", id)
			}
		}
	})
}
