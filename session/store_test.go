package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aupadhyay/smallbot/core"
)

func TestInMemoryStoreAppendHistory(t *testing.T) {
	store := NewInMemoryStore()

	require.NoError(t, store.Append("s1", core.NewUserContent("hello")))
	require.NoError(t, store.Append("s1", core.NewAssistantContent("mock", []core.Part{core.TextPart{Text: "hi"}})))

	history, err := store.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, core.RoleAssistant, history[1].Role)

	// Other sessions are independent
	other, err := store.History("s2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestInMemoryStoreHistoryIsCopy(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Append("s1", core.NewUserContent("hello")))

	history, _ := store.History("s1")
	history[0] = core.NewUserContent("mutated")

	fresh, _ := store.History("s1")
	assert.Equal(t, "hello", fresh[0].Text())
}

func TestInMemoryStoreResetBumpsGeneration(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Append("s1", core.NewUserContent("hello")))

	gen0, err := store.Generation("s1")
	require.NoError(t, err)

	require.NoError(t, store.Reset("s1"))

	history, _ := store.History("s1")
	assert.Empty(t, history)

	gen1, err := store.Generation("s1")
	require.NoError(t, err)
	assert.Equal(t, gen0+1, gen1)
}

func TestInMemoryStoreIdleEviction(t *testing.T) {
	store := NewInMemoryStore()
	require.NoError(t, store.Append("old", core.NewUserContent("hello")))

	// Nothing is idle with a generous ttl
	ids, err := store.Idle(time.Hour)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// Everything is idle with a zero ttl once time has passed
	time.Sleep(5 * time.Millisecond)
	ids, err = store.Idle(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []string{"old"}, ids)

	require.NoError(t, store.Evict("old"))
	history, _ := store.History("old")
	assert.Empty(t, history)
}
