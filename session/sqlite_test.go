package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aupadhyay/smallbot/core"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)

	assistant := core.NewAssistantContent("claude-3-5-sonnet", []core.Part{
		core.TextPart{Text: "Let me check."},
		core.FunctionCallPart{FunctionCall: core.FunctionCall{ID: "fc1", Name: "search", Arguments: `{"q":"weather"}`}},
	})

	require.NoError(t, store.Append("s1", core.NewUserContent("what's the weather?")))
	require.NoError(t, store.Append("s1", assistant))
	require.NoError(t, store.Append("s1", core.NewToolContent(core.FunctionResponse{
		ID: "fc1", Name: "search", Response: "sunny",
	})))

	history, err := store.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 3)

	assert.Equal(t, core.RoleUser, history[0].Role)
	assert.Equal(t, "what's the weather?", history[0].Text())

	assert.Equal(t, "claude-3-5-sonnet", history[1].Model)
	calls := history[1].FunctionCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "fc1", calls[0].ID)
	assert.Equal(t, `{"q":"weather"}`, calls[0].Arguments)

	responses := history[2].FunctionResponses()
	require.Len(t, responses, 1)
	assert.Equal(t, "sunny", responses[0].Response)
}

func TestSQLiteStoreOrderPreserved(t *testing.T) {
	store := newTestSQLiteStore(t)

	texts := []string{"one", "two", "three", "four"}
	for _, txt := range texts {
		require.NoError(t, store.Append("s1", core.NewUserContent(txt)))
	}

	history, err := store.History("s1")
	require.NoError(t, err)
	require.Len(t, history, len(texts))
	for i, txt := range texts {
		assert.Equal(t, txt, history[i].Text())
	}
}

func TestSQLiteStoreResetAndGeneration(t *testing.T) {
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Append("s1", core.NewUserContent("hello")))

	gen0, err := store.Generation("s1")
	require.NoError(t, err)

	require.NoError(t, store.Reset("s1"))

	history, err := store.History("s1")
	require.NoError(t, err)
	assert.Empty(t, history)

	gen1, err := store.Generation("s1")
	require.NoError(t, err)
	assert.Equal(t, gen0+1, gen1)
}

func TestSQLiteStoreEvict(t *testing.T) {
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Append("s1", core.NewUserContent("hello")))
	require.NoError(t, store.Evict("s1"))

	history, err := store.History("s1")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestSQLiteStoreFilePartRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Append("s1", core.Content{
		Role: core.RoleUser,
		Parts: []core.Part{
			core.TextPart{Text: "look at this"},
			core.FilePart{Name: "cat.png", MimeType: "image/png", Data: []byte{0x89, 0x50, 0x4e, 0x47}},
		},
	}))

	history, err := store.History("s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Len(t, history[0].Parts, 2)

	file, ok := history[0].Parts[1].(core.FilePart)
	require.True(t, ok)
	assert.Equal(t, "image/png", file.MimeType)
	assert.Equal(t, []byte{0x89, 0x50, 0x4e, 0x47}, file.Data)
}
