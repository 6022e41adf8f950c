package journal

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/events"
	"github.com/solana-turbin3/Q1-26-Accel-Meowy/core/types"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = j.Close() })
	return j
}

func TestJournalAppendAndFilter(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	j.Emit(events.Payload{Evt: &types.Event{Type: "escrow.opened", Timestamp: 10, Attributes: map[string]string{"record": "r1", "nonce": "1"}}})
	j.Emit(events.Payload{Evt: &types.Event{Type: "escrow.opened", Timestamp: 11, Attributes: map[string]string{"record": "r2"}}})
	seq, err := j.Append(ctx, &types.Event{Type: "escrow.cancelled", Timestamp: 12, Attributes: map[string]string{"record": "r1"}})
	require.NoError(t, err)
	require.Equal(t, int64(3), seq)

	all, err := j.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	require.Equal(t, "1", all[0].Attributes["nonce"])
	require.Equal(t, int64(10), all[0].Timestamp)

	byRecord, err := j.List(ctx, Query{Record: "r1"})
	require.NoError(t, err)
	require.Len(t, byRecord, 2)
	require.Equal(t, "escrow.cancelled", byRecord[1].Type)

	byType, err := j.List(ctx, Query{Type: "escrow.opened", After: 1})
	require.NoError(t, err)
	require.Len(t, byType, 1)
	require.Equal(t, "r2", byType[0].Record)

	limited, err := j.List(ctx, Query{Limit: 1})
	require.NoError(t, err)
	require.Len(t, limited, 1)
}

func TestJournalIgnoresEmptyEvents(t *testing.T) {
	j := openTestJournal(t)
	j.Emit(nil)
	j.Emit(events.Payload{})
	entries, err := j.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open(" ", nil)
	require.Error(t, err)
}
