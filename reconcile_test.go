package chatkit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pendingMsg(tempID, content string) Message {
	return Message{TempID: tempID, ConversationID: "c1", SenderID: "me", Content: content, Status: StatusSending}
}

func TestReconcileSequence(t *testing.T) {
	t.Run("replaces in place and forces sent", func(t *testing.T) {
		seq := []Message{
			{ID: "m1", ConversationID: "c1", SenderID: "peer", Status: StatusRead},
			pendingMsg("t1", "hi"),
			pendingMsg("t2", "hi"),
		}
		out, idx, ok := reconcileSequence(seq, Message{ID: "m2", TempID: "t1", Content: "hi", Status: StatusDelivered})
		require.True(t, ok)
		assert.Equal(t, 1, idx)
		require.Len(t, out, 3)
		assert.Equal(t, "m2", out[1].ID)
		assert.Empty(t, out[1].TempID)
		assert.Equal(t, StatusSent, out[1].Status)
		assert.Equal(t, "c1", out[1].ConversationID, "conversation is filled from the placeholder")
		assert.Equal(t, "me", out[1].SenderID)
		assert.Equal(t, "t2", out[2].TempID, "identical content does not confuse matching")
		assert.True(t, seq[1].Pending(), "input slice is not mutated")
	})

	t.Run("keeps server timestamp", func(t *testing.T) {
		local := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
		server := local.Add(2 * time.Second)
		p := pendingMsg("t1", "x")
		p.CreatedAt = local
		out, _, ok := reconcileSequence([]Message{p}, Message{ID: "m1", TempID: "t1", CreatedAt: server})
		require.True(t, ok)
		assert.Equal(t, server, out[0].CreatedAt)

		out, _, _ = reconcileSequence([]Message{p}, Message{ID: "m1", TempID: "t1"})
		assert.Equal(t, local, out[0].CreatedAt)
	})

	t.Run("unknown temp id is a no-op", func(t *testing.T) {
		seq := []Message{pendingMsg("t1", "a")}
		out, idx, ok := reconcileSequence(seq, Message{ID: "m1", TempID: "nope"})
		assert.False(t, ok)
		assert.Equal(t, -1, idx)
		assert.Equal(t, seq, out)
	})

	t.Run("missing permanent id is a no-op", func(t *testing.T) {
		seq := []Message{pendingMsg("t1", "a")}
		_, _, ok := reconcileSequence(seq, Message{TempID: "t1"})
		assert.False(t, ok)
	})

	t.Run("confirmed records are never matched by temp id", func(t *testing.T) {
		seq := []Message{{ID: "m1", TempID: "t1", Status: StatusSent}}
		_, _, ok := reconcileSequence(seq, Message{ID: "m9", TempID: "t1"})
		assert.False(t, ok)
	})

	t.Run("drops an earlier copy of the same permanent id", func(t *testing.T) {
		seq := []Message{
			{ID: "m1", ConversationID: "c1", SenderID: "peer"},
			{ID: "m2", ConversationID: "c1", SenderID: "me", Status: StatusSent},
			pendingMsg("t1", "echoed"),
		}
		out, idx, ok := reconcileSequence(seq, Message{ID: "m2", TempID: "t1"})
		require.True(t, ok)
		require.Len(t, out, 2)
		assert.Equal(t, 1, idx)
		assert.Equal(t, "m2", out[idx].ID)
	})
}

func TestMarkReadSequence(t *testing.T) {
	seq := []Message{
		{ID: "1", SenderID: "peer", Status: StatusSent},
		{ID: "2", SenderID: "me", Status: StatusSent},
		{ID: "3", SenderID: "peer", Status: StatusRead},
		{ID: "4", SenderID: "peer", Status: StatusDelivered},
	}
	assert.Equal(t, 2, markReadSequence(seq, "me"))
	assert.Equal(t, StatusRead, seq[0].Status)
	assert.Equal(t, StatusSent, seq[1].Status, "own messages untouched")
	assert.Equal(t, StatusRead, seq[3].Status)
	assert.Equal(t, 0, markReadSequence(seq, "me"), "idempotent")
}
