package presence

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moodrooms/roomsync/internal/testutil"
	"github.com/moodrooms/roomsync/internal/transport"
	"github.com/moodrooms/roomsync/internal/types"
)

func statusPayload(t *testing.T, userId string, mood types.Mood) json.RawMessage {
	t.Helper()
	payload, err := json.Marshal(types.StatusPayload{UserId: userId, Mood: mood})
	assert.NoError(t, err, "expected payload to marshal")
	return payload
}

func newTestTracker(t *testing.T) (*Tracker, *transport.FakeChannel) {
	t.Helper()
	conn := transport.NewFakeConn("testuser")
	tr := NewTracker(testutil.TestLogger(t), "testuser")
	ch := conn.TestChannel("test-room")
	tr.Attach(ch)
	return tr, ch
}

func Test_syncReplacesMapping(t *testing.T) {
	tr, ch := newTestTracker(t)

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
		"frank":    statusPayload(t, "frank", types.MoodHype),
	})

	assert.Equalf(t, 2, tr.Count(), "expected 2 members, got %d", tr.Count())
	assert.True(t, tr.IsPresent("frank"), "expected frank to be present")
	mood, ok := tr.StatusOf("frank")
	assert.True(t, ok, "expected a status for frank")
	assert.Equal(t, types.MoodHype, mood, "expected frank to be hype")
	assert.ElementsMatch(t, []string{"testuser"}, tr.UsersByStatus(types.MoodChill), "expected only testuser to be chill")

	// a later sync is authoritative, not additive
	ch.EmitSync(map[string]json.RawMessage{
		"frank": statusPayload(t, "frank", types.MoodSleepy),
	})
	assert.Equalf(t, 1, tr.Count(), "expected 1 member after resync, got %d", tr.Count())
	assert.False(t, tr.IsPresent("testuser"), "expected testuser to be gone after resync")
}

func Test_joinRebuildsFromSnapshot(t *testing.T) {
	tr, ch := newTestTracker(t)

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
	})
	ch.EmitJoin("frank", statusPayload(t, "frank", types.MoodFocused))

	assert.Equalf(t, 2, tr.Count(), "expected 2 members after join, got %d", tr.Count())
	mood, ok := tr.StatusOf("frank")
	assert.True(t, ok, "expected a status for frank")
	assert.Equal(t, types.MoodFocused, mood, "expected frank to be focused")
}

func Test_leaveRebuildsFromSnapshot(t *testing.T) {
	tr, ch := newTestTracker(t)

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
		"frank":    statusPayload(t, "frank", types.MoodHype),
	})
	ch.EmitLeave("frank")

	assert.Equalf(t, 1, tr.Count(), "expected 1 member after leave, got %d", tr.Count())
	assert.False(t, tr.IsPresent("frank"), "expected frank to be absent")
}

func Test_malformedPayloadTreatedAsAbsent(t *testing.T) {
	tr, ch := newTestTracker(t)

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
		"frank":    json.RawMessage(`{not json`),
	})

	assert.Equalf(t, 1, tr.Count(), "expected only the valid entry, got %d", tr.Count())
	assert.False(t, tr.IsPresent("frank"), "expected malformed entry to be absent")
	assert.True(t, tr.IsPresent("testuser"), "expected valid entry to survive")
}

func Test_UpdateMood(t *testing.T) {
	t.Run("re-tracks with the new status", func(t *testing.T) {
		tr, ch := newTestTracker(t)

		err := tr.UpdateMood(context.Background(), types.MoodHype)
		assert.NoError(t, err, "expected update to succeed")
		assert.Lenf(t, ch.Tracked(), 1, "expected 1 track call, got %d", len(ch.Tracked()))

		mood, ok := tr.StatusOf("testuser")
		assert.True(t, ok, "expected local user to be present")
		assert.Equal(t, types.MoodHype, mood, "expected local status to update")

		err = tr.UpdateMood(context.Background(), types.MoodSleepy)
		assert.NoError(t, err, "expected second update to succeed")
		mood, _ = tr.StatusOf("testuser")
		assert.Equal(t, types.MoodSleepy, mood, "expected replacement, not a leave/join cycle")
		assert.Equalf(t, 1, tr.Count(), "expected a single entry for the local user, got %d", tr.Count())
	})

	t.Run("fails when not tracking", func(t *testing.T) {
		tr := NewTracker(testutil.TestLogger(t), "testuser")
		err := tr.UpdateMood(context.Background(), types.MoodHype)
		assert.ErrorIs(t, err, ErrNotTracking, "expected not-tracking error")
	})
}

func Test_Detach(t *testing.T) {
	tr, ch := newTestTracker(t)

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
	})
	assert.Equal(t, 1, tr.Count(), "expected 1 member before detach")

	tr.Detach()
	assert.Equal(t, 0, tr.Count(), "expected mapping to clear on detach")

	// notifications from the detached channel must not repopulate
	ch.EmitSync(map[string]json.RawMessage{
		"frank": statusPayload(t, "frank", types.MoodHype),
	})
	assert.Equal(t, 0, tr.Count(), "expected stale channel notifications to be ignored")
}

func Test_reattachSupersedesOldChannel(t *testing.T) {
	conn := transport.NewFakeConn("testuser")
	tr := NewTracker(testutil.TestLogger(t), "testuser")

	oldCh := conn.TestChannel("room-a")
	tr.Attach(oldCh)
	tr.Detach()
	newCh := conn.TestChannel("room-b")
	tr.Attach(newCh)

	oldCh.EmitSync(map[string]json.RawMessage{
		"frank": statusPayload(t, "frank", types.MoodHype),
	})
	assert.Equal(t, 0, tr.Count(), "expected superseded channel sync to be ignored")

	newCh.EmitSync(map[string]json.RawMessage{
		"grace": statusPayload(t, "grace", types.MoodFocused),
	})
	assert.Equal(t, 1, tr.Count(), "expected current channel sync to apply")
	assert.True(t, tr.IsPresent("grace"), "expected grace to be present")
}

func Test_reattachAfterUnsubscribeDeliversOnce(t *testing.T) {
	conn := transport.NewFakeConn("testuser")
	tr := NewTracker(testutil.TestLogger(t), "testuser")
	ch := conn.TestChannel("test-room")

	// one full leave/rejoin cycle on the same channel handle
	tr.Attach(ch)
	tr.Detach()
	err := ch.Unsubscribe(context.Background())
	assert.NoError(t, err, "expected unsubscribe to succeed")
	tr.Attach(ch)

	var notifications int
	tr.OnChange(func([]types.PresenceEntry) { notifications++ })

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
	})
	assert.Equal(t, 1, notifications, "expected one notification per sync on a rejoined channel")
	assert.Equal(t, 1, tr.Count(), "expected 1 member")
}

func Test_OnChange(t *testing.T) {
	tr, ch := newTestTracker(t)

	var order []string
	tr.OnChange(func(entries []types.PresenceEntry) {
		order = append(order, "first")
		assert.Lenf(t, entries, 1, "expected snapshot of 1 entry, got %d", len(entries))
	})
	tr.OnChange(func(entries []types.PresenceEntry) {
		order = append(order, "second")
	})

	ch.EmitSync(map[string]json.RawMessage{
		"testuser": statusPayload(t, "testuser", types.MoodChill),
	})
	assert.Equal(t, []string{"first", "second"}, order, "expected listeners to run in registration order")
}
