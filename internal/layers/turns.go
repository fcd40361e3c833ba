package layers

import (
	"context"
	"time"

	"github.com/rcliao/layered-memory/internal/model"
)

type convKey struct {
	layer          model.Layer
	conversationID string
}

// convState is what one layer remembers about one conversation.
type convState struct {
	// seen is the newest turn timestamp the layer has recorded.
	seen time.Time
	// window holds the most recent turns, capped at RecentTurns.
	window []model.Turn
	// fresh counts turns recorded since the last profile rebuild.
	fresh int
}

// state returns the layer's state for a conversation, seeding seen from the
// newest chunk the layer already holds so a restarted process does not
// re-consume turns it stored before. Callers hold the layer mutex.
func (m *Manager) state(ctx context.Context, key convKey) (*convState, error) {
	m.mu.Lock()
	st, ok := m.convs[key]
	m.mu.Unlock()
	if ok {
		return st, nil
	}

	existing, err := m.store.ListLayer(ctx, key.layer)
	if err != nil {
		return nil, err
	}
	st = &convState{}
	for _, c := range existing {
		// The rational profile is shared across conversations.
		if key.layer != model.LayerRational && c.SourceID != key.conversationID {
			continue
		}
		if c.CreatedAt.After(st.seen) {
			st.seen = c.CreatedAt
		}
	}

	m.mu.Lock()
	m.convs[key] = st
	m.mu.Unlock()
	return st, nil
}

// newTurns returns the turns of a window the layer has not recorded yet.
// Turns without a timestamp cannot be matched and always count as new.
func (st *convState) newTurns(turns []model.Turn) []model.Turn {
	var out []model.Turn
	seen := st.seen
	for _, t := range turns {
		if t.At.IsZero() {
			out = append(out, t)
			continue
		}
		if t.At.After(seen) {
			out = append(out, t)
			seen = t.At
		}
	}
	return out
}

// record marks turns as consumed and appends them to the recent window.
func (st *convState) record(turns []model.Turn, keep int) {
	now := time.Now().UTC()
	for _, t := range turns {
		if t.At.After(st.seen) {
			st.seen = t.At
		}
		if t.At.IsZero() {
			t.At = now
		}
		st.window = append(st.window, t)
	}
	if keep > 0 && len(st.window) > keep {
		st.window = append([]model.Turn(nil), st.window[len(st.window)-keep:]...)
	}
	st.fresh += len(turns)
}

func (st *convState) snapshot() []model.Turn {
	return append([]model.Turn(nil), st.window...)
}

// forget drops the state of every conversation of layer.
func (m *Manager) forget(layer model.Layer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.convs {
		if k.layer == layer {
			delete(m.convs, k)
		}
	}
}

// mergeTurns appends the turns of next that pending does not already cover.
func mergeTurns(pending, next []model.Turn) []model.Turn {
	var newest time.Time
	for _, t := range pending {
		if t.At.After(newest) {
			newest = t.At
		}
	}
	out := append([]model.Turn(nil), pending...)
	for _, t := range next {
		if t.At.IsZero() || t.At.After(newest) {
			out = append(out, t)
			if t.At.After(newest) {
				newest = t.At
			}
		}
	}
	return out
}
