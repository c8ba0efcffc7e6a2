package store_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modkit/eventbus/pkg/eventbus/event"
	"github.com/modkit/eventbus/pkg/eventbus/store"
)

type storeFactory func(t *testing.T) store.Store

// TestStoreContract runs the shared Store behavior against both
// implementations.
func TestStoreContract(t *testing.T) {
	factories := map[string]storeFactory{
		"memory": func(t *testing.T) store.Store {
			return store.NewMemoryStore()
		},
		"sqlite": func(t *testing.T) store.Store {
			s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "events.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}

	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			t.Run("AppendAssignsFields", testAppendAssignsFields(factory))
			t.Run("AppendDenseSequences", testAppendDenseSequences(factory))
			t.Run("AppendConcurrent", testAppendConcurrent(factory))
			t.Run("CorrelationDefaultsToEventID", testCorrelationDefault(factory))
			t.Run("CausationCycleRejected", testCausationCycle(factory))
			t.Run("CausationUnknownParentAccepted", testCausationUnknownParent(factory))
			t.Run("GetNotFound", testGetNotFound(factory))
			t.Run("GetRoundTrip", testGetRoundTrip(factory))
			t.Run("QueryFilters", testQueryFilters(factory))
			t.Run("QueryTimeRange", testQueryTimeRange(factory))
			t.Run("QueryPagination", testQueryPagination(factory))
			t.Run("QueryOrdering", testQueryOrdering(factory))
			t.Run("Stats", testStats(factory))
			t.Run("Purge", testPurge(factory))
			t.Run("ClosedStoreRejectsAppend", testClosedAppend(factory))
		})
	}
}

func mustAppend(t *testing.T, s store.Store, c event.Candidate) event.Event {
	t.Helper()
	evt, err := s.Append(context.Background(), c)
	require.NoError(t, err)
	return evt
}

func candidate(eventType string) event.Candidate {
	return event.New(eventType, "test-module", json.RawMessage(`{"n":1}`))
}

func testAppendAssignsFields(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		evt := mustAppend(t, s, candidate("user.created"))

		assert.NotEmpty(t, evt.EventID)
		assert.Equal(t, int64(1), evt.Sequence)
		assert.Equal(t, "user.created", evt.Type)
		assert.Equal(t, event.PriorityNormal, evt.Priority)
		assert.False(t, evt.Timestamp.IsZero())
		assert.Equal(t, int64(1), s.LastSequence())
	}
}

func testAppendDenseSequences(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		for i := 1; i <= 5; i++ {
			evt := mustAppend(t, s, candidate("order.placed"))
			assert.Equal(t, int64(i), evt.Sequence)
		}

		// A rejected append must not consume a sequence.
		first := mustAppend(t, s, candidate("order.placed"))
		_, err := s.Append(context.Background(),
			event.New("order.placed", "test-module", json.RawMessage(`{}`),
				event.WithEventID(first.EventID),
				event.WithCausationID(first.EventID)))
		require.Error(t, err)

		next := mustAppend(t, s, candidate("order.placed"))
		assert.Equal(t, first.Sequence+1, next.Sequence)
	}
}

func testAppendConcurrent(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		const n = 50
		var wg sync.WaitGroup
		seqs := make(chan int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				evt, err := s.Append(context.Background(), candidate("burst.event"))
				if err == nil {
					seqs <- evt.Sequence
				}
			}()
		}
		wg.Wait()
		close(seqs)

		seen := make(map[int64]bool)
		for seq := range seqs {
			assert.False(t, seen[seq], "duplicate sequence %d", seq)
			seen[seq] = true
		}
		require.Len(t, seen, n)
		for i := int64(1); i <= n; i++ {
			assert.True(t, seen[i], "missing sequence %d", i)
		}
	}
}

func testCorrelationDefault(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		evt := mustAppend(t, s, candidate("user.created"))
		assert.Equal(t, evt.EventID, evt.CorrelationID)

		child := mustAppend(t, s, event.New("user.welcomed", "notifier", json.RawMessage(`{}`),
			event.WithCorrelationID(evt.CorrelationID),
			event.WithCausationID(evt.EventID)))
		assert.Equal(t, evt.EventID, child.CorrelationID)
		assert.Equal(t, evt.EventID, child.CausationID)
	}
}

func testCausationCycle(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		// Direct self-reference.
		_, err := s.Append(context.Background(),
			event.New("loop.event", "test-module", json.RawMessage(`{}`),
				event.WithEventID("evt-self"),
				event.WithCausationID("evt-self")))
		var cycleErr *event.CausationCycleError
		require.ErrorAs(t, err, &cycleErr)
		assert.Equal(t, "evt-self", cycleErr.EventID)

		// Indirect: a -> b, then c claims id "a" caused by b.
		a := mustAppend(t, s, event.New("chain.a", "test-module", json.RawMessage(`{}`),
			event.WithEventID("evt-a")))
		b := mustAppend(t, s, event.New("chain.b", "test-module", json.RawMessage(`{}`),
			event.WithEventID("evt-b"),
			event.WithCausationID(a.EventID)))

		_, err = s.Append(context.Background(),
			event.New("chain.c", "test-module", json.RawMessage(`{}`),
				event.WithEventID("evt-a"),
				event.WithCausationID(b.EventID)))
		require.ErrorAs(t, err, &cycleErr)
	}
}

func testCausationUnknownParent(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		// A causation id pointing at an unknown event is accepted; the
		// chain simply ends there.
		evt, err := s.Append(context.Background(),
			event.New("orphan.event", "test-module", json.RawMessage(`{}`),
				event.WithCausationID("evt-elsewhere")))
		require.NoError(t, err)
		assert.Equal(t, "evt-elsewhere", evt.CausationID)
	}
}

func testGetNotFound(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		_, err := s.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, event.ErrNotFound)
	}
}

func testGetRoundTrip(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		appended := mustAppend(t, s, event.New("user.created", "user-mgmt",
			json.RawMessage(`{"id":42,"name":"ada"}`),
			event.WithPriority(event.PriorityHigh),
			event.WithCausationID("evt-cause")))

		got, err := s.Get(context.Background(), appended.EventID)
		require.NoError(t, err)

		// Compare the wire forms; time.Time representations may differ
		// internally after a storage round trip.
		wantJSON, err := json.Marshal(appended)
		require.NoError(t, err)
		gotJSON, err := json.Marshal(got)
		require.NoError(t, err)
		assert.JSONEq(t, string(wantJSON), string(gotJSON))
	}
}

func testQueryFilters(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		root := mustAppend(t, s, event.New("user.created", "user-mgmt", json.RawMessage(`{}`)))
		mustAppend(t, s, event.New("user.updated", "user-mgmt", json.RawMessage(`{}`),
			event.WithCorrelationID(root.CorrelationID)))
		mustAppend(t, s, event.New("order.placed", "billing", json.RawMessage(`{}`),
			event.WithPriority(event.PriorityCritical)))

		tests := []struct {
			name   string
			filter store.Filter
			want   int64
		}{
			{"all", store.Filter{}, 3},
			{"exact type", store.Filter{Type: "user.created"}, 1},
			{"type prefix", store.Filter{TypePrefix: "user."}, 2},
			{"type wins over prefix", store.Filter{Type: "order.placed", TypePrefix: "user."}, 1},
			{"source module", store.Filter{SourceModuleID: "billing"}, 1},
			{"priority", store.Filter{Priority: event.PriorityCritical}, 1},
			{"correlation", store.Filter{CorrelationID: root.CorrelationID}, 2},
			{"combined", store.Filter{TypePrefix: "user.", SourceModuleID: "user-mgmt"}, 2},
			{"no match", store.Filter{Type: "nothing.here"}, 0},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, total, err := s.Query(ctx, tt.filter, store.Page{}, store.OrderTimestampDesc)
				require.NoError(t, err)
				assert.Equal(t, tt.want, total)
			})
		}
	}
}

func testQueryTimeRange(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		var evts []event.Event
		for i := 0; i < 4; i++ {
			evts = append(evts, mustAppend(t, s, candidate("timed.event")))
			// Timestamps are server-assigned; space them out so each
			// event gets a distinct one.
			time.Sleep(2 * time.Millisecond)
		}

		// Both bounds are inclusive.
		got, total, err := s.Query(ctx, store.Filter{
			Since: evts[1].Timestamp,
			Until: evts[2].Timestamp,
		}, store.Page{}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Equal(t, int64(2), total)
		require.Len(t, got, 2)
		assert.Equal(t, evts[1].Sequence, got[0].Sequence)
		assert.Equal(t, evts[2].Sequence, got[1].Sequence)

		// A degenerate range selects exactly the boundary event.
		_, total, err = s.Query(ctx, store.Filter{
			Since: evts[3].Timestamp,
			Until: evts[3].Timestamp,
		}, store.Page{}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Equal(t, int64(1), total)

		// A range ending before the first event matches nothing.
		_, total, err = s.Query(ctx, store.Filter{
			Until: evts[0].Timestamp.Add(-time.Millisecond),
		}, store.Page{}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Equal(t, int64(0), total)
	}
}

func testQueryPagination(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		for i := 0; i < 10; i++ {
			mustAppend(t, s, candidate(fmt.Sprintf("page.event%d", i)))
		}

		page1, total, err := s.Query(ctx, store.Filter{}, store.Page{Limit: 4}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
		require.Len(t, page1, 4)

		page2, total, err := s.Query(ctx, store.Filter{}, store.Page{Offset: 4, Limit: 4}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
		require.Len(t, page2, 4)
		assert.Equal(t, page1[3].Sequence+1, page2[0].Sequence)

		last, _, err := s.Query(ctx, store.Filter{}, store.Page{Offset: 8, Limit: 4}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Len(t, last, 2)

		beyond, total, err := s.Query(ctx, store.Filter{}, store.Page{Offset: 50, Limit: 4}, store.OrderSequenceAsc)
		require.NoError(t, err)
		assert.Equal(t, int64(10), total)
		assert.Empty(t, beyond)
	}
}

func testQueryOrdering(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		for i := 0; i < 5; i++ {
			mustAppend(t, s, candidate("ordered.event"))
		}

		asc, _, err := s.Query(ctx, store.Filter{}, store.Page{}, store.OrderSequenceAsc)
		require.NoError(t, err)
		for i := 1; i < len(asc); i++ {
			assert.Greater(t, asc[i].Sequence, asc[i-1].Sequence)
		}

		desc, _, err := s.Query(ctx, store.Filter{}, store.Page{}, store.OrderTimestampDesc)
		require.NoError(t, err)
		for i := 1; i < len(desc); i++ {
			// Same-timestamp events fall back to sequence, newest first.
			assert.False(t, desc[i].Timestamp.After(desc[i-1].Timestamp))
			if desc[i].Timestamp.Equal(desc[i-1].Timestamp) {
				assert.Less(t, desc[i].Sequence, desc[i-1].Sequence)
			}
		}
	}
}

func testStats(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)

		mustAppend(t, s, event.New("user.created", "user-mgmt", json.RawMessage(`{}`)))
		mustAppend(t, s, event.New("user.created", "user-mgmt", json.RawMessage(`{}`)))
		mustAppend(t, s, event.New("order.placed", "billing", json.RawMessage(`{}`),
			event.WithPriority(event.PriorityHigh)))

		stats, err := s.Stats(context.Background())
		require.NoError(t, err)

		assert.Equal(t, int64(3), stats.TotalEvents)
		assert.Equal(t, int64(3), stats.LastSequence)
		assert.Equal(t, int64(2), stats.ByType["user.created"])
		assert.Equal(t, int64(1), stats.ByType["order.placed"])
		assert.Equal(t, int64(2), stats.ByPriority[event.PriorityNormal])
		assert.Equal(t, int64(1), stats.ByPriority[event.PriorityHigh])
	}
}

func testPurge(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()

		old1 := mustAppend(t, s, candidate("old.keepable"))
		mustAppend(t, s, candidate("old.purgeable"))
		cutoff := time.Now().Add(time.Second)

		// Purge restricted to one type removes only that type.
		removed, err := s.Purge(ctx, cutoff, []string{"old.purgeable"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		_, err = s.Get(ctx, old1.EventID)
		assert.NoError(t, err)

		// Unrestricted purge removes the rest.
		removed, err = s.Purge(ctx, cutoff, nil)
		require.NoError(t, err)
		assert.Equal(t, int64(1), removed)

		stats, err := s.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(0), stats.TotalEvents)

		// Sequence counter is not reset by a purge.
		next := mustAppend(t, s, candidate("post.purge"))
		assert.Equal(t, int64(3), next.Sequence)
	}
}

func testClosedAppend(factory storeFactory) func(*testing.T) {
	return func(t *testing.T) {
		s := factory(t)
		require.NoError(t, s.Close())

		_, err := s.Append(context.Background(), candidate("after.close"))
		assert.ErrorIs(t, err, store.ErrClosed)
	}
}

// TestSQLiteStorePersistsAcrossReopen verifies durability of acknowledged
// appends and restoration of the sequence counter.
func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")

	s1, err := store.NewSQLiteStore(path)
	require.NoError(t, err)

	evt := mustAppend(t, s1, event.New("user.created", "user-mgmt",
		json.RawMessage(`{"id":1}`)))
	mustAppend(t, s1, candidate("user.updated"))
	require.NoError(t, s1.Close())

	s2, err := store.NewSQLiteStore(path)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, int64(2), s2.LastSequence())

	got, err := s2.Get(context.Background(), evt.EventID)
	require.NoError(t, err)
	assert.Equal(t, evt.EventID, got.EventID)
	assert.Equal(t, evt.Sequence, got.Sequence)
	assert.JSONEq(t, `{"id":1}`, string(got.Payload))

	next := mustAppend(t, s2, candidate("user.deleted"))
	assert.Equal(t, int64(3), next.Sequence)
}
