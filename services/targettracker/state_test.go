package targettracker

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestTargetStateStore(t *testing.T) {
	store := NewTargetStateStore(DefaultPersonName)
	test.That(t, store.Snapshot(), test.ShouldResemble, TargetState{Name: DefaultPersonName})

	seen := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	test.That(t, store.Record(DefaultPersonName, OutcomePublished, seen), test.ShouldBeTrue)
	test.That(t, store.Snapshot().Found, test.ShouldBeTrue)

	// A cycle that started before the name changed cannot mark the new target found.
	test.That(t, store.SetName("Bob"), test.ShouldEqual, "Bob")
	test.That(t, store.Snapshot().Found, test.ShouldBeFalse)
	test.That(t, store.Record(DefaultPersonName, OutcomePublished, seen.Add(time.Second)), test.ShouldBeFalse)
	test.That(t, store.Snapshot(), test.ShouldResemble, TargetState{
		Name: "Bob", LastSeen: seen, LastOutcome: OutcomePublished,
	})

	test.That(t, store.Record("Bob", OutcomeDepthInvalid, time.Time{}), test.ShouldBeTrue)
	snap := store.Snapshot()
	test.That(t, snap.Found, test.ShouldBeFalse)
	test.That(t, snap.LastOutcome, test.ShouldEqual, OutcomeDepthInvalid)
	test.That(t, snap.LastSeen, test.ShouldEqual, seen)
}

func TestTargetStateStoreNeverTears(t *testing.T) {
	store := NewTargetStateStore("p0")
	const writers = 4
	const iterations = 500

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(2)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				store.SetName(fmt.Sprintf("p%d", (w+i)%3))
			}
		}(w)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				outcome := OutcomePublished
				if i%2 == 0 {
					outcome = OutcomeNoMatch
				}
				store.Record(store.Name(), outcome, time.Unix(int64(i+1), 0))
			}
		}(w)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		snap := store.Snapshot()
		if snap.Found {
			test.That(t, snap.LastOutcome, test.ShouldEqual, OutcomePublished)
			test.That(t, snap.LastSeen.IsZero(), test.ShouldBeFalse)
		}
		test.That(t, snap.Name, test.ShouldBeIn, []string{"p0", "p1", "p2"})
		select {
		case <-done:
			return
		default:
		}
	}
}

func TestOutcomeNames(t *testing.T) {
	test.That(t, OutcomePublished.String(), test.ShouldEqual, "published")
	test.That(t, OutcomeDepthOutOfBounds.String(), test.ShouldEqual, "depth_out_of_bounds")
	test.That(t, Outcome(99).String(), test.ShouldEqual, "outcome(99)")

	out, err := json.Marshal(struct {
		Outcome Outcome `json:"outcome"`
	}{OutcomeTransformFailed})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(out), test.ShouldEqual, `{"outcome":"transform_failed"}`)
}
