package clock

import (
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/momentum/internal/entities"
)

type fakeWall struct {
	mu      sync.Mutex
	current time.Time
}

func (wall *fakeWall) now() time.Time {
	wall.mu.Lock()
	defer wall.mu.Unlock()
	return wall.current
}

func (wall *fakeWall) set(t time.Time) {
	wall.mu.Lock()
	defer wall.mu.Unlock()
	wall.current = t
}

func TestNextFollowsWallClock(t *testing.T) {
	wall := &fakeWall{current: time.UnixMilli(1_000)}
	clock := NewMonotonic(wall.now, 0)

	if got := clock.Next(); got != 1_000 {
		t.Fatalf("expected 1000, got %d", got)
	}
	wall.set(time.UnixMilli(5_000))
	if got := clock.Next(); got != 5_000 {
		t.Fatalf("expected 5000, got %d", got)
	}
}

func TestNextNeverRegresses(t *testing.T) {
	wall := &fakeWall{current: time.UnixMilli(10_000)}
	clock := NewMonotonic(wall.now, 0)

	first := clock.Next()
	wall.set(time.UnixMilli(2_000))
	second := clock.Next()
	third := clock.Next()

	if second != first+1 || third != first+2 {
		t.Fatalf("expected strictly increasing stamps, got %d %d %d", first, second, third)
	}
}

func TestSeededHighWaterOutranksWall(t *testing.T) {
	wall := &fakeWall{current: time.UnixMilli(1_000)}
	clock := NewMonotonic(wall.now, 9_000)

	if got := clock.Next(); got != 9_001 {
		t.Fatalf("expected 9001, got %d", got)
	}
}

func TestObserveRaisesHighWater(t *testing.T) {
	wall := &fakeWall{current: time.UnixMilli(1_000)}
	clock := NewMonotonic(wall.now, 0)

	clock.Observe(entities.Timestamp(50_000))
	clock.Observe(entities.Timestamp(40_000))
	if got := clock.HighWater(); got != 50_000 {
		t.Fatalf("expected high water 50000, got %d", got)
	}
	if got := clock.Next(); got != 50_001 {
		t.Fatalf("expected 50001, got %d", got)
	}
}

func TestNextIsUniqueUnderConcurrency(t *testing.T) {
	wall := &fakeWall{current: time.UnixMilli(1_000)}
	clock := NewMonotonic(wall.now, 0)

	const workers = 8
	const perWorker = 100
	results := make(chan entities.Timestamp, workers*perWorker)
	var group sync.WaitGroup
	for worker := 0; worker < workers; worker++ {
		group.Add(1)
		go func() {
			defer group.Done()
			for index := 0; index < perWorker; index++ {
				results <- clock.Next()
			}
		}()
	}
	group.Wait()
	close(results)

	seen := make(map[entities.Timestamp]struct{}, workers*perWorker)
	for stamp := range results {
		if _, duplicate := seen[stamp]; duplicate {
			t.Fatalf("duplicate stamp %d", stamp)
		}
		seen[stamp] = struct{}{}
	}
	if clock.HighWater() != entities.Timestamp(1_000+workers*perWorker-1) {
		t.Fatalf("unexpected high water %d", clock.HighWater())
	}
}

func TestNilNowDefaultsToWallClock(t *testing.T) {
	clock := NewMonotonic(nil, 0)
	before := entities.TimestampFromTime(time.Now())
	if got := clock.Next(); got < before {
		t.Fatalf("expected stamp at or after %d, got %d", before, got)
	}
}
