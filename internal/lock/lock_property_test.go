package lock

import (
	"context"
	"testing"
	"time"

	"pgregory.net/rapid"
)

// TestLeaseExclusivityProperty drives a memory lease table through random
// interleavings of acquire/release/expiry and checks the core invariant:
// at most one live lease per key at any observed instant, and a successful
// acquire implies no other live holder existed.
func TestLeaseExclusivityProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ctx := context.Background()
		clock := newFakeClock()
		table := newMemoryBackend(clock.Now)

		keys := rapid.SliceOfN(rapid.StringMatching(`repo-[a-c]`), 1, 3).Draw(t, "keys")
		workers := rapid.SliceOfN(rapid.StringMatching(`T-[0-9]{2}`), 2, 8).Draw(t, "workers")

		// holders mirrors what the table should contain.
		type lease struct {
			holder  string
			expires time.Time
		}
		holders := make(map[string]lease)

		steps := rapid.IntRange(10, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			key := rapid.SampledFrom(keys).Draw(t, "key")
			worker := rapid.SampledFrom(workers).Draw(t, "worker")

			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0: // acquire
				ttl := time.Duration(rapid.IntRange(1, 60).Draw(t, "ttl")) * time.Second
				got, err := table.Acquire(ctx, key, worker, ttl)
				if err != nil {
					t.Fatalf("acquire: %v", err)
				}
				l, held := holders[key]
				// Expiry matches RepoLock.Expired: a lease is live until
				// strictly past acquire time + TTL.
				live := held && !clock.Now().After(l.expires)
				if got && live {
					t.Fatalf("double grant on %s: %s while %s holds it", key, worker, l.holder)
				}
				if !got && !live {
					t.Fatalf("acquire refused on free key %s", key)
				}
				if got {
					holders[key] = lease{holder: worker, expires: clock.Now().Add(ttl)}
				}
			case 1: // release
				_ = table.Release(ctx, key, worker)
				if l, ok := holders[key]; ok && l.holder == worker {
					delete(holders, key)
				}
			case 2: // time passes
				clock.Advance(time.Duration(rapid.IntRange(1, 30).Draw(t, "adv")) * time.Second)
			case 3: // observe
				locked, err := table.IsLocked(ctx, key)
				if err != nil {
					t.Fatalf("islocked: %v", err)
				}
				l, held := holders[key]
				live := held && !clock.Now().After(l.expires)
				if locked != live {
					t.Fatalf("IsLocked(%s) = %v, model says %v", key, locked, live)
				}
			}
		}
	})
}
