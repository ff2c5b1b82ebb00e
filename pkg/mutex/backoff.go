//go:build linux

package mutex

import (
	"math/rand"
	"time"

	"golang.org/x/sys/unix"
)

// backoff implements algorithm S's randomized exponential delay: on each
// failed lock attempt, sleep uniform(delay, 2*delay), double delay up to a
// hard cap, and occasionally reset to the minimum to mitigate livelock. It
// never gives up on its own; only ctx cancellation stops a waiting Lock.
type backoff struct {
	delay time.Duration
	min   time.Duration
	max   time.Duration
	n     int // group size, for the 1/N reset probability
	rng   *rand.Rand
}

func newBackoff(groupSize int) *backoff {
	return &backoff{
		delay: time.Microsecond * 100,
		min:   time.Microsecond * 100,
		max:   time.Millisecond * 50,
		n:     groupSize,
		rng:   rand.New(rand.NewSource(int64(groupSize)*2654435761 + time.Now().UnixNano())),
	}
}

// wait sleeps for a duration drawn uniformly from [delay, 2*delay), then
// advances delay for the next call.
func (b *backoff) wait() {
	lo := int64(b.delay)
	jitter := int64(0)
	if lo > 0 {
		jitter = b.rng.Int63n(lo)
	}
	sleepNanosleep(time.Duration(lo + jitter))

	b.delay *= 2
	if b.delay > b.max {
		b.delay = b.max
	}
	if b.n > 0 && b.rng.Intn(b.n) == 0 {
		b.delay = b.min
	}
}

// sleepNanosleep uses unix.Nanosleep directly rather than time.Sleep so the
// spinning mutex's backoff is a real syscall-level sleep.
func sleepNanosleep(d time.Duration) {
	ts := unix.NsecToTimespec(d.Nanoseconds())
	for {
		var rem unix.Timespec
		if err := unix.Nanosleep(&ts, &rem); err == nil {
			return
		} else if err == unix.EINTR {
			ts = rem
			continue
		} else {
			return
		}
	}
}
