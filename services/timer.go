package services

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// TimerScheduler runs at most one countdown per room code. Starting a new
// countdown for a code replaces any running one, so cancellation is structural:
// the room's current phase owns the room's single timer slot.
//
// onTick fires once per second with the remaining seconds (broadcast only, no
// state mutation); onExpire fires exactly once, after the countdown reaches
// zero, unless the countdown was cancelled or replaced first.
type TimerScheduler struct {
	clock clockwork.Clock

	mu     sync.Mutex
	active map[string]*countdown
}

type countdown struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (c *countdown) cancel() {
	c.stopOnce.Do(func() { close(c.stop) })
}

func NewTimerScheduler(clock clockwork.Clock) *TimerScheduler {
	return &TimerScheduler{
		clock:  clock,
		active: make(map[string]*countdown),
	}
}

// Start arms a countdown of the given duration for roomCode, replacing any
// countdown already running for that code. onTick may be nil.
func (ts *TimerScheduler) Start(roomCode string, seconds int, onTick func(remaining int), onExpire func()) {
	cd := &countdown{stop: make(chan struct{})}

	ts.mu.Lock()
	if prev, ok := ts.active[roomCode]; ok {
		prev.cancel()
		log.Debug().Str("room", roomCode).Msg("replaced existing countdown")
	}
	ts.active[roomCode] = cd
	ts.mu.Unlock()

	go ts.run(roomCode, cd, seconds, onTick, onExpire)
}

// Cancel stops the countdown for roomCode, if any. onExpire will not fire.
func (ts *TimerScheduler) Cancel(roomCode string) {
	ts.mu.Lock()
	cd, ok := ts.active[roomCode]
	if ok {
		delete(ts.active, roomCode)
	}
	ts.mu.Unlock()

	if ok {
		cd.cancel()
		log.Debug().Str("room", roomCode).Msg("cancelled countdown")
	}
}

func (ts *TimerScheduler) run(roomCode string, cd *countdown, seconds int, onTick func(int), onExpire func()) {
	ticker := ts.clock.NewTicker(time.Second)

	remaining := seconds
	for remaining > 0 {
		select {
		case <-ticker.Chan():
			remaining--
			if onTick != nil {
				onTick(remaining)
			}
		case <-cd.stop:
			ticker.Stop()
			return
		}
	}

	// Release the timer slot before firing so onExpire can arm the room's
	// next countdown.
	ticker.Stop()
	ts.mu.Lock()
	if ts.active[roomCode] == cd {
		delete(ts.active, roomCode)
	}
	ts.mu.Unlock()

	select {
	case <-cd.stop:
		// Cancelled between the final tick and here; do not fire.
	default:
		onExpire()
	}
}
