package playback

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"
)

// reconciler applies inbound updates to the player. Updates from this
// participant, malformed ones and ones older than the last applied update
// are dropped. Small position drifts are tolerated.
type reconciler struct {
	log    *logrus.Logger
	player Player
	echo   *EchoSuppressor
	notify Notifier

	originID string
	drift    float64

	last    time.Time
	applied bool
}

func newReconciler(l *logrus.Logger, p Player, e *EchoSuppressor, n Notifier, originID string, drift float64) *reconciler {
	return &reconciler{
		log:      l,
		player:   p,
		echo:     e,
		notify:   n,
		originID: originID,
		drift:    drift,
	}
}

func (r *reconciler) apply(u Update) {
	if u.OriginID == r.originID {
		return
	}
	if err := u.Validate(); err != nil {
		r.log.Debugf("dropping malformed update: %v", err)
		return
	}

	// Equal timestamps are applied in arrival order.
	if r.applied && u.CreatedAt.Before(r.last) {
		r.log.Debugf("dropping stale update %s (%v < %v)", u, u.CreatedAt, r.last)
		return
	}
	r.last = u.CreatedAt
	r.applied = true

	if pos, err := r.player.Position(); err != nil {
		r.log.Warnf("error reading player position: %v", err)
	} else if math.Abs(pos-u.Position) > r.drift {
		r.mutate("seek", func() error {
			return r.player.SeekTo(u.Position)
		})
	}

	if u.Action != ActionSeek {
		r.syncPlaying(u.Action == ActionPlay)
	}

	r.notify.OnRemoteUpdateApplied(u)
}

func (r *reconciler) syncPlaying(want bool) {
	playing, err := r.player.IsPlaying()
	if err != nil {
		r.log.Warnf("error reading player state: %v", err)
		return
	}
	if playing == want {
		return
	}

	if want {
		r.mutate("play", r.player.Play)
	} else {
		r.mutate("pause", r.player.Pause)
	}
}

// mutate runs a player mutation under the echo guard. Failures are logged
// and don't affect the engine.
func (r *reconciler) mutate(name string, fn func() error) {
	r.echo.Start()
	if err := fn(); err != nil {
		r.log.Warnf("error applying %s: %v", name, err)
	}
}
