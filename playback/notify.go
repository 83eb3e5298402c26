package playback

import "github.com/sirupsen/logrus"

// Notifier receives the engine's status events. Calls are made from the
// engine's loop. They must not block or call back into the Manager.
type Notifier interface {
	OnConnectionStateChanged(ConnectionState)
	OnRoomJoined(roomID, originID string, role Role)
	OnRoomLeft()
	OnRemoteUpdateApplied(Update)
}

// NopNotifier discards every event.
type NopNotifier struct{}

func (NopNotifier) OnConnectionStateChanged(ConnectionState) {}
func (NopNotifier) OnRoomJoined(string, string, Role)        {}
func (NopNotifier) OnRoomLeft()                              {}
func (NopNotifier) OnRemoteUpdateApplied(Update)             {}

// LogNotifier writes every event to a logger.
type LogNotifier struct {
	Log *logrus.Logger
}

func (n LogNotifier) OnConnectionStateChanged(s ConnectionState) {
	if s == StateError {
		n.Log.Error("connection to room service failed, giving up")
		return
	}
	n.Log.WithField("state", s).Info("connection state changed")
}

func (n LogNotifier) OnRoomJoined(roomID, originID string, role Role) {
	n.Log.WithFields(logrus.Fields{
		"room":   roomID,
		"origin": originID,
		"role":   role,
	}).Info("joined room")
}

func (n LogNotifier) OnRoomLeft() {
	n.Log.Info("left room")
}

func (n LogNotifier) OnRemoteUpdateApplied(u Update) {
	n.Log.WithField("origin", u.OriginID).Infof("applied %s at %.1fs", u.Action, u.Position)
}
