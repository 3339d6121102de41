package app

import "github.com/coreos/go-systemd/v22/daemon"

const (
	sdReady    = daemon.SdNotifyReady
	sdStopping = daemon.SdNotifyStopping
)

// sdNotify reports state to systemd when NOTIFY_SOCKET is set; otherwise it
// is a no-op returning false.
var sdNotify = func(state string) (bool, error) {
	return daemon.SdNotify(false, state)
}
