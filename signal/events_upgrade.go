package signal

const (
	EventUpgradeStateChanged = SignalType("upgrade.state-changed")
)

// UpgradeStateEvent is sent on every transition of the hot-upgrade state
// machine, on both the old and the new side.
type UpgradeStateEvent struct {
	State  string `json:"state"`
	OldPID int    `json:"oldPid,omitempty"`
	NewPID int    `json:"newPid,omitempty"`
	Error  string `json:"error,omitempty"`
}

// SendUpgradeStateChanged notifies about an upgrade-session transition.
func SendUpgradeStateChanged(event UpgradeStateEvent) {
	send(string(EventUpgradeStateChanged), event)
}
