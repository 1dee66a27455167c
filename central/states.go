package central

// State is the central link state machine's position. The happy path
// runs top to bottom; Disconnected and Failed are reachable from any
// point after Idle.
type State int

const (
	StateIdle State = iota
	StatePermissionCheck
	StateAdapterCheck
	StateScanning
	StateCandidateFound
	StateConnecting
	StateBonding
	StateDiscoveringServices
	StateSubscribingNotify
	StateReady
	StateDisconnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StatePermissionCheck:
		return "PermissionCheck"
	case StateAdapterCheck:
		return "AdapterCheck"
	case StateScanning:
		return "Scanning"
	case StateCandidateFound:
		return "CandidateFound"
	case StateConnecting:
		return "Connecting"
	case StateBonding:
		return "Bonding"
	case StateDiscoveringServices:
		return "DiscoveringServices"
	case StateSubscribingNotify:
		return "SubscribingNotify"
	case StateReady:
		return "Ready"
	case StateDisconnected:
		return "Disconnected"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
