package job

import "fmt"

// State is the job state machine from §3: NotSubmitted -> Submitted ->
// Running -> one terminal state. Transitions are driven exclusively by
// protocol commands or kernel completion events; nothing in this package
// mutates state speculatively.
type State int

const (
	NotSubmitted State = iota
	Submitted
	Running
	CompletedSuccessfully
	CompletedFailed
	CompletedWalltimeReached
	CompletedKilled
	RejectedNoResources
	RejectedNoAvailableResources
	RejectedNoWalltime
	RejectedNoReservationAllocation
)

func (s State) String() string {
	switch s {
	case NotSubmitted:
		return "NOT_SUBMITTED"
	case Submitted:
		return "SUBMITTED"
	case Running:
		return "RUNNING"
	case CompletedSuccessfully:
		return "COMPLETED_SUCCESSFULLY"
	case CompletedFailed:
		return "COMPLETED_FAILED"
	case CompletedWalltimeReached:
		return "COMPLETED_WALLTIME_REACHED"
	case CompletedKilled:
		return "COMPLETED_KILLED"
	case RejectedNoResources:
		return "REJECTED_NO_RESOURCES"
	case RejectedNoAvailableResources:
		return "REJECTED_NO_AVAILABLE_RESOURCES"
	case RejectedNoWalltime:
		return "REJECTED_NO_WALLTIME"
	case RejectedNoReservationAllocation:
		return "REJECTED_NO_RESERVATION_ALLOCATION"
	default:
		return fmt.Sprintf("UNKNOWN_STATE(%d)", int(s))
	}
}

// IsTerminal reports whether s is one of the Completed*/Rejected* states.
func (s State) IsTerminal() bool {
	return s >= CompletedSuccessfully
}

// StateFromString parses the wire state strings CHANGE_JOB_STATE carries.
// Unrecognized strings map to CompletedFailed, since the command is only
// meant to force a terminal state.
func StateFromString(s string) State {
	switch s {
	case "COMPLETED_SUCCESSFULLY":
		return CompletedSuccessfully
	case "COMPLETED_FAILED":
		return CompletedFailed
	case "COMPLETED_WALLTIME_REACHED":
		return CompletedWalltimeReached
	case "COMPLETED_KILLED":
		return CompletedKilled
	case "REJECTED_NO_RESOURCES":
		return RejectedNoResources
	case "REJECTED_NO_AVAILABLE_RESOURCES":
		return RejectedNoAvailableResources
	case "REJECTED_NO_WALLTIME":
		return RejectedNoWalltime
	case "REJECTED_NO_RESERVATION_ALLOCATION":
		return RejectedNoReservationAllocation
	default:
		return CompletedFailed
	}
}

// IsRejection reports whether s is one of the four rejection variants.
func (s State) IsRejection() bool {
	return s >= RejectedNoResources
}
