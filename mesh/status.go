package mesh

import "sort"

// State is the coarse mesh readiness state.
type State string

const (
	// StateIncomplete: at least one local channel to a participant is not
	// open (or the mesh has no links yet).
	StateIncomplete State = "incomplete"
	// StatePartiallyReady: every local channel is open and this peer has
	// announced readiness, but not every participant has reported in.
	StatePartiallyReady State = "partially_ready"
	// StateReady: every participant (self included) reported a fully
	// open mesh. Only this state authorizes the DKG trigger.
	StateReady State = "ready"
)

// Status is the aggregated, group-wide mesh view. ReadyPeers and Total are
// meaningful for PartiallyReady and Ready.
type Status struct {
	State      State    `json:"state"`
	ReadyPeers []string `json:"ready_peers,omitempty"`
	Total      int      `json:"total,omitempty"`
}

func (s Status) Equal(other Status) bool {
	if s.State != other.State || s.Total != other.Total || len(s.ReadyPeers) != len(other.ReadyPeers) {
		return false
	}
	for i := range s.ReadyPeers {
		if s.ReadyPeers[i] != other.ReadyPeers[i] {
			return false
		}
	}
	return true
}

func statusIncomplete() Status {
	return Status{State: StateIncomplete}
}

func statusFromReadySet(ready map[string]struct{}, total int) Status {
	peers := make([]string, 0, len(ready))
	for p := range ready {
		peers = append(peers, p)
	}
	sort.Strings(peers)

	state := StatePartiallyReady
	if len(peers) == total {
		state = StateReady
	}
	return Status{State: state, ReadyPeers: peers, Total: total}
}
