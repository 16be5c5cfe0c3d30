package node

// Notification kinds surfaced to the operator.
const (
	NotificationInviteReceived    = "invite_received"
	NotificationInviteVoided      = "invite_voided"
	NotificationSessionActive     = "session_active"
	NotificationSessionRejected   = "session_rejected"
	NotificationSessionTornDown   = "session_torn_down"
	NotificationMeshStatusChanged = "mesh_status_changed"
	NotificationMeshReady         = "mesh_ready"
	NotificationDkgStarted        = "dkg_started"
	NotificationDkgFailed         = "dkg_failed"
	NotificationDkgCompleted      = "dkg_completed"
	NotificationMessageReceived   = "message_received"
)

// Notification is a coordination event of operator interest.
type Notification struct {
	Kind      string `json:"kind"`
	SessionID string `json:"session_id,omitempty"`
	Message   string `json:"message"`
}

// notify delivers without blocking the event loop: when no consumer keeps
// up, the oldest pending notification is dropped with a log line.
func (s *BaseNodeService) notify(n Notification) {
	select {
	case s.notifications <- n:
	default:
		select {
		case dropped := <-s.notifications:
			s.Logger.Log("Dropping stale notification %s", dropped.Kind)
		default:
		}
		select {
		case s.notifications <- n:
		default:
		}
	}
}
