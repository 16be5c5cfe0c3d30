package dto

// This package contains DTO (Data Transfer Object) structures
// for providing validated and sanitized values to the service layer.

type ProposeSessionDTO struct {
	SessionID    string
	Threshold    int
	Participants []string
}

type SessionIdDTO struct {
	SessionID string
}

type SendMessageDTO struct {
	PeerID string
	Text   string
}
