package requests

type ProposeSessionForm struct {
	SessionID    string   `json:"session_id"`
	Threshold    int      `json:"threshold" validate:"attr=threshold,min=1"`
	Participants []string `json:"participants" validate:"attr=participants,required"`
}

type SessionIdForm struct {
	SessionID string `query:"sessionID" json:"session_id" validate:"attr=session_id,required"`
}

type SendMessageForm struct {
	PeerID string `json:"peer_id"`
	Text   string `json:"text" validate:"attr=text,required"`
}
