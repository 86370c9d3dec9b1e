package protocol

// Inbound message types accepted on the TCP control channel.
const (
	TypeLogin        = "login"
	TypeHeartbeat    = "heartbeat"
	TypeChat         = "chat"
	TypeBroadcast    = "broadcast"
	TypeUnicast      = "unicast"
	TypeGetHistory   = "get_history"
	TypeFileOffer    = "file_offer"
	TypeFileRequest  = "file_request"
	TypePresentStart = "present_start"
	TypePresentStop  = "present_stop"
	TypeLogout       = "logout"
)

// Outbound message types emitted on the TCP control channel.
// TypePresentStart and TypePresentStop double as broadcast notifications
// carrying uid/username/timestamp.
const (
	TypeLoginSuccess     = "login_success"
	TypeParticipantList  = "participant_list"
	TypeUserJoined       = "user_joined"
	TypeUserLeft         = "user_left"
	TypeHeartbeatAck     = "heartbeat_ack"
	TypeUnicastSent      = "unicast_sent"
	TypeHistory          = "history"
	TypeFileUploadPort   = "file_upload_port"
	TypeFileDownloadPort = "file_download_port"
	TypeFileAvailable    = "file_available"
	TypeScreenSharePorts = "screen_share_ports"
	TypeError            = "error"
)

// Message is the JSON control envelope, one object per line in both
// directions. Field presence depends on Type; zero-valued fields are
// omitted on the wire.
//
// Message doubles as the inbound fallback reader: chat kinds accept the
// text in either "text" or "message" (the original clients used both).
type Message struct {
	Type          string        `json:"type"`
	UID           uint32        `json:"uid,omitempty"`
	Username      string        `json:"username,omitempty"`
	Text          string        `json:"text,omitempty"`
	Message       string        `json:"message,omitempty"`
	Timestamp     string        `json:"timestamp,omitempty"`
	TargetUID     uint32        `json:"target_uid,omitempty"`
	FromUID       uint32        `json:"from_uid,omitempty"`
	FromUsername  string        `json:"from_username,omitempty"`
	ToUID         uint32        `json:"to_uid,omitempty"`
	ToUsername    string        `json:"to_username,omitempty"`
	Participants  []Participant `json:"participants,omitempty"`
	Messages      []Message     `json:"messages,omitempty"`
	Count         int           `json:"count,omitempty"`
	Fid           string        `json:"fid,omitempty"`
	Filename      string        `json:"filename,omitempty"`
	Size          int64         `json:"size,omitempty"`
	Port          int           `json:"port,omitempty"`
	Uploader      string        `json:"uploader,omitempty"`
	PresenterPort int           `json:"presenter_port,omitempty"`
	ViewerPort    int           `json:"viewer_port,omitempty"`
	Topic         string        `json:"topic,omitempty"`
}

// BodyText returns the chat payload, accepting the legacy "message" field
// when "text" is absent.
func (m Message) BodyText() string {
	if m.Text != "" {
		return m.Text
	}
	return m.Message
}

// Participant is one entry of a participant_list.
type Participant struct {
	UID      uint32 `json:"uid"`
	Username string `json:"username"`
	JoinedAt string `json:"joined_at"`
}

// Error builds the standard error reply.
func Error(msg string) Message {
	return Message{Type: TypeError, Message: msg}
}
