package hub

import (
	"encoding/json"
	"time"
)

// Frame type values exchanged with signaling clients. Client frames are
// commands; server frames are notifications fanned out to the room.
const (
	// Client -> server.
	FrameIdentify       = "identify"
	FrameJoinStream     = "join_stream"
	FrameMediaPublished = "media_published"
	FrameStatusUpdate   = "status_update"
	FrameStreamControl  = "stream_control"
	FrameLeave          = "leave"

	// Server -> client.
	FrameConnectionStatus  = "connection_status"
	FrameAdminStatus       = "admin_status"
	FrameStreamUpdate      = "stream_update"
	FrameViewerJoined      = "viewer_joined"
	FrameViewerLeft        = "viewer_left"
	FrameAdminJoined       = "admin_joined"
	FrameAdminLeft         = "admin_left"
	FrameRecordingStarted  = "recording_started"
	FrameRecordingFailed   = "recording_failed"
	FrameRecordingUploaded = "recording_uploaded"
	FrameError             = "error"
)

// Error codes carried by error frames.
const (
	ErrCodeBadFrame           = "bad_frame"
	ErrCodeIdentifyRequired   = "identify_required"
	ErrCodeInvalidToken       = "invalid_token"
	ErrCodeNotFound           = "not_found"
	ErrCodeNotJoined          = "not_joined"
	ErrCodeForbidden          = "forbidden"
	ErrCodeSessionEnded       = "session_ended"
	ErrCodeBroadcasterPresent = "broadcaster_present"
)

// inboundFrame is the envelope decoded from client text messages. Unused
// fields are ignored per frame type.
type inboundFrame struct {
	Type      string          `json:"type"`
	Token     string          `json:"token,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Role      string          `json:"role,omitempty"`
	Status    string          `json:"status,omitempty"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// outboundFrame is the envelope sent to clients. control marks frames that
// must not be dropped under backpressure; a connection that cannot accept a
// control frame is closed instead.
type outboundFrame struct {
	Type           string          `json:"type"`
	SessionID      string          `json:"sessionId,omitempty"`
	Role           string          `json:"role,omitempty"`
	UserID         string          `json:"userId,omitempty"`
	DisplayName    string          `json:"displayName,omitempty"`
	State          string          `json:"state,omitempty"`
	RecordingState string          `json:"recordingState,omitempty"`
	Status         string          `json:"status,omitempty"`
	Action         string          `json:"action,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	Token          string          `json:"token,omitempty"`
	CanPublish     bool            `json:"canPublish,omitempty"`
	ViewerCount    int             `json:"viewerCount,omitempty"`
	GraceMs        int64           `json:"graceMs,omitempty"`
	ArtifactURL    string          `json:"artifactUrl,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
	OccurredAt     *time.Time      `json:"occurredAt,omitempty"`

	control bool
}

func errorFrame(code, message string) outboundFrame {
	return outboundFrame{Type: FrameError, Code: code, Message: message, control: true}
}
