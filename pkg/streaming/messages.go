package streaming

import (
	"encoding/json"

	"github.com/timelapseplus/extension/pkg/core"
)

// Message type constants matching the streaming protocol.
const (
	TypeStartJob         = "start_job"
	TypeEndJob           = "end_job"
	TypeFrameTaken       = "frame_taken"
	TypeSnapshotFailed   = "snapshot_failed"
	TypeCapturingChanged = "capturing_changed"
	TypePositionSegment  = "position_segment"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`
}

// StartJobPayload carries the job being recorded.
type StartJobPayload struct {
	Job *core.Job `json:"job"`
}

// EndJobPayload closes a job and reports the final frame count.
type EndJobPayload struct {
	Job    *core.Job `json:"job"`
	Frames int       `json:"frames"`
}

// CapturingPayload reports a change of the capturing flag.
type CapturingPayload struct {
	Capturing bool `json:"capturing"`
}
