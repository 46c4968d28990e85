package model

import "time"

type ColorFormat string

const (
	ColorGray8 ColorFormat = "gray8"
	ColorRGBA  ColorFormat = "rgba"
	ColorBGRA  ColorFormat = "bgra"
)

// BytesPerPixel returns the pixel stride for the format, or 0 if unknown.
func (f ColorFormat) BytesPerPixel() int {
	switch f {
	case ColorGray8:
		return 1
	case ColorRGBA, ColorBGRA:
		return 4
	}
	return 0
}

type Frame struct {
	Pixels     []byte
	Width      int
	Height     int
	Format     ColorFormat
	CapturedAt time.Time
}

type WatermarkPayload struct {
	SessionID     string
	TenantID      string
	UserID        string
	IssuedAt      time.Time
	Nonce         uint64
	FormatVersion uint16
}

type CodecChoice string

const (
	CodecDCT CodecChoice = "dct"
	CodecDWT CodecChoice = "dwt"
)

type Policy string

const (
	PolicyFailOpen   Policy = "fail-open"
	PolicyFailClosed Policy = "fail-closed"
)

type SessionWatermarkConfig struct {
	RotationInterval time.Duration
	Codec            CodecChoice
	Policy           Policy
	QueueCapacity    int
}

type SessionMeta struct {
	SessionID string
	TenantID  string
	UserID    string
}

type SessionState string

const (
	StateIdle     SessionState = "idle"
	StateActive   SessionState = "active"
	StateRotating SessionState = "rotating"
	StateStopped  SessionState = "stopped"
)

type EmbedResult struct {
	Frame             *Frame
	BitsEmbedded      int
	CapacityUsedRatio float64
	PSNR              float64
}

type ExtractOutcome string

const (
	OutcomeRecovered  ExtractOutcome = "recovered"
	OutcomeNotFound   ExtractOutcome = "not_found"
	OutcomeCorrupted  ExtractOutcome = "corrupted"
	OutcomeAuthFailed ExtractOutcome = "auth_failed"
)

type ExtractResult struct {
	Outcome      ExtractOutcome
	Payload      *WatermarkPayload
	Confidence   float64
	BitAgreement float64
}

type FrameDisposition string

const (
	FrameQueued        FrameDisposition = "queued"
	FrameDroppedOldest FrameDisposition = "dropped_oldest"
	FrameRejected      FrameDisposition = "rejected"
)

type FrameWatermarkResult struct {
	Disposition FrameDisposition
	QueueDepth  int
}

type PayloadVersion struct {
	Payload    WatermarkPayload
	ValidFrom  time.Time
	ValidUntil *time.Time
}

type FrameSample struct {
	SourceName string
	Frames     []*Frame
}

type ScanVerdict string

const (
	VerdictMatched  ScanVerdict = "matched"
	VerdictNone     ScanVerdict = "none"
	VerdictTampered ScanVerdict = "tampered"
)

type ScanResult struct {
	ID               string
	SourceName       string
	Verdict          ScanVerdict
	MatchedSessionID string
	MatchedTenantID  string
	MatchedUserID    string
	Confidence       float64
	FramesExamined   int
	FramesRecovered  int
	Evidence         []EvidenceSample
	StartedAt        time.Time
	CompletedAt      time.Time
}

type EvidenceSample struct {
	FrameIndex int
	SHA256     string
	Outcome    ExtractOutcome
	Confidence float64
	ShiftX     int
	ShiftY     int
}

type InvestigationUpdate struct {
	ID          string
	ScanID      string
	Author      string
	Disposition string
	Note        string
	CreatedAt   time.Time
}

type SessionEventType string

const (
	EventSessionStart SessionEventType = "session_start"
	EventFrameReady   SessionEventType = "frame_ready"
	EventSessionStop  SessionEventType = "session_stop"
)

type SessionEvent struct {
	Type              SessionEventType
	SessionID         string
	TenantID          string
	UserID            string
	ProviderSessionID string
	Timestamp         time.Time
}
