package render

// Wire frame kinds exchanged with the render network socket.
const (
	kindLogin        = "login"
	kindAuthOK       = "auth_ok"
	kindAuthError    = "auth_error"
	kindJobRequest   = "job_request"
	kindJobQueued    = "job_queued"
	kindJobProgress  = "job_progress"
	kindJobPreview   = "job_preview"
	kindJobCompleted = "job_completed"
	kindJobFailed    = "job_failed"
)

// message is the single JSON envelope used in both directions. Fields are
// populated per kind; unknown kinds are ignored by the read loop.
type message struct {
	Kind       string      `json:"kind"`
	AppID      string      `json:"app_id,omitempty"`
	Username   string      `json:"username,omitempty"`
	Password   string      `json:"password,omitempty"`
	Error      string      `json:"error,omitempty"`
	JobID      string      `json:"job_id,omitempty"`
	Job        *JobRequest `json:"job,omitempty"`
	Progress   float64     `json:"progress,omitempty"`
	PreviewURL string      `json:"preview_url,omitempty"`
	ResultURL  string      `json:"result_url,omitempty"`
}

// JobRequest describes one generation job: the style picked in the booth
// gallery plus the captured source photo.
type JobRequest struct {
	StyleID        string  `json:"style_id"`
	Prompt         string  `json:"prompt,omitempty"`
	NegativePrompt string  `json:"negative_prompt,omitempty"`
	ImageB64       string  `json:"image_b64,omitempty"`
	Steps          int     `json:"steps,omitempty"`
	Guidance       float64 `json:"guidance,omitempty"`
	Seed           int64   `json:"seed,omitempty"`
}

// EventType classifies asynchronous job events from the render network.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventProgress  EventType = "progress"
	EventPreview   EventType = "preview"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is one progress/completion notification for a submitted job.
type Event struct {
	Type       EventType
	JobID      string
	Progress   float64
	PreviewURL string
	ResultURL  string
	Err        string
}

// Terminal reports whether no further events will follow for the job.
func (e Event) Terminal() bool {
	return e.Type == EventCompleted || e.Type == EventFailed
}
