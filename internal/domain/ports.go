package domain

import "context"

// ChatTransport is the group-chat boundary. The core only needs a stable
// per-sender identity, text/media/timestamp per message, and a reply
// primitive that supports @mention and quote-reply.
type ChatTransport interface {
	Start(ctx context.Context) error
	Stop() error
	OnMessage(handler func(context.Context, InboundEvent))
	RecentMessages(ctx context.Context, limit int) ([]InboundEvent, error)
	Send(ctx context.Context, text string, opts SendOptions) error
}

// ExtractionMessage is one batch message handed to the extractor, flagged
// for any attached photo so the model knows which text goes with which image.
type ExtractionMessage struct {
	Text      string
	HasPhoto  bool
	MediaPath string
	Index     int
}

// ExtractionInput is the full context for a fresh-extraction pass. History
// is context only; the extractor must not reprocess it as new messages.
type ExtractionInput struct {
	SenderName     string
	Messages       []ExtractionMessage
	HistoryContext string
	PriorQuestion  string // open bot question, when re-interpreting a reply
}

// RequestCandidate is one structured complaint proposed by the extractor.
type RequestCandidate struct {
	Address        string
	ReportType     ReportType
	ContainerType  string
	Schedule       string
	SituationType  string
	Patente        string
	InfractionTime string
	PostToX        bool
	MsgIndexes     []int
}

// ExtractionResult is the extractor's verdict on a pending batch.
type ExtractionResult struct {
	ShouldRespond    bool
	Response         string
	Requests         []RequestCandidate
	IsCorrection     bool
	CorrectedAddress string
	AwaitingField    FieldTag // hint for the follow-up state, defaults to reportType
}

// RequestExtractor is the LLM boundary. Treated as a fallible oracle: it may
// return wrong, missing, or hallucinated fields and the state machine
// tolerates that through confirmation and correction turns.
type RequestExtractor interface {
	Extract(ctx context.Context, in ExtractionInput) (*ExtractionResult, error)
	CleanAddress(ctx context.Context, raw string) (string, error)
	ClassifyReportType(ctx context.Context, text string) (ReportType, error)
}

// SubmitOutcome is the classified result of one external form submission.
type SubmitOutcome struct {
	Success     bool
	ReferenceID string
	NeedsInfo   bool
	Field       FieldTag
	Question    string
	ErrorText   string // raw form error when Success and NeedsInfo are both false
}

// SolicitudSubmitter drives the municipal web form. It is slow, stateful
// (one shared browser session) and occasionally flaky; callers must never
// run two submissions concurrently.
type SolicitudSubmitter interface {
	Submit(ctx context.Context, job *SubmissionJob) (*SubmitOutcome, error)
	Close() error
}

// SocialPost is the payload for an optional cross-post.
type SocialPost struct {
	Address     string
	ReportType  ReportType
	ReferenceID string
	PhotoPath   string
}

// SocialPoster cross-posts a successful submission. Failures here must never
// fail the submission itself.
type SocialPoster interface {
	Post(ctx context.Context, p SocialPost) error
}

// OperatorNotifier delivers out-of-band alerts to the bot operator.
type OperatorNotifier interface {
	Notify(ctx context.Context, text string) error
}

// MediaStore persists and deletes downloaded media files by sender.
type MediaStore interface {
	Save(senderID, ext string, data []byte) (string, error)
	Remove(path string)
}
