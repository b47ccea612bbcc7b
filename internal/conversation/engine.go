package conversation

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/reply"
)

// ActionKind classifies what the orchestrator should do after a reply has
// been interpreted against the open dialogue.
type ActionKind int

const (
	// ActionNone: nothing to do (empty batch, no change).
	ActionNone ActionKind = iota
	// ActionAsk: send Question and keep (or re-arm) the awaiting state.
	ActionAsk
	// ActionEnqueue: Draft is complete, push it to the submission queue.
	ActionEnqueue
	// ActionSupersede: the batch looks like a new report, the old draft was
	// abandoned; reprocess the batch through fresh extraction.
	ActionSupersede
)

// Action is the engine's verdict on a batch.
type Action struct {
	Kind     ActionKind
	Field    domain.FieldTag
	Question string
	Draft    *domain.RequestDraft
}

// SupersedePolicy decides whether a batch received mid-dialogue is a new
// report rather than an answer. Approximate by design: swappable so the
// heuristic can be tuned without touching the state machine.
type SupersedePolicy func(st *State, batch []domain.Message) bool

// Engine interprets replies against the per-sender awaiting state.
type Engine struct {
	store     *SessionStore
	photos    PhotoFinder
	extractor domain.RequestExtractor
	replies   *reply.Catalog
	logger    *slog.Logger
	supersede SupersedePolicy
	now       func() time.Time
}

// PhotoFinder locates a still-existing photo in the sender's recent history,
// for "ya la mandé" replies. Satisfied by history.Ledger.
type PhotoFinder interface {
	LastPhoto(senderID string) string
}

type EngineConfig struct {
	Store     *SessionStore
	Photos    PhotoFinder
	Extractor domain.RequestExtractor
	Replies   *reply.Catalog
	Logger    *slog.Logger
	Supersede SupersedePolicy // nil = DefaultSupersedePolicy
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Supersede == nil {
		cfg.Supersede = DefaultSupersedePolicy
	}
	return &Engine{
		store:     cfg.Store,
		photos:    cfg.Photos,
		extractor: cfg.Extractor,
		replies:   cfg.Replies,
		logger:    cfg.Logger,
		supersede: cfg.Supersede,
		now:       time.Now,
	}
}

// Await opens (or replaces) a dialogue asking for tag and returns the ask
// action carrying the question text.
func (e *Engine) Await(senderID string, draft domain.RequestDraft, tag domain.FieldTag) Action {
	q := e.questionFor(tag, &draft)
	e.store.SetState(senderID, &State{
		Draft:    draft,
		Awaiting: tag,
		Question: q,
		AskedAt:  e.now(),
	})
	e.logger.Info("awaiting field", "sender", senderID, "field", tag)
	return Action{Kind: ActionAsk, Field: tag, Question: q}
}

// AwaitWithQuestion is Await with caller-provided question text (used when
// the external form itself asked for something specific).
func (e *Engine) AwaitWithQuestion(senderID string, draft domain.RequestDraft, tag domain.FieldTag, question string) Action {
	if question == "" {
		return e.Await(senderID, draft, tag)
	}
	e.store.SetState(senderID, &State{
		Draft:    draft,
		Awaiting: tag,
		Question: question,
		AskedAt:  e.now(),
	})
	e.logger.Info("awaiting field", "sender", senderID, "field", tag)
	return Action{Kind: ActionAsk, Field: tag, Question: question}
}

// HandleReply interprets a batch that arrived while a dialogue is open.
// The caller holds the sender's processing lock.
func (e *Engine) HandleReply(ctx context.Context, senderID string, batch []domain.Message) (Action, error) {
	st := e.store.State(senderID)
	if st == nil || len(batch) == 0 {
		return Action{Kind: ActionNone}, nil
	}

	if e.supersede(st, batch) {
		e.logger.Info("dialogue superseded by new report", "sender", senderID, "was_awaiting", st.Awaiting)
		e.store.ClearState(senderID)
		return Action{Kind: ActionSupersede}, nil
	}

	text := latestText(batch)

	switch st.Awaiting {
	case domain.FieldPhoto, domain.FieldPhotos:
		if paths := batchPhotos(batch); len(paths) > 0 {
			st.Draft.PhotoPaths = append(st.Draft.PhotoPaths, paths...)
		} else if SaysAlreadySent(text) {
			if p := e.photos.LastPhoto(senderID); p != "" {
				st.Draft.PhotoPaths = append(st.Draft.PhotoPaths, p)
			}
		}
		need := 1
		if st.Awaiting == domain.FieldPhotos {
			need = domain.MinVehiclePhotos
		}
		if len(st.Draft.PhotoPaths) < need {
			// Re-ask and stay in the same state.
			e.store.SetState(senderID, st)
			return Action{Kind: ActionAsk, Field: st.Awaiting, Question: st.Question}, nil
		}

	case domain.FieldAddress:
		addr, err := e.extractor.CleanAddress(ctx, text)
		if err != nil {
			return Action{}, err
		}
		st.Draft.Address = addr

	case domain.FieldReportType:
		rt, err := e.extractor.ClassifyReportType(ctx, text)
		if err != nil {
			return Action{}, err
		}
		st.Draft.ReportType = rt

	case domain.FieldSituationType:
		st.Draft.SituationType = ClassifySituation(text)

	case domain.FieldPatente:
		st.Draft.Patente = ExtractPlate(text)
		st.Draft.PatenteConfirmed = false

	case domain.FieldInfractionTime:
		st.Draft.InfractionTime = ExtractInfractionTime(text, e.now())

	case domain.FieldPatenteConfirmation:
		if IsAffirmative(text) {
			st.Draft.PatenteConfirmed = true
		} else if p := ExtractPlate(text); p != "" {
			// A correction overwrites the plate and re-asks confirmation
			// instead of restarting the whole vehicle flow.
			st.Draft.Patente = p
			st.Draft.PatenteConfirmed = false
		}
		if !st.Draft.PatenteConfirmed {
			return e.Await(senderID, st.Draft, domain.FieldPatenteConfirmation), nil
		}

	default: // schedule and anything unrecognized: store verbatim
		st.Draft.Schedule = strings.TrimSpace(text)
	}

	st.Draft.Normalize()
	if tag, missing := st.Draft.MissingField(); missing {
		return e.Await(senderID, st.Draft, tag), nil
	}

	draft := st.Draft
	e.store.ClearState(senderID)
	return Action{Kind: ActionEnqueue, Draft: &draft}, nil
}

// NextVehicleAsk surfaces the next queued vehicle draft, if any, opening a
// dialogue for its first missing field. Called only after the current draft
// has been fully handled, so there is one in-flight question per sender.
func (e *Engine) NextVehicleAsk(senderID string) (Action, bool) {
	vq := e.store.Vehicles(senderID, false)
	if vq == nil {
		return Action{}, false
	}
	head, ok := vq.Head()
	if !ok {
		e.store.DropVehicles(senderID)
		return Action{}, false
	}
	vq.Pop()
	if vq.Len() == 0 {
		e.store.DropVehicles(senderID)
	}
	head.Normalize()
	tag, missing := head.MissingField()
	if !missing {
		return Action{Kind: ActionEnqueue, Draft: &head}, true
	}
	return e.Await(senderID, head, tag), true
}

func (e *Engine) questionFor(tag domain.FieldTag, draft *domain.RequestDraft) string {
	vars := map[string]string{
		"address": draft.Address,
		"patente": draft.Patente,
	}
	switch tag {
	case domain.FieldAddress:
		return e.replies.Render(reply.AskAddress, vars)
	case domain.FieldReportType:
		return e.replies.Render(reply.AskReportType, vars)
	case domain.FieldPhoto:
		return e.replies.Render(reply.AskPhoto, vars)
	case domain.FieldPhotos:
		return e.replies.Render(reply.AskPhotos, vars)
	case domain.FieldSchedule:
		return e.replies.Render(reply.AskSchedule, vars)
	case domain.FieldSituationType:
		return e.replies.Render(reply.AskSituation, vars)
	case domain.FieldPatente:
		return e.replies.Render(reply.AskPatente, vars)
	case domain.FieldInfractionTime:
		return e.replies.Render(reply.AskInfractionTime, vars)
	case domain.FieldPatenteConfirmation:
		return e.replies.Render(reply.AskPatenteConfirmation, vars)
	}
	return e.replies.Render(reply.AskReportType, vars)
}

// addressShape matches "street name 1234" shapes inside free text.
var addressShape = regexp.MustCompile(`(?i)\b(\p{L}[\p{L}\s\.]{2,40}?)\s+(\d{1,5})\b`)

// FindAddress returns the first "street number" shape in text, or "".
func FindAddress(text string) string {
	if m := addressShape.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1]) + " " + m[2]
	}
	return ""
}

// reportKeywords hint that a message opens a new report.
var reportKeywords = []string{
	"basura", "residuos", "barrido", "vereda", "mantero", "manteros",
	"estacionado", "auto", "camioneta", "vehiculo", "vehículo",
	"puesto", "kiosco", "mesas", "sillas",
}

// DefaultSupersedePolicy abandons the open draft when the batch carries a
// photo together with an address whose first token differs from the pending
// draft's, plus either a report keyword or simply photo+new address.
func DefaultSupersedePolicy(st *State, batch []domain.Message) bool {
	hasPhoto := false
	var texts []string
	for _, m := range batch {
		if m.HasMedia() {
			hasPhoto = true
		}
		if m.Text != "" {
			texts = append(texts, m.Text)
		}
	}
	if !hasPhoto {
		return false
	}
	joined := strings.Join(texts, " ")
	m := addressShape.FindStringSubmatch(joined)
	if m == nil {
		return false
	}
	newFirst := FirstAddressToken(m[1])
	oldFirst := FirstAddressToken(st.Draft.Address)
	if newFirst == "" || newFirst == oldFirst {
		return false
	}
	lower := strings.ToLower(joined)
	for _, kw := range reportKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	// Photo plus a materially different address is enough on its own.
	return true
}

func latestText(batch []domain.Message) string {
	for i := len(batch) - 1; i >= 0; i-- {
		if t := strings.TrimSpace(batch[i].Text); t != "" {
			return t
		}
	}
	return ""
}

func batchPhotos(batch []domain.Message) []string {
	var out []string
	for _, m := range batch {
		if m.HasMedia() {
			out = append(out, m.MediaPath)
		}
	}
	return out
}
