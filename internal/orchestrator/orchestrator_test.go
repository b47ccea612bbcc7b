package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/conversation"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/dedup"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/history"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/reply"
)

const testSender = "549115550001"

type sentReply struct {
	text string
	opts domain.SendOptions
}

type fakeTransport struct {
	mu      sync.Mutex
	handler func(context.Context, domain.InboundEvent)
	sends   []sentReply
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }
func (f *fakeTransport) Stop() error                     { return nil }

func (f *fakeTransport) OnMessage(h func(context.Context, domain.InboundEvent)) { f.handler = h }

func (f *fakeTransport) RecentMessages(ctx context.Context, limit int) ([]domain.InboundEvent, error) {
	return nil, nil
}

func (f *fakeTransport) Send(ctx context.Context, text string, opts domain.SendOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, sentReply{text: text, opts: opts})
	return nil
}

func (f *fakeTransport) sent() []sentReply {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentReply, len(f.sends))
	copy(out, f.sends)
	return out
}

func (f *fakeTransport) deliver(name string, m domain.Message) {
	f.handler(context.Background(), domain.InboundEvent{
		Sender:  domain.SenderIdentity{ID: testSender, DisplayName: name},
		Message: m,
	})
}

// scriptedExtractor returns its results in order; the last one repeats.
type scriptedExtractor struct {
	mu      sync.Mutex
	results []*domain.ExtractionResult
	err     error
}

func (s *scriptedExtractor) Extract(_ context.Context, _ domain.ExtractionInput) (*domain.ExtractionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	if len(s.results) == 0 {
		return &domain.ExtractionResult{}, nil
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r, nil
}

func (s *scriptedExtractor) CleanAddress(_ context.Context, raw string) (string, error) {
	return strings.TrimSpace(raw), nil
}

func (s *scriptedExtractor) ClassifyReportType(_ context.Context, _ string) (domain.ReportType, error) {
	return domain.ReportBarrido, nil
}

type submitStep struct {
	outcome *domain.SubmitOutcome
	err     error
	block   chan struct{} // submit waits on this before returning, nil = immediate
}

// scriptedSubmitter plays its steps in order; past the script every job
// succeeds without a reference id.
type scriptedSubmitter struct {
	mu    sync.Mutex
	steps []submitStep
	jobs  []domain.SubmissionJob
}

func (s *scriptedSubmitter) Submit(_ context.Context, job *domain.SubmissionJob) (*domain.SubmitOutcome, error) {
	s.mu.Lock()
	s.jobs = append(s.jobs, *job)
	step := submitStep{outcome: &domain.SubmitOutcome{Success: true}}
	if len(s.steps) > 0 {
		step = s.steps[0]
		s.steps = s.steps[1:]
	}
	s.mu.Unlock()
	if step.block != nil {
		<-step.block
	}
	return step.outcome, step.err
}

func (s *scriptedSubmitter) Close() error { return nil }

func (s *scriptedSubmitter) seen() []domain.SubmissionJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SubmissionJob, len(s.jobs))
	copy(out, s.jobs)
	return out
}

type fakeMediaStore struct {
	mu      sync.Mutex
	removed []string
}

func (f *fakeMediaStore) Save(senderID, ext string, _ []byte) (string, error) {
	return filepath.Join("/tmp", senderID+ext), nil
}

func (f *fakeMediaStore) Remove(path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, path)
}

func (f *fakeMediaStore) wasRemoved(path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.removed {
		if p == path {
			return true
		}
	}
	return false
}

type recordingNotifier struct {
	mu    sync.Mutex
	notes []string
}

func (r *recordingNotifier) Notify(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, text)
	return nil
}

func (r *recordingNotifier) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.notes))
	copy(out, r.notes)
	return out
}

type harness struct {
	orch      *Orchestrator
	transport *fakeTransport
	extractor *scriptedExtractor
	submitter *scriptedSubmitter
	media     *fakeMediaStore
	notifier  *recordingNotifier
}

func newHarness(t *testing.T, backoff []time.Duration) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	tr := &fakeTransport{}
	ex := &scriptedExtractor{}
	sub := &scriptedSubmitter{}
	med := &fakeMediaStore{}
	not := &recordingNotifier{}
	catalog := reply.NewCatalog()
	store := conversation.NewSessionStore()
	ledger := history.NewLedger(history.LedgerConfig{
		Retention: time.Minute,
		MaxCount:  30,
		Media:     med,
		Logger:    logger,
	})
	index := dedup.NewIndex(dedup.IndexConfig{
		LogPath: filepath.Join(t.TempDir(), "solicitudes.csv"),
		Logger:  logger,
	})
	engine := conversation.NewEngine(conversation.EngineConfig{
		Store:     store,
		Photos:    ledger,
		Extractor: ex,
		Replies:   catalog,
		Logger:    logger,
	})

	orch := New(Config{
		Transport:         tr,
		Extractor:         ex,
		Submitter:         sub,
		Operator:          not,
		Media:             med,
		History:           ledger,
		Sessions:          store,
		Engine:            engine,
		Dedup:             index,
		Replies:           catalog,
		Logger:            logger,
		DebounceBase:      20 * time.Millisecond,
		DebounceExtended:  40 * time.Millisecond,
		InterJobDelay:     time.Millisecond,
		RetryBackoff:      backoff,
		ManualFallbackURL: "https://example.test/manual",
		ExternalBaseURL:   "https://example.test",
	})

	ctx, cancel := context.WithCancel(context.Background())
	if err := orch.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		orch.Stop()
	})
	return &harness{orch: orch, transport: tr, extractor: ex, submitter: sub, media: med, notifier: not}
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func msg(text, media, srcID string) domain.Message {
	return domain.Message{Text: text, MediaPath: media, Timestamp: time.Now(), SourceID: srcID}
}

func TestOrchestrator_CompleteReportSubmitted(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportRecoleccion}},
	}}
	h.submitter.steps = []submitStep{{outcome: &domain.SubmitOutcome{Success: true, ReferenceID: "1234567"}}}

	h.transport.deliver("Vecino", msg("hay basura acumulada en pasteur 415", "/tmp/p1.jpg", "m1"))

	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "success reply")
	got := h.transport.sent()[0]
	if !strings.Contains(got.text, "#1234567") {
		t.Errorf("reply missing reference: %q", got.text)
	}
	if !strings.Contains(got.text, "Pasteur 415") {
		t.Errorf("reply missing address: %q", got.text)
	}
	if got.opts.QuotedMessageID != "m1" {
		t.Errorf("QuotedMessageID = %q, want m1", got.opts.QuotedMessageID)
	}
	if got.opts.MentionID != testSender {
		t.Errorf("MentionID = %q", got.opts.MentionID)
	}

	jobs := h.submitter.seen()
	if len(jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(jobs))
	}
	if jobs[0].Draft.ContainerType != domain.DefaultContainerType {
		t.Errorf("ContainerType = %q, want default", jobs[0].Draft.ContainerType)
	}
	if len(jobs[0].Draft.PhotoPaths) != 1 || jobs[0].Draft.PhotoPaths[0] != "/tmp/p1.jpg" {
		t.Errorf("PhotoPaths = %v", jobs[0].Draft.PhotoPaths)
	}
	waitFor(t, func() bool { return h.media.wasRemoved("/tmp/p1.jpg") }, "photo cleanup")
}

func TestOrchestrator_DuplicateSuppressedWithReference(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportRecoleccion}},
	}}
	h.submitter.steps = []submitStep{{outcome: &domain.SubmitOutcome{Success: true, ReferenceID: "1234567"}}}

	h.transport.deliver("Vecino", msg("basura en pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "first success reply")

	h.transport.deliver("Vecino", msg("sigue la basura en pasteur 415", "", "m2"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 2 }, "duplicate reply")

	got := h.transport.sent()[1].text
	if !strings.Contains(got, "Ya hay una solicitud reciente") {
		t.Errorf("not a duplicate reply: %q", got)
	}
	if !strings.Contains(got, "#1234567") {
		t.Errorf("duplicate reply missing prior reference: %q", got)
	}
	if len(h.submitter.seen()) != 1 {
		t.Errorf("duplicate reached the submitter: %d jobs", len(h.submitter.seen()))
	}
}

func TestOrchestrator_DuplicateWhileInFlightHasNoReference(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportRecoleccion}},
	}}
	h.submitter.steps = []submitStep{
		{outcome: &domain.SubmitOutcome{Success: true, ReferenceID: "1234567"}, block: release},
	}

	h.transport.deliver("Vecino", msg("basura en pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.submitter.seen()) == 1 }, "job in flight")

	// The first job has no reference id yet, so the duplicate notice must not
	// render one.
	h.transport.deliver("Vecino", msg("basura en pasteur 415 otra vez", "", "m2"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "duplicate reply")

	got := h.transport.sent()[0].text
	if !strings.Contains(got, "Ya hay una solicitud reciente") {
		t.Errorf("not a duplicate reply: %q", got)
	}
	if strings.Contains(got, "#") {
		t.Errorf("duplicate reply for an in-flight job must not carry a reference: %q", got)
	}

	close(release)
	waitFor(t, func() bool { return len(h.transport.sent()) >= 2 }, "success reply")
	if len(h.submitter.seen()) != 1 {
		t.Errorf("duplicate reached the submitter: %d jobs", len(h.submitter.seen()))
	}
}

func TestOrchestrator_MissingFieldOpensDialogue(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Uriburu 1200", ReportType: domain.ReportManteros}},
	}}

	h.transport.deliver("Vecino", msg("manteros en uriburu 1200", "", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "schedule question")

	ask := h.transport.sent()[0].text
	if !strings.Contains(ask, "horario") || !strings.Contains(ask, "Uriburu 1200") {
		t.Errorf("unexpected question: %q", ask)
	}
	if h.orch.sessions.OpenCount() != 1 {
		t.Fatalf("OpenCount = %d, want 1", h.orch.sessions.OpenCount())
	}

	h.transport.deliver("Vecino", msg("de 18 a 22", "", "m2"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 2 }, "submission reply")

	jobs := h.submitter.seen()
	if len(jobs) != 1 {
		t.Fatalf("submitted %d jobs, want 1", len(jobs))
	}
	if jobs[0].Draft.Schedule != "de 18 a 22" {
		t.Errorf("Schedule = %q", jobs[0].Draft.Schedule)
	}
	if h.orch.sessions.OpenCount() != 0 {
		t.Errorf("dialogue still open after enqueue")
	}
}

func TestOrchestrator_ExtractionFailureReply(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.err = errors.New("llm down")

	h.transport.deliver("Vecino", msg("hay basura en pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "failure reply")

	if got := h.transport.sent()[0].text; !strings.Contains(got, "No pude procesar") {
		t.Errorf("unexpected reply: %q", got)
	}
	if len(h.submitter.seen()) != 0 {
		t.Errorf("job submitted despite extraction failure")
	}
}

func TestOrchestrator_RetryThenSuccess(t *testing.T) {
	h := newHarness(t, []time.Duration{30 * time.Millisecond})
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportBarrido}},
	}}
	h.submitter.steps = []submitStep{
		{err: errors.New("net timeout")},
		{outcome: &domain.SubmitOutcome{Success: true, ReferenceID: "7654321"}},
	}

	h.transport.deliver("Vecino", msg("no barrieron pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 2 }, "retry then success")

	sends := h.transport.sent()
	if !strings.Contains(sends[0].text, "Reintento 1/1") {
		t.Errorf("first reply not a retry notice: %q", sends[0].text)
	}
	if !strings.Contains(sends[1].text, "#7654321") {
		t.Errorf("second reply not the success: %q", sends[1].text)
	}

	jobs := h.submitter.seen()
	if len(jobs) != 2 {
		t.Fatalf("submitted %d times, want 2", len(jobs))
	}
	if jobs[1].RetryCount != 1 {
		t.Errorf("retry RetryCount = %d, want 1", jobs[1].RetryCount)
	}
	if jobs[0].ID != jobs[1].ID {
		t.Errorf("retry changed the job id")
	}
}

func TestOrchestrator_RetryExhaustionAlertsOperator(t *testing.T) {
	h := newHarness(t, []time.Duration{15 * time.Millisecond})
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportBarrido}},
	}}
	h.submitter.steps = []submitStep{
		{err: errors.New("form down")},
		{err: errors.New("form still down")},
	}

	h.transport.deliver("Vecino", msg("pasteur 415 sin barrer", "/tmp/f1.jpg", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 2 }, "final failure reply")

	final := h.transport.sent()[1].text
	if !strings.Contains(final, "https://example.test/manual") {
		t.Errorf("final reply missing manual fallback url: %q", final)
	}
	waitFor(t, func() bool { return len(h.notifier.all()) >= 1 }, "operator alert")
	if note := h.notifier.all()[0]; !strings.Contains(note, "Pasteur 415") {
		t.Errorf("alert missing address: %q", note)
	}
	waitFor(t, func() bool { return h.media.wasRemoved("/tmp/f1.jpg") }, "photo cleanup")
}

func TestOrchestrator_NeedsInfoReopensDialogue(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportRecoleccion}},
	}}
	question := "El formulario pide una foto del lugar, ¿me la pasás?"
	h.submitter.steps = []submitStep{
		{outcome: &domain.SubmitOutcome{NeedsInfo: true, Field: domain.FieldPhoto, Question: question}},
	}

	h.transport.deliver("Vecino", msg("basura en pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "form question")

	if got := h.transport.sent()[0].text; got != question {
		t.Errorf("question = %q, want the form's own", got)
	}
	if h.orch.sessions.OpenCount() != 1 {
		t.Fatalf("dialogue not reopened")
	}

	// The photo completes the draft; the pending mark was cleared, so the
	// re-enqueue must not be flagged as a duplicate.
	h.transport.deliver("Vecino", msg("", "/tmp/p2.jpg", "m2"))
	waitFor(t, func() bool { return len(h.submitter.seen()) >= 2 }, "resubmission")

	jobs := h.submitter.seen()
	last := jobs[len(jobs)-1]
	if len(last.Draft.PhotoPaths) != 1 || last.Draft.PhotoPaths[0] != "/tmp/p2.jpg" {
		t.Errorf("resubmitted PhotoPaths = %v", last.Draft.PhotoPaths)
	}
}

func TestOrchestrator_InFlightCorrectionResubmits(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.extractor.results = []*domain.ExtractionResult{
		{Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportBarrido}}},
		{IsCorrection: true, CorrectedAddress: "Pasteur 451"},
	}
	h.submitter.steps = []submitStep{
		{outcome: &domain.SubmitOutcome{Success: true}, block: release},
	}

	h.transport.deliver("Vecino", msg("vereda sin barrer en pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.submitter.seen()) == 1 }, "job in flight")

	h.transport.deliver("Vecino", msg("perdón, es pasteur 451", "", "m2"))
	waitFor(t, func() bool {
		for _, s := range h.transport.sent() {
			if strings.Contains(s.text, "La anterior ya estaba saliendo") {
				return true
			}
		}
		return false
	}, "resubmit notice")

	close(release)
	waitFor(t, func() bool { return len(h.submitter.seen()) == 2 }, "corrected clone submitted")

	jobs := h.submitter.seen()
	if jobs[1].Draft.Address != "Pasteur 451" {
		t.Errorf("clone address = %q", jobs[1].Draft.Address)
	}
	if jobs[1].ID == jobs[0].ID {
		t.Errorf("clone kept the original job id")
	}
	if jobs[1].RetryCount != 0 {
		t.Errorf("clone RetryCount = %d, want 0", jobs[1].RetryCount)
	}
}

func TestOrchestrator_QueuedCorrectionAmendsInPlace(t *testing.T) {
	h := newHarness(t, nil)
	release := make(chan struct{})
	h.extractor.results = []*domain.ExtractionResult{
		{Requests: []domain.RequestCandidate{{Address: "Pasteur 415", ReportType: domain.ReportBarrido}}},
		{Requests: []domain.RequestCandidate{{Address: "Uriburu 1200", ReportType: domain.ReportRecoleccion}}},
		{IsCorrection: true, CorrectedAddress: "Uriburu 1250"},
	}
	h.submitter.steps = []submitStep{
		{outcome: &domain.SubmitOutcome{Success: true}, block: release},
	}

	h.transport.deliver("Vecino", msg("vereda sucia en pasteur 415", "", "m1"))
	waitFor(t, func() bool { return len(h.submitter.seen()) == 1 }, "first job in flight")

	h.transport.deliver("Vecino", msg("y basura en uriburu 1200", "", "m2"))
	waitFor(t, func() bool { return h.orch.queue.Depth() == 1 }, "second job queued")

	h.transport.deliver("Vecino", msg("la segunda es uriburu 1250", "", "m3"))
	waitFor(t, func() bool {
		for _, s := range h.transport.sent() {
			if strings.Contains(s.text, "Corregí la dirección a Uriburu 1250") {
				return true
			}
		}
		return false
	}, "amend notice")

	close(release)
	waitFor(t, func() bool { return len(h.submitter.seen()) == 2 }, "queued job submitted")

	if got := h.submitter.seen()[1].Draft.Address; got != "Uriburu 1250" {
		t.Errorf("queued job address = %q, want the correction", got)
	}
}

func TestOrchestrator_ConversationalReplyWithoutRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		ShouldRespond: true,
		Response:      "¡Hola! Contame qué pasa y en qué dirección.",
	}}

	h.transport.deliver("Vecino", msg("hola bot, estás?", "", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "conversational reply")

	if got := h.transport.sent()[0].text; got != "¡Hola! Contame qué pasa y en qué dirección." {
		t.Errorf("reply = %q", got)
	}
	if h.orch.sessions.OpenCount() != 0 {
		t.Errorf("conversational reply opened a dialogue")
	}
	if len(h.submitter.seen()) != 0 {
		t.Errorf("conversational batch reached the submitter")
	}
}

func TestOrchestrator_PhotoWithoutRequestOpensDialogue(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		ShouldRespond: true,
		Response:      "¿Qué pasa ahí? ¿En qué dirección es?",
	}}

	h.transport.deliver("Vecino", msg("mirá esto", "/tmp/snap.jpg", "m1"))
	waitFor(t, func() bool { return len(h.transport.sent()) >= 1 }, "follow-up question")

	if h.orch.sessions.OpenCount() != 1 {
		t.Fatalf("photo batch did not open a dialogue")
	}
	st := h.orch.sessions.State(testSender)
	if st == nil || st.Awaiting != domain.FieldAddress {
		t.Fatalf("awaiting = %v, want address", st)
	}
	if len(st.Draft.PhotoPaths) != 1 || st.Draft.PhotoPaths[0] != "/tmp/snap.jpg" {
		t.Errorf("snapshot photos = %v", st.Draft.PhotoPaths)
	}
}

func TestOrchestrator_SecondIncompleteCandidateWaitsItsTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.extractor.results = []*domain.ExtractionResult{{
		Requests: []domain.RequestCandidate{
			{Address: "Pasteur 415", ReportType: domain.ReportRecoleccion},
			{Address: "Uriburu 1200", ReportType: domain.ReportVehiculo},
		},
	}}

	h.transport.deliver("Vecino", msg("basura en pasteur 415 y un auto trucho en uriburu 1200", "", "m1"))
	waitFor(t, func() bool { return len(h.submitter.seen()) >= 1 }, "complete candidate submitted")
	waitFor(t, func() bool {
		for _, s := range h.transport.sent() {
			if strings.Contains(s.text, "2 fotos") {
				return true
			}
		}
		return false
	}, "vehicle photo question")

	if got := h.submitter.seen()[0].Draft.Address; got != "Pasteur 415" {
		t.Errorf("submitted candidate = %q", got)
	}
	if h.orch.sessions.OpenCount() != 1 {
		t.Errorf("vehicle candidate did not open a dialogue")
	}
}
