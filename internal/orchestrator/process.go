package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/archive"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/conversation"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/queue"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/reply"
)

// processBatch runs one pass over the sender's accumulated batch. All of it
// happens under the sender's session lock, so replies, fresh extractions and
// state transitions for one sender never interleave.
func (o *Orchestrator) processBatch(ctx context.Context, senderID string) {
	unlock := o.sessions.Lock(senderID)
	defer unlock()

	batch := o.pending.Take(senderID)
	if len(batch) == 0 {
		return
	}
	o.mBatches.Inc()
	defer func() {
		o.mOpenConvs.Set(int64(o.sessions.OpenCount()))
		o.mQueueDepth.Set(int64(o.queue.Depth()))
	}()

	sender := o.senderFor(senderID)
	quoted := lastSourceID(batch)

	if o.sessions.State(senderID) != nil {
		action, err := o.engine.HandleReply(ctx, senderID, batch)
		if err != nil {
			o.logger.Error("reply interpretation failed", "sender", senderID, "err", err)
			o.send(ctx, o.replies.Render(reply.ExtractionFailed, nil), sender, quoted)
			return
		}
		o.applyAction(ctx, sender, action, batch, quoted)
		return
	}

	o.freshExtract(ctx, sender, batch, quoted)
}

func (o *Orchestrator) applyAction(ctx context.Context, sender domain.SenderIdentity, action conversation.Action, batch []domain.Message, quoted string) {
	switch action.Kind {
	case conversation.ActionAsk:
		o.send(ctx, action.Question, sender, quoted)

	case conversation.ActionEnqueue:
		o.enqueueDraft(ctx, sender, *action.Draft, quoted)
		o.drainDeferred(ctx, sender, quoted)

	case conversation.ActionSupersede:
		o.freshExtract(ctx, sender, batch, quoted)
	}
}

// drainDeferred surfaces queued drafts one at a time after the current one
// resolved: complete drafts go straight to the queue, the first incomplete
// one opens the next dialogue.
func (o *Orchestrator) drainDeferred(ctx context.Context, sender domain.SenderIdentity, quoted string) {
	for {
		action, ok := o.engine.NextVehicleAsk(sender.ID)
		if !ok {
			return
		}
		if action.Kind == conversation.ActionEnqueue {
			o.enqueueDraft(ctx, sender, *action.Draft, quoted)
			continue
		}
		o.send(ctx, action.Question, sender, quoted)
		return
	}
}

// freshExtract runs the LLM over a batch with no open dialogue (or one that
// was just superseded).
func (o *Orchestrator) freshExtract(ctx context.Context, sender domain.SenderIdentity, batch []domain.Message, quoted string) {
	res, err := o.extractor.Extract(ctx, o.extractionInput(sender, batch))
	if err != nil {
		o.logger.Error("extraction failed", "sender", sender.ID, "err", err)
		o.send(ctx, o.replies.Render(reply.ExtractionFailed, nil), sender, quoted)
		return
	}

	if res.IsCorrection && res.CorrectedAddress != "" {
		o.applyCorrection(ctx, sender, res.CorrectedAddress, quoted)
		return
	}

	if len(res.Requests) == 0 {
		o.handleEmptyExtraction(ctx, sender, res, batch, quoted)
		return
	}

	asked := false
	for _, cand := range res.Requests {
		draft := o.draftFrom(cand, batch, len(res.Requests) == 1)
		draft.Normalize()

		if !plausibleAddress(draft.Address) {
			draft.Address = ""
		}

		tag, missing := draft.MissingField()
		if !missing {
			o.enqueueDraft(ctx, sender, draft, quoted)
			continue
		}
		if !asked {
			action := o.engine.Await(sender.ID, draft, tag)
			o.send(ctx, action.Question, sender, quoted)
			asked = true
			continue
		}
		// Only one open question per sender; further incomplete drafts wait
		// their turn.
		o.sessions.Vehicles(sender.ID, true).Push(draft)
	}

	if !asked {
		o.drainDeferred(ctx, sender, quoted)
	}
}

// handleEmptyExtraction covers batches the model answered conversationally
// without producing a request. A photo in the batch still opens a dialogue
// so the sender's answer lands in the state machine instead of a cold
// re-extraction.
func (o *Orchestrator) handleEmptyExtraction(ctx context.Context, sender domain.SenderIdentity, res *domain.ExtractionResult, batch []domain.Message, quoted string) {
	if !res.ShouldRespond || res.Response == "" {
		return
	}
	if photos := photosOf(batch); len(photos) > 0 {
		draft := domain.RequestDraft{PhotoPaths: photos}
		draft.Address = conversation.FindAddress(joinedText(batch))
		tag := res.AwaitingField
		if tag == "" {
			tag = domain.FieldReportType
			if draft.Address == "" {
				tag = domain.FieldAddress
			}
		}
		action := o.engine.AwaitWithQuestion(sender.ID, draft, tag, res.Response)
		o.send(ctx, action.Question, sender, quoted)
		return
	}
	o.send(ctx, res.Response, sender, quoted)
}

// applyCorrection rewrites the address of the sender's queued job. A job
// already inside the browser cannot be touched, so a corrected clone is
// enqueued behind it instead.
func (o *Orchestrator) applyCorrection(ctx context.Context, sender domain.SenderIdentity, address string, quoted string) {
	if cleaned, err := o.extractor.CleanAddress(ctx, address); err == nil && cleaned != "" {
		address = cleaned
	}

	switch o.queue.AmendAddress(sender.ID, address) {
	case queue.AmendApplied:
		o.logger.Info("queued job amended", "sender", sender.ID, "address", address)
		o.send(ctx, o.replies.Render(reply.CorrectionQueued, map[string]string{"address": address}), sender, quoted)

	case queue.AmendInFlight:
		job, ok := o.queue.InFlightJob(sender.ID)
		if !ok {
			// Finished between the check and the copy; resubmit anyway.
			o.logger.Warn("in-flight job gone during correction", "sender", sender.ID)
		}
		clone := job
		clone.ID = uuid.NewString()
		clone.Draft.Address = address
		clone.RetryCount = 0
		clone.EnqueuedAt = time.Now()
		o.dedup.MarkPending(clone.Draft.Address, clone.Draft.ReportType, clone.Draft.Patente)
		o.queue.Push(o.ctx, &clone)
		o.send(ctx, o.replies.Render(reply.CorrectionResubmitted, map[string]string{"address": address}), sender, quoted)

	default:
		o.logger.Info("correction with nothing queued", "sender", sender.ID, "address", address)
	}
}

// enqueueDraft is the single funnel into the submission queue: every draft
// passes the duplicate index here, whether it came from fresh extraction or
// a completed dialogue.
func (o *Orchestrator) enqueueDraft(ctx context.Context, sender domain.SenderIdentity, draft domain.RequestDraft, quoted string) {
	if prior, hit := o.dedup.Check(draft.Address, draft.ReportType, draft.Patente); hit {
		o.mDedupHits.Inc()
		o.logger.Info("duplicate suppressed", "sender", sender.ID, "address", draft.Address, "type", draft.ReportType)
		ref := ""
		if prior != nil {
			// In-memory hits have no reference id yet, the prior one is still
			// in flight.
			ref = prior.ReferenceID
		}
		key := reply.DuplicateFound
		if ref == "" {
			key = reply.DuplicateFoundNoRef
		}
		o.send(ctx, o.replies.Render(key, map[string]string{
			"address": draft.Address,
			"tipo":    string(draft.ReportType),
			"ref":     ref,
		}), sender, quoted)
		o.archiveOutcome(ctx, &domain.SubmissionJob{SenderID: sender.ID, Draft: draft}, archive.OutcomeDuplicate, ref, "")
		return
	}

	o.dedup.MarkPending(draft.Address, draft.ReportType, draft.Patente)
	job := &domain.SubmissionJob{
		ID:              uuid.NewString(),
		SenderID:        sender.ID,
		SenderName:      sender.DisplayName,
		Draft:           draft,
		QuotedMessageID: quoted,
		EnqueuedAt:      time.Now(),
	}
	o.logger.Info("job enqueued", "job", job.ID, "sender", sender.ID, "address", draft.Address, "type", draft.ReportType)
	o.queue.Push(o.ctx, job)
}

// submitJob is the queue worker callback. It must classify every outcome
// itself and never panic.
func (o *Orchestrator) submitJob(ctx context.Context, job *domain.SubmissionJob) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("submission panicked", "job", job.ID, "panic", r)
			o.dedup.ClearPending(job.Draft.Address, job.Draft.ReportType, job.Draft.Patente)
			o.scheduleRetry(ctx, job, fmt.Sprint(r))
		}
	}()

	sender := o.senderFor(job.SenderID)
	outcome, err := o.submitter.Submit(ctx, job)
	if err != nil {
		o.logger.Error("submission error", "job", job.ID, "err", err)
		o.dedup.ClearPending(job.Draft.Address, job.Draft.ReportType, job.Draft.Patente)
		o.scheduleRetry(ctx, job, err.Error())
		return
	}

	switch {
	case outcome.Success:
		o.finishSuccess(ctx, sender, job, outcome)

	case outcome.NeedsInfo:
		// The form wants something the draft is missing. Re-open the dialogue
		// with the form's own question; the completed draft re-enters through
		// the normal enqueue funnel later, so clear the pending mark now.
		o.dedup.ClearPending(job.Draft.Address, job.Draft.ReportType, job.Draft.Patente)
		unlock := o.sessions.Lock(job.SenderID)
		action := o.engine.AwaitWithQuestion(job.SenderID, job.Draft, outcome.Field, outcome.Question)
		unlock()
		o.send(ctx, action.Question, sender, job.QuotedMessageID)
		o.archiveOutcome(ctx, job, archive.OutcomeNeedsInfo, "", string(outcome.Field))

	default:
		o.logger.Warn("submission rejected", "job", job.ID, "error_text", truncateText(outcome.ErrorText, 200))
		o.dedup.ClearPending(job.Draft.Address, job.Draft.ReportType, job.Draft.Patente)
		o.scheduleRetry(ctx, job, outcome.ErrorText)
	}
}

func (o *Orchestrator) finishSuccess(ctx context.Context, sender domain.SenderIdentity, job *domain.SubmissionJob, outcome *domain.SubmitOutcome) {
	o.mSubmitOK.Inc()
	rec := domain.DuplicateRecord{
		ReferenceID: outcome.ReferenceID,
		Address:     job.Draft.Address,
		ReportType:  job.Draft.ReportType,
		Patente:     job.Draft.Patente,
		URL:         o.externalBaseURL,
		Timestamp:   time.Now(),
	}
	if err := o.dedup.RecordSuccess(rec); err != nil {
		o.logger.Error("submission log append failed", "job", job.ID, "err", err)
	}
	// The persisted record supersedes the enqueue-time mark; dropping the mark
	// lets later duplicate replies carry the reference id.
	o.dedup.ClearPending(job.Draft.Address, job.Draft.ReportType, job.Draft.Patente)
	o.archiveOutcome(ctx, job, archive.OutcomeSuccess, outcome.ReferenceID, "")

	vars := map[string]string{
		"address": job.Draft.Address,
		"tipo":    string(job.Draft.ReportType),
		"ref":     outcome.ReferenceID,
	}
	key := reply.SubmitSuccessRef
	if outcome.ReferenceID == "" {
		key = reply.SubmitSuccessNoRef
	}
	o.send(ctx, o.replies.Render(key, vars), sender, job.QuotedMessageID)

	if o.poster != nil && job.Draft.PostToX {
		post := domain.SocialPost{
			Address:     job.Draft.Address,
			ReportType:  job.Draft.ReportType,
			ReferenceID: outcome.ReferenceID,
		}
		if len(job.Draft.PhotoPaths) > 0 {
			post.PhotoPath = job.Draft.PhotoPaths[0]
		}
		if err := o.poster.Post(ctx, post); err != nil {
			// Cross-posting never fails the submission.
			o.logger.Warn("social post failed", "job", job.ID, "err", err)
		}
	}

	for _, p := range job.Draft.PhotoPaths {
		o.media.Remove(p)
	}
	o.logger.Info("submission succeeded", "job", job.ID, "ref", outcome.ReferenceID)
}

func (o *Orchestrator) scheduleRetry(ctx context.Context, job *domain.SubmissionJob, detail string) {
	sender := o.senderFor(job.SenderID)

	if delay, attempt, ok := o.retries.Schedule(o.ctx, job); ok {
		o.mRetries.Inc()
		o.archiveOutcome(ctx, job, archive.OutcomeRetry, "", detail)
		o.send(ctx, o.replies.Render(reply.RetryScheduled, map[string]string{
			"address": job.Draft.Address,
			"attempt": fmt.Sprintf("%d/%d", attempt, o.retries.MaxAttempts()),
			"eta":     formatDelay(delay),
		}), sender, job.QuotedMessageID)
		return
	}

	o.mSubmitFail.Inc()
	o.logger.Error("submission failed terminally", "job", job.ID, "address", job.Draft.Address, "detail", truncateText(detail, 300))
	o.archiveOutcome(ctx, job, archive.OutcomeFailed, "", detail)
	o.send(ctx, o.replies.Render(reply.RetryFinalFailure, map[string]string{
		"address": job.Draft.Address,
		"url":     o.manualFallbackURL,
	}), sender, job.QuotedMessageID)
	if o.operator != nil {
		msg := fmt.Sprintf("solicitud agotó reintentos: %s / %s (%s)", job.Draft.ReportType, job.Draft.Address, truncateText(detail, 200))
		if err := o.operator.Notify(ctx, msg); err != nil {
			o.logger.Warn("operator alert failed", "err", err)
		}
	}
	for _, p := range job.Draft.PhotoPaths {
		o.media.Remove(p)
	}
}

func (o *Orchestrator) archiveOutcome(ctx context.Context, job *domain.SubmissionJob, outcome, refID, detail string) {
	if o.outcomes == nil {
		return
	}
	row := archive.SubmissionRow{
		JobID:       job.ID,
		SenderID:    job.SenderID,
		Address:     job.Draft.Address,
		ReportType:  job.Draft.ReportType,
		Patente:     job.Draft.Patente,
		Outcome:     outcome,
		ReferenceID: refID,
		Detail:      truncateText(detail, 500),
		RetryCount:  job.RetryCount,
	}
	if err := o.outcomes.RecordOutcome(ctx, row); err != nil {
		o.logger.Warn("archive write failed", "job", job.ID, "err", err)
	}
}

func (o *Orchestrator) send(ctx context.Context, text string, sender domain.SenderIdentity, quoted string) {
	if text == "" {
		return
	}
	opts := domain.SendOptions{MentionID: sender.ID, QuotedMessageID: quoted}
	if err := o.transport.Send(ctx, text, opts); err != nil {
		o.logger.Error("send failed", "sender", sender.ID, "err", err)
	}
}

// extractionInput assembles the model's view of the batch plus recent
// history. The batch's own messages are excluded from the context block.
func (o *Orchestrator) extractionInput(sender domain.SenderIdentity, batch []domain.Message) domain.ExtractionInput {
	inBatch := make(map[string]bool, len(batch))
	for _, m := range batch {
		if m.SourceID != "" {
			inBatch[m.SourceID] = true
		}
	}

	var history []string
	for _, m := range o.hist.Recent(sender.ID, o.historyWindow) {
		if inBatch[m.SourceID] || strings.TrimSpace(m.Text) == "" {
			continue
		}
		line := "- " + m.Text
		if m.HasMedia() {
			line += " [foto]"
		}
		history = append(history, line)
	}

	msgs := make([]domain.ExtractionMessage, len(batch))
	for i, m := range batch {
		msgs[i] = domain.ExtractionMessage{
			Text:      m.Text,
			HasPhoto:  m.HasMedia(),
			MediaPath: m.MediaPath,
			Index:     i,
		}
	}
	return domain.ExtractionInput{
		SenderName:     sender.DisplayName,
		Messages:       msgs,
		HistoryContext: strings.Join(history, "\n"),
	}
}

// draftFrom maps a candidate onto a draft, attaching the batch photos its
// message indexes reference. A lone candidate claims every photo in the
// batch, index bookkeeping or not.
func (o *Orchestrator) draftFrom(cand domain.RequestCandidate, batch []domain.Message, lone bool) domain.RequestDraft {
	draft := domain.RequestDraft{
		Address:        strings.TrimSpace(cand.Address),
		ReportType:     cand.ReportType,
		ContainerType:  cand.ContainerType,
		Schedule:       cand.Schedule,
		SituationType:  cand.SituationType,
		Patente:        conversation.ExtractPlate(cand.Patente),
		InfractionTime: cand.InfractionTime,
		PostToX:        cand.PostToX,
		MsgIndexes:     cand.MsgIndexes,
	}
	for _, idx := range cand.MsgIndexes {
		if idx >= 0 && idx < len(batch) && batch[idx].HasMedia() {
			draft.PhotoPaths = append(draft.PhotoPaths, batch[idx].MediaPath)
		}
	}
	if len(draft.PhotoPaths) == 0 && lone {
		draft.PhotoPaths = photosOf(batch)
	}
	return draft
}

// plausibleAddress rejects placeholders the model sometimes emits instead of
// leaving the field empty.
func plausibleAddress(addr string) bool {
	if len(addr) < 3 || len(addr) > 100 {
		return false
	}
	if !strings.ContainsAny(addr, "0123456789") {
		return false
	}
	lower := strings.ToLower(addr)
	for _, ph := range []string{"sin direccion", "sin dirección", "desconocid", "no especifica", "n/a"} {
		if strings.Contains(lower, ph) {
			return false
		}
	}
	return true
}

func photosOf(batch []domain.Message) []string {
	var out []string
	for _, m := range batch {
		if m.HasMedia() {
			out = append(out, m.MediaPath)
		}
	}
	return out
}

func joinedText(batch []domain.Message) string {
	var parts []string
	for _, m := range batch {
		if t := strings.TrimSpace(m.Text); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " ")
}

func lastSourceID(batch []domain.Message) string {
	for i := len(batch) - 1; i >= 0; i-- {
		if batch[i].SourceID != "" {
			return batch[i].SourceID
		}
	}
	return ""
}

func formatDelay(d time.Duration) string {
	if d < time.Hour {
		return fmt.Sprintf("%d min", int(d.Minutes()))
	}
	return fmt.Sprintf("%.1f h", d.Hours())
}

func truncateText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
