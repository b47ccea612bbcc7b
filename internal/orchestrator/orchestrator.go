// Package orchestrator wires the whole pipeline: inbound messages flow into
// the history ledger and the pending buffer; when a debounce fires the batch
// is interpreted against the open dialogue or run through fresh extraction;
// resolved drafts pass the duplicate index and enter the submission queue.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/archive"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/buffer"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/conversation"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/dedup"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/domain"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/history"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/metrics"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/queue"
	"github.com/bradlymcgregorhale/bacollab-whatsapp/internal/reply"
)

// OutcomeSink archives terminal submission outcomes. Satisfied by
// archive.Store; nil disables archiving.
type OutcomeSink interface {
	RecordOutcome(ctx context.Context, row archive.SubmissionRow) error
}

// Orchestrator coordinates all components. One per process.
type Orchestrator struct {
	transport domain.ChatTransport
	extractor domain.RequestExtractor
	submitter domain.SolicitudSubmitter
	poster    domain.SocialPoster
	operator  domain.OperatorNotifier
	media     domain.MediaStore

	hist     *history.Ledger
	pending  *buffer.Pending
	sessions *conversation.SessionStore
	engine   *conversation.Engine
	dedup    *dedup.Index
	queue    *queue.Queue
	retries  *queue.RetryScheduler
	outcomes OutcomeSink
	replies  *reply.Catalog
	logger   *slog.Logger

	manualFallbackURL string
	externalBaseURL   string
	historyWindow     int

	senderMu sync.RWMutex
	senders  map[string]domain.SenderIdentity

	ctx context.Context

	mBatches    *metrics.Counter
	mSubmitOK   *metrics.Counter
	mSubmitFail *metrics.Counter
	mRetries    *metrics.Counter
	mDedupHits  *metrics.Counter
	mQueueDepth *metrics.Gauge
	mOpenConvs  *metrics.Gauge
}

// Config holds every dependency. Transport, extractor, submitter, media,
// history, sessions, engine, dedup and replies are required; poster,
// operator and outcomes may be nil.
type Config struct {
	Transport domain.ChatTransport
	Extractor domain.RequestExtractor
	Submitter domain.SolicitudSubmitter
	Poster    domain.SocialPoster
	Operator  domain.OperatorNotifier
	Media     domain.MediaStore

	History  *history.Ledger
	Sessions *conversation.SessionStore
	Engine   *conversation.Engine
	Dedup    *dedup.Index
	Outcomes OutcomeSink
	Replies  *reply.Catalog
	Metrics  *metrics.Collector
	Logger   *slog.Logger

	DebounceBase      time.Duration
	DebounceExtended  time.Duration
	InterJobDelay     time.Duration
	RetryBackoff      []time.Duration
	ManualFallbackURL string
	ExternalBaseURL   string
	HistoryWindow     int // messages of history given to the extractor as context
}

func New(cfg Config) *Orchestrator {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewCollector()
	}
	o := &Orchestrator{
		transport:         cfg.Transport,
		extractor:         cfg.Extractor,
		submitter:         cfg.Submitter,
		poster:            cfg.Poster,
		operator:          cfg.Operator,
		media:             cfg.Media,
		hist:              cfg.History,
		sessions:          cfg.Sessions,
		engine:            cfg.Engine,
		dedup:             cfg.Dedup,
		outcomes:          cfg.Outcomes,
		replies:           cfg.Replies,
		logger:            cfg.Logger,
		manualFallbackURL: cfg.ManualFallbackURL,
		externalBaseURL:   cfg.ExternalBaseURL,
		historyWindow:     cfg.HistoryWindow,
		senders:           make(map[string]domain.SenderIdentity),

		mBatches:    cfg.Metrics.Counter("bacollab_batches_total", "Processing passes run"),
		mSubmitOK:   cfg.Metrics.Counter("bacollab_submissions_ok_total", "Successful submissions"),
		mSubmitFail: cfg.Metrics.Counter("bacollab_submissions_failed_total", "Terminally failed submissions"),
		mRetries:    cfg.Metrics.Counter("bacollab_retries_total", "Retry attempts scheduled"),
		mDedupHits:  cfg.Metrics.Counter("bacollab_dedup_hits_total", "Candidates suppressed as duplicates"),
		mQueueDepth: cfg.Metrics.Gauge("bacollab_queue_depth", "Jobs waiting in the submission queue"),
		mOpenConvs:  cfg.Metrics.Gauge("bacollab_open_conversations", "Senders with an open dialogue"),
	}

	o.queue = queue.New(queue.Config{
		InterJobDelay: cfg.InterJobDelay,
		Submit:        o.submitJob,
		Logger:        cfg.Logger,
	})
	o.retries = queue.NewRetryScheduler(queue.RetryConfig{
		Backoff: cfg.RetryBackoff,
		Queue:   o.queue,
		Logger:  cfg.Logger,
	})
	o.pending = buffer.NewPending(buffer.PendingConfig{
		BaseDelay:     cfg.DebounceBase,
		ExtendedDelay: cfg.DebounceExtended,
		Flush:         o.onBatchReady,
		Logger:        cfg.Logger,
	})
	return o
}

// Start hooks the transport and replays the recovery tail.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.ctx = ctx
	o.transport.OnMessage(o.handleInbound)
	if err := o.transport.Start(ctx); err != nil {
		return err
	}
	o.recoverRecent(ctx)
	return nil
}

// Stop tears everything down in dependency order.
func (o *Orchestrator) Stop() {
	o.pending.Stop()
	o.retries.Stop()
	if err := o.transport.Stop(); err != nil {
		o.logger.Warn("transport stop", "err", err)
	}
	if err := o.submitter.Close(); err != nil {
		o.logger.Warn("submitter close", "err", err)
	}
}

// handleInbound records the message and re-arms the sender's debounce.
func (o *Orchestrator) handleInbound(ctx context.Context, ev domain.InboundEvent) {
	o.hist.Record(ev.Sender.ID, ev.Message)
	o.senderMu.Lock()
	o.senders[ev.Sender.ID] = ev.Sender
	o.senderMu.Unlock()
	o.pending.Add(ev.Sender.ID, ev.Message)
}

func (o *Orchestrator) senderFor(id string) domain.SenderIdentity {
	o.senderMu.RLock()
	defer o.senderMu.RUnlock()
	if s, ok := o.senders[id]; ok {
		return s
	}
	return domain.SenderIdentity{ID: id}
}

// onBatchReady is the debounce callback: one processing pass per quiet
// period, serialized per sender.
func (o *Orchestrator) onBatchReady(senderID string, _ []domain.Message) {
	go o.processBatch(o.ctx, senderID)
}

// recoverRecent replays the persisted inbound tail through the normal
// pipeline after a restart, respecting the same conversation rules. The
// dedup windows make replayed, already-submitted reports harmless.
func (o *Orchestrator) recoverRecent(ctx context.Context) {
	events, err := o.transport.RecentMessages(ctx, 10)
	if err != nil {
		o.logger.Warn("recovery scan failed", "err", err)
		return
	}
	for _, ev := range events {
		o.handleInbound(ctx, ev)
	}
	if len(events) > 0 {
		o.logger.Info("recovery scan replayed messages", "count", len(events))
	}
}
