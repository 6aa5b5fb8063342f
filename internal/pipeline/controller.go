// Package pipeline fans a generated text stream out to the live client and to
// a per-request synthesis task that fills the audio cache.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-narrator/internal/audiocache"
	"github.com/loqalabs/loqa-narrator/internal/eventstore"
	"github.com/loqalabs/loqa-narrator/internal/llm"
	"github.com/loqalabs/loqa-narrator/internal/protocol"
	"github.com/loqalabs/loqa-narrator/internal/segment"
	"github.com/loqalabs/loqa-narrator/internal/tts"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// ErrorMarker is written to the live stream when generation fails midway.
const ErrorMarker = "\n\n[error: generation failed]"

var (
	ErrProducerFailure = errors.New("generation failed")
	ErrClosed          = errors.New("pipeline closed")
)

// LiveSink receives generated text as it arrives. Flush pushes buffered
// bytes to the client.
type LiveSink interface {
	io.Writer
	Flush()
}

// Notifier is told about cache progress. *bus.Client implements it.
type Notifier interface {
	FragmentReady(protocol.AudioFragmentReady)
	Completed(protocol.AudioComplete)
}

// Recorder persists the request timeline. *eventstore.Store implements it.
type Recorder interface {
	AppendRequest(ctx context.Context, req eventstore.Request) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
}

type Job struct {
	RequestID string
	Kind      string
	Prompt    string
	System    string
	VoiceID   string
}

// Result is the outcome of the live path. Fragments counts audio appended by
// the time generation ended.
type Result struct {
	RequestID string
	Text      string
	Fragments int
}

type Options struct {
	Generator      llm.Generator
	Defaults       llm.Request
	Synthesizer    tts.Synthesizer // nil disables background synthesis
	Voices         tts.Resolver
	Cache          *audiocache.Cache
	Notifier       Notifier
	Recorder       Recorder
	RequestTimeout time.Duration
	MeterProvider  metric.MeterProvider // nil uses the global provider
	Logger         *slog.Logger
}

type Controller struct {
	gen      llm.Generator
	defaults llm.Request
	synth    tts.Synthesizer
	voices   tts.Resolver
	cache    *audiocache.Cache
	notifier Notifier
	recorder Recorder
	timeout  time.Duration
	log      *slog.Logger
	tracer   trace.Tracer
	metrics  *metrics

	base   context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func New(opts Options) (*Controller, error) {
	if opts.Generator == nil {
		return nil, errors.New("pipeline: generator is required")
	}
	if opts.Cache == nil {
		return nil, errors.New("pipeline: audio cache is required")
	}
	if opts.Synthesizer != nil && opts.Voices == nil {
		return nil, errors.New("pipeline: voice resolver is required when synthesis is enabled")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 5 * time.Minute
	}

	if opts.MeterProvider == nil {
		opts.MeterProvider = otel.GetMeterProvider()
	}

	m, err := newMetrics(opts.MeterProvider.Meter(instrumentationName), opts.Cache.Len)
	if err != nil {
		return nil, fmt.Errorf("init pipeline metrics: %w", err)
	}

	base, cancel := context.WithCancel(context.Background())
	return &Controller{
		gen:      opts.Generator,
		defaults: opts.Defaults,
		synth:    opts.Synthesizer,
		voices:   opts.Voices,
		cache:    opts.Cache,
		notifier: opts.Notifier,
		recorder: opts.Recorder,
		timeout:  opts.RequestTimeout,
		log:      opts.Logger.With(slog.String("component", "pipeline")),
		tracer:   otel.Tracer(instrumentationName),
		metrics:  m,
		base:     base,
		cancel:   cancel,
	}, nil
}

// Run streams the generated answer for job into sink and starts the
// background synthesis task. It returns when generation ends; synthesis may
// still be running. A client that goes away does not stop either side: both
// continue under the request timeout until the audio entry is complete.
func (c *Controller) Run(ctx context.Context, job Job, sink LiveSink) (Result, error) {
	if job.RequestID == "" {
		job.RequestID = uuid.NewString()
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Result{RequestID: job.RequestID}, ErrClosed
	}
	c.wg.Add(1)
	c.mu.Unlock()
	log := c.log.With(slog.String("request_id", job.RequestID))

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	stop := context.AfterFunc(c.base, cancel)
	var users atomic.Int32
	users.Store(2)
	release := func() {
		if users.Add(-1) == 0 {
			stop()
			cancel()
		}
	}
	defer release()

	runCtx, span := c.tracer.Start(runCtx, "pipeline.run",
		trace.WithAttributes(attribute.String("request.id", job.RequestID), attribute.String("request.kind", job.Kind)))
	defer span.End()

	c.record(runCtx, log, eventstore.Request{ID: job.RequestID, Kind: job.Kind, Voice: job.VoiceID},
		eventstore.Event{RequestID: job.RequestID, Type: eventstore.TypePrompt, Payload: job.Prompt})

	entry := c.cache.Begin(job.RequestID)
	queue := newFragmentQueue()

	go func() {
		defer c.wg.Done()
		defer release()
		c.synthesize(runCtx, job, entry, queue, log)
	}()

	req := c.defaults
	req.RequestID = job.RequestID
	req.Prompt = job.Prompt
	if job.System != "" {
		req.System = job.System
	}

	var text strings.Builder
	live := sink
	err := c.gen.Generate(runCtx, req, func(chunk llm.Chunk) error {
		if chunk.Content == "" {
			return nil
		}
		text.WriteString(chunk.Content)
		if live != nil {
			if _, werr := io.WriteString(live, chunk.Content); werr != nil {
				log.Info("live client went away, continuing in background", slogError(werr))
				live = nil
			} else {
				live.Flush()
			}
		}
		queue.Push(chunk.Content)
		return nil
	})

	result := Result{RequestID: job.RequestID}
	if err != nil {
		if live != nil {
			if _, werr := io.WriteString(live, ErrorMarker); werr == nil {
				live.Flush()
			}
		}
		text.WriteString(ErrorMarker)
		result.Text = text.String()
		span.RecordError(err)
		span.SetStatus(codes.Error, "generation failed")
		log.Error("generation failed", slogError(err))
		// The response event must precede the completion event written by
		// the synthesis task, so it is recorded before the queue ends.
		c.record(runCtx, log, eventstore.Request{},
			eventstore.Event{RequestID: job.RequestID, Type: eventstore.TypeResponse, Payload: result.Text})
		queue.Abort()
		return result, fmt.Errorf("%w: %w", ErrProducerFailure, err)
	}

	result.Text = text.String()
	c.record(runCtx, log, eventstore.Request{},
		eventstore.Event{RequestID: job.RequestID, Type: eventstore.TypeResponse, Payload: result.Text})
	queue.Close()
	result.Fragments = entry.Len()
	return result, nil
}

func (c *Controller) synthesize(ctx context.Context, job Job, entry *audiocache.Entry, queue *fragmentQueue, log *slog.Logger) {
	fragments := 0
	outcome := protocol.OutcomeCompleted
	defer func() {
		c.complete(ctx, job.RequestID, entry, fragments, outcome, log)
	}()

	if c.synth == nil {
		queue.Abort()
		outcome = protocol.OutcomeDisabled
		return
	}

	modelPath, err := c.voices.Resolve(job.VoiceID)
	if err != nil {
		queue.Abort()
		outcome = protocol.OutcomeVoiceMissing
		log.Warn("voice unavailable, audio disabled for request", slog.String("voice", job.VoiceID), slogError(err))
		return
	}

	seg := segment.New()
	speak := func(s segment.Sentence) {
		if c.speak(ctx, job.RequestID, modelPath, fragments, s, entry, log) {
			fragments++
		}
	}

	for {
		fragment, ok := queue.Pop(ctx)
		if !ok {
			break
		}
		for _, s := range seg.Feed(fragment) {
			speak(s)
		}
	}

	switch {
	case queue.Aborted():
		outcome = protocol.OutcomeProducerError
	case ctx.Err() != nil:
		outcome = protocol.OutcomeCancelled
	default:
		if s, ok := seg.Flush(); ok {
			speak(s)
		}
		if ctx.Err() != nil {
			outcome = protocol.OutcomeCancelled
		}
	}
}

// speak synthesizes one sentence and appends the result. Failures are logged
// and the sentence is skipped.
func (c *Controller) speak(ctx context.Context, requestID, modelPath string, seq int, s segment.Sentence, entry *audiocache.Entry, log *slog.Logger) bool {
	if ctx.Err() != nil || s.Text == "" {
		return false
	}
	ctx, span := c.tracer.Start(ctx, "pipeline.synthesize", trace.WithAttributes(attribute.Int("sentence.chars", len(s.Text))))
	defer span.End()

	started := time.Now()
	audio, err := c.synth.Synthesize(ctx, tts.SynthRequest{RequestID: requestID, Text: s.Text, ModelPath: modelPath})
	c.metrics.duration.Record(ctx, float64(time.Since(started).Milliseconds()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "synthesis failed")
		c.metrics.failures.Add(ctx, 1)
		log.Warn("sentence synthesis failed, skipping", slog.String("sentence", s.Text), slogError(err))
		return false
	}

	if !entry.Append(audio.Base64()) {
		return false
	}
	c.metrics.synthesized.Add(ctx, 1)
	if c.notifier != nil {
		c.notifier.FragmentReady(protocol.AudioFragmentReady{
			RequestID:  requestID,
			Sequence:   seq,
			Bytes:      len(audio.Data),
			DurationMS: audio.Duration.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
	}
	return true
}

func (c *Controller) complete(ctx context.Context, requestID string, entry *audiocache.Entry, fragments int, outcome string, log *slog.Logger) {
	entry.MarkComplete()
	c.metrics.requestCompleted(context.WithoutCancel(ctx), outcome)
	log.Info("audio complete", slog.Int("fragments", fragments), slog.String("outcome", outcome))

	msg := protocol.AudioComplete{
		RequestID: requestID,
		Fragments: fragments,
		Outcome:   outcome,
		Timestamp: time.Now().UTC(),
	}
	if c.notifier != nil {
		c.notifier.Completed(msg)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn("failed to encode completion event", slogError(err))
		return
	}
	c.record(ctx, log, eventstore.Request{},
		eventstore.Event{RequestID: requestID, Type: eventstore.TypeAudioComplete, Payload: string(payload)})
}

// record writes persistence events. An empty req.ID skips the request row.
func (c *Controller) record(ctx context.Context, log *slog.Logger, req eventstore.Request, evt eventstore.Event) {
	if c.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if req.ID != "" {
		if err := c.recorder.AppendRequest(ctx, req); err != nil {
			log.Warn("failed to record request", slogError(err))
			return
		}
	}
	if err := c.recorder.AppendEvent(ctx, evt); err != nil {
		log.Warn("failed to record event", slog.String("type", evt.Type), slogError(err))
	}
}

// Wait blocks until every background synthesis task has finished.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// Close cancels in-flight work and waits for synthesis tasks to mark their
// entries complete.
func (c *Controller) Close() {
	c.mu.Lock()
	first := !c.closed
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	if first {
		if err := c.metrics.unregister(); err != nil {
			c.log.Warn("failed to unregister metrics callback", slogError(err))
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
