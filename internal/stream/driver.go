package stream

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// partKind discriminates the raw parts a dialect decoder extracts from one
// wire frame.
type partKind int

const (
	partText partKind = iota
	partThinking
	partToolStart
	partToolArgs
	partToolDone
	partUsage
	partFinish
)

// part is one raw content unit decoded from a frame, before the driver
// applies buffering, span tracking and tool-call assembly.
type part struct {
	kind partKind

	text string // partText delta or partThinking delta

	callKey  string // stream-local tool call key (index or provider id)
	callID   string
	callName string

	usage  *UsageEvent
	finish string
}

// Dialect describes one upstream wire protocol as data: how frames are
// delimited, whether inline thinking tags appear in plain text, and how one
// frame payload decodes into raw parts. All dialects share one driver.
type Dialect struct {
	Name    string
	Framing Framing
	// ThinkTags enables recognition of inline <think>...</think> delimiters
	// in visible text, for dialects that have no typed reasoning events.
	ThinkTags bool
	Decode    func(payload []byte) ([]part, error)
}

const (
	thinkOpenTag  = "<think>"
	thinkCloseTag = "</think>"

	// placeholderText is emitted when a turn produced only reasoning, so
	// the consuming UI never renders an empty turn.
	placeholderText = "…"

	defaultFlushMinBytes = 24
	defaultFlushMaxDelay = 100 * time.Millisecond
	// fastArrivalBytesPerSec is the arrival rate above which flush
	// thresholds are halved, trading event count for latency.
	fastArrivalBytesPerSec = 8192
	arrivalRateWindow      = 250 * time.Millisecond
)

// Options tunes the driver. The zero value uses defaults.
type Options struct {
	FlushMinBytes int
	FlushMaxDelay time.Duration
	// Now overrides the driver clock; tests pin it for determinism.
	Now func() time.Time
}

// Normalizer converts one upstream response stream into normalized events.
// It is single-use: one Normalizer per request attempt.
type Normalizer struct {
	dialect Dialect
	now     func() time.Time

	flushMinBytes int
	flushMaxDelay time.Duration
	fastMode      bool

	textBuf   strings.Builder
	lastFlush time.Time

	windowStart time.Time
	windowBytes int

	holdback string // unresolved partial thinking tag
	inTag    bool

	spanID string

	asm *toolCallAssembler

	usage      UsageEvent
	hasUsage   bool
	finish     string
	sawVisible bool
	sawSpan    bool
}

// NewNormalizer creates a Normalizer for one dialect.
func NewNormalizer(dialect Dialect, opts Options) *Normalizer {
	n := &Normalizer{
		dialect:       dialect,
		now:           opts.Now,
		flushMinBytes: opts.FlushMinBytes,
		flushMaxDelay: opts.FlushMaxDelay,
		asm:           newToolCallAssembler(),
	}
	if n.now == nil {
		n.now = time.Now
	}
	if n.flushMinBytes <= 0 {
		n.flushMinBytes = defaultFlushMinBytes
	}
	if n.flushMaxDelay <= 0 {
		n.flushMaxDelay = defaultFlushMaxDelay
	}
	n.lastFlush = n.now()
	n.windowStart = n.lastFlush
	return n
}

// Run consumes the stream until EOF, the dialect's done sentinel, or
// cancellation, emitting normalized events into sink. On cancellation,
// buffered text is flushed and any open thinking span is closed before
// returning ctx.Err(); no content is silently dropped.
func (n *Normalizer) Run(ctx context.Context, body io.Reader, sink Sink) (Result, error) {
	scanner := newFrameScanner(body, n.dialect.Framing)

	for {
		if err := ctx.Err(); err != nil {
			if flushErr := n.finalize(ctx, sink, false); flushErr != nil {
				return n.result(), flushErr
			}
			return n.result(), err
		}

		payload, err := scanner.Next()
		if errors.Is(err, errStreamDone) || errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// Transport-level failure mid-stream: surface what arrived.
			if flushErr := n.finalize(ctx, sink, true); flushErr != nil {
				return n.result(), flushErr
			}
			return n.result(), err
		}

		n.observeArrival(len(payload))

		parts, err := n.dialect.Decode(payload)
		if err != nil {
			// Malformed frames are dropped, never fatal to the stream.
			slog.WarnContext(ctx, "dropping malformed stream frame",
				"dialect", n.dialect.Name, "error", err, "payload", truncateForLog(string(payload)))
			continue
		}

		for _, p := range parts {
			if err := n.handlePart(ctx, p, sink); err != nil {
				return n.result(), err
			}
		}
		if err := n.maybeFlushText(sink, false); err != nil {
			return n.result(), err
		}
	}

	if err := n.finalize(ctx, sink, true); err != nil {
		return n.result(), err
	}
	return n.result(), nil
}

func (n *Normalizer) result() Result {
	return Result{Usage: n.usage, FinishReason: n.finish}
}

func (n *Normalizer) handlePart(ctx context.Context, p part, sink Sink) error {
	switch p.kind {
	case partText:
		return n.appendText(p.text, sink)

	case partThinking:
		return n.thinkingDelta(p.text, sink)

	case partToolStart:
		if err := n.beforeVisible(sink); err != nil {
			return err
		}
		call := n.asm.start(p.callKey, p.callID, p.callName)
		if !call.announced && call.name != "" {
			call.announced = true
			n.sawVisible = true
			return sink(ToolCallStartEvent{ID: call.id, Name: call.name})
		}
		return nil

	case partToolArgs:
		n.asm.appendArgs(p.callKey, p.text)
		return nil

	case partToolDone:
		if err := n.beforeVisible(sink); err != nil {
			return err
		}
		event, ok, err := n.asm.finish(p.callKey)
		if err != nil {
			slog.WarnContext(ctx, "dropping unparseable tool call", "dialect", n.dialect.Name, "error", err)
			return nil
		}
		if ok {
			n.sawVisible = true
			return sink(event)
		}
		return nil

	case partUsage:
		n.mergeUsage(p.usage)
		return nil

	case partFinish:
		n.finish = p.finish
		// A terminal marker forces pending tool calls out.
		return n.flushToolCalls(ctx, sink)
	}
	return nil
}

// appendText routes visible text through the inline thinking-tag splitter.
// An opening or closing tag may straddle chunk boundaries: an ambiguous
// trailing prefix is held back until the next chunk resolves it.
func (n *Normalizer) appendText(text string, sink Sink) error {
	if !n.dialect.ThinkTags {
		return n.visibleText(text, sink)
	}

	s := n.holdback + text
	n.holdback = ""

	for s != "" {
		tag := thinkOpenTag
		if n.inTag {
			tag = thinkCloseTag
		}

		idx := strings.Index(s, tag)
		if idx >= 0 {
			if err := n.routeSegment(s[:idx], sink); err != nil {
				return err
			}
			if n.inTag {
				if err := n.closeSpan(sink); err != nil {
					return err
				}
			}
			n.inTag = !n.inTag && tag == thinkOpenTag
			s = s[idx+len(tag):]
			continue
		}

		// Hold back a trailing partial tag; emit the unambiguous rest.
		keep := partialTagSuffix(s, tag)
		emit := s[:len(s)-keep]
		n.holdback = s[len(s)-keep:]
		return n.routeSegment(emit, sink)
	}
	return nil
}

// routeSegment sends a tag-free segment to the right channel for the current
// splitter state.
func (n *Normalizer) routeSegment(segment string, sink Sink) error {
	if segment == "" {
		return nil
	}
	if n.inTag {
		return n.thinkingDelta(segment, sink)
	}
	return n.visibleText(segment, sink)
}

// visibleText buffers visible output, closing any open thinking span first
// so span closure always precedes the text it yielded to.
func (n *Normalizer) visibleText(text string, sink Sink) error {
	if text == "" {
		return nil
	}
	if err := n.closeSpan(sink); err != nil {
		return err
	}
	n.textBuf.WriteString(text)
	n.sawVisible = true
	return n.maybeFlushText(sink, false)
}

// thinkingDelta emits reasoning content, opening a span lazily and flushing
// buffered text first to preserve arrival order.
func (n *Normalizer) thinkingDelta(delta string, sink Sink) error {
	if delta == "" {
		return nil
	}
	if err := n.maybeFlushText(sink, true); err != nil {
		return err
	}
	if n.spanID == "" {
		n.spanID = uuid.New().String()
		n.sawSpan = true
	}
	return sink(ThinkingEvent{ID: n.spanID, Delta: delta})
}

// beforeVisible flushes buffered text and closes any open thinking span, the
// ordering contract for tool-call events.
func (n *Normalizer) beforeVisible(sink Sink) error {
	if err := n.maybeFlushText(sink, true); err != nil {
		return err
	}
	return n.closeSpan(sink)
}

// closeSpan closes the open thinking span with an empty delta and retires
// its id.
func (n *Normalizer) closeSpan(sink Sink) error {
	if n.spanID == "" {
		return nil
	}
	id := n.spanID
	n.spanID = ""
	return sink(ThinkingEvent{ID: id, Delta: ""})
}

// maybeFlushText emits buffered visible text once it crosses the size
// threshold or has waited past the delay threshold, whichever first.
func (n *Normalizer) maybeFlushText(sink Sink, force bool) error {
	if n.textBuf.Len() == 0 {
		return nil
	}
	if !force &&
		n.textBuf.Len() < n.flushMinBytes &&
		n.now().Sub(n.lastFlush) < n.flushMaxDelay {
		return nil
	}
	delta := n.textBuf.String()
	n.textBuf.Reset()
	n.lastFlush = n.now()
	return sink(TextEvent{Delta: delta})
}

// observeArrival tracks the upstream arrival rate; fast producers halve the
// flush thresholds so added latency stays low.
func (n *Normalizer) observeArrival(bytes int) {
	n.windowBytes += bytes
	elapsed := n.now().Sub(n.windowStart)
	if elapsed < arrivalRateWindow {
		return
	}
	rate := float64(n.windowBytes) / elapsed.Seconds()
	fast := rate >= fastArrivalBytesPerSec
	if fast != n.fastMode {
		n.fastMode = fast
		if fast {
			n.flushMinBytes /= 2
			n.flushMaxDelay /= 2
		} else {
			n.flushMinBytes *= 2
			n.flushMaxDelay *= 2
		}
		if n.flushMinBytes < 1 {
			n.flushMinBytes = 1
		}
	}
	n.windowStart = n.now()
	n.windowBytes = 0
}

// flushToolCalls force-finishes all pending tool calls.
func (n *Normalizer) flushToolCalls(ctx context.Context, sink Sink) error {
	if err := n.beforeVisible(sink); err != nil {
		return err
	}
	events, errs := n.asm.finishAll()
	for _, err := range errs {
		slog.WarnContext(ctx, "dropping unparseable tool call", "dialect", n.dialect.Name, "error", err)
	}
	for _, event := range events {
		n.sawVisible = true
		if err := sink(event); err != nil {
			return err
		}
	}
	return nil
}

// finalize drains remaining state at stream end or cancellation: resolve a
// dangling held-back tag, flush text, finish tool calls, close the span,
// emit the reasoning-only placeholder, and (when the stream completed) the
// usage summary.
func (n *Normalizer) finalize(ctx context.Context, sink Sink, completed bool) error {
	// A held-back partial tag that never completed is plain text after all.
	if n.holdback != "" {
		held := n.holdback
		n.holdback = ""
		if err := n.routeSegment(held, sink); err != nil {
			return err
		}
	}

	if err := n.flushToolCalls(ctx, sink); err != nil {
		return err
	}
	if err := n.maybeFlushText(sink, true); err != nil {
		return err
	}
	if err := n.closeSpan(sink); err != nil {
		return err
	}

	if !n.sawVisible && n.sawSpan {
		if err := sink(TextEvent{Delta: placeholderText}); err != nil {
			return err
		}
		n.sawVisible = true
	}

	if completed && n.hasUsage {
		if err := sink(n.usage); err != nil {
			return err
		}
	}
	return nil
}

func (n *Normalizer) mergeUsage(usage *UsageEvent) {
	if usage == nil {
		return
	}
	n.hasUsage = true
	if usage.PromptTokens > 0 {
		n.usage.PromptTokens = usage.PromptTokens
	}
	if usage.CompletionTokens > 0 {
		n.usage.CompletionTokens = usage.CompletionTokens
	}
	if usage.TotalTokens > 0 {
		n.usage.TotalTokens = usage.TotalTokens
	} else {
		n.usage.TotalTokens = n.usage.PromptTokens + n.usage.CompletionTokens
	}
}

// partialTagSuffix returns the length of the longest suffix of s that is a
// proper prefix of tag, i.e. the bytes that might become tag once more input
// arrives.
func partialTagSuffix(s, tag string) int {
	max := len(tag) - 1
	if max > len(s) {
		max = len(s)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(s, tag[:l]) {
			return l
		}
	}
	return 0
}
