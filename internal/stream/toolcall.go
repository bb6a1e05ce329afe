package stream

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/google/uuid"
)

// pendingCall accumulates the argument fragments of one tool call until they
// parse as complete structured data.
type pendingCall struct {
	id        string
	name      string
	synthetic bool // id was generated locally, not issued by the provider
	args      strings.Builder
	announced bool
	emitted   bool
}

// toolCallAssembler buffers fragmented tool calls and guarantees each call is
// emitted exactly once, even when the producer duplicates fragments.
type toolCallAssembler struct {
	calls   map[string]*pendingCall
	order   []string
	emitted map[string]struct{}
}

func newToolCallAssembler() *toolCallAssembler {
	return &toolCallAssembler{
		calls:   make(map[string]*pendingCall),
		emitted: make(map[string]struct{}),
	}
}

// start registers a call under a stream-local key (fragment index or
// provider call id). Missing provider ids get a synthetic one.
func (a *toolCallAssembler) start(key, id, name string) *pendingCall {
	call, ok := a.calls[key]
	if !ok {
		call = &pendingCall{}
		a.calls[key] = call
		a.order = append(a.order, key)
	}
	if id != "" && call.id == "" {
		call.id = id
	}
	if name != "" && call.name == "" {
		call.name = name
	}
	if call.id == "" {
		call.id = newSyntheticCallID()
		call.synthetic = true
	}
	return call
}

// appendArgs buffers one argument fragment for the call under key.
func (a *toolCallAssembler) appendArgs(key, fragment string) {
	call, ok := a.calls[key]
	if !ok {
		call = a.start(key, "", "")
	}
	call.args.WriteString(fragment)
}

// finish attempts to complete the call under key: repair and parse its
// arguments, and return the event to emit. The second return is false when
// the call was already emitted (dedup) or its arguments never became
// parseable (the caller drops it with a warning).
func (a *toolCallAssembler) finish(key string) (ToolCallEvent, bool, error) {
	call, ok := a.calls[key]
	if !ok {
		return ToolCallEvent{}, false, nil
	}
	if call.emitted {
		return ToolCallEvent{}, false, nil
	}

	args, ok := repairToolArguments(call.args.String())
	if !ok {
		return ToolCallEvent{}, false, fmt.Errorf("tool call %s(%s): arguments never parsed: %q", call.id, call.name, truncateForLog(call.args.String()))
	}

	dedup := dedupKey(call.id, call.name, call.synthetic, args)
	if _, seen := a.emitted[dedup]; seen {
		call.emitted = true
		return ToolCallEvent{}, false, nil
	}
	a.emitted[dedup] = struct{}{}
	call.emitted = true

	return ToolCallEvent{ID: call.id, Name: call.name, Args: args}, true, nil
}

// finishAll completes every pending call in arrival order. Used when the
// stream's terminal marker (or EOF) forces a flush.
func (a *toolCallAssembler) finishAll() ([]ToolCallEvent, []error) {
	var events []ToolCallEvent
	var errs []error
	for _, key := range a.order {
		event, ok, err := a.finish(key)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			events = append(events, event)
		}
	}
	return events, errs
}

// repairToolArguments parses an accumulated argument string, applying
// best-effort recovery for known producer defects: a doubled empty-object
// artifact (`{}{}`), concatenated duplicate documents, and a duplicated
// prefix where the fragment was re-sent whole after a partial first copy.
func repairToolArguments(raw string) (map[string]any, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		// No arguments at all is a valid zero-argument call.
		return map[string]any{}, true
	}

	// Doubled empty-object artifact: strip leading `{}` copies as long as
	// content follows.
	for strings.HasPrefix(s, "{}") && len(strings.TrimSpace(s[2:])) > 0 {
		s = strings.TrimSpace(s[2:])
	}

	if args, ok := parseObject(s); ok {
		return args, true
	}

	// Concatenated documents: keep the first balanced one.
	if docs := splitJSONDocuments([]byte(s)); len(docs) > 0 {
		if args, ok := parseObject(string(docs[0])); ok {
			return args, true
		}
	}

	// Duplicated prefix: a partial first copy immediately followed by the
	// complete fragment. Detect by substring self-overlap and drop the
	// partial head.
	for i := 1; i <= len(s)/2+1 && i < len(s); i++ {
		if strings.HasPrefix(s[i:], s[:i]) {
			if args, ok := parseObject(s[i:]); ok {
				return args, true
			}
		}
	}

	return nil, false
}

// parseObject decodes s as a single JSON object with no trailing data.
func parseObject(s string) (map[string]any, bool) {
	decoder := json.NewDecoder(strings.NewReader(s))
	var args map[string]any
	if err := decoder.Decode(&args); err != nil || args == nil {
		return nil, false
	}
	if decoder.More() {
		return nil, false
	}
	return args, true
}

// dedupKey builds the composite identity of an emitted call. Synthetic ids
// are not stable across fragments, so the arguments themselves join the key.
func dedupKey(id, name string, synthetic bool, args map[string]any) string {
	if !synthetic {
		return id + "\x00" + name
	}
	canonical, _ := json.Marshal(args)
	hash := fnv.New64a()
	_, _ = hash.Write(canonical)
	return fmt.Sprintf("synthetic\x00%s\x00%x", name, hash.Sum64())
}

// newSyntheticCallID mints a placeholder call id for providers that omit one.
func newSyntheticCallID() string {
	return "call_" + uuid.New().String()[:8]
}

func truncateForLog(s string) string {
	const max = 120
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
