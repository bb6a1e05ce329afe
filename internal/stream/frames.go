package stream

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"
)

// Framing selects how a dialect delimits logical events on the wire.
type Framing int

const (
	// FramingSSE frames events as `data: <json>` blocks terminated by a
	// blank line, with an optional `[DONE]` sentinel.
	FramingSSE Framing = iota
	// FramingJSON frames events as a sequence of JSON documents, possibly
	// wrapped in a top-level array (Gemini's non-SSE streaming shape).
	FramingJSON
)

// errStreamDone signals the dialect's explicit end-of-stream sentinel.
var errStreamDone = errors.New("stream done")

// jsonSplitter incrementally splits a byte stream into balanced top-level
// JSON documents. It tracks string and escape state across feeds, so a
// document (or an escape sequence) split across arbitrary chunk boundaries
// reassembles correctly. Bytes between documents (array punctuation,
// whitespace) are discarded.
type jsonSplitter struct {
	buf      bytes.Buffer
	depth    int
	inString bool
	escaped  bool
	scanned  int // buf offset already scanned
	start    int // start of the current document, -1 outside one
}

func newJSONSplitter() *jsonSplitter {
	return &jsonSplitter{start: -1}
}

// feed appends p and returns any documents completed by it.
func (j *jsonSplitter) feed(p []byte) [][]byte {
	j.buf.Write(p)
	data := j.buf.Bytes()

	var docs [][]byte
	for ; j.scanned < len(data); j.scanned++ {
		c := data[j.scanned]

		if j.inString {
			switch {
			case j.escaped:
				j.escaped = false
			case c == '\\':
				j.escaped = true
			case c == '"':
				j.inString = false
			}
			continue
		}

		switch c {
		case '"':
			if j.start >= 0 {
				j.inString = true
			}
		case '{':
			if j.start < 0 {
				j.start = j.scanned
			}
			j.depth++
		case '}':
			if j.start < 0 {
				continue
			}
			j.depth--
			if j.depth == 0 {
				doc := make([]byte, j.scanned+1-j.start)
				copy(doc, data[j.start:j.scanned+1])
				docs = append(docs, doc)
				j.start = -1
			}
		}
	}

	// Compact consumed bytes once no document is in flight.
	if j.start < 0 {
		j.buf.Reset()
		j.scanned = 0
	}
	return docs
}

// pending reports whether an incomplete document is buffered.
func (j *jsonSplitter) pending() bool {
	return j.start >= 0
}

// splitJSONDocuments splits a payload that may contain several concatenated
// JSON objects (a known upstream framing defect) into separate documents.
func splitJSONDocuments(payload []byte) [][]byte {
	splitter := newJSONSplitter()
	return splitter.feed(payload)
}

// frameScanner assembles logical frames from an incremental byte stream.
// Partial lines and partial JSON documents are buffered across reads; a
// frame is only surfaced once complete.
type frameScanner struct {
	reader   *bufio.Reader
	framing  Framing
	splitter *jsonSplitter
	queue    [][]byte
	dataBuf  []string
	done     bool
	readBuf  []byte
}

func newFrameScanner(r io.Reader, framing Framing) *frameScanner {
	return &frameScanner{
		reader:   bufio.NewReader(r),
		framing:  framing,
		splitter: newJSONSplitter(),
		readBuf:  make([]byte, 4096),
	}
}

// Next returns the next complete frame payload. It returns errStreamDone
// after the dialect's end sentinel and io.EOF at end of input.
func (s *frameScanner) Next() ([]byte, error) {
	for {
		if len(s.queue) > 0 {
			frame := s.queue[0]
			s.queue = s.queue[1:]
			return frame, nil
		}
		if s.done {
			return nil, errStreamDone
		}

		var err error
		if s.framing == FramingSSE {
			err = s.fillSSE()
		} else {
			err = s.fillJSON()
		}
		if err != nil && len(s.queue) == 0 && !s.done {
			return nil, err
		}
		if err != nil && len(s.queue) == 0 && s.done {
			return nil, errStreamDone
		}
	}
}

// fillSSE reads one SSE event block (through its terminating blank line) and
// queues its data payload. Multiple concatenated JSON objects inside one
// data payload are split into separate frames rather than dropped.
func (s *frameScanner) fillSSE() error {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			// Flush a trailing block that is missing its final blank line.
			if errors.Is(err, io.EOF) {
				s.consumeSSELine(strings.TrimRight(line, "\r\n"))
				s.flushSSEBlock()
			}
			return err
		}

		trimmed := strings.TrimRight(line, "\r\n")
		if trimmed == "" {
			s.flushSSEBlock()
			if len(s.queue) > 0 || s.done {
				return nil
			}
			continue
		}
		s.consumeSSELine(trimmed)
	}
}

func (s *frameScanner) consumeSSELine(line string) {
	if line == "" || strings.HasPrefix(line, ":") {
		return
	}
	// Only data fields carry payload; event/id/retry fields are framing noise.
	if payload, ok := strings.CutPrefix(line, "data:"); ok {
		s.dataBuf = append(s.dataBuf, strings.TrimPrefix(payload, " "))
	}
}

func (s *frameScanner) flushSSEBlock() {
	if len(s.dataBuf) == 0 {
		return
	}
	payload := strings.Join(s.dataBuf, "\n")
	s.dataBuf = s.dataBuf[:0]

	if strings.TrimSpace(payload) == "[DONE]" {
		s.done = true
		return
	}

	docs := splitJSONDocuments([]byte(payload))
	if len(docs) == 0 {
		// Not JSON at all; surface as-is and let the dialect decide.
		s.queue = append(s.queue, []byte(payload))
		return
	}
	s.queue = append(s.queue, docs...)
}

// fillJSON reads more bytes and queues any JSON documents they complete.
func (s *frameScanner) fillJSON() error {
	n, err := s.reader.Read(s.readBuf)
	if n > 0 {
		s.queue = append(s.queue, s.splitter.feed(s.readBuf[:n])...)
	}
	return err
}
