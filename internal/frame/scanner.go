// Package frame extracts complete JSON messages from chunked byte streams.
package frame

import (
	"bytes"

	"github.com/agentlink/agentlink/internal/logx"
	"github.com/agentlink/agentlink/internal/wire"
)

// Scanner incrementally splits a chunked stream into complete frames.
// A scanner is tied to one connection and is not restartable.
type Scanner interface {
	// Write feeds the next chunk and returns the frames it completed, in order.
	Write(p []byte) [][]byte
}

// LineScanner frames newline-delimited JSON: one message per line.
type LineScanner struct {
	buf []byte
}

// NewLineScanner returns a scanner for newline-delimited streams.
func NewLineScanner() *LineScanner { return &LineScanner{} }

func (s *LineScanner) Write(p []byte) [][]byte {
	s.buf = append(s.buf, p...)
	var frames [][]byte
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			return frames
		}
		line := bytes.TrimSpace(s.buf[:i])
		s.buf = append([]byte(nil), s.buf[i+1:]...)
		if len(line) > 0 {
			frames = append(frames, line)
		}
	}
}

// Flush returns any buffered partial line as a frame. Callers use it when
// the underlying transport marks a message boundary (e.g. end of a
// websocket frame) that need not carry a trailing newline.
func (s *LineScanner) Flush() [][]byte {
	line := bytes.TrimSpace(s.buf)
	s.buf = nil
	if len(line) == 0 {
		return nil
	}
	return [][]byte{line}
}

// BraceScanner frames JSON objects out of interleaved stdout text. It scans
// for the first '{', tracks brace depth until the matching '}', and skips
// everything between objects (agent log noise). Braces inside string
// literals are ignored: the scanner tracks string and escape state.
type BraceScanner struct {
	cur      []byte
	depth    int
	inString bool
	escaped  bool
}

// NewBraceScanner returns a scanner for brace-delimited streams.
func NewBraceScanner() *BraceScanner { return &BraceScanner{} }

func (s *BraceScanner) Write(p []byte) [][]byte {
	var frames [][]byte
	for _, b := range p {
		if s.depth == 0 {
			if b != '{' {
				continue
			}
			s.cur = append(s.cur[:0], '{')
			s.depth = 1
			s.inString = false
			s.escaped = false
			continue
		}
		s.cur = append(s.cur, b)
		if s.inString {
			switch {
			case s.escaped:
				s.escaped = false
			case b == '\\':
				s.escaped = true
			case b == '"':
				s.inString = false
			}
			continue
		}
		switch b {
		case '"':
			s.inString = true
		case '{':
			s.depth++
		case '}':
			s.depth--
			if s.depth == 0 {
				frames = append(frames, append([]byte(nil), s.cur...))
				s.cur = s.cur[:0]
			}
		}
	}
	return frames
}

// Emit decodes each frame and forwards good messages. A frame that fails to
// decode is logged and dropped; the stream continues at the next frame.
func Emit(frames [][]byte, emit func(wire.Message)) {
	for _, f := range frames {
		msg, err := wire.Decode(f)
		if err != nil {
			logx.Log.Warn().Err(err).Int("bytes", len(f)).Msg("drop undecodable frame")
			continue
		}
		emit(msg)
	}
}
