package kiro

import "strings"

const (
	thinkingOpenTag  = "<thinking>"
	thinkingCloseTag = "</thinking>"
)

// Segment is a run of content text tagged with whether it fell inside a
// literal <thinking>...</thinking> span.
type Segment struct {
	Thinking bool
	Text     string
}

// ThinkingSplitter incrementally splits a stream of Kiro "content" chunks
// along <thinking>/</thinking> tag boundaries, since a tag can straddle two
// chunk boundaries. Each call to Split consumes one chunk and returns the
// segments it can emit immediately; any partial tag at the end of the
// chunk is held back until the next call (or Flush at end of stream).
type ThinkingSplitter struct {
	inThinking bool
	pending    string
}

// NewThinkingSplitter creates a splitter starting outside a thinking block.
func NewThinkingSplitter() *ThinkingSplitter {
	return &ThinkingSplitter{}
}

// Split feeds the next raw content chunk and returns the segments it
// produces. Text belonging to an in-progress tag match is buffered
// internally rather than returned.
func (s *ThinkingSplitter) Split(chunk string) []Segment {
	if chunk == "" {
		return nil
	}
	text := s.pending + chunk
	s.pending = ""

	var segments []Segment
	for {
		tag := thinkingOpenTag
		if s.inThinking {
			tag = thinkingCloseTag
		}

		idx := strings.Index(text, tag)
		if idx == -1 {
			holdLen := longestTagPrefixSuffix(text, tag)
			if emit := text[:len(text)-holdLen]; emit != "" {
				segments = append(segments, Segment{Thinking: s.inThinking, Text: emit})
			}
			s.pending = text[len(text)-holdLen:]
			return segments
		}

		if idx > 0 {
			segments = append(segments, Segment{Thinking: s.inThinking, Text: text[:idx]})
		}
		text = text[idx+len(tag):]
		s.inThinking = !s.inThinking
	}
}

// Flush returns any buffered text as a final segment, for use once the
// stream has ended (a trailing partial tag is not a tag, just text).
func (s *ThinkingSplitter) Flush() []Segment {
	if s.pending == "" {
		return nil
	}
	seg := []Segment{{Thinking: s.inThinking, Text: s.pending}}
	s.pending = ""
	return seg
}

// InThinkingBlock reports whether the splitter is currently inside an
// unterminated <thinking> span.
func (s *ThinkingSplitter) InThinkingBlock() bool {
	return s.inThinking
}

// longestTagPrefixSuffix returns the length of the longest suffix of text
// that is also a proper prefix of tag - the amount of a possibly-split tag
// that must be held back for the next chunk.
func longestTagPrefixSuffix(text, tag string) int {
	max := len(tag) - 1
	if max > len(text) {
		max = len(text)
	}
	for l := max; l > 0; l-- {
		if strings.HasSuffix(text, tag[:l]) {
			return l
		}
	}
	return 0
}

// ExtractThinkingFromContent splits a complete (non-streaming) content
// string into ordered typed segments, merging adjacent runs of the same
// kind so callers get one block per thinking/text span.
func ExtractThinkingFromContent(content string) []Segment {
	splitter := NewThinkingSplitter()
	segments := splitter.Split(content)
	segments = append(segments, splitter.Flush()...)
	return mergeAdjacentSegments(segments)
}

func mergeAdjacentSegments(segments []Segment) []Segment {
	var merged []Segment
	for _, seg := range segments {
		if seg.Text == "" {
			continue
		}
		if n := len(merged); n > 0 && merged[n-1].Thinking == seg.Thinking {
			merged[n-1].Text += seg.Text
			continue
		}
		merged = append(merged, seg)
	}
	return merged
}
