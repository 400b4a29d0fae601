package marker

import (
	"strings"
)

// Control sentinels framing the atomic emission of a product block.
// The client renders everything between them as a single unit.
const (
	BufferingStart = "BUFFERING_START"
	BufferingEnd   = "BUFFERING_END"
)

const (
	blockStart = "XXX"
	blockEnd   = "YYY"
)

// Markers describes which side-effect markers were detected while
// producing a fragment.
type Markers struct {
	ContactForm bool `json:"contactForm,omitempty"`
	Freshdesk   bool `json:"freshdesk,omitempty"`
	HumanAgent  bool `json:"humanAgent,omitempty"`
	ImageUpload bool `json:"imageUpload,omitempty"`
}

// Any reports whether at least one marker flag is set.
func (m Markers) Any() bool {
	return m.ContactForm || m.Freshdesk || m.HumanAgent || m.ImageUpload
}

// Fragment is one display-ready unit produced by the scanner.
//
// Control is true for the BUFFERING_START sentinel, which carries no
// display text. The product-block fragment is not a control fragment:
// its Text holds the whole block (both sentinels included) immediately
// followed by BUFFERING_END.
type Fragment struct {
	Text    string
	Markers Markers
	Control bool
}

// sideMarker is a two-character in-stream marker that triggers a UI
// side effect. Markers are stripped from the display stream.
type sideMarker struct {
	seq string
	set func(*Markers)
}

// Inspection order is fixed: contact form, ticketing, human agent,
// image upload, then the product block sentinels.
var sideMarkers = []sideMarker{
	{"%%", func(m *Markers) { m.ContactForm = true }},
	{"$$", func(m *Markers) { m.Freshdesk = true }},
	{"&&", func(m *Markers) { m.HumanAgent = true }},
	{"i#", func(m *Markers) { m.ImageUpload = true }},
}

// Machine is a single-pass streaming scanner over the model's token
// stream. Tokens arrive as arbitrary substrings of the full output, so
// the machine keeps a small trailing-context carry to recognise markers
// that straddle a token boundary.
//
// It produces two parallel outputs: display fragments (markers stripped,
// product blocks emitted atomically) and a verbatim annotated
// accumulator kept for later analysis. The output is deterministic with
// respect to the concatenated byte sequence regardless of how it was
// split into tokens.
//
// A Machine is strictly single-consumer: one instance per streaming
// session, no shared state between sessions.
type Machine struct {
	carry     string
	buffering bool
	block     strings.Builder
	display   strings.Builder
	annotated strings.Builder
}

// New creates an empty marker machine.
func New() *Machine {
	return &Machine{}
}

// Feed scans one upstream token and returns the display fragments it
// completes. A fragment with empty Text may be returned when a marker
// was detected at the very end of the token.
//
// Fragment boundaries are not contractual: a trailing byte that could
// open a marker is held back until the next Feed, so where one fragment
// ends depends on the token partitioning. Only the concatenated display
// text, the annotated text and the union of raised markers are stable
// across partitionings.
func (m *Machine) Feed(token string) []Fragment {
	if token == "" {
		return nil
	}
	m.annotated.WriteString(token)

	text := m.carry + token
	m.carry = ""
	return m.scan(text, false)
}

// Finish flushes any held-back bytes and, if the stream ended inside a
// product block, flushes the buffered block verbatim. Must be called
// exactly once after the last Feed.
func (m *Machine) Finish() []Fragment {
	text := m.carry
	m.carry = ""
	frags := m.scan(text, true)

	if m.buffering {
		m.buffering = false
		block := m.block.String()
		m.block.Reset()
		if block != "" {
			m.display.WriteString(block)
			frags = append(frags, Fragment{Text: block + BufferingEnd})
		}
	}

	return frags
}

// FinalText returns the accumulated display text (markers stripped,
// product blocks included with their XXX/YYY sentinels).
func (m *Machine) FinalText() string {
	return m.display.String()
}

// FinalTextWithMarkers returns the verbatim input, markers included.
func (m *Machine) FinalTextWithMarkers() string {
	return m.annotated.String()
}

// Buffering reports whether the machine is currently inside a product block.
func (m *Machine) Buffering() bool {
	return m.buffering
}

func (m *Machine) scan(text string, final bool) []Fragment {
	var frags []Fragment
	var out strings.Builder
	var flags Markers

	flush := func() {
		if out.Len() == 0 && !flags.Any() {
			return
		}
		m.display.WriteString(out.String())
		frags = append(frags, Fragment{Text: out.String(), Markers: flags})
		out.Reset()
		flags = Markers{}
	}

	pos := 0
	for pos < len(text) {
		if m.buffering {
			if idx := strings.Index(text[pos:], blockEnd); idx >= 0 {
				m.block.WriteString(text[pos : pos+idx+len(blockEnd)])
				pos += idx + len(blockEnd)

				block := m.block.String()
				m.block.Reset()
				m.buffering = false

				m.display.WriteString(block)
				frags = append(frags, Fragment{Text: block + BufferingEnd})
				continue
			}

			rest := text[pos:]
			if !final {
				if hold := partialSuffixLen(rest, blockEnd); hold > 0 {
					m.carry = rest[len(rest)-hold:]
					rest = rest[:len(rest)-hold]
				}
			}
			m.block.WriteString(rest)
			break
		}

		matched := false
		for _, mk := range sideMarkers {
			if strings.HasPrefix(text[pos:], mk.seq) {
				mk.set(&flags)
				pos += len(mk.seq)
				matched = true
				break
			}
		}
		if matched {
			continue
		}

		if strings.HasPrefix(text[pos:], blockStart) {
			flush()
			frags = append(frags, Fragment{Text: BufferingStart, Control: true})

			m.buffering = true
			m.block.Reset()
			m.block.WriteString(blockStart)
			pos += len(blockStart)
			continue
		}

		// A token may end in the middle of a marker. Hold the tail back
		// so the next token can complete it.
		if !final {
			rest := text[pos:]
			if isMarkerPrefix(rest) {
				m.carry = rest
				break
			}
		}

		out.WriteByte(text[pos])
		pos++
	}

	flush()
	return frags
}

// isMarkerPrefix reports whether s is a proper prefix of any marker.
func isMarkerPrefix(s string) bool {
	for _, mk := range sideMarkers {
		if len(s) < len(mk.seq) && strings.HasPrefix(mk.seq, s) {
			return true
		}
	}
	return len(s) < len(blockStart) && strings.HasPrefix(blockStart, s)
}

// partialSuffixLen returns the length of the longest proper prefix of
// marker that s ends with.
func partialSuffixLen(s, marker string) int {
	for n := len(marker) - 1; n > 0; n-- {
		if n <= len(s) && strings.HasSuffix(s, marker[:n]) {
			return n
		}
	}
	return 0
}
