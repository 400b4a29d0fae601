package marker

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run feeds all tokens through a fresh machine and returns every
// fragment including the ones produced by Finish.
func run(tokens ...string) (*Machine, []Fragment) {
	m := New()
	var frags []Fragment
	for _, tok := range tokens {
		frags = append(frags, m.Feed(tok)...)
	}
	frags = append(frags, m.Finish()...)
	return m, frags
}

func texts(frags []Fragment) []string {
	out := make([]string, 0, len(frags))
	for _, f := range frags {
		out = append(out, f.Text)
	}
	return out
}

func TestPlainTextPassesThrough(t *testing.T) {
	m, frags := run("Hey", " there")

	assert.Equal(t, []string{"Hey", " there"}, texts(frags))
	for _, f := range frags {
		assert.False(t, f.Markers.Any())
	}
	assert.Equal(t, "Hey there", m.FinalText())
	assert.Equal(t, "Hey there", m.FinalTextWithMarkers())
}

// A token ending in a marker-prefix byte is held back until the next
// token resolves it. Fragment boundaries shift but content never does.
func TestTrailingMarkerPrefixHeldBack(t *testing.T) {
	m, frags := run("Hi", " there")

	assert.Equal(t, "Hi there", strings.Join(texts(frags), ""))
	for _, f := range frags {
		assert.False(t, f.Markers.Any())
	}
	assert.Equal(t, "Hi there", m.FinalText())
}

func TestContactFormMarkerStripped(t *testing.T) {
	m, frags := run("Sure%%please")

	require.Len(t, frags, 1)
	assert.Equal(t, "Sureplease", frags[0].Text)
	assert.True(t, frags[0].Markers.ContactForm)
	assert.Equal(t, "Sureplease", m.FinalText())
	assert.Equal(t, "Sure%%please", m.FinalTextWithMarkers())
}

func TestContactFormMarkerAcrossChunks(t *testing.T) {
	m, frags := run("Sure%", "%please")

	assert.Equal(t, []string{"Sure", "please"}, texts(frags))

	contactForm := false
	for _, f := range frags {
		if f.Markers.ContactForm {
			contactForm = true
		}
	}
	assert.True(t, contactForm, "one fragment must carry the contactForm flag")
	assert.Equal(t, "Sureplease", m.FinalText())
}

func TestSideMarkerFlags(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(Markers) bool
	}{
		{"freshdesk", "open a ticket$$", func(m Markers) bool { return m.Freshdesk }},
		{"human agent", "let me&&escalate", func(m Markers) bool { return m.HumanAgent }},
		{"image upload", "send a photo i#", func(m Markers) bool { return m.ImageUpload }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, frags := run(tt.input)
			found := false
			for _, f := range frags {
				if tt.check(f.Markers) {
					found = true
				}
				assert.NotContains(t, f.Text, "$$")
				assert.NotContains(t, f.Text, "&&")
				assert.NotContains(t, f.Text, "i#")
			}
			assert.True(t, found)
		})
	}
}

func TestMarkerAtEndOfStream(t *testing.T) {
	m, frags := run("done%%")

	require.Len(t, frags, 1)
	assert.Equal(t, "done", frags[0].Text)
	assert.True(t, frags[0].Markers.ContactForm)
	assert.Equal(t, "done", m.FinalText())
}

func TestLonePercentIsText(t *testing.T) {
	m, frags := run("50%", " off")

	assert.Equal(t, "50% off", strings.Join(texts(frags), ""))
	for _, f := range frags {
		assert.False(t, f.Markers.Any())
	}
	assert.Equal(t, "50% off", m.FinalText())
}

func TestProductBlockAtomicEmission(t *testing.T) {
	m, frags := run("See ", "XXXitem-1", "YYY and more")

	assert.Equal(t, []string{
		"See ",
		BufferingStart,
		"XXXitem-1YYY" + BufferingEnd,
		" and more",
	}, texts(frags))

	assert.True(t, frags[1].Control)
	assert.False(t, frags[2].Control)

	assert.Equal(t, "See XXXitem-1YYY and more", m.FinalText())
	assert.Equal(t, "See XXXitem-1YYY and more", m.FinalTextWithMarkers())
}

func TestProductBlockSentinelsAcrossChunks(t *testing.T) {
	_, frags := run("See X", "XXitem", "-1YY", "Y done")

	assert.Equal(t, []string{
		"See ",
		BufferingStart,
		"XXXitem-1YYY" + BufferingEnd,
		" done",
	}, texts(frags))
}

// No display fragment may appear between BUFFERING_START and the atomic
// block fragment that carries BUFFERING_END.
func TestProductBlockNoLeakWhileBuffering(t *testing.T) {
	m := New()
	var frags []Fragment
	frags = append(frags, m.Feed("XXXone ")...)
	frags = append(frags, m.Feed("two ")...)
	frags = append(frags, m.Feed("threeYYY")...)
	frags = append(frags, m.Finish()...)

	require.Len(t, frags, 2)
	assert.Equal(t, BufferingStart, frags[0].Text)
	assert.Equal(t, "XXXone two threeYYY"+BufferingEnd, frags[1].Text)
}

func TestUnterminatedBlockFlushedOnFinish(t *testing.T) {
	m := New()
	var frags []Fragment
	frags = append(frags, m.Feed("before XXXpartial")...)
	frags = append(frags, m.Finish()...)

	assert.Equal(t, []string{
		"before ",
		BufferingStart,
		"XXXpartial" + BufferingEnd,
	}, texts(frags))
	assert.Equal(t, "before XXXpartial", m.FinalText())
}

func TestStrayBlockEndIsPlainText(t *testing.T) {
	m, frags := run("odd YYY text")

	assert.Equal(t, "odd YYY text", strings.Join(texts(frags), ""))
	assert.Equal(t, "odd YYY text", m.FinalText())
}

func TestMarkersInsideBlockKeptVerbatim(t *testing.T) {
	_, frags := run("XXXprice $$ 5%%YYY")

	require.Len(t, frags, 2)
	assert.Equal(t, "XXXprice $$ 5%%YYY"+BufferingEnd, frags[1].Text)
	assert.False(t, frags[1].Markers.Any())
}

// outcome is the partition-independent view of a machine run: full
// fragment text in order, both accumulators, the union of raised flags
// and how many product blocks were opened.
type outcome struct {
	emitted    string
	display    string
	annotated  string
	flags      Markers
	blockOpens int
}

func runOutcome(tokens []string) outcome {
	m, frags := run(tokens...)

	var o outcome
	var emitted strings.Builder
	for _, f := range frags {
		emitted.WriteString(f.Text)
		if f.Markers.ContactForm {
			o.flags.ContactForm = true
		}
		if f.Markers.Freshdesk {
			o.flags.Freshdesk = true
		}
		if f.Markers.HumanAgent {
			o.flags.HumanAgent = true
		}
		if f.Markers.ImageUpload {
			o.flags.ImageUpload = true
		}
		if f.Control {
			o.blockOpens++
		}
	}
	o.emitted = emitted.String()
	o.display = m.FinalText()
	o.annotated = m.FinalTextWithMarkers()
	return o
}

// repartition cuts s into chunks of at most n bytes.
func repartition(s string, n int) []string {
	var chunks []string
	for len(s) > n {
		chunks = append(chunks, s[:n])
		s = s[n:]
	}
	if len(s) > 0 {
		chunks = append(chunks, s)
	}
	return chunks
}

// The machine must be deterministic with respect to the concatenated
// byte sequence: any partition into token chunks yields the same
// display stream, annotated stream and marker flags.
func TestPartitionDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500

	pieces := gen.OneConstOf(
		"a", "hello ", "%", "%%", "$", "$$", "&", "&&",
		"i", "#", "i#", "X", "XX", "XXX", "Y", "YY", "YYY", " ",
	)

	properties := gopter.NewProperties(parameters)
	properties.Property("partition independent", prop.ForAll(
		func(parts []string, chunkSize int) bool {
			full := strings.Join(parts, "")
			whole := runOutcome([]string{full})
			byPiece := runOutcome(parts)
			bySize := runOutcome(repartition(full, chunkSize))
			return whole == byPiece && whole == bySize
		},
		gen.SliceOf(pieces),
		gen.IntRange(1, 7),
	))

	properties.TestingRun(t)
}

func TestEmptyFeedProducesNothing(t *testing.T) {
	m := New()
	assert.Empty(t, m.Feed(""))
	assert.Empty(t, m.Finish())
	assert.Equal(t, "", m.FinalText())
}
