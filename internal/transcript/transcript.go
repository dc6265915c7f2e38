// Package transcript converts provider conversation records into the
// canonical ordered sequence of turns used by assessment.
package transcript

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// Speaker is the canonical speaker vocabulary.
type Speaker string

const (
	SpeakerAssistant Speaker = "assistant"
	SpeakerUser      Speaker = "user"
)

// Turn is one utterance in a conversation.
type Turn struct {
	Speaker Speaker `json:"speaker"`
	Text    string  `json:"text"`

	// OffsetMs is milliseconds since the start of the call.
	OffsetMs int64 `json:"offset_ms"`

	// TimestampMs is OffsetMs shifted onto the Unix epoch. Zero when the
	// provider did not report a call start time.
	TimestampMs int64 `json:"timestamp_ms,omitempty"`
}

// ProviderTurn is a single transcript entry as the conversational-AI
// provider reports it.
type ProviderTurn struct {
	Role           string   `json:"role"`
	Message        *string  `json:"message"`
	TimeInCallSecs *float64 `json:"time_in_call_secs"`
}

// Payload is the subset of a provider conversation record the normalizer
// reads.
type Payload struct {
	Transcript []ProviderTurn `json:"transcript"`
	Metadata   struct {
		StartTimeUnixSecs int64 `json:"start_time_unix_secs"`
	} `json:"metadata"`
}

// assistantRoles lists provider role labels spoken by the AI persona.
var assistantRoles = map[string]bool{
	"agent":     true,
	"assistant": true,
	"ai":        true,
	"bot":       true,
	"persona":   true,
	"model":     true,
}

// CanonicalSpeaker maps a provider role label onto the canonical
// vocabulary. Anything that is not a persona role is the trainee.
func CanonicalSpeaker(role string) Speaker {
	if assistantRoles[strings.ToLower(strings.TrimSpace(role))] {
		return SpeakerAssistant
	}
	return SpeakerUser
}

// Normalize decodes a raw provider payload. An absent or malformed payload
// yields an empty sequence rather than an error.
func Normalize(payload []byte) []Turn {
	if len(payload) == 0 {
		return []Turn{}
	}
	var p Payload
	if err := json.Unmarshal(payload, &p); err != nil {
		return []Turn{}
	}
	return FromProvider(p.Metadata.StartTimeUnixSecs, p.Transcript)
}

// FromProvider converts provider turns, preserving order and dropping
// only turns without text.
func FromProvider(startUnixSecs int64, turns []ProviderTurn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, pt := range turns {
		if pt.Message == nil {
			continue
		}
		text := strings.TrimSpace(*pt.Message)
		if text == "" {
			continue
		}

		var offset int64
		if pt.TimeInCallSecs != nil && *pt.TimeInCallSecs > 0 {
			offset = int64(math.Round(*pt.TimeInCallSecs * 1000))
		}

		t := Turn{
			Speaker:  CanonicalSpeaker(pt.Role),
			Text:     text,
			OffsetMs: offset,
		}
		if startUnixSecs > 0 {
			t.TimestampMs = startUnixSecs*1000 + offset
		}
		out = append(out, t)
	}
	return out
}

// Clean applies the normalizer's rules to turns that are already in the
// canonical shape, such as a transcript submitted by a text-mode client.
func Clean(turns []Turn) []Turn {
	out := make([]Turn, 0, len(turns))
	for _, t := range turns {
		text := strings.TrimSpace(t.Text)
		if text == "" {
			continue
		}
		t.Text = text
		t.Speaker = CanonicalSpeaker(string(t.Speaker))
		if t.OffsetMs < 0 {
			t.OffsetMs = 0
		}
		out = append(out, t)
	}
	return out
}

// Span returns the time between the first and last turn. ok is false when
// the turns carry no usable offsets.
func Span(turns []Turn) (d time.Duration, ok bool) {
	if len(turns) < 2 {
		return 0, false
	}
	first, last := turns[0].OffsetMs, turns[len(turns)-1].OffsetMs
	if last <= first {
		return 0, false
	}
	return time.Duration(last-first) * time.Millisecond, true
}
