package content

import "strings"

// Kind discriminates the content part union.
type Kind string

const (
	KindText    Kind = "text"
	KindImage   Kind = "image"
	KindVideo   Kind = "video"
	KindAudio   Kind = "audio"
	KindFileRef Kind = "file_ref"
)

// StageStatus tracks a media part's out-of-band upload state.
type StageStatus string

const (
	StageStaging        StageStatus = "staging"
	StageStaged         StageStatus = "staged"
	StageFailed         StageStatus = "failed"
	StageFallbackInline StageStatus = "fallback_inline"
)

// Part is one element of a message's content. Exactly one shape is
// meaningful per Kind; decoders and Normalize enforce that.
type Part struct {
	Kind Kind   `json:"kind"`
	Text string `json:"text,omitempty"`

	MediaID       string      `json:"mediaId,omitempty"`
	MIME          string      `json:"mime,omitempty"`
	Size          int64       `json:"size,omitempty"`
	DurationMS    int64       `json:"durationMs,omitempty"`
	StagedMediaID string      `json:"stagedMediaId,omitempty"`
	StageStatus   StageStatus `json:"stageStatus,omitempty"`

	PathHint string `json:"pathHint,omitempty"`

	// In-memory only. StripTransient removes these before persistence
	// so a replayed snapshot never depends on them.
	InlineData    []byte  `json:"inlineData,omitempty"`
	PreviewHandle string  `json:"previewHandle,omitempty"`
	StageProgress float64 `json:"stageProgress,omitempty"`
}

// IsMedia reports whether the part is an image, video or audio attachment.
func (p Part) IsMedia() bool {
	return p.Kind == KindImage || p.Kind == KindVideo || p.Kind == KindAudio
}

// Normalize validates and canonicalizes candidate parts. Malformed parts
// are dropped, not errored. Normalizing normalized content is a no-op.
func Normalize(parts []Part) []Part {
	var out []Part
	for _, p := range parts {
		switch p.Kind {
		case KindText:
			text := strings.TrimSpace(p.Text)
			if text == "" {
				continue
			}
			out = append(out, Part{Kind: KindText, Text: text})
		case KindImage, KindVideo, KindAudio:
			wellFormed := p.MediaID != "" && p.MIME != "" && p.Size > 0
			if !wellFormed && strings.TrimSpace(p.PathHint) == "" {
				continue
			}
			out = append(out, p)
		case KindFileRef:
			if strings.TrimSpace(p.PathHint) == "" {
				continue
			}
			p.PathHint = strings.TrimSpace(p.PathHint)
			out = append(out, p)
		default:
			// Unknown kinds are dropped.
		}
	}
	return out
}

// StripTransient returns a copy of parts with in-memory-only fields removed.
// Stripping twice equals stripping once.
func StripTransient(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	for i, p := range parts {
		p.InlineData = nil
		p.PreviewHandle = ""
		p.StageProgress = 0
		out[i] = p
	}
	return out
}

// Clone deep-copies a part slice so queue demotion and snapshots never
// alias live message content.
func Clone(parts []Part) []Part {
	if parts == nil {
		return nil
	}
	out := make([]Part, len(parts))
	copy(out, parts)
	for i := range out {
		if out[i].InlineData != nil {
			data := make([]byte, len(out[i].InlineData))
			copy(data, out[i].InlineData)
			out[i].InlineData = data
		}
	}
	return out
}
