package staging

import "fmt"

// Failure codes observed from the remote side, plus the local ones the
// correlator synthesizes itself.
const (
	CodeTimeout     = "MEDIA_STAGE_TIMEOUT"
	CodeNotFound    = "MEDIA_STAGE_NOT_FOUND"
	CodeSuperseded  = "MEDIA_STAGE_SUPERSEDED"
	CodeCancelled   = "MEDIA_STAGE_CANCELLED"
	CodeTransport   = "TRANSPORT_UNAVAILABLE"
	CodeRejected    = "MEDIA_STAGE_REJECTED"
	CodeQuotaExceed = "MEDIA_STAGE_QUOTA_EXCEEDED"
)

// Error is a classified staging failure.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Code extracts the staging failure code from err, or "" if err is not a
// staging error.
func Code(err error) string {
	if se, ok := err.(*Error); ok {
		return se.Code
	}
	return ""
}

// Class describes what the engine may do after a staging failure.
type Class int

const (
	// ClassTerminal surfaces as a user-visible error with no fallback.
	ClassTerminal Class = iota
	// ClassInlineFallback permits sending the raw payload inline when it is
	// still held locally.
	ClassInlineFallback
)

// FallbackPolicy maps failure codes to classes. The embedder may replace
// entries; unknown codes are terminal.
type FallbackPolicy map[string]Class

// DefaultPolicy permits inline fallback for the two codes that mean the
// remote round-trip never completed: nothing was rejected, the bytes just
// never arrived.
func DefaultPolicy() FallbackPolicy {
	return FallbackPolicy{
		CodeTimeout:  ClassInlineFallback,
		CodeNotFound: ClassInlineFallback,
	}
}

// AllowsInline reports whether the policy permits inline fallback for code.
func (p FallbackPolicy) AllowsInline(code string) bool {
	return p[code] == ClassInlineFallback
}
