package audit

import "context"

const previewLimit = 500

// ScrubSink wraps a sink and applies the configured logging level to
// record content before delivery. At "metadata" the prompt and response
// text is dropped entirely; at "full" it is truncated. Derived features
// (keywords, patterns, scores) pass through at both levels since the
// policy provenance chain depends on them.
type ScrubSink struct {
	level string
	inner Sink
}

func NewScrubSink(level string, inner Sink) *ScrubSink {
	return &ScrubSink{level: level, inner: inner}
}

func (s *ScrubSink) Name() string { return s.inner.Name() }

func (s *ScrubSink) Deliver(ctx context.Context, rec *Record) error {
	return s.inner.Deliver(ctx, s.scrub(rec))
}

func (s *ScrubSink) Close(ctx context.Context) error { return s.inner.Close(ctx) }

// scrub returns a copy with content fields adjusted; the original record
// is shared with other sinks and never mutated.
func (s *ScrubSink) scrub(rec *Record) *Record {
	if rec == nil || s.level == "full" && !needsTruncation(rec) {
		return rec
	}
	out := *rec
	if rec.Attempt != nil {
		att := *rec.Attempt
		att.Input = s.content(att.Input)
		att.Response = s.content(att.Response)
		out.Attempt = &att
	}
	if rec.Breach != nil {
		br := *rec.Breach
		br.Input = s.content(br.Input)
		out.Breach = &br
	}
	return &out
}

func (s *ScrubSink) content(text string) string {
	if s.level != "full" {
		return ""
	}
	if len(text) > previewLimit {
		return text[:previewLimit] + "…"
	}
	return text
}

func needsTruncation(rec *Record) bool {
	if rec.Attempt != nil && (len(rec.Attempt.Input) > previewLimit || len(rec.Attempt.Response) > previewLimit) {
		return true
	}
	return rec.Breach != nil && len(rec.Breach.Input) > previewLimit
}
