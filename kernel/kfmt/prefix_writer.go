package kfmt

import "io"

// PrefixWriter is an io.Writer that wraps another io.Writer and injects a
// prefix at the beginning of each line. The kernel console attaches one per
// process so that SYS_WRITE output is tagged with the writer's name.
type PrefixWriter struct {
	// A writer where all writes get sent to.
	Sink io.Writer

	// The prefix injected at the beginning of each line.
	Prefix []byte

	midLine bool
}

// Write writes p to the sink, emitting the prefix before the first byte of
// every line. The prefix bytes are not included in the returned count.
func (w *PrefixWriter) Write(p []byte) (int, error) {
	var written, lineStart int

	for i := 0; i < len(p); i++ {
		if !w.midLine {
			if _, err := w.Sink.Write(w.Prefix); err != nil {
				return written, err
			}
			w.midLine = true
		}

		if p[i] != '\n' {
			continue
		}

		n, err := w.Sink.Write(p[lineStart : i+1])
		written += n
		if err != nil {
			return written, err
		}
		lineStart = i + 1
		w.midLine = false
	}

	if lineStart < len(p) {
		n, err := w.Sink.Write(p[lineStart:])
		written += n
		if err != nil {
			return written, err
		}
	}

	return written, nil
}
