package output

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/mrzor/udplat/internal/record"
	"github.com/mrzor/udplat/internal/stage"

	log "github.com/sirupsen/logrus"
)

const (
	pidWidth      = 7
	commWidth     = 16
	durationWidth = 12
)

// TextSink writes one line per record: PID, COMM, each interval and the total.
// Missing intervals print as "-" and anomalous records end with "*".
type TextSink struct {
	mu        sync.Mutex
	w         io.Writer
	intervals []string
	unit      record.Unit
}

// NewTextSink creates a TextSink writing the intervals of t in the table's unit.
func NewTextSink(w io.Writer, t *stage.Table) *TextSink {
	names := make([]string, 0, len(t.Intervals()))
	for _, iv := range t.Intervals() {
		names = append(names, iv.Name)
	}
	return &TextSink{w: w, intervals: names, unit: t.Unit()}
}

// WriteHeader prints the column header, e.g. "PID COMM Copy_MS UDP_MS TOT_MS".
func (s *TextSink) WriteHeader() error {
	var b strings.Builder
	fmt.Fprintf(&b, "%-*s %-*s", pidWidth, "PID", commWidth, "COMM")
	for _, name := range s.intervals {
		fmt.Fprintf(&b, " %*s", durationWidth, name+"_"+s.unit.Suffix())
	}
	fmt.Fprintf(&b, " %*s\n", durationWidth, "TOT_"+s.unit.Suffix())

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, b.String()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	return nil
}

// Emit writes one line for r.
func (s *TextSink) Emit(r *record.LatencyRecord) {
	line := s.format(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := io.WriteString(s.w, line); err != nil {
		log.Warnf("writing record for pid %d: %v", r.PID, err)
	}
}

func (s *TextSink) format(r *record.LatencyRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-*d %-*s", pidWidth, r.PID, commWidth, r.Comm)
	for _, name := range s.intervals {
		value := "-"
		if iv, ok := r.Interval(name); ok && iv.Valid {
			value = s.unit.Format(iv.Duration)
		}
		fmt.Fprintf(&b, " %*s", durationWidth, value)
	}
	fmt.Fprintf(&b, " %*s", durationWidth, s.unit.Format(r.Total))
	if r.Anomalous() {
		b.WriteString(" *")
	}
	b.WriteByte('\n')
	return b.String()
}
