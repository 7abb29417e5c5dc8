// Package klog centralizes the *log.Logger construction for every
// subsystem, so call sites stay a one-line log.Printf the way the teacher's
// own fmt.Printf/log.Fatal call sites read, just with a subsystem prefix.
// No structured fields, no levels beyond the prefix itself.
package klog

import (
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"golang.org/x/text/width"
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	loggers           = map[string]*log.Logger{}
)

// Init redirects every logger constructed from here on (and re-tags
// already-constructed ones) to w. Call once at cmd/kcore startup; tests
// that want to capture output should call it before touching any logger.
func Init(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	for prefix, l := range loggers {
		l.SetOutput(w)
		_ = prefix
	}
}

// For returns the logger for the given subsystem, e.g. klog.For("sched"),
// creating it on first use with a "[sched] " prefix.
func For(subsystem string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[subsystem]; ok {
		return l
	}
	l := log.New(out, "["+subsystem+"] ", log.Ltime|log.Lmicroseconds)
	loggers[subsystem] = l
	return l
}

// Banner renders rows as a two-column, width-aligned boot table for
// cmd/kcore's bring-up log: one (component, status) pair per row. Column
// width is measured with x/text/width rather than len(), since a builtin
// log line can otherwise mis-align against a fullwidth label pasted in from
// a non-ASCII build tag.
func Banner(rows [][2]string) string {
	longest := 0
	for _, r := range rows {
		if n := displayWidth(r[0]); n > longest {
			longest = n
		}
	}
	var b strings.Builder
	for _, r := range rows {
		pad := longest - displayWidth(r[0])
		if pad < 0 {
			pad = 0
		}
		b.WriteString(r[0])
		b.WriteString(strings.Repeat(" ", pad+2))
		b.WriteString(r[1])
		b.WriteByte('\n')
	}
	return b.String()
}

// displayWidth counts East Asian wide and fullwidth runes as two columns and
// every other rune as one, so a fullwidth label still lines up against the
// rest of the banner's plain ASCII columns.
func displayWidth(s string) int {
	n := 0
	for _, r := range s {
		switch width.LookupRune(r).Kind() {
		case width.EastAsianWide, width.EastAsianFullwidth:
			n += 2
		default:
			n++
		}
	}
	return n
}
