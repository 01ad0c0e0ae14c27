// Package thread renders and re-parses the threaded artifact comment. The
// rendered markdown is the durable record of prior runs for a subject, so the
// structural contract here (marker, Latest section, Previous versions block)
// must survive round trips.
package thread

import (
	"fmt"
	"regexp"
	"strings"

	"sketchline/internal/domain"
)

// Marker identifies comments owned by sketchline so later runs update instead
// of posting duplicates.
const Marker = "<!-- sketchline:history -->"

type History struct {
	Latest domain.HistoryEntry
	Older  []domain.HistoryEntry
}

var (
	latestRe = regexp.MustCompile(`(?m)^\*\*Latest\*\* \x60([^\x60\n]+)\x60\n+!\[[^\]]*\]\(([^)\s]+)\)`)
	olderRe  = regexp.MustCompile(`(?m)^- \x60([^\x60\n]+)\x60 — \[sketch\]\(([^)\s]+)\)`)
)

// Parse reconstructs history from a previously rendered body. Bodies without
// the marker (including ones predating it, or rewritten by a human) yield an
// empty history rather than an error.
func Parse(body string) History {
	var h History
	if !strings.Contains(body, Marker) {
		return h
	}
	if m := latestRe.FindStringSubmatch(body); m != nil {
		h.Latest = domain.HistoryEntry{RevisionShort: m[1], ArtifactURL: m[2]}
	}
	for _, m := range olderRe.FindAllStringSubmatch(body, -1) {
		h.Older = append(h.Older, domain.HistoryEntry{RevisionShort: m[1], ArtifactURL: m[2]})
	}
	return h
}

// Merge makes entry the new latest. The previous latest is demoted to the
// front of the older list unless it carries the same revision, in which case
// it is replaced. A revision never appears twice across latest+older.
func Merge(prev History, entry domain.HistoryEntry) History {
	next := History{Latest: entry}
	if prev.Latest.RevisionShort != "" && prev.Latest.RevisionShort != entry.RevisionShort {
		next.Older = append(next.Older, prev.Latest)
	}
	for _, e := range prev.Older {
		if e.RevisionShort == entry.RevisionShort {
			continue
		}
		next.Older = append(next.Older, e)
	}
	return next
}

// Render produces the comment body: marker, latest entry, then a collapsed
// previous-versions block newest first.
func Render(h History) string {
	var b strings.Builder
	b.WriteString(Marker)
	b.WriteString("\n")
	fmt.Fprintf(&b, "**Latest** `%s`\n\n", h.Latest.RevisionShort)
	fmt.Fprintf(&b, "![Sketch](%s)\n", h.Latest.ArtifactURL)
	b.WriteString("\n<details>\n")
	fmt.Fprintf(&b, "<summary>Previous versions (%d)</summary>\n\n", len(h.Older))
	for _, e := range h.Older {
		fmt.Fprintf(&b, "- `%s` — [sketch](%s)\n", e.RevisionShort, e.ArtifactURL)
	}
	b.WriteString("\n</details>\n")
	return b.String()
}
