// Package assemble builds the generation context from a changed-file list.
// Output is deterministic and never exceeds the configured byte cap.
package assemble

import (
	"strings"

	"sketchline/internal/domain"
)

const TruncationMarker = "\n[diff truncated]\n"

type Assembler struct {
	MaxBytes         int
	LockfileSuffixes []string
}

// Build concatenates a title/description header with per-file patch blocks,
// stopping the moment the next block would push the encoded output past the
// cap. Lockfiles and files without patch text are skipped. The cap applies to
// the output including the truncation marker.
func (a Assembler) Build(title, description string, files []domain.ChangedFile) string {
	budget := a.MaxBytes - len(TruncationMarker)
	if budget < 0 {
		budget = 0
	}

	var b strings.Builder
	header := title
	if description != "" {
		header += "\n\n" + description
	}
	header += "\n"
	if len(header) > budget {
		// Cap too small for even the header. The marker alone still has to
		// respect the cap.
		marker := TruncationMarker[1:]
		if len(marker) > a.MaxBytes {
			return ""
		}
		return marker
	}
	b.WriteString(header)

	truncated := false
	for _, f := range files {
		if a.isLockfile(f.Name) {
			continue
		}
		if f.Patch == "" {
			// binary or too large to diff
			continue
		}
		block := "--- " + f.Name + " ---\n" + f.Patch + "\n"
		if b.Len()+len(block) > budget {
			truncated = true
			break
		}
		b.WriteString(block)
	}
	if truncated {
		b.WriteString(TruncationMarker)
	}
	return b.String()
}

func (a Assembler) isLockfile(name string) bool {
	for _, suffix := range a.LockfileSuffixes {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}
