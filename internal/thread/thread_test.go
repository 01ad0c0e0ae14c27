package thread

import (
	"strings"
	"testing"

	"sketchline/internal/domain"
)

func entry(rev string) domain.HistoryEntry {
	return domain.HistoryEntry{RevisionShort: rev, ArtifactURL: "https://cdn.example/" + rev + ".png"}
}

func TestRenderFirstComment(t *testing.T) {
	body := Render(Merge(History{}, entry("deadbee")))
	if !strings.HasPrefix(body, Marker) {
		t.Fatalf("body must start with marker: %q", body)
	}
	if !strings.Contains(body, "**Latest** `deadbee`") {
		t.Fatalf("latest section missing: %q", body)
	}
	if !strings.Contains(body, "![Sketch](https://cdn.example/deadbee.png)") {
		t.Fatalf("image missing: %q", body)
	}
	if !strings.Contains(body, "Previous versions (0)") {
		t.Fatalf("empty previous block missing: %q", body)
	}
}

func TestMergeDemotesPreviousLatest(t *testing.T) {
	// one latest plus two older entries
	h := History{
		Latest: entry("ccccccc"),
		Older:  []domain.HistoryEntry{entry("bbbbbbb"), entry("aaaaaaa")},
	}
	h = Merge(h, entry("ddddddd"))

	if h.Latest.RevisionShort != "ddddddd" {
		t.Fatalf("latest = %s", h.Latest.RevisionShort)
	}
	want := []string{"ccccccc", "bbbbbbb", "aaaaaaa"}
	if len(h.Older) != len(want) {
		t.Fatalf("older = %+v", h.Older)
	}
	for i, rev := range want {
		if h.Older[i].RevisionShort != rev {
			t.Fatalf("older order broken: %+v", h.Older)
		}
	}
}

func TestMergeSameRevisionNoDuplicate(t *testing.T) {
	h := Merge(History{}, entry("aaaaaaa"))
	h = Merge(h, entry("bbbbbbb"))
	h = Merge(h, entry("bbbbbbb"))

	if h.Latest.RevisionShort != "bbbbbbb" {
		t.Fatalf("latest = %s", h.Latest.RevisionShort)
	}
	if len(h.Older) != 1 || h.Older[0].RevisionShort != "aaaaaaa" {
		t.Fatalf("older = %+v", h.Older)
	}
	body := Render(h)
	if strings.Count(body, "`bbbbbbb`") != 1 {
		t.Fatalf("revision rendered twice: %q", body)
	}
}

func TestParseRoundTrip(t *testing.T) {
	h := Merge(History{}, entry("aaaaaaa"))
	h = Merge(h, entry("bbbbbbb"))
	h = Merge(h, entry("ccccccc"))

	got := Parse(Render(h))
	if got.Latest != h.Latest {
		t.Fatalf("latest: got %+v want %+v", got.Latest, h.Latest)
	}
	if len(got.Older) != len(h.Older) {
		t.Fatalf("older: got %+v want %+v", got.Older, h.Older)
	}
	for i := range got.Older {
		if got.Older[i] != h.Older[i] {
			t.Fatalf("older[%d]: got %+v want %+v", i, got.Older[i], h.Older[i])
		}
	}
}

func TestParseAnyRenderedRevision(t *testing.T) {
	// Revisions are whatever the provider sent; parsing must not assume a
	// character set narrower than what Render emits.
	for _, rev := range []string{"0ldc0de", "deadbee", "g1thash", "v2-rc.1"} {
		h := Merge(History{}, entry(rev))
		got := Parse(Render(h))
		if got.Latest != h.Latest {
			t.Fatalf("revision %q lost in round trip: %+v", rev, got.Latest)
		}
		next := Merge(got, entry("newhead"))
		if len(next.Older) != 1 || next.Older[0].RevisionShort != rev {
			t.Fatalf("revision %q not demoted: %+v", rev, next.Older)
		}
	}
}

func TestParseForeignBody(t *testing.T) {
	if h := Parse("nice change, shipping it"); h.Latest.RevisionShort != "" || len(h.Older) != 0 {
		t.Fatalf("non-marker body should parse empty, got %+v", h)
	}
	if h := Parse(""); h.Latest.RevisionShort != "" {
		t.Fatalf("empty body should parse empty, got %+v", h)
	}
}
