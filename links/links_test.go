package links

import "testing"

const sampleDOM = `<html><body>
<a href="/about">About us</a>
<a href="https://other.example.net/page">External</a>
<a href="/about">About (duplicate)</a>
<a href="#section">Fragment only</a>
<a href="javascript:void(0)">JS</a>
<a href="mailto:hi@example.com">Mail</a>
<a href="docs/guide#install">Guide</a>
</body></html>`

func TestHarvestResolvesAndFilters(t *testing.T) {
	// WHAT: Relative hrefs resolve against the page URL; fragments, script
	// and mail links are dropped; duplicates collapse to one entry.
	// WHY: links.json must contain navigable, canonical targets only.
	got, err := Harvest([]byte(sampleDOM), "https://example.com/team/")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{
		"https://example.com/about",
		"https://example.com/team/docs/guide",
		"https://other.example.net/page",
	}
	if len(got) != len(want) {
		t.Fatalf("links: got %d (%v), want %d", len(got), got, len(want))
	}
	for i, l := range got {
		if l.URL != want[i] {
			t.Errorf("link %d: got %q, want %q", i, l.URL, want[i])
		}
	}
}

func TestHarvestInternalFlag(t *testing.T) {
	// WHAT: Same-host links are marked internal, cross-host ones are not.
	// WHY: Consumers filter the appendix by site membership.
	got, err := Harvest([]byte(sampleDOM), "https://example.com/team/")
	if err != nil {
		t.Fatal(err)
	}
	for _, l := range got {
		wantInternal := l.URL != "https://other.example.net/page"
		if l.Internal != wantInternal {
			t.Errorf("%s: internal=%v, want %v", l.URL, l.Internal, wantInternal)
		}
	}
}

func TestHarvestDeterministicOrder(t *testing.T) {
	// WHAT: Two harvests of the same DOM return identical orderings.
	// WHY: links.json is part of the deterministic output contract.
	a, _ := Harvest([]byte(sampleDOM), "https://example.com/")
	b, _ := Harvest([]byte(sampleDOM), "https://example.com/")
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("order differs at %d: %v vs %v", i, a[i], b[i])
		}
	}
}

func TestDiff(t *testing.T) {
	// WHAT: Diff splits current links into added/unchanged and reports
	// links present only in the previous capture as removed.
	// WHY: Link deltas drive change notifications between captures.
	prev := []Link{{URL: "https://example.com/a"}, {URL: "https://example.com/gone"}}
	cur := []Link{{URL: "https://example.com/a"}, {URL: "https://example.com/new"}}
	d := Diff(cur, prev)
	if len(d.Added) != 1 || d.Added[0].URL != "https://example.com/new" {
		t.Errorf("added: %v", d.Added)
	}
	if len(d.Removed) != 1 || d.Removed[0].URL != "https://example.com/gone" {
		t.Errorf("removed: %v", d.Removed)
	}
	if len(d.Unchanged) != 1 || d.Unchanged[0].URL != "https://example.com/a" {
		t.Errorf("unchanged: %v", d.Unchanged)
	}
}

func TestAnnotate(t *testing.T) {
	// WHAT: Annotate flags current links as added or unchanged against the
	// previous capture without reordering them.
	prev := []Link{{URL: "https://example.com/a"}}
	cur := []Link{
		{URL: "https://example.com/a", Text: "A"},
		{URL: "https://example.com/new", Text: "New"},
	}
	got := Annotate(cur, prev)
	if got[0].Delta != "unchanged" || got[1].Delta != "added" {
		t.Errorf("deltas: %q, %q", got[0].Delta, got[1].Delta)
	}
	if got[0].URL != cur[0].URL || got[1].URL != cur[1].URL {
		t.Error("annotate reordered links")
	}
	if cur[0].Delta != "" {
		t.Error("annotate mutated its input")
	}
}
