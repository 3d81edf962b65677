// CLAUDE:SUMMARY Harvests hyperlinks from the DOM snapshot and diffs them against a previous capture of the same URL.
// Package links harvests hyperlinks from a DOM snapshot. Links come from the
// DOM, never from OCR text: anchor targets are invisible to a screenshot, so
// the snapshot is the only faithful source.
package links

import (
	"bytes"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link is one harvested hyperlink, with its href resolved against the page
// URL and the visible anchor text. Delta is set against the prior capture of
// the same page ("added" or "unchanged"); empty when no prior capture exists.
type Link struct {
	URL      string `json:"url"`
	Text     string `json:"text,omitempty"`
	Source   string `json:"source"`
	Internal bool   `json:"internal"`
	Delta    string `json:"delta,omitempty"`
}

// SourceDOM marks links harvested from the DOM snapshot, the only source
// this pipeline uses.
const SourceDOM = "dom"

// Delta is the link set difference against a previous capture.
type Delta struct {
	Added     []Link `json:"added"`
	Removed   []Link `json:"removed"`
	Unchanged []Link `json:"unchanged"`
}

// Harvest parses the DOM snapshot and returns the page's links in a
// deterministic order: resolved, fragment-stripped, deduplicated by URL,
// sorted. Non-navigational schemes (javascript:, mailto:, data:) and
// fragment-only anchors are skipped.
func Harvest(domHTML []byte, pageURL string) ([]Link, error) {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := html.Parse(bytes.NewReader(domHTML))
	if err != nil {
		return nil, err
	}

	seen := make(map[string]Link)
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if link, ok := resolveAnchor(n, base); ok {
				if prev, dup := seen[link.URL]; !dup || (prev.Text == "" && link.Text != "") {
					seen[link.URL] = link
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	out := make([]Link, 0, len(seen))
	for _, l := range seen {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

func resolveAnchor(n *html.Node, base *url.URL) (Link, bool) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return Link{}, false
	}
	u, err := base.Parse(href)
	if err != nil {
		return Link{}, false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Link{}, false
	}
	u.Fragment = ""
	return Link{
		URL:      u.String(),
		Text:     anchorText(n),
		Source:   SourceDOM,
		Internal: u.Host == base.Host,
	}, true
}

func anchorText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// Diff computes the delta from a previous capture's links to the current
// ones. Membership is by URL; anchor text changes count as unchanged.
func Diff(current, previous []Link) Delta {
	prev := make(map[string]struct{}, len(previous))
	for _, l := range previous {
		prev[l.URL] = struct{}{}
	}
	cur := make(map[string]struct{}, len(current))
	for _, l := range current {
		cur[l.URL] = struct{}{}
	}

	d := Delta{Added: []Link{}, Removed: []Link{}, Unchanged: []Link{}}
	for _, l := range current {
		if _, ok := prev[l.URL]; ok {
			d.Unchanged = append(d.Unchanged, l)
		} else {
			d.Added = append(d.Added, l)
		}
	}
	for _, l := range previous {
		if _, ok := cur[l.URL]; !ok {
			d.Removed = append(d.Removed, l)
		}
	}
	return d
}

// Annotate returns a copy of current with each link's Delta flag set against
// the previous capture.
func Annotate(current, previous []Link) []Link {
	prev := make(map[string]struct{}, len(previous))
	for _, l := range previous {
		prev[l.URL] = struct{}{}
	}
	out := make([]Link, len(current))
	for i, l := range current {
		if _, ok := prev[l.URL]; ok {
			l.Delta = "unchanged"
		} else {
			l.Delta = "added"
		}
		out[i] = l
	}
	return out
}
