// Copyright 2024-2026 Aiku AI

package msgconv

import (
	"html"
	"strings"
)

// wordDiff is the change between two message bodies as a single edited
// region: Before and After are unchanged, Removed was replaced by Added.
type wordDiff struct {
	Before  string
	Removed string
	After   string
	Added   string
}

func diffWords(prev, curr string) wordDiff {
	a, b := strings.Fields(prev), strings.Fields(curr)
	p := 0
	for p < len(a) && p < len(b) && a[p] == b[p] {
		p++
	}
	s := 0
	for s < len(a)-p && s < len(b)-p && a[len(a)-1-s] == b[len(b)-1-s] {
		s++
	}
	return wordDiff{
		Before:  strings.Join(a[:p], " "),
		Removed: strings.Join(a[p:len(a)-s], " "),
		After:   strings.Join(a[len(a)-s:], " "),
		Added:   strings.Join(b[p:len(b)-s], " "),
	}
}

// Body renders the edit as "(edited) old => new".
func (d wordDiff) Body() string {
	return joinNonEmpty("(edited)", d.Before, d.Removed, d.After, "=>", d.Before, d.Added, d.After)
}

// HTML renders the edit with the removed words in red and the added words in
// green.
func (d wordDiff) HTML() string {
	colored := func(color, text string) string {
		if text == "" {
			return ""
		}
		return `<font color="` + color + `">` + html.EscapeString(text) + `</font>`
	}
	before, after := html.EscapeString(d.Before), html.EscapeString(d.After)
	return joinNonEmpty("<i>(edited)</i>", before, colored("red", d.Removed), after,
		"=&gt;", before, colored("green", d.Added), after)
}

func joinNonEmpty(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, " ")
}
