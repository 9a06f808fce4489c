package loader

import (
	"bufio"
	"bytes"
	"context"
	"strings"
)

// Calendar flattens iCalendar events into labelled lines.
type Calendar struct{}

var calendarFields = []struct{ prop, label string }{
	{"SUMMARY", "Event"},
	{"DTSTART", "Start"},
	{"DTEND", "End"},
	{"LOCATION", "Location"},
	{"DESCRIPTION", "Description"},
	{"URL", "Link"},
}

// Load extracts the VEVENT blocks of an .ics file.
func (Calendar) Load(_ context.Context, _ string, data []byte) (string, error) {
	var (
		b       strings.Builder
		event   map[string]string
		inEvent bool
	)
	for _, line := range unfold(data) {
		switch {
		case line == "BEGIN:VEVENT":
			inEvent = true
			event = make(map[string]string)
		case line == "END:VEVENT":
			if inEvent {
				writeEvent(&b, event)
			}
			inEvent = false
		case inEvent:
			name, value, ok := strings.Cut(line, ":")
			if !ok {
				continue
			}
			// Drop parameters such as DTSTART;TZID=Europe/Berlin.
			prop, _, _ := strings.Cut(name, ";")
			event[strings.ToUpper(prop)] = unescapeICS(value)
		}
	}
	return b.String(), nil
}

func writeEvent(b *strings.Builder, event map[string]string) {
	wrote := false
	for _, f := range calendarFields {
		value := strings.TrimSpace(event[f.prop])
		if value == "" {
			continue
		}
		b.WriteString(f.label)
		b.WriteString(": ")
		b.WriteString(value)
		b.WriteByte('\n')
		wrote = true
	}
	if wrote {
		b.WriteByte('\n')
	}
}

// unfold joins RFC 5545 continuation lines (leading space or tab).
func unfold(data []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') && len(lines) > 0 {
			lines[len(lines)-1] += line[1:]
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

var icsUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeICS(s string) string {
	return icsUnescaper.Replace(s)
}
