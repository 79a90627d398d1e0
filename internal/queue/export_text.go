package queue

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

/*
Text export of the publish queue. The format is line-oriented and made to be
read by humans and parsed back losslessly:

	# publish queue
	# generated: 2026-08-29T10:00:00Z

	== instagram ==
	item: 6f1c...
	  account: brand_main
	  scheduled: 2026-08-29T12:00:00Z
	  media: https://cdn.example/abc.png
	  tags: sunset, skyline
	  caption: Golden hour over the bay.

Captions are stored single-line with newlines escaped, so every field stays
one "key: value" line. Exported captions carry no leading or trailing
whitespace (BuildExport trims them), which keeps the parse side free to trim
field values.
*/

const textTimeLayout = time.RFC3339

func escapeCaption(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, "\n", `\n`)
}

func unescapeCaption(s string) string {
	var sb strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case 'n':
				sb.WriteByte('\n')
				i++
				continue
			case '\\':
				sb.WriteByte('\\')
				i++
				continue
			}
		}
		sb.WriteByte(s[i])
	}
	return sb.String()
}

// Text renders the human-readable export.
func (e *Export) Text() string {
	var sb strings.Builder
	sb.WriteString("# publish queue\n")
	fmt.Fprintf(&sb, "# generated: %s\n", e.GeneratedAt.UTC().Format(textTimeLayout))
	for _, group := range e.Destinations {
		fmt.Fprintf(&sb, "\n== %s ==\n", group.Destination)
		for _, entry := range group.Entries {
			fmt.Fprintf(&sb, "item: %s\n", entry.ContentItemID)
			fmt.Fprintf(&sb, "  account: %s\n", entry.Account)
			fmt.Fprintf(&sb, "  scheduled: %s\n", entry.ScheduledAt.UTC().Format(textTimeLayout))
			fmt.Fprintf(&sb, "  media: %s\n", entry.MediaURI)
			if len(entry.Tags) > 0 {
				fmt.Fprintf(&sb, "  tags: %s\n", strings.Join(entry.Tags, ", "))
			}
			fmt.Fprintf(&sb, "  caption: %s\n", escapeCaption(entry.Caption))
		}
	}
	return sb.String()
}

// ParseText parses a Text() export back into an Export. It fails on the first
// malformed line so corruption never round-trips silently.
func ParseText(input string) (*Export, error) {
	out := &Export{}
	var group *DestinationGroup
	var entry *ExportEntry

	flushEntry := func() {
		if entry != nil && group != nil {
			group.Entries = append(group.Entries, *entry)
		}
		entry = nil
	}
	flushGroup := func() {
		flushEntry()
		if group != nil {
			out.Destinations = append(out.Destinations, *group)
		}
		group = nil
	}

	for lineNo, line := range strings.Split(input, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "# generated:"):
			ts, err := time.Parse(textTimeLayout, strings.TrimSpace(strings.TrimPrefix(trimmed, "# generated:")))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad generated timestamp: %w", lineNo+1, err)
			}
			out.GeneratedAt = ts
		case strings.HasPrefix(trimmed, "#"):
		case strings.HasPrefix(trimmed, "== ") && strings.HasSuffix(trimmed, " =="):
			flushGroup()
			group = &DestinationGroup{Destination: strings.TrimSpace(trimmed[2 : len(trimmed)-2])}
		case strings.HasPrefix(trimmed, "item:"):
			if group == nil {
				return nil, fmt.Errorf("line %d: item outside destination block", lineNo+1)
			}
			flushEntry()
			id, err := uuid.Parse(strings.TrimSpace(strings.TrimPrefix(trimmed, "item:")))
			if err != nil {
				return nil, fmt.Errorf("line %d: bad item id: %w", lineNo+1, err)
			}
			entry = &ExportEntry{ContentItemID: id}
		default:
			if entry == nil {
				return nil, fmt.Errorf("line %d: field outside item block: %q", lineNo+1, trimmed)
			}
			key, value, ok := strings.Cut(trimmed, ":")
			if !ok {
				return nil, fmt.Errorf("line %d: malformed field: %q", lineNo+1, trimmed)
			}
			value = strings.TrimSpace(value)
			switch key {
			case "account":
				entry.Account = value
			case "scheduled":
				ts, err := time.Parse(textTimeLayout, value)
				if err != nil {
					return nil, fmt.Errorf("line %d: bad scheduled timestamp: %w", lineNo+1, err)
				}
				entry.ScheduledAt = ts
			case "media":
				entry.MediaURI = value
			case "tags":
				for _, tag := range strings.Split(value, ",") {
					if t := strings.TrimSpace(tag); t != "" {
						entry.Tags = append(entry.Tags, t)
					}
				}
			case "caption":
				entry.Caption = unescapeCaption(value)
			default:
				return nil, fmt.Errorf("line %d: unknown field %q", lineNo+1, key)
			}
		}
	}
	flushGroup()
	return out, nil
}
