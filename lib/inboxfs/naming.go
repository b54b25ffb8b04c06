// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import (
	"mime"
	"path"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

// maxNameBytes keeps generated names well under the 255-byte limit of
// common host filesystems, leaving room for disambiguation suffixes.
const maxNameBytes = 180

// keptPunctuation is the punctuation that survives sanitization.
// Everything else that is not a letter or digit becomes '_'.
const keptPunctuation = ".-_+,()&@"

// fallbackName replaces a component that sanitizes to nothing.
const fallbackName = "untitled"

// commonExtensions covers content types whose preferred extension the
// platform MIME table may not know or may order differently between
// hosts. Names must be identical on every machine.
var commonExtensions = map[string]string{
	"application/pdf":  ".pdf",
	"application/json": ".json",
	"application/xml":  ".xml",
	"application/zip":  ".zip",
	"image/gif":        ".gif",
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"image/svg+xml":    ".svg",
	"image/tiff":       ".tiff",
	"text/calendar":    ".ics",
	"text/csv":         ".csv",
	"text/html":        ".html",
	"text/plain":       ".txt",
	"text/xml":         ".xml",
}

// sanitize maps text to a single safe path component. Letters and
// digits of any script are kept; separators, control characters and
// other punctuation become '_', and runs of '_' collapse. Leading and
// trailing dots and underscores are trimmed so a name is never
// hidden, "." or "..".
func sanitize(text string) string {
	var builder strings.Builder
	builder.Grow(len(text))
	lastUnderscore := false
	for _, r := range text {
		keep := unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(keptPunctuation, r)
		if r == utf8.RuneError {
			keep = false
		}
		if !keep || r == '_' {
			if !lastUnderscore {
				builder.WriteByte('_')
			}
			lastUnderscore = true
			continue
		}
		builder.WriteRune(r)
		lastUnderscore = false
	}
	return strings.Trim(builder.String(), "._")
}

// truncate shortens name to at most limit bytes without splitting a
// UTF-8 sequence.
func truncate(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(name[cut]) {
		cut--
	}
	return strings.TrimRight(name[:cut], "._")
}

// joinComponents sanitizes each non-empty component and joins them
// with '_'.
func joinComponents(components ...string) string {
	var parts []string
	for _, component := range components {
		if cleaned := sanitize(component); cleaned != "" {
			parts = append(parts, cleaned)
		}
	}
	if len(parts) == 0 {
		return fallbackName
	}
	return strings.Join(parts, "_")
}

func senderOf(item mailbox.Item) string {
	if item.SenderName != "" {
		return item.SenderName
	}
	return item.Sender
}

// ItemDirName is the directory name of an item before collision
// handling: received date, sender and subject.
func ItemDirName(item mailbox.Item) string {
	date := item.CreatedAt.UTC().Format(time.DateOnly)
	return truncate(joinComponents(date, senderOf(item), item.Subject), maxNameBytes)
}

// AttachmentFileName is the file name of part index of item before
// collision handling: the item's timestamp, sender, the original file
// name (or the subject when there is none), and the index, followed by
// an extension.
func AttachmentFileName(item mailbox.Item, part mailbox.Part, index int) string {
	stamp := item.CreatedAt.UTC().Format("2006-01-02T150405")
	extension := extensionOf(part)
	stem := strings.TrimSuffix(part.Name, path.Ext(part.Name))
	if stem == "" {
		stem = item.Subject
	}
	base := joinComponents(stamp, senderOf(item), stem, strconv.Itoa(index))
	return truncate(base, maxNameBytes-len(extension)) + extension
}

// extensionOf returns a sanitized extension with its dot, taken from
// the original file name or else derived from the content type.
func extensionOf(part mailbox.Part) string {
	if extension := sanitize(strings.TrimPrefix(path.Ext(part.Name), ".")); extension != "" {
		return "." + strings.ToLower(truncate(extension, 16))
	}
	mediaType, _, err := mime.ParseMediaType(part.ContentType)
	if err != nil {
		return ""
	}
	if extension, ok := commonExtensions[mediaType]; ok {
		return extension
	}
	return ""
}

// disambiguate makes names unique. In a group of equal names the
// member that precedes all others keeps the plain name and the rest
// get a suffix from suffixOf, so a name already handed out survives
// the arrival of a later namesake. Suffixes go before the extension
// when keepExtension is set.
func disambiguate(names []string, suffixOf func(position int) string, precedes func(a, b int) bool, keepExtension bool) []string {
	first := make(map[string]int, len(names))
	for position, name := range names {
		if current, ok := first[name]; !ok || precedes(position, current) {
			first[name] = position
		}
	}
	result := make([]string, len(names))
	for position, name := range names {
		if first[name] == position {
			result[position] = name
			continue
		}
		result[position] = withSuffix(name, suffixOf(position), keepExtension)
	}
	return result
}

// withSuffix appends "~suffix" to name, before its extension when
// keepExtension is set.
func withSuffix(name, suffix string, keepExtension bool) string {
	suffix = "~" + sanitize(suffix)
	stem, extension := name, ""
	if keepExtension {
		extension = path.Ext(name)
		stem = strings.TrimSuffix(name, extension)
	}
	return truncate(stem, maxNameBytes-len(suffix)-len(extension)) + suffix + extension
}
