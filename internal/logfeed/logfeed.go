// Package logfeed prepares CI log output for the remote service: log upload
// content and console feed batches.
package logfeed

import (
	"bytes"
	"io"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

const (
	// MaxLineBytes caps a single console feed line.
	MaxLineBytes = 4096

	// DefaultBatchLines is how many lines one console feed post carries.
	DefaultBatchLines = 100

	// DefaultBatchBytes caps the payload of one console feed post.
	DefaultBatchBytes = 64 * 1024
)

var (
	// Build log timestamp markers some agents interleave: \x1b_bk;t=...\x07
	reAgentTimestamp = regexp.MustCompile(`\x1b_bk;t=[0-9]+\x07`)
	reControl        = regexp.MustCompile(`[\x00-\x08\x0b-\x1f\x7f]`)
)

// Encode turns lines into upload content: each line followed by a newline.
func Encode(lines []string) []byte {
	size := 0
	for _, l := range lines {
		size += len(l) + 1
	}
	var buf bytes.Buffer
	buf.Grow(size)
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}

// Reader is Encode as a stream.
func Reader(lines []string) io.Reader {
	return bytes.NewReader(Encode(lines))
}

// Sanitize strips terminal escape sequences and control characters from a
// line so the remote console renders it as plain text.
func Sanitize(line string) string {
	line = reAgentTimestamp.ReplaceAllString(line, "")
	line = ansi.Strip(line)
	line = strings.ReplaceAll(line, "\t", "    ")
	line = reControl.ReplaceAllString(line, "")
	return strings.TrimRight(line, " ")
}

// Truncate cuts s to at most maxBytes without splitting a UTF-8 rune.
func Truncate(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

// Batches sanitizes lines and groups them into feed posts of at most
// maxLines lines and roughly maxBytes bytes. Each batch holds at least one
// line. Non-positive limits fall back to the defaults.
func Batches(lines []string, maxLines, maxBytes int) [][]string {
	if len(lines) == 0 {
		return nil
	}
	if maxLines <= 0 {
		maxLines = DefaultBatchLines
	}
	if maxBytes <= 0 {
		maxBytes = DefaultBatchBytes
	}

	var (
		batches [][]string
		current []string
		size    int
	)
	for _, raw := range lines {
		line := Truncate(Sanitize(raw), MaxLineBytes)
		if len(current) > 0 && (len(current) == maxLines || size+len(line) > maxBytes) {
			batches = append(batches, current)
			current, size = nil, 0
		}
		current = append(current, line)
		size += len(line)
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
