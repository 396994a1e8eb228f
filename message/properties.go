// Package message extracts structural properties from raw message bytes:
// media type, textual line count and attachments. The store keeps these
// properties with a message's immutable metadata, it never interprets raw
// content itself.
package message

import (
	"bufio"
	"io"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
)

// Attachment describes one attached part of a message.
type Attachment struct {
	Name      string // From Content-Disposition or Content-Type, can be empty.
	MediaType string // Lower-case, e.g. "application/pdf".
	Size      int64  // Decoded size in bytes.
}

// Properties are the structural facts about a message that the store persists
// at append time.
type Properties struct {
	MediaType    string // Lower-case type/subtype of the top-level part, e.g. "text/plain".
	TextualLines int64  // Line count of the top-level body for textual media types, 0 otherwise.
	Attachments  []Attachment
}

// Parse reads a message and returns its structural properties. Messages that
// cannot be fully parsed (e.g. unknown charsets, truncated parts) yield the
// properties gathered so far and a nil error: a malformed message must still
// be storable.
func Parse(r io.Reader) (Properties, error) {
	var props Properties

	m, err := message.Read(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return props, err
	}

	t, _, err := m.Header.ContentType()
	if err != nil {
		t = "text/plain"
	}
	props.MediaType = strings.ToLower(t)

	if mr := m.MultipartReader(); mr != nil {
		walkParts(mr, &props)
		return props, nil
	}

	if strings.HasPrefix(props.MediaType, "text/") || props.MediaType == "message/rfc822" {
		props.TextualLines = countLines(m.Body)
	}
	return props, nil
}

func walkParts(mr message.MultipartReader, props *Properties) {
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			return
		} else if err != nil && !message.IsUnknownCharset(err) {
			// Broken part, keep what we have.
			return
		}

		t, tparams, err := p.Header.ContentType()
		if err != nil {
			t = "application/octet-stream"
		}
		t = strings.ToLower(t)

		if nmr := p.MultipartReader(); nmr != nil {
			walkParts(nmr, props)
			continue
		}

		disp, dparams, _ := p.Header.ContentDisposition()
		if disp == "attachment" || disp == "inline" && dparams["filename"] != "" {
			name := dparams["filename"]
			if name == "" {
				name = tparams["name"]
			}
			props.Attachments = append(props.Attachments, Attachment{
				Name:      name,
				MediaType: t,
				Size:      countBytes(p.Body),
			})
			continue
		}

		if props.TextualLines == 0 && strings.HasPrefix(t, "text/") {
			props.TextualLines = countLines(p.Body)
		}
	}
}

func countLines(r io.Reader) int64 {
	var n int64
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		n++
	}
	return n
}

func countBytes(r io.Reader) int64 {
	n, err := io.Copy(io.Discard, r)
	if err != nil {
		return n
	}
	return n
}
