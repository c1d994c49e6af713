package doc

import (
	"fmt"
	"strings"
)

// Standard metadata field names.
const (
	FieldReference       = "document.reference"
	FieldContentType     = "document.contentType"
	FieldContentEncoding = "document.contentEncoding"
	FieldContentFamily   = "document.contentFamily"
	FieldChecksum        = "document.checksum"
	FieldImportedDate    = "document.importedDate"
	FieldLastModified    = "document.lastModified"
	FieldRedirectTarget  = "document.redirectTarget"
	FieldScreenshot      = "document.screenshot"
	FieldHTTPStatusCode  = "collector.httpStatusCode"
	FieldHTTPStatusText  = "collector.httpStatusReason"
	FieldFetcher         = "collector.fetcher"
	FieldUserAgent       = "collector.userAgent"
)

// Document is a single unit flowing through the import pipeline.
type Document struct {
	Reference   string
	Metadata    *Metadata
	Content     []byte
	ContentType string
	Charset     string
	Parsed      bool
}

// New creates a document with empty metadata.
func New(reference string, content []byte) *Document {
	md := NewMetadata()
	md.Set(FieldReference, reference)
	return &Document{
		Reference: reference,
		Metadata:  md,
		Content:   content,
	}
}

// Text returns the content as a string.
func (d *Document) Text() string {
	return string(d.Content)
}

// SetText replaces the content.
func (d *Document) SetText(s string) {
	d.Content = []byte(s)
}

// IsHTML reports whether the content type is an HTML family type.
func (d *Document) IsHTML() bool {
	return IsHTMLType(d.ContentType)
}

// IsHTMLType reports whether ct names HTML or XHTML content.
func IsHTMLType(ct string) bool {
	base := strings.ToLower(strings.TrimSpace(strings.SplitN(ct, ";", 2)[0]))
	return base == "text/html" || base == "application/xhtml+xml" || base == "application/vnd.wap.xhtml+xml"
}

// ParseState tells handlers whether they run before or after parsing.
type ParseState string

// Parse states.
const (
	PreParse  ParseState = "pre"
	PostParse ParseState = "post"
)

// OnSet decides how a value is written to a field that may already exist.
type OnSet string

// Supported OnSet policies.
const (
	OnSetAppend   OnSet = "append"
	OnSetPrepend  OnSet = "prepend"
	OnSetReplace  OnSet = "replace"
	OnSetOptional OnSet = "optional"
)

// ParseOnSet validates a policy name. Empty means append.
func ParseOnSet(s string) (OnSet, error) {
	switch OnSet(strings.ToLower(strings.TrimSpace(s))) {
	case "", OnSetAppend:
		return OnSetAppend, nil
	case OnSetPrepend:
		return OnSetPrepend, nil
	case OnSetReplace:
		return OnSetReplace, nil
	case OnSetOptional:
		return OnSetOptional, nil
	default:
		return "", fmt.Errorf("unknown onSet %q", s)
	}
}
