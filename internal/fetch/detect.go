package fetch

import (
	"mime"
	"net/http"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/saintfish/chardet"

	"github.com/JakeFAU/webimporter/internal/doc"
)

// ParseContentType splits a Content-Type header into its media type and
// charset parameter. Malformed parameters are ignored.
func ParseContentType(header string) (mediaType, charset string) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ""
	}
	mt, params, err := mime.ParseMediaType(header)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0])), ""
	}
	return mt, params["charset"]
}

// DetectContentType returns declared unless it is empty or force is set,
// in which case the media type is sniffed from body.
func DetectContentType(body []byte, declared string, force bool) string {
	mt, _ := ParseContentType(declared)
	if mt != "" && !force {
		return mt
	}
	if len(body) == 0 {
		return mt
	}
	detected, _ := ParseContentType(mimetype.Detect(body).String())
	return detected
}

// DetectCharset returns declared unless it is empty or force is set, in
// which case the charset is guessed from body.
func DetectCharset(body []byte, declared, mediaType string, force bool) string {
	if declared != "" && !force {
		return declared
	}
	if len(body) == 0 {
		return declared
	}
	detector := chardet.NewTextDetector()
	if doc.IsHTMLType(mediaType) {
		detector = chardet.NewHtmlDetector()
	}
	result, err := detector.DetectBest(body)
	if err != nil || result == nil {
		return declared
	}
	return result.Charset
}

// ApplyHeaders copies headers into md under prefix. Fields already present
// are left untouched.
func ApplyHeaders(md *doc.Metadata, headers http.Header, prefix string) {
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := prefix + k
		if md.Has(name) {
			continue
		}
		md.Set(name, headers[k]...)
	}
}
