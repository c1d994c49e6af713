package httpfetch

import (
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/JakeFAU/webimporter/internal/fetch"
)

const fallbackRedirectCharset = "utf-8"

// redirectTarget returns the absolute URL a redirect response points to, or
// an empty string when it has no Location header.
func redirectTarget(logger *zap.Logger, from *url.URL, headers http.Header) string {
	location := headers.Get("Location")
	if location == "" {
		logger.Error("redirect detected to a null location", zap.String("reference", from.String()))
		return ""
	}
	if !isASCII(location) {
		_, charset := fetch.ParseContentType(headers.Get("Content-Type"))
		logger.Warn("redirect location is not 7-bit clean, decoding it",
			zap.String("reference", from.String()),
			zap.String("charset", charset))
		location = decodeLocation(location, charset)
	}
	target, err := url.Parse(strings.TrimSpace(location))
	if err != nil {
		logger.Warn("unparsable redirect location",
			zap.String("reference", from.String()),
			zap.String("location", location),
			zap.Error(err))
		return location
	}
	resolved := from.ResolveReference(target).String()
	logger.Debug("redirect", zap.String("from", from.String()), zap.String("to", resolved))
	return resolved
}

// decodeLocation reinterprets raw header bytes in charset. Unknown charsets
// and bytes that are already valid UTF-8 fall back to UTF-8.
func decodeLocation(location, charset string) string {
	if charset == "" {
		charset = fallbackRedirectCharset
	}
	enc, err := htmlindex.Get(charset)
	if err == nil {
		if name, _ := htmlindex.Name(enc); name != fallbackRedirectCharset {
			if decoded, derr := enc.NewDecoder().String(location); derr == nil {
				return decoded
			}
		}
	}
	if utf8.ValidString(location) {
		return location
	}
	return strings.ToValidUTF8(location, string(utf8.RuneError))
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
