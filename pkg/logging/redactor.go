// Package logging provides a redacting writer for log output, masking
// creator names, remote identifiers and the local download path so log files
// can be shared when reporting problems.
package logging

import (
	"io"
	"regexp"
	"strings"
)

// remoteIDRegex matches long numeric strings typical of remote post and
// image identifiers.
var remoteIDRegex = regexp.MustCompile(`\b\d{7,}\b`)

// RedactingWriter is an io.Writer that masks sensitive substrings before
// writing to an underlying writer.
type RedactingWriter struct {
	underlying   io.Writer
	replacements map[*regexp.Regexp]string
}

// NewRedactingWriter creates a writer that masks remote identifiers, the
// download path, and the given creator usernames.
func NewRedactingWriter(w io.Writer, downloadPath string, usernames []string) io.Writer {
	replacements := make(map[*regexp.Regexp]string)
	replacements[remoteIDRegex] = "[ID]"

	if downloadPath != "" {
		sanitizedPath := strings.ReplaceAll(regexp.QuoteMeta(downloadPath), `\\`, `[/\\]`)
		replacements[regexp.MustCompile(sanitizedPath)] = "[DOWNLOAD_PATH]"
	}
	for _, username := range usernames {
		if username != "" {
			replacements[regexp.MustCompile(regexp.QuoteMeta(username))] = "[CREATOR]"
		}
	}

	return &RedactingWriter{
		underlying:   w,
		replacements: replacements,
	}
}

// Write masks the input and writes it to the underlying writer. The returned
// length is the original input length, so callers see their buffer as fully
// processed even when the redacted form differs in size.
func (rw *RedactingWriter) Write(p []byte) (n int, err error) {
	originalLen := len(p)
	message := string(p)
	for re, repl := range rw.replacements {
		message = re.ReplaceAllString(message, repl)
	}
	if _, err = rw.underlying.Write([]byte(message)); err != nil {
		return 0, err
	}
	return originalLen, nil
}
