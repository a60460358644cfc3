package tutor

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
)

// readChunk is the read size used by [Sentences].
const readChunk = 512

// Sentences reads the streamed answer from r and calls fn for every complete
// sentence as soon as it is available. A sentence is a run of text ending in
// one or more of '.', '!' or '?'. A '.' between two digits is a decimal
// point, not a sentence end. Text after the last terminator is delivered
// once r reaches EOF. Sentences are passed as received, including leading
// whitespace, so concatenating them reproduces the answer.
//
// Returning an error from fn stops reading; that error is returned.
func Sentences(r io.Reader, fn func(sentence string) error) error {
	var (
		pending []byte
		buf     = make([]byte, readChunk)
	)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			pending = append(pending, buf[:n]...)
			var ferr error
			pending, ferr = emitSentences(pending, false, fn)
			if ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			_, ferr := emitSentences(pending, true, fn)
			return ferr
		}
		if err != nil {
			return fmt.Errorf("tutor: read answer: %w", err)
		}
	}
}

// SplitSentences splits a complete text with the same rules as [Sentences].
func SplitSentences(text string) []string {
	var out []string
	_ = Sentences(strings.NewReader(text), func(s string) error {
		out = append(out, s)
		return nil
	})
	return out
}

// emitSentences delivers every complete sentence at the front of buf and
// returns the unconsumed rest. With atEOF set the rest is delivered too.
//
// Only ASCII bytes are inspected, so a multi-byte rune split across reads
// stays intact in the rest.
func emitSentences(buf []byte, atEOF bool, fn func(string) error) ([]byte, error) {
	start, i := 0, 0
scan:
	for i < len(buf) {
		c := buf[i]
		if !isTerminator(c) {
			i++
			continue
		}
		if c == '.' && i > start && isDigit(buf[i-1]) {
			switch {
			case i+1 < len(buf) && isDigit(buf[i+1]):
				i++
				continue
			case i+1 == len(buf) && !atEOF:
				break scan
			}
		}
		j := i
		for j < len(buf) && isTerminator(buf[j]) {
			j++
		}
		if j == len(buf) && !atEOF {
			// More terminators may follow in the next read.
			break
		}
		if hasText(buf[start:i]) {
			if err := fn(string(buf[start:j])); err != nil {
				return nil, err
			}
			start = j
		}
		i = j
	}

	rest := buf[start:]
	if atEOF {
		if hasText(rest) {
			if err := fn(string(rest)); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}
	// Move the rest to the front so the buffer does not grow without bound.
	n := copy(buf, rest)
	return buf[:n], nil
}

func isTerminator(c byte) bool { return c == '.' || c == '!' || c == '?' }

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func hasText(b []byte) bool {
	return strings.IndexFunc(string(b), func(r rune) bool { return !unicode.IsSpace(r) }) >= 0
}

// speechReplacer rewrites math notation into words the French voice reads
// out naturally.
var speechReplacer = strings.NewReplacer(
	"=", " égal à ",
	" x ", " fois ",
	"/", " divisé par ",
)

// PrepareSpeech converts sentence into text suitable for synthesis.
func PrepareSpeech(sentence string) string {
	return speechReplacer.Replace(sentence)
}
