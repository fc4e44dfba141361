package at

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Splitter is used for tokenizing AT command modem responses. It uses
// the signature of bufio.SplitFunc so it can be directly used with bufio.Scanner.
//
// It splits the input by CRLF line endings and also recognizes the input
// prompt ("> "). Empty lines are returned as empty tokens.
func Splitter(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	if bytes.HasPrefix(data, []byte(Prompt)) {
		return len(Prompt), data[0:len(Prompt)], nil
	}

	if i := bytes.Index(data, []byte(CRLF)); i >= 0 {
		return i + len(CRLF), data[0:i], nil
	}

	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = Splitter

// Classify identifies the nature of a modem line. A line carrying one of
// the registered URC prefixes is data rather than a URC while the awaited
// command queries or sets that same prefix, e.g. "+CEREG: 2,1" in answer
// to AT+CEREG?.
func Classify(line, awaiting string, urcPrefixes []string) ResponseType {
	if line == Prompt {
		return TypePrompt
	}

	switch line {
	case OK, ERROR, NoCarrier, NoDialtone, Busy, NoAnswer:
		return TypeFinal
	}

	if strings.HasPrefix(line, CmeError) || strings.HasPrefix(line, CmsError) {
		return TypeFinal
	}

	for _, p := range urcPrefixes {
		if !strings.HasPrefix(line, p) {
			continue
		}
		if awaiting != "" && answersCommand(p, awaiting) {
			return TypeData
		}
		return TypeURC
	}
	return TypeData
}

func answersCommand(prefix, cmd string) bool {
	name := strings.TrimSuffix(prefix, ":")
	if !strings.HasPrefix(name, "+") {
		return false
	}
	return strings.HasPrefix(strings.ToUpper(cmd), "AT"+name)
}

// Value returns the payload of the first line starting with prefix,
// e.g. Value(lines, "+CPIN:") yields "READY"
func Value(lines []string, prefix string) (string, bool) {
	for _, l := range lines {
		if strings.HasPrefix(l, prefix) {
			return strings.TrimSpace(l[len(prefix):]), true
		}
	}
	return "", false
}

// ParseFields splits a comma separated response payload. Quoted fields
// are unquoted and may contain commas.
func ParseFields(s string) []string {
	var fields []string
	var cur strings.Builder
	quoted := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"':
			quoted = !quoted
		case c == ',' && !quoted:
			fields = append(fields, strings.TrimSpace(cur.String()))
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if s != "" {
		fields = append(fields, strings.TrimSpace(cur.String()))
	}
	return fields
}

// ParseInts parses a comma separated list of integers. Empty fields are
// rejected.
func ParseInts(s string) ([]int, error) {
	fields := ParseFields(s)
	out := make([]int, 0, len(fields))
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return nil, errors.Wrapf(err, "field %d of %q", i, s)
		}
		out = append(out, v)
	}
	return out, nil
}
