// Package document fills missing specs from manufacturer PDFs: candidate
// URLs are ranked, PDF text is extracted with pdfcpu, and the densest
// spec-like windows of text are parsed into key/value pairs.
package document

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// ErrNoText is returned for PDFs without extractable text (scans, images).
var ErrNoText = errors.New("no text content in pdf")

// Text extracts the text of every page, one line per text line.
func Text(data []byte) (string, error) {
	conf := model.NewDefaultConfiguration()
	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), conf)
	if err != nil {
		return "", fmt.Errorf("pdfcpu read: %w", err)
	}
	var out strings.Builder
	for pageNr := 1; pageNr <= ctx.PageCount; pageNr++ {
		r, err := pdfcpu.ExtractPageContent(ctx, pageNr)
		if err != nil || r == nil {
			continue
		}
		content, err := io.ReadAll(r)
		if err != nil || len(content) == 0 {
			continue
		}
		if text := streamText(content); text != "" {
			if out.Len() > 0 {
				out.WriteByte('\n')
			}
			out.WriteString(text)
		}
	}
	if strings.TrimSpace(out.String()) == "" {
		return "", ErrNoText
	}
	return out.String(), nil
}

var literal = regexp.MustCompile(`\(((?:\\.|[^\\)])*)\)`)

// streamText reads the show-text operators of a content stream. Positioning
// operators start a new line so label/value layouts stay on one line each.
func streamText(content []byte) string {
	var lines []string
	var cur strings.Builder
	flush := func() {
		if s := strings.Join(strings.Fields(cur.String()), " "); s != "" {
			lines = append(lines, s)
		}
		cur.Reset()
	}
	for _, raw := range bytes.Split(content, []byte{'\n'}) {
		line := bytes.TrimSpace(raw)
		switch {
		case len(line) == 0:
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range literal.FindAllSubmatch(line, -1) {
				cur.WriteString(decodeLiteral(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			flush()
			for _, m := range literal.FindAllSubmatch(line, -1) {
				cur.WriteString(decodeLiteral(m[1]))
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			// A horizontal move inside a line separates cells; a vertical one
			// starts a new line.
			f := bytes.Fields(line)
			if len(f) >= 3 && string(f[len(f)-2]) != "0" {
				flush()
			} else {
				cur.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")), bytes.Equal(line, []byte("ET")):
			flush()
		}
	}
	flush()
	return strings.Join(lines, "\n")
}

func decodeLiteral(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if c != '\\' || i+1 >= len(raw) {
			if c < 0x80 && (unicode.IsPrint(rune(c)) || c == ' ') {
				sb.WriteByte(c)
			}
			continue
		}
		i++
		switch raw[i] {
		case 'n', 'r', 't':
			sb.WriteByte(' ')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] < '0' || raw[i] > '7' {
				sb.WriteByte(raw[i])
				continue
			}
			val := int(raw[i] - '0')
			for n := 0; n < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; n++ {
				i++
				val = val*8 + int(raw[i]-'0')
			}
			if r := rune(val); unicode.IsPrint(r) {
				sb.WriteRune(r)
			}
		}
	}
	return sb.String()
}
