package processor

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
)

var ErrNotDocx = errors.New("not a docx document")

const (
	documentPart = "word/document.xml"
	// A placeholder split by Word across runs drags run properties along
	// with it; give up matching after this many bytes.
	maxPlaceholderSpan = 8192
	maxPlaceholderText = 128
	lineBreak          = `</w:t><w:br/><w:t xml:space="preserve">`
)

var (
	placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)
	exactPlaceholder   = regexp.MustCompile(`^\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}$`)
	textPartPattern    = regexp.MustCompile(`^word/(document|header[0-9]*|footer[0-9]*)\.xml$`)
	pageSizePattern    = regexp.MustCompile(`<w:pgSz\b[^>]*>`)
	attrPattern        = regexp.MustCompile(`w:(w|h|orient)="([^"]*)"`)
)

// DocxProcessor fills {{placeholder}} tokens in a DOCX held in memory.
type DocxProcessor struct {
	parts map[string][]byte
	files []*zip.File
}

func NewDocxProcessor(data []byte) (*DocxProcessor, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotDocx, err)
	}

	dp := &DocxProcessor{parts: make(map[string][]byte), files: reader.File}
	for _, file := range reader.File {
		if !textPartPattern.MatchString(file.Name) {
			continue
		}
		content, err := readZipFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file.Name, err)
		}
		dp.parts[file.Name] = content
	}
	if _, ok := dp.parts[documentPart]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrNotDocx, documentPart)
	}
	return dp, nil
}

func readZipFile(file *zip.File) ([]byte, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// ExtractPlaceholders returns the unique placeholder keys in document order,
// body first and then headers and footers.
func (dp *DocxProcessor) ExtractPlaceholders() []string {
	var placeholders []string
	seen := make(map[string]bool)

	for _, name := range dp.partOrder() {
		text := removeXMLTags(string(dp.parts[name]))
		for _, m := range placeholderPattern.FindAllStringSubmatch(text, -1) {
			if !seen[m[1]] {
				seen[m[1]] = true
				placeholders = append(placeholders, m[1])
			}
		}
	}
	return placeholders
}

func (dp *DocxProcessor) partOrder() []string {
	order := []string{documentPart}
	for _, file := range dp.files {
		if _, ok := dp.parts[file.Name]; ok && file.Name != documentPart {
			order = append(order, file.Name)
		}
	}
	return order
}

// Fill replaces every placeholder with its value and returns the new DOCX.
// Placeholders without a value are blanked. Placeholders split across runs
// are matched too; the run markup in between is kept so the XML stays valid.
func (dp *DocxProcessor) Fill(values map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	for _, file := range dp.files {
		header := &zip.FileHeader{
			Name:     file.Name,
			Method:   file.Method,
			Modified: file.Modified,
		}
		w, err := zw.CreateHeader(header)
		if err != nil {
			return nil, fmt.Errorf("failed to add %s: %w", file.Name, err)
		}

		if content, ok := dp.parts[file.Name]; ok {
			if _, err := io.WriteString(w, fillPart(string(content), values)); err != nil {
				return nil, fmt.Errorf("failed to write %s: %w", file.Name, err)
			}
			continue
		}

		rc, err := file.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", file.Name, err)
		}
		_, err = io.Copy(w, rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to copy %s: %w", file.Name, err)
		}
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize docx: %w", err)
	}
	return buf.Bytes(), nil
}

// DetectOrientation reports whether the first section's page is landscape.
func (dp *DocxProcessor) DetectOrientation() bool {
	tag := pageSizePattern.FindString(string(dp.parts[documentPart]))
	if tag == "" {
		return false
	}
	var width, height float64
	for _, m := range attrPattern.FindAllStringSubmatch(tag, -1) {
		switch m[1] {
		case "orient":
			if m[2] == "landscape" {
				return true
			}
		case "w":
			width, _ = strconv.ParseFloat(m[2], 64)
		case "h":
			height, _ = strconv.ParseFloat(m[2], 64)
		}
	}
	return width > height
}

func fillPart(content string, values map[string]string) string {
	var b strings.Builder
	b.Grow(len(content))

	inTag := false
	for i := 0; i < len(content); {
		c := content[i]
		switch {
		case c == '<':
			inTag = true
		case c == '>':
			inTag = false
		case !inTag && c == '{':
			if key, tags, end, ok := matchPlaceholder(content, i); ok {
				b.WriteString(escapeValue(values[key]))
				b.WriteString(tags)
				i = end
				continue
			}
		}
		b.WriteByte(c)
		i++
	}
	return b.String()
}

// matchPlaceholder tries to read a placeholder starting at start, skipping
// markup. It returns the key, the markup crossed, and the offset after the
// closing braces.
func matchPlaceholder(content string, start int) (string, string, int, bool) {
	var text, tags strings.Builder
	inTag := false

	for pos := start; pos < len(content) && pos-start < maxPlaceholderSpan; pos++ {
		c := content[pos]
		switch {
		case c == '<':
			inTag = true
			tags.WriteByte(c)
		case inTag:
			if c == '>' {
				inTag = false
			}
			tags.WriteByte(c)
		default:
			text.WriteByte(c)
			t := text.String()
			if len(t) == 2 && t != "{{" {
				return "", "", start, false
			}
			if len(t) > maxPlaceholderText {
				return "", "", start, false
			}
			if strings.HasSuffix(t, "}}") {
				m := exactPlaceholder.FindStringSubmatch(t)
				if m == nil {
					return "", "", start, false
				}
				return m[1], tags.String(), pos + 1, true
			}
		}
	}
	return "", "", start, false
}

func escapeValue(value string) string {
	lines := strings.Split(strings.ReplaceAll(value, "\r\n", "\n"), "\n")
	for i, line := range lines {
		var b bytes.Buffer
		_ = xml.EscapeText(&b, []byte(line))
		lines[i] = b.String()
	}
	return strings.Join(lines, lineBreak)
}

func removeXMLTags(content string) string {
	var b strings.Builder
	inTag := false

	for _, char := range content {
		if char == '<' {
			inTag = true
		} else if char == '>' {
			inTag = false
		} else if !inTag {
			b.WriteRune(char)
		}
	}

	return b.String()
}
