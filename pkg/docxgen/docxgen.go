// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package docxgen renders markdown report text to DOCX bytes for the
// chapter and final-report download endpoints.
//
// Two paths: RenderWithTemplate fills a deployment-provided .docx
// template (letterhead, styling) via its {{content}} placeholder;
// Render writes a minimal WordprocessingML package from scratch for
// deployments that don't ship one.
package docxgen

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

// ContentPlaceholder is the marker RenderWithTemplate replaces in a
// template document.
const ContentPlaceholder = "{{content}}"

// RenderWithTemplate reads the .docx template at templatePath, replaces
// ContentPlaceholder with the markdown body (newlines preserved as line
// breaks), and returns the resulting document bytes.
func RenderWithTemplate(templatePath, markdown string) ([]byte, error) {
	r, err := docx.ReadDocxFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("docxgen: read template %s: %w", templatePath, err)
	}
	defer r.Close()

	d := r.Editable()
	if err := d.Replace(ContentPlaceholder, markdown, -1); err != nil {
		return nil, fmt.Errorf("docxgen: fill template: %w", err)
	}

	var buf bytes.Buffer
	if err := d.Write(&buf); err != nil {
		return nil, fmt.Errorf("docxgen: write document: %w", err)
	}
	return buf.Bytes(), nil
}

// block is one parsed markdown block: a heading with its level, or a
// body paragraph.
type block struct {
	level int // 0 for body text
	text  string
}

// parseMarkdown splits markdown into heading/paragraph blocks. Only the
// structure the report editor actually produces is recognized: ATX
// headings, paragraphs, and list items (kept as literal lines).
func parseMarkdown(markdown string) []block {
	var blocks []block
	var para []string

	flush := func() {
		if len(para) > 0 {
			blocks = append(blocks, block{text: strings.Join(para, " ")})
			para = nil
		}
	}

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			flush()
			continue
		}
		if strings.HasPrefix(trimmed, "#") {
			flush()
			level := 0
			for level < len(trimmed) && trimmed[level] == '#' && level < 6 {
				level++
			}
			blocks = append(blocks, block{level: level, text: strings.TrimSpace(trimmed[level:])})
			continue
		}
		if strings.HasPrefix(trimmed, "- ") || strings.HasPrefix(trimmed, "* ") {
			flush()
			blocks = append(blocks, block{text: "• " + strings.TrimSpace(trimmed[2:])})
			continue
		}
		para = append(para, trimmed)
	}
	flush()
	return blocks
}

const contentTypesXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="rels" ContentType="application/vnd.openxmlformats-package.relationships+xml"/>
<Default Extension="xml" ContentType="application/xml"/>
<Override PartName="/word/document.xml" ContentType="application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"/>
</Types>`

const relsXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<Relationships xmlns="http://schemas.openxmlformats.org/package/2006/relationships">
<Relationship Id="rId1" Type="http://schemas.openxmlformats.org/officeDocument/2006/relationships/officeDocument" Target="word/document.xml"/>
</Relationships>`

// Render writes markdown as a minimal self-contained .docx: one
// document part, headings mapped to larger bold runs, paragraphs as
// plain runs.
func Render(markdown string) ([]byte, error) {
	var doc bytes.Buffer
	doc.WriteString(`<?xml version="1.0" encoding="UTF-8" standalone="yes"?>` + "\n")
	doc.WriteString(`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>`)

	for _, b := range parseMarkdown(markdown) {
		doc.WriteString("<w:p>")
		if b.level > 0 {
			size := 32 - 4*b.level
			if size < 22 {
				size = 22
			}
			fmt.Fprintf(&doc, `<w:pPr><w:spacing w:before="240" w:after="120"/></w:pPr><w:r><w:rPr><w:b/><w:sz w:val="%d"/></w:rPr>`, size)
		} else {
			doc.WriteString("<w:r>")
		}
		doc.WriteString(`<w:t xml:space="preserve">`)
		if err := xml.EscapeText(&doc, []byte(b.text)); err != nil {
			return nil, fmt.Errorf("docxgen: escape text: %w", err)
		}
		doc.WriteString("</w:t></w:r></w:p>")
	}

	doc.WriteString(`<w:sectPr><w:pgSz w:w="11906" w:h="16838"/></w:sectPr></w:body></w:document>`)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, part := range []struct{ name, body string }{
		{"[Content_Types].xml", contentTypesXML},
		{"_rels/.rels", relsXML},
		{"word/document.xml", doc.String()},
	} {
		f, err := zw.Create(part.name)
		if err != nil {
			return nil, fmt.Errorf("docxgen: create %s: %w", part.name, err)
		}
		if _, err := f.Write([]byte(part.body)); err != nil {
			return nil, fmt.Errorf("docxgen: write %s: %w", part.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("docxgen: finalize package: %w", err)
	}
	return buf.Bytes(), nil
}
