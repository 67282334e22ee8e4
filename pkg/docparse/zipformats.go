package docparse

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// extractDOCX reads word/document.xml out of the OOXML container and
// flattens the WordprocessingML run text, one line per paragraph.
func extractDOCX(data []byte) (Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("docx container corrupt: %w", err)
	}
	doc := zipEntry(zr, "word/document.xml")
	if doc == nil {
		// OOXML with an EncryptedPackage part, or not a word document at all.
		if zipEntry(zr, "EncryptedPackage") != nil {
			return Extraction{Encrypted: true}, nil
		}
		return Extraction{}, fmt.Errorf("docx is missing word/document.xml")
	}
	content, err := readZipFile(doc)
	if err != nil {
		return Extraction{}, fmt.Errorf("reading docx body: %w", err)
	}
	text, paragraphs, err := flattenWordXML(content)
	if err != nil {
		return Extraction{}, fmt.Errorf("docx body xml corrupt: %w", err)
	}
	return Extraction{Text: text, PageCount: pagesFromParagraphs(paragraphs)}, nil
}

// extractHWPX walks the Contents/section*.xml parts of an HWPX (OWPML)
// archive in order and flattens their paragraph text.
func extractHWPX(data []byte) (Extraction, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Extraction{}, fmt.Errorf("hwpx container corrupt: %w", err)
	}
	var sections []*zip.File
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "Contents/section") && strings.HasSuffix(f.Name, ".xml") {
			sections = append(sections, f)
		}
	}
	if len(sections) == 0 {
		return Extraction{}, fmt.Errorf("hwpx has no Contents/section parts")
	}
	sort.Slice(sections, func(i, j int) bool { return sections[i].Name < sections[j].Name })

	var out strings.Builder
	paragraphs := 0
	for _, f := range sections {
		content, err := readZipFile(f)
		if err != nil {
			return Extraction{}, fmt.Errorf("reading hwpx section %s: %w", f.Name, err)
		}
		text, n, err := flattenWordXML(content)
		if err != nil {
			return Extraction{}, fmt.Errorf("hwpx section %s xml corrupt: %w", f.Name, err)
		}
		if out.Len() > 0 {
			out.WriteString("\n")
		}
		out.WriteString(text)
		paragraphs += n
	}
	return Extraction{Text: out.String(), PageCount: pagesFromParagraphs(paragraphs)}, nil
}

// flattenWordXML streams an XML body and emits character data, breaking a
// line at each paragraph element. Works for both WordprocessingML (w:p/w:t)
// and OWPML (hp:p/hp:t) because only local element names are inspected.
func flattenWordXML(content []byte) (string, int, error) {
	dec := xml.NewDecoder(bytes.NewReader(content))
	var out strings.Builder
	paragraphs := 0
	inText := false

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", 0, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				out.WriteString("\t")
			case "br":
				out.WriteString("\n")
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				out.WriteString("\n")
				paragraphs++
			}
		case xml.CharData:
			if inText {
				out.Write(t)
			}
		}
	}
	return out.String(), paragraphs, nil
}

func zipEntry(zr *zip.Reader, name string) *zip.File {
	for _, f := range zr.File {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// pagesFromParagraphs is a rough bound used when the format carries no page
// markers: ~40 paragraphs per page.
func pagesFromParagraphs(paragraphs int) int {
	pages := paragraphs / 40
	if pages < 1 {
		pages = 1
	}
	return pages
}
