// Package router classifies uploaded résumé files before any parsing work
// is scheduled: file type from magic bytes, encryption probes, and a page
// count bound. Rejections here are cheap — nothing downstream has run yet.
package router

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/richardlehane/mscfb"
)

// FileType identifies a supported résumé container format.
type FileType string

const (
	TypePDF     FileType = "PDF"
	TypeDOC     FileType = "DOC"
	TypeDOCX    FileType = "DOCX"
	TypeHWP     FileType = "HWP"
	TypeHWPX    FileType = "HWPX"
	TypeUnknown FileType = "UNKNOWN"
)

// Limits applied during classification.
const (
	MaxSizeMB   = 50
	MaxPages    = 50
	maxSizeByte = MaxSizeMB * 1024 * 1024
)

// Result is the classification outcome for one file.
type Result struct {
	Type         FileType `json:"type"`
	Rejected     bool     `json:"rejected"`
	RejectReason string   `json:"reject_reason,omitempty"`
	Encrypted    bool     `json:"encrypted"`
	PageCount    int      `json:"page_count"`
	SizeMB       float64  `json:"size_mb"`
	Warnings     []string `json:"warnings,omitempty"`
}

var (
	magicPDF = []byte("%PDF")
	magicZIP = []byte("PK\x03\x04")
	magicOLE = []byte{0xD0, 0xCF, 0x11, 0xE0}

	pdfPageRe    = regexp.MustCompile(`/Type\s*/Page[^s]`)
	pdfEncryptRe = regexp.MustCompile(`/Encrypt\s`)
)

// Classify inspects the file bytes and filename and returns a routing
// decision. Detection precedence is magic bytes first; the extension is a
// tie-breaker only (ZIP and OLE containers hold several formats).
func Classify(data []byte, filename string) Result {
	res := Result{SizeMB: float64(len(data)) / (1024 * 1024)}

	if len(data) == 0 {
		return reject(res, TypeUnknown, "file is empty")
	}
	if len(data) > maxSizeByte {
		return reject(res, TypeUnknown, fmt.Sprintf("file exceeds %d MB limit", MaxSizeMB))
	}

	res.Type = detectType(data, filename)
	if res.Type == TypeUnknown {
		return reject(res, TypeUnknown, "unsupported or unrecognized file type")
	}

	encrypted, warns := probeEncryption(data, res.Type)
	res.Warnings = append(res.Warnings, warns...)
	if encrypted {
		res.Encrypted = true
		return reject(res, res.Type, "file is password protected")
	}

	res.PageCount = estimatePages(data, res.Type)
	if res.PageCount > MaxPages {
		return reject(res, res.Type, fmt.Sprintf("estimated %d pages exceeds %d page limit", res.PageCount, MaxPages))
	}

	return res
}

func reject(res Result, t FileType, reason string) Result {
	res.Type = t
	res.Rejected = true
	res.RejectReason = reason
	return res
}

// detectType resolves the container format. ZIP archives are disambiguated
// by entry names (word/ → DOCX, Contents/ → HWPX); OLE compound files by
// stream names (WordDocument → DOC, FileHeader → HWP).
func detectType(data []byte, filename string) FileType {
	switch {
	case bytes.HasPrefix(data, magicPDF):
		return TypePDF
	case bytes.HasPrefix(data, magicZIP):
		return classifyZip(data, filename)
	case bytes.HasPrefix(data, magicOLE):
		return classifyOLE(data, filename)
	}
	// No recognizable magic; extension alone is not trusted.
	return TypeUnknown
}

func classifyZip(data []byte, filename string) FileType {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return extensionHint(filename, TypeDOCX, TypeHWPX)
	}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "word/") {
			return TypeDOCX
		}
		if strings.HasPrefix(f.Name, "Contents/") {
			return TypeHWPX
		}
	}
	return extensionHint(filename, TypeDOCX, TypeHWPX)
}

func classifyOLE(data []byte, filename string) FileType {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return extensionHint(filename, TypeDOC, TypeHWP)
	}
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		switch entry.Name {
		case "WordDocument":
			return TypeDOC
		case "FileHeader":
			return TypeHWP
		}
	}
	return extensionHint(filename, TypeDOC, TypeHWP)
}

// extensionHint breaks container ties when the archive directory could not
// be read. It only ever picks between the two formats sharing the magic.
func extensionHint(filename string, office, hangul FileType) FileType {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".docx", ".doc":
		return office
	case ".hwpx", ".hwp":
		return hangul
	}
	return TypeUnknown
}

// probeEncryption runs the type-specific encryption check. Any probe failure
// is treated as encrypted: a file we cannot read safely is rejected rather
// than handed to a parser that will fail later, after credits were reserved.
func probeEncryption(data []byte, t FileType) (bool, []string) {
	switch t {
	case TypePDF:
		return pdfEncryptRe.Match(data), nil
	case TypeDOCX, TypeHWPX:
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return true, []string{"zip directory unreadable, assuming encrypted"}
		}
		if t == TypeDOCX {
			for _, f := range zr.File {
				if f.Name == "word/document.xml" {
					return false, nil
				}
			}
			return true, []string{"word/document.xml missing, assuming encrypted"}
		}
		return false, nil
	case TypeDOC:
		return oleHasStream(data, "EncryptedPackage"), nil
	case TypeHWP:
		return hwpEncrypted(data)
	}
	return false, nil
}

func oleHasStream(data []byte, name string) bool {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return true // conservatively encrypted
	}
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if entry.Name == name {
			return true
		}
	}
	return false
}

// hwpEncrypted reads the HWP FileHeader stream: the flags dword sits at
// offset 36, and bit 1 marks password protection.
func hwpEncrypted(data []byte) (bool, []string) {
	doc, err := mscfb.New(bytes.NewReader(data))
	if err != nil {
		return true, []string{"OLE directory unreadable, assuming encrypted"}
	}
	for entry, err := doc.Next(); err == nil; entry, err = doc.Next() {
		if entry.Name != "FileHeader" {
			continue
		}
		header := make([]byte, 40)
		if _, err := io.ReadFull(entry, header); err != nil {
			return true, []string{"FileHeader stream truncated, assuming encrypted"}
		}
		flags := uint32(header[36]) | uint32(header[37])<<8 | uint32(header[38])<<16 | uint32(header[39])<<24
		return flags&0x02 != 0, nil
	}
	return true, []string{"FileHeader stream missing, assuming encrypted"}
}

// estimatePages bounds the parse cost. PDF pages are counted from page
// objects; container formats are estimated from payload size (~100 KB of
// compressed content per page is a deliberately generous estimate).
func estimatePages(data []byte, t FileType) int {
	if t == TypePDF {
		if n := len(pdfPageRe.FindAllIndex(data, -1)); n > 0 {
			return n
		}
		return sizeBasedPages(len(data))
	}
	return sizeBasedPages(len(data))
}

func sizeBasedPages(size int) int {
	pages := size / (100 * 1024)
	if pages < 1 {
		pages = 1
	}
	return pages
}
