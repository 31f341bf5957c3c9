package classify

import (
	"strings"

	"github.com/ledongthuc/pdf"
	"gitlab.com/tozd/go/errors"
)

const (
	corruptPDFPreview   = "(Corrupted PDF)"
	imageOnlyPDFPreview = "(Image-based PDF, no text extracted)"
)

type pdfAdapter struct{}

func (pdfAdapter) Classify(path string) (FileInfo, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return FileInfo{}, errors.Errorf("%w: open pdf: %v", ErrCorruptFile, err)
	}
	defer f.Close()

	pages, err := pdfPageCount(reader)
	if err != nil {
		return FileInfo{}, errors.Errorf("%w: %v", ErrCorruptFile, err)
	}
	preview := pdfFirstPageText(reader)
	switch preview {
	case "":
		preview = imageOnlyPDFPreview
	case corruptPDFPreview:
	default:
		preview = truncatePreview(preview)
	}
	return FileInfo{
		FileType:    FileTypePDF,
		Pages:       pages,
		TextPreview: preview,
	}, nil
}

// The underlying parser panics on some malformed cross-reference tables, so
// the page count recovers into an error.
func pdfPageCount(reader *pdf.Reader) (pages int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("count pdf pages: %v", r)
		}
	}()
	return reader.NumPage(), nil
}

// pdfFirstPageText extracts text from the first page only. Extraction is
// best effort: a panic in the content-stream parser downgrades to a
// placeholder preview instead of failing the whole classification.
func pdfFirstPageText(reader *pdf.Reader) (text string) {
	defer func() {
		if r := recover(); r != nil {
			text = corruptPDFPreview
		}
	}()
	if reader.NumPage() < 1 {
		return ""
	}
	page := reader.Page(1)
	if page.V.IsNull() {
		return ""
	}
	content, err := page.GetPlainText(nil)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(content)
}
