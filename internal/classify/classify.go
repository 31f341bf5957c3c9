package classify

import (
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"

	"gitlab.com/tozd/go/errors"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported format")
	ErrCorruptFile       = errors.New("corrupt file")
)

const (
	FileTypeCSV   = "csv"
	FileTypePDF   = "pdf"
	FileTypeExcel = "excel"
)

const maxPreviewChars = 500

// FileInfo is the parsed metadata for one supported document. FileType
// decides which fields carry data: tabular files fill Rows/Columns/Preview,
// PDFs fill Pages/TextPreview.
type FileInfo struct {
	FileType     string
	DetectedType string
	Rows         int
	Columns      []string
	Preview      string
	Pages        int
	TextPreview  string
}

type Adapter interface {
	Classify(path string) (FileInfo, error)
}

var adapterRegistry = struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}{
	adapters: map[string]Adapter{},
}

// Register binds an adapter to a file extension (".csv"). Later
// registrations replace earlier ones for the same extension.
func Register(ext string, adapter Adapter) {
	ext = normalizeExt(ext)
	if ext == "" || adapter == nil {
		return
	}
	adapterRegistry.mu.Lock()
	defer adapterRegistry.mu.Unlock()
	adapterRegistry.adapters[ext] = adapter
}

func lookupAdapter(ext string) (Adapter, bool) {
	ext = normalizeExt(ext)
	adapterRegistry.mu.RLock()
	defer adapterRegistry.mu.RUnlock()
	adapter, ok := adapterRegistry.adapters[ext]
	return adapter, ok
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func init() {
	Register(".csv", csvAdapter{})
	Register(".pdf", pdfAdapter{})
	Register(".xlsx", xlsxAdapter{})
	Register(".xls", xlsAdapter{})
}

// Supported reports whether the path's extension has a registered adapter.
func Supported(path string) bool {
	_, ok := lookupAdapter(filepath.Ext(path))
	return ok
}

// Classify parses the file at path and returns its metadata. Callers are
// expected to filter unsupported extensions before submission; an
// unregistered extension fails with ErrUnsupportedFormat, unparsable content
// fails with ErrCorruptFile, and plain IO failures pass through.
func Classify(path string) (FileInfo, error) {
	ext := filepath.Ext(path)
	adapter, ok := lookupAdapter(ext)
	if !ok {
		return FileInfo{}, errors.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	return adapter.Classify(path)
}

const (
	subtypeCustomerData = "customer_data"
	subtypeSalesData    = "sales_data"
	subtypeProductData  = "product_data"
	subtypeGeneric      = "generic"
)

// detectTabularType guesses a domain subtype from header names. Shared by
// the csv and excel adapters.
func detectTabularType(columns []string) string {
	lower := make([]string, 0, len(columns))
	for _, col := range columns {
		lower = append(lower, strings.ToLower(col))
	}
	containsAny := func(subs ...string) bool {
		for _, col := range lower {
			for _, sub := range subs {
				if strings.Contains(col, sub) {
					return true
				}
			}
		}
		return false
	}
	switch {
	case containsAny("customer", "user"):
		return subtypeCustomerData
	case containsAny("sale", "revenue"):
		return subtypeSalesData
	case containsAny("product"):
		return subtypeProductData
	default:
		return subtypeGeneric
	}
}

// truncatePreview caps a preview at maxPreviewChars bytes, backing off to a
// rune boundary, and marks the cut with an ellipsis.
func truncatePreview(s string) string {
	if len(s) <= maxPreviewChars {
		return s
	}
	cut := maxPreviewChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func previewFromRows(rows [][]string) string {
	lines := make([]string, 0, len(rows))
	for _, row := range rows {
		lines = append(lines, strings.Join(row, ","))
	}
	return truncatePreview(strings.Join(lines, "\n"))
}

// tabularInfo assembles FileInfo for spreadsheet-shaped data: the first row
// is the header, the remainder are data rows, the preview covers the header
// plus up to ten data rows.
func tabularInfo(fileType string, rows [][]string) FileInfo {
	var columns []string
	if len(rows) > 0 {
		columns = append([]string(nil), rows[0]...)
	}
	dataRows := 0
	if len(rows) > 1 {
		dataRows = len(rows) - 1
	}
	previewRows := rows
	if len(previewRows) > 11 {
		previewRows = previewRows[:11]
	}
	info := FileInfo{
		FileType: fileType,
		Rows:     dataRows,
		Columns:  columns,
		Preview:  previewFromRows(previewRows),
	}
	if len(columns) > 0 {
		info.DetectedType = detectTabularType(columns)
	}
	return info
}
