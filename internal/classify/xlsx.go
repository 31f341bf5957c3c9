package classify

import (
	"github.com/xuri/excelize/v2"
	"gitlab.com/tozd/go/errors"
)

type xlsxAdapter struct{}

func (xlsxAdapter) Classify(path string) (FileInfo, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return FileInfo{}, errors.Errorf("%w: open xlsx: %v", ErrCorruptFile, err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return FileInfo{}, errors.Errorf("%w: xlsx has no sheets", ErrCorruptFile)
	}
	rows, err := f.GetRows(sheets[0])
	if err != nil {
		return FileInfo{}, errors.Errorf("%w: read sheet %q: %v", ErrCorruptFile, sheets[0], err)
	}
	return tabularInfo(FileTypeExcel, rows), nil
}
