package classify

import (
	"github.com/extrame/xls"
	"gitlab.com/tozd/go/errors"
)

type xlsAdapter struct{}

func (xlsAdapter) Classify(path string) (FileInfo, error) {
	wb, err := xls.Open(path, "utf-8")
	if err != nil {
		return FileInfo{}, errors.Errorf("%w: open xls: %v", ErrCorruptFile, err)
	}

	sheet := wb.GetSheet(0)
	if sheet == nil {
		return FileInfo{}, errors.Errorf("%w: xls has no sheets", ErrCorruptFile)
	}
	rows := make([][]string, 0, int(sheet.MaxRow)+1)
	for i := 0; i <= int(sheet.MaxRow); i++ {
		row := sheet.Row(i)
		if row == nil {
			rows = append(rows, nil)
			continue
		}
		cells := make([]string, 0, row.LastCol())
		for j := row.FirstCol(); j < row.LastCol(); j++ {
			cells = append(cells, row.Col(j))
		}
		rows = append(rows, cells)
	}
	return tabularInfo(FileTypeExcel, rows), nil
}
