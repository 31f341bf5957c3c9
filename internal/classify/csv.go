package classify

import (
	"encoding/csv"
	"os"

	"gitlab.com/tozd/go/errors"
)

type csvAdapter struct{}

func (csvAdapter) Classify(path string) (FileInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return FileInfo{}, errors.Errorf("open csv: %w", err)
	}
	defer f.Close()

	reader := csv.NewReader(f)
	// Ragged exports are common; count what is there instead of rejecting.
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return FileInfo{}, errors.Errorf("%w: parse csv: %v", ErrCorruptFile, err)
	}
	if len(records) == 0 {
		return FileInfo{}, errors.Errorf("%w: csv has no rows", ErrCorruptFile)
	}
	return tabularInfo(FileTypeCSV, records), nil
}
