package lead

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/config"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/logging"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/phone"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var (
	ErrInvalidUpload      = errors.New("invalid lead upload")
	ErrUnsupportedFormat  = fmt.Errorf("%w: only .csv and .xlsx files are supported", ErrInvalidUpload)
	ErrMissingPhoneColumn = fmt.Errorf("%w: a phone column is required", ErrInvalidUpload)
	ErrEmptyUpload        = fmt.Errorf("%w: file has no header row", ErrInvalidUpload)
)

var phoneHeaders = map[string]struct{}{
	"phone":        {},
	"phone_number": {},
}

type ImportReport struct {
	Rows             int   `json:"rows"`
	Inserted         int64 `json:"inserted"`
	DuplicatesInFile int   `json:"duplicates_in_file"`
	RejectedExisting int64 `json:"rejected_existing"`
	SkippedBlank     int   `json:"skipped_blank"`
}

type Importer struct {
	Repository *LeadRepository
	Phones     phone.Chain
}

func NewImporter(repository *LeadRepository, phones phone.Chain) *Importer {
	return &Importer{
		Repository: repository,
		Phones:     phones,
	}
}

// Import reads a tabular upload into pending leads of target. Within the file
// the first row for a phone wins; phones already stored for the campaign are
// left untouched and counted as rejected.
func (i *Importer) Import(
	ctx context.Context,
	target *campaign.Campaign,
	fileName string,
	reader io.Reader,
) (*ImportReport, error) {
	rows, err := readRows(fileName, reader)
	if err != nil {
		return nil, err
	}

	if len(rows) == 0 {
		return nil, ErrEmptyUpload
	}

	header := make([]string, len(rows[0]))
	phoneColumn := -1

	for idx, name := range rows[0] {
		header[idx] = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))
		if _, ok := phoneHeaders[header[idx]]; ok && phoneColumn < 0 {
			phoneColumn = idx
		}
	}

	if phoneColumn < 0 {
		return nil, ErrMissingPhoneColumn
	}

	report := &ImportReport{}
	seen := make(map[string]struct{})
	leads := make([]Lead, 0, len(rows)-1)

	for _, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}

		report.Rows++

		raw := ""
		if phoneColumn < len(row) {
			raw = strings.TrimSpace(row[phoneColumn])
		}

		key := i.Phones.Key(raw)
		if key == "" {
			report.SkippedBlank++
			continue
		}

		if _, ok := seen[key]; ok {
			report.DuplicatesInFile++
			continue
		}

		seen[key] = struct{}{}

		leads = append(leads, Lead{
			OrganizationID:  target.OrganizationID,
			CampaignID:      target.ID,
			Phone:           raw,
			NormalizedPhone: key,
			Status:          StatusPending,
			MaxRetries:      target.LeadMaxRetries,
			CustomFields:    customFields(header, row, phoneColumn),
		})
	}

	inserted, err := i.Repository.InsertIgnoringDuplicates(ctx, leads, config.Conf.LeadInsertBatchSize)
	if err != nil {
		return nil, err
	}

	report.Inserted = inserted
	report.RejectedExisting = int64(len(leads)) - inserted

	logging.Logger.Info("[Import] leads imported",
		zap.String("campaign_id", target.ID),
		zap.Int("rows", report.Rows),
		zap.Int64("inserted", report.Inserted),
		zap.Int("duplicates_in_file", report.DuplicatesInFile),
		zap.Int64("rejected_existing", report.RejectedExisting),
		zap.Int("skipped_blank", report.SkippedBlank),
	)

	return report, nil
}

func readRows(fileName string, reader io.Reader) ([][]string, error) {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".csv":
		csvReader := csv.NewReader(reader)
		csvReader.FieldsPerRecord = -1
		csvReader.TrimLeadingSpace = true

		rows, err := csvReader.ReadAll()
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidUpload, err)
		}

		return rows, nil
	case ".xlsx":
		file, err := excelize.OpenReader(reader)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidUpload, err)
		}

		defer func() {
			cerr := file.Close()
			if cerr != nil {
				logging.Logger.Error("[readRows] failed to close workbook", zap.String("error", cerr.Error()))
			}
		}()

		sheets := file.GetSheetList()
		if len(sheets) == 0 {
			return nil, ErrEmptyUpload
		}

		rows, err := file.GetRows(sheets[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidUpload, err)
		}

		return rows, nil
	default:
		return nil, ErrUnsupportedFormat
	}
}

func customFields(header, row []string, phoneColumn int) map[string]any {
	fields := make(map[string]any)

	for idx, name := range header {
		if idx == phoneColumn || name == "" || idx >= len(row) {
			continue
		}

		fields[name] = strings.TrimSpace(row[idx])
	}

	if len(fields) == 0 {
		return nil
	}

	return fields
}

func isBlankRow(row []string) bool {
	for _, cell := range row {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}

	return true
}
