package lead_test

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/campaign"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/lead"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/internal/phone"
	"git.mci.dev/mse/sre/phoenix/golang/dialer/test"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

const organizationID = "org-1"

func newImporter(t *testing.T) (*lead.Importer, *lead.LeadRepository, *campaign.Campaign) {
	t.Helper()

	dbConn := test.NewSQLiteDB(t)

	target := &campaign.Campaign{
		OrganizationID: organizationID,
		Name:           "upload",
		AgentID:        "agent-1",
		Status:         campaign.StatusDraft,
		LeadMaxRetries: 4,
	}
	require.NoError(t, campaign.NewRepository(dbConn).Create(context.Background(), target))

	repository := lead.NewRepository(dbConn)

	return lead.NewImporter(repository, phone.NewChain([]string{"91"}, 10)), repository, target
}

func allLeads(t *testing.T, repository *lead.LeadRepository, campaignID string) []lead.Lead {
	t.Helper()

	leads, err := repository.ListForCampaign(context.Background(), campaignID, "", 100, 0)
	require.NoError(t, err)

	return leads
}

func TestImportCSVFirstOccurrenceWins(t *testing.T) {
	importer, repository, target := newImporter(t)

	report, err := importer.Import(context.Background(), target, "leads.csv",
		strings.NewReader("phone,x\n555,1\n555,2\n"))
	require.NoError(t, err)
	require.Equal(t, 2, report.Rows)
	require.Equal(t, int64(1), report.Inserted)
	require.Equal(t, 1, report.DuplicatesInFile)
	require.Zero(t, report.RejectedExisting)

	leads := allLeads(t, repository, target.ID)
	require.Len(t, leads, 1)
	require.Equal(t, "555", leads[0].Phone)
	require.Equal(t, "1", leads[0].CustomFields["x"])
	require.Equal(t, lead.StatusPending, leads[0].Status)
	require.Equal(t, 4, leads[0].MaxRetries)
	require.Equal(t, organizationID, leads[0].OrganizationID)

	report, err = importer.Import(context.Background(), target, "again.csv", strings.NewReader("phone,x\n555,3\n"))
	require.NoError(t, err)
	require.Zero(t, report.Inserted)
	require.Equal(t, int64(1), report.RejectedExisting)

	leads = allLeads(t, repository, target.ID)
	require.Len(t, leads, 1)
	require.Equal(t, "1", leads[0].CustomFields["x"])
}

func TestImportDeduplicatesNormalizedPhones(t *testing.T) {
	importer, repository, target := newImporter(t)

	body := "\ufeffPhone_Number, name\n+91 98765 43210,Asha\n9876543210,Ravi\n,Nobody\n\n09876500000,Meera\n"

	report, err := importer.Import(context.Background(), target, "LEADS.CSV", strings.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, 4, report.Rows)
	require.Equal(t, int64(2), report.Inserted)
	require.Equal(t, 1, report.DuplicatesInFile)
	require.Equal(t, 1, report.SkippedBlank)

	leads := allLeads(t, repository, target.ID)
	require.Len(t, leads, 2)

	byKey := map[string]lead.Lead{}
	for _, l := range leads {
		byKey[l.NormalizedPhone] = l
	}

	require.Equal(t, "+91 98765 43210", byKey["9876543210"].Phone)
	require.Equal(t, "Asha", byKey["9876543210"].CustomFields["name"])
	require.Equal(t, "Meera", byKey["9876500000"].CustomFields["name"])
}

func TestImportXLSX(t *testing.T) {
	importer, repository, target := newImporter(t)

	workbook := excelize.NewFile()
	sheet := workbook.GetSheetName(0)

	require.NoError(t, workbook.SetSheetRow(sheet, "A1", &[]any{"name", "phone"}))
	require.NoError(t, workbook.SetSheetRow(sheet, "A2", &[]any{"Asha", "9000000001"}))
	require.NoError(t, workbook.SetSheetRow(sheet, "A3", &[]any{"Ravi", "9000000002"}))

	buffer, err := workbook.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, workbook.Close())

	report, err := importer.Import(context.Background(), target, "leads.xlsx", bytes.NewReader(buffer.Bytes()))
	require.NoError(t, err)
	require.Equal(t, int64(2), report.Inserted)

	leads := allLeads(t, repository, target.ID)
	require.Len(t, leads, 2)
}

func TestImportRejectsBadUploads(t *testing.T) {
	importer, _, target := newImporter(t)

	cases := map[string]struct {
		fileName string
		body     string
		want     error
	}{
		"missing phone column": {fileName: "leads.csv", body: "name,email\nAsha,a@example.com\n", want: lead.ErrMissingPhoneColumn},
		"unsupported format":   {fileName: "leads.txt", body: "phone\n555\n", want: lead.ErrUnsupportedFormat},
		"empty file":           {fileName: "leads.csv", body: "", want: lead.ErrEmptyUpload},
		"broken xlsx":          {fileName: "leads.xlsx", body: "not a workbook", want: lead.ErrInvalidUpload},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := importer.Import(context.Background(), target, tc.fileName, strings.NewReader(tc.body))
			require.ErrorIs(t, err, tc.want)
			require.ErrorIs(t, err, lead.ErrInvalidUpload)
		})
	}
}
