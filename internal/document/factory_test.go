package document

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

func testHeader() Header {
	return Header{
		MessageID:      "8f6e1d1c-0000-4000-8000-000000000001",
		DocumentType:   model.DocumentNotifyAggregatedMeasureData,
		BusinessReason: "D04",
		SenderNumber:   "5790001330552",
		SenderRole:     "DGL",
		ReceiverNumber: "5790000000001",
		ReceiverRole:   model.RoleGridOperator,
		CreatedAt:      time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestCreateIsDeterministic(t *testing.T) {
	f := NewDocumentFactory()
	records := []string{`{"q":1}`, `{"q":2}`}

	for _, format := range []model.DocumentFormat{model.FormatJSON, model.FormatXML, model.FormatEbix} {
		t.Run(string(format), func(t *testing.T) {
			a, err := f.Create(context.Background(), testHeader(), records, format)
			require.NoError(t, err)
			b, err := f.Create(context.Background(), testHeader(), records, format)
			require.NoError(t, err)
			assert.Equal(t, a, b)
			assert.Contains(t, string(a), testHeader().MessageID)
		})
	}
}

func TestJSONEmbedsRecordsVerbatim(t *testing.T) {
	out, err := NewDocumentFactory().Create(context.Background(), testHeader(), []string{`{"q":1}`, `{"q":2}`}, model.FormatJSON)
	require.NoError(t, err)

	var doc map[string]struct {
		MRID   string            `json:"mRID"`
		Series []json.RawMessage `json:"Series"`
	}
	require.NoError(t, json.Unmarshal(out, &doc))
	body, ok := doc["NotifyAggregatedMeasureData_MarketDocument"]
	require.True(t, ok)
	assert.Equal(t, testHeader().MessageID, body.MRID)
	require.Len(t, body.Series, 2)
	assert.JSONEq(t, `{"q":2}`, string(body.Series[1]))
}

func TestJSONRejectsInvalidRecord(t *testing.T) {
	_, err := NewDocumentFactory().Create(context.Background(), testHeader(), []string{`not json`}, model.FormatJSON)
	assert.ErrorContains(t, err, "not valid JSON")
}

func TestXMLKeepsRecordsAsCDATA(t *testing.T) {
	out, err := NewDocumentFactory().Create(context.Background(), testHeader(), []string{`{"q":"<1>"}`}, model.FormatXML)
	require.NoError(t, err)
	assert.Contains(t, string(out), `<![CDATA[{"q":"<1>"}]]>`)
	assert.Contains(t, string(out), "<createdDateTime>2024-03-01T10:00:00Z</createdDateTime>")
}

func TestCreateRejectsUnknownFormatAndEmptyBundle(t *testing.T) {
	f := NewDocumentFactory()
	_, err := f.Create(context.Background(), testHeader(), []string{`{}`}, "pdf")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = f.Create(context.Background(), testHeader(), nil, model.FormatJSON)
	assert.ErrorIs(t, err, ErrNoRecords)
}
