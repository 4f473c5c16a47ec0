package document

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
)

type jsonDocument struct {
	MRID            string            `json:"mRID"`
	Type            string            `json:"type"`
	ProcessType     string            `json:"process.processType"`
	SenderID        string            `json:"sender_MarketParticipant.mRID"`
	SenderRole      string            `json:"sender_MarketParticipant.marketRole.type"`
	ReceiverID      string            `json:"receiver_MarketParticipant.mRID"`
	ReceiverRole    string            `json:"receiver_MarketParticipant.marketRole.type"`
	RelatedToMRID   string            `json:"originalTransactionIDReference_Series.mRID,omitempty"`
	CreatedDateTime string            `json:"createdDateTime"`
	Series          []json.RawMessage `json:"Series"`
}

type jsonWriter struct{}

// Write embeds each record verbatim; records must be valid JSON.
func (jsonWriter) Write(h Header, records []string) ([]byte, error) {
	series := make([]json.RawMessage, 0, len(records))
	for i, r := range records {
		if !json.Valid([]byte(r)) {
			return nil, fmt.Errorf("record %d is not valid JSON", i)
		}
		series = append(series, json.RawMessage(r))
	}
	doc := map[string]jsonDocument{
		string(h.DocumentType) + "_MarketDocument": {
			MRID:            h.MessageID,
			Type:            string(h.DocumentType),
			ProcessType:     h.BusinessReason,
			SenderID:        h.SenderNumber,
			SenderRole:      h.SenderRole,
			ReceiverID:      h.ReceiverNumber,
			ReceiverRole:    string(h.ReceiverRole),
			RelatedToMRID:   h.RelatedToMessageID,
			CreatedDateTime: timestamp(h.CreatedAt),
			Series:          series,
		},
	}
	return json.Marshal(doc)
}

type participant struct {
	ID   string `xml:"mRID"`
	Role string `xml:"marketRole.type"`
}

type xmlSeries struct {
	Record string `xml:",cdata"`
}

type cimDocument struct {
	XMLName         xml.Name
	MRID            string      `xml:"mRID"`
	Type            string      `xml:"type"`
	ProcessType     string      `xml:"process.processType"`
	Sender          participant `xml:"sender_MarketParticipant"`
	Receiver        participant `xml:"receiver_MarketParticipant"`
	RelatedToMRID   string      `xml:"originalTransactionIDReference_Series.mRID,omitempty"`
	CreatedDateTime string      `xml:"createdDateTime"`
	Series          []xmlSeries `xml:"Series"`
}

type cimXMLWriter struct{}

func (cimXMLWriter) Write(h Header, records []string) ([]byte, error) {
	doc := cimDocument{
		XMLName:         xml.Name{Space: "urn:ediel.org:measure:" + string(h.DocumentType), Local: string(h.DocumentType) + "_MarketDocument"},
		MRID:            h.MessageID,
		Type:            string(h.DocumentType),
		ProcessType:     h.BusinessReason,
		Sender:          participant{ID: h.SenderNumber, Role: h.SenderRole},
		Receiver:        participant{ID: h.ReceiverNumber, Role: string(h.ReceiverRole)},
		RelatedToMRID:   h.RelatedToMessageID,
		CreatedDateTime: timestamp(h.CreatedAt),
	}
	for _, r := range records {
		doc.Series = append(doc.Series, xmlSeries{Record: r})
	}
	return marshalXML(doc)
}

type ebixHeader struct {
	Identification string `xml:"Identification"`
	DocumentType   string `xml:"DocumentType"`
	Creation       string `xml:"Creation"`
	SenderID       string `xml:"SenderEnergyParty>Identification"`
	RecipientID    string `xml:"RecipientEnergyParty>Identification"`
}

type ebixContext struct {
	BusinessReason string `xml:"EnergyBusinessProcess"`
	SenderRole     string `xml:"EnergyBusinessProcessRole"`
	ReceiverRole   string `xml:"EnergyIndustryClassification"`
}

type ebixDocument struct {
	XMLName  xml.Name    `xml:"urn:www:datahub:dk:b2b:v01 DK_MeteredDataTimeSeries"`
	Header   ebixHeader  `xml:"HeaderEnergyDocument"`
	Context  ebixContext `xml:"ProcessEnergyContext"`
	Payloads []xmlSeries `xml:"PayloadEnergyTimeSeries"`
}

type ebixWriter struct{}

func (ebixWriter) Write(h Header, records []string) ([]byte, error) {
	doc := ebixDocument{
		Header: ebixHeader{
			Identification: h.MessageID,
			DocumentType:   string(h.DocumentType),
			Creation:       timestamp(h.CreatedAt),
			SenderID:       h.SenderNumber,
			RecipientID:    h.ReceiverNumber,
		},
		Context: ebixContext{
			BusinessReason: h.BusinessReason,
			SenderRole:     h.SenderRole,
			ReceiverRole:   string(h.ReceiverRole),
		},
	}
	for _, r := range records {
		doc.Payloads = append(doc.Payloads, xmlSeries{Record: r})
	}
	return marshalXML(doc)
}

func marshalXML(v any) ([]byte, error) {
	body, err := xml.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
