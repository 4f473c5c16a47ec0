package model

import (
	"fmt"
	"strings"
)

// MessageCategory groups document types that an actor peeks together.
type MessageCategory string

const (
	CategoryAggregations MessageCategory = "aggregations"
	CategoryMeasureData  MessageCategory = "measure-data"
	CategoryMasterData   MessageCategory = "master-data"
)

// ParseMessageCategory accepts the category name case-insensitively.
func ParseMessageCategory(raw string) (MessageCategory, error) {
	switch c := MessageCategory(strings.ToLower(strings.TrimSpace(raw))); c {
	case CategoryAggregations, CategoryMeasureData, CategoryMasterData:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCategory, raw)
	}
}

type DocumentType string

const (
	DocumentNotifyAggregatedMeasureData        DocumentType = "NotifyAggregatedMeasureData"
	DocumentNotifyWholesaleServices            DocumentType = "NotifyWholesaleServices"
	DocumentRejectRequestAggregatedMeasureData DocumentType = "RejectRequestAggregatedMeasureData"
	DocumentRejectRequestWholesaleSettlement   DocumentType = "RejectRequestWholesaleSettlement"
	DocumentNotifyValidatedMeasureData         DocumentType = "NotifyValidatedMeasureData"
	DocumentAcknowledgement                    DocumentType = "Acknowledgement"
	DocumentAccountingPointCharacteristics     DocumentType = "AccountingPointCharacteristics"
)

var documentCategories = map[DocumentType]MessageCategory{
	DocumentNotifyAggregatedMeasureData:        CategoryAggregations,
	DocumentNotifyWholesaleServices:            CategoryAggregations,
	DocumentRejectRequestAggregatedMeasureData: CategoryAggregations,
	DocumentRejectRequestWholesaleSettlement:   CategoryAggregations,
	DocumentNotifyValidatedMeasureData:         CategoryMeasureData,
	DocumentAcknowledgement:                    CategoryMeasureData,
	DocumentAccountingPointCharacteristics:     CategoryMasterData,
}

// Category returns the peek category the document type is delivered in.
func (d DocumentType) Category() (MessageCategory, error) {
	c, ok := documentCategories[d]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownDocumentType, d)
	}
	return c, nil
}

// DocumentFormat is the wire format requested by the peeking actor.
type DocumentFormat string

const (
	FormatXML  DocumentFormat = "xml"
	FormatJSON DocumentFormat = "json"
	FormatEbix DocumentFormat = "ebix"
)

func ParseDocumentFormat(raw string) (DocumentFormat, error) {
	switch f := DocumentFormat(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatXML, FormatJSON, FormatEbix:
		return f, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownFormat, raw)
	}
}

// ContentType is the HTTP media type of a rendered document.
func (f DocumentFormat) ContentType() string {
	switch f {
	case FormatJSON:
		return "application/json"
	case FormatEbix:
		return "application/ebix+xml"
	default:
		return "application/xml"
	}
}
