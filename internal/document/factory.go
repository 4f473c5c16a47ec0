// Package document renders bundles of opaque message records into market documents.
package document

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Energinet-DataHub/opengeh-edi-sub022/internal/model"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrNoRecords         = errors.New("document has no records")
)

// Header is the envelope shared by every record of one document.
type Header struct {
	MessageID          string
	DocumentType       model.DocumentType
	BusinessReason     string
	SenderNumber       string
	SenderRole         string
	ReceiverNumber     string
	ReceiverRole       model.ActorRole
	RelatedToMessageID string
	CreatedAt          time.Time
}

// Factory renders records to bytes. Output must depend only on its inputs.
type Factory interface {
	Create(ctx context.Context, header Header, records []string, format model.DocumentFormat) ([]byte, error)
}

// Writer renders one wire format.
type Writer interface {
	Write(header Header, records []string) ([]byte, error)
}

// DocumentFactory dispatches to a Writer per format.
type DocumentFactory struct {
	writers map[model.DocumentFormat]Writer
}

// NewDocumentFactory registers the built-in JSON, XML and ebIX writers.
func NewDocumentFactory() *DocumentFactory {
	return &DocumentFactory{writers: map[model.DocumentFormat]Writer{
		model.FormatJSON: jsonWriter{},
		model.FormatXML:  cimXMLWriter{},
		model.FormatEbix: ebixWriter{},
	}}
}

// Register replaces the writer of a format.
func (f *DocumentFactory) Register(format model.DocumentFormat, w Writer) {
	f.writers[format] = w
}

func (f *DocumentFactory) Create(ctx context.Context, header Header, records []string, format model.DocumentFormat) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	w, ok := f.writers[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if len(records) == 0 {
		return nil, ErrNoRecords
	}
	out, err := w.Write(header, records)
	if err != nil {
		return nil, fmt.Errorf("render %s %s: %w", format, header.DocumentType, err)
	}
	return out, nil
}

func timestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}

var _ Factory = (*DocumentFactory)(nil)
