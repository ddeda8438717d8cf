package backend

import (
	"encoding/xml"
	"time"

	"github.com/google/uuid"

	"github.com/mkalnins/einvoice-dispatch/internal/ubl"
)

// The government messaging service wraps every document in a structured
// envelope: document metadata, sender/recipient addressing, a content
// digest, and delivery options. The types below mirror the service schema
// closely enough to marshal with encoding/xml.

type Envelope struct {
	XMLName        xml.Name       `xml:"Envelope"`
	Namespace      string         `xml:"xmlns,attr"`
	SenderDocument SenderDocument `xml:"SenderDocument"`
}

type SenderDocument struct {
	ID                string            `xml:"Id,attr"`
	DocumentMetadata  DocumentMetadata  `xml:"DocumentMetadata"`
	TransportMetadata TransportMetadata `xml:"SenderTransportMetadata"`
}

type DocumentMetadata struct {
	GeneralMetadata  GeneralMetadata `xml:"GeneralMetadata"`
	PayloadReference PayloadReference `xml:"PayloadReference"`
}

type GeneralMetadata struct {
	Title        string       `xml:"Title"`
	Date         string       `xml:"Date"`
	DocumentKind DocumentKind `xml:"DocumentKind"`
	Authors      Authors      `xml:"Authors"`
}

type DocumentKind struct {
	Code    string `xml:"DocumentKindCode"`
	Version string `xml:"DocumentKindVersion"`
	Name    string `xml:"DocumentKindName,omitempty"`
}

type Authors struct {
	Entries []Author `xml:"AuthorEntry"`
}

type Author struct {
	Institution *Institution `xml:"Institution,omitempty"`
}

type Institution struct {
	Title string `xml:"Title"`
}

type PayloadReference struct {
	Files []FileEntry `xml:"File"`
}

type FileEntry struct {
	MimeType   string  `xml:"MimeType"`
	Size       int64   `xml:"Size"`
	Name       string  `xml:"Name"`
	Content    Content `xml:"Content"`
	Compressed bool    `xml:"Compressed"`
}

type Content struct {
	Reference      string       `xml:"ContentReference"`
	DigestMethod   DigestMethod `xml:"DigestMethod"`
	DigestValue    string       `xml:"DigestValue"`
	SignatureValue string       `xml:"SignatureValue,omitempty"`
	Data           string       `xml:"Data"`
}

type DigestMethod struct {
	Algorithm string `xml:"Algorithm,attr"`
}

type TransportMetadata struct {
	SenderEAddress string     `xml:"SenderE-Address"`
	SenderRef      string     `xml:"SenderRefNumber"`
	Recipients     Recipients `xml:"Recipients"`
	NotifySender   bool       `xml:"NotifySenderOnDelivery"`
	Priority       string     `xml:"Priority"`
	Deadline       string     `xml:"DeliveryDeadline,omitempty"`
}

type Recipients struct {
	Entries []Recipient `xml:"RecipientEntry"`
}

type Recipient struct {
	EAddress string `xml:"RecipientE-Address"`
}

// DeliveryOptions are the envelope-level delivery knobs.
type DeliveryOptions struct {
	Priority     string
	Deadline     *time.Time
	NotifySender bool
}

const (
	envelopeNamespace = "http://ivis.eps.gov.lv/XMLSchemas/100001/DIV/v1-0"
	digestAlgorithm   = "http://www.w3.org/2001/04/xmlenc#sha256"
	documentKindCode  = "EINVOICE"
)

// buildEnvelope assembles the envelope for one invoice. The digest covers
// the canonical document bytes; signature is the detached base64 RSA-SHA256
// signature over that digest, filled in by the caller when signing material
// is available. Returns the sender reference used to correlate the
// submission.
func buildEnvelope(inv *ubl.Invoice, document []byte, senderEAddress, senderTitle, recipient string, opts DeliveryOptions) (*Envelope, string) {
	senderRef := "ref-" + uuid.New().String()
	if opts.Priority == "" {
		opts.Priority = "normal"
	}
	title := "E-invoice: " + inv.InvoiceNumber
	if senderTitle == "" {
		senderTitle = "E-Invoice Sender"
	}
	deadline := ""
	if opts.Deadline != nil {
		deadline = opts.Deadline.UTC().Format(time.RFC3339)
	}

	env := &Envelope{
		Namespace: envelopeNamespace,
		SenderDocument: SenderDocument{
			ID: "SenderSection",
			DocumentMetadata: DocumentMetadata{
				GeneralMetadata: GeneralMetadata{
					Title: title,
					Date:  inv.IssueDate,
					DocumentKind: DocumentKind{
						Code:    documentKindCode,
						Version: "1.0",
						Name:    "E-invoice",
					},
					Authors: Authors{Entries: []Author{{Institution: &Institution{Title: senderTitle}}}},
				},
				PayloadReference: PayloadReference{Files: []FileEntry{{
					MimeType: "application/xml",
					Size:     int64(len(document)),
					Name:     "invoice.xml",
					Content: Content{
						Reference:    "cid:invoice-content",
						DigestMethod: DigestMethod{Algorithm: digestAlgorithm},
						DigestValue:  ubl.HashBase64(document),
						Data:         string(document),
					},
					Compressed: false,
				}}},
			},
			TransportMetadata: TransportMetadata{
				SenderEAddress: senderEAddress,
				SenderRef:      senderRef,
				Recipients:     Recipients{Entries: []Recipient{{EAddress: recipient}}},
				NotifySender:   opts.NotifySender,
				Priority:       opts.Priority,
				Deadline:       deadline,
			},
		},
	}
	return env, senderRef
}
