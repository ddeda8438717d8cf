// Package ubl extracts header metadata from UBL invoice documents. The
// pipeline never validates or interprets invoice content beyond these
// fields; they feed addressing and envelope metadata for delivery.
package ubl

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// Invoice carries the UBL header fields the delivery pipeline cares about.
type Invoice struct {
	InvoiceNumber string
	IssueDate     string
	DueDate       string
	CurrencyCode  string
	SupplierName  string
	SupplierID    string
	CustomerName  string
	CustomerID    string
	PayableAmount string
}

// node is a minimal namespace-agnostic element tree.
type node struct {
	name     string
	text     string
	children []*node
}

func parseTree(raw []byte) (*node, error) {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	var stack []*node
	var root *node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			n := &node{name: t.Name.Local}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text += string(t)
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("parse xml: no root element")
	}
	return root, nil
}

// find walks children matching path local names, depth first, returning the
// first match. Namespaces are ignored on purpose: UBL files in the wild mix
// prefixes freely.
func (n *node) find(path ...string) *node {
	if len(path) == 0 {
		return n
	}
	for _, c := range n.children {
		if c.name != path[0] {
			continue
		}
		if len(path) == 1 {
			return c
		}
		if found := c.find(path[1:]...); found != nil {
			return found
		}
	}
	return nil
}

func (n *node) textAt(path ...string) string {
	found := n.find(path...)
	if found == nil {
		return ""
	}
	return strings.TrimSpace(found.text)
}

// Parse extracts invoice header metadata from raw UBL bytes.
func Parse(raw []byte) (*Invoice, error) {
	root, err := parseTree(raw)
	if err != nil {
		return nil, err
	}

	inv := &Invoice{
		InvoiceNumber: root.textAt("ID"),
		IssueDate:     root.textAt("IssueDate"),
		DueDate:       root.textAt("DueDate"),
		CurrencyCode:  root.textAt("DocumentCurrencyCode"),
		SupplierID:    root.textAt("AccountingSupplierParty", "Party", "EndpointID"),
		CustomerID:    root.textAt("AccountingCustomerParty", "Party", "EndpointID"),
		PayableAmount: root.textAt("LegalMonetaryTotal", "PayableAmount"),
	}
	if inv.InvoiceNumber == "" {
		inv.InvoiceNumber = "UNKNOWN"
	}

	inv.SupplierName = root.textAt("AccountingSupplierParty", "Party", "PartyName", "Name")
	if inv.SupplierName == "" {
		inv.SupplierName = root.textAt("AccountingSupplierParty", "Party", "PartyLegalEntity", "RegistrationName")
	}
	inv.CustomerName = root.textAt("AccountingCustomerParty", "Party", "PartyName", "Name")
	if inv.CustomerName == "" {
		inv.CustomerName = root.textAt("AccountingCustomerParty", "Party", "PartyLegalEntity", "RegistrationName")
	}

	return inv, nil
}

// HashHex returns the lowercase hex SHA-256 digest of the canonical document
// bytes. This is the idempotency key for the whole pipeline: the same bytes
// always hash to the same key.
func HashHex(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// HashBase64 returns the base64 SHA-256 digest, the encoding the government
// messaging envelope expects for its content digest.
func HashBase64(raw []byte) string {
	sum := sha256.Sum256(raw)
	return base64.StdEncoding.EncodeToString(sum[:])
}
