package ogc

import (
	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

// SOAPNamespace returns the envelope namespace for a SOAP version ("1.1" or
// "1.2"). Anything other than "1.1" gets the latest version, 1.2.
func SOAPNamespace(version string) string {
	if version == "1.1" {
		return NSSOAP11
	}
	return NSSOAP12
}

// WrapSOAP returns a SOAP envelope whose Body holds a copy of req as its only
// child. req itself is not modified.
func WrapSOAP(req *xmldoc.Node, version string) *xmldoc.Node {
	ns := SOAPNamespace(version)
	body := xmldoc.Elem(ns, "Body", req.Clone())
	return xmldoc.Elem(ns, "Envelope", body).Declare("soap", ns)
}

// IsSOAPEnvelope reports whether el is a SOAP 1.1 or 1.2 Envelope.
func IsSOAPEnvelope(el *xmltree.Element) bool {
	if el == nil || el.Name.Local != "Envelope" {
		return false
	}
	return el.Name.Space == NSSOAP11 || el.Name.Space == NSSOAP12
}

// UnwrapSOAP returns the first child of the envelope's Body, or el itself
// when it is not an envelope. An envelope with an empty body yields nil.
func UnwrapSOAP(el *xmltree.Element) *xmltree.Element {
	if !IsSOAPEnvelope(el) {
		return el
	}
	body := xmldoc.Child(el, el.Name.Space, "Body")
	return xmldoc.FirstChild(body)
}
