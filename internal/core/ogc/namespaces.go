package ogc

import (
	"encoding/xml"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

const (
	NSWFS    = "http://www.opengis.net/wfs/2.0"
	NSFES    = "http://www.opengis.net/fes/2.0"
	NSGML    = "http://www.opengis.net/gml/3.2"
	NSOWS    = "http://www.opengis.net/ows/1.1"
	NSXLink  = "http://www.w3.org/1999/xlink"
	NSXSI    = "http://www.w3.org/2001/XMLSchema-instance"
	NSXSD    = "http://www.w3.org/2001/XMLSchema"
	NSSOAP11 = "http://schemas.xmlsoap.org/soap/envelope/"
	NSSOAP12 = "http://www.w3.org/2003/05/soap-envelope"
)

func init() {
	xmldoc.RegisterPrefix(NSWFS, "wfs")
	xmldoc.RegisterPrefix(NSFES, "fes")
	xmldoc.RegisterPrefix(NSGML, "gml")
	xmldoc.RegisterPrefix(NSOWS, "ows")
	xmldoc.RegisterPrefix(NSXLink, "xlink")
	xmldoc.RegisterPrefix(NSXSI, "xsi")
	xmldoc.RegisterPrefix(NSXSD, "xsd")
	xmldoc.RegisterPrefix(NSSOAP11, "soap")
	xmldoc.RegisterPrefix(NSSOAP12, "soap")
}

// Name builds a qualified name.
func Name(space, local string) xml.Name {
	return xml.Name{Space: space, Local: local}
}

var (
	GMLID        = Name(NSGML, "id")
	XSINil       = Name(NSXSI, "nil")
	WFSMember    = Name(NSWFS, "member")
	Capabilities = Name(NSWFS, "WFS_Capabilities")
)
