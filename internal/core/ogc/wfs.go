package ogc

import (
	"net/url"
	"strings"
)

const (
	ServiceType = "WFS"
	V2_0_0      = "2.0.0"
	V2_0_2      = "2.0.2"

	GetCapabilities        = "GetCapabilities"
	DescribeFeatureType    = "DescribeFeatureType"
	ListStoredQueries      = "ListStoredQueries"
	DescribeStoredQueries  = "DescribeStoredQueries"
	GetFeature             = "GetFeature"
	GetPropertyValue       = "GetPropertyValue"
	GetFeatureWithLock     = "GetFeatureWithLock"
	LockFeature            = "LockFeature"
	Transaction            = "Transaction"
	CreateStoredQuery      = "CreateStoredQuery"
	DropStoredQuery        = "DropStoredQuery"
	KVPEncoding            = "KVPEncoding"
	XMLEncoding            = "XMLEncoding"
	SOAPEncoding           = "SOAPEncoding"
	QueryGetFeatureByID    = "http://www.opengis.net/def/query/OGC-WFS/0/GetFeatureById"
	QueryGetFeatureByIDURN = "urn:ogc:def:query:OGC-WFS::GetFeatureById"

	MediaTypeXML  = "application/xml"
	MediaTypeSOAP = "application/soap+xml"

	EPSG4326 = "urn:ogc:def:crs:EPSG::4326"
)

// ConformanceClass is a WFS conformance level or request encoding that a
// service may claim through a capabilities constraint.
type ConformanceClass string

const (
	SimpleWFS        ConformanceClass = "ImplementsSimpleWFS"
	BasicWFS         ConformanceClass = "ImplementsBasicWFS"
	TransactionalWFS ConformanceClass = "ImplementsTransactionalWFS"
	LockingWFS       ConformanceClass = "ImplementsLockingWFS"
	HTTPGet          ConformanceClass = KVPEncoding
	HTTPPost         ConformanceClass = XMLEncoding
	SOAPRequests     ConformanceClass = SOAPEncoding
)

// ConformanceClasses lists every class in the order of the WFS standard.
var ConformanceClasses = []ConformanceClass{
	SimpleWFS, BasicWFS, TransactionalWFS, LockingWFS, HTTPGet, HTTPPost, SOAPRequests,
}

// spatial operators that are analytic rather than topological
var analyticSpatialOps = map[string]bool{"BBOX": true, "DWITHIN": true, "BEYOND": true}

// IsTopologicalOperator reports whether a spatial operator name denotes a
// topological relationship (Equals, Intersects, ...).
func IsTopologicalOperator(name string) bool {
	return !analyticSpatialOps[strings.ToUpper(strings.TrimSpace(name))]
}

// CapabilitiesParams are the KVP parameters of a GetCapabilities request.
func CapabilitiesParams() url.Values {
	params := url.Values{}
	params.Set("service", ServiceType)
	params.Set("request", GetCapabilities)
	return params
}

// DescribeFeatureTypeParams are the KVP parameters used to fetch the
// application schema for every feature type.
func DescribeFeatureTypeParams() url.Values {
	params := url.Values{}
	params.Set("service", ServiceType)
	params.Set("version", V2_0_0)
	params.Set("request", DescribeFeatureType)
	return params
}

// SOAPVersion is the SOAP version used with a WFS version: 1.2 for 2.0.2,
// 1.1 otherwise.
func SOAPVersion(wfsVersion string) string {
	if wfsVersion == V2_0_2 {
		return "1.2"
	}
	return "1.1"
}
