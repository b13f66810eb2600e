// Package message builds canonical WFS request entities. The entities are
// binding-neutral; the transport serializes them for GET, POST or SOAP.
package message

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

var ErrWrongRequest = errors.New("unexpected request entity")

func newRequest(op, version string) *xmldoc.Node {
	if version == "" {
		version = ogc.V2_0_0
	}
	return xmldoc.Elem(ogc.NSWFS, op).
		Declare("wfs", ogc.NSWFS).
		Declare("fes", ogc.NSFES).
		Declare("gml", ogc.NSGML).
		SetAttr("", "service", ogc.ServiceType).
		SetAttr("", "version", version)
}

// Bind returns a prefix bound to uri on the request root, declaring a new
// tns, tns1, ... prefix when none exists.
func Bind(root *xmldoc.Node, uri string) string {
	if p, ok := root.PrefixFor(uri); ok && p != "" {
		return p
	}
	used := map[string]bool{}
	for _, d := range root.Decls {
		used[d.Prefix] = true
	}
	prefix := "tns"
	for i := 1; used[prefix]; i++ {
		prefix = "tns" + strconv.Itoa(i)
	}
	root.Declare(prefix, uri)
	return prefix
}

// QName renders name with a prefix bound on root.
func QName(root *xmldoc.Node, name xml.Name) string {
	if name.Space == "" {
		return name.Local
	}
	return Bind(root, name.Space) + ":" + name.Local
}

func NewGetFeature(version string) *xmldoc.Node {
	return newRequest(ogc.GetFeature, version)
}

// SetCount limits the number of features returned.
func SetCount(req *xmldoc.Node, n int) *xmldoc.Node {
	return req.SetAttr("", "count", strconv.Itoa(n))
}

// AppendQuery adds a wfs:Query for the given feature types and returns it.
func AppendQuery(req *xmldoc.Node, typeNames ...xml.Name) *xmldoc.Node {
	names := make([]string, len(typeNames))
	for i, tn := range typeNames {
		names[i] = QName(req, tn)
	}
	q := xmldoc.Elem(ogc.NSWFS, "Query").SetAttr("", "typeNames", strings.Join(names, " "))
	req.Append(q)
	return q
}

// Param is a stored query parameter.
type Param struct {
	Name  string
	Value Literal
}

// AppendStoredQuery adds a wfs:StoredQuery invocation.
func AppendStoredQuery(req *xmldoc.Node, id string, params ...Param) *xmldoc.Node {
	sq := xmldoc.Elem(ogc.NSWFS, "StoredQuery").SetAttr("", "id", id)
	for _, p := range params {
		el := xmldoc.Elem(ogc.NSWFS, "Parameter").SetAttr("", "name", p.Name)
		if p.Value != nil {
			p.Value.apply(el)
		}
		sq.Append(el)
	}
	req.Append(sq)
	return sq
}

// GetFeatureByIDQuery is the identifier of the GetFeatureById stored query
// for a WFS version; 2.0.0 services use the URN form.
func GetFeatureByIDQuery(version string) string {
	if version == ogc.V2_0_0 {
		return ogc.QueryGetFeatureByIDURN
	}
	return ogc.QueryGetFeatureByID
}

// NewGetFeatureByID builds a GetFeature request invoking GetFeatureById.
func NewGetFeatureByID(version, id string) *xmldoc.Node {
	req := NewGetFeature(version)
	AppendStoredQuery(req, GetFeatureByIDQuery(req.Attr("", "version")), Param{Name: "id", Value: Text{Value: id}})
	return req
}

// AddFilter appends predicate to query inside a fes:Filter.
func AddFilter(query, predicate *xmldoc.Node) *xmldoc.Node {
	filter := xmldoc.Elem(ogc.NSFES, "Filter", predicate)
	query.Append(filter)
	return filter
}

// FirstQuery returns the first wfs:Query of a request.
func FirstQuery(req *xmldoc.Node) (*xmldoc.Node, error) {
	q := req.Child(ogc.NSWFS, "Query")
	if q == nil {
		return nil, fmt.Errorf("%w: no wfs:Query in %s", ErrWrongRequest, req.Name.Local)
	}
	return q, nil
}

// AddResourceIDPredicate restricts the first query of a GetFeature request
// to the given identifiers.
func AddResourceIDPredicate(req *xmldoc.Node, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if !strings.HasPrefix(req.Name.Local, ogc.GetFeature) {
		return fmt.Errorf("%w: %s is not a GetFeature request", ErrWrongRequest, req.Name.Local)
	}
	q, err := FirstQuery(req)
	if err != nil {
		return err
	}
	q.Append(NewResourceIDFilter(ids...))
	return nil
}

func NewDescribeFeatureType(version string, typeNames ...xml.Name) *xmldoc.Node {
	req := newRequest(ogc.DescribeFeatureType, version)
	for _, tn := range typeNames {
		req.Append(xmldoc.Elem(ogc.NSWFS, "TypeName").SetText(QName(req, tn)))
	}
	return req
}

// NewGetPropertyValue selects the values of valueReference for a feature
// type.
func NewGetPropertyValue(version string, typeName, property xml.Name) *xmldoc.Node {
	req := newRequest(ogc.GetPropertyValue, version)
	req.SetAttr("", "valueReference", QName(req, property))
	AppendQuery(req, typeName)
	return req
}

func NewListStoredQueries(version string) *xmldoc.Node {
	return newRequest(ogc.ListStoredQueries, version)
}

func NewDescribeStoredQueries(version string, ids ...string) *xmldoc.Node {
	req := newRequest(ogc.DescribeStoredQueries, version)
	for _, id := range ids {
		req.Append(xmldoc.Elem(ogc.NSWFS, "StoredQueryId").SetText(id))
	}
	return req
}

func NewDropStoredQuery(version, id string) *xmldoc.Node {
	return newRequest(ogc.DropStoredQuery, version).SetAttr("", "id", id)
}

// NewGetCapabilities builds a GetCapabilities request; it carries no version
// attribute, only the accepted versions.
func NewGetCapabilities(acceptVersions ...string) *xmldoc.Node {
	req := xmldoc.Elem(ogc.NSWFS, ogc.GetCapabilities).
		Declare("wfs", ogc.NSWFS).
		Declare("ows", ogc.NSOWS).
		SetAttr("", "service", ogc.ServiceType)
	if len(acceptVersions) > 0 {
		av := xmldoc.Elem(ogc.NSOWS, "AcceptVersions")
		for _, v := range acceptVersions {
			av.Append(xmldoc.Elem(ogc.NSOWS, "Version").SetText(v))
		}
		req.Append(av)
	}
	return req
}
