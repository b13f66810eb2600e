// Package capabilities models the parts of a WFS 2.0 capabilities document
// needed to drive a service: operation endpoints, protocol bindings,
// advertised feature types and conformance declarations.
package capabilities

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
	"github.com/opengeospatial/ets-wfs20/internal/spatial"
)

var (
	ErrNotCapabilities = errors.New("not a WFS 2.0 capabilities document")
	ErrNoFeatureTypes  = errors.New("no feature types advertised")
)

const maxCapabilitiesBytes = 16 << 20

// FeatureTypeInfo describes one advertised feature type. The sampler fills in
// Instantiated and SampleData once; the value is read-only afterwards.
type FeatureTypeInfo struct {
	TypeName xml.Name
	// CRS holds wfs:DefaultCRS first, then every wfs:OtherCRS.
	CRS          []string
	Instantiated bool
	SampleData   string
	Extent       *spatial.Envelope
}

func (f *FeatureTypeInfo) DefaultCRS() string {
	if len(f.CRS) == 0 {
		return ogc.EPSG4326
	}
	return f.CRS[0]
}

// GeoExtent returns the extent computed from sample data or, when none
// exists, the domain of validity of the default CRS.
func (f *FeatureTypeInfo) GeoExtent() *spatial.Envelope {
	if f.Extent != nil {
		return f.Extent
	}
	return spatial.DomainOfValidity(f.DefaultCRS())
}

func (f *FeatureTypeInfo) String() string {
	return fmt.Sprintf("%s crs=%v instantiated=%t data=%s",
		xmldoc.String(f.TypeName), f.CRS, f.Instantiated, f.SampleData)
}

// ServiceDescription is a parsed capabilities document.
type ServiceDescription struct {
	root         *xmltree.Element
	featureTypes []xml.Name
	infos        map[xml.Name]*FeatureTypeInfo
}

// Parse reads a capabilities document.
func Parse(doc []byte) (*ServiceDescription, error) {
	root, err := xmldoc.Parse(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotCapabilities, err)
	}
	return FromElement(root)
}

// FromElement builds a service description from a parsed document whose root
// must be wfs:WFS_Capabilities.
func FromElement(root *xmltree.Element) (*ServiceDescription, error) {
	if !xmldoc.Is(root, ogc.Capabilities) {
		name := "<nil>"
		if root != nil {
			name = xmldoc.String(root.Name)
		}
		return nil, fmt.Errorf("%w: root element is %s", ErrNotCapabilities, name)
	}
	sd := &ServiceDescription{root: root, infos: map[xml.Name]*FeatureTypeInfo{}}
	for _, ft := range root.Search(ogc.NSWFS, "FeatureType") {
		nameEl := xmldoc.Child(ft, ogc.NSWFS, "Name")
		if nameEl == nil {
			continue
		}
		name, err := xmldoc.ResolveQName(nameEl, xmldoc.TrimmedText(nameEl))
		if err != nil {
			return nil, fmt.Errorf("feature type name: %w", err)
		}
		if _, dup := sd.infos[name]; dup {
			continue
		}
		info := &FeatureTypeInfo{TypeName: name}
		if crs := xmldoc.Child(ft, ogc.NSWFS, "DefaultCRS"); crs != nil {
			info.CRS = append(info.CRS, xmldoc.TrimmedText(crs))
		}
		for _, crs := range xmldoc.Children(ft, ogc.NSWFS, "OtherCRS") {
			info.CRS = append(info.CRS, xmldoc.TrimmedText(crs))
		}
		sd.featureTypes = append(sd.featureTypes, name)
		sd.infos[name] = info
	}
	if len(sd.featureTypes) == 0 {
		return nil, ErrNoFeatureTypes
	}
	return sd, nil
}

// Load reads a capabilities document from an http(s) URL or a local file.
func Load(ctx context.Context, client *http.Client, ref string) (*ServiceDescription, error) {
	u, err := url.Parse(ref)
	if err == nil && (u.Scheme == "http" || u.Scheme == "https") {
		if u.RawQuery == "" {
			u.RawQuery = ogc.CapabilitiesParams().Encode()
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Accept", ogc.MediaTypeXML)
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("get capabilities: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("get capabilities: upstream status %d", resp.StatusCode)
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxCapabilitiesBytes))
		if err != nil {
			return nil, fmt.Errorf("read capabilities: %w", err)
		}
		return Parse(body)
	}
	path := ref
	if err == nil && u.Scheme == "file" {
		path = u.Path
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	return Parse(body)
}

func (sd *ServiceDescription) Root() *xmltree.Element { return sd.root }

func (sd *ServiceDescription) Version() string {
	return strings.TrimSpace(sd.root.Attr("", "version"))
}

func (sd *ServiceDescription) operationsMetadata() *xmltree.Element {
	return xmldoc.Child(sd.root, ogc.NSOWS, "OperationsMetadata")
}

func (sd *ServiceDescription) operation(op string) *xmltree.Element {
	for _, el := range xmldoc.Children(sd.operationsMetadata(), ogc.NSOWS, "Operation") {
		if el.Attr("", "name") == op {
			return el
		}
	}
	return nil
}

// OperationEndpoint returns the endpoint declared for an operation and
// binding, without its query component. ANY resolves through
// OperationBindings in preference order. A URL without a scheme means the
// operation is not offered under that binding.
func (sd *ServiceDescription) OperationEndpoint(op string, b ogc.ProtocolBinding) *url.URL {
	if b == ogc.ANY {
		resolved, ok := sd.OperationBindings(op).Preferred()
		if !ok {
			return &url.URL{}
		}
		b = resolved
	}
	method := "Post"
	if b == ogc.GET {
		method = "Get"
	}
	for _, decl := range xmldoc.Descendants(sd.operation(op), ogc.NSOWS, method) {
		href := strings.TrimSpace(decl.Attr(ogc.NSXLink, "href"))
		if href == "" {
			continue
		}
		u, err := url.Parse(href)
		if err != nil {
			continue
		}
		u.RawQuery = ""
		u.ForceQuery = false
		return u
	}
	return &url.URL{}
}

// RequestEndpoints returns every endpoint declared for an operation keyed by
// upper-case HTTP method.
func (sd *ServiceDescription) RequestEndpoints(op string) map[string]*url.URL {
	out := map[string]*url.URL{}
	for _, method := range []string{"Get", "Post"} {
		for _, decl := range xmldoc.Descendants(sd.operation(op), ogc.NSOWS, method) {
			u, err := url.Parse(strings.TrimSpace(decl.Attr(ogc.NSXLink, "href")))
			if err != nil || u.Scheme == "" {
				continue
			}
			u.RawQuery = ""
			key := strings.ToUpper(method)
			if _, ok := out[key]; !ok {
				out[key] = u
			}
		}
	}
	return out
}

// GlobalBindings returns the encodings declared TRUE on
// ows:OperationsMetadata.
func (sd *ServiceDescription) GlobalBindings() ogc.BindingSet {
	return bindingsOf(xmldoc.Children(sd.operationsMetadata(), ogc.NSOWS, "Constraint"))
}

// OperationBindings returns the operation-level encodings united with the
// global ones. GET is never offered for Transaction.
func (sd *ServiceDescription) OperationBindings(op string) ogc.BindingSet {
	set := sd.GlobalBindings()
	if el := sd.operation(op); el != nil {
		set = set.Union(bindingsOf(xmldoc.Children(el, ogc.NSOWS, "Constraint")))
	}
	if op == ogc.Transaction {
		set = set.Remove(ogc.GET)
	}
	return set
}

func bindingsOf(constraints []*xmltree.Element) ogc.BindingSet {
	var set ogc.BindingSet
	for _, c := range constraints {
		if !isTrue(c) {
			continue
		}
		for _, b := range ogc.Preference {
			if c.Attr("", "name") == b.ConstraintName() {
				set = set.Add(b)
			}
		}
	}
	return set
}

func isTrue(constraint *xmltree.Element) bool {
	v := xmldoc.Child(constraint, ogc.NSOWS, "DefaultValue")
	return v != nil && strings.EqualFold(xmldoc.TrimmedText(v), "true")
}

// FeatureTypes lists the advertised feature types in document order.
func (sd *ServiceDescription) FeatureTypes() []xml.Name {
	return append([]xml.Name(nil), sd.featureTypes...)
}

// FeatureTypeInfo returns a fresh copy of the feature type registry.
func (sd *ServiceDescription) FeatureTypeInfo() map[xml.Name]*FeatureTypeInfo {
	out := make(map[xml.Name]*FeatureTypeInfo, len(sd.infos))
	for k, v := range sd.infos {
		cp := *v
		cp.CRS = append([]string(nil), v.CRS...)
		out[k] = &cp
	}
	return out
}

// ConformanceClaims lists the conformance classes whose constraint is TRUE
// anywhere in the document.
func (sd *ServiceDescription) ConformanceClaims() []ogc.ConformanceClass {
	declared := map[string]bool{}
	for _, c := range sd.root.Search(ogc.NSOWS, "Constraint") {
		if isTrue(c) {
			declared[c.Attr("", "name")] = true
		}
	}
	var out []ogc.ConformanceClass
	for _, cc := range ogc.ConformanceClasses {
		if declared[string(cc)] {
			out = append(out, cc)
		}
	}
	return out
}

func (sd *ServiceDescription) Claims(cc ogc.ConformanceClass) bool {
	for _, c := range sd.ConformanceClaims() {
		if c == cc {
			return true
		}
	}
	return false
}

func (sd *ServiceDescription) operatorNames(local string) []string {
	var out []string
	for _, op := range sd.root.Search(ogc.NSFES, local) {
		if name := strings.TrimSpace(op.Attr("", "name")); name != "" {
			out = append(out, name)
		}
	}
	return out
}

// SpatialOperators lists the topological spatial operators implemented by
// the service; BBOX, DWithin and Beyond are excluded.
func (sd *ServiceDescription) SpatialOperators() []string {
	var out []string
	for _, name := range sd.operatorNames("SpatialOperator") {
		if ogc.IsTopologicalOperator(name) {
			out = append(out, name)
		}
	}
	return out
}

func (sd *ServiceDescription) ImplementsSpatialOperator(name string) bool {
	return containsFold(sd.operatorNames("SpatialOperator"), name)
}

func (sd *ServiceDescription) ImplementsTemporalOperator(name string) bool {
	return containsFold(sd.operatorNames("TemporalOperator"), name)
}

func containsFold(names []string, name string) bool {
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// SchemaLocation is the DescribeFeatureType request that fetches the
// application schema of every feature type.
func (sd *ServiceDescription) SchemaLocation() (*url.URL, error) {
	u := sd.OperationEndpoint(ogc.DescribeFeatureType, ogc.GET)
	if u.Scheme == "" {
		return nil, fmt.Errorf("%s is not offered over GET", ogc.DescribeFeatureType)
	}
	u.RawQuery = ogc.DescribeFeatureTypeParams().Encode()
	return u, nil
}
