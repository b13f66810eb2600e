// Package fakewfs runs an in-process WFS 2.0 double for tests. It answers
// GetCapabilities, DescribeFeatureType, GetFeature (including
// GetFeatureById), ListStoredQueries, DropStoredQuery and Transaction over
// the GET, POST and SOAP bindings.
package fakewfs

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"aqwari.net/xml/xmltree"
	"github.com/go-chi/chi/v5"

	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

// Options describes the service. Features holds serialized feature
// elements per type; they may use Prefix for the application namespace and
// the gml and xsi prefixes.
type Options struct {
	Version   string
	Prefix    string
	Namespace string
	Types     []string
	Features  map[string][]string
	// Bindings advertised globally; all three when empty.
	Bindings []ogc.ProtocolBinding
	// Unreachable bindings have their connection closed without a response.
	Unreachable []ogc.ProtocolBinding
	// Empty bindings answer GetFeature with an empty collection.
	Empty []ogc.ProtocolBinding
	// Bare answers GetFeature with the first feature alone, as a
	// GetFeatureById response would.
	Bare          bool
	Schema        []byte
	SchemaFiles   map[string][]byte
	StoredQueries []string
}

// Request is one operation received by the double.
type Request struct {
	Op      string
	Binding ogc.ProtocolBinding
	Params  map[string]string
}

type Server struct {
	*httptest.Server
	opts Options

	mu       sync.Mutex
	requests []Request
	dropped  map[string]bool
}

func New(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = ogc.V2_0_0
	}
	if opts.Prefix == "" {
		opts.Prefix = "tn"
	}
	if len(opts.Bindings) == 0 {
		opts.Bindings = []ogc.ProtocolBinding{ogc.GET, ogc.POST, ogc.SOAP}
	}
	s := &Server{opts: opts, dropped: map[string]bool{}}

	r := chi.NewRouter()
	r.Get("/wfs", s.handleKVP)
	r.Post("/wfs", s.handleXML)
	r.Get("/schemas/{name}", s.handleSchemaFile)
	s.Server = httptest.NewServer(r)
	return s
}

// Endpoint is the service URL advertised for every operation.
func (s *Server) Endpoint() string { return s.URL + "/wfs" }

// Requests returns the operations received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

func (s *Server) record(op string, b ogc.ProtocolBinding, params map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, Request{Op: op, Binding: b, Params: params})
}

func has(bs []ogc.ProtocolBinding, b ogc.ProtocolBinding) bool {
	for _, x := range bs {
		if x == b {
			return true
		}
	}
	return false
}

func (s *Server) handleKVP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := map[string]string{}
	for k := range q {
		params[k] = q.Get(k)
	}
	s.dispatch(w, ogc.GET, params["request"], params, nil)
}

func (s *Server) handleXML(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	root, err := xmldoc.Parse(body)
	if err != nil {
		writeException(w, ogc.POST, "", "OperationParsingFailed", err.Error())
		return
	}
	b := ogc.POST
	if ogc.IsSOAPEnvelope(root) {
		b = ogc.SOAP
		root = ogc.UnwrapSOAP(root)
		if root == nil {
			writeException(w, b, "", "OperationParsingFailed", "empty SOAP body")
			return
		}
	}
	s.dispatch(w, b, root.Name.Local, xmlParams(root), root)
}

// xmlParams flattens the parts of a request entity the double looks at.
func xmlParams(root *xmltree.Element) map[string]string {
	params := map[string]string{}
	for _, a := range root.StartElement.Attr {
		if a.Name.Space == "" && a.Name.Local != "xmlns" {
			params[a.Name.Local] = a.Value
		}
	}
	if q := xmldoc.Child(root, ogc.NSWFS, "Query"); q != nil {
		params["typeNames"] = q.Attr("", "typeNames")
	}
	if sq := xmldoc.Child(root, ogc.NSWFS, "StoredQuery"); sq != nil {
		params["storedQuery_id"] = sq.Attr("", "id")
		for _, p := range xmldoc.Children(sq, ogc.NSWFS, "Parameter") {
			params[p.Attr("", "name")] = xmldoc.TrimmedText(p)
		}
	}
	if root.Name.Local == ogc.DropStoredQuery {
		params["storedQuery_id"] = root.Attr("", "id")
	}
	return params
}

func (s *Server) dispatch(w http.ResponseWriter, b ogc.ProtocolBinding, op string, params map[string]string, root *xmltree.Element) {
	s.record(op, b, params)
	if has(s.opts.Unreachable, b) {
		hangUp(w)
		return
	}
	switch op {
	case ogc.GetCapabilities:
		writeXML(w, b, http.StatusOK, s.Capabilities())
	case ogc.DescribeFeatureType:
		writeXML(w, b, http.StatusOK, string(s.opts.Schema))
	case ogc.GetFeature:
		s.getFeature(w, b, params)
	case ogc.ListStoredQueries:
		s.listStoredQueries(w, b)
	case ogc.DropStoredQuery:
		s.mu.Lock()
		s.dropped[params["storedQuery_id"]] = true
		s.mu.Unlock()
		writeXML(w, b, http.StatusOK, `<wfs:DropStoredQueryResponse xmlns:wfs="`+ogc.NSWFS+`" status="OK"/>`)
	case ogc.Transaction:
		if root == nil {
			writeException(w, b, "request", "OperationNotSupported", "Transaction requires XML")
			return
		}
		s.transaction(w, b, root)
	default:
		writeException(w, b, "request", "OperationNotSupported", op)
	}
}

func hangUp(w http.ResponseWriter) {
	hj, ok := w.(http.Hijacker)
	if !ok {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	conn, _, err := hj.Hijack()
	if err == nil {
		_ = conn.Close()
	}
}

func (s *Server) handleSchemaFile(w http.ResponseWriter, r *http.Request) {
	b, ok := s.opts.SchemaFiles[chi.URLParam(r, "name")]
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	_, _ = w.Write(b)
}

func (s *Server) decls() string {
	return fmt.Sprintf(` xmlns:wfs="%s" xmlns:gml="%s" xmlns:xsi="%s" xmlns:%s="%s"`,
		ogc.NSWFS, ogc.NSGML, ogc.NSXSI, s.opts.Prefix, s.opts.Namespace)
}

// typeOf maps a requested type name (any prefix) to a configured type.
func (s *Server) typeOf(qname string) (string, bool) {
	_, local, found := strings.Cut(qname, ":")
	if !found {
		local = qname
	}
	for _, t := range s.opts.Types {
		if t == local {
			return t, true
		}
	}
	return "", false
}

var idAttr = regexp.MustCompile(`gml:id="([^"]*)"`)

func (s *Server) getFeature(w http.ResponseWriter, b ogc.ProtocolBinding, params map[string]string) {
	if sq := params["storedQuery_id"]; sq != "" {
		if sq != ogc.QueryGetFeatureByID && sq != ogc.QueryGetFeatureByIDURN {
			writeException(w, b, "storedQuery_id", "InvalidParameterValue", sq)
			return
		}
		for _, t := range s.opts.Types {
			for _, f := range s.opts.Features[t] {
				if m := idAttr.FindStringSubmatch(f); m != nil && m[1] == params["id"] {
					writeXML(w, b, http.StatusOK, s.withDecls(f))
					return
				}
			}
		}
		writeException(w, b, "id", "NotFound", params["id"])
		return
	}

	names := strings.Fields(params["typeNames"])
	if len(names) == 0 {
		writeException(w, b, "typeNames", "MissingParameterValue", "typeNames")
		return
	}
	t, ok := s.typeOf(names[0])
	if !ok {
		writeException(w, b, "typeNames", "InvalidParameterValue", params["typeNames"])
		return
	}
	features := s.opts.Features[t]
	if has(s.opts.Empty, b) {
		features = nil
	}
	if s.opts.Bare && len(features) > 0 {
		writeXML(w, b, http.StatusOK, s.withDecls(features[0]))
		return
	}
	matched := len(features)
	if n, err := strconv.Atoi(params["count"]); err == nil && n < len(features) {
		features = features[:n]
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, `<wfs:FeatureCollection%s numberMatched="%d" numberReturned="%d" timeStamp="2020-01-01T00:00:00Z">`,
		s.decls(), matched, len(features))
	for _, f := range features {
		sb.WriteString("<wfs:member>" + f + "</wfs:member>")
	}
	sb.WriteString("</wfs:FeatureCollection>")
	writeXML(w, b, http.StatusOK, sb.String())
}

// withDecls adds the collection namespace declarations to a bare feature.
func (s *Server) withDecls(f string) string {
	i := strings.IndexAny(f, " />")
	if i < 0 {
		return f
	}
	return f[:i] + s.decls() + f[i:]
}

func (s *Server) listStoredQueries(w http.ResponseWriter, b ogc.ProtocolBinding) {
	s.mu.Lock()
	ids := []string{ogc.QueryGetFeatureByID}
	for _, id := range s.opts.StoredQueries {
		if !s.dropped[id] {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	var sb strings.Builder
	sb.WriteString(`<wfs:ListStoredQueriesResponse xmlns:wfs="` + ogc.NSWFS + `">`)
	for _, id := range ids {
		sb.WriteString(`<wfs:StoredQuery id="`)
		_ = xml.EscapeText(&sb, []byte(id))
		sb.WriteString(`"><wfs:Title>` + id + `</wfs:Title></wfs:StoredQuery>`)
	}
	sb.WriteString(`</wfs:ListStoredQueriesResponse>`)
	writeXML(w, b, http.StatusOK, sb.String())
}

func (s *Server) transaction(w http.ResponseWriter, b ogc.ProtocolBinding, root *xmltree.Element) {
	counts := map[string]int{}
	for _, action := range []struct{ el, total string }{
		{"Insert", "totalInserted"}, {"Update", "totalUpdated"}, {"Replace", "totalReplaced"},
	} {
		for _, a := range xmldoc.Children(root, ogc.NSWFS, action.el) {
			if action.el == "Update" {
				counts[action.total]++
				continue
			}
			counts[action.total] += len(a.Children)
		}
	}
	for _, d := range xmldoc.Children(root, ogc.NSWFS, "Delete") {
		counts["totalDeleted"] += len(xmldoc.Descendants(d, ogc.NSFES, "ResourceId"))
	}
	var sb strings.Builder
	sb.WriteString(`<wfs:TransactionResponse xmlns:wfs="` + ogc.NSWFS + `" version="` + s.opts.Version + `"><wfs:TransactionSummary>`)
	for _, k := range []string{"totalInserted", "totalUpdated", "totalReplaced", "totalDeleted"} {
		fmt.Fprintf(&sb, "<wfs:%s>%d</wfs:%s>", k, counts[k], k)
	}
	sb.WriteString(`</wfs:TransactionSummary></wfs:TransactionResponse>`)
	writeXML(w, b, http.StatusOK, sb.String())
}

// Capabilities renders the capabilities document of the double.
func (s *Server) Capabilities() string {
	ep := s.Endpoint()
	var sb strings.Builder
	fmt.Fprintf(&sb, `<wfs:WFS_Capabilities xmlns:wfs="%s" xmlns:ows="%s" xmlns:xlink="%s" xmlns:fes="%s" xmlns:%s="%s" version="%s">`,
		ogc.NSWFS, ogc.NSOWS, ogc.NSXLink, ogc.NSFES, s.opts.Prefix, s.opts.Namespace, s.opts.Version)
	sb.WriteString(`<ows:OperationsMetadata>`)
	ops := []string{ogc.GetCapabilities, ogc.DescribeFeatureType, ogc.ListStoredQueries, ogc.GetFeature, ogc.DropStoredQuery, ogc.Transaction}
	for _, op := range ops {
		fmt.Fprintf(&sb, `<ows:Operation name="%s"><ows:DCP><ows:HTTP>`, op)
		if op != ogc.Transaction {
			fmt.Fprintf(&sb, `<ows:Get xlink:href="%s?"/>`, ep)
		}
		fmt.Fprintf(&sb, `<ows:Post xlink:href="%s"/>`, ep)
		sb.WriteString(`</ows:HTTP></ows:DCP></ows:Operation>`)
	}
	constraint := func(name string, v bool) {
		fmt.Fprintf(&sb, `<ows:Constraint name="%s"><ows:NoValues/><ows:DefaultValue>%s</ows:DefaultValue></ows:Constraint>`,
			name, strings.ToUpper(strconv.FormatBool(v)))
	}
	constraint(string(ogc.BasicWFS), true)
	constraint(string(ogc.TransactionalWFS), true)
	for _, b := range []ogc.ProtocolBinding{ogc.GET, ogc.POST, ogc.SOAP} {
		constraint(b.ConstraintName(), has(s.opts.Bindings, b))
	}
	sb.WriteString(`</ows:OperationsMetadata><wfs:FeatureTypeList>`)
	for _, t := range s.opts.Types {
		fmt.Fprintf(&sb, `<wfs:FeatureType><wfs:Name>%s:%s</wfs:Name><wfs:Title>%s</wfs:Title>`+
			`<wfs:DefaultCRS>%s</wfs:DefaultCRS></wfs:FeatureType>`, s.opts.Prefix, t, t, ogc.EPSG4326)
	}
	sb.WriteString(`</wfs:FeatureTypeList></wfs:WFS_Capabilities>`)
	return sb.String()
}

func writeXML(w http.ResponseWriter, b ogc.ProtocolBinding, status int, doc string) {
	if b == ogc.SOAP {
		w.Header().Set("Content-Type", ogc.MediaTypeSOAP)
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `<soap:Envelope xmlns:soap="`+ogc.NSSOAP12+`"><soap:Body>`+doc+`</soap:Body></soap:Envelope>`)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, doc)
}

func writeException(w http.ResponseWriter, b ogc.ProtocolBinding, locator, code, text string) {
	var sb strings.Builder
	fmt.Fprintf(&sb, `<ows:ExceptionReport xmlns:ows="%s" version="2.0.0"><ows:Exception exceptionCode="%s" locator="%s"><ows:ExceptionText>`,
		ogc.NSOWS, code, locator)
	_ = xml.EscapeText(&sb, []byte(text))
	sb.WriteString(`</ows:ExceptionText></ows:Exception></ows:ExceptionReport>`)
	writeXML(w, b, http.StatusBadRequest, sb.String())
}
