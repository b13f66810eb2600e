package transport

import (
	"context"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/opengeospatial/ets-wfs20/internal/core/message"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

type wfsRecorder struct {
	mu      sync.Mutex
	hits    int
	method  string
	query   url.Values
	header  http.Header
	body    []byte
	respond func(w http.ResponseWriter, r *http.Request)
}

func (u *wfsRecorder) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	u.mu.Lock()
	u.hits++
	u.method = r.Method
	u.query = r.URL.Query()
	u.header = r.Header.Clone()
	u.body = body
	respond := u.respond
	u.mu.Unlock()

	if respond != nil {
		respond(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=UTF-8")
	_, _ = w.Write([]byte(`<ok/>`))
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newServer(t *testing.T, rec *wfsRecorder) (*Client, *url.URL) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(srv.Close)
	u, err := url.Parse(srv.URL + "/wfs?map=roads")
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	return New(quietLogger(), srv.Client(), time.Second), u
}

var road = xml.Name{Space: "http://example.org/transport", Local: "Road"}

// logical reduces a received request to the operation and parameters it
// carries, whatever the binding.
func logical(t *testing.T, method string, query url.Values, body []byte) map[string]string {
	t.Helper()
	if method == http.MethodGet {
		return map[string]string{
			"request":   query.Get("request"),
			"service":   query.Get("service"),
			"version":   query.Get("version"),
			"count":     query.Get("count"),
			"typeNames": query.Get("typeNames"),
		}
	}
	root, err := xmldoc.Parse(body)
	if err != nil {
		t.Fatalf("parse body: %v", err)
	}
	root = ogc.UnwrapSOAP(root)
	q := xmldoc.Child(root, ogc.NSWFS, "Query")
	if q == nil {
		t.Fatalf("no wfs:Query in %s", body)
	}
	return map[string]string{
		"request":   root.Name.Local,
		"service":   root.Attr("", "service"),
		"version":   root.Attr("", "version"),
		"count":     root.Attr("", "count"),
		"typeNames": q.Attr("", "typeNames"),
	}
}

func TestSubmit_BindingsCarrySameRequest(t *testing.T) {
	rec := &wfsRecorder{}
	c, endpoint := newServer(t, rec)

	req := message.SetCount(message.NewGetFeature(ogc.V2_0_2), 5)
	message.AppendQuery(req, road)
	before := string(xmldoc.Marshal(req))

	want := map[string]string{
		"request": "GetFeature", "service": "WFS", "version": "2.0.2", "count": "5", "typeNames": "tns:Road",
	}
	payloads := map[string]bool{}
	for _, b := range []ogc.ProtocolBinding{ogc.GET, ogc.POST, ogc.SOAP} {
		resp, err := c.Submit(context.Background(), req, b, endpoint)
		if err != nil {
			t.Fatalf("%s: %v", b, err)
		}
		if resp.Status != http.StatusOK || resp.MediaType != "text/xml" {
			t.Fatalf("%s: status=%d media=%q", b, resp.Status, resp.MediaType)
		}

		rec.mu.Lock()
		method, query, header, body := rec.method, rec.query, rec.header, rec.body
		rec.mu.Unlock()

		if method != b.Method() {
			t.Fatalf("%s: method=%s want %s", b, method, b.Method())
		}
		if diff := cmp.Diff(want, logical(t, method, query, body)); diff != "" {
			t.Fatalf("%s: logical request (-want +got):\n%s", b, diff)
		}
		payloads[method+"?"+query.Encode()+"\n"+string(body)] = true

		switch b {
		case ogc.GET:
			if query.Get("map") != "" {
				t.Fatalf("GET: endpoint query not replaced: %v", query)
			}
			if query.Get("namespaces") != "xmlns(tns,http://example.org/transport)" {
				t.Fatalf("GET: namespaces=%q", query.Get("namespaces"))
			}
		case ogc.POST:
			if ct := header.Get("Content-Type"); ct != ogc.MediaTypeXML {
				t.Fatalf("POST: content-type=%q", ct)
			}
		case ogc.SOAP:
			if ct := header.Get("Content-Type"); ct != ogc.MediaTypeSOAP {
				t.Fatalf("SOAP: content-type=%q", ct)
			}
			if !strings.Contains(string(body), `xmlns:soap="`+ogc.NSSOAP12+`"`) {
				t.Fatalf("SOAP: 2.0.2 request not in a SOAP 1.2 envelope:\n%s", body)
			}
		}
	}
	if len(payloads) != 3 {
		t.Fatalf("expected 3 distinct wire payloads, got %d", len(payloads))
	}
	if after := string(xmldoc.Marshal(req)); after != before {
		t.Fatalf("request mutated by transport:\n%s\n%s", before, after)
	}
}

func TestSubmit_SOAP11ForVersion200(t *testing.T) {
	rec := &wfsRecorder{}
	c, endpoint := newServer(t, rec)
	req := message.NewGetFeature(ogc.V2_0_0)
	message.AppendQuery(req, road)
	if _, err := c.Submit(context.Background(), req, ogc.SOAP, endpoint); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !strings.Contains(string(rec.body), ogc.NSSOAP11) {
		t.Fatalf("expected SOAP 1.1 envelope:\n%s", rec.body)
	}
}

const collection = `<wfs:FeatureCollection xmlns:wfs="http://www.opengis.net/wfs/2.0" xmlns:tn="http://example.org/transport" xmlns:gml="http://www.opengis.net/gml/3.2" numberReturned="1">` +
	`<wfs:member><tn:Road gml:id="r1"><tn:name>A &amp; B</tn:name></tn:Road></wfs:member></wfs:FeatureCollection>`

func TestExtractBody_SOAPMatchesBare(t *testing.T) {
	rec := &wfsRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.Header.Get("Content-Type"), "soap") {
			w.Header().Set("Content-Type", ogc.MediaTypeSOAP)
			_, _ = w.Write([]byte(`<soap:Envelope xmlns:soap="` + ogc.NSSOAP12 + `"><soap:Header/><soap:Body>` +
				collection + `</soap:Body></soap:Envelope>`))
			return
		}
		w.Header().Set("Content-Type", "application/gml+xml; version=3.2")
		_, _ = w.Write([]byte(collection))
	}}
	c, endpoint := newServer(t, rec)
	req := message.NewGetFeature(ogc.V2_0_2)
	message.AppendQuery(req, road)

	effective := map[ogc.ProtocolBinding]string{}
	for _, b := range []ogc.ProtocolBinding{ogc.POST, ogc.SOAP} {
		resp, err := c.Submit(context.Background(), req, b, endpoint)
		if err != nil {
			t.Fatalf("%s: %v", b, err)
		}
		doc, err := resp.Document()
		if err != nil {
			t.Fatalf("%s: Document: %v", b, err)
		}
		if doc.Name.Local != "FeatureCollection" {
			t.Fatalf("%s: effective root %s", b, doc.Name.Local)
		}
		effective[b] = string(xmldoc.Marshal(xmldoc.FromTree(doc)))
	}
	if effective[ogc.POST] != effective[ogc.SOAP] {
		t.Fatalf("effective documents differ:\nPOST: %s\nSOAP: %s", effective[ogc.POST], effective[ogc.SOAP])
	}
}

func TestExtractBody_EmptySOAPBody(t *testing.T) {
	resp := &Response{Status: 200, MediaType: ogc.MediaTypeSOAP,
		Body: []byte(`<s:Envelope xmlns:s="` + ogc.NSSOAP11 + `"><s:Body/></s:Envelope>`)}
	if _, err := ExtractBody(resp); !errors.Is(err, ErrEmptyBody) {
		t.Fatalf("err=%v want ErrEmptyBody", err)
	}
}

func TestSubmit_AnyIsRejectedBeforeIO(t *testing.T) {
	rec := &wfsRecorder{}
	c, endpoint := newServer(t, rec)
	_, err := c.Submit(context.Background(), message.NewGetFeature(""), ogc.ANY, endpoint)
	if !errors.Is(err, ErrUnresolvedBinding) {
		t.Fatalf("err=%v want ErrUnresolvedBinding", err)
	}
	var te *Error
	if !errors.As(err, &te) || te.Op != ogc.GetFeature || te.Binding != ogc.ANY {
		t.Fatalf("unexpected error detail: %#v", te)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.hits != 0 {
		t.Fatalf("request reached the server %d times", rec.hits)
	}
}

func TestSubmit_TimeoutIsTransportError(t *testing.T) {
	rec := &wfsRecorder{respond: func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}}
	srv := httptest.NewServer(http.HandlerFunc(rec.handler))
	defer srv.Close()
	endpoint, _ := url.Parse(srv.URL)

	c := New(quietLogger(), srv.Client(), 50*time.Millisecond)
	_, err := c.Submit(context.Background(), message.NewListStoredQueries(""), ogc.POST, endpoint)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	var te *Error
	if !errors.As(err, &te) || te.Binding != ogc.POST || te.Endpoint != srv.URL {
		t.Fatalf("unexpected error detail: %#v", te)
	}
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	endpoint, _ := url.Parse(srv.URL)
	srv.Close()

	c := New(quietLogger(), nil, time.Second)
	_, err := c.Submit(context.Background(), message.NewListStoredQueries(""), ogc.GET, endpoint)
	var te *Error
	if !errors.As(err, &te) {
		t.Fatalf("err=%v want *transport.Error", err)
	}
	if errors.Is(err, ErrTimeout) {
		t.Fatalf("connection refused reported as timeout: %v", err)
	}
}

func TestDocument_NonXMLMediaType(t *testing.T) {
	rec := &wfsRecorder{respond: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"type":"FeatureCollection"}`))
	}}
	c, endpoint := newServer(t, rec)
	resp, err := c.Submit(context.Background(), message.NewGetFeature(""), ogc.POST, endpoint)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := resp.Document(); !errors.Is(err, ErrNotXML) {
		t.Fatalf("err=%v want ErrNotXML", err)
	}
}

func TestSubmit_ExceptionReportIsNotAnError(t *testing.T) {
	rec := &wfsRecorder{respond: func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1" version="2.0.0">` +
			`<ows:Exception exceptionCode="InvalidParameterValue" locator="typeNames"/></ows:ExceptionReport>`))
	}}
	c, endpoint := newServer(t, rec)
	resp, err := c.Submit(context.Background(), message.NewGetFeature(""), ogc.GET, endpoint)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if resp.Status != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", resp.Status)
	}
	doc, err := resp.Document()
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if doc.Name.Local != "ExceptionReport" {
		t.Fatalf("root=%s", doc.Name.Local)
	}
}

func TestFetch_StatusAndBody(t *testing.T) {
	rec := &wfsRecorder{respond: func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing.xsd" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<xsd:schema xmlns:xsd="http://www.w3.org/2001/XMLSchema"/>`))
	}}
	c, endpoint := newServer(t, rec)

	b, err := c.Fetch(context.Background(), endpoint.ResolveReference(&url.URL{Path: "/schema.xsd"}))
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !strings.Contains(string(b), "xsd:schema") {
		t.Fatalf("unexpected body %q", b)
	}
	if _, err := c.Fetch(context.Background(), endpoint.ResolveReference(&url.URL{Path: "/missing.xsd"})); err == nil ||
		!strings.Contains(err.Error(), "upstream status 404") {
		t.Fatalf("err=%v want upstream status 404", err)
	}
}
