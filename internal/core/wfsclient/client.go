// Package wfsclient invokes WFS operations on the service under test,
// resolving endpoints and bindings from its capabilities.
package wfsclient

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"aqwari.net/xml/xmltree"

	"github.com/opengeospatial/ets-wfs20/internal/appschema"
	"github.com/opengeospatial/ets-wfs20/internal/core/capabilities"
	"github.com/opengeospatial/ets-wfs20/internal/core/message"
	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/transport"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

// ErrNotOffered means the service advertises no endpoint for an operation
// under the requested binding.
var ErrNotOffered = errors.New("operation not offered")

type Client struct {
	logger *slog.Logger
	desc   *capabilities.ServiceDescription
	tr     *transport.Client
}

func New(logger *slog.Logger, desc *capabilities.ServiceDescription, tr *transport.Client) *Client {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{logger: logger, desc: desc, tr: tr}
}

func (c *Client) Description() *capabilities.ServiceDescription { return c.desc }

// Version is the WFS version requests are issued with.
func (c *Client) Version() string {
	if v := c.desc.Version(); v != "" {
		return v
	}
	return ogc.V2_0_0
}

// Resolve picks the concrete binding and endpoint for op. ANY resolves to
// the most preferred binding the operation supports.
func (c *Client) Resolve(op string, b ogc.ProtocolBinding) (ogc.ProtocolBinding, *url.URL, error) {
	if b == ogc.ANY {
		pref, ok := c.desc.OperationBindings(op).Preferred()
		if !ok {
			return ogc.ANY, nil, fmt.Errorf("%w: %s has no advertised binding", ErrNotOffered, op)
		}
		b = pref
	}
	endpoint := c.desc.OperationEndpoint(op, b)
	if endpoint == nil || endpoint.Scheme == "" {
		return b, nil, fmt.Errorf("%w: %s via %s", ErrNotOffered, op, b)
	}
	return b, endpoint, nil
}

// Submit sends req using binding b; the operation is the request's root
// element name.
func (c *Client) Submit(ctx context.Context, req *xmldoc.Node, b ogc.ProtocolBinding) (*transport.Response, error) {
	b, endpoint, err := c.Resolve(req.Name.Local, b)
	if err != nil {
		return nil, err
	}
	return c.tr.Submit(ctx, req, b, endpoint)
}

// document submits req and returns the effective response document,
// whatever the status; exception reports are documents too.
func (c *Client) document(ctx context.Context, req *xmldoc.Node, b ogc.ProtocolBinding) (*xmltree.Element, error) {
	resp, err := c.Submit(ctx, req, b)
	if err != nil {
		return nil, err
	}
	doc, err := resp.Document()
	if err != nil {
		return nil, fmt.Errorf("%s response (status %d): %w", req.Name.Local, resp.Status, err)
	}
	return doc, nil
}

// GetFeatureByType fetches at most count instances of a feature type; a
// non-positive count leaves the limit to the service.
func (c *Client) GetFeatureByType(ctx context.Context, typeName xml.Name, count int, b ogc.ProtocolBinding) (*xmltree.Element, error) {
	req := message.NewGetFeature(c.Version())
	if count > 0 {
		message.SetCount(req, count)
	}
	message.AppendQuery(req, typeName)
	return c.GetFeature(ctx, req, b)
}

func (c *Client) GetFeature(ctx context.Context, req *xmldoc.Node, b ogc.ProtocolBinding) (*xmltree.Element, error) {
	return c.document(ctx, req, b)
}

// GetFeatureByID invokes the GetFeatureById stored query; the response is
// the bare feature, not a collection.
func (c *Client) GetFeatureByID(ctx context.Context, id string, b ogc.ProtocolBinding) (*xmltree.Element, error) {
	return c.document(ctx, message.NewGetFeatureByID(c.Version(), id), b)
}

// InvokeStoredQuery runs a stored query with the given parameters using the
// preferred GetFeature binding.
func (c *Client) InvokeStoredQuery(ctx context.Context, id string, params ...message.Param) (*xmltree.Element, error) {
	req := message.NewGetFeature(c.Version())
	message.AppendStoredQuery(req, id, params...)
	return c.document(ctx, req, ogc.ANY)
}

// AnyTransactionBinding is the preferred binding for Transaction, or ANY
// when the service offers none.
func (c *Client) AnyTransactionBinding() ogc.ProtocolBinding {
	b, _ := c.desc.OperationBindings(ogc.Transaction).Preferred()
	return b
}

// Transaction submits a transaction request built with the message package.
func (c *Client) Transaction(ctx context.Context, tx *xmldoc.Node, b ogc.ProtocolBinding) (*xmltree.Element, error) {
	return c.document(ctx, tx, b)
}

// Insert adds features and returns the TransactionResponse.
func (c *Client) Insert(ctx context.Context, b ogc.ProtocolBinding, features ...*xmldoc.Node) (*xmltree.Element, error) {
	tx := message.NewTransaction(c.Version())
	if err := message.AddInsert(tx, features...); err != nil {
		return nil, err
	}
	return c.Transaction(ctx, tx, b)
}

func (c *Client) UpdateFeature(ctx context.Context, typeName xml.Name, id string, b ogc.ProtocolBinding, props ...message.Property) (*xmltree.Element, error) {
	tx := message.NewTransaction(c.Version())
	if err := message.AddUpdate(tx, typeName, id, props...); err != nil {
		return nil, err
	}
	return c.Transaction(ctx, tx, b)
}

func (c *Client) DeleteFeatures(ctx context.Context, typeName xml.Name, b ogc.ProtocolBinding, ids ...string) (*xmltree.Element, error) {
	tx := message.NewTransaction(c.Version())
	if err := message.AddDelete(tx, typeName, ids...); err != nil {
		return nil, err
	}
	return c.Transaction(ctx, tx, b)
}

// TransactionSummary reads the totalInserted, totalUpdated, totalReplaced
// and totalDeleted counts of a TransactionResponse.
func TransactionSummary(resp *xmltree.Element) map[string]string {
	out := map[string]string{}
	summary := xmldoc.Child(resp, ogc.NSWFS, "TransactionSummary")
	if summary == nil {
		return out
	}
	for i := range summary.Children {
		out[summary.Children[i].Name.Local] = xmldoc.TrimmedText(&summary.Children[i])
	}
	return out
}

// ListStoredQueries returns the identifiers of the stored queries offered.
func (c *Client) ListStoredQueries(ctx context.Context, b ogc.ProtocolBinding) ([]string, error) {
	doc, err := c.document(ctx, message.NewListStoredQueries(c.Version()), b)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, sq := range xmldoc.Children(doc, ogc.NSWFS, "StoredQuery") {
		ids = append(ids, sq.Attr("", "id"))
	}
	return ids, nil
}

// DropStoredQuery removes a stored query; the raw response is returned so
// callers can check the status.
func (c *Client) DropStoredQuery(ctx context.Context, id string, b ogc.ProtocolBinding) (*transport.Response, error) {
	return c.Submit(ctx, message.NewDropStoredQuery(c.Version(), id), b)
}

func (c *Client) GetCapabilities(ctx context.Context, b ogc.ProtocolBinding) (*xmltree.Element, error) {
	return c.document(ctx, message.NewGetCapabilities(c.Version()), b)
}

// DescribeFeatureType returns the raw schema document for the given types
// (all types when none are named).
func (c *Client) DescribeFeatureType(ctx context.Context, b ogc.ProtocolBinding, typeNames ...xml.Name) ([]byte, error) {
	resp, err := c.Submit(ctx, message.NewDescribeFeatureType(c.Version(), typeNames...), b)
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return nil, fmt.Errorf("upstream status %d: %s", resp.Status, truncate(resp.Body, 512))
	}
	return resp.Body, nil
}

// Fetcher returns an appschema.Fetcher that reads schema documents with the
// client's transport, or from disk for file URLs and bare paths.
func (c *Client) Fetcher() appschema.Fetcher {
	return func(ctx context.Context, loc *url.URL) ([]byte, error) {
		if loc.Scheme == "" || loc.Scheme == "file" {
			b, err := os.ReadFile(loc.Path)
			if err != nil {
				return nil, fmt.Errorf("read schema: %w", err)
			}
			return b, nil
		}
		return c.tr.Fetch(ctx, loc)
	}
}

// LoadSchema resolves the application schema of the service: loc when
// given, otherwise the DescribeFeatureType GET endpoint.
func (c *Client) LoadSchema(ctx context.Context, loc *url.URL) (*appschema.Schema, error) {
	if loc == nil {
		var err error
		if loc, err = c.desc.SchemaLocation(); err != nil {
			return nil, err
		}
	}
	c.logger.Debug("load application schema", "location", loc.Redacted())
	s, err := appschema.Resolve(ctx, c.Fetcher(), loc)
	if err != nil {
		return nil, fmt.Errorf("application schema: %w", err)
	}
	return s, nil
}

func truncate(b []byte, n int) string {
	if len(b) > n {
		return string(b[:n]) + "..."
	}
	return string(b)
}
