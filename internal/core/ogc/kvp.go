package ogc

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

// KVP maps a canonical XML request entity to the key-value pairs of the GET
// binding. The mapping is structural and deterministic: the same entity
// always yields the same query string. Filter expressions that have no
// simpler KVP form are carried as XML text in the filter parameter.
func KVP(req *xmldoc.Node) (url.Values, error) {
	if req == nil {
		return nil, fmt.Errorf("kvp: nil request")
	}
	if req.Name.Space != NSWFS {
		return nil, fmt.Errorf("kvp: %s is not a WFS request", xmldoc.String(req.Name))
	}
	params := url.Values{}
	params.Set("service", valueOr(req.Attr("", "service"), ServiceType))
	params.Set("request", req.Name.Local)
	if req.Name.Local != GetCapabilities {
		params.Set("version", valueOr(req.Attr("", "version"), V2_0_0))
	}
	for _, a := range req.Attrs {
		if a.Name.Space != "" {
			continue
		}
		switch a.Name.Local {
		case "service", "version":
			continue
		case "id":
			if req.Name.Local == DropStoredQuery {
				params.Set("storedQuery_id", a.Value)
				continue
			}
		}
		params.Set(a.Name.Local, a.Value)
	}

	scope := declsOf(nil, req)
	switch req.Name.Local {
	case GetCapabilities:
		if av := req.Child(NSOWS, "AcceptVersions"); av != nil {
			var vs []string
			for _, v := range av.ChildrenNamed(NSOWS, "Version") {
				vs = append(vs, strings.TrimSpace(v.Text))
			}
			params.Set("acceptVersions", strings.Join(vs, ","))
		}
		return params, nil
	case DescribeFeatureType:
		var names []string
		used := map[string]bool{}
		for _, tn := range req.ChildrenNamed(NSWFS, "TypeName") {
			name := strings.TrimSpace(tn.Text)
			names = append(names, name)
			markPrefixes(used, name)
		}
		if len(names) > 0 {
			params.Set("typeName", strings.Join(names, ","))
		}
		setNamespaces(params, scope, used)
		return params, nil
	case DescribeStoredQueries:
		var ids []string
		for _, id := range req.ChildrenNamed(NSWFS, "StoredQueryId") {
			ids = append(ids, strings.TrimSpace(id.Text))
		}
		if len(ids) > 0 {
			params.Set("storedQuery_id", strings.Join(ids, ","))
		}
		return params, nil
	case Transaction:
		return nil, fmt.Errorf("kvp: no KVP encoding is defined for %s", Transaction)
	}

	queries := req.ChildrenNamed(NSWFS, "Query")
	if len(queries) > 0 {
		if err := setQueryParams(params, scope, queries); err != nil {
			return nil, err
		}
	}
	if sq := req.Child(NSWFS, "StoredQuery"); sq != nil {
		params.Set("storedQuery_id", sq.Attr("", "id"))
		for _, p := range sq.ChildrenNamed(NSWFS, "Parameter") {
			name := p.Attr("", "name")
			if name == "" {
				continue
			}
			if len(p.Children) > 0 {
				frag := p.Children[0].Clone()
				for _, d := range declsOf(scope, p) {
					frag.Declare(d.Prefix, d.URI)
				}
				params.Set(name, string(xmldoc.Marshal(frag)))
				continue
			}
			params.Set(name, strings.TrimSpace(p.Text))
		}
	}
	return params, nil
}

func setQueryParams(params url.Values, scope []xmldoc.NS, queries []*xmldoc.Node) error {
	var typeNames, filters, resourceIDs, sortBys, propNames, srsNames, aliases []string
	used := map[string]bool{}
	anyFilter, anyRID, anySort, anyProps := false, false, false, false
	for _, q := range queries {
		qscope := declsOf(scope, q)
		tn := strings.Join(strings.Fields(q.Attr("", "typeNames")), ",")
		if tn == "" {
			return fmt.Errorf("kvp: wfs:Query without typeNames")
		}
		typeNames = append(typeNames, tn)
		markPrefixes(used, tn)
		if s := q.Attr("", "srsName"); s != "" {
			srsNames = append(srsNames, s)
		}
		if s := q.Attr("", "aliases"); s != "" {
			aliases = append(aliases, strings.Join(strings.Fields(s), ","))
		}

		var fstr, rids string
		if f := q.Child(NSFES, "Filter"); f != nil {
			if ids, ok := resourceIDsOnly(f); ok {
				rids = strings.Join(ids, ",")
				anyRID = true
			} else {
				frag := f.Clone()
				for _, d := range qscope {
					if _, declared := frag.PrefixFor(d.URI); !declared {
						frag.Declare(d.Prefix, d.URI)
					}
				}
				fstr = string(xmldoc.Marshal(frag))
				anyFilter = true
			}
		}
		filters = append(filters, fstr)
		resourceIDs = append(resourceIDs, rids)

		var sb []string
		if s := q.Child(NSFES, "SortBy"); s != nil {
			for _, prop := range s.ChildrenNamed(NSFES, "SortProperty") {
				ref := ""
				if vr := prop.Child(NSFES, "ValueReference"); vr != nil {
					ref = strings.TrimSpace(vr.Text)
				}
				order := "ASC"
				if so := prop.Child(NSFES, "SortOrder"); so != nil && strings.TrimSpace(so.Text) != "" {
					order = strings.ToUpper(strings.TrimSpace(so.Text))
				}
				sb = append(sb, ref+" "+order)
			}
			anySort = true
		}
		sortBys = append(sortBys, strings.Join(sb, ","))

		var pn []string
		for _, p := range q.ChildrenNamed(NSWFS, "PropertyName") {
			pn = append(pn, strings.TrimSpace(p.Text))
			anyProps = true
		}
		propNames = append(propNames, strings.Join(pn, ","))
	}

	params.Set("typeNames", group(typeNames))
	if anyFilter {
		params.Set("filter", group(filters))
	}
	if anyRID {
		params.Set("resourceId", group(resourceIDs))
	}
	if anySort {
		params.Set("sortBy", group(sortBys))
	}
	if anyProps {
		params.Set("propertyName", group(propNames))
	}
	if len(srsNames) > 0 {
		params.Set("srsName", srsNames[0])
	}
	if len(aliases) > 0 {
		params.Set("aliases", group(aliases))
	}
	for _, q := range queries {
		scope = declsOf(scope, q)
	}
	setNamespaces(params, scope, used)
	return nil
}

// group joins per-query values; several queries use the parenthesised list
// form of the WFS KVP encoding.
func group(vals []string) string {
	if len(vals) == 1 {
		return vals[0]
	}
	var b strings.Builder
	for _, v := range vals {
		b.WriteString("(" + v + ")")
	}
	return b.String()
}

func resourceIDsOnly(filter *xmldoc.Node) ([]string, bool) {
	if len(filter.Children) == 0 {
		return nil, false
	}
	ids := make([]string, 0, len(filter.Children))
	for _, c := range filter.Children {
		if c.Name.Space != NSFES || c.Name.Local != "ResourceId" {
			return nil, false
		}
		ids = append(ids, c.Attr("", "rid"))
	}
	return ids, true
}

func declsOf(parent []xmldoc.NS, n *xmldoc.Node) []xmldoc.NS {
	out := append([]xmldoc.NS(nil), parent...)
	for _, d := range n.Decls {
		replaced := false
		for i := range out {
			if out[i].Prefix == d.Prefix {
				out[i].URI = d.URI
				replaced = true
			}
		}
		if !replaced {
			out = append(out, d)
		}
	}
	return out
}

func markPrefixes(used map[string]bool, names string) {
	for _, n := range strings.FieldsFunc(names, func(r rune) bool { return r == ',' || r == ' ' }) {
		if p, _, ok := strings.Cut(n, ":"); ok {
			used[p] = true
		}
	}
}

func setNamespaces(params url.Values, scope []xmldoc.NS, used map[string]bool) {
	var decls []string
	for _, d := range scope {
		if d.Prefix == "" || !used[d.Prefix] {
			continue
		}
		decls = append(decls, fmt.Sprintf("xmlns(%s,%s)", d.Prefix, d.URI))
	}
	if len(decls) == 0 {
		return
	}
	sort.Strings(decls)
	params.Set("namespaces", strings.Join(decls, ","))
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
