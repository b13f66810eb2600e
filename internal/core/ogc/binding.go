package ogc

import (
	"fmt"
	"net/http"
	"strings"
)

// ProtocolBinding is the wire encoding used to carry a request. ANY is the
// zero value and must be resolved to a concrete binding before transport.
type ProtocolBinding int

const (
	ANY ProtocolBinding = iota
	GET
	POST
	SOAP
)

// Preference is the order in which ANY is resolved and in which sampling
// tries bindings.
var Preference = []ProtocolBinding{POST, SOAP, GET}

func (b ProtocolBinding) String() string {
	switch b {
	case GET:
		return "GET"
	case POST:
		return "POST"
	case SOAP:
		return "SOAP"
	default:
		return "ANY"
	}
}

// ConstraintName is the capabilities constraint that advertises the binding.
func (b ProtocolBinding) ConstraintName() string {
	switch b {
	case GET:
		return KVPEncoding
	case POST:
		return XMLEncoding
	case SOAP:
		return SOAPEncoding
	default:
		return ""
	}
}

// Method is the HTTP method that carries the binding; SOAP rides on POST.
func (b ProtocolBinding) Method() string {
	switch b {
	case GET:
		return http.MethodGet
	case POST, SOAP:
		return http.MethodPost
	default:
		return ""
	}
}

// Concrete reports whether b can be put on the wire.
func (b ProtocolBinding) Concrete() bool {
	return b == GET || b == POST || b == SOAP
}

func ParseBinding(s string) (ProtocolBinding, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "GET", "KVP":
		return GET, nil
	case "POST", "XML":
		return POST, nil
	case "SOAP":
		return SOAP, nil
	case "ANY", "":
		return ANY, nil
	}
	return ANY, fmt.Errorf("unknown protocol binding %q", s)
}

// BindingSet is a set of concrete bindings.
type BindingSet uint8

func NewBindingSet(bs ...ProtocolBinding) BindingSet {
	var s BindingSet
	for _, b := range bs {
		s = s.Add(b)
	}
	return s
}

func (s BindingSet) Add(b ProtocolBinding) BindingSet {
	if !b.Concrete() {
		return s
	}
	return s | 1<<uint(b)
}

func (s BindingSet) Remove(b ProtocolBinding) BindingSet {
	return s &^ (1 << uint(b))
}

func (s BindingSet) Union(o BindingSet) BindingSet { return s | o }

func (s BindingSet) Has(b ProtocolBinding) bool {
	return b.Concrete() && s&(1<<uint(b)) != 0
}

func (s BindingSet) Len() int {
	n := 0
	for _, b := range Preference {
		if s.Has(b) {
			n++
		}
	}
	return n
}

func (s BindingSet) Empty() bool { return s.Len() == 0 }

// Slice lists the members in preference order.
func (s BindingSet) Slice() []ProtocolBinding {
	out := make([]ProtocolBinding, 0, 3)
	for _, b := range Preference {
		if s.Has(b) {
			out = append(out, b)
		}
	}
	return out
}

// Preferred returns the first member in preference order.
func (s BindingSet) Preferred() (ProtocolBinding, bool) {
	for _, b := range Preference {
		if s.Has(b) {
			return b, true
		}
	}
	return ANY, false
}

func (s BindingSet) String() string {
	names := make([]string, 0, 3)
	for _, b := range s.Slice() {
		names = append(names, b.String())
	}
	return "{" + strings.Join(names, ",") + "}"
}
