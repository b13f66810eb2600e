package message

import (
	"encoding/xml"
	"fmt"

	"github.com/opengeospatial/ets-wfs20/internal/core/ogc"
	"github.com/opengeospatial/ets-wfs20/internal/core/xmldoc"
)

func NewTransaction(version string) *xmldoc.Node {
	return newRequest(ogc.Transaction, version)
}

func checkTransaction(tx *xmldoc.Node) error {
	if tx.Name.Space != ogc.NSWFS || tx.Name.Local != ogc.Transaction {
		return fmt.Errorf("%w: %s is not a Transaction request", ErrWrongRequest, tx.Name.Local)
	}
	return nil
}

// AddInsert appends a wfs:Insert with copies of the given features.
func AddInsert(tx *xmldoc.Node, features ...*xmldoc.Node) error {
	if err := checkTransaction(tx); err != nil {
		return err
	}
	insert := xmldoc.Elem(ogc.NSWFS, "Insert")
	for _, f := range features {
		insert.Append(f.Clone())
	}
	tx.Append(insert)
	return nil
}

// Property is a new value for a feature property in an Update action. A nil
// Value clears the property.
type Property struct {
	Name  xml.Name
	Value Literal
}

// AddUpdate appends a wfs:Update of the identified feature.
func AddUpdate(tx *xmldoc.Node, typeName xml.Name, id string, props ...Property) error {
	if err := checkTransaction(tx); err != nil {
		return err
	}
	update := xmldoc.Elem(ogc.NSWFS, "Update").SetAttr("", "typeName", QName(tx, typeName))
	for _, p := range props {
		val := xmldoc.Elem(ogc.NSWFS, "Value")
		if p.Value != nil {
			p.Value.apply(val)
		}
		update.Append(xmldoc.Elem(ogc.NSWFS, "Property",
			xmldoc.Elem(ogc.NSWFS, "ValueReference").SetText(QName(tx, p.Name)),
			val,
		))
	}
	update.Append(NewResourceIDFilter(id))
	tx.Append(update)
	return nil
}

// AddDelete appends a wfs:Delete of the identified features.
func AddDelete(tx *xmldoc.Node, typeName xml.Name, ids ...string) error {
	if err := checkTransaction(tx); err != nil {
		return err
	}
	tx.Append(xmldoc.Elem(ogc.NSWFS, "Delete", NewResourceIDFilter(ids...)).
		SetAttr("", "typeName", QName(tx, typeName)))
	return nil
}

// AddReplace appends a wfs:Replace for each feature, identified by its
// gml:id.
func AddReplace(tx *xmldoc.Node, features ...*xmldoc.Node) error {
	if err := checkTransaction(tx); err != nil {
		return err
	}
	for _, f := range features {
		id := f.Attr(ogc.NSGML, "id")
		if id == "" {
			return fmt.Errorf("replacement %s has no gml:id", f.Name.Local)
		}
		tx.Append(xmldoc.Elem(ogc.NSWFS, "Replace", f.Clone(), NewResourceIDFilter(id)))
	}
	return nil
}
