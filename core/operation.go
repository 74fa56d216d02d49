package core

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Operation represents a request operation on a resource, one of
// Get, List, Post, Put, Patch, Delete, or one of the relationship
// sub-operations.
type Operation string

// all supported operations
const (
	OperationGet    Operation = "get"
	OperationList   Operation = "list"
	OperationPost   Operation = "post"
	OperationPut    Operation = "put"
	OperationPatch  Operation = "patch"
	OperationDelete Operation = "delete"

	// relationship sub-operations
	OperationRelGet    Operation = "rel-get"
	OperationRelPost   Operation = "rel-post"
	OperationRelPatch  Operation = "rel-patch"
	OperationRelDelete Operation = "rel-delete"
)

// UnmarshalJSON is a custom JSON unmarshaller
func (o *Operation) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*o = Operation(s)
	switch *o {
	case OperationGet, OperationList, OperationPost, OperationPut,
		OperationPatch, OperationDelete,
		OperationRelGet, OperationRelPost, OperationRelPatch, OperationRelDelete:
		return nil
	default:
		return fmt.Errorf("%s is not a valid Operation", s)
	}
}

// AuthOperation maps relationship sub-operations to the primary operation
// that carries their authorization rules: relationship reads authorize as
// get, relationship writes as patch.
func (o Operation) AuthOperation() Operation {
	switch o {
	case OperationRelGet:
		return OperationGet
	case OperationRelPost, OperationRelPatch, OperationRelDelete:
		return OperationPatch
	default:
		return o
	}
}

// IsWrite returns true for operations that modify storage.
func (o Operation) IsWrite() bool {
	switch o {
	case OperationPost, OperationPut, OperationPatch, OperationDelete,
		OperationRelPost, OperationRelPatch, OperationRelDelete:
		return true
	}
	return false
}

// Plural returns the plural form of the passed singular string.
//
// This is the algorithm used to create idiomatic REST routes.
func Plural(singular string) string {
	if strings.HasSuffix(singular, "y") {
		return strings.TrimSuffix(singular, "y") + "ies"
	}
	if strings.HasSuffix(singular, "child") {
		return strings.TrimSuffix(singular, "child") + "children"
	}
	return singular + "s"
}
