package errors

import (
	"fmt"
)

// The typed errors below predate the Kind taxonomy (taxonomy.go) and stay
// exported so callers can errors.As them directly. Each one also reports
// the taxonomy Kind it maps to, so KindOf classifies old and new errors
// through a single path.

type TableAlreadyExistsError struct {
	Name string
}

func (e *TableAlreadyExistsError) Error() string {
	return fmt.Sprintf("table %q already exists", e.Name)
}

func (e *TableAlreadyExistsError) TaxonomyKind() Kind { return KindConstraint }

type TableNotFoundError struct {
	Name string
}

func (e *TableNotFoundError) Error() string {
	return fmt.Sprintf("table %q not found", e.Name)
}

func (e *TableNotFoundError) TaxonomyKind() Kind { return KindNotFound }

type TwoPrimarykeysError struct {
	Total int
}

func (e *TwoPrimarykeysError) Error() string {
	return fmt.Sprintf("You have defined a total of %q primary keys. Only one primary key is allowed.", e.Total)
}

func (e *TwoPrimarykeysError) TaxonomyKind() Kind { return KindConstraint }

type PrimarykeyNotDefinedError struct {
	TableName string
}

func (e *PrimarykeyNotDefinedError) Error() string {
	return fmt.Sprintf("Primary key not defined. Table name: %q", e.TableName)
}

func (e *PrimarykeyNotDefinedError) TaxonomyKind() Kind { return KindConstraint }

type DuplicateKeyError struct {
	Key string
}

func (e *DuplicateKeyError) Error() string {
	return fmt.Sprintf("duplicate key violation: key %q already exists in unique index", e.Key)
}

func (e *DuplicateKeyError) TaxonomyKind() Kind { return KindConstraint }

type IndexNotFoundError struct {
	Name string
}

func (e *IndexNotFoundError) Error() string {
	return fmt.Sprintf("index %q not found", e.Name)
}

func (e *IndexNotFoundError) TaxonomyKind() Kind { return KindNotFound }

type InvalidKeyTypeError struct {
	Name     string
	TypeName string
}

func (e *InvalidKeyTypeError) Error() string {
	return fmt.Sprintf("invalid key type for index %q: %s", e.Name, e.TypeName)
}

func (e *InvalidKeyTypeError) TaxonomyKind() Kind { return KindConstraint }
