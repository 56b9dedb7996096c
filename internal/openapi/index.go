// Package openapi loads OpenAPI specifications for the backend services and
// indexes their operations. The index is used at startup to verify that the
// operations the intake clients depend on actually exist in the published
// contracts; it is not consulted per request.
package openapi

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// SpecSource describes an OpenAPI spec file to load.
type SpecSource struct {
	ServiceID string
	SpecPath  string
}

// IndexedOperation holds a resolved OpenAPI operation.
type IndexedOperation struct {
	ServiceID    string
	OperationID  string
	Method       string
	PathTemplate string
}

// Index is an in-memory index of OpenAPI operations keyed by
// (serviceID, operationID).
type Index struct {
	operations map[string]IndexedOperation
	byService  map[string][]string
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]IndexedOperation),
		byService:  make(map[string][]string),
	}
}

func operationKey(serviceID, operationID string) string {
	return serviceID + ":" + operationID
}

// Load parses OpenAPI specs from the given sources and indexes all operations.
func (idx *Index) Load(specs []SpecSource) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	for _, src := range specs {
		doc, err := loader.LoadFromFile(src.SpecPath)
		if err != nil {
			return fmt.Errorf("openapi: loading %s (%s): %w", src.ServiceID, src.SpecPath, err)
		}
		if err := doc.Validate(context.Background()); err != nil {
			return fmt.Errorf("openapi: validating %s: %w", src.ServiceID, err)
		}

		for path, pathItem := range doc.Paths.Map() {
			for method, op := range pathItem.Operations() {
				if op.OperationID == "" {
					continue
				}
				indexed := IndexedOperation{
					ServiceID:    src.ServiceID,
					OperationID:  op.OperationID,
					Method:       method,
					PathTemplate: path,
				}
				idx.operations[operationKey(src.ServiceID, op.OperationID)] = indexed
				idx.byService[src.ServiceID] = append(idx.byService[src.ServiceID], op.OperationID)
			}
		}
		sort.Strings(idx.byService[src.ServiceID])
	}
	return nil
}

// GetOperation looks up an operation by service and operation id.
func (idx *Index) GetOperation(serviceID, operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationKey(serviceID, operationID)]
	return op, ok
}

// AllOperationIDs returns the sorted operation ids indexed for a service.
func (idx *Index) AllOperationIDs(serviceID string) []string {
	return idx.byService[serviceID]
}

// Require verifies that every named operation exists for the service.
// Services without a loaded spec are skipped: contract checks are opt-in.
func (idx *Index) Require(serviceID string, operationIDs ...string) error {
	if len(idx.byService[serviceID]) == 0 {
		return nil
	}
	var missing []string
	for _, opID := range operationIDs {
		if _, ok := idx.operations[operationKey(serviceID, opID)]; !ok {
			missing = append(missing, opID)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("openapi: service %s spec is missing operations: %s",
			serviceID, strings.Join(missing, ", "))
	}
	return nil
}
