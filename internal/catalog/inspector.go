// Package catalog reads table state from the AWS Glue Data Catalog.
//
// The catalog is externally mutable: Spark commits move the metadata pointer
// and format version underneath us. State is therefore read fresh on every
// call and never cached.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/smithy-go"
)

const (
	// Glue table parameter keys, same conventions as pyiceberg and iceberg-go
	paramTableType        = "table_type"
	paramFormatVersion    = "format-version"
	paramMetadataLocation = "metadata_location"

	tableTypeIceberg = "ICEBERG"
)

var (
	// ErrTableNotFound indicates the table does not exist in the catalog
	ErrTableNotFound = errors.New("table not found in catalog")
	// ErrPermissionDenied indicates the caller lacks catalog read access
	ErrPermissionDenied = errors.New("catalog access denied")
)

// TableRef identifies a table by database and name.
type TableRef struct {
	Database string
	Name     string
}

func (r TableRef) String() string {
	return r.Database + "." + r.Name
}

// ParseRefs builds TableRefs for a database from a comma-separated name list.
func ParseRefs(database, names string) []TableRef {
	var refs []TableRef
	for _, name := range strings.Split(names, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			refs = append(refs, TableRef{Database: database, Name: name})
		}
	}
	return refs
}

// TableState is a point-in-time view of a table's catalog entry.
type TableState struct {
	Ref              TableRef
	FormatVersion    int
	IsIceberg        bool
	Location         string
	MetadataLocation string
	// GlueVersionID supports optimistic locking on catalog writes
	GlueVersionID *string
}

type glueAPI interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	GetTables(ctx context.Context, params *glue.GetTablesInput, optFns ...func(*glue.Options)) (*glue.GetTablesOutput, error)
}

// Inspector queries the Glue catalog for table state.
type Inspector struct {
	svc       glueAPI
	catalogID *string
}

// NewInspector creates an Inspector backed by the Glue service.
// catalogID may be empty to use the caller's account.
func NewInspector(awsCfg aws.Config, catalogID string) *Inspector {
	var id *string
	if catalogID != "" {
		id = aws.String(catalogID)
	}
	return &Inspector{svc: glue.NewFromConfig(awsCfg), catalogID: id}
}

// GetTableState reads the current catalog entry for a table. Side-effect free.
func (i *Inspector) GetTableState(ctx context.Context, ref TableRef) (*TableState, error) {
	out, err := i.svc.GetTable(ctx, &glue.GetTableInput{
		CatalogId:    i.catalogID,
		DatabaseName: aws.String(ref.Database),
		Name:         aws.String(ref.Name),
	})
	if err != nil {
		return nil, classifyGlueError(ref, err)
	}

	return stateFromGlueTable(ref.Database, out.Table), nil
}

// ListTableStates enumerates every table in a database as a lazy, restartable
// sequence. Used by --all batch resolution and list mode.
func (i *Inspector) ListTableStates(ctx context.Context, database string) iter.Seq2[*TableState, error] {
	return func(yield func(*TableState, error) bool) {
		paginator := glue.NewGetTablesPaginator(i.svc, &glue.GetTablesInput{
			CatalogId:    i.catalogID,
			DatabaseName: aws.String(database),
		})

		for paginator.HasMorePages() {
			page, err := paginator.NextPage(ctx)
			if err != nil {
				yield(nil, classifyGlueError(TableRef{Database: database}, err))
				return
			}
			for idx := range page.TableList {
				if !yield(stateFromGlueTable(database, &page.TableList[idx]), nil) {
					return
				}
			}
		}
	}
}

func stateFromGlueTable(database string, tbl *types.Table) *TableState {
	state := &TableState{
		Ref:           TableRef{Database: database, Name: aws.ToString(tbl.Name)},
		GlueVersionID: tbl.VersionId,
	}
	if tbl.StorageDescriptor != nil {
		state.Location = aws.ToString(tbl.StorageDescriptor.Location)
	}

	params := tbl.Parameters
	state.IsIceberg = strings.EqualFold(params[paramTableType], tableTypeIceberg)
	state.MetadataLocation = params[paramMetadataLocation]
	if v, err := strconv.Atoi(params[paramFormatVersion]); err == nil {
		state.FormatVersion = v
	}

	return state
}

func classifyGlueError(ref TableRef, err error) error {
	var notFound *types.EntityNotFoundException
	if errors.As(err, &notFound) {
		return fmt.Errorf("%s: %w", ref, ErrTableNotFound)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AccessDeniedException" {
		return fmt.Errorf("%s: %w: %s", ref, ErrPermissionDenied, apiErr.ErrorMessage())
	}

	return fmt.Errorf("catalog read for %s: %w", ref, err)
}
