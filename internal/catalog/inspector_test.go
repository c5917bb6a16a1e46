package catalog

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/smithy-go"
)

type fakeGlue struct {
	table    *types.Table
	pages    [][]types.Table
	err      error
	getCalls int
}

func (f *fakeGlue) GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error) {
	f.getCalls++
	if f.err != nil {
		return nil, f.err
	}
	return &glue.GetTableOutput{Table: f.table}, nil
}

func (f *fakeGlue) GetTables(ctx context.Context, params *glue.GetTablesInput, optFns ...func(*glue.Options)) (*glue.GetTablesOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	page := 0
	if params.NextToken != nil {
		page = 1
	}
	out := &glue.GetTablesOutput{TableList: f.pages[page]}
	if page == 0 && len(f.pages) > 1 {
		out.NextToken = aws.String("page-2")
	}
	return out, nil
}

func icebergTable(name string, version string, metadataLocation string) types.Table {
	return types.Table{
		Name:      aws.String(name),
		VersionId: aws.String("v42"),
		Parameters: map[string]string{
			"table_type":        "ICEBERG",
			"format-version":    version,
			"metadata_location": metadataLocation,
		},
		StorageDescriptor: &types.StorageDescriptor{
			Location: aws.String("s3://bucket/warehouse/db/" + name),
		},
	}
}

func TestParseRefs(t *testing.T) {
	refs := ParseRefs("sales", "orders, customers,,  items ")
	want := []TableRef{
		{Database: "sales", Name: "orders"},
		{Database: "sales", Name: "customers"},
		{Database: "sales", Name: "items"},
	}
	if len(refs) != len(want) {
		t.Fatalf("got %d refs, want %d", len(refs), len(want))
	}
	for i := range want {
		if refs[i] != want[i] {
			t.Errorf("refs[%d] = %v, want %v", i, refs[i], want[i])
		}
	}
}

func TestGetTableState(t *testing.T) {
	tbl := icebergTable("orders", "2", "s3://bucket/warehouse/db/orders/metadata/00003-abc.metadata.json")
	svc := &fakeGlue{table: &tbl}
	inspector := &Inspector{svc: svc}

	state, err := inspector.GetTableState(context.Background(), TableRef{Database: "sales", Name: "orders"})
	if err != nil {
		t.Fatalf("GetTableState: %v", err)
	}

	if !state.IsIceberg {
		t.Error("expected IsIceberg true")
	}
	if state.FormatVersion != 2 {
		t.Errorf("FormatVersion = %d, want 2", state.FormatVersion)
	}
	if state.MetadataLocation != "s3://bucket/warehouse/db/orders/metadata/00003-abc.metadata.json" {
		t.Errorf("unexpected MetadataLocation %q", state.MetadataLocation)
	}
	if state.Location != "s3://bucket/warehouse/db/orders" {
		t.Errorf("unexpected Location %q", state.Location)
	}
	if aws.ToString(state.GlueVersionID) != "v42" {
		t.Errorf("GlueVersionID = %v, want v42", state.GlueVersionID)
	}
}

func TestGetTableStateNonIceberg(t *testing.T) {
	svc := &fakeGlue{table: &types.Table{
		Name:       aws.String("legacy_csv"),
		Parameters: map[string]string{"classification": "csv"},
	}}
	inspector := &Inspector{svc: svc}

	state, err := inspector.GetTableState(context.Background(), TableRef{Database: "sales", Name: "legacy_csv"})
	if err != nil {
		t.Fatalf("GetTableState: %v", err)
	}
	if state.IsIceberg {
		t.Error("expected IsIceberg false for non-Iceberg table")
	}
	if state.FormatVersion != 0 {
		t.Errorf("FormatVersion = %d, want 0", state.FormatVersion)
	}
}

type fakeAPIError struct {
	code string
}

func (e *fakeAPIError) Error() string                 { return e.code }
func (e *fakeAPIError) ErrorCode() string             { return e.code }
func (e *fakeAPIError) ErrorMessage() string          { return "denied" }
func (e *fakeAPIError) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestGetTableStateErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"not found", &types.EntityNotFoundException{}, ErrTableNotFound},
		{"access denied", &fakeAPIError{code: "AccessDeniedException"}, ErrPermissionDenied},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inspector := &Inspector{svc: &fakeGlue{err: tt.err}}
			_, err := inspector.GetTableState(context.Background(), TableRef{Database: "sales", Name: "orders"})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want errors.Is %v", err, tt.want)
			}
		})
	}
}

func TestListTableStatesPaginates(t *testing.T) {
	svc := &fakeGlue{pages: [][]types.Table{
		{icebergTable("a", "2", ""), icebergTable("b", "3", "")},
		{{Name: aws.String("c"), Parameters: map[string]string{}}},
	}}
	inspector := &Inspector{svc: svc}

	var names []string
	for state, err := range inspector.ListTableStates(context.Background(), "sales") {
		if err != nil {
			t.Fatalf("ListTableStates: %v", err)
		}
		names = append(names, state.Ref.Name)
	}

	want := []string{"a", "b", "c"}
	if len(names) != len(want) {
		t.Fatalf("got %d tables, want %d", len(names), len(want))
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}

func TestListTableStatesEarlyStop(t *testing.T) {
	svc := &fakeGlue{pages: [][]types.Table{
		{icebergTable("a", "2", ""), icebergTable("b", "2", "")},
		{icebergTable("c", "2", "")},
	}}
	inspector := &Inspector{svc: svc}

	count := 0
	for range inspector.ListTableStates(context.Background(), "sales") {
		count++
		break
	}
	if count != 1 {
		t.Errorf("consumed %d states after break, want 1", count)
	}
}
