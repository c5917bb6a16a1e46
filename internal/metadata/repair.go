// Package metadata repairs one known corruption in Iceberg table metadata:
// a document declaring format-version 3 without the required next-row-id
// field, left behind when a table is upgraded by an engine that predates row
// lineage. Such a table is unreadable by every engine until repaired.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
)

const (
	fieldFormatVersion = "format-version"
	fieldNextRowID     = "next-row-id"
	fieldSnapshots     = "snapshots"

	paramMetadataLocation         = "metadata_location"
	paramPreviousMetadataLocation = "previous_metadata_location"
)

// ErrPointerSwapConflict indicates a concurrent writer advanced the current
// metadata pointer between our read and our swap. Retryable once with a fresh
// read; never silently overwritten.
var ErrPointerSwapConflict = errors.New("metadata pointer advanced by concurrent writer")

// UnsupportedCorruptionError indicates the document is malformed in a way
// other than the one missing field. The repairer refuses to guess.
type UnsupportedCorruptionError struct {
	Location string
	Reason   string
}

func (e *UnsupportedCorruptionError) Error() string {
	return fmt.Sprintf("unsupported corruption in %s: %s", e.Location, e.Reason)
}

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type glueAPI interface {
	GetTable(ctx context.Context, params *glue.GetTableInput, optFns ...func(*glue.Options)) (*glue.GetTableOutput, error)
	UpdateTable(ctx context.Context, params *glue.UpdateTableInput, optFns ...func(*glue.Options)) (*glue.UpdateTableOutput, error)
}

// Repairer reads, corrects, and republishes table metadata documents.
type Repairer struct {
	s3c       s3API
	gluec     glueAPI
	catalogID *string
}

// NewRepairer creates a Repairer backed by S3 and Glue.
func NewRepairer(awsCfg aws.Config, catalogID string) *Repairer {
	var id *string
	if catalogID != "" {
		id = aws.String(catalogID)
	}
	return &Repairer{
		s3c:       s3.NewFromConfig(awsCfg),
		gluec:     glue.NewFromConfig(awsCfg),
		catalogID: id,
	}
}

// Check reports whether the table's current metadata document has the
// missing next-row-id corruption. Only the declared-V3-with-missing-field
// shape counts; any other malformation is an UnsupportedCorruptionError.
func (r *Repairer) Check(ctx context.Context, state *catalog.TableState) (bool, error) {
	doc, err := r.readDocument(ctx, state.MetadataLocation)
	if err != nil {
		return false, err
	}

	declared, err := declaredVersion(state.MetadataLocation, doc)
	if err != nil {
		return false, err
	}
	if declared != 3 {
		// Catalog says V3 but the document disagrees: not ours to fix.
		return false, &UnsupportedCorruptionError{
			Location: state.MetadataLocation,
			Reason:   fmt.Sprintf("catalog format-version %d but document declares %d", state.FormatVersion, declared),
		}
	}

	_, present := doc[fieldNextRowID]
	return !present, nil
}

// Repair synthesizes the missing next-row-id field, writes the corrected
// document as a new immutable version file, and atomically repoints the
// current metadata pointer. Returns the new metadata location.
func (r *Repairer) Repair(ctx context.Context, state *catalog.TableState) (string, error) {
	doc, err := r.readDocument(ctx, state.MetadataLocation)
	if err != nil {
		return "", err
	}

	declared, err := declaredVersion(state.MetadataLocation, doc)
	if err != nil {
		return "", err
	}
	if declared != 3 {
		return "", &UnsupportedCorruptionError{
			Location: state.MetadataLocation,
			Reason:   fmt.Sprintf("document declares format-version %d, expected 3", declared),
		}
	}
	if _, present := doc[fieldNextRowID]; present {
		return "", &UnsupportedCorruptionError{
			Location: state.MetadataLocation,
			Reason:   "next-row-id already present, nothing to repair",
		}
	}

	nextRowID, err := synthesizeNextRowID(state.MetadataLocation, doc)
	if err != nil {
		return "", err
	}
	doc[fieldNextRowID] = json.RawMessage(strconv.FormatInt(nextRowID, 10))

	newLocation, err := nextMetadataLocation(state.MetadataLocation)
	if err != nil {
		return "", err
	}

	corrected, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding corrected metadata: %w", err)
	}

	if err := r.writeDocument(ctx, newLocation, corrected); err != nil {
		return "", err
	}
	logging.Info("Wrote corrected metadata for %s: %s (next-row-id=%d)", state.Ref, newLocation, nextRowID)

	if err := r.swapPointer(ctx, state, newLocation); err != nil {
		return "", err
	}

	return newLocation, nil
}

func (r *Repairer) readDocument(ctx context.Context, location string) (map[string]json.RawMessage, error) {
	bucket, key, err := parseS3URI(location)
	if err != nil {
		return nil, err
	}

	out, err := r.s3c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("reading metadata %s: %w", location, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading metadata %s: %w", location, err)
	}

	// Unknown fields must survive the round trip untouched, so the document
	// is held as raw messages rather than a typed struct.
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &UnsupportedCorruptionError{Location: location, Reason: "document is not valid JSON: " + err.Error()}
	}
	return doc, nil
}

func (r *Repairer) writeDocument(ctx context.Context, location string, data []byte) error {
	bucket, key, err := parseS3URI(location)
	if err != nil {
		return err
	}

	// Conditional create: a new version file is never overwritten.
	_, err = r.s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        strings.NewReader(string(data)),
		ContentType: aws.String("application/json"),
		IfNoneMatch: aws.String("*"),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) && apiErr.ErrorCode() == "PreconditionFailed" {
			return fmt.Errorf("%s already exists: %w", location, ErrPointerSwapConflict)
		}
		return fmt.Errorf("writing metadata %s: %w", location, err)
	}
	return nil
}

// swapPointer advances the Glue metadata_location parameter, using the table
// VersionId for optimistic locking so a concurrent commit is detected rather
// than overwritten.
func (r *Repairer) swapPointer(ctx context.Context, state *catalog.TableState, newLocation string) error {
	out, err := r.gluec.GetTable(ctx, &glue.GetTableInput{
		CatalogId:    r.catalogID,
		DatabaseName: aws.String(state.Ref.Database),
		Name:         aws.String(state.Ref.Name),
	})
	if err != nil {
		return fmt.Errorf("re-reading table %s: %w", state.Ref, err)
	}

	tbl := out.Table
	if tbl.Parameters[paramMetadataLocation] != state.MetadataLocation {
		return fmt.Errorf("%s: pointer moved from %s to %s: %w",
			state.Ref, state.MetadataLocation, tbl.Parameters[paramMetadataLocation], ErrPointerSwapConflict)
	}
	if tbl.VersionId == nil {
		return fmt.Errorf("%s: Glue table version id missing, cannot swap pointer safely", state.Ref)
	}

	params := make(map[string]string, len(tbl.Parameters)+1)
	for k, v := range tbl.Parameters {
		params[k] = v
	}
	params[paramMetadataLocation] = newLocation
	params[paramPreviousMetadataLocation] = state.MetadataLocation

	_, err = r.gluec.UpdateTable(ctx, &glue.UpdateTableInput{
		CatalogId:    r.catalogID,
		DatabaseName: aws.String(state.Ref.Database),
		TableInput: &gluetypes.TableInput{
			Name:              tbl.Name,
			Description:       tbl.Description,
			Owner:             tbl.Owner,
			Parameters:        params,
			PartitionKeys:     tbl.PartitionKeys,
			StorageDescriptor: tbl.StorageDescriptor,
			TableType:         tbl.TableType,
		},
		VersionId:   tbl.VersionId,
		SkipArchive: aws.Bool(true),
	})
	if err != nil {
		var conflict *gluetypes.ConcurrentModificationException
		if errors.As(err, &conflict) {
			return fmt.Errorf("%s: %w", state.Ref, ErrPointerSwapConflict)
		}
		return fmt.Errorf("updating metadata pointer for %s: %w", state.Ref, err)
	}
	return nil
}

// synthesizeNextRowID derives a deterministic initial value from snapshot
// history. An empty or absent snapshot list means zero rows were ever
// written, so zero is exact. Snapshots without total-records summaries leave
// no safe basis for a value, so that case is refused.
func synthesizeNextRowID(location string, doc map[string]json.RawMessage) (int64, error) {
	raw, ok := doc[fieldSnapshots]
	if !ok {
		return 0, nil
	}

	var snapshots []struct {
		Summary map[string]string `json:"summary"`
	}
	if err := json.Unmarshal(raw, &snapshots); err != nil {
		return 0, &UnsupportedCorruptionError{Location: location, Reason: "snapshots field is malformed: " + err.Error()}
	}
	if len(snapshots) == 0 {
		return 0, nil
	}

	var max int64 = -1
	for _, snap := range snapshots {
		total, ok := snap.Summary["total-records"]
		if !ok {
			continue
		}
		n, err := strconv.ParseInt(total, 10, 64)
		if err != nil || n < 0 {
			continue
		}
		if n > max {
			max = n
		}
	}
	if max < 0 {
		return 0, &UnsupportedCorruptionError{
			Location: location,
			Reason:   "snapshot history present but no snapshot records total-records; refusing to guess next-row-id",
		}
	}
	return max, nil
}

var metadataFileRe = regexp.MustCompile(`^(\d+)-.*\.metadata\.json$`)

// nextMetadataLocation derives the next version file name alongside the
// current one, following the NNNNN-uuid.metadata.json convention.
func nextMetadataLocation(current string) (string, error) {
	dir, file := path.Split(current)
	m := metadataFileRe.FindStringSubmatch(file)
	if m == nil {
		return "", &UnsupportedCorruptionError{
			Location: current,
			Reason:   "cannot determine metadata version from file name " + file,
		}
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return "", &UnsupportedCorruptionError{Location: current, Reason: "bad metadata version in file name " + file}
	}
	return fmt.Sprintf("%s%05d-%s.metadata.json", dir, version+1, uuid.New().String()), nil
}

func declaredVersion(location string, doc map[string]json.RawMessage) (int, error) {
	raw, ok := doc[fieldFormatVersion]
	if !ok {
		return 0, &UnsupportedCorruptionError{Location: location, Reason: "document has no format-version field"}
	}
	var v int
	if err := json.Unmarshal(raw, &v); err != nil {
		return 0, &UnsupportedCorruptionError{Location: location, Reason: "format-version is not an integer"}
	}
	return v, nil
}

func parseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("metadata location %q is not an s3:// URI", uri)
	}
	bucket, key, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return "", "", fmt.Errorf("metadata location %q is missing bucket or key", uri)
	}
	return bucket, key, nil
}
