package provision

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	gluetypes "github.com/aws/aws-sdk-go-v2/service/glue/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lakeops/iceberg-v3-upgrade/internal/emr"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
)

// DemoTableName is the table created by Setup.
const DemoTableName = "v2_mor_demo"

type s3BucketAPI interface {
	CreateBucket(ctx context.Context, params *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

type glueDatabaseAPI interface {
	CreateDatabase(ctx context.Context, params *glue.CreateDatabaseInput, optFns ...func(*glue.Options)) (*glue.CreateDatabaseOutput, error)
}

// Demo provisions a V2 Iceberg table with merge-on-read delete files, the
// exact shape the upgrade tool exists to fix.
type Demo struct {
	s3c      s3BucketAPI
	gluec    glueDatabaseAPI
	session  emr.Runner
	region   string
	bucket   string
	database string
}

// NewDemo creates a demo provisioner.
func NewDemo(awsCfg aws.Config, session emr.Runner, bucket, database string) *Demo {
	return &Demo{
		s3c:      s3.NewFromConfig(awsCfg),
		gluec:    glue.NewFromConfig(awsCfg),
		session:  session,
		region:   awsCfg.Region,
		bucket:   bucket,
		database: database,
	}
}

// Setup creates the bucket, the Glue database, and the demo table.
func (d *Demo) Setup(ctx context.Context) error {
	if err := d.createBucket(ctx); err != nil {
		return err
	}
	if err := d.createDatabase(ctx); err != nil {
		return err
	}
	return d.createDemoTable(ctx)
}

func (d *Demo) createBucket(ctx context.Context) error {
	input := &s3.CreateBucketInput{Bucket: aws.String(d.bucket)}
	// us-east-1 rejects an explicit LocationConstraint
	if d.region != "us-east-1" {
		input.CreateBucketConfiguration = &s3types.CreateBucketConfiguration{
			LocationConstraint: s3types.BucketLocationConstraint(d.region),
		}
	}

	_, err := d.s3c.CreateBucket(ctx, input)
	if err != nil {
		var owned *s3types.BucketAlreadyOwnedByYou
		var exists *s3types.BucketAlreadyExists
		if errors.As(err, &owned) || errors.As(err, &exists) {
			logging.Info("S3 bucket already exists: %s", d.bucket)
			return nil
		}
		return fmt.Errorf("creating bucket %s: %w", d.bucket, err)
	}
	logging.Info("Created S3 bucket: %s", d.bucket)
	return nil
}

func (d *Demo) createDatabase(ctx context.Context) error {
	_, err := d.gluec.CreateDatabase(ctx, &glue.CreateDatabaseInput{
		DatabaseInput: &gluetypes.DatabaseInput{
			Name:        aws.String(d.database),
			Description: aws.String("Demo database for Iceberg V2 to V3 upgrade"),
			LocationUri: aws.String(fmt.Sprintf("s3://%s/warehouse", d.bucket)),
		},
	})
	if err != nil {
		var exists *gluetypes.AlreadyExistsException
		if errors.As(err, &exists) {
			logging.Info("Glue database already exists: %s", d.database)
			return nil
		}
		return fmt.Errorf("creating database %s: %w", d.database, err)
	}
	logging.Info("Created Glue database: %s", d.database)
	return nil
}

// createDemoTable builds a partitioned V2 table with merge-on-read deletes
// and updates, both of which leave delete files behind.
func (d *Demo) createDemoTable(ctx context.Context) error {
	table := fmt.Sprintf("glue_catalog.%s.%s", d.database, DemoTableName)

	statements := []string{
		fmt.Sprintf("DROP TABLE IF EXISTS %s;", table),
		fmt.Sprintf(`CREATE TABLE %s (
    id INT,
    name STRING,
    category STRING,
    amount DECIMAL(10,2),
    created_at TIMESTAMP
) USING iceberg
PARTITIONED BY (category)
TBLPROPERTIES (
    'format-version' = '2',
    'write.delete.mode' = 'merge-on-read',
    'write.update.mode' = 'merge-on-read'
);`, table),
		fmt.Sprintf(`INSERT INTO %s VALUES
(1, 'Product A', 'electronics', 199.99, current_timestamp()),
(2, 'Product B', 'electronics', 299.99, current_timestamp()),
(3, 'Product C', 'clothing', 49.99, current_timestamp()),
(4, 'Product D', 'clothing', 79.99, current_timestamp()),
(5, 'Product E', 'furniture', 599.99, current_timestamp()),
(6, 'Product F', 'furniture', 899.99, current_timestamp()),
(7, 'Product G', 'electronics', 149.99, current_timestamp()),
(8, 'Product H', 'clothing', 29.99, current_timestamp()),
(9, 'Product I', 'furniture', 449.99, current_timestamp()),
(10, 'Product J', 'electronics', 399.99, current_timestamp());`, table),
		fmt.Sprintf("DELETE FROM %s WHERE id IN (2, 4, 6);", table),
		fmt.Sprintf("UPDATE %s SET amount = amount * 1.1 WHERE category = 'electronics';", table),
	}

	logging.Info("Creating demo table %s.%s with merge-on-read deletes", d.database, DemoTableName)
	res, err := d.session.Run(ctx, strings.Join(statements, "\n"), 15*time.Minute)
	if err != nil {
		return fmt.Errorf("creating demo table: %w", err)
	}
	logging.Debug("Demo table created in %v", res.Duration)
	logging.Info("Demo table ready: %s.%s (contains V2 delete files)", d.database, DemoTableName)
	return nil
}
