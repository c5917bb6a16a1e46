// Package provision holds the setup utilities around the upgrade tool:
// Lake Formation grants for the storage-access layer and the demo table
// generator used to reproduce the V2 merge-on-read scenario.
package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lakeformation"
	lftypes "github.com/aws/aws-sdk-go-v2/service/lakeformation/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
)

type lakeFormationAPI interface {
	GrantPermissions(ctx context.Context, params *lakeformation.GrantPermissionsInput, optFns ...func(*lakeformation.Options)) (*lakeformation.GrantPermissionsOutput, error)
}

type stsAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Granter issues Lake Formation permissions on catalog resources.
type Granter struct {
	lf  lakeFormationAPI
	sts stsAPI
}

// NewGranter creates a Granter.
func NewGranter(awsCfg aws.Config) *Granter {
	return &Granter{
		lf:  lakeformation.NewFromConfig(awsCfg),
		sts: sts.NewFromConfig(awsCfg),
	}
}

var databasePermissions = []lftypes.Permission{
	lftypes.PermissionAll,
	lftypes.PermissionAlter,
	lftypes.PermissionCreateTable,
	lftypes.PermissionDescribe,
	lftypes.PermissionDrop,
}

var tablePermissions = []lftypes.Permission{
	lftypes.PermissionAll,
	lftypes.PermissionAlter,
	lftypes.PermissionDescribe,
	lftypes.PermissionSelect,
	lftypes.PermissionInsert,
	lftypes.PermissionDelete,
}

// GrantDatabase grants database-level permissions to a principal.
func (g *Granter) GrantDatabase(ctx context.Context, principalARN, database string) error {
	accountID, err := g.accountID(ctx)
	if err != nil {
		return err
	}

	logging.Info("Granting database permissions on %s to %s", database, principalARN)
	_, err = g.lf.GrantPermissions(ctx, &lakeformation.GrantPermissionsInput{
		Principal: &lftypes.DataLakePrincipal{DataLakePrincipalIdentifier: aws.String(principalARN)},
		Resource: &lftypes.Resource{
			Database: &lftypes.DatabaseResource{
				CatalogId: aws.String(accountID),
				Name:      aws.String(database),
			},
		},
		Permissions:                databasePermissions,
		PermissionsWithGrantOption: databasePermissions,
	})
	return ignoreAlreadyExists(err)
}

// GrantAllTables grants table-level permissions on every table in a database.
func (g *Granter) GrantAllTables(ctx context.Context, principalARN, database string) error {
	accountID, err := g.accountID(ctx)
	if err != nil {
		return err
	}

	logging.Info("Granting table permissions on %s.* to %s", database, principalARN)
	_, err = g.lf.GrantPermissions(ctx, &lakeformation.GrantPermissionsInput{
		Principal: &lftypes.DataLakePrincipal{DataLakePrincipalIdentifier: aws.String(principalARN)},
		Resource: &lftypes.Resource{
			Table: &lftypes.TableResource{
				CatalogId:     aws.String(accountID),
				DatabaseName:  aws.String(database),
				TableWildcard: &lftypes.TableWildcard{},
			},
		},
		Permissions:                tablePermissions,
		PermissionsWithGrantOption: tablePermissions,
	})
	return ignoreAlreadyExists(err)
}

// GrantTable grants table-level permissions on a single table.
func (g *Granter) GrantTable(ctx context.Context, principalARN, database, table string) error {
	accountID, err := g.accountID(ctx)
	if err != nil {
		return err
	}

	logging.Info("Granting table permissions on %s.%s to %s", database, table, principalARN)
	_, err = g.lf.GrantPermissions(ctx, &lakeformation.GrantPermissionsInput{
		Principal: &lftypes.DataLakePrincipal{DataLakePrincipalIdentifier: aws.String(principalARN)},
		Resource: &lftypes.Resource{
			Table: &lftypes.TableResource{
				CatalogId:    aws.String(accountID),
				DatabaseName: aws.String(database),
				Name:         aws.String(table),
			},
		},
		Permissions:                tablePermissions,
		PermissionsWithGrantOption: tablePermissions,
	})
	return ignoreAlreadyExists(err)
}

func (g *Granter) accountID(ctx context.Context) (string, error) {
	out, err := g.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("resolving AWS account: %w", err)
	}
	return aws.ToString(out.Account), nil
}

func ignoreAlreadyExists(err error) error {
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "AlreadyExistsException" {
		logging.Info("Permissions already exist")
		return nil
	}
	return fmt.Errorf("granting permissions: %w", err)
}
