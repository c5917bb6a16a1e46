// Package verify confirms upgraded tables are readable through the federated
// Databricks catalog, which is the whole point of the upgrade: V2
// merge-on-read delete files are what Databricks cannot read.
package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/lakeops/iceberg-v3-upgrade/internal/catalog"
	"github.com/lakeops/iceberg-v3-upgrade/internal/config"
	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
)

// Verifier runs read checks against a Databricks SQL warehouse.
type Verifier struct {
	baseURL     string
	token       string
	warehouseID string
	catalogName string
	httpClient  *http.Client

	pollInterval time.Duration
}

// New creates a Verifier from config.
func New(cfg *config.DatabricksConfig) *Verifier {
	return &Verifier{
		baseURL:      strings.TrimRight(cfg.Host, "/"),
		token:        cfg.Token,
		warehouseID:  cfg.WarehouseID,
		catalogName:  cfg.FederatedCatalog,
		httpClient:   &http.Client{Timeout: 90 * time.Second},
		pollInterval: 2 * time.Second,
	}
}

type warehouse struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	State string `json:"state"`
}

type statementStatus struct {
	State string `json:"state"`
	Error struct {
		Message string `json:"message"`
	} `json:"error"`
}

type statementResponse struct {
	StatementID string          `json:"statement_id"`
	Status      statementStatus `json:"status"`
	Result      struct {
		DataArray [][]string `json:"data_array"`
	} `json:"result"`
}

// VerifyTable runs a COUNT(*) against the federated table and returns nil
// when the read succeeds.
func (v *Verifier) VerifyTable(ctx context.Context, ref catalog.TableRef) error {
	warehouseID, err := v.resolveWarehouse(ctx)
	if err != nil {
		return err
	}

	stmt := fmt.Sprintf("SELECT COUNT(*) FROM %s.%s.%s", v.catalogName, ref.Database, ref.Name)
	logging.Debug("Databricks statement: %s", stmt)

	resp, err := v.submitStatement(ctx, warehouseID, stmt)
	if err != nil {
		return err
	}

	// wait_timeout usually returns a terminal state inline; poll for the
	// occasional long-running read.
	for resp.Status.State == "PENDING" || resp.Status.State == "RUNNING" {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(v.pollInterval):
		}
		resp, err = v.getStatement(ctx, resp.StatementID)
		if err != nil {
			return err
		}
	}

	if resp.Status.State != "SUCCEEDED" {
		return fmt.Errorf("read of %s failed in Databricks (%s): %s",
			ref, resp.Status.State, resp.Status.Error.Message)
	}

	count := "?"
	if len(resp.Result.DataArray) > 0 && len(resp.Result.DataArray[0]) > 0 {
		count = resp.Result.DataArray[0][0]
	}
	logging.Info("%s readable in Databricks (%s rows)", ref, count)
	return nil
}

// resolveWarehouse returns the configured warehouse ID or picks the first
// running one.
func (v *Verifier) resolveWarehouse(ctx context.Context) (string, error) {
	if v.warehouseID != "" {
		return v.warehouseID, nil
	}

	var out struct {
		Warehouses []warehouse `json:"warehouses"`
	}
	if err := v.doJSON(ctx, http.MethodGet, "/api/2.0/sql/warehouses", nil, &out); err != nil {
		return "", fmt.Errorf("listing SQL warehouses: %w", err)
	}

	for _, w := range out.Warehouses {
		if w.State == "RUNNING" {
			logging.Info("Using SQL warehouse %s (%s)", w.Name, w.ID)
			return w.ID, nil
		}
	}
	return "", fmt.Errorf("no running SQL warehouse found")
}

func (v *Verifier) submitStatement(ctx context.Context, warehouseID, stmt string) (*statementResponse, error) {
	body := map[string]string{
		"warehouse_id": warehouseID,
		"statement":    stmt,
		"wait_timeout": "50s",
	}
	var resp statementResponse
	if err := v.doJSON(ctx, http.MethodPost, "/api/2.0/sql/statements", body, &resp); err != nil {
		return nil, fmt.Errorf("submitting statement: %w", err)
	}
	return &resp, nil
}

func (v *Verifier) getStatement(ctx context.Context, statementID string) (*statementResponse, error) {
	var resp statementResponse
	if err := v.doJSON(ctx, http.MethodGet, "/api/2.0/sql/statements/"+statementID, nil, &resp); err != nil {
		return nil, fmt.Errorf("polling statement %s: %w", statementID, err)
	}
	return &resp, nil
}

func (v *Verifier) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, v.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+v.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("databricks API %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	return json.NewDecoder(resp.Body).Decode(out)
}
