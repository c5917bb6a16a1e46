// Package emr executes single spark-sql statements on an EMR cluster over SSH.
//
// The session is a dumb transport: it knows how to reach the master node and
// run one statement, but nothing about what the statement means. Failures are
// classified into closed variants so the orchestrator can decide retryability
// without inspecting transport details.
package emr

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsemr "github.com/aws/aws-sdk-go-v2/service/emr"
	"golang.org/x/crypto/ssh"

	"github.com/lakeops/iceberg-v3-upgrade/internal/logging"
)

// Result captures the output of one executed statement.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// ConnectionError indicates the cluster was unreachable or not ready.
// Retryable with backoff.
type ConnectionError struct {
	Err error
}

func (e *ConnectionError) Error() string { return "cluster connection: " + e.Err.Error() }
func (e *ConnectionError) Unwrap() error { return e.Err }

// AuthError indicates the SSH handshake rejected our credentials. Fatal.
type AuthError struct {
	Err error
}

func (e *AuthError) Error() string { return "cluster authentication: " + e.Err.Error() }
func (e *AuthError) Unwrap() error { return e.Err }

// StatementError indicates the remote engine rejected or errored on the
// statement. Fatal for that statement; carries the captured output verbatim.
type StatementError struct {
	Result Result
}

func (e *StatementError) Error() string {
	stderr := strings.TrimSpace(e.Result.Stderr)
	if len(stderr) > 500 {
		stderr = stderr[:500] + "..."
	}
	return fmt.Sprintf("statement failed with exit code %d: %s", e.Result.ExitCode, stderr)
}

// Runner executes one statement with a timeout. Implemented by Session and by
// test fakes.
type Runner interface {
	Run(ctx context.Context, statement string, timeout time.Duration) (Result, error)
}

type describeClusterAPI interface {
	DescribeCluster(ctx context.Context, params *awsemr.DescribeClusterInput, optFns ...func(*awsemr.Options)) (*awsemr.DescribeClusterOutput, error)
}

// SessionConfig holds the settings needed to reach the cluster.
type SessionConfig struct {
	ClusterID   string
	PemPath     string
	User        string
	CatalogName string
	Warehouse   string
}

// Session runs spark-sql statements on the EMR master node.
type Session struct {
	svc    describeClusterAPI
	cfg    SessionConfig
	signer ssh.Signer

	dial func(network, addr string, config *ssh.ClientConfig) (*ssh.Client, error)
}

// NewSession builds a Session, loading and parsing the SSH private key up
// front so key problems surface before any table is touched.
func NewSession(awsCfg aws.Config, cfg SessionConfig) (*Session, error) {
	pem, err := os.ReadFile(cfg.PemPath)
	if err != nil {
		return nil, fmt.Errorf("reading EMR key %s: %w", cfg.PemPath, err)
	}
	signer, err := ssh.ParsePrivateKey(pem)
	if err != nil {
		return nil, fmt.Errorf("parsing EMR key %s: %w", cfg.PemPath, err)
	}

	return &Session{
		svc:    awsemr.NewFromConfig(awsCfg),
		cfg:    cfg,
		signer: signer,
		dial:   ssh.Dial,
	}, nil
}

// Run executes one statement on the cluster. The connection is scoped to the
// call and released on every exit path.
func (s *Session) Run(ctx context.Context, statement string, timeout time.Duration) (Result, error) {
	host, err := s.masterDNS(ctx)
	if err != nil {
		return Result{}, err
	}

	clientCfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}

	logging.Debug("Connecting to EMR master %s as %s", host, s.cfg.User)
	client, err := s.dial("tcp", net.JoinHostPort(host, "22"), clientCfg)
	if err != nil {
		if strings.Contains(err.Error(), "unable to authenticate") {
			return Result{}, &AuthError{Err: err}
		}
		return Result{}, &ConnectionError{Err: err}
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		return Result{}, &ConnectionError{Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- sess.Run(s.buildCommand(statement))
	}()

	select {
	case <-runCtx.Done():
		// Closing the connection unblocks sess.Run; the remote statement is
		// not forcibly cancelled.
		client.Close()
		<-done
		return Result{}, &ConnectionError{Err: fmt.Errorf("statement timed out after %v: %w", timeout, runCtx.Err())}
	case err = <-done:
	}

	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &StatementError{Result: result}
		}
		return result, &ConnectionError{Err: err}
	}

	return result, nil
}

// masterDNS resolves the cluster's master node, verifying the cluster is in a
// state that accepts work.
func (s *Session) masterDNS(ctx context.Context) (string, error) {
	out, err := s.svc.DescribeCluster(ctx, &awsemr.DescribeClusterInput{
		ClusterId: aws.String(s.cfg.ClusterID),
	})
	if err != nil {
		return "", &ConnectionError{Err: fmt.Errorf("describing cluster %s: %w", s.cfg.ClusterID, err)}
	}

	state := string(out.Cluster.Status.State)
	if state != "WAITING" && state != "RUNNING" {
		return "", &ConnectionError{Err: fmt.Errorf("cluster %s is not ready, state: %s", s.cfg.ClusterID, state)}
	}

	dns := aws.ToString(out.Cluster.MasterPublicDnsName)
	if dns == "" {
		return "", &ConnectionError{Err: fmt.Errorf("cluster %s has no master DNS", s.cfg.ClusterID)}
	}
	return dns, nil
}

// buildCommand wraps the statement in a spark-sql invocation configured for
// the Iceberg Glue catalog. A quoted heredoc keeps SQL quoting intact.
func (s *Session) buildCommand(statement string) string {
	var b strings.Builder
	b.WriteString("spark-sql")
	b.WriteString(" --conf spark.sql.catalog." + s.cfg.CatalogName + "=org.apache.iceberg.spark.SparkCatalog")
	b.WriteString(" --conf spark.sql.catalog." + s.cfg.CatalogName + ".warehouse=" + s.cfg.Warehouse)
	b.WriteString(" --conf spark.sql.catalog." + s.cfg.CatalogName + ".catalog-impl=org.apache.iceberg.aws.glue.GlueCatalog")
	b.WriteString(" --conf spark.sql.catalog." + s.cfg.CatalogName + ".io-impl=org.apache.iceberg.aws.s3.S3FileIO")
	b.WriteString(" --conf spark.sql.extensions=org.apache.iceberg.spark.extensions.IcebergSparkSessionExtensions")
	b.WriteString(" <<'SQLS'\n")
	b.WriteString(statement)
	b.WriteString("\nSQLS\n")
	return b.String()
}
