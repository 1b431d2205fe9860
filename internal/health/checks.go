package health

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ChristianBoehm/opsiconfd-sub000/internal/backend/sqlstore"
	"github.com/ChristianBoehm/opsiconfd-sub000/internal/redis"
)

// RedisCheck verifies the shared Redis is reachable and carries the
// time-series module used by the metrics pipeline.
type RedisCheck struct {
	RDB *goredis.Client
}

func (c *RedisCheck) ID() string { return "redis" }

func (c *RedisCheck) Run(ctx context.Context) Result {
	if err := c.RDB.Ping(ctx).Err(); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("connection failed: %s", err)}
	}
	modules, err := c.RDB.Do(ctx, "MODULE", "LIST").Result()
	if err != nil {
		return Result{Status: StatusWarning, Message: "connected, module list unavailable"}
	}
	if !strings.Contains(strings.ToLower(fmt.Sprint(modules)), "timeseries") {
		return Result{Status: StatusWarning, Message: "connected, timeseries module not loaded"}
	}
	return Result{Status: StatusOK, Message: "connection ok"}
}

// DatabaseCheck verifies the object store answers.
type DatabaseCheck struct {
	Store *sqlstore.Store
}

func (c *DatabaseCheck) ID() string { return "database" }

func (c *DatabaseCheck) Run(ctx context.Context) Result {
	if err := c.Store.Ping(ctx); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("connection failed: %s", err)}
	}
	return Result{Status: StatusOK, Message: "connection ok"}
}

// CertificateCheck inspects the server certificate lifetime.
type CertificateCheck struct {
	Path      string
	RenewDays int
}

func (c *CertificateCheck) ID() string { return "ssl_certificate" }

func (c *CertificateCheck) Run(_ context.Context) Result {
	data, err := os.ReadFile(c.Path)
	if err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("read %s: %s", c.Path, err)}
	}
	cert, err := parseLeafCertificate(data)
	if err != nil {
		return Result{Status: StatusError, Message: err.Error()}
	}
	remaining := time.Until(cert.NotAfter)
	switch {
	case remaining <= 0:
		return Result{
			Status:  StatusError,
			Message: fmt.Sprintf("certificate expired %s", cert.NotAfter.UTC().Format("2006-01-02")),
		}
	case remaining <= time.Duration(c.RenewDays)*24*time.Hour:
		return Result{
			Status:  StatusWarning,
			Message: fmt.Sprintf("certificate expires in %d days", int(remaining.Hours()/24)),
		}
	}
	return Result{
		Status:  StatusOK,
		Message: fmt.Sprintf("certificate valid until %s", cert.NotAfter.UTC().Format("2006-01-02")),
	}
}

func parseLeafCertificate(data []byte) (*x509.Certificate, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("no certificate found")
		}
		if block.Type == "CERTIFICATE" {
			return x509.ParseCertificate(block.Bytes)
		}
	}
}

// WorkersCheck verifies worker heartbeats are present for this node.
type WorkersCheck struct {
	RDB  *goredis.Client
	Keys redis.Keys
	Node string
}

func (c *WorkersCheck) ID() string { return "workers" }

func (c *WorkersCheck) Run(ctx context.Context) Result {
	count := 0
	iter := c.RDB.Scan(ctx, 0, c.Keys.WorkerRegistryPattern(c.Node), 100).Iterator()
	for iter.Next(ctx) {
		count++
	}
	if err := iter.Err(); err != nil {
		return Result{Status: StatusError, Message: fmt.Sprintf("registry scan failed: %s", err)}
	}
	if count == 0 {
		return Result{Status: StatusError, Message: "no worker heartbeats found"}
	}
	return Result{Status: StatusOK, Message: fmt.Sprintf("%d workers alive", count)}
}

const (
	diskWarnPercent  = 85
	diskErrorPercent = 95
)

// DiskUsageCheck measures filesystem usage of the service directories.
// Paths that do not exist are skipped.
type DiskUsageCheck struct {
	Paths []string
}

func (c *DiskUsageCheck) ID() string { return "disk_usage" }

func (c *DiskUsageCheck) Run(_ context.Context) Result {
	status := StatusOK
	var notes []string
	for _, path := range c.Paths {
		var st syscall.Statfs_t
		if err := syscall.Statfs(path, &st); err != nil {
			continue
		}
		if st.Blocks == 0 {
			continue
		}
		used := int(100 - st.Bavail*100/st.Blocks)
		s := diskStatus(used)
		if s == StatusOK {
			continue
		}
		if s > status {
			status = s
		}
		notes = append(notes, fmt.Sprintf("%s at %d%%", path, used))
	}
	if len(notes) == 0 {
		return Result{Status: StatusOK, Message: "usage below thresholds"}
	}
	return Result{Status: status, Message: strings.Join(notes, ", ")}
}

func diskStatus(usedPercent int) Status {
	switch {
	case usedPercent >= diskErrorPercent:
		return StatusError
	case usedPercent >= diskWarnPercent:
		return StatusWarning
	default:
		return StatusOK
	}
}
