package testutil

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
)

// Container test configuration constants
const (
	containerStartupTimeout   = 120 * time.Second
	containerTerminateTimeout = 10 * time.Second
	containerMemoryLimit      = 512 * 1024 * 1024 // 512MB
	pingTimeout               = 2 * time.Second
	pingRetryDelay            = 500 * time.Millisecond
	pingRetries               = 10
	maxTestNameLength         = 40
)

// sharedService starts one container per test binary and hands out its
// endpoint. A failed start is remembered so later tests fail fast.
type sharedService struct {
	once      sync.Once
	container testcontainers.Container
	endpoint  string
	err       error
}

// start runs req once. ready is called after the port is mapped and may
// finish in-container setup such as initiating a replica set.
func (s *sharedService) start(
	req testcontainers.ContainerRequest,
	port string,
	ready func(ctx context.Context, c testcontainers.Container, endpoint string) error,
) (string, error) {
	s.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), containerStartupTimeout)
		defer cancel()

		req.HostConfigModifier = func(hc *container.HostConfig) {
			hc.Memory = containerMemoryLimit
			hc.MemorySwap = containerMemoryLimit
		}

		c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: req,
			Started:          true,
		})
		if err != nil {
			s.err = fmt.Errorf("failed to start %s container: %w", req.Image, err)
			return
		}
		s.container = c

		host, err := c.Host(ctx)
		if err != nil {
			s.err = fmt.Errorf("failed to get container host: %w", err)
			return
		}
		mapped, err := c.MappedPort(ctx, nat.Port(port))
		if err != nil {
			s.err = fmt.Errorf("failed to get container port: %w", err)
			return
		}
		s.endpoint = net.JoinHostPort(host, mapped.Port())

		if ready != nil {
			s.err = ready(ctx, c, s.endpoint)
		}
	})

	return s.endpoint, s.err
}

// terminate stops the container if it was started.
func (s *sharedService) terminate() {
	if s.container == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), containerTerminateTimeout)
	defer cancel()
	_ = s.container.Terminate(ctx)
}

// retry calls fn until it succeeds or the retry budget runs out.
func retry(fn func(ctx context.Context) error) error {
	var err error
	for i := range pingRetries {
		ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
		err = fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if i < pingRetries-1 {
			time.Sleep(pingRetryDelay)
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", pingRetries, err)
}

// testDatabaseName derives a database name unique to the test that is valid
// for both MongoDB and PostgreSQL.
func testDatabaseName(testName string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '_'
		}
	}, testName)

	if len(name) > maxTestNameLength {
		hash := sha256.Sum256([]byte(testName))
		name = name[:20] + "_" + hex.EncodeToString(hash[:])[:12]
	}
	return "ledger_test_" + name
}

// CleanupSharedContainers terminates every shared container. Call it from
// TestMain after m.Run when the package starts containers.
func CleanupSharedContainers() {
	sharedMongo.terminate()
	sharedPostgres.terminate()
	sharedRedis.terminate()
}
