package integration

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/ehr/rxledger/internal/platform/db"
	"github.com/ehr/rxledger/internal/platform/retry"
)

const defaultPostgresImage = "postgres:16-alpine"

// postgresContainer is a throwaway journal database run with the Docker CLI.
type postgresContainer struct {
	id      string
	connStr string
}

// startPostgresContainer runs a Postgres image on a Docker-assigned
// loopback port and waits until the pool used by the journal can connect.
// TEST_POSTGRES_IMAGE overrides the image.
func startPostgresContainer(ctx context.Context) (*postgresContainer, error) {
	image := os.Getenv("TEST_POSTGRES_IMAGE")
	if image == "" {
		image = defaultPostgresImage
	}

	out, err := exec.CommandContext(ctx, "docker", "run", "-d", "--rm",
		"--label", "rxledger.integration=true",
		"-p", "127.0.0.1::5432",
		"-e", "POSTGRES_USER=rxledger",
		"-e", "POSTGRES_PASSWORD=rxledger",
		"-e", "POSTGRES_DB=rxledger_journal",
		image,
	).CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("docker run %s: %w: %s", image, err, strings.TrimSpace(string(out)))
	}
	c := &postgresContainer{id: strings.TrimSpace(string(out))}

	addr, err := c.hostAddr(ctx)
	if err != nil {
		c.stop()
		return nil, err
	}
	c.connStr = fmt.Sprintf("postgres://rxledger:rxledger@%s/rxledger_journal?sslmode=disable", addr)

	if err := c.waitReady(ctx); err != nil {
		c.stop()
		return nil, err
	}
	return c, nil
}

// hostAddr asks Docker which loopback port it published 5432 on.
func (c *postgresContainer) hostAddr(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "docker", "port", c.id, "5432/tcp").Output()
	if err != nil {
		return "", fmt.Errorf("docker port: %w", err)
	}
	// One line per binding, e.g. "127.0.0.1:49153".
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return "", fmt.Errorf("docker port: no binding for 5432/tcp")
	}
	return line, nil
}

// waitReady polls with the same backoff the service uses for ledger reads.
func (c *postgresContainer) waitReady(ctx context.Context) error {
	policy := retry.Policy{Attempts: 40, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) (struct{}, error) {
		connCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		p, err := db.NewPool(connCtx, db.PoolConfig{URL: c.connStr, MaxConns: 1})
		if err != nil {
			return struct{}{}, err
		}
		p.Close()
		return struct{}{}, nil
	})
	if err != nil {
		return fmt.Errorf("postgres in %s not ready: %w", c.id, err)
	}
	return nil
}

func (c *postgresContainer) stop() {
	exec.Command("docker", "rm", "-f", c.id).Run()
}
