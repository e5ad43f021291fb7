package testsupport

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RequireIntegration skips the test unless CASEGRAPH_INTEGRATION=1.
func RequireIntegration(t testing.TB) {
	t.Helper()
	if os.Getenv("CASEGRAPH_INTEGRATION") != "1" {
		t.Skip("set CASEGRAPH_INTEGRATION=1 to run container tests")
	}
}

// Container describes a started test container.
type Container struct {
	Host string
	Port string
}

// StartContainer runs a container for the duration of the test and returns
// the host and mapped port of the lowest exposed port.
func StartContainer(t testing.TB, req testcontainers.ContainerRequest) Container {
	t.Helper()
	RequireIntegration(t)
	// ryuk cleanup breaks in some CI sandboxes
	t.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start container %s: %v", req.Image, err)
	}
	t.Cleanup(func() {
		_ = c.Terminate(context.Background())
	})

	endpoint, err := c.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("container endpoint: %v", err)
	}
	host, port, err := net.SplitHostPort(endpoint)
	if err != nil {
		t.Fatalf("parse endpoint %q: %v", endpoint, err)
	}
	if host == "" || host == "null" {
		host = "localhost"
	}
	return Container{Host: host, Port: port}
}

// StartPostgres runs PostgreSQL and returns a DSN.
func StartPostgres(t testing.TB) string {
	t.Helper()
	c := StartContainer(t, testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "casegraph",
			"POSTGRES_PASSWORD": "casegraph",
			"POSTGRES_DB":       "casegraph",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).WithStartupTimeout(60 * time.Second),
	})
	return "postgres://casegraph:casegraph@" + c.Host + ":" + c.Port + "/casegraph?sslmode=disable"
}

// StartRedis runs Redis and returns host:port.
func StartRedis(t testing.TB) string {
	t.Helper()
	c := StartContainer(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
	})
	return c.Host + ":" + c.Port
}

// StartSurreal runs SurrealDB with root/root credentials and returns the
// websocket RPC URL.
func StartSurreal(t testing.TB) string {
	t.Helper()
	c := StartContainer(t, testcontainers.ContainerRequest{
		Image:        "surrealdb/surrealdb:v2.3.7",
		ExposedPorts: []string{"8000/tcp"},
		Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
		WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
	})
	return "ws://" + c.Host + ":" + c.Port + "/rpc"
}
