package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	mongoOnce      sync.Once
	mongoContainer testcontainers.Container
	mongoURI       string
	mongoErr       error
)

// GetMongoURI returns the connection URI of a shared throwaway MongoDB
// container.
func GetMongoURI(t *testing.T) string {
	t.Helper()
	startMongoOnce(t)
	if mongoErr != nil {
		t.Skipf("mongodb container unavailable: %v", mongoErr)
	}
	return mongoURI
}

func startMongoOnce(t *testing.T) {
	t.Helper()

	mongoOnce.Do(func() {
		// Generous timeout for CI environments.
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
		defer cancel()

		mongoC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "mongo:7",
				ExposedPorts: []string{"27017/tcp"},
				// Same as WithWaitStrategy in newer testcontainers: the
				// strategies are wrapped in ForAll with a 60s deadline.
				WaitingFor: wait.ForAll(
					wait.ForListeningPort("27017/tcp"),
					wait.ForLog("mongod startup complete"),
				).WithDeadline(60 * time.Second),
			},
			Started: true,
		})
		if err != nil {
			mongoErr = err
			return
		}

		t.Cleanup(func() {
			_ = mongoC.Terminate(context.Background()) // best-effort cleanup
		})

		endpoint, err := mongoC.Endpoint(ctx, "")
		if err != nil {
			_ = mongoC.Terminate(context.Background()) // best-effort cleanup
			mongoErr = err
			return
		}

		mongoContainer = mongoC
		mongoURI = fmt.Sprintf("mongodb://%s", endpoint)
	})
}
