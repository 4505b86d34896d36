package testhelpers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/rabbitmq"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

// NewRabbitMQ starts a broker container and returns its AMQP URL.
// The container is terminated when the test finishes.
func NewRabbitMQ(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := rabbitmq.Run(ctx,
		"rabbitmq:3.12-management-alpine",
		rabbitmq.WithAdminPassword("password"),
	)
	require.NoError(t, err, "failed to start rabbitmq container")
	t.Cleanup(func() {
		if termErr := container.Terminate(context.Background()); termErr != nil {
			t.Logf("failed to terminate rabbitmq container: %v", termErr)
		}
	})

	amqpURL, err := container.AmqpURL(ctx)
	require.NoError(t, err, "failed to get amqp url")
	return amqpURL
}

// NewRedis starts a Redis container and returns a redis:// connection string
func NewRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "failed to start redis container")
	t.Cleanup(func() {
		if termErr := container.Terminate(context.Background()); termErr != nil {
			t.Logf("failed to terminate redis container: %v", termErr)
		}
	})

	connStr, err := container.ConnectionString(ctx)
	require.NoError(t, err, "failed to get redis connection string")
	return connStr
}
