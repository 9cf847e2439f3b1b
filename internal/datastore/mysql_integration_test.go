//go:build integration

package datastore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mysql"

	"github.com/presencewatch/presence-go/internal/conf"
	"github.com/presencewatch/presence-go/internal/identity"
)

func TestMySQLStore(t *testing.T) {
	ctx := context.Background()

	container, err := mysql.Run(ctx, "mysql:8.0.36",
		mysql.WithDatabase("presence"),
		mysql.WithUsername("presence"),
		mysql.WithPassword("presence"),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = testcontainers.TerminateContainer(container) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "3306/tcp")
	require.NoError(t, err)

	s, err := Open(conf.DatabaseSettings{
		Type: conf.DatabaseMySQL,
		MySQL: conf.MySQLSettings{
			Host:     host,
			Port:     port.Port(),
			Username: "presence",
			Password: "presence",
			Database: "presence",
		},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Insert(ctx, &identity.Record{Label: "Poom", Username: "Poom", ExternalID: "65025367"}))
	require.ErrorIs(t, s.Insert(ctx, &identity.Record{Label: "Poom", Username: "x"}), identity.ErrDuplicateLabel)

	rec, err := s.FindByUsername(ctx, "POOM")
	require.NoError(t, err)
	assert.Equal(t, "Poom", rec.Label)

	require.NoError(t, s.Ping(ctx))
	require.NoError(t, s.Delete(ctx, "Poom"))
	_, err = s.FindByLabel(ctx, "Poom")
	require.ErrorIs(t, err, identity.ErrNotFound)
}
