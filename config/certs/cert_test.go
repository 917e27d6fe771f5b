package certs

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// TestGenerate_MutualTLSHealthCheck serves the gRPC health service with generated
// certificates and checks it with the generated client certificate.
func TestGenerate_MutualTLSHealthCheck(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Generate(dir, "localhost", time.Hour))

	cfg := Config{
		CertFile: filepath.Join(dir, ServerCertFile),
		KeyFile:  filepath.Join(dir, ServerKeyFile),
		CAFile:   filepath.Join(dir, CAFile),
	}
	require.NoError(t, cfg.Validate())
	serverTLS, err := LoadServerTLSConfig(cfg)
	require.NoError(t, err)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := grpc.NewServer(grpc.Creds(credentials.NewTLS(serverTLS)))
	healthpb.RegisterHealthServer(srv, health.NewServer())
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	clientTLS, err := LoadClientTLSConfig(
		filepath.Join(dir, CAFile), filepath.Join(dir, ClientCertFile), filepath.Join(dir, ClientKeyFile))
	require.NoError(t, err)
	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(credentials.NewTLS(clientTLS)))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)
}

// TestConfig_Validate requires a complete key pair.
func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, Config{}.Validate())
	assert.False(t, Config{}.Enabled())
	assert.Error(t, Config{CertFile: "server.crt"}.Validate())
	assert.Error(t, Config{CAFile: "ca.crt"}.Validate())
	assert.True(t, Config{CertFile: "a", KeyFile: "b"}.Enabled())
}

// TestLoad_MissingFiles reports unreadable key material.
func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadServerTLSConfig(Config{CertFile: filepath.Join(dir, "x.crt"), KeyFile: filepath.Join(dir, "x.key")})
	require.Error(t, err)
	_, err = LoadClientTLSConfig(filepath.Join(dir, "ca.crt"), filepath.Join(dir, "c.crt"), filepath.Join(dir, "c.key"))
	require.Error(t, err)
}
