//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/olyandrevn/FaceRecognition/pkg/config"
	"github.com/olyandrevn/FaceRecognition/pkg/postgres"
)

func setupPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
			"POSTGRES_DB":       "faces",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://test:test@%s:%s/faces?sslmode=disable", host, port.Port())

	db, err := postgres.Open(dsn, config.PostgresConfig{MaxOpenConns: 5, MaxIdleConns: 2, ConnMaxLifetime: time.Minute})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s := NewPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// Running it twice must be harmless.
	if err := s.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema again: %v", err)
	}
	return s
}

func TestPostgresStoreWriteAndCount(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test")
	}
	s := setupPostgres(t)
	ctx := context.Background()
	base := time.Date(2024, 11, 26, 10, 0, 0, 0, time.UTC)

	recs := []struct {
		id       uint64
		customer int64
		at       time.Time
		x        int
	}{
		{1, 5, base, 0},
		{2, 7, base, 20},
		{3, 5, base.Add(time.Hour), 0},
		{4, 5, base.Add(2 * time.Hour), 0},
	}
	for _, r := range recs {
		if err := s.Write(ctx, record(r.id, "store_001", r.customer, r.at, r.x)); err != nil {
			t.Fatalf("Write %d: %v", r.id, err)
		}
	}
	// Duplicate appearance is accepted and ignored.
	if err := s.Write(ctx, record(42, "store_001", 5, base, 0)); err != nil {
		t.Fatalf("duplicate Write: %v", err)
	}

	all, err := s.AppearanceCounts(ctx, "store_001", time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("AppearanceCounts: %v", err)
	}
	if all[5] != 3 || all[7] != 1 {
		t.Errorf("open counts = %v, want 5:3 7:1", all)
	}

	windowed, err := s.AppearanceCounts(ctx, "store_001", base.Add(30*time.Minute), base.Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(windowed) != 1 || windowed[5] != 1 {
		t.Errorf("windowed counts = %v, want 5:1", windowed)
	}

	other, err := s.AppearanceCounts(ctx, "store_002", time.Time{}, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Errorf("store_002 counts = %v, want none", other)
	}
}
