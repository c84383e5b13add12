//go:build integration

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/vietddude/scrapeguard/internal/core/domain"
	"github.com/vietddude/scrapeguard/internal/infra/storage"
)

var testDB *DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "scrapeguard",
			"POSTGRES_PASSWORD": "scrapeguard",
			"POSTGRES_DB":       "scrapeguard",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	url := fmt.Sprintf("postgres://scrapeguard:scrapeguard@%s:%s/scrapeguard?sslmode=disable", host, port.Port())
	testDB, err = NewDB(ctx, Config{URL: url})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect: %v\n", err)
		os.Exit(1)
	}
	if err := testDB.Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to migrate: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = testDB.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func truncate(t *testing.T) {
	t.Helper()
	_, err := testDB.Exec(`TRUNCATE failed_operations, adapter_versions, adapter_rollbacks,
		adapter_alerts, health_events, platform_health`)
	require.NoError(t, err)
}

func TestFailedRepo(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := NewFailedRepo(testDB)

	now := time.Now().UTC().Truncate(time.Millisecond)
	due := now.Add(-time.Minute)
	later := now.Add(time.Hour)

	ops := []*domain.FailedOperation{
		{
			ID: "a", Type: domain.OperationTypeDiscovery, Platform: "ubereats",
			Error: "boom", Attempts: 1, MaxAttempts: 5, CreatedAt: now.Add(-3 * time.Minute),
			LastAttemptAt: now, NextRetryAt: &due, Status: domain.OperationStatusPendingRetry,
			Context: json.RawMessage(`{"url":"https://example.com"}`),
		},
		{
			ID: "b", Type: domain.OperationTypeMenuScrape, Platform: "deliveroo",
			Error: "boom", Attempts: 1, MaxAttempts: 5, CreatedAt: now.Add(-2 * time.Minute),
			LastAttemptAt: now, NextRetryAt: &later, Status: domain.OperationStatusPendingRetry,
		},
		{
			ID: "c", Type: domain.OperationTypeMenuScrape, Platform: "deliveroo",
			Error: "boom", Attempts: 5, MaxAttempts: 5, CreatedAt: now.Add(-time.Minute),
			LastAttemptAt: now, Status: domain.OperationStatusRequiresManual,
		},
	}
	for _, op := range ops {
		require.NoError(t, repo.Insert(ctx, op))
	}

	err := repo.Insert(ctx, ops[0])
	assert.ErrorIs(t, err, storage.ErrConflict)

	got, err := repo.Get(ctx, "a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(got.Context))
	assert.Equal(t, domain.OperationTypeDiscovery, got.Type)

	_, err = repo.Get(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	dueOps, err := repo.Due(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, dueOps, 1)
	assert.Equal(t, "a", dueOps[0].ID)

	found, err := repo.Find(ctx, domain.OperationFilter{
		Statuses: []domain.OperationStatus{domain.OperationStatusPendingRetry, domain.OperationStatusRequiresManual},
		Platform: "deliveroo",
	})
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "c", found[0].ID)

	stats, err := repo.Stats(ctx, domain.OperationFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByStatus[domain.OperationStatusPendingRetry])
	assert.Equal(t, 2, stats.ByPlatform["deliveroo"])

	resolvedAt := now.Add(-48 * time.Hour)
	updated, err := repo.Update(ctx, "a", func(op *domain.FailedOperation) error {
		op.Status = domain.OperationStatusResolved
		op.ResolvedAt = &resolvedAt
		op.NextRetryAt = nil
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.OperationStatusResolved, updated.Status)

	deleted, err := repo.DeleteResolvedBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}

func TestAdapterRepo(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := NewAdapterRepo(testDB)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.CreateVersion(ctx, &domain.AdapterVersion{
		Platform: "ubereats", Version: "1.0.0", DeployedAt: now.Add(-time.Hour), Status: domain.AdapterStatusActive,
	}))
	require.NoError(t, repo.CreateVersion(ctx, &domain.AdapterVersion{
		Platform: "ubereats", Version: "1.1.0", DeployedAt: now, Status: domain.AdapterStatusActive,
	}))

	err := repo.CreateVersion(ctx, &domain.AdapterVersion{
		Platform: "ubereats", Version: "1.1.0", DeployedAt: now, Status: domain.AdapterStatusTesting,
	})
	assert.ErrorIs(t, err, storage.ErrConflict)

	old, err := repo.GetVersion(ctx, "ubereats", "1.0.0")
	require.NoError(t, err)
	assert.Equal(t, domain.AdapterStatusDeprecated, old.Status)
	assert.Equal(t, "superseded by 1.1.0", old.DeprecationReason)

	previous, err := repo.Activate(ctx, "ubereats", "1.0.0", "auto-rollback: failing", now)
	require.NoError(t, err)
	require.NotNil(t, previous)
	assert.Equal(t, "1.1.0", previous.Version)

	versions, err := repo.ListVersions(ctx, "ubereats")
	require.NoError(t, err)
	require.Len(t, versions, 2)
	assert.Equal(t, "1.1.0", versions[0].Version)
	assert.Equal(t, domain.AdapterStatusActive, versions[1].Status)

	require.NoError(t, repo.UpdateVersionStats(ctx, "ubereats", "1.0.0", 0.9, 40, now))
	err = repo.UpdateVersionStats(ctx, "ubereats", "9.9.9", 0.9, 40, now)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.SaveRollback(ctx, &domain.RollbackEvent{
		ID: "r1", Platform: "ubereats", FromVersion: "1.1.0", ToVersion: "1.0.0",
		Reason: "failing", Timestamp: now, Automatic: true, AlertSent: true,
	}))
	rollbacks, err := repo.ListRollbacks(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	assert.True(t, rollbacks[0].Automatic)

	require.NoError(t, repo.SaveAlert(ctx, &domain.AdapterAlert{
		ID: "al1", Platform: "ubereats", Kind: domain.AlertKindRollback, Message: "rolled back", CreatedAt: now,
	}))
	alerts, err := repo.ListAlerts(ctx, "deliveroo", 10)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	platforms, err := repo.ListPlatforms(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"ubereats"}, platforms)
}

func TestHealthRepo(t *testing.T) {
	truncate(t)
	ctx := context.Background()
	repo := NewHealthRepo(testDB)
	now := time.Now().UTC().Truncate(time.Millisecond)

	require.NoError(t, repo.SaveEvent(ctx, &domain.HealthEvent{
		Platform: "ubereats", Success: false, ResponseTimeMs: 120, Error: "timeout", Timestamp: now,
	}))

	h := domain.DefaultPlatformHealth("ubereats")
	h.LastCheck = now
	h.ConsecutiveFailures = 2
	require.NoError(t, repo.SaveSummary(ctx, &h))
	h.ConsecutiveFailures = 3
	require.NoError(t, repo.SaveSummary(ctx, &h))

	summaries, err := repo.LoadSummaries(ctx)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 3, summaries[0].ConsecutiveFailures)

	require.NoError(t, repo.SaveEvent(ctx, &domain.HealthEvent{
		Platform: "ubereats", Success: true, ResponseTimeMs: 80, Timestamp: now.Add(-48 * time.Hour),
	}))
	deleted, err := repo.DeleteEventsBefore(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)
}
