package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, StoreMemory, cfg.SnapshotStore)
	require.Equal(t, 500*time.Millisecond, cfg.CoalesceDelay)
	require.Equal(t, 4, cfg.RebuildMaxAttempts)
	require.Equal(t, 30*time.Second, cfg.BuildTimeout)
	require.Equal(t, 2000, cfg.TimelineRetention)
	require.Len(t, cfg.ConsumerTopics, 5)
	require.False(t, cfg.KafkaEnabled())
	require.Equal(t, 35.0, cfg.Scoring.RecencyWeight)
	require.Equal(t, 720*time.Hour, cfg.Scoring.RecencyHalfLife)
}

func TestLoadClampsSchedulerSettings(t *testing.T) {
	t.Setenv("COALESCE_DELAY", "10s")
	t.Setenv("REBUILD_MAX_ATTEMPTS", "12")
	t.Setenv("MAX_CONCURRENT_BUILDS", "0")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.CoalesceDelay)
	require.Equal(t, 5, cfg.RebuildMaxAttempts)
	require.Equal(t, 1, cfg.MaxConcurrentBuilds)

	t.Setenv("COALESCE_DELAY", "-1s")
	t.Setenv("REBUILD_MAX_ATTEMPTS", "0")
	cfg, err = Load()
	require.NoError(t, err)
	require.Zero(t, cfg.CoalesceDelay)
	require.Equal(t, 1, cfg.RebuildMaxAttempts)
}

func TestLoadTrimsLists(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " kafka-1:9092, ,kafka-2:9092 ")
	t.Setenv("SCORE_PRODUCT_WEIGHT", "5")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.KafkaEnabled())
	require.Equal(t, 5.0, cfg.Scoring.ProductWeight)
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	t.Setenv("SNAPSHOT_STORE", "dynamo")
	_, err := Load()
	require.ErrorContains(t, err, "SNAPSHOT_STORE")

	t.Setenv("SNAPSHOT_STORE", "Postgres")
	t.Setenv("TIMELINE_RETENTION", "0")
	_, err = Load()
	require.ErrorContains(t, err, "TIMELINE_RETENTION")

	t.Setenv("TIMELINE_RETENTION", "100")
	t.Setenv("BUILD_TIMEOUT", "soon")
	_, err = Load()
	require.ErrorContains(t, err, "parse env")
}
