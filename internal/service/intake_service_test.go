package service

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote-intake/internal/api"
	"quote-intake/internal/models"
	"quote-intake/internal/persistqueue"
	"quote-intake/internal/store"
)

func testConfig(t *testing.T) *models.Config {
	t.Helper()
	root := t.TempDir()
	inboxDir := filepath.Join(root, "inbox")
	return &models.Config{
		APIBind:           "127.0.0.1:0",
		DataDir:           filepath.Join(root, "data"),
		InboxDir:          inboxDir,
		InboxProcessedDir: filepath.Join(inboxDir, "processed"),
		InboxPersistFile:  filepath.Join(root, "data", "inbox-queue.json"),
		InboxWorkers:      1,
		InboxQueueSize:    8,
		RequiredFields:    []string{"material", "quantity"},
		OutreachCap:       5,
		RFQExpiryDays:     14,
		SourcingFanout:    2,
		SearchRadiusKm:    50,
		FallbackLatitude:  40.4168,
		FallbackLongitude: -3.7038,
		CacheBackend:      "memory",
		CacheTTL:          "1h",
		RFQSweepCron:      "@every 1h",
	}
}

func writeEmail(t *testing.T, dir, name string, email models.InboundEmail) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	raw, err := json.Marshal(email)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestNewCoreWiresWorkflow(t *testing.T) {
	core, err := NewCore(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(core.Close)

	assert.NotNil(t, core.Store)
	assert.NotNil(t, core.Classifier)
	assert.NotNil(t, core.Coordinator)
	assert.NotNil(t, core.Retriever)
	assert.FileExists(t, core.Store.DBPath())
}

func TestNewCoreRejectsMissingRulesFile(t *testing.T) {
	cfg := testConfig(t)
	cfg.GuardrailRulesFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := NewCore(cfg)
	require.Error(t, err)
}

func TestProcessFileCreatesRequestAndArchivesSpoolFile(t *testing.T) {
	cfg := testConfig(t)
	svc, err := NewIntakeService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	path := writeEmail(t, cfg.InboxDir, "msg-1.json", models.InboundEmail{
		ID:          "msg-1",
		ThreadID:    "thread-1",
		From:        "compras@cliente.es",
		Subject:     "Presupuesto mecanizado",
		Body:        "Hola, adjuntamos el plano para que nos preparen presupuesto.",
		Attachments: []models.Attachment{{Filename: "soporte.step"}},
	})

	require.NoError(t, svc.processFile(context.Background(), path))

	req, err := svc.Core().Store.FindRequestByThread(context.Background(), "thread-1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestGatheringInfo, req.Status)
	assert.NoFileExists(t, path)
	assert.FileExists(t, filepath.Join(cfg.InboxProcessedDir, "msg-1.json"))
	assert.Zero(t, svc.HealthSnapshot().FailureTotal)
}

func TestProcessFileQuarantinesMalformedEmail(t *testing.T) {
	cfg := testConfig(t)
	svc, err := NewIntakeService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	require.NoError(t, os.MkdirAll(cfg.InboxDir, 0o755))
	path := filepath.Join(cfg.InboxDir, "broken.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.NoError(t, svc.processFile(context.Background(), path))
	assert.FileExists(t, filepath.Join(cfg.InboxDir, "failed", "broken.json"))

	items, err := svc.Core().Store.ListRequests(context.Background(), store.RequestFilter{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestHealthSnapshotCountersAndReasons(t *testing.T) {
	s := &IntakeService{failReasons: make(map[string]uint64)}

	s.recordQueueFull()
	s.recordQueueFull()
	s.recordFailure(errors.New("smtp timeout"))
	s.recordFailure(errors.New("smtp timeout"))
	s.recordFailure(errors.New("database is locked"))

	snap := s.HealthSnapshot()
	assert.Equal(t, uint64(2), snap.QueueFullTotal)
	assert.Equal(t, uint64(3), snap.FailureTotal)
	require.Len(t, snap.FailureReasons, 2)
	assert.Equal(t, FailureReason{Reason: "smtp timeout", Count: 2}, snap.FailureReasons[0])
	assert.False(t, snap.PersistQueue.Enabled)
}

func TestHealthSnapshotCapsDistinctReasons(t *testing.T) {
	s := &IntakeService{failReasons: make(map[string]uint64)}
	for i := 0; i < maxFailureReasons+5; i++ {
		s.recordFailure(errors.New(string(rune('a' + i))))
	}
	snap := s.HealthSnapshot()
	assert.Len(t, snap.FailureReasons, maxFailureReasons+1)
	assert.Equal(t, "other", snap.FailureReasons[0].Reason)
}

func TestHealthSnapshotPersistQueue(t *testing.T) {
	storePath := filepath.Join(t.TempDir(), "queue.json")
	queue, err := persistqueue.NewFileQueue(storePath)
	require.NoError(t, err)
	queue.RecordRecovered(3)

	s := &IntakeService{queue: queue, failReasons: make(map[string]uint64)}
	snap := s.HealthSnapshot()
	assert.True(t, snap.PersistQueue.Enabled)
	assert.Equal(t, storePath, snap.PersistQueue.StoreFile)
	assert.Equal(t, uint64(3), snap.PersistQueue.RecoveredTotal)
}

func TestUpdateRuntimeSettingsPersistsAndRetunes(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConfigPath = filepath.Join(filepath.Dir(cfg.DataDir), "config.yaml")
	svc, err := NewIntakeService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	outreach, days, advance := 2, 7, true
	settings, restart, err := svc.UpdateRuntimeSettings(api.RuntimeUpdate{
		OutreachCap:          &outreach,
		RFQExpiryDays:        &days,
		AutoAdvanceOnReplies: &advance,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, settings.OutreachCap)
	assert.True(t, settings.AutoAdvanceOnReplies)
	assert.Equal(t, []string{"rfqExpiryDays"}, restart)

	tuning := svc.Core().Coordinator.Tuning()
	assert.Equal(t, 2, tuning.OutreachCap)
	assert.True(t, tuning.AutoAdvance)
	assert.Equal(t, 50.0, tuning.RadiusKm)

	raw, err := os.ReadFile(filepath.Join(filepath.Dir(cfg.DataDir), "config.runtime.yaml"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "outreach_cap: 2")
	assert.Contains(t, string(raw), "rfq_expiry_days: 7")
	assert.Contains(t, string(raw), "auto_advance_on_replies: true")
}

func TestUpdateRuntimeSettingsRejectsInvalidValues(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConfigPath = filepath.Join(filepath.Dir(cfg.DataDir), "config.yaml")
	svc, err := NewIntakeService(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })

	tooMany := 9
	_, _, err = svc.UpdateRuntimeSettings(api.RuntimeUpdate{OutreachCap: &tooMany})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	enabled := true
	_, _, err = svc.UpdateRuntimeSettings(api.RuntimeUpdate{LLMFallbackEnabled: &enabled})
	require.Error(t, err)
	assert.True(t, models.IsValidation(err))

	assert.Equal(t, 5, svc.RuntimeSettings().OutreachCap)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(cfg.DataDir), "config.runtime.yaml"))
}
