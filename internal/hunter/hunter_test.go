package hunter

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirisame1188/wazuh-threat-hunter/internal/tools"
	"github.com/kirisame1188/wazuh-threat-hunter/internal/types"
)

type fakeAPI struct {
	alerts []types.Alert
	err    error
}

func (f *fakeAPI) ListAgents(ctx context.Context) ([]types.Agent, error) { return nil, f.err }
func (f *fakeAPI) Alerts(ctx context.Context, q types.AlertQuery) ([]types.Alert, error) {
	return f.alerts, f.err
}
func (f *fakeAPI) AgentSummary(ctx context.Context) (types.AgentSummary, error) {
	return types.AgentSummary{}, f.err
}

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func newTestHunter(api *fakeAPI, pub Publisher) *Hunter {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	svc := tools.NewService(api, log)
	return New(Config{
		Interval:          time.Minute,
		WindowMinutes:     10,
		SeverityThreshold: 10,
		Subject:           "threat-hunter.alerts",
	}, svc, pub, log)
}

func TestHunt_PublishesOnlyHighSeverity(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{alerts: []types.Alert{
		{ID: "low", Severity: 3, Timestamp: now},
		{ID: "high", Severity: 12, Timestamp: now, RuleID: "5710"},
	}}
	pub := &fakePublisher{}
	h := newTestHunter(api, pub)

	h.hunt(context.Background())

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "threat-hunter.alerts", pub.subjects[0])

	var published types.Alert
	require.NoError(t, json.Unmarshal(pub.payloads[0], &published))
	assert.Equal(t, "high", published.ID)
	assert.Equal(t, 12, published.Severity)
}

func TestHunt_DeduplicatesAcrossCycles(t *testing.T) {
	now := time.Now()
	api := &fakeAPI{alerts: []types.Alert{
		{ID: "high", Severity: 12, Timestamp: now},
	}}
	pub := &fakePublisher{}
	h := newTestHunter(api, pub)

	h.hunt(context.Background())
	h.hunt(context.Background())

	assert.Len(t, pub.payloads, 1, "overlapping windows must not re-report")
}

func TestHunt_QueryFailureIsNonFatal(t *testing.T) {
	api := &fakeAPI{err: errors.New("manager down")}
	pub := &fakePublisher{}
	h := newTestHunter(api, pub)

	h.hunt(context.Background())
	assert.Empty(t, pub.payloads)
}

func TestHunt_NilPublisherLogsOnly(t *testing.T) {
	api := &fakeAPI{alerts: []types.Alert{{ID: "high", Severity: 15, Timestamp: time.Now()}}}
	h := newTestHunter(api, nil)

	// Must not panic without a publisher.
	h.hunt(context.Background())
}

func TestPrune_DropsAgedEntries(t *testing.T) {
	h := newTestHunter(&fakeAPI{}, nil)
	h.seen["stale"] = time.Now().Add(-time.Hour)
	h.seen["fresh"] = time.Now()

	h.prune()

	_, staleKept := h.seen["stale"]
	_, freshKept := h.seen["fresh"]
	assert.False(t, staleKept)
	assert.True(t, freshKept)
}
