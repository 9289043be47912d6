package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/narvanalabs/fleetdeploy/internal/notify"
	"github.com/narvanalabs/fleetdeploy/internal/store/memory"
)

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *testingclock.FakeClock, *notify.Broker) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clk := testingclock.NewFakeClock(epoch)
	broker := notify.NewBroker(logger)
	return NewService(memory.New(), logger, WithClock(clk), WithPublisher(broker)), clk, broker
}

func TestValidateImage(t *testing.T) {
	tests := []struct {
		image string
		want  bool
	}{
		{"app:1.0.0", true},
		{"registry.local/fleet/app:2.1", true},
		{"registry.local:5000/app:latest", true},
		{"app", false},
		{"app:", false},
		{":1.0", false},
		{"registry.local:5000/app", false},
		{"", false},
		{"my app:1.0", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidateImage(tt.image), tt.image)
	}
}

func TestCreateReleaseComputesChecksum(t *testing.T) {
	svc, _, broker := newTestService(t)
	sub := broker.Subscribe(notify.TopicReleaseCreated)
	defer broker.Unsubscribe(sub)

	pkg := []byte("package contents")
	r, err := svc.CreateRelease(context.Background(), &models.ReleaseRequest{
		Version:        "1.2.0",
		ContainerImage: "app:1.2.0",
		Package:        pkg,
	})
	require.NoError(t, err)
	assert.Equal(t, Checksum(pkg), r.Checksum)
	assert.Len(t, r.Checksum, 64)
	assert.Equal(t, models.PriorityNormal, r.Priority)
	assert.Equal(t, models.ReleaseStatusPending, r.Status)
	assert.Equal(t, epoch.Add(DefaultTTL), r.ExpiresAt)

	select {
	case ev := <-sub.Ch:
		assert.Equal(t, notify.TopicReleaseCreated, ev.Topic)
	case <-time.After(time.Second):
		t.Fatal("no release.created event")
	}
}

func TestCreateReleaseRejects(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.CreateRelease(ctx, &models.ReleaseRequest{Version: "1.0.0", ContainerImage: "app"})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.CreateRelease(ctx, &models.ReleaseRequest{
		Version:        "1.0.0",
		ContainerImage: "app:1.0.0",
		Package:        []byte("x"),
		Checksum:       Checksum([]byte("y")),
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.CreateRelease(ctx, &models.ReleaseRequest{Version: "1.0.0", ContainerImage: "app:1.0.0", Priority: "urgent"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestLatestPrefersPriorityThenNewest(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	create := func(version string, p models.Priority) {
		clk.Step(time.Minute)
		_, err := svc.CreateRelease(ctx, &models.ReleaseRequest{Version: version, ContainerImage: "app:" + version, Priority: p})
		require.NoError(t, err)
	}
	create("1.0.0", models.PriorityHigh)
	create("1.1.0", models.PriorityNormal)
	create("1.2.0", models.PriorityHigh)

	latest, err := svc.Latest(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", latest.Version)

	latest, err = svc.Latest(ctx, "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", latest.Version)
}

func TestLatestEmpty(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.Latest(context.Background(), "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAvailableVersionsSemverOrder(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()
	for _, v := range []string{"1.9.0", "1.10.0", "nightly", "1.10.0", "2.0.0-rc.1", "0.5.1"} {
		_, err := svc.CreateRelease(ctx, &models.ReleaseRequest{Version: v, ContainerImage: "app:" + v})
		require.NoError(t, err)
	}

	versions, err := svc.AvailableVersions(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"2.0.0-rc.1", "1.10.0", "1.9.0", "0.5.1", "nightly"}, versions)
}

func TestExpireStaleAndListPending(t *testing.T) {
	svc, clk, _ := newTestService(t)
	ctx := context.Background()

	short, err := svc.CreateRelease(ctx, &models.ReleaseRequest{
		Version: "1.0.0", ContainerImage: "app:1.0.0", TTL: models.Duration(time.Hour),
	})
	require.NoError(t, err)
	_, err = svc.CreateRelease(ctx, &models.ReleaseRequest{
		Version: "1.1.0", ContainerImage: "app:1.1.0", Priority: models.PriorityEmergency,
	})
	require.NoError(t, err)

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "1.1.0", pending[0].Version)

	clk.Step(time.Hour)
	n, err := svc.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := svc.Get(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ReleaseStatusExpired, got.Status)

	ok, err := svc.IsVersionAvailable(ctx, "1.0.0")
	require.NoError(t, err)
	assert.False(t, ok)

	info, err := svc.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, info.TotalReleases)
	assert.Equal(t, 1, info.PendingReleases)
	assert.Equal(t, []string{"1.1.0"}, info.AvailableVersions)
}

func TestMarkProcessed(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r, err := svc.CreateRelease(ctx, &models.ReleaseRequest{Version: "1.0.0", ContainerImage: "app:1.0.0"})
	require.NoError(t, err)
	require.NoError(t, svc.MarkProcessed(ctx, r.ID, ""))

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	assert.ErrorIs(t, svc.MarkProcessed(ctx, "missing", ""), ErrNotFound)
	assert.ErrorIs(t, svc.MarkProcessed(ctx, r.ID, models.ReleaseStatusPending), ErrInvalidRequest)
}
