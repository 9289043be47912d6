package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPinger struct {
	fail bool
}

func (m *mockPinger) Ping(ctx context.Context) error {
	if m.fail {
		return errors.New("connection refused")
	}
	return nil
}

type slowPinger struct {
	delay time.Duration
}

func (s *slowPinger) Ping(ctx context.Context) error {
	select {
	case <-time.After(s.delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// The overall status is unhealthy iff some component is unhealthy, degraded
// iff some component is degraded and none unhealthy.
func TestPropertyOverallStatusFollowsComponents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	statuses := []Status{StatusHealthy, StatusDegraded, StatusUnhealthy}

	properties.Property("overall status is the worst component status", prop.ForAll(
		func(storeUp bool, picks []int) bool {
			checker := NewChecker(&mockPinger{fail: !storeUp}, "1.0.0")
			worst := StatusHealthy
			if !storeUp {
				worst = StatusUnhealthy
			}
			for i, p := range picks {
				st := statuses[p%len(statuses)]
				if st == StatusUnhealthy || (st == StatusDegraded && worst == StatusHealthy) {
					worst = st
				}
				name := string(rune('a' + i))
				checker.Register(name, func(context.Context) ComponentStatus {
					return ComponentStatus{Status: st}
				})
			}

			resp := checker.Check(context.Background())
			return resp.Status == worst && len(resp.Components) == len(picks)+1
		},
		gen.Bool(),
		gen.SliceOfN(5, gen.IntRange(0, 2)),
	))

	properties.TestingRun(t)
}

func TestHandlerStatusCodes(t *testing.T) {
	checker := NewChecker(&mockPinger{}, "1.2.3")
	rec := httptest.NewRecorder()
	checker.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var resp Response
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "1.2.3", resp.Version)
	assert.Equal(t, StatusHealthy, resp.Components["store"].Status)

	checker = NewChecker(&mockPinger{fail: true}, "1.2.3")
	rec = httptest.NewRecorder()
	checker.Handler()(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	checker = NewChecker(nil, "1.2.3")
	assert.Equal(t, StatusUnhealthy, checker.Check(context.Background()).Components["store"].Status)
}

func TestCheckHonoursTimeout(t *testing.T) {
	checker := NewChecker(&slowPinger{delay: time.Second}, "1.0.0")
	checker.SetTimeout(20 * time.Millisecond)

	start := time.Now()
	resp := checker.Check(context.Background())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, StatusUnhealthy, resp.Status)
}
