package maintenance

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/narvanalabs/fleetdeploy/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var wednesdayNight = models.MaintenanceWindow{
	Days:      []string{"Wednesday"},
	StartTime: "02:00",
	EndTime:   "06:00",
	TimeZone:  "UTC",
}

func TestIsInWindow(t *testing.T) {
	// 2024-05-01 is a Wednesday.
	tests := []struct {
		name     string
		instant  time.Time
		expected bool
	}{
		{"inside", time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC), true},
		{"after end", time.Date(2024, 5, 1, 7, 0, 0, 0, time.UTC), false},
		{"wrong day", time.Date(2024, 5, 2, 3, 0, 0, 0, time.UTC), false},
		{"start inclusive", time.Date(2024, 5, 1, 2, 0, 0, 0, time.UTC), true},
		{"end inclusive", time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC), true},
		{"before start", time.Date(2024, 5, 1, 1, 59, 59, 0, time.UTC), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsInWindow(wednesdayNight, tt.instant))
		})
	}
}

func TestIsInWindowConvertsToWindowZone(t *testing.T) {
	w := models.MaintenanceWindow{
		Days:      []string{"thu"},
		StartTime: "01:00",
		EndTime:   "03:00",
		TimeZone:  "Asia/Tokyo",
	}
	// Wednesday 17:30 UTC is Thursday 02:30 in Tokyo.
	instant := time.Date(2024, 5, 1, 17, 30, 0, 0, time.UTC)
	assert.True(t, IsInWindow(w, instant))
	assert.False(t, IsInWindow(w, instant.Add(2*time.Hour)))
}

func TestIsInWindowRejectsMalformedWindows(t *testing.T) {
	instant := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

	overnight := wednesdayNight
	overnight.StartTime, overnight.EndTime = "22:00", "04:00"
	assert.False(t, IsInWindow(overnight, instant))
	assert.Error(t, Validate(overnight))

	badZone := wednesdayNight
	badZone.TimeZone = "Mars/Olympus"
	assert.False(t, IsInWindow(badZone, instant))

	badClock := wednesdayNight
	badClock.EndTime = "25:99"
	assert.False(t, IsInWindow(badClock, instant))

	require.NoError(t, Validate(wednesdayNight))
}

func TestAnyOpen(t *testing.T) {
	weekend := models.MaintenanceWindow{Days: []string{"Saturday", "Sunday"}, StartTime: "00:00", EndTime: "23:59:59"}
	instant := time.Date(2024, 5, 1, 3, 0, 0, 0, time.UTC)

	assert.False(t, AnyOpen(nil, instant))
	assert.False(t, AnyOpen([]models.MaintenanceWindow{weekend}, instant))
	assert.True(t, AnyOpen([]models.MaintenanceWindow{weekend, wednesdayNight}, instant))
}

// IsInWindow is a pure function: repeated evaluation of the same window and
// instant always agrees, and the result depends only on the local weekday and
// time of day.
func TestIsInWindowIsPure(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	genWindow := gopter.CombineGens(
		gen.SliceOfN(3, gen.OneConstOf("Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday")),
		gen.IntRange(0, 23),
		gen.IntRange(0, 23),
		gen.OneConstOf("UTC", "", "Europe/Oslo", "America/New_York"),
	).Map(func(values []interface{}) models.MaintenanceWindow {
		start := values[1].(int)
		end := values[2].(int)
		return models.MaintenanceWindow{
			Days:      values[0].([]string),
			StartTime: time.Date(0, 1, 1, start, 0, 0, 0, time.UTC).Format("15:04"),
			EndTime:   time.Date(0, 1, 1, end, 30, 0, 0, time.UTC).Format("15:04"),
			TimeZone:  values[3].(string),
		}
	})

	genInstant := gen.Int64Range(0, 2000000000).Map(func(secs int64) time.Time {
		return time.Unix(secs, 0).UTC()
	})

	properties.Property("same inputs give the same answer", prop.ForAll(
		func(w models.MaintenanceWindow, instant time.Time) bool {
			return IsInWindow(w, instant) == IsInWindow(w, instant)
		},
		genWindow, genInstant,
	))

	properties.Property("a week later gives the same answer", prop.ForAll(
		func(w models.MaintenanceWindow, instant time.Time) bool {
			if w.TimeZone != "" && w.TimeZone != "UTC" {
				// DST shifts can move the local clock between weeks.
				return true
			}
			return IsInWindow(w, instant) == IsInWindow(w, instant.Add(7*24*time.Hour))
		},
		genWindow, genInstant,
	))

	properties.Property("open implies listed weekday", prop.ForAll(
		func(w models.MaintenanceWindow, instant time.Time) bool {
			if !IsInWindow(w, instant) {
				return true
			}
			loc, _ := location(w.TimeZone)
			return containsDay(w.Days, instant.In(loc).Weekday())
		},
		genWindow, genInstant,
	))

	properties.TestingRun(t)
}
