package core_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/previsora/cobranza-engine/core"
)

// =============================================================================
// PARSING
// =============================================================================

func TestParsePeriod_CanonicalForm(t *testing.T) {
	p, err := core.ParsePeriod("2024-07")
	require.NoError(t, err)
	assert.Equal(t, core.Period("2024-07"), p)
	assert.Equal(t, 2024, p.Year())
	assert.Equal(t, 7, p.Month())
}

func TestParsePeriod_RejectsNonCanonical(t *testing.T) {
	// Anything not byte-comparable is rejected, never normalized.
	bad := []string{"2024-7", "2024/07", "2024-13", "2024-00", "24-07", "2024-07-01", ""}
	for _, s := range bad {
		_, err := core.ParsePeriod(s)
		assert.Error(t, err, "should reject %q", s)
		assert.Equal(t, core.CodeInvalidPeriod, core.CodeOf(err))
	}
}

// =============================================================================
// ARITHMETIC
// =============================================================================

func TestPeriod_AddMonths_RollsYear(t *testing.T) {
	assert.Equal(t, core.Period("2025-01"), core.Period("2024-12").Next())
	assert.Equal(t, core.Period("2025-03"), core.Period("2024-11").AddMonths(4))
	assert.Equal(t, core.Period("2023-10"), core.Period("2024-02").AddMonths(-4))
}

func TestPeriod_Ordering_IsLexicographic(t *testing.T) {
	assert.True(t, core.Period("2024-09").Before("2024-10"))
	assert.True(t, core.Period("2025-01").After("2024-12"))
	assert.Equal(t, 0, core.Period("2024-06").Compare("2024-06"))
}

func TestMonthsBetween(t *testing.T) {
	assert.Equal(t, 1, core.MonthsBetween("2024-12", "2025-01"))
	assert.Equal(t, -3, core.MonthsBetween("2024-05", "2024-02"))
	assert.Equal(t, 0, core.MonthsBetween("2024-05", "2024-05"))
}

func TestPeriod_StartEnd_CoverTheMonth(t *testing.T) {
	p := core.Period("2024-02")
	start := p.Start(time.UTC)
	end := p.End(time.UTC)

	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), end)
}

// =============================================================================
// CALENDAR
// =============================================================================

func TestCalendar_PeriodAt_ResolvesInItsOwnZone(t *testing.T) {
	// GIVEN: a payment collected 23:30 on July 31 in the local zone
	// WHEN: the instant is viewed from UTC (already August 1 there)
	// THEN: the local calendar still bills it to July

	local := time.FixedZone("ART", -3*60*60)
	cal := core.CalendarIn(local)

	collected := time.Date(2024, 7, 31, 23, 30, 0, 0, local)
	assert.Equal(t, core.Period("2024-08"), core.PeriodOf(collected.UTC()))
	assert.Equal(t, core.Period("2024-07"), cal.PeriodAt(collected.UTC()))
}

func TestNewCalendar_DefaultsToCooperativeZone(t *testing.T) {
	cal, err := core.NewCalendar("")
	require.NoError(t, err)
	assert.Equal(t, core.DefaultTimezone, cal.Location().String())

	_, err = core.NewCalendar("Not/AZone")
	assert.Error(t, err)
}
