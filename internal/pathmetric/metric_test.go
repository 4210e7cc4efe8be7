package pathmetric

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestUnverifiedPathIsBadAfterSilence(t *testing.T) {
	var tbl Table
	now := time.Now()
	p := PathTelemetry{
		PathID:               1,
		HasAddressTuple:      true,
		ChallengeVerified:    false,
		LastPacketReceivedAt: now.Add(-3 * time.Second),
	}
	m := tbl.Metric(p, now)
	require.Equal(t, Bad, m.Grade)
	require.Equal(t, unverifiedSentinelRTTMs, m.RTTMs)
}

func TestUnverifiedPathIsWarnWithinSilenceWindow(t *testing.T) {
	var tbl Table
	now := time.Now()
	p := PathTelemetry{
		PathID:               1,
		HasAddressTuple:      true,
		ChallengeVerified:    false,
		LastPacketReceivedAt: now.Add(-1 * time.Second),
	}
	m := tbl.Metric(p, now)
	require.Equal(t, Warn, m.Grade)
}

func TestAbsentPathIsBad(t *testing.T) {
	var tbl Table
	m := tbl.Metric(PathTelemetry{HasAddressTuple: false}, time.Now())
	require.Equal(t, Bad, m.Grade)
}

func TestGradeThresholds(t *testing.T) {
	require.Equal(t, Good, gradeOf(100, 1))
	require.Equal(t, Bad, gradeOf(300, 1))
	require.Equal(t, Bad, gradeOf(100, 20))
	require.Equal(t, Warn, gradeOf(150, 1))
	require.Equal(t, Warn, gradeOf(100, 5))
}

func TestLossRateCapAndInversionGuard(t *testing.T) {
	require.Equal(t, 50.0, lossRatePct(100, 50))
	require.Equal(t, 0.0, lossRatePct(0, 100))
	require.InDelta(t, 10.0, lossRatePct(10, 100), 0.001)
}

func TestEWMASmoothsAcrossCalls(t *testing.T) {
	var tbl Table
	now := time.Now()
	base := PathTelemetry{PathID: 7, HasAddressTuple: true, ChallengeVerified: true}

	base.SmoothedRTTMicros = 40_000 // 40ms
	m1 := tbl.Metric(base, now)
	require.Equal(t, 40.0, m1.RTTMs)

	base.SmoothedRTTMicros = 200_000 // 200ms jump
	m2 := tbl.Metric(base, now)
	require.InDelta(t, 0.2*200+0.8*40, m2.RTTMs, 0.001)
}

func TestZeroRTTUsesDefault(t *testing.T) {
	var tbl Table
	now := time.Now()
	m := tbl.Metric(PathTelemetry{PathID: 2, HasAddressTuple: true, ChallengeVerified: true}, now)
	require.Equal(t, defaultRTTMs, m.RTTMs)
}

func TestForgetResetsEWMA(t *testing.T) {
	var tbl Table
	now := time.Now()
	p := PathTelemetry{PathID: 9, HasAddressTuple: true, ChallengeVerified: true, SmoothedRTTMicros: 200_000}
	tbl.Metric(p, now)
	tbl.Forget(9)
	m := tbl.Metric(p, now)
	require.Equal(t, 200.0, m.RTTMs)
}
