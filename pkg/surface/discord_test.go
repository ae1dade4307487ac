package surface

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCompareSnowflakeEqualLengthLexical(t *testing.T) {
	require.Equal(t, -1, CompareSnowflake("100000000000000001", "100000000000000002"))
	require.Equal(t, 1, CompareSnowflake("100000000000000002", "100000000000000001"))
	require.Equal(t, 0, CompareSnowflake("100000000000000001", "100000000000000001"))
}

func TestCompareSnowflakeDifferentLengthNumeric(t *testing.T) {
	require.Equal(t, -1, CompareSnowflake("999999999999999999", "1000000000000000000"))
}

func TestCompareTimeThenSnowflakeBreaksTieOnID(t *testing.T) {
	ts := time.Now()
	require.Equal(t, -1, CompareTimeThenSnowflake(ts, "100", ts, "200"))
	require.Equal(t, 0, CompareTimeThenSnowflake(ts, "100", ts, "100"))
}

func TestCompareTimeThenSnowflakePrefersEarlierTimestamp(t *testing.T) {
	early := time.Now()
	late := early.Add(time.Second)
	require.Equal(t, -1, CompareTimeThenSnowflake(early, "999", late, "100"))
}

func TestSnowflakeTimestampDecodesEpoch(t *testing.T) {
	// A known Discord snowflake's embedded timestamp.
	ts, ok := SnowflakeTimestamp("175928847299117063")
	require.True(t, ok)
	require.WithinDuration(t, time.Date(2016, 4, 30, 11, 18, 25, 796000000, time.UTC), ts, time.Second)
}

func TestSnowflakeTimestampRejectsNonNumeric(t *testing.T) {
	_, ok := SnowflakeTimestamp("not-a-snowflake")
	require.False(t, ok)
}
