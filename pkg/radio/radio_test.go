package radio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMode(t *testing.T) {
	t.Run("Names And Aliases", func(t *testing.T) {
		cases := map[string]Mode{
			"cw":           ModeCW,
			"USB":          ModeUSB,
			" lsb ":        ModeLSB,
			"DATA":         ModeData,
			"cw-r":         ModeCWReverse,
			"DATA-REVERSE": ModeDataReverse,
		}
		for in, want := range cases {
			got, err := ParseMode(in)
			require.NoError(t, err, in)
			assert.Equal(t, want, got, in)
		}
	})

	t.Run("Unknown Is Invalid", func(t *testing.T) {
		_, err := ParseMode("RTTY")
		assert.ErrorIs(t, err, ErrInvalidInput)
		_, err = ParseMode("UNKNOWN")
		assert.ErrorIs(t, err, ErrInvalidInput)
	})

	t.Run("Codes Round Trip", func(t *testing.T) {
		for m := range modeCodes {
			code, ok := m.Code()
			require.True(t, ok)
			assert.Equal(t, m, ModeFromCode(code))
		}
		assert.Equal(t, ModeUnknown, ModeFromCode(8))
	})

	t.Run("Text Encoding", func(t *testing.T) {
		text, err := ModeDataReverse.MarshalText()
		require.NoError(t, err)
		var m Mode
		require.NoError(t, m.UnmarshalText(text))
		assert.Equal(t, ModeDataReverse, m)
	})
}

func TestFamilyLimits(t *testing.T) {
	assert.Equal(t, FamilyKX2, familyFromOption("01"))
	assert.Equal(t, FamilyKX3, familyFromOption("02"))
	assert.Equal(t, FamilyKH1, familyFromOption("03"))
	assert.Equal(t, FamilyUnknown, familyFromOption("09"))

	assert.NoError(t, LimitsFor(FamilyKX3).checkFrequency(50_313_000))
	assert.Error(t, LimitsFor(FamilyKX2).checkFrequency(50_313_000))
	assert.Error(t, LimitsFor(FamilyKH1).checkFrequency(28_074_000))
}

func TestMorseElements(t *testing.T) {
	t.Run("Letter", func(t *testing.T) {
		assert.Equal(t, []element{{true, 1}, {false, 1}, {true, 3}}, morseElements("A"))
	})

	t.Run("Character And Word Gaps", func(t *testing.T) {
		assert.Equal(t, []element{{true, 1}, {false, 3}, {true, 1}}, morseElements("EE"))
		assert.Equal(t, []element{{true, 1}, {false, 7}, {true, 1}}, morseElements("E E"))
	})

	t.Run("No Trailing Gap", func(t *testing.T) {
		els := morseElements("T ")
		require.Len(t, els, 1)
		assert.True(t, els[0].on)
	})

	t.Run("Dit Length", func(t *testing.T) {
		assert.Equal(t, 60*time.Millisecond, ditLength(20))
		assert.Equal(t, 60*time.Millisecond, ditLength(0))
	})
}

func TestKeyerDuration(t *testing.T) {
	// PARIS is fifty units, one minute per twenty words
	assert.Equal(t, 3*time.Second+KeyerMargin, keyerDuration("PARIS", 20))
	assert.Equal(t, 1200*time.Millisecond+KeyerMargin, keyerDuration("E", 10))
}

func TestParseKH1Snapshot(t *testing.T) {
	t.Run("Valid", func(t *testing.T) {
		st, err := parseKH1Snapshot("14074.000 U 05 120 1")
		require.NoError(t, err)
		assert.Equal(t, kh1Status{
			FrequencyHz: 14_074_000,
			Mode:        ModeUSB,
			Power:       5,
			Volume:      120,
			Transmit:    true,
		}, st)
	})

	t.Run("Low Band", func(t *testing.T) {
		st, err := parseKH1Snapshot("07030.250 C 03 040 0")
		require.NoError(t, err)
		assert.Equal(t, int64(7_030_250), st.FrequencyHz)
		assert.False(t, st.Transmit)
	})

	t.Run("Malformed", func(t *testing.T) {
		for _, payload := range []string{
			"14074.000 U 05",
			"14O74.000 U 05 120 1",
			"14074.000 X 05 120 1",
			"14074.000 U 5x 120 1",
		} {
			_, err := parseKH1Snapshot(payload)
			assert.Error(t, err, payload)
		}
	})
}

func TestParseClock(t *testing.T) {
	s, err := parseClock("235959")
	require.NoError(t, err)
	assert.Equal(t, 86399, s)

	_, err = parseClock("2359")
	assert.Error(t, err)
}
