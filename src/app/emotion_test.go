package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEmotion(t *testing.T) {
	cases := map[string]Emotion{
		"joy":      EmotionJoy,
		"Happy":    EmotionJoy,
		" sad ":    EmotionSadness,
		"ANGRY":    EmotionAnger,
		"surprise": EmotionSurprise,
		"bored":    EmotionNeutral,
		"":         EmotionNeutral,
	}
	for label, want := range cases {
		assert.Equal(t, want, ParseEmotion(label), label)
	}
}
