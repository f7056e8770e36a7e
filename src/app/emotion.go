package app

import (
	"strings"
	"time"
)

type Emotion string

const (
	EmotionAnger    Emotion = "anger"
	EmotionDisgust  Emotion = "disgust"
	EmotionFear     Emotion = "fear"
	EmotionJoy      Emotion = "joy"
	EmotionNeutral  Emotion = "neutral"
	EmotionSadness  Emotion = "sadness"
	EmotionSurprise Emotion = "surprise"
)

var emotionAliases = map[string]Emotion{
	"happy": EmotionJoy,
	"sad":   EmotionSadness,
	"angry": EmotionAnger,
}

// ParseEmotion maps a model label onto the known set. Unknown labels become neutral.
func ParseEmotion(label string) Emotion {
	l := strings.ToLower(strings.TrimSpace(label))
	switch e := Emotion(l); e {
	case EmotionAnger, EmotionDisgust, EmotionFear, EmotionJoy, EmotionNeutral, EmotionSadness, EmotionSurprise:
		return e
	}
	if e, ok := emotionAliases[l]; ok {
		return e
	}
	return EmotionNeutral
}

// Prediction is the classifier output for one frame.
type Prediction struct {
	Emotion       Emotion `json:"emotion"`
	Confidence    float64 `json:"confidence"`
	BoundingBox   []int   `json:"bounding_box,omitempty"` // [x, y, w, h]
	FacesDetected *int    `json:"faces_detected,omitempty"`
}

// PredictionResponse is the body of the detect endpoint and of the ML service.
type PredictionResponse struct {
	Success    bool        `json:"success"`
	Prediction *Prediction `json:"prediction,omitempty"`
	Error      string      `json:"error,omitempty"`
}

// NeutralFallback is served when the ML service cannot be reached.
func NeutralFallback() PredictionResponse {
	return PredictionResponse{
		Success:    true,
		Prediction: &Prediction{Emotion: EmotionNeutral, Confidence: 0.5},
	}
}

type EmotionRecord struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	Emotion    Emotion    `json:"emotion"`
	Confidence float64    `json:"confidence"`
	Source     string     `json:"source"`
	FrameKey   string     `json:"frame_key,omitempty"`
	Raw        Prediction `json:"raw"`
	CreatedAt  time.Time  `json:"created_at"`
}

// EmotionUpdate is pushed over the realtime channel after each detection.
type EmotionUpdate struct {
	UserID     string    `json:"user_id"`
	Emotion    Emotion   `json:"emotion"`
	Confidence float64   `json:"confidence"`
	RecordID   string    `json:"record_id,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
