package events

import (
	"context"
	"errors"

	"mindbridge/src/app"
)

const (
	EventConnect       = "connect"
	EventEmotionUpdate = "emotion_update"
)

// Publisher fans detection results out to realtime listeners.
type Publisher interface {
	Publish(ctx context.Context, update app.EmotionUpdate) error
}

// Multi publishes to every target and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, update app.EmotionUpdate) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
