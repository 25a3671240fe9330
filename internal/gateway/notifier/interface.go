package notifier

import "context"

// TextNotifier delivers a rendered text message to an operator channel.
type TextNotifier interface {
	SendText(ctx context.Context, text string) error
}
