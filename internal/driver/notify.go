package driver

import (
	"context"

	"github.com/rs/zerolog/log"
)

// NotifyDriver surfaces notify.show ops. Server-side there is no toast to
// raise, so notifications land in the structured log.
type NotifyDriver struct{}

func NewNotifyDriver() *NotifyDriver { return &NotifyDriver{} }

func (d *NotifyDriver) Name() string { return "notify" }

func (d *NotifyDriver) Call(ctx context.Context, method string, args map[string]any) (map[string]any, error) {
	if method != "show" {
		return nil, unknownMethod("notify", method)
	}
	log.Info().
		Str("title", stringArg(args, "title")).
		Str("body", stringArg(args, "body")).
		Msg("🔔 Packet notification")
	return map[string]any{"shown": true, "method": "log"}, nil
}
