// Package handlers contains the built-in system message handlers of the
// server.
package handlers

import (
	"context"

	"flockwave/internal/hub"
	"flockwave/pkg/model"
	"flockwave/pkg/version"
)

// Register installs the built-in handlers on the message hub.
func Register(h *hub.Hub, serverName string) {
	h.RegisterHandler(handlePing, "SYS-PING")
	h.RegisterHandler(versionHandler(serverName), "SYS-VER")
}

// handlePing acknowledges a keepalive request.
func handlePing(_ context.Context, msg *model.Message, _ *model.Client, h *hub.Hub) (hub.Result, error) {
	ack, err := h.Acknowledge(msg, true, "")
	if err != nil {
		return hub.Declined(), err
	}
	return hub.ReplyWith(ack), nil
}

// versionHandler answers version queries with the build information of
// the server.
func versionHandler(serverName string) hub.Handler {
	return func(_ context.Context, _ *model.Message, _ *model.Client, _ *hub.Hub) (hub.Result, error) {
		info := version.GetInfo()
		return hub.Reply(map[string]interface{}{
			"name":      serverName,
			"software":  "flockwaved",
			"version":   info.Version,
			"revision":  version.GetShortCommit(),
			"buildDate": info.BuildDate,
		}), nil
	}
}
