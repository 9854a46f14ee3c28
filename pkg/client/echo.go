// Copyright 2026 © The Messagebus Authors
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/jllopis/messagebus/pkg/emitter"
	"github.com/jllopis/messagebus/pkg/message"
)

// UtteranceEvent carries recognized speech.
const UtteranceEvent = "recognizer_loop:utterance"

// NewEchoHandler returns a RawHandler that logs every frame. Registration
// frames have their token blanked before they are logged.
func NewEchoHandler(logger *slog.Logger) RawHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(raw string) {
		logger.Info("MESSAGEBUS", "frame", redactRegistration(logger, raw))
	}
}

func redactRegistration(logger *slog.Logger, raw string) string {
	var frame map[string]any
	if err := json.Unmarshal([]byte(raw), &frame); err != nil {
		logger.Info("echo could not decode frame", "error", err)
		return raw
	}
	if t, _ := frame["type"].(string); t != "registration" {
		return raw
	}
	data, ok := frame["data"].(map[string]any)
	if !ok {
		logger.Info("registration frame without data object")
		return raw
	}
	data["token"] = nil
	redacted, err := json.Marshal(frame)
	if err != nil {
		logger.Info("echo could not encode frame", "error", err)
		return raw
	}
	return string(redacted)
}

// RepeatUtterances re-emits every recognized utterance as a "speak" message.
func RepeatUtterances(c *Client) emitter.ListenerID {
	return c.On(UtteranceEvent, func(ctx context.Context, msg *message.Message) {
		speak := message.New("speak", msg.Payload, msg.Context)
		if err := c.Emit(ctx, speak); err != nil {
			c.logger.WarnContext(ctx, "failed to repeat utterance", "error", err)
		}
	})
}
