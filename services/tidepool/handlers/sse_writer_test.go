// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
)

func TestSSEWriter_Framing(t *testing.T) {
	rec := httptest.NewRecorder()
	SetSSEHeaders(rec)
	writer, err := NewSSEWriter(rec)
	if err != nil {
		t.Fatalf("NewSSEWriter: %v", err)
	}

	events := []datatypes.StreamEvent{
		{Type: datatypes.EventStart, SessionId: "sess-1"},
		{Type: datatypes.EventUpdate, Node: "router", Delta: map[string]any{"route": "direct_chat"}},
		{Type: datatypes.EventDone, Status: "completed"},
	}
	for _, ev := range events {
		if err := writer.WriteEvent(ev); err != nil {
			t.Fatalf("WriteEvent: %v", err)
		}
	}
	if err := writer.WriteKeepAlive(); err != nil {
		t.Fatalf("WriteKeepAlive: %v", err)
	}

	body := rec.Body.String()
	frames := strings.Split(strings.TrimSuffix(body, "\n\n"), "\n\n")
	if len(frames) != 4 {
		t.Fatalf("expected 4 frames, got %d: %q", len(frames), body)
	}

	for i, want := range []string{datatypes.EventStart, datatypes.EventUpdate, datatypes.EventDone} {
		lines := strings.SplitN(frames[i], "\n", 2)
		if lines[0] != "event: "+want {
			t.Errorf("frame %d name line %q, want event %q", i, lines[0], want)
		}
		if !strings.HasPrefix(lines[1], "data: ") {
			t.Fatalf("frame %d missing data line: %q", i, frames[i])
		}
		var decoded datatypes.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &decoded); err != nil {
			t.Errorf("frame %d data is not JSON: %v", i, err)
		}
		if decoded.Id == "" || decoded.CreatedAt == 0 {
			t.Errorf("frame %d missing id/created_at metadata", i)
		}
	}

	if frames[3] != ": ping" {
		t.Errorf("keepalive frame %q", frames[3])
	}

	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type %q", got)
	}
	if got := rec.Header().Get("X-Accel-Buffering"); got != "no" {
		t.Errorf("X-Accel-Buffering %q", got)
	}
}
