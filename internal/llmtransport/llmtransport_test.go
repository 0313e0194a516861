package llmtransport

import (
	"strings"
	"testing"
)

func TestExtractResponsePrefersTopLevelText(t *testing.T) {
	raw := map[string]any{
		"status":      "completed",
		"output_text": "hello world",
	}
	resp := extractResponse(raw)
	if resp.OutputText != "hello world" {
		t.Fatalf("got %q", resp.OutputText)
	}
}

func TestExtractResponseFallsBackToOutputArray(t *testing.T) {
	raw := map[string]any{
		"status": "completed",
		"output": []any{
			map[string]any{
				"type": "message",
				"content": []any{
					map[string]any{"text": "from array"},
				},
			},
		},
	}
	resp := extractResponse(raw)
	if resp.OutputText != "from array" {
		t.Fatalf("got %q", resp.OutputText)
	}
}

func TestExtractResponseIncompleteReason(t *testing.T) {
	raw := map[string]any{
		"status":             "incomplete",
		"incomplete_details": map[string]any{"reason": "max_output_tokens"},
	}
	resp := extractResponse(raw)
	if resp.Status != "incomplete" || resp.IncompleteReason != "max_output_tokens" {
		t.Fatalf("got %+v", resp)
	}
}

func TestParseSSEAccumulatesDeltas(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.output_text.delta","output_text_delta":"hel"}`,
		`data: {"type":"response.output_text.delta","output_text_delta":"lo"}`,
		`data: {"type":"response.completed","status":"completed","output_text":"hello"}`,
		`data: [DONE]`,
		"",
	}, "\n\n")

	resp, _, err := parseSSE(strings.NewReader(stream))
	if err != nil {
		t.Fatal(err)
	}
	if resp.OutputText != "hello" {
		t.Fatalf("got %q", resp.OutputText)
	}
}

func TestDecodeGuardedRejectsOversizedPayload(t *testing.T) {
	huge := strings.NewReader(`{"x":"` + strings.Repeat("a", MaxPayloadBytes+10) + `"}`)
	var v map[string]any
	err := decodeGuarded(huge, &v)
	if err != ErrPayloadTooLarge {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestNewRejectsMissingAPIKey(t *testing.T) {
	if _, err := New(Config{BaseURL: "http://x", Model: "m"}); err == nil {
		t.Fatal("expected error for missing API key")
	}
}
