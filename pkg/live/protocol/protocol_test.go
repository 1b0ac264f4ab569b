package protocol

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
)

func TestAudioChunk_Shape(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	raw, err := AudioChunk(pcm)
	if err != nil {
		t.Fatalf("AudioChunk error: %v", err)
	}

	var msg struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MimeType string `json:"mime_type"`
				Data     string `json:"data"`
			} `json:"media_chunks"`
		} `json:"realtime_input"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(msg.RealtimeInput.MediaChunks) != 1 {
		t.Fatalf("chunks=%d, want 1", len(msg.RealtimeInput.MediaChunks))
	}
	chunk := msg.RealtimeInput.MediaChunks[0]
	if chunk.MimeType != "audio/pcm;rate=16000" {
		t.Errorf("mime_type=%q", chunk.MimeType)
	}
	decoded, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		t.Fatalf("decode data: %v", err)
	}
	if string(decoded) != string(pcm) {
		t.Errorf("payload mismatch: %v", decoded)
	}
}

func TestAudioChunk_EmptyRejected(t *testing.T) {
	if _, err := AudioChunk(nil); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestVideoFrame_MimeType(t *testing.T) {
	raw, err := VideoFrame([]byte{0xFF, 0xD8})
	if err != nil {
		t.Fatalf("VideoFrame error: %v", err)
	}
	if !strings.Contains(string(raw), `"mime_type":"image/jpeg"`) {
		t.Fatalf("missing jpeg mime type: %s", raw)
	}
}

func TestTextTurn_Shape(t *testing.T) {
	raw, err := TextTurn("Please continue.")
	if err != nil {
		t.Fatalf("TextTurn error: %v", err)
	}
	s := string(raw)
	for _, want := range []string{`"client_content"`, `"role":"user"`, `"turn_complete":true`, `"Please continue."`} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %s in %s", want, s)
		}
	}
	if _, err := TextTurn("  "); err == nil {
		t.Error("expected error for blank text")
	}
}

func TestImageTurn_PartsOrder(t *testing.T) {
	raw, err := ImageTurn([]byte{0xFF, 0xD8, 0xFF}, "What do you see?")
	if err != nil {
		t.Fatalf("ImageTurn error: %v", err)
	}
	var msg struct {
		ClientContent struct {
			Turns []struct {
				Parts []Part `json:"parts"`
			} `json:"turns"`
			TurnComplete bool `json:"turn_complete"`
		} `json:"client_content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !msg.ClientContent.TurnComplete {
		t.Error("turn_complete not set")
	}
	if len(msg.ClientContent.Turns) != 1 {
		t.Fatalf("turns=%d, want 1", len(msg.ClientContent.Turns))
	}
	parts := msg.ClientContent.Turns[0].Parts
	if len(parts) != 2 {
		t.Fatalf("parts=%d, want 2", len(parts))
	}
	if parts[0].InlineData == nil || parts[0].InlineData.MimeType != MimeJPEG {
		t.Errorf("first part is not the image: %+v", parts[0])
	}
	if parts[1].Text != "What do you see?" {
		t.Errorf("second part text=%q", parts[1].Text)
	}
}

func TestParse_SetupComplete(t *testing.T) {
	for _, raw := range []string{`{"setupComplete":true}`, `{"setupComplete":{}}`} {
		msg, err := Parse([]byte(raw))
		if err != nil {
			t.Fatalf("Parse(%s): %v", raw, err)
		}
		if !msg.IsSetupComplete() {
			t.Errorf("IsSetupComplete false for %s", raw)
		}
	}
	msg, err := Parse([]byte(`{"serverContent":{"turnComplete":true}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.IsSetupComplete() {
		t.Error("IsSetupComplete true without setupComplete field")
	}
}

func TestParse_ServerContent(t *testing.T) {
	audio := base64.StdEncoding.EncodeToString([]byte{0x10, 0x20})
	raw := `{"serverContent":{"modelTurn":{"parts":[` +
		`{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"` + audio + `"}},` +
		`{"text":"hello"}]}}}`
	msg, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	parts := msg.ServerContent.ModelTurn.Parts
	if len(parts) != 2 {
		t.Fatalf("parts=%d, want 2", len(parts))
	}
	if !parts[0].InlineData.IsAudio() {
		t.Error("first part not recognized as audio")
	}
	pcm, err := parts[0].InlineData.Decode()
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(pcm) != 2 || pcm[0] != 0x10 {
		t.Errorf("decoded payload=%v", pcm)
	}
	if parts[1].Text != "hello" {
		t.Errorf("text=%q", parts[1].Text)
	}
}

func TestParse_InterruptedAndTurnComplete(t *testing.T) {
	msg, err := Parse([]byte(`{"serverContent":{"interrupted":true}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.ServerContent.Interrupted {
		t.Error("interrupted not set")
	}
	msg, err = Parse([]byte(`{"serverContent":{"turnComplete":true}}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.ServerContent.TurnComplete {
		t.Error("turnComplete not set")
	}
}

func TestParse_Errors(t *testing.T) {
	msg, err := Parse([]byte(`{"error":"QUOTA_EXCEEDED"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if !msg.IsQuotaError() {
		t.Error("quota error not detected")
	}
	msg, err = Parse([]byte(`{"error":"internal"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if msg.IsQuotaError() {
		t.Error("generic error misclassified as quota")
	}
	if _, err := Parse([]byte(`not json`)); err == nil {
		t.Error("expected parse error for invalid JSON")
	}
}

func TestInlineData_DecodeFailure(t *testing.T) {
	d := &InlineData{MimeType: "audio/pcm;rate=24000", Data: "!!!"}
	if _, err := d.Decode(); err == nil {
		t.Fatal("expected decode error")
	}
	var nilData *InlineData
	if nilData.IsAudio() {
		t.Error("nil inline data reported as audio")
	}
}
