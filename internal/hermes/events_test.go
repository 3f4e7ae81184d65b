package hermes

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestIngestRequestParsing(t *testing.T) {
	raw := `{"document_id": "doc-42", "text": "Our premium plan includes priority support."}`

	var req IngestRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("failed to parse IngestRequest: %v", err)
	}
	if req.DocumentID != "doc-42" {
		t.Errorf("expected document_id 'doc-42', got '%s'", req.DocumentID)
	}
	if !strings.HasPrefix(req.Text, "Our premium plan") {
		t.Errorf("unexpected text %q", req.Text)
	}
}

func TestCallTurnOmitsEmptyCategory(t *testing.T) {
	data, err := json.Marshal(CallTurn{CallID: "CA1", Turn: 1, Valid: false, Reply: "Sorry?", Source: "retry"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "category") {
		t.Errorf("invalid turn should not carry a category: %s", data)
	}
	if !strings.Contains(string(data), `"valid":false`) {
		t.Errorf("expected valid=false in %s", data)
	}
}

func TestSubjectsShareHeraldPrefix(t *testing.T) {
	for _, s := range []string{SubjectCallStarted, SubjectCallTurn, SubjectCallTerminated, SubjectDocumentIngested, SubjectDocumentIngest} {
		if !strings.HasPrefix(s, "swarm.herald.") {
			t.Errorf("subject %q outside swarm.herald namespace", s)
		}
	}
}
