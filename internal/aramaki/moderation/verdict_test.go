package moderation

import (
	"strings"
	"testing"
)

func TestDecodeVerdict(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    Verdict
		wantErr bool
	}{
		{
			name: "plain warn verdict",
			raw:  `{"action":"warn","reason":"spam link","user_id":"@spammer:example.org"}`,
			want: Verdict{Action: ActionWarn, Reason: "spam link", SubjectID: "@spammer:example.org"},
		},
		{
			name: "ignore verdict",
			raw:  `{"action":"ignore","reason":"normal chat","user_id":"@alice:example.org"}`,
			want: Verdict{Action: ActionNone, Reason: "normal chat", SubjectID: "@alice:example.org"},
		},
		{
			name: "ban verdict without optional fields",
			raw:  `{"action":"ban"}`,
			want: Verdict{Action: ActionBan},
		},
		{
			name: "code-fenced output",
			raw:  "```json\n{\"action\":\"warn\",\"reason\":\"flood\",\"user_id\":\"@bob:example.org\"}\n```",
			want: Verdict{Action: ActionWarn, Reason: "flood", SubjectID: "@bob:example.org"},
		},
		{
			name: "bare code fence",
			raw:  "```\n{\"action\":\"ignore\"}\n```",
			want: Verdict{Action: ActionNone},
		},
		{
			name:    "not JSON at all",
			raw:     "I think this message is fine.",
			wantErr: true,
		},
		{
			name:    "unknown action literal",
			raw:     `{"action":"obliterate","reason":"x"}`,
			wantErr: true,
		},
		{
			name:    "missing action",
			raw:     `{"reason":"no action here"}`,
			wantErr: true,
		},
		{
			name:    "wrong type for action",
			raw:     `{"action":42}`,
			wantErr: true,
		},
		{
			name:    "JSON array instead of object",
			raw:     `[{"action":"warn"}]`,
			wantErr: true,
		},
		{
			name:    "empty string",
			raw:     "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeVerdict(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("DecodeVerdict(%q) = %+v, want error", tt.raw, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("DecodeVerdict(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Errorf("DecodeVerdict(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestStripCodeFence(t *testing.T) {
	inner := `{"action":"warn"}`

	if got := stripCodeFence(inner); got != inner {
		t.Errorf("unfenced input changed: %q", got)
	}
	if got := stripCodeFence("```json\n" + inner + "\n```"); got != inner {
		t.Errorf("json fence not stripped: %q", got)
	}
	if got := stripCodeFence("  ```\n" + inner + "\n```  "); got != inner {
		t.Errorf("padded fence not stripped: %q", got)
	}
}

func TestActionString(t *testing.T) {
	if got := ActionNone.String(); got != "none" {
		t.Errorf("ActionNone.String() = %q", got)
	}
	if got := ActionWarn.String(); got != "warn" {
		t.Errorf("ActionWarn.String() = %q", got)
	}
	if got := ActionBan.String(); got != "ban" {
		t.Errorf("ActionBan.String() = %q", got)
	}
	if !strings.Contains(ActionWarn.String(), "warn") {
		t.Error("warn literal missing")
	}
}
