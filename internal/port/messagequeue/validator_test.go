package messagequeue

import (
	"strings"
	"testing"

	"github.com/Strob0t/MeterForge/internal/domain/run"
)

func TestValidate(t *testing.T) {
	delta, err := run.Encode(run.TextDelta{Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		name    string
		subject string
		data    string
		wantErr string // substring; empty means valid
	}{
		{"start", SubjectRunStart, `{"run_id":"r1","attempt":0,"billing_account_id":"b1","input":"hi"}`, ""},
		{"start without account", SubjectRunStart, `{"run_id":"r1"}`, "billing_account_id"},
		{"start not an object", SubjectRunStart, `"just a string"`, "schema validation failed"},
		{"start malformed", SubjectRunStart, `{not valid json`, "invalid JSON"},
		{"cancel", SubjectRunCancel, `{"run_id":"r1","reason":"user"}`, ""},
		{"cancel without run", SubjectRunCancel, `{}`, "run_id is required"},
		{"event envelope", RunEventSubject("r1"), string(delta), ""},
		{"event unknown type", RunEventSubject("r1"), `{"type":"telepathy","payload":{}}`, "schema validation failed"},
		{"bare event subject is not per-run", SubjectRunEvent, `{"type":"telepathy"}`, ""},
		{"unrelated subject", "billing.audit", `{"foo":"bar"}`, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(tc.subject, []byte(tc.data))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want substring %q", err, tc.wantErr)
			}
		})
	}
}

func TestRunEventSubject(t *testing.T) {
	if got := RunEventSubject("r42"); got != "runs.event.r42" {
		t.Fatalf("got %q", got)
	}
}
