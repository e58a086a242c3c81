package messagequeue

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/Strob0t/MeterForge/internal/domain/run"
)

// Validate checks whether data is valid JSON conforming to the schema
// associated with the given subject. Unknown subjects pass validation
// (future-proof for new message types).
func Validate(subject string, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("invalid JSON on subject %s", subject)
	}

	switch {
	case subject == SubjectRunStart:
		var p RunStartPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.RunID == "" || p.BillingAccountID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("run_id and billing_account_id are required"))
		}
	case subject == SubjectRunCancel:
		var p RunCancelPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
		if p.RunID == "" {
			return fmt.Errorf("schema validation failed for %s: %w", subject, errors.New("run_id is required"))
		}
	case strings.HasPrefix(subject, SubjectRunEvent+"."):
		// runs.event.{runID} carries one run event envelope.
		if _, err := run.Decode(data); err != nil {
			return fmt.Errorf("schema validation failed for %s: %w", subject, err)
		}
	}
	return nil
}
