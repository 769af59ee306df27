package dlq

import (
	"context"
	"fmt"

	"github.com/conveyorhq/conveyor/envelope"
	"github.com/conveyorhq/conveyor/id"
)

func parsePoisonID(s string) (id.ID, error) {
	return id.ParseWithPrefix(s, id.PrefixPoison)
}

// Republisher re-injects an envelope into the job topic. The broker's
// publisher satisfies this through a thin adapter at the wiring layer.
type Republisher interface {
	Publish(ctx context.Context, env *envelope.Envelope) error
}

// Replay rebuilds the envelope quarantined in the given record and
// republishes it with reset retry bookkeeping: Attempt=1 and no
// PreviousAttempts. The quarantine record is cleared only after the
// publish succeeds, so a failed replay leaves the record in place for
// another try.
func (r *Recorder) Replay(ctx context.Context, poisonID string, pub Republisher) (*envelope.Envelope, error) {
	parsed, err := parsePoisonID(poisonID)
	if err != nil {
		return nil, err
	}

	record, err := r.store.GetPoison(ctx, parsed)
	if err != nil {
		return nil, err
	}
	if record.Truncated {
		return nil, fmt.Errorf("dlq: replay %s: payload was truncated at quarantine, original unavailable", poisonID)
	}

	env, errs := envelope.Validate([]byte(record.RawPayload))
	if errs != nil {
		return nil, fmt.Errorf("dlq: replay %s: quarantined payload does not validate: %v", poisonID, errs)
	}

	env.Attempt = 1
	env.PreviousAttempts = nil

	if err := pub.Publish(ctx, env); err != nil {
		return nil, fmt.Errorf("dlq: replay %s: %w", poisonID, err)
	}

	if err := r.store.ClearPoison(ctx, parsed); err != nil {
		// Already republished; surface the cleanup failure but return
		// the envelope so the caller knows the replay went out.
		return env, err
	}
	return env, nil
}
