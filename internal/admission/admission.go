package admission

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"go.uber.org/zap"

	"github.com/lucasnoah/fixfactory/internal/pipeline"
	"github.com/lucasnoah/fixfactory/internal/store"
)

// Disposition is the outcome of webhook admission.
type Disposition string

const (
	DispositionNew       Disposition = "new"
	DispositionDuplicate Disposition = "duplicate"
)

// Control admits failure events into the pipeline exactly once: webhook
// redeliveries are dropped on their delivery id, and every admitted
// event maps to a single run row keyed by run_key.
type Control struct {
	store *store.Store
	log   *zap.Logger
}

// NewControl returns an admission control over the given store.
func NewControl(s *store.Store, log *zap.Logger) *Control {
	return &Control{store: s, log: log}
}

// AdmitWebhook records the event's delivery id and reports whether the
// delivery is new. Duplicates stop here, before any run work.
func (c *Control) AdmitWebhook(ev pipeline.FailureEvent) (Disposition, error) {
	deliveryID := ev.DeliveryID
	if deliveryID == "" {
		deliveryID = FallbackDeliveryID(ev)
	}
	fresh, err := c.store.RecordDelivery(deliveryID, ev.EventID, ev.Repo)
	if err != nil {
		return "", fmt.Errorf("admit webhook: %w", err)
	}
	if !fresh {
		c.log.Info("duplicate webhook delivery dropped",
			zap.String("delivery_id", deliveryID),
			zap.String("repo", ev.Repo))
		return DispositionDuplicate, nil
	}
	return DispositionNew, nil
}

// AdmitRun maps an admitted event to its run row, creating a pending
// run when the run_key is unseen. Concurrent admissions of the same key
// converge on one row.
func (c *Control) AdmitRun(ev pipeline.FailureEvent) (*store.Run, bool, error) {
	run, created, err := c.store.GetOrCreateRun(ev)
	if err != nil {
		return nil, false, fmt.Errorf("admit run: %w", err)
	}
	if created {
		c.log.Info("run admitted",
			zap.String("run_key", run.RunKey),
			zap.String("repo", run.Repo),
			zap.String("branch", run.Branch))
	}
	return run, created, nil
}

// FallbackDeliveryID derives a stable delivery id for providers that
// send none, from the fields that identify the delivery payload.
func FallbackDeliveryID(ev pipeline.FailureEvent) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s", ev.EventID, ev.Repo, ev.Branch, ev.CommitSHA, ev.ErrorMessage)
	return hex.EncodeToString(h.Sum(nil))
}
