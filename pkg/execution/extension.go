package execution

import (
	"context"
	"time"

	"github.com/entrhq/seibridge/pkg/correlator"
	"github.com/entrhq/seibridge/pkg/events"
)

// ExtensionStrategy sends actions to the browser extension over the
// transport and waits for the correlated response.
type ExtensionStrategy struct {
	corr *correlator.Correlator
	bus  *events.Bus
}

// NewExtensionStrategy wires a strategy over corr. bus may be nil, which
// turns the stability wait into a no-op.
func NewExtensionStrategy(corr *correlator.Correlator, bus *events.Bus) *ExtensionStrategy {
	return &ExtensionStrategy{corr: corr, bus: bus}
}

func (s *ExtensionStrategy) Backend() Backend { return BackendExtension }

// Available is true whenever a correlator is wired. Whether a session is
// connected is decided per request so callers get a not-connected
// diagnostic instead of a silent skip.
func (s *ExtensionStrategy) Available() bool { return s.corr != nil }

func (s *ExtensionStrategy) Execute(ctx context.Context, req Request) (Outcome, error) {
	res, err := s.corr.Send(ctx, req.Action, req.Params, req.SessionID)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Success: res.Success, Data: res.Data, Error: res.Error}, nil
}

// WaitForStability waits until the session has gone quiet: no navigation or
// DOM mutation events for the quiet window, bounded by max. An empty
// sessionID waits on the default session; with nothing connected there is
// nothing to wait for.
func (s *ExtensionStrategy) WaitForStability(ctx context.Context, sessionID string, quiet, max time.Duration) error {
	if s.bus == nil || s.corr == nil {
		return nil
	}
	if sessionID == "" {
		id, ok := s.corr.DefaultSession()
		if !ok {
			return nil
		}
		sessionID = id
	}
	return s.bus.WaitForQuiet(ctx, sessionID, quiet, max)
}
