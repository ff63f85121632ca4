package archive

import (
	"context"
	"strconv"
	"strings"

	"github.com/vinayprograms/agentqueue/errors"
	"github.com/vinayprograms/agentqueue/logging"
	"github.com/vinayprograms/agentqueue/schema"
	"github.com/vinayprograms/agentqueue/streams"
)

// DefaultBatch is the number of stream entries read per round.
const DefaultBatch = 100

// Archiver moves results from the result stream into a Store.
type Archiver struct {
	log    streams.Log
	store  Store
	topo   streams.Topology
	logger *logging.Logger
}

// NewArchiver creates an archiver. A nil logger uses the default.
func NewArchiver(log streams.Log, store Store, topo streams.Topology, logger *logging.Logger) *Archiver {
	if logger == nil {
		logger = logging.New().WithComponent("archive")
	}
	return &Archiver{log: log, store: store, topo: topo, logger: logger}
}

// Run copies every result entry into the store, oldest first, batch
// entries at a time (DefaultBatch when <= 0). With trim set, archived
// entries are deleted from the stream after each batch. Entries that do
// not decode are logged and left in place. It returns the number of
// entries newly archived.
func (a *Archiver) Run(ctx context.Context, batch int, trim bool) (int, error) {
	if batch <= 0 {
		batch = DefaultBatch
	}
	archived := 0
	start := "-"
	for {
		entries, err := a.log.Range(ctx, a.topo.Results, start, "+", int64(batch))
		if err != nil {
			return archived, err
		}
		if len(entries) == 0 {
			break
		}

		var done []string
		for _, e := range entries {
			res, err := schema.DeserializeResult(e.Fields)
			if err != nil {
				a.logger.Warn("skipping undecodable result", logging.Fields{"entry": e.ID, "error": err.Error()})
				continue
			}
			inserted, err := a.store.Insert(ctx, e.ID, res)
			if err != nil {
				return archived, err
			}
			if inserted {
				archived++
			}
			done = append(done, e.ID)
		}

		if trim && len(done) > 0 {
			if err := a.log.Delete(ctx, a.topo.Results, done...); err != nil {
				return archived, err
			}
		}
		if len(entries) < batch {
			break
		}
		next, err := nextID(entries[len(entries)-1].ID)
		if err != nil {
			return archived, err
		}
		start = next
	}

	a.logger.Info("results archived", logging.Fields{"archived": archived, "trim": trim})
	return archived, nil
}

// nextID returns the smallest stream id greater than id.
func nextID(id string) (string, error) {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return "", errors.Newf(errors.ErrCodeCorruption, "malformed stream id %q", id)
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrCodeCorruption, "malformed stream id "+id)
	}
	return ms + "-" + strconv.FormatUint(n+1, 10), nil
}
