package engine

import (
	"context"
	"errors"

	"github.com/redbco/hana-cdc/internal/hana"
	"github.com/redbco/hana-cdc/internal/metrics"
	"github.com/redbco/hana-cdc/pkg/cdc"
)

// retryingLoader applies the engine's retry policy to every page read.
type retryingLoader struct {
	e      *Engine
	loader hana.PageLoader
}

func (l retryingLoader) LoadPage(ctx context.Context, meta *cdc.TableMeta, cursor hana.LoadCursor, pageSize int) (*hana.LoadPage, error) {
	var page *hana.LoadPage
	err := l.e.retry(ctx, func(ctx context.Context) error {
		var err error
		page, err = l.loader.LoadPage(ctx, meta, cursor, pageSize)
		return err
	})
	return page, err
}

// RunInitialLoad streams the current contents of a NEW or INITIAL_LOADING table into sink
// as synthetic INSERT events, then activates the table.
//
// The max event id is captured as the snapshot boundary before the first page, so changes
// committed during the load are delivered afterwards by GetChanges. Progress is stored
// after every flushed page; an interrupted load resumes from the last stored page and may
// replay it, which sinks absorb through the events' dedup keys. It returns the number of
// rows emitted by this call.
func (e *Engine) RunInitialLoad(ctx context.Context, table cdc.TableRef, sink cdc.EventSink) (int64, error) {
	if sink == nil {
		return 0, cdc.NewConfigurationError("sink", "is required for an initial load")
	}
	st, err := e.TableStatus(ctx, table)
	if err != nil {
		return 0, err
	}

	switch st.Status {
	case cdc.StatusNew:
		err := e.update(ctx, func(ctx context.Context) error {
			return e.deps.Cursors.SetInitialLoading(ctx, e.cfg.ClientID, table)
		})
		if err != nil {
			return 0, err
		}
	case cdc.StatusInitialLoading:
		e.logger.Info("resuming initial load of %s", table)
	default:
		return 0, cdc.NewTransitionError(table, st.Status, cdc.StatusInitialLoading)
	}

	meta, err := e.describe(ctx, table)
	if err != nil {
		return 0, err
	}

	var snapshot int64
	if st.SnapshotEventID != nil {
		snapshot = *st.SnapshotEventID
	} else {
		err := e.retry(ctx, func(ctx context.Context) error {
			var err error
			snapshot, err = e.deps.Reader.MaxEventID(ctx)
			return err
		})
		if err != nil {
			return 0, err
		}
		if err := e.saveProgress(ctx, table, snapshot, ""); err != nil {
			return 0, err
		}
	}

	cursor, err := hana.ParseLoadCursor(st.LoadCursor)
	if err != nil {
		return 0, cdc.NewError(cdc.DeserializationError, "initial_load",
			errors.Join(errors.New("stored load cursor is unreadable"), err)).WithTable(table)
	}
	e.logger.Info("initial load of %s from row %d, snapshot at event %d", table, cursor.Rows, snapshot)

	var emitted int64
	loader := retryingLoader{e: e, loader: e.deps.Reader}
	for page, err := range hana.InitialLoad(ctx, loader, meta, cursor, e.cfg.InitialLoadPageSize) {
		if err != nil {
			return emitted, err
		}
		if len(page.Events) > 0 {
			if err := sink.WriteBatch(ctx, page.Events); err != nil {
				return emitted, err
			}
			if err := sink.Flush(ctx); err != nil {
				return emitted, err
			}
		}
		if err := e.saveProgress(ctx, table, snapshot, page.Cursor.Encode()); err != nil {
			return emitted, err
		}

		n := int64(len(page.Events))
		emitted += n
		metrics.InitialLoadRows.WithLabelValues(table.String()).Add(float64(n))
		e.logger.Debug("initial load of %s: %d rows so far", table, page.Cursor.Rows)
	}

	if err := e.activate(ctx, meta, snapshot); err != nil {
		return emitted, err
	}
	e.logger.Info("initial load of %s finished with %d rows", table, emitted)
	return emitted, nil
}

func (e *Engine) saveProgress(ctx context.Context, table cdc.TableRef, snapshot int64, cursor string) error {
	return e.update(ctx, func(ctx context.Context) error {
		return e.deps.Cursors.SaveLoadProgress(ctx, e.cfg.ClientID, table, snapshot, cursor)
	})
}
