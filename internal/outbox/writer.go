package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/erauner12/outbox/internal/sqlstate"
	"github.com/erauner12/outbox/internal/staged"
	"github.com/erauner12/outbox/internal/txerr"
)

// WriteStaged persists the staged-event log into the outbox table. The db
// must be the same open transaction that carries the user's state mutations,
// so the rows and the state commit atomically. Lease and published columns
// start NULL; the shard column is generated by the store.
func WriteStaged(ctx context.Context, db sqlstate.DBTX, cfg TableConfig, events []staged.Event) error {
	if len(events) == 0 {
		return nil
	}

	cols := []string{cfg.IDColumn, cfg.TopicColumn, cfg.DataColumn, cfg.AttributesColumn, cfg.OrderingKeyColumn}
	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", cfg.Table, strings.Join(cols, ", "))

	args := make([]any, 0, len(events)*len(cols))
	for i, ev := range events {
		attrs, err := json.Marshal(ev.Attributes)
		if err != nil {
			return fmt.Errorf("outbox: marshal attributes for %s: %w", ev.ID, err)
		}
		if i > 0 {
			sb.WriteString(", ")
		}
		base := len(args)
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d)", base+1, base+2, base+3, base+4, base+5)
		var key any
		if ev.OrderingKey != "" {
			key = ev.OrderingKey
		}
		args = append(args, ev.ID.String(), ev.Topic, ev.Data, attrs, key)
	}

	if _, err := db.Exec(ctx, sb.String(), args...); err != nil {
		return txerr.Translate(err)
	}
	return nil
}
