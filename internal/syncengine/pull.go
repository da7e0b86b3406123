package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"odoo-ops-relay/internal/models"
	"odoo-ops-relay/internal/odoo"
	"odoo-ops-relay/internal/telemetry"
)

// Mapper converts one Odoo record into a mirror row.
type Mapper func(rec json.RawMessage, now time.Time) (models.MirrorRecord, error)

// PullResult summarises one page pulled from Odoo.
type PullResult struct {
	Fetched    int    `json:"fetched"`
	Upserted   int    `json:"upserted"`
	Offset     int    `json:"offset"`
	NextOffset int    `json:"next_offset"`
	PageSize   int    `json:"page_size"`
	Since      string `json:"since,omitempty"`
}

func (e *Engine) pull(ctx context.Context, sess Session, model string, cfg PullConfig) (PullResult, error) {
	mapper, ok := e.mappers[model]
	if !ok {
		return PullResult{}, fmt.Errorf("odoo_to_sb %s: %w", model, ErrUnsupportedModel)
	}

	key := PullKey(model)
	cp, _, err := e.store.GetCheckpoint(ctx, key)
	if err != nil {
		return PullResult{}, fmt.Errorf("load checkpoint: %w", err)
	}
	cursor := cp.Cursor
	if cursor.Offset < 0 {
		cursor.Offset = 0
	}

	domain := slices.Clone(cfg.Domain)
	fields := cfg.Fields
	if cfg.Incremental {
		if cursor.Since != "" {
			domain = append(domain, []any{"write_date", ">", cursor.Since})
		}
		if !slices.Contains(fields, "write_date") {
			fields = append(slices.Clone(fields), "write_date")
		}
	}

	// One extra row tells a full final page apart from a page with more
	// data behind it.
	records, err := sess.SearchRead(ctx, model, domain, odoo.SearchReadOptions{
		Fields: fields,
		Limit:  cfg.PageSize + 1,
		Offset: cursor.Offset,
		Order:  "id asc",
	})
	if err != nil {
		return PullResult{}, fmt.Errorf("search_read %s: %w", model, err)
	}
	more := len(records) > cfg.PageSize
	if more {
		records = records[:cfg.PageSize]
	}

	now := e.now().UTC()
	rows := make([]models.MirrorRecord, 0, len(records))
	for _, rec := range records {
		row, err := mapper(rec, now)
		if err != nil {
			return PullResult{}, fmt.Errorf("map %s record: %w", model, err)
		}
		row.Model = model
		rows = append(rows, row)
		if cfg.Incremental {
			if wd := rawWriteDate(rec); wd > cursor.MaxSeen {
				cursor.MaxSeen = wd
			}
		}
	}

	upserted, err := e.store.UpsertMirror(ctx, rows)
	if err != nil {
		return PullResult{}, fmt.Errorf("upsert mirror: %w", err)
	}
	telemetry.PullRecords.WithLabelValues(model).Add(float64(upserted))

	res := PullResult{Fetched: len(records), Upserted: upserted, Offset: cursor.Offset, PageSize: cfg.PageSize}
	next := cursor
	if !more {
		// Last page: the scan is complete, start over.
		next.Offset = 0
		if cfg.Incremental && next.MaxSeen > next.Since {
			next.Since = next.MaxSeen
		}
		next.MaxSeen = ""
	} else {
		next.Offset = cursor.Offset + len(records)
	}
	if err := e.store.SaveCheckpoint(ctx, key, next, now); err != nil {
		return PullResult{}, fmt.Errorf("save checkpoint: %w", err)
	}
	res.NextOffset = next.Offset
	res.Since = next.Since

	e.logger.Info("odoo pull", "model", model, "fetched", res.Fetched, "offset", res.Offset, "next_offset", res.NextOffset)
	return res, nil
}

// rawWriteDate returns the record's write_date as Odoo sent it. Odoo's
// "YYYY-MM-DD HH:MM:SS" form orders lexically.
func rawWriteDate(rec json.RawMessage) string {
	var v struct {
		WriteDate any `json:"write_date"`
	}
	if json.Unmarshal(rec, &v) != nil {
		return ""
	}
	s, _ := v.WriteDate.(string)
	return s
}
