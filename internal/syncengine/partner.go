package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"odoo-ops-relay/internal/models"
)

// odooWriteDate is the server-side datetime format, always UTC.
const odooWriteDate = "2006-01-02 15:04:05"

type partnerRecord struct {
	ID        int64           `json:"id"`
	Name      json.RawMessage `json:"name"`
	Email     json.RawMessage `json:"email"`
	Phone     json.RawMessage `json:"phone"`
	WriteDate json.RawMessage `json:"write_date"`
}

func mapPartner(rec json.RawMessage, now time.Time) (models.MirrorRecord, error) {
	var p partnerRecord
	if err := json.Unmarshal(rec, &p); err != nil {
		return models.MirrorRecord{}, fmt.Errorf("decode res.partner: %w", err)
	}
	if p.ID == 0 {
		return models.MirrorRecord{}, fmt.Errorf("res.partner record without id")
	}
	row := models.MirrorRecord{
		Model:    "res.partner",
		OdooID:   p.ID,
		Name:     odooString(p.Name),
		Email:    odooString(p.Email),
		Phone:    odooString(p.Phone),
		Raw:      rec,
		SyncedAt: now,
	}
	if wd := odooString(p.WriteDate); wd != nil {
		if t, err := parseOdooTime(*wd); err == nil {
			row.WriteDate = &t
		}
	}
	return row, nil
}

// odooString decodes a char field. Odoo sends false for empty fields.
func odooString(raw json.RawMessage) *string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return nil
	}
	return &s
}

func parseOdooTime(s string) (time.Time, error) {
	if t, err := time.ParseInLocation(odooWriteDate, s, time.UTC); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, s)
}

type partnerPayload struct {
	OdooID json.Number     `json:"odoo_id"`
	Name   json.RawMessage `json:"name"`
	Email  json.RawMessage `json:"email"`
	Phone  json.RawMessage `json:"phone"`
}

func applyPartnerUpsert(ctx context.Context, env ApplyEnv, item models.OutboxItem) error {
	var p partnerPayload
	if err := json.Unmarshal(item.Payload, &p); err != nil {
		return fmt.Errorf("decode partner payload: %w", err)
	}

	name := "Unnamed"
	if n := odooString(p.Name); n != nil {
		name = *n
	}
	email, phone := odooString(p.Email), odooString(p.Phone)
	vals := map[string]any{"name": name, "email": falseIfNil(email), "phone": falseIfNil(phone)}

	if id, err := p.OdooID.Int64(); err == nil && id > 0 {
		return env.Session.Write(ctx, "res.partner", id, vals)
	}

	vals["is_company"] = true
	newID, err := env.Session.Create(ctx, "res.partner", vals)
	if err != nil {
		return err
	}

	// The partner exists in Odoo now. Failing the item here would create it
	// again on retry, so the mirror row is best effort; the next pull fills
	// it in.
	if err := mirrorCreatedPartner(ctx, env, item, newID, name, email, phone); err != nil {
		if env.Logger != nil {
			env.Logger.Warn("mirror created partner", "odoo_id", newID, "error", err)
		}
	}
	return nil
}

func mirrorCreatedPartner(ctx context.Context, env ApplyEnv, item models.OutboxItem, newID int64, name string, email, phone *string) error {
	raw := map[string]any{}
	_ = json.Unmarshal(item.Payload, &raw)
	raw["created_via"] = "sb_to_odoo"
	raw["id"] = newID
	rawJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encode mirror raw: %w", err)
	}
	_, err = env.Mirror.UpsertMirror(ctx, []models.MirrorRecord{{
		Model:    "res.partner",
		OdooID:   newID,
		Name:     &name,
		Email:    email,
		Phone:    phone,
		Raw:      rawJSON,
		SyncedAt: env.Now,
	}})
	return err
}

func falseIfNil(s *string) any {
	if s == nil {
		return false
	}
	return *s
}
