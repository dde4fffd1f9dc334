package audit

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/observability"
	"github.com/example/carpool/internal/storage"
)

// RequestContext carries optional request metadata onto an audit entry.
type RequestContext struct {
	CorrelationID string
	IP            string
	UserAgent     string
}

// Service appends hash-chained entries for administrative actions and folds
// each entry hash into a per-UTC-day HMAC anchor. Writes are best effort: a
// failure is logged and swallowed, never surfaced to the caller.
type Service struct {
	Store  storage.Store
	Secret []byte
	Logger *slog.Logger
	Now    func() time.Time
}

func NewService(store storage.Store, secret []byte, logger *slog.Logger) *Service {
	return &Service{Store: store, Secret: secret, Logger: logger, Now: time.Now}
}

// RecordAdminAction writes one entry. before/after are marshaled as the
// entry's change snapshot; ctx may be nil.
func (s *Service) RecordAdminAction(action, entity, entityID, who string, before, after any, why string, ctx *RequestContext) {
	if err := s.record(action, entity, entityID, who, before, after, why, ctx); err != nil {
		observability.AuditWriteFailures.Inc()
		if s.Logger != nil {
			s.Logger.Error("audit write failed", "action", action, "entity", entity, "entity_id", entityID, "error", err)
		}
	}
}

func (s *Service) record(action, entity, entityID, who string, before, after any, why string, rctx *RequestContext) error {
	// happened_at is TIMESTAMPTZ with microsecond precision; anything finer
	// would not survive a round-trip through the store and the replayed hash
	// would diverge from the persisted one.
	now := s.Now().UTC().Truncate(time.Microsecond)
	e := &models.AuditEntry{
		ID:       newEntryID(),
		Action:   action,
		Entity:   entity,
		EntityID: entityID,
		Who:      who,
		When:     now,
		Why:      why,
	}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return fmt.Errorf("marshal before: %w", err)
		}
		e.Before = b
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return fmt.Errorf("marshal after: %w", err)
		}
		e.After = b
	}
	if rctx != nil {
		e.CorrelationID = rctx.CorrelationID
		e.IP = rctx.IP
		e.UserAgent = rctx.UserAgent
	}

	prev, err := s.Store.LatestAuditEntry()
	if err != nil {
		return fmt.Errorf("load latest entry: %w", err)
	}
	if prev != nil {
		e.PrevHash = prev.Hash
	}
	e.Hash = EntryHash(e)

	if err := s.Store.AppendAuditEntry(e); err != nil {
		return fmt.Errorf("append entry: %w", err)
	}
	if err := s.foldAnchor(e, now); err != nil {
		return fmt.Errorf("fold anchor: %w", err)
	}
	observability.AuditEntriesTotal.Inc()
	return nil
}

func (s *Service) foldAnchor(e *models.AuditEntry, now time.Time) error {
	date := e.When.UTC().Format("2006-01-02")
	prev := ""
	if a, err := s.Store.GetAuditAnchor(date); err != nil {
		return err
	} else if a != nil {
		prev = a.HMAC
	}
	return s.Store.UpsertAuditAnchor(&models.AuditAnchor{
		Date:      date,
		HMAC:      FoldAnchor(s.Secret, prev, e.Hash),
		UpdatedAt: now,
	})
}

// hashedEntry fixes the field order fed into the digest so it is reproducible
// by an external verifier.
type hashedEntry struct {
	Action        string          `json:"action"`
	Entity        string          `json:"entity"`
	EntityID      string          `json:"entity_id"`
	Who           string          `json:"who"`
	When          string          `json:"when"`
	Before        json.RawMessage `json:"before,omitempty"`
	After         json.RawMessage `json:"after,omitempty"`
	Why           string          `json:"why,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	IP            string          `json:"ip,omitempty"`
	UserAgent     string          `json:"user_agent,omitempty"`
	PrevHash      string          `json:"prev_hash,omitempty"`
}

// EntryHash computes SHA-256 over the entry's fields plus its PrevHash.
func EntryHash(e *models.AuditEntry) string {
	b, _ := json.Marshal(hashedEntry{
		Action:        e.Action,
		Entity:        e.Entity,
		EntityID:      e.EntityID,
		Who:           e.Who,
		When:          e.When.UTC().Format(time.RFC3339Nano),
		Before:        e.Before,
		After:         e.After,
		Why:           e.Why,
		CorrelationID: e.CorrelationID,
		IP:            e.IP,
		UserAgent:     e.UserAgent,
		PrevHash:      e.PrevHash,
	})
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// FoldAnchor rolls one entry hash into a day's anchor.
func FoldAnchor(secret []byte, prevAnchor, entryHash string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(prevAnchor + entryHash))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyChain replays every stored entry in timestamp order and reports the
// first entry whose PrevHash linkage or recomputed hash does not hold.
func (s *Service) VerifyChain() error {
	entries, err := s.Store.ListAuditEntries()
	if err != nil {
		return err
	}
	prev := ""
	for i, e := range entries {
		if e.PrevHash != prev {
			return fmt.Errorf("entry %d (%s): prev hash mismatch", i, e.ID)
		}
		if got := EntryHash(e); got != e.Hash {
			return fmt.Errorf("entry %d (%s): hash mismatch", i, e.ID)
		}
		prev = e.Hash
	}
	return nil
}

// VerifyAnchors recomputes each day's rolling HMAC from the stored entries and
// compares it against the persisted anchor.
func (s *Service) VerifyAnchors() error {
	entries, err := s.Store.ListAuditEntries()
	if err != nil {
		return err
	}
	expect := make(map[string]string)
	for _, e := range entries {
		date := e.When.UTC().Format("2006-01-02")
		expect[date] = FoldAnchor(s.Secret, expect[date], e.Hash)
	}
	for date, want := range expect {
		a, err := s.Store.GetAuditAnchor(date)
		if err != nil {
			return err
		}
		if a == nil {
			return fmt.Errorf("anchor %s: missing", date)
		}
		if a.HMAC != want {
			return fmt.Errorf("anchor %s: hmac mismatch", date)
		}
	}
	return nil
}

func newEntryID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
