package attendance

import (
	"context"
	"reflect"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	defaultAuditLimit = 50
	maxAuditLimit     = 500
)

type auditInput struct {
	entity      EntityType
	entityID    string
	action      string
	before      any
	after       any
	actor       string
	source      string
	reason      string
	correlation string
}

// appendAudit writes one audit entry inside the caller's transaction; a
// failure here fails the whole operation.
func (s *Service) appendAudit(ctx context.Context, tx Tx, in auditInput) error {
	before, err := payload(in.before)
	if err != nil {
		return persistence("encode audit before", err)
	}
	after, err := payload(in.after)
	if err != nil {
		return persistence("encode audit after", err)
	}
	entry := &AuditEntry{
		ID:            uuid.NewString(),
		EntityType:    in.entity,
		EntityID:      in.entityID,
		Action:        in.action,
		Before:        before,
		After:         after,
		ActorID:       in.actor,
		Source:        in.source,
		Reason:        in.reason,
		CorrelationID: in.correlation,
		CreatedAt:     s.now().UTC(),
	}
	return persistence("append audit", tx.AppendAudit(ctx, entry))
}

func payload(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if rv := reflect.ValueOf(v); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return nil, nil
	}
	return json.Marshal(v)
}

// ListAudit pages through the audit trail of one entity, oldest first.
func (s *Service) ListAudit(ctx context.Context, actor Actor, entity EntityType, entityID string, limit, offset int) ([]AuditEntry, error) {
	if !actor.Staff() {
		return nil, reject(ErrForbidden, "audit trail is restricted to staff")
	}
	if !entity.Valid() {
		return nil, reject(ErrInvalidInput, "unknown entity type %q", entity)
	}
	if entityID == "" {
		return nil, reject(ErrInvalidInput, "entity id required")
	}
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	if limit > maxAuditLimit {
		limit = maxAuditLimit
	}
	if offset < 0 {
		offset = 0
	}
	var out []AuditEntry
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		out, err = tx.ListAudit(ctx, entity, entityID, limit, offset)
		return persistence("list audit", err)
	})
	return out, err
}
