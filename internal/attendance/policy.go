package attendance

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"classroll/internal/logging"
)

// Setting keys in the configuration store.
const (
	KeyGracePeriod        = "grace_period"
	KeyMinPresentDuration = "min_present_duration"
	KeyThresholdPercent   = "eligibility_threshold_percent"
	KeyOfflineSyncDelta   = "offline_sync_max_delta"
	KeyQRTokenLifetime    = "qr_token_lifetime"
	KeyMaxCorrectionDays  = "max_correction_days"
	KeyAutoOpen           = "auto_open"
	KeyAutoClose          = "auto_close"
	KeyAutoMarkAbsent     = "auto_mark_absent"
	KeyExcludeExcused     = "exclude_excused"
)

// ValueType is the declared type of a stored setting.
type ValueType string

const (
	TypeInt      ValueType = "int"
	TypeFloat    ValueType = "float"
	TypeBool     ValueType = "bool"
	TypeDuration ValueType = "duration"
)

// Setting is one row of the configuration store.
type Setting struct {
	Key   string    `json:"key"`
	Type  ValueType `json:"type"`
	Value string    `json:"value"`
}

// Policy is the effective set of tunables.
type Policy struct {
	GracePeriod        time.Duration `json:"grace_period"`
	// MinPresentDuration is stored and reported for clients only; capture
	// does not track dwell time and never consults it.
	MinPresentDuration time.Duration `json:"min_present_duration"`
	ThresholdPercent   float64       `json:"eligibility_threshold_percent"`
	OfflineSyncDelta   time.Duration `json:"offline_sync_max_delta"`
	QRTokenLifetime    time.Duration `json:"qr_token_lifetime"`
	MaxCorrectionDays  int           `json:"max_correction_days"`
	AutoOpen           bool          `json:"auto_open"`
	AutoClose          bool          `json:"auto_close"`
	AutoMarkAbsent     bool          `json:"auto_mark_absent"`
	ExcludeExcused     bool          `json:"exclude_excused"`
}

// DefaultPolicy is used for any key missing from the store.
func DefaultPolicy() Policy {
	return Policy{
		GracePeriod:       10 * time.Minute,
		ThresholdPercent:  75,
		OfflineSyncDelta:  24 * time.Hour,
		QRTokenLifetime:   60 * time.Second,
		MaxCorrectionDays: 7,
		AutoOpen:          true,
		AutoClose:         true,
		AutoMarkAbsent:    true,
		ExcludeExcused:    true,
	}
}

var settingTypes = map[string]ValueType{
	KeyGracePeriod:        TypeDuration,
	KeyMinPresentDuration: TypeDuration,
	KeyThresholdPercent:   TypeFloat,
	KeyOfflineSyncDelta:   TypeDuration,
	KeyQRTokenLifetime:    TypeDuration,
	KeyMaxCorrectionDays:  TypeInt,
	KeyAutoOpen:           TypeBool,
	KeyAutoClose:          TypeBool,
	KeyAutoMarkAbsent:     TypeBool,
	KeyExcludeExcused:     TypeBool,
}

// PolicyFromSettings overlays stored settings on the defaults. Unknown keys
// and unparsable values are skipped with a warning.
func PolicyFromSettings(settings []Setting) Policy {
	p := DefaultPolicy()
	for _, s := range settings {
		if err := p.apply(s); err != nil {
			logging.Warn().Err(err).Str("key", s.Key).Msg("ignoring setting")
		}
	}
	return p
}

func (p *Policy) apply(s Setting) error {
	want, ok := settingTypes[s.Key]
	if !ok {
		return fmt.Errorf("unknown setting %q", s.Key)
	}
	if s.Type != want {
		return fmt.Errorf("setting %q has type %s, want %s", s.Key, s.Type, want)
	}
	switch want {
	case TypeDuration:
		d, err := time.ParseDuration(s.Value)
		if err != nil {
			return err
		}
		if d < 0 {
			return fmt.Errorf("negative duration %s", s.Value)
		}
		switch s.Key {
		case KeyGracePeriod:
			p.GracePeriod = d
		case KeyMinPresentDuration:
			p.MinPresentDuration = d
		case KeyOfflineSyncDelta:
			p.OfflineSyncDelta = d
		case KeyQRTokenLifetime:
			if d == 0 {
				return fmt.Errorf("qr token lifetime must be positive")
			}
			p.QRTokenLifetime = d
		}
	case TypeFloat:
		f, err := strconv.ParseFloat(s.Value, 64)
		if err != nil {
			return err
		}
		if f < 0 || f > 100 {
			return fmt.Errorf("threshold %v out of range", f)
		}
		p.ThresholdPercent = f
	case TypeInt:
		n, err := strconv.Atoi(s.Value)
		if err != nil {
			return err
		}
		if n < 0 {
			return fmt.Errorf("negative value %d", n)
		}
		p.MaxCorrectionDays = n
	case TypeBool:
		b, err := strconv.ParseBool(s.Value)
		if err != nil {
			return err
		}
		switch s.Key {
		case KeyAutoOpen:
			p.AutoOpen = b
		case KeyAutoClose:
			p.AutoClose = b
		case KeyAutoMarkAbsent:
			p.AutoMarkAbsent = b
		case KeyExcludeExcused:
			p.ExcludeExcused = b
		}
	}
	return nil
}

// Policy returns the effective policy from the configuration store.
func (s *Service) Policy(ctx context.Context) (Policy, error) {
	var p Policy
	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		var err error
		p, err = s.policy(ctx, tx)
		return err
	})
	return p, err
}

func (s *Service) policy(ctx context.Context, tx Tx) (Policy, error) {
	settings, err := tx.Settings(ctx)
	if err != nil {
		return Policy{}, persistence("load settings", err)
	}
	return PolicyFromSettings(settings), nil
}

// PutSetting validates and stores one tunable. Admin only.
func (s *Service) PutSetting(ctx context.Context, actor Actor, key, value string) (Setting, error) {
	if !actor.IsAdmin {
		return Setting{}, reject(ErrForbidden, "only admins may change settings")
	}
	typ, ok := settingTypes[key]
	if !ok {
		return Setting{}, reject(ErrInvalidInput, "unknown setting %q", key)
	}
	setting := Setting{Key: key, Type: typ, Value: value}
	candidate := DefaultPolicy()
	if err := candidate.apply(setting); err != nil {
		return Setting{}, reject(ErrInvalidInput, "%v", err)
	}

	err := s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.Settings(ctx)
		if err != nil {
			return persistence("load settings", err)
		}
		var before *Setting
		for i := range current {
			if current[i].Key == key {
				before = &current[i]
			}
		}
		if err := tx.PutSetting(ctx, setting); err != nil {
			return persistence("put setting", err)
		}
		return s.appendAudit(ctx, tx, auditInput{
			entity: EntitySetting, entityID: key, action: "setting.put",
			before: before, after: setting, actor: actor.ID, source: "admin",
		})
	})
	if err != nil {
		return Setting{}, err
	}
	return setting, nil
}
