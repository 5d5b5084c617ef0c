package occasion

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	yaml "go.yaml.in/yaml/v3"

	"memorable/internal/model"
	"memorable/internal/storage"
	logx "memorable/pkg/logx"
)

// importFile is the YAML (or JSON) layout accepted by Import.
//
//	timezone: Europe/Berlin
//	occasions:
//	  - delivery_method: email
//	    occasion_type: Birthday
//	    message_content: Happy birthday!
//	    date_time: "2026-12-24 09:00"
//	    is_repeated: true
//	    receiver_email: friend@example.com
type importFile struct {
	Timezone  string         `yaml:"timezone"`
	Occasions []importRecord `yaml:"occasions"`
}

type importRecord struct {
	ID             int64  `yaml:"id"`
	UserID         int64  `yaml:"user_id"`
	UserEmail      string `yaml:"user_email"`
	DeliveryMethod string `yaml:"delivery_method"`
	OccasionType   string `yaml:"occasion_type"`
	MessageContent string `yaml:"message_content"`
	IsRepeated     bool   `yaml:"is_repeated"`
	DateTime       string `yaml:"date_time"`
	ReceiverEmail  string `yaml:"receiver_email"`
	ReceiverPhone  string `yaml:"receiver_phone"`
	ReceiverChat   string `yaml:"receiver_chat"`
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// ParseDateTime accepts RFC 3339 or a local date/time interpreted in loc.
func ParseDateTime(raw string, loc *time.Location) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("date_time required")
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, errors.Newf("date_time %q: use RFC 3339 or \"2006-01-02 15:04\"", raw)
}

// ParseImport decodes an import file. Unknown keys are rejected. loc is
// used for date_time values without an offset unless the file names its
// own timezone.
func ParseImport(r io.Reader, loc *time.Location) ([]model.Occasion, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f importFile
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "decode import file")
	}
	if tz := strings.TrimSpace(f.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, errors.Wrapf(err, "timezone %q", tz)
		}
		loc = l
	}

	out := make([]model.Occasion, 0, len(f.Occasions))
	for i, rec := range f.Occasions {
		at, err := ParseDateTime(rec.DateTime, loc)
		if err != nil {
			return nil, errors.Wrapf(err, "occasions[%d]", i)
		}
		out = append(out, model.Occasion{
			ID:             model.OccasionID(rec.ID),
			UserID:         rec.UserID,
			UserEmail:      strings.TrimSpace(rec.UserEmail),
			DeliveryMethod: model.DeliveryMethod(rec.DeliveryMethod).Normalize(),
			OccasionType:   strings.TrimSpace(rec.OccasionType),
			MessageContent: rec.MessageContent,
			IsRepeated:     rec.IsRepeated,
			DateTime:       at,
			ReceiverEmail:  strings.TrimSpace(rec.ReceiverEmail),
			ReceiverPhone:  strings.TrimSpace(rec.ReceiverPhone),
			ReceiverChat:   strings.TrimSpace(rec.ReceiverChat),
		})
	}
	return out, nil
}

type ImportReport struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Failed  int `json:"failed"`
}

// Import writes occasions through the service. Records with an ID that
// already exists are updated; all others are created with a new ID.
// Invalid records are logged and counted, not fatal.
func (s *Service) Import(ctx context.Context, list []model.Occasion) (ImportReport, error) {
	var rep ImportReport
	for i, o := range list {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var err error
		if o.ID.Valid() {
			if _, gerr := s.repo.GetOccasion(ctx, o.ID); gerr == nil {
				_, err = s.Update(ctx, o)
				if err == nil {
					rep.Updated++
					continue
				}
			} else if !errors.Is(gerr, storage.ErrNotFound) {
				return rep, gerr
			}
		}
		if err == nil {
			_, err = s.Create(ctx, o)
			if err == nil {
				rep.Created++
				continue
			}
		}
		rep.Failed++
		s.log.Warn("import record rejected", logx.Int("index", i), logx.Err(err))
	}
	s.log.Info("import finished",
		logx.Int("created", rep.Created),
		logx.Int("updated", rep.Updated),
		logx.Int("failed", rep.Failed))
	return rep, nil
}
