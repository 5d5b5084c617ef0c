package scheduler

import "time"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	enabled := s.cfg.Enabled
	tz := s.cfg.Timezone
	defs := make([]scheduleDef, len(s.defs))
	copy(defs, s.defs)
	c := s.c
	loc := s.loc
	eng := s.engine
	s.mu.Unlock()

	if tz == "" {
		if loc == nil {
			loc = time.Local
		}
		tz = loc.String()
	}

	items := make([]ScheduleInfo, 0, len(defs))
	for _, d := range defs {
		it := ScheduleInfo{
			Name:          d.name,
			Spec:          d.spec,
			Timeout:       d.timeout,
			Running:       d.running.Load(),
			StartupSpread: d.startupSpread,
		}
		if c != nil && d.entryID != 0 {
			e := c.Entry(d.entryID)
			it.Next = e.Next
			it.Prev = e.Prev
		}
		items = append(items, it)
	}

	snap := Snapshot{Enabled: enabled, Started: c != nil, Timezone: tz, Schedules: items}
	if eng != nil {
		snap.Engine = eng.Snapshot()
	}
	return snap
}
