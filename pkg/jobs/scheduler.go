package jobs

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quillframe/quill/pkg/logger"
)

// ScheduleEntry declares one recurring trigger. Exactly one of Interval or
// Cron must be set.
type ScheduleEntry struct {
	Name     string
	Interval string // duration string, see ParseDuration
	Cron     string
	Timezone string
	Callback func()
}

// ScheduleInfo is the observable state of a registered entry.
type ScheduleInfo struct {
	Name       string
	Interval   string
	Cron       string
	Enabled    bool
	LastFireAt time.Time
	NextFireAt time.Time
}

type scheduleState struct {
	entry    ScheduleEntry
	cronID   cron.EntryID
	enabled  bool
	lastFire time.Time
}

// Scheduler fires entry callbacks on cron-owned workers. Overlapping runs of
// the same entry are skipped rather than stacked.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]*scheduleState
	log     *slog.Logger
}

func NewScheduler() *Scheduler {
	log := logger.GetLogger("scheduler")
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cron.NewParser(
				cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
			)),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		entries: map[string]*scheduleState{},
		log:     log,
	}
}

// Start begins firing entries.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops firing and waits for in-flight callbacks.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Add registers an entry. Interval entries use an every-duration schedule;
// cron entries use the 5-field expression, optionally prefixed by the entry
// timezone.
func (s *Scheduler) Add(entry ScheduleEntry) error {
	if entry.Name == "" {
		return fmt.Errorf("schedule name is required")
	}
	if entry.Callback == nil {
		return fmt.Errorf("schedule %q requires a callback", entry.Name)
	}
	if (entry.Interval == "") == (entry.Cron == "") {
		return fmt.Errorf("schedule %q requires exactly one of interval or cron", entry.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.Name]; ok {
		return fmt.Errorf("schedule %q already registered", entry.Name)
	}

	state := &scheduleState{entry: entry, enabled: true}
	job := cron.FuncJob(func() {
		s.mu.Lock()
		enabled := state.enabled
		state.lastFire = time.Now()
		s.mu.Unlock()
		if !enabled {
			return
		}
		entry.Callback()
	})

	if entry.Interval != "" {
		d, err := ParseDuration(entry.Interval)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
		state.cronID = s.cron.Schedule(cron.Every(d), job)
	} else {
		spec := entry.Cron
		if entry.Timezone != "" {
			spec = "CRON_TZ=" + entry.Timezone + " " + spec
		}
		id, err := s.cron.AddJob(spec, job)
		if err != nil {
			return fmt.Errorf("schedule %q: %w", entry.Name, err)
		}
		state.cronID = id
	}
	s.entries[entry.Name] = state
	s.log.Debug("schedule registered", "name", entry.Name, "interval", entry.Interval, "cron", entry.Cron)
	return nil
}

// Pause keeps the entry registered but suppresses firing.
func (s *Scheduler) Pause(name string) error {
	return s.setEnabled(name, false)
}

// Resume re-enables a paused entry.
func (s *Scheduler) Resume(name string) error {
	return s.setEnabled(name, true)
}

func (s *Scheduler) setEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	state.enabled = enabled
	return nil
}

// Remove unregisters the entry.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("unknown schedule %q", name)
	}
	s.cron.Remove(state.cronID)
	delete(s.entries, name)
	return nil
}

// List returns the state of every registered entry.
func (s *Scheduler) List() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.entries))
	for _, state := range s.entries {
		out = append(out, ScheduleInfo{
			Name:       state.entry.Name,
			Interval:   state.entry.Interval,
			Cron:       state.entry.Cron,
			Enabled:    state.enabled,
			LastFireAt: state.lastFire,
			NextFireAt: s.cron.Entry(state.cronID).Next,
		})
	}
	return out
}
