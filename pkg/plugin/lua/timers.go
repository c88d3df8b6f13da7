package lua

import (
	"fmt"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/robfig/cron/v3"
)

// minInterval keeps timer.every from flooding the executor queue.
const minInterval = 10 * time.Millisecond

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// timerSet holds one plugin's timers. Each plugin gets its own, so a
// handle is meaningless to any other plugin.
type timerSet struct {
	mu      sync.Mutex
	stops   map[string]func()
	cron    *cron.Cron
	stopped bool
}

func newTimerSet() *timerSet {
	return &timerSet{stops: make(map[string]func())}
}

func (s *timerSet) add(stop func()) (string, error) {
	handle, err := gonanoid.New()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		stop()
		return "", ErrExecutorClosed
	}
	s.stops[handle] = stop
	return handle, nil
}

// After runs fn once after d.
func (s *timerSet) After(d time.Duration, fn func()) (string, error) {
	var handle string
	var mu sync.Mutex
	mu.Lock()
	t := time.AfterFunc(d, func() {
		mu.Lock()
		h := handle
		mu.Unlock()
		s.forget(h)
		fn()
	})
	handle, err := s.add(func() { t.Stop() })
	mu.Unlock()
	return handle, err
}

// Every runs fn every d until cancelled.
func (s *timerSet) Every(d time.Duration, fn func()) (string, error) {
	if d < minInterval {
		d = minInterval
	}
	ticker := time.NewTicker(d)
	quit := make(chan struct{})
	var once sync.Once

	go func() {
		for {
			select {
			case <-ticker.C:
				fn()
			case <-quit:
				return
			}
		}
	}()

	return s.add(func() {
		once.Do(func() {
			ticker.Stop()
			close(quit)
		})
	})
}

// Cron runs fn on a cron schedule (five fields or a descriptor such as
// @hourly or @every 5m).
func (s *timerSet) Cron(spec string, fn func()) (string, error) {
	sched, err := cronParser.Parse(spec)
	if err != nil {
		return "", fmt.Errorf("invalid cron expression: %w", err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return "", ErrExecutorClosed
	}
	if s.cron == nil {
		s.cron = cron.New(cron.WithParser(cronParser))
		s.cron.Start()
	}
	c := s.cron
	s.mu.Unlock()

	id := c.Schedule(sched, cron.FuncJob(fn))
	return s.add(func() { c.Remove(id) })
}

// Cancel stops a timer. It reports whether the handle was live.
func (s *timerSet) Cancel(handle string) bool {
	s.mu.Lock()
	stop, ok := s.stops[handle]
	delete(s.stops, handle)
	s.mu.Unlock()

	if ok {
		stop()
	}
	return ok
}

func (s *timerSet) forget(handle string) {
	s.mu.Lock()
	delete(s.stops, handle)
	s.mu.Unlock()
}

// Len returns the number of live timers.
func (s *timerSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}

// StopAll cancels every timer. Later adds fail.
func (s *timerSet) StopAll() {
	s.mu.Lock()
	s.stopped = true
	stops := s.stops
	s.stops = make(map[string]func())
	c := s.cron
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	if c != nil {
		<-c.Stop().Done()
	}
}
