package clock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

type Mode int

const (
	REALTIME Mode = iota
	BACKTEST
)

func (m Mode) String() string {
	if m == BACKTEST {
		return "backtest"
	}
	return "realtime"
}

var (
	ErrWrongMode      = errors.New("operation is not supported in this clock mode")
	ErrBacktestFinish = errors.New("backtest end time reached")
)

var logger = logrus.WithField("component", "clock")

// ClockHandle is all an iterator gets to see of the clock.
type ClockHandle interface {
	CurrentTimestamp() time.Time
	// Remove unregisters the iterator that owns the handle.
	Remove()
}

type TimeIterator interface {
	Start(handle ClockHandle)
	Stop()
	Tick(now time.Time) error
}

type Clock struct {
	mode     Mode
	tickSize time.Duration
	start    time.Time
	end      time.Time

	mu        sync.Mutex
	current   time.Time
	nextID    int
	order     []int
	iterators map[int]TimeIterator
}

// NewClock creates a clock. start and end are only used in BACKTEST mode.
func NewClock(mode Mode, tickSize time.Duration, start, end time.Time) *Clock {
	if tickSize <= 0 {
		tickSize = time.Second
	}

	c := &Clock{
		mode:      mode,
		tickSize:  tickSize,
		start:     start,
		end:       end,
		iterators: make(map[int]TimeIterator),
	}
	if mode == BACKTEST {
		c.current = start
	} else {
		c.current = time.Now()
	}
	return c
}

func (c *Clock) Mode() Mode              { return c.mode }
func (c *Clock) TickSize() time.Duration { return c.tickSize }
func (c *Clock) StartTime() time.Time    { return c.start }
func (c *Clock) EndTime() time.Time      { return c.end }

func (c *Clock) CurrentTimestamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

type handle struct {
	clock *Clock
	id    int
}

func (h *handle) CurrentTimestamp() time.Time {
	return h.clock.CurrentTimestamp()
}

func (h *handle) Remove() {
	h.clock.removeByID(h.id)
}

// AddIterator registers it and calls it.Start right away. Iterators are
// ticked in registration order.
func (c *Clock) AddIterator(it TimeIterator) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.iterators[id] = it
	c.order = append(c.order, id)
	c.mu.Unlock()

	it.Start(&handle{clock: c, id: id})
}

func (c *Clock) RemoveIterator(it TimeIterator) {
	c.mu.Lock()
	id := -1
	for _, i := range c.order {
		if c.iterators[i] == it {
			id = i
			break
		}
	}
	c.mu.Unlock()

	if id >= 0 {
		c.removeByID(id)
	}
}

func (c *Clock) removeByID(id int) {
	c.mu.Lock()
	it, ok := c.iterators[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.iterators, id)
	for i, v := range c.order {
		if v == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	it.Stop()
}

func (c *Clock) Iterators() []TimeIterator {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TimeIterator, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.iterators[id])
	}
	return out
}

// Run ticks every iterator on wall-clock multiples of the tick size until ctx
// is done.
func (c *Clock) Run(ctx context.Context) error {
	if c.mode != REALTIME {
		return ErrWrongMode
	}

	for {
		now := time.Now()
		next := now.Truncate(c.tickSize).Add(c.tickSize)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		c.tick(next)
	}
}

// BacktestTil advances the clock tick by tick up to ts, capped at the end time.
func (c *Clock) BacktestTil(ts time.Time) error {
	if c.mode != BACKTEST {
		return ErrWrongMode
	}
	if !c.end.IsZero() && ts.After(c.end) {
		ts = c.end
	}

	for {
		c.mu.Lock()
		next := c.current.Add(c.tickSize)
		c.mu.Unlock()

		if next.After(ts) {
			return nil
		}
		c.tick(next)
	}
}

// Backtest runs until the end time.
func (c *Clock) Backtest() error {
	if c.end.IsZero() {
		return ErrBacktestFinish
	}
	return c.BacktestTil(c.end)
}

func (c *Clock) tick(now time.Time) {
	c.mu.Lock()
	c.current = now
	c.mu.Unlock()

	// iterators may be removed while ticking, so walk a copy
	for _, it := range c.Iterators() {
		c.tickOne(it, now)
	}
}

func (c *Clock) tickOne(it TimeIterator, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			logger.WithFields(logrus.Fields{
				"iterator": iteratorName(it),
				"clock":    now.Unix(),
			}).Errorf("iterator panicked: %v", r)
		}
	}()

	if err := it.Tick(now); err != nil {
		logger.WithFields(logrus.Fields{
			"iterator": iteratorName(it),
			"clock":    now.Unix(),
		}).WithError(err).Error("iterator tick failed")
	}
}

func iteratorName(it TimeIterator) string {
	if s, ok := it.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", it)
}
