package router

import (
	"maps"
	"time"

	"github.com/standardbeagle/devbridge/internal/buffer"
	"github.com/standardbeagle/devbridge/internal/message"
)

// Drop reasons recorded in Statistics.DropReasons.
const (
	ReasonFiltered  = "Filtered by transform"
	ReasonQueueFull = "Queue full"
	ReasonNoRoute   = "No matching route"
	ReasonStopped   = "Router stopped"
)

const processingSamples = 1000

// Statistics is a snapshot of router counters.
type Statistics struct {
	Received              uint64                  `json:"received"`
	Routed                uint64                  `json:"routed"`
	Transformed           uint64                  `json:"transformed"`
	Queued                uint64                  `json:"queued"`
	Dropped               uint64                  `json:"dropped"`
	Errors                uint64                  `json:"errors"`
	ByType                map[message.Type]uint64 `json:"byType"`
	BySource              map[string]uint64       `json:"bySource"`
	DropReasons           map[string]uint64       `json:"dropReasons"`
	AverageProcessingTime time.Duration           `json:"averageProcessingTime"`
}

type stats struct {
	Statistics
	samples *buffer.RingBuffer[time.Duration]
}

func newStats() *stats {
	s := &stats{samples: buffer.New[time.Duration](processingSamples)}
	s.reset()
	return s
}

func (s *stats) reset() {
	s.Statistics = Statistics{
		ByType:      make(map[message.Type]uint64),
		BySource:    make(map[string]uint64),
		DropReasons: make(map[string]uint64),
	}
	s.samples.Clear()
}

func (s *stats) drop(reason string) {
	s.Dropped++
	s.DropReasons[reason]++
}

func (s *stats) snapshot() Statistics {
	out := s.Statistics
	out.ByType = maps.Clone(s.ByType)
	out.BySource = maps.Clone(s.BySource)
	out.DropReasons = maps.Clone(s.DropReasons)

	var total time.Duration
	n := 0
	s.samples.Each(func(d time.Duration) {
		total += d
		n++
	})
	if n > 0 {
		out.AverageProcessingTime = total / time.Duration(n)
	}
	return out
}
