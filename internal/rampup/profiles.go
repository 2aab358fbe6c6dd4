package rampup

import (
	"math"
	"time"
)

// lineFunc produces the next line given the number of minions not started yet.
type lineFunc func(remaining int) StartingLine

// countingIterator stops once every minion is started.
type countingIterator struct {
	remaining int
	next      lineFunc
}

func (it *countingIterator) Next() (StartingLine, bool) {
	if it.remaining <= 0 {
		return StartingLine{}, false
	}
	line := it.next(it.remaining)
	if line.Count > it.remaining {
		line.Count = it.remaining
	}
	if line.Count <= 0 {
		line.Count = 1
	}
	it.remaining -= line.Count
	return line, true
}

// sliceIterator yields precomputed lines.
type sliceIterator struct {
	lines []StartingLine
}

func (it *sliceIterator) Next() (StartingLine, bool) {
	if len(it.lines) == 0 {
		return StartingLine{}, false
	}
	line := it.lines[0]
	it.lines = it.lines[1:]
	return line, true
}

type regular struct {
	period    time.Duration
	perLaunch int
}

func (p *regular) Kind() Kind { return KindRegular }

func (p *regular) Iterator(totalMinions int, speedFactor float64) Iterator {
	offset := scale(p.period, speedFactor)
	return &countingIterator{
		remaining: totalMinions,
		next: func(int) StartingLine {
			return StartingLine{Count: p.perLaunch, Offset: offset}
		},
	}
}

type accelerating struct {
	startPeriod time.Duration
	minPeriod   time.Duration
	accelerator float64
	perLaunch   int
}

func (p *accelerating) Kind() Kind { return KindAccelerating }

func (p *accelerating) Iterator(totalMinions int, speedFactor float64) Iterator {
	var period time.Duration
	return &countingIterator{
		remaining: totalMinions,
		next: func(int) StartingLine {
			if period == 0 {
				period = p.startPeriod
			} else {
				period = time.Duration(float64(period) / p.accelerator)
				if period < p.minPeriod {
					period = p.minPeriod
				}
			}
			return StartingLine{Count: p.perLaunch, Offset: scale(period, speedFactor)}
		},
	}
}

type immediate struct{}

func (immediate) Kind() Kind { return KindImmediate }

func (immediate) Iterator(totalMinions int, _ float64) Iterator {
	if totalMinions <= 0 {
		return &sliceIterator{}
	}
	return &sliceIterator{lines: []StartingLine{{Count: totalMinions}}}
}

type progressiveVolume struct {
	period       time.Duration
	perLaunch    int
	multiplier   float64
	maxPerLaunch int
}

func (p *progressiveVolume) Kind() Kind { return KindProgressiveVolume }

func (p *progressiveVolume) Iterator(totalMinions int, speedFactor float64) Iterator {
	offset := scale(p.period, speedFactor)
	count := 0
	return &countingIterator{
		remaining: totalMinions,
		next: func(int) StartingLine {
			if count == 0 {
				count = p.perLaunch
			} else {
				count = int(float64(count) * p.multiplier)
				if count > p.maxPerLaunch {
					count = p.maxPerLaunch
				}
			}
			return StartingLine{Count: count, Offset: offset}
		},
	}
}

type timeFrame struct {
	period time.Duration
	frame  time.Duration
}

func (p *timeFrame) Kind() Kind { return KindTimeFrame }

func (p *timeFrame) Iterator(totalMinions int, speedFactor float64) Iterator {
	lines := int(p.frame / p.period)
	if lines < 1 {
		lines = 1
	}
	perLine := int(math.Ceil(float64(totalMinions) / float64(lines)))
	offset := scale(p.period, speedFactor)
	return &countingIterator{
		remaining: totalMinions,
		next: func(int) StartingLine {
			return StartingLine{Count: perLine, Offset: offset}
		},
	}
}

type staged struct {
	stages []Stage
}

func (p *staged) Kind() Kind { return KindStage }

// Iterator spreads the minions of each stage evenly over its ramp-up, one line
// per resolution. The first line of a stage starts once the previous stage
// reached its total duration.
func (p *staged) Iterator(totalMinions int, speedFactor float64) Iterator {
	var lines []StartingLine
	remaining := totalMinions
	var stageStartOffset time.Duration

	for _, stage := range p.stages {
		resolution := stage.resolution()
		linesCount := int(stage.RampUp.Std() / resolution)
		if linesCount < 1 {
			linesCount = 1
		}

		remainingInStage := min(stage.MinionsCount, remaining)
		perLine := int(math.Ceil(float64(stage.MinionsCount) / float64(linesCount)))
		delay := scale(resolution, speedFactor)
		var clock time.Duration

		for i := 0; i < linesCount && remainingInStage > 0 && remaining > 0; i++ {
			count := min(perLine, remainingInStage, remaining)
			remainingInStage -= count
			remaining -= count

			offset := delay
			if i == 0 {
				offset = stageStartOffset
			}
			clock += delay
			lines = append(lines, StartingLine{Count: count, Offset: offset})
		}

		stageStartOffset = scale(stage.Total.Std(), speedFactor) - clock
	}

	return &sliceIterator{lines: lines}
}
