package scanner

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/rs/zerolog"
	goprocess "github.com/shirou/gopsutil/v4/process"
)

// memGuard applies back-pressure to the walk: every checkEvery files it
// samples the process RSS and, above the ceiling, forces a collection and
// waits for memory to come back down, up to a bounded delay.
type memGuard struct {
	ceilingMB  uint64
	checkEvery int
	maxWait    time.Duration

	filesSeen int
	log       zerolog.Logger

	// rss is swappable for tests.
	rss func() (uint64, error)
}

func newMemGuard(ceilingMB int, checkEvery int, log zerolog.Logger) *memGuard {
	if ceilingMB <= 0 {
		ceilingMB = 1500
	}
	if checkEvery <= 0 {
		checkEvery = 200
	}
	return &memGuard{
		ceilingMB:  uint64(ceilingMB),
		checkEvery: checkEvery,
		maxWait:    30 * time.Second,
		log:        log,
		rss:        processRSS,
	}
}

func processRSS() (uint64, error) {
	proc, err := goprocess.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	info, err := proc.MemoryInfo()
	if err != nil {
		return 0, err
	}
	return info.RSS / (1024 * 1024), nil
}

// step is called once per scanned file. It blocks while memory is above the
// ceiling and returns early if the context is cancelled.
func (g *memGuard) step(ctx context.Context) error {
	g.filesSeen++
	if g.filesSeen%g.checkEvery != 0 {
		return nil
	}

	rss, err := g.rss()
	if err != nil || rss < g.ceilingMB {
		return nil
	}

	g.log.Warn().Uint64("rss_mb", rss).Uint64("ceiling_mb", g.ceilingMB).Msg("scan paused for memory pressure")
	runtime.GC()

	deadline := time.Now().Add(g.maxWait)
	for {
		rss, err = g.rss()
		if err != nil || rss < g.ceilingMB {
			return nil
		}
		if time.Now().After(deadline) {
			g.log.Warn().Uint64("rss_mb", rss).Msg("memory still above ceiling after bounded wait, continuing")
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			runtime.GC()
		}
	}
}
