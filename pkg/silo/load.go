package silo

import (
	"context"
	"encoding/json"
	"runtime"
	"sync"
	"time"

	"github.com/granary-io/granary/pkg/placement"
	"github.com/granary-io/granary/pkg/types"
)

const loadReportPeriod = 5 * time.Second

// loadReport is the gossip payload of a sys.load one-way.
type loadReport struct {
	Silo types.SiloAddress  `json:"silo"`
	Load placement.SiloLoad `json:"load"`
}

// loadMonitor samples this silo's load and gossips it to the active
// peers, feeding the load-aware placement strategies. Reports are
// best-effort: a lost report just leaves a peer with a slightly stale
// view until the next period.
type loadMonitor struct {
	s *Silo

	mu    sync.Mutex
	loads map[string]placement.SiloLoad

	stopCh chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
}

func newLoadMonitor(s *Silo) *loadMonitor {
	return &loadMonitor{
		s:      s,
		loads:  make(map[string]placement.SiloLoad),
		stopCh: make(chan struct{}),
	}
}

// Loads implements placement.LoadPublisher.
func (l *loadMonitor) Loads() map[string]placement.SiloLoad {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]placement.SiloLoad, len(l.loads))
	for k, v := range l.loads {
		out[k] = v
	}
	return out
}

func (l *loadMonitor) start() {
	l.wg.Add(1)
	go l.run()
}

func (l *loadMonitor) stop() {
	l.once.Do(func() { close(l.stopCh) })
	l.wg.Wait()
}

func (l *loadMonitor) run() {
	defer l.wg.Done()
	ticker := time.NewTicker(loadReportPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.report()
		case <-l.stopCh:
			return
		}
	}
}

func (l *loadMonitor) report() {
	load := l.sample()
	self := l.s.self

	active := l.s.oracle.Snapshot().ActiveSilos()
	activeSet := make(map[string]bool, len(active))
	for _, silo := range active {
		activeSet[silo.String()] = true
	}

	l.mu.Lock()
	l.loads[self.String()] = load
	for key := range l.loads {
		if !activeSet[key] {
			delete(l.loads, key)
		}
	}
	l.mu.Unlock()

	body, err := json.Marshal(loadReport{Silo: self, Load: load})
	if err != nil {
		return
	}
	for _, peer := range active {
		if peer.Equal(self) {
			continue
		}
		l.s.rtr.SendOneWay(context.Background(), &types.Message{
			SendingGrain: types.SystemGrain(loadGrainType, self),
			TargetGrain:  types.SystemGrain(loadGrainType, peer),
			TargetSilo:   peer,
			Body:         body,
		})
	}
}

// sample measures local load: activation count plus heap in use
// against the heap the runtime holds from the OS.
func (l *loadMonitor) sample() placement.SiloLoad {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memPercent := 0.0
	if ms.HeapSys > 0 {
		memPercent = float64(ms.HeapInuse) / float64(ms.HeapSys) * 100
	}
	return placement.SiloLoad{
		Activations: l.s.cat.Count(),
		MemPercent:  memPercent,
		Overloaded:  memPercent > 90,
	}
}

// receive handles a peer's gossiped report.
func (l *loadMonitor) receive(msg *types.Message) error {
	var report loadReport
	if err := json.Unmarshal(msg.Body, &report); err != nil {
		return err
	}
	l.mu.Lock()
	l.loads[report.Silo.String()] = report.Load
	l.mu.Unlock()
	return nil
}
