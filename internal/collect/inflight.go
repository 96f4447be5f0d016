package collect

import (
	"sync"

	"github.com/zhihao-yuan/geohazard-warning-engine/internal/model"
)

// inflightGroup collapses concurrent fetches of the same (source, region)
// pair: the first caller runs, later callers wait and share the payload.
type inflightGroup struct {
	mu sync.Mutex
	m  map[string]*inflightCall
}

type inflightCall struct {
	done    chan struct{}
	payload model.RawPayload
}

func newInflightGroup() *inflightGroup {
	return &inflightGroup{m: map[string]*inflightCall{}}
}

func (g *inflightGroup) Do(key string, fn func() model.RawPayload) model.RawPayload {
	g.mu.Lock()
	if c, ok := g.m[key]; ok {
		g.mu.Unlock()
		<-c.done
		return c.payload
	}
	c := &inflightCall{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	c.payload = fn()

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()
	close(c.done)
	return c.payload
}
