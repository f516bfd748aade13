package pool

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"pgregory.net/rapid"

	"github.com/ekaya-inc/ekaya-dbruntime/pkg/settings"
	"github.com/ekaya-inc/ekaya-dbruntime/pkg/testhelpers"
)

func TestPool_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		maxPoolSize := rapid.IntRange(1, 4).Draw(rt, "maxPoolSize")
		maxIdle := rapid.IntRange(0, 4).Draw(rt, "maxIdle")

		providers, connector := testhelpers.NewFakeRegistry()
		reg, err := settings.NewRegistry(orders, settings.ConnectionSettings{
			Name: orders, Provider: "fake", ConnectionString: "fake://orders", MaxPoolSize: maxPoolSize,
		})
		if err != nil {
			rt.Fatalf("settings: %v", err)
		}
		p := New(reg, providers, Options{MaxIdle: maxIdle}, zap.NewNop())
		defer p.Close()

		var held, returned []*PooledConnection

		take := func(rt *rapid.T) *PooledConnection {
			if len(held) == 0 {
				rt.Skip("nothing lent")
			}
			i := rapid.IntRange(0, len(held)-1).Draw(rt, "index")
			pc := held[i]
			held = append(held[:i], held[i+1:]...)
			returned = append(returned, pc)
			return pc
		}

		idleLen := func() int {
			db := p.dbs[lowerKey(orders)]
			if db == nil {
				return 0
			}
			db.mu.Lock()
			defer db.mu.Unlock()
			return len(db.idle)
		}

		rt.Repeat(map[string]func(*rapid.T){
			"acquire": func(rt *rapid.T) {
				if len(held) == maxPoolSize {
					ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
					defer cancel()
					if _, err := p.Acquire(ctx, orders); !errors.Is(err, context.DeadlineExceeded) {
						rt.Fatalf("acquire beyond max pool size: got %v, want deadline exceeded", err)
					}
					return
				}
				pc, err := p.Acquire(context.Background(), orders)
				if err != nil {
					rt.Fatalf("acquire: %v", err)
				}
				for _, h := range held {
					if h == pc {
						rt.Fatalf("connection %s lent twice", pc.ID())
					}
				}
				held = append(held, pc)
			},
			"release": func(rt *rapid.T) {
				pc := take(rt)
				if err := p.Release(pc); err != nil {
					rt.Fatalf("release: %v", err)
				}
			},
			"releaseBroken": func(rt *rapid.T) {
				pc := take(rt)
				before := idleLen()
				pc.MarkBroken()
				if err := p.Release(pc); err != nil {
					rt.Fatalf("release broken: %v", err)
				}
				if after := idleLen(); after > before {
					rt.Fatalf("releasing a broken connection grew the idle set from %d to %d", before, after)
				}
			},
			"releaseUnhealthy": func(rt *rapid.T) {
				pc := take(rt)
				fc := pc.Conn().(*testhelpers.FakeConn)
				fc.SetPingError(errors.New("server closed the connection"))
				if err := p.Release(pc); err != nil {
					rt.Fatalf("release unhealthy: %v", err)
				}
				if !fc.IsClosed() {
					rt.Fatalf("unhealthy connection %s was not closed", pc.ID())
				}
			},
			"releaseTwice": func(rt *rapid.T) {
				if len(returned) == 0 {
					rt.Skip("nothing returned yet")
				}
				pc := rapid.SampledFrom(returned).Draw(rt, "returned")
				for _, h := range held {
					if h == pc {
						rt.Skip("connection was lent again")
					}
				}
				if err := p.Release(pc); err == nil {
					rt.Fatalf("second release of %s succeeded", pc.ID())
				}
			},
			"evict": func(rt *rapid.T) {
				p.Evict()
			},
			"": func(rt *rapid.T) {
				if open := connector.OpenNow(); open > maxPoolSize {
					rt.Fatalf("%d connections open, max pool size %d", open, maxPoolSize)
				}
				db := p.dbs[lowerKey(orders)]
				if db == nil {
					return
				}
				db.mu.Lock()
				defer db.mu.Unlock()
				for _, pc := range db.idle {
					if _, lent := db.lent[pc]; lent {
						rt.Fatalf("connection %s is idle and lent", pc.ID())
					}
				}
				if len(db.idle) > db.idleCap {
					rt.Fatalf("idle set %d exceeds capacity %d", len(db.idle), db.idleCap)
				}
				if len(db.lent) != len(held) {
					rt.Fatalf("pool reports %d lent, test holds %d", len(db.lent), len(held))
				}
				if db.open != connector.OpenNow() {
					rt.Fatalf("pool counts %d open, driver %d", db.open, connector.OpenNow())
				}
			},
		})
	})
}
