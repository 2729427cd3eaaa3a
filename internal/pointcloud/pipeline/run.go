package pipeline

import (
	"context"
	"sync"

	"github.com/banshee-data/recognizer/internal/pointcloud"
)

// mailbox holds at most one pending cloud. A newer cloud replaces one that
// has not been taken yet.
type mailbox struct {
	mu      sync.Mutex
	pending *pointcloud.PointCloud
	closed  bool
	dropped uint64
	notify  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{notify: make(chan struct{}, 1)}
}

// put stores c, reporting false once the mailbox is closed.
func (m *mailbox) put(c *pointcloud.PointCloud) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.pending != nil {
		m.dropped++
	}
	m.pending = c
	m.mu.Unlock()
	m.signal()
	return true
}

// take returns the pending cloud (nil if none) and whether more may come.
func (m *mailbox) take() (*pointcloud.PointCloud, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.pending
	m.pending = nil
	return c, !m.closed
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

func (m *mailbox) droppedCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *mailbox) signal() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Run consumes cloud events until events is closed or ctx is cancelled.
// Scene and model clouds are processed by separate workers so a slow model
// run never delays the next scene; within a role, a cloud that arrives
// while the worker is busy replaces any cloud still waiting.
//
// When events is closed, Run lets both workers finish the clouds already
// queued and returns nil. When ctx is cancelled it returns ctx.Err().
func (r *Recognizer) Run(ctx context.Context, events <-chan pointcloud.CloudEvent) error {
	scene, model := newMailbox(), newMailbox()

	sceneDone := make(chan struct{})
	modelDone := make(chan struct{})
	go func() {
		defer close(sceneDone)
		r.work(ctx, scene, func(c *pointcloud.PointCloud) {
			if _, err := r.UpdateScene(ctx, c); err != nil {
				opsf("scene update failed: %v", err)
				return
			}
			if r.opts.ReplayModelOnScene {
				if m := r.lastModel.Load(); m != nil {
					model.put(m)
				}
			}
		})
	}()
	go func() {
		defer close(modelDone)
		r.work(ctx, model, func(c *pointcloud.PointCloud) {
			if _, err := r.UpdateModel(ctx, c); err != nil {
				opsf("model run failed: %v", err)
			}
		})
	}()

	var err error
loop:
	for {
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			switch ev.Role {
			case pointcloud.RoleScene:
				scene.put(ev.Cloud)
			case pointcloud.RoleModel:
				model.put(ev.Cloud)
			default:
				opsf("dropping cloud with unknown role %v", ev.Role)
			}
			tracef("%s cloud queued (%d points)", ev.Role, ev.Cloud.Len())
		}
	}

	// The scene worker may still hand a replayed model to the model
	// mailbox, so it is drained first.
	scene.close()
	<-sceneDone
	model.close()
	<-modelDone
	if d := scene.droppedCount() + model.droppedCount(); d > 0 {
		diagf("run loop stopped; %d clouds were superseded before processing", d)
	}
	return err
}

// work processes clouds from box until it is closed and empty, or ctx ends.
func (r *Recognizer) work(ctx context.Context, box *mailbox, process func(*pointcloud.PointCloud)) {
	for {
		c, open := box.take()
		if c != nil {
			process(c)
			continue
		}
		if !open {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-box.notify:
		}
	}
}
