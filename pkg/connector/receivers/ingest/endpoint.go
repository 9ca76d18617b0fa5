package ingest

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/dfengine/pkg/pdata"
)

// group is every live replica serving one endpoint name
type group struct {
	name    string
	members []*Receiver
	next    int

	server *http.Server
	addr   string
}

var directory = struct {
	mu     sync.Mutex
	groups map[string]*group
}{groups: make(map[string]*group)}

func join(name string, r *Receiver) (*group, error) {
	directory.mu.Lock()
	defer directory.mu.Unlock()

	g, ok := directory.groups[name]
	if !ok {
		g = &group{name: name}
	}
	if g.server == nil && r.cfg.Endpoint != "" {
		if err := g.listen(r); err != nil {
			return nil, err
		}
	}
	g.members = append(g.members, r)
	directory.groups[name] = g
	return g, nil
}

// leave removes r and returns the HTTP shutdown to run when r was the last
// member
func (g *group) leave(r *Receiver) func(context.Context) error {
	directory.mu.Lock()
	defer directory.mu.Unlock()

	for i, m := range g.members {
		if m == r {
			g.members = append(g.members[:i], g.members[i+1:]...)
			break
		}
	}
	if len(g.members) > 0 {
		return nil
	}
	if directory.groups[g.name] == g {
		delete(directory.groups, g.name)
	}
	srv := g.server
	g.server = nil
	if srv == nil {
		return nil
	}
	return func(ctx context.Context) error {
		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("ingest %s: http shutdown: %w", g.name, err)
		}
		return nil
	}
}

func (g *group) listen(r *Receiver) error {
	l, err := net.Listen("tcp", r.cfg.Endpoint)
	if err != nil {
		return fmt.Errorf("ingest %s: listen on %s: %w", g.name, r.cfg.Endpoint, err)
	}
	g.addr = l.Addr().String()
	g.server = &http.Server{
		Handler:           newHandler(g, r.cfg.MaxBodySize, r.logger),
		ReadHeaderTimeout: defaultShutdownTimeout,
	}
	srv := g.server
	logger := r.logger
	go func() {
		if err := srv.Serve(l); err != nil && err != http.ErrServerClosed {
			logger.Error("ingest http server stopped", zap.Error(err))
		}
	}()
	logger.Info("ingest http endpoint listening", zap.String("addr", g.addr))
	return nil
}

// pick returns the next replica, round robin
func (g *group) pick() (*Receiver, bool) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	if len(g.members) == 0 {
		return nil, false
	}
	r := g.members[g.next%len(g.members)]
	g.next++
	return r, true
}

func (g *group) submit(ctx context.Context, p pdata.Payload) error {
	r, ok := g.pick()
	if !ok {
		return ErrClosed
	}
	return r.Submit(ctx, p)
}

func lookup(name string) (*group, bool) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	g, ok := directory.groups[name]
	return g, ok
}

// Submit hands p to a replica of the ingest endpoint registered under name
func Submit(ctx context.Context, name string, p pdata.Payload) error {
	g, ok := lookup(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEndpoint, name)
	}
	return g.submit(ctx, p)
}

// SubmitRecords converts recs to the columnar form and submits them
func SubmitRecords(ctx context.Context, name string, recs *pdata.Records) error {
	p, err := pdata.FromRecords(recs)
	if err != nil {
		return err
	}
	return Submit(ctx, name, p)
}

// Addr returns the bound HTTP address of the endpoint, if it listens
func Addr(name string) (string, bool) {
	directory.mu.Lock()
	defer directory.mu.Unlock()
	g, ok := directory.groups[name]
	if !ok || g.server == nil {
		return "", false
	}
	return g.addr, true
}
