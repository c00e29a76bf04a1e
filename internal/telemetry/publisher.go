package telemetry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/robot.navigator/internal/monitoring"
	"github.com/banshee-data/robot.navigator/internal/navigation"
	"github.com/banshee-data/robot.navigator/internal/sensor"
)

// Config holds configuration for the telemetry gRPC server.
type Config struct {
	// ListenAddr is the address to listen on (e.g., "localhost:50051")
	ListenAddr string

	// MaxClients is the maximum number of concurrent streaming clients
	MaxClients int

	// ClientBuffer is the per-client queue length; a client that falls
	// further behind misses snapshots.
	ClientBuffer int
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50051",
		MaxClients:   5,
		ClientBuffer: 10,
	}
}

// Publisher runs the telemetry gRPC server and fans snapshots out to every
// connected StreamSnapshots client.
type Publisher struct {
	config   Config
	server   *grpc.Server
	listener net.Listener
	log      *logrus.Entry

	msgCh     chan *structpb.Struct
	clients   map[string]*clientStream
	clientsMu sync.RWMutex

	published   atomic.Uint64
	dropped     atomic.Uint64
	clientCount atomic.Int32

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

type clientStream struct {
	id      string
	request *structpb.Struct
	msgCh   chan *structpb.Struct
}

// NewPublisher creates a Publisher. Call Start or Serve to accept clients.
func NewPublisher(cfg Config) *Publisher {
	def := DefaultConfig()
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = def.ClientBuffer
	}
	return &Publisher{
		config:  cfg,
		log:     monitoring.WithComponent("telemetry"),
		msgCh:   make(chan *structpb.Struct, 100),
		clients: make(map[string]*clientStream),
		stopCh:  make(chan struct{}),
	}
}

// Start listens on the configured address and serves in the background.
func (p *Publisher) Start() error {
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return p.Serve(lis)
}

// Serve registers the telemetry service and serves lis in the background.
func (p *Publisher) Serve(lis net.Listener) error {
	if p.running.Swap(true) {
		lis.Close()
		return fmt.Errorf("publisher already running")
	}
	p.listener = lis
	p.server = grpc.NewServer()
	p.server.RegisterService(&serviceDesc, p)

	p.wg.Add(2)
	go p.broadcastLoop()
	go func() {
		defer p.wg.Done()
		p.log.Infof("gRPC telemetry listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			p.log.WithError(err).Error("gRPC server error")
		}
	}()
	return nil
}

// Stop ends every client stream and shuts the server down.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.stopCh)
	p.server.GracefulStop()
	p.wg.Wait()
	p.log.Info("gRPC telemetry stopped")
}

// Publish queues msg for every client. It never blocks: when the queue is
// full the message is dropped.
func (p *Publisher) Publish(msg *structpb.Struct) {
	if !p.running.Load() || msg == nil {
		return
	}
	select {
	case p.msgCh <- msg:
		p.published.Add(1)
	default:
		p.dropped.Add(1)
	}
}

// Run forwards every snapshot published on hub, together with the latest
// navigator decision, until ctx is done. Snapshots are only converted while
// at least one client is connected.
func (p *Publisher) Run(ctx context.Context, hub *sensor.Hub, decisions DecisionSource) error {
	id, snaps := hub.Subscribe(4)
	defer hub.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case snap, ok := <-snaps:
			if !ok {
				return nil
			}
			if p.clientCount.Load() == 0 {
				continue
			}
			var decision *navigation.Decision
			if decisions != nil {
				if d, ok := decisions.LastDecision(); ok {
					decision = &d
				}
			}
			msg, err := SnapshotToStruct(snap, decision)
			if err != nil {
				p.log.WithError(err).Warn("failed to encode snapshot")
				continue
			}
			p.Publish(msg)
		}
	}
}

func (p *Publisher) broadcastLoop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case msg := <-p.msgCh:
			p.clientsMu.RLock()
			for _, client := range p.clients {
				select {
				case client.msgCh <- msg:
				default:
					// Client is slow, drop for this client only.
					p.dropped.Add(1)
				}
			}
			p.clientsMu.RUnlock()
		}
	}
}

func (p *Publisher) addClient(req *structpb.Struct) (*clientStream, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "telemetry client limit %d reached", p.config.MaxClients)
	}
	client := &clientStream{
		id:      uuid.NewString(),
		request: req,
		msgCh:   make(chan *structpb.Struct, p.config.ClientBuffer),
	}
	p.clients[client.id] = client
	p.clientCount.Add(1)
	p.log.Infof("client connected: %s (total: %d)", client.id, p.clientCount.Load())
	return client, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if _, ok := p.clients[id]; ok {
		delete(p.clients, id)
		p.clientCount.Add(-1)
		p.log.Infof("client disconnected: %s (remaining: %d)", id, p.clientCount.Load())
	}
}

// StreamSnapshots serves one client until it disconnects or the publisher
// stops.
func (p *Publisher) StreamSnapshots(req *structpb.Struct, stream grpc.ServerStream) error {
	client, err := p.addClient(req)
	if err != nil {
		return err
	}
	defer p.removeClient(client.id)

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.stopCh:
			return nil
		case msg := <-client.msgCh:
			if err := stream.SendMsg(filterFields(msg, client.request)); err != nil {
				return err
			}
		}
	}
}

// Stats returns current publisher statistics.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Dropped:   p.dropped.Load(),
		Clients:   p.clientCount.Load(),
		Running:   p.running.Load(),
	}
}

// PublisherStats contains publisher statistics.
type PublisherStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Clients   int32  `json:"clients"`
	Running   bool   `json:"running"`
}

// Request keys understood by StreamSnapshots. Both default to true.
const (
	IncludeDetections = "include_detections"
	IncludeTracks     = "include_tracks"
)

func wants(req *structpb.Struct, key string) bool {
	v, ok := req.GetFields()[key]
	if !ok {
		return true
	}
	return v.GetBoolValue()
}

// filterFields drops the sections a client opted out of. msg is shared
// between clients, so a filtered view is a shallow copy.
func filterFields(msg, req *structpb.Struct) *structpb.Struct {
	keepDets := wants(req, IncludeDetections)
	keepTracks := wants(req, IncludeTracks)
	if keepDets && keepTracks {
		return msg
	}
	out := &structpb.Struct{Fields: make(map[string]*structpb.Value, len(msg.GetFields()))}
	for k, v := range msg.GetFields() {
		switch {
		case !keepDets && (k == "left" || k == "right"):
		case !keepTracks && k == "tracks":
		default:
			out.Fields[k] = v
		}
	}
	return out
}
