package service

import (
	"context"
	"net"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/tether/rpc"
	"github.com/luma/tether/storage"
	"github.com/luma/tether/transport"
)

type ServerOptions struct {
	Transport transport.Options

	// Conn configures every accepted connection.
	Conn rpc.Options

	Store storage.Store

	Log *zap.Logger
}

// Server accepts TCP connections and serves the KV on each of them.
type Server struct {
	tcp   *transport.TCP
	kv    *KV
	store storage.Store

	connOptions rpc.Options
	log         *zap.Logger
}

func NewServer(options ServerOptions) *Server {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	store := options.Store
	if store == nil {
		store = storage.NewInmemoryStore()
	}

	s := &Server{
		kv:          NewKV(store, log.Named("kv")),
		store:       store,
		connOptions: options.Conn,
		log:         log,
	}

	if s.connOptions.Log == nil {
		s.connOptions.Log = log
	}

	transportOptions := options.Transport
	transportOptions.OnConnect = s.accept
	if transportOptions.Log == nil {
		transportOptions.Log = log.Named("transport")
	}

	s.tcp = transport.NewTCP(transportOptions)

	return s
}

func (s *Server) Start(ctx context.Context) error {
	s.kv.Start()

	return s.tcp.Start(ctx)
}

// Addr returns the address the server listens on.
func (s *Server) Addr() net.Addr {
	return s.tcp.Addr()
}

func (s *Server) Conns() []ConnInfo {
	return s.kv.Conns()
}

// Close disconnects every client and stops listening. The store is closed too.
func (s *Server) Close() error {
	return multierr.Combine(
		s.kv.Close(),
		s.tcp.Close(),
		s.store.Close(),
	)
}

func (s *Server) accept(stream *transport.Stream) transport.Receiver {
	conn := rpc.NewConn(stream, s.connOptions)

	if err := s.kv.Attach(conn); err != nil {
		s.log.Error("Failed to attach connection", zap.Error(err))
		conn.Disconnect()
		return nil
	}

	s.log.Info("Accepted connection",
		zap.String("conn", conn.ID()),
		zap.Stringer("remote", stream.RemoteAddr()))

	return conn
}
