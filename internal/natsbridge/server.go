// Package natsbridge runs the embedded NATS server workers connect to
// and mirrors control-plane events onto it for external consumers.
package natsbridge

import (
	"fmt"
	"os"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"

	"github.com/davidkimai/godel-sub001/internal/config"
)

type Server struct {
	srv *natsserver.Server
	cfg config.NATSConfig
}

func NewServer(cfg config.NATSConfig) (*Server, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		Port:      cfg.Port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
		StoreDir:  cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Server{srv: ns, cfg: cfg}, nil
}

func (s *Server) ClientURL() string {
	return s.srv.ClientURL()
}

func (s *Server) Close() {
	s.srv.Shutdown()
	s.srv.WaitForShutdown()
}
