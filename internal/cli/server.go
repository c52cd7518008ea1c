package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/sats-gateway/cashu-proxy/internal/autorefill"
	"github.com/sats-gateway/cashu-proxy/internal/walletmanager"
)

const (
	// DefaultSocketPath is where the control-plane server listens unless
	// overridden by configuration.
	DefaultSocketPath = "/var/run/cashu-proxy.sock"

	socketPermissions = 0660
)

var log = logrus.WithField("module", "cli")

// Server handles Unix-socket communication for operational commands.
type Server struct {
	SocketPath string

	wallets   *walletmanager.Manager
	refill    *autorefill.Service
	startTime time.Time
	listener  net.Listener
	running   bool
}

// NewServer builds a control-plane server. refill may be nil when the
// auto-refill loop is disabled; "refill tick" then reports it unavailable.
func NewServer(socketPath string, wallets *walletmanager.Manager, refill *autorefill.Service) *Server {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Server{
		SocketPath: socketPath,
		wallets:    wallets,
		refill:     refill,
		startTime:  time.Now(),
	}
}

// Start begins listening on the Unix socket and accepting connections in
// the background.
func (s *Server) Start() error {
	if err := os.Remove(s.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove existing socket: %w", err)
	}

	listener, err := net.Listen("unix", s.SocketPath)
	if err != nil {
		return fmt.Errorf("failed to create unix socket: %w", err)
	}
	if err := os.Chmod(s.SocketPath, socketPermissions); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.listener = listener
	s.running = true

	log.WithField("socket_path", s.SocketPath).Info("cli control server started")
	go s.acceptConnections()
	return nil
}

// Stop shuts the server down and removes the socket file.
func (s *Server) Stop() error {
	if !s.running {
		return nil
	}
	s.running = false
	if s.listener != nil {
		s.listener.Close()
	}
	os.Remove(s.SocketPath)
	log.Info("cli control server stopped")
	return nil
}

func (s *Server) acceptConnections() {
	for s.running {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.running {
				log.WithError(err).Error("failed to accept cli connection")
			}
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReaderSize(conn, 8192)
	data, err := reader.ReadBytes('\n')
	if err != nil {
		log.WithError(err).Error("failed to read cli command")
		return
	}
	if len(data) > 0 && data[len(data)-1] == '\n' {
		data = data[:len(data)-1]
	}

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(conn, fmt.Sprintf("invalid JSON: %v", err))
		return
	}

	s.sendResponse(conn, s.processCommand(context.Background(), msg))
}

func (s *Server) processCommand(ctx context.Context, msg Message) Response {
	log.WithFields(logrus.Fields{"command": msg.Command, "args": msg.Args}).Debug("processing cli command")

	switch msg.Command {
	case "wallet":
		return s.handleWalletCommand(ctx, msg.Args)
	case "refill":
		return s.handleRefillCommand(ctx, msg.Args)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown command: %s", msg.Command), Timestamp: time.Now()}
	}
}

func (s *Server) handleWalletCommand(ctx context.Context, args []string) Response {
	if len(args) < 2 {
		return Response{Success: false, Error: "wallet command requires an action and organization id (balance|mints <org-id>)", Timestamp: time.Now()}
	}

	orgID, err := uuid.Parse(args[1])
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("invalid organization id: %v", err), Timestamp: time.Now()}
	}

	switch args[0] {
	case "balance":
		return s.handleWalletBalance(orgID)
	case "mints":
		return s.handleWalletMints(orgID)
	default:
		return Response{Success: false, Error: fmt.Sprintf("unknown wallet action: %s (supported: balance, mints)", args[0]), Timestamp: time.Now()}
	}
}

func (s *Server) handleWalletBalance(orgID uuid.UUID) Response {
	w, err := s.wallets.GetOrCreate(orgID)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("failed to load wallet: %v", err), Timestamp: time.Now()}
	}

	byMint, total := w.Balance()
	mints := make([]MintBalanceInfo, 0, len(byMint))
	for _, b := range byMint {
		mints = append(mints, MintBalanceInfo{MintURL: b.MintURL, Unit: string(b.Unit), Balance: b.Amount})
	}

	return Response{
		Success: true,
		Message: fmt.Sprintf("total balance: %d", total),
		Data: WalletInfo{
			OrganizationID: orgID.String(),
			TotalBalance:   total,
			Mints:          mints,
		},
		Timestamp: time.Now(),
	}
}

func (s *Server) handleWalletMints(orgID uuid.UUID) Response {
	w, err := s.wallets.GetOrCreate(orgID)
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("failed to load wallet: %v", err), Timestamp: time.Now()}
	}

	return Response{
		Success:   true,
		Message:   fmt.Sprintf("%d mints onboarded", len(w.ListMints())),
		Data:      w.ListMints(),
		Timestamp: time.Now(),
	}
}

func (s *Server) handleRefillCommand(ctx context.Context, args []string) Response {
	if len(args) == 0 || args[0] != "tick" {
		return Response{Success: false, Error: "usage: refill tick", Timestamp: time.Now()}
	}
	if s.refill == nil {
		return Response{Success: false, Error: "auto-refill loop is disabled", Timestamp: time.Now()}
	}

	checked := s.refill.Tick(ctx)

	return Response{
		Success:   true,
		Message:   "refill tick completed",
		Data:      RefillTickResult{SettingsChecked: checked},
		Timestamp: time.Now(),
	}
}

func (s *Server) sendResponse(conn net.Conn, response Response) {
	data, err := json.Marshal(response)
	if err != nil {
		log.WithError(err).Error("failed to marshal cli response")
		return
	}
	conn.Write(data)
	conn.Write([]byte("\n"))
}

func (s *Server) sendError(conn net.Conn, errorMsg string) {
	s.sendResponse(conn, Response{Success: false, Error: errorMsg, Timestamp: time.Now()})
}
