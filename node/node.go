package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/TFMV/furydcc/config"
	"github.com/TFMV/furydcc/server"
)

// statusInterval is how often the run loop logs transfer counts.
const statusInterval = time.Minute

// Node represents a running furydcc node
type Node struct {
	logger      *zap.Logger
	cfg         *config.Config
	fileManager *FileManager
	api         *server.API
	apiLn       net.Listener
	stopOnce    sync.Once
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewNode creates a new Node instance serving fileManager over the HTTP API.
func NewNode(logger *zap.Logger, cfg *config.Config, fileManager *FileManager) (*Node, error) {
	if fileManager == nil {
		return nil, errors.New("file manager is required")
	}

	ctx, cancel := context.WithCancel(context.Background())

	node := &Node{
		logger:      logger,
		cfg:         cfg,
		fileManager: fileManager,
		api:         server.New(logger.Named("api"), fileManager.Manager()),
		ctx:         ctx,
		cancel:      cancel,
	}

	return node, nil
}

// Start starts the file manager, the API server and the run loop.
func (n *Node) Start() error {
	n.logger.Info("Starting furydcc node", zap.String("nick", n.cfg.Control.Nick))

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", n.cfg.API.Port))
	if err != nil {
		return fmt.Errorf("failed to listen for API: %w", err)
	}
	n.apiLn = ln

	if err := n.fileManager.Start(); err != nil {
		ln.Close()
		return fmt.Errorf("failed to start file manager: %w", err)
	}

	// Serve the API until Stop
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.api.Serve(ln); err != nil && n.ctx.Err() == nil {
			n.logger.Error("API server failed", zap.Error(err))
		}
	}()

	// Set up signal handling for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer signal.Stop(sigCh)
		select {
		case <-sigCh:
			n.logger.Info("Received shutdown signal")
			n.shutdown()
		case <-n.ctx.Done():
			return
		}
	}()

	// Start the node's main loop
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run()
	}()

	return nil
}

// run is the main loop of the node
func (n *Node) run() {
	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info("Node shutting down")
			return
		case <-ticker.C:
			n.logStatus()
		}
	}
}

func (n *Node) logStatus() {
	manager := n.fileManager.Manager()
	fields := []zap.Field{
		zap.Int("in_flight", manager.InFlight()),
		zap.Int("unacknowledged", manager.Unacknowledged()),
		zap.Bool("pending", n.fileManager.Notifier().Pending()),
	}
	if messenger := n.fileManager.Messenger(); messenger != nil {
		fields = append(fields, zap.Strings("peers", messenger.Peers()))
	}
	if allocator := manager.Allocator(); allocator != nil {
		fields = append(fields, zap.Int("leased_ports", allocator.Leased()))
	}
	n.logger.Debug("Node status", fields...)
}

// shutdown stops serving and cancels transfers. Safe to call more than once.
func (n *Node) shutdown() {
	n.stopOnce.Do(func() {
		n.cancel()
		if err := n.api.Shutdown(); err != nil {
			n.logger.Warn("Failed to shut down API server", zap.Error(err))
		}
		if n.apiLn != nil {
			// Serve may not have registered the listener yet
			n.apiLn.Close()
		}
		n.fileManager.Stop()
	})
}

// Stop stops the node
func (n *Node) Stop() {
	n.logger.Info("Stopping node")
	n.shutdown()
	n.Wait()
}

// Wait waits for the node to exit
func (n *Node) Wait() {
	n.wg.Wait()
	n.logger.Info("Node stopped")
}

// FileManager returns the node's file manager
func (n *Node) FileManager() *FileManager {
	return n.fileManager
}

// API returns the node's HTTP API.
func (n *Node) API() *server.API {
	return n.api
}

// StartNode loads the configuration held by v, runs a node and blocks until
// it is shut down by a signal.
func StartNode(logger *zap.Logger, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	fileManager, err := NewFileManager(logger, cfg, nil)
	if err != nil {
		return err
	}

	node, err := NewNode(logger, cfg, fileManager)
	if err != nil {
		return err
	}

	if err := node.Start(); err != nil {
		fileManager.Stop()
		return err
	}

	node.Wait()
	return nil
}
