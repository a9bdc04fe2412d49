// Command memnoded is the MemCloud node daemon: it owns process
// lifecycle (start, signal handling, pidfile) and wires together the
// block store, key index, stream assembler, peer manager, and control
// RPC server. The richer CLI surface (node start|stop|status, store,
// get, ...) lives in the external front end; this binary is the thing
// that front end talks to.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gosuda/memcloud/control"
	"github.com/gosuda/memcloud/crypto"
	"github.com/gosuda/memcloud/paging"
	"github.com/gosuda/memcloud/peer"
	"github.com/gosuda/memcloud/store"
	"github.com/gosuda/memcloud/stream"
	"github.com/gosuda/memcloud/trust"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "memnoded",
	Short: "MemCloud peer daemon: pools local RAM into a shared, ephemeral mesh store",
	RunE:  runNode,
}

var (
	flagStateDir   string
	flagSocket     string
	flagPeerAddr   string
	flagName       string
	flagCapacity   uint64
	flagLocalQuota uint64
	flagThreshold  int
)

func init() {
	flags := rootCmd.PersistentFlags()
	defaultStateDir, _ := os.UserHomeDir()
	if defaultStateDir != "" {
		defaultStateDir = filepath.Join(defaultStateDir, ".memcloud")
	}
	flags.StringVar(&flagStateDir, "state-dir", defaultStateDir, "directory for identity.key, trusted_devices.json, memnode.pid")
	flags.StringVar(&flagSocket, "socket", os.Getenv("MEMCLOUD_SOCKET"), "control socket path (env: MEMCLOUD_SOCKET; default <state-dir>/control.sock)")
	flags.StringVar(&flagPeerAddr, "peer-addr", ":7420", "TCP address to accept peer connections on")
	flags.StringVar(&flagName, "name", "", "this node's display name (default: hostname)")
	flags.Uint64Var(&flagCapacity, "capacity", store.DefaultCapacity, "local block store capacity in bytes")
	flags.Uint64Var(&flagLocalQuota, "local-quota", store.DefaultCapacity, "bytes of local capacity advertised to peers during handshake")
	flags.IntVar(&flagThreshold, "malloc-threshold-mb", defaultThresholdMB(), "paging threshold in MiB (env: MEMCLOUD_MALLOC_THRESHOLD_MB)")
}

func defaultThresholdMB() int {
	if v := os.Getenv("MEMCLOUD_MALLOC_THRESHOLD_MB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return paging.DefaultThreshold / (1 << 20)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("memnoded: fatal")
	}
}

func runNode(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if flagStateDir == "" {
		return fmt.Errorf("memnoded: no state directory resolved (pass --state-dir)")
	}
	if err := os.MkdirAll(flagStateDir, 0700); err != nil {
		return fmt.Errorf("memnoded: create state dir: %w", err)
	}

	displayName := flagName
	if displayName == "" {
		displayName, _ = os.Hostname()
	}

	identity, err := loadOrCreateIdentity(filepath.Join(flagStateDir, "identity.key"), displayName)
	if err != nil {
		return err
	}
	log.Info().Str("identity", identity.ID()).Str("name", displayName).Msg("[memnoded] identity loaded")

	if err := writePidfile(filepath.Join(flagStateDir, "memnode.pid")); err != nil {
		return err
	}

	trustStore, err := trust.NewStore(filepath.Join(flagStateDir, "trusted_devices.json"))
	if err != nil {
		return fmt.Errorf("memnoded: load trust store: %w", err)
	}
	pending := trust.NewPendingGate(0)

	blocks, err := store.NewBlockStore(flagCapacity)
	if err != nil {
		return fmt.Errorf("memnoded: open block store: %w", err)
	}
	defer blocks.Close()
	keys := store.NewKeyIndex(blocks)

	streams := stream.NewAssembler(0)
	defer streams.Close()

	manager := peer.NewManager(identity, trustStore, pending, flagLocalQuota, blocks, keys)

	peerListener, err := net.Listen("tcp", flagPeerAddr)
	if err != nil {
		return fmt.Errorf("memnoded: listen on %s: %w", flagPeerAddr, err)
	}
	go acceptPeers(ctx, peerListener, manager)

	socketPath := resolveSocketPath(flagStateDir)
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("memnoded: clear stale control socket: %w", err)
	}
	controlListener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("memnoded: listen on control socket %s: %w", socketPath, err)
	}
	defer os.RemoveAll(socketPath)

	server := control.NewServer(controlListener, blocks, keys, streams, manager, trustStore, pending)

	log.Info().Str("control_socket", socketPath).Str("peer_addr", flagPeerAddr).Int("malloc_threshold_mb", flagThreshold).Msg("[memnoded] serving")

	return server.Serve(ctx)
}

func acceptPeers(ctx context.Context, listener net.Listener, manager *peer.Manager) {
	go func() {
		<-ctx.Done()
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			log.Warn().Err(err).Msg("[memnoded] peer accept failed")
			return
		}
		go func() {
			if _, err := manager.Accept(ctx, conn); err != nil {
				log.Debug().Err(err).Msg("[memnoded] inbound handshake failed")
			}
		}()
	}
}

func resolveSocketPath(stateDir string) string {
	if flagSocket != "" {
		return flagSocket
	}
	return filepath.Join(stateDir, "control.sock")
}

func loadOrCreateIdentity(path, displayName string) (*crypto.NodeIdentity, error) {
	seed, err := os.ReadFile(path)
	if err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("memnoded: %s has wrong length %d for an ed25519 seed", path, len(seed))
		}
		return crypto.NodeIdentityFromPrivateKey(seed, displayName)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("memnoded: read %s: %w", path, err)
	}

	identity, err := crypto.NewNodeIdentity(displayName)
	if err != nil {
		return nil, fmt.Errorf("memnoded: generate identity: %w", err)
	}
	if err := os.WriteFile(path, identity.Seed(), 0600); err != nil {
		return nil, fmt.Errorf("memnoded: persist %s: %w", path, err)
	}
	return identity, nil
}

func writePidfile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0644)
}
