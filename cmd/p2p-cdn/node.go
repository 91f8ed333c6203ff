package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"p2pcdn/internal/cdn"
	"p2pcdn/internal/mesh"
	"p2pcdn/internal/storage"
	"p2pcdn/internal/tracker"
	"p2pcdn/pkg/config"
	"p2pcdn/pkg/discovery"
	"p2pcdn/pkg/logger"
	"p2pcdn/pkg/protocol"
	"p2pcdn/pkg/transport/tcp"
)

var (
	nodeAddr        string
	configPath      string
	bootstrapAddr   string
	fileToPublish   string
	fileToFetch     string
	fetchOutput     string
	nodeInteractive bool
	useMDNS         bool
)

var nodeCmd = &cobra.Command{
	Use:   "node",
	Short: "Start a CDN node",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			logger.Sugar.Fatalf("failed to load config: %v", err)
		}
		if nodeAddr != "" {
			cfg.ListenAddr = nodeAddr
		}

		node, err := buildNode(cfg)
		if err != nil {
			logger.Sugar.Fatalf("failed to build node: %v", err)
		}
		if err := node.Start(); err != nil {
			logger.Sugar.Fatalf("failed to start node: %v", err)
		}
		defer node.Stop()

		advertiser := startDiscovery(node)
		if advertiser != nil {
			defer advertiser.Stop()
		}

		if bootstrapAddr != "" {
			if err := node.Connect(bootstrapAddr); err != nil {
				logger.Sugar.Errorf("failed to connect bootstrap peer %s: %v", bootstrapAddr, err)
			}
		}

		if fileToPublish != "" {
			if err := publishFile(node, fileToPublish); err != nil {
				logger.Sugar.Errorf("failed to publish %s: %v", fileToPublish, err)
			}
		}

		if fileToFetch != "" {
			if err := fetchFile(node, fileToFetch, fetchOutput); err != nil {
				logger.Sugar.Errorf("failed to fetch %s: %v", fileToFetch, err)
			}
		}

		if nodeInteractive {
			fmt.Println("P2P CDN Node Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { nodeExecutor(in, node) },
				nodeCompleter,
				prompt.OptionPrefix("cdn> "),
				prompt.OptionTitle("P2P CDN Node"),
			).Run()
		} else {
			select {}
		}
	},
}

func buildNode(cfg *config.Config) (*cdn.CDN, error) {
	var backend storage.Backend
	switch cfg.StorageBackend {
	case "disk":
		var err error
		backend, err = storage.NewDiskBackend(cfg.StorageRoot)
		if err != nil {
			return nil, err
		}
	default:
		backend = storage.NewMemoryBackend()
	}

	store, err := storage.NewStore(backend, cfg.StorageCapacityBytes)
	if err != nil {
		return nil, err
	}

	avail := tracker.New()
	trans := tcp.NewTCPTransport(cfg.ListenAddr)

	node := &nodeWiring{}
	m := mesh.New(trans, mesh.Options{
		PeerID:            uuid.NewString(),
		RequestTimeout:    cfg.RequestTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PeerTimeout:       cfg.PeerTimeout,
		AnnounceRate:      cfg.AnnounceRate,
		AnnounceBurst:     cfg.AnnounceBurst,
	}, node, node)

	c := cdn.New(cfg, m, avail, store)
	node.cdn = c
	return c, nil
}

// nodeWiring breaks the construction cycle between mesh and CDN: the mesh
// needs chunk/manifest sources at build time, the CDN needs the mesh.
type nodeWiring struct {
	cdn *cdn.CDN
}

func (w *nodeWiring) ChunkData(fileID string, position uint32, hash string) ([]byte, error) {
	return w.cdn.ChunkData(fileID, position, hash)
}

func (w *nodeWiring) LocalManifest(fileID string) (*protocol.Manifest, bool) {
	return w.cdn.LocalManifest(fileID)
}

func startDiscovery(node *cdn.CDN) *discovery.Advertiser {
	if !useMDNS {
		return nil
	}

	advertiser := discovery.NewAdvertiser()
	_, portStr, err := net.SplitHostPort(node.Addr())
	if err == nil {
		if port, perr := strconv.Atoi(portStr); perr == nil && port > 0 {
			meta := map[string]string{"version": "1.0.0", "type": "cdn-node"}
			if err := advertiser.Start("", port, meta); err != nil {
				logger.Sugar.Errorf("failed to start mDNS advertisement: %v", err)
			}
		}
	}

	// Browse for other nodes in the background and connect as they appear
	go func() {
		resolver, err := discovery.NewResolver()
		if err != nil {
			logger.Sugar.Errorf("failed to create mDNS resolver: %v", err)
			return
		}
		ch, err := resolver.Browse(context.Background())
		if err != nil {
			logger.Sugar.Errorf("failed to browse mDNS: %v", err)
			return
		}
		for info := range ch {
			addr := fmt.Sprintf("%s:%d", info.IPs[0], info.Port)
			if addr == node.Addr() {
				continue
			}
			if err := node.Connect(addr); err != nil {
				logger.Sugar.Debugf("mDNS connect to %s failed: %v", addr, err)
			}
		}
	}()

	return advertiser
}

func publishFile(node *cdn.CDN, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	manifest, err := node.Publish(filepath.Base(path), data)
	if err != nil {
		return err
	}
	fmt.Printf("Published %s (%d bytes, %d chunks)\nFile ID: %s\n", manifest.FileName, manifest.TotalSize, manifest.TotalChunks(), manifest.FileID)
	return nil
}

func fetchFile(node *cdn.CDN, fileID, output string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	var bar *progressbar.ProgressBar
	resp, err := node.Fetch(ctx, cdn.Request{
		FileID: fileID,
		OnProgress: func(p cdn.TransferProgress) {
			if bar == nil {
				bar = progressbar.DefaultBytes(p.TotalBytes, "downloading")
			}
			_ = bar.Set64(p.DownloadedBytes)
		},
	})
	if err != nil {
		return err
	}

	data, err := resp.ReadAll(ctx)
	if err != nil {
		resp.Cancel()
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}

	if output == "" {
		output = resp.Manifest.FileName
		if output == "" {
			output = fileID
		}
	}
	if err := os.WriteFile(output, data, 0644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	fmt.Printf("\nFetched %d bytes to %s\n", len(data), output)
	return nil
}

func nodeExecutor(in string, node *cdn.CDN) {
	in = strings.TrimSpace(in)
	blocks := strings.Fields(in)
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping node...")
		node.Stop()
		os.Exit(0)
	case "stats":
		s := node.Stats()
		fmt.Printf("Peers: %d | Active fetches: %d | Local files: %d\n", s.PeerCount, s.ActiveFetches, s.LocalFiles)
		fmt.Printf("Storage: %d/%d bytes in %d chunks\n", s.Storage.UsedBytes, s.Storage.CapacityBytes, s.Storage.EntryCount)
	case "peers":
		peers := node.Peers()
		if len(peers) == 0 {
			fmt.Println("No peers connected.")
			return
		}
		for _, p := range peers {
			fmt.Printf("- %s (%s) state=%s latency=%s inflight=%d\n", p.PeerID, p.ListenAddr, p.State, p.Latency, p.Inflight)
		}
	case "files":
		for _, m := range node.Manifests() {
			fmt.Printf("- %s (%d bytes, %d chunks) id=%s\n", m.FileName, m.TotalSize, m.TotalChunks(), m.FileID)
		}
	case "connect":
		if len(blocks) < 2 {
			fmt.Println("Usage: connect <addr>")
			return
		}
		if err := node.Connect(blocks[1]); err != nil {
			fmt.Printf("Error connecting: %v\n", err)
		} else {
			fmt.Println("Connected.")
		}
	case "publish":
		if len(blocks) < 2 {
			fmt.Println("Usage: publish <file_path>")
			return
		}
		if err := publishFile(node, blocks[1]); err != nil {
			fmt.Printf("Error publishing file: %v\n", err)
		}
	case "fetch":
		if len(blocks) < 2 {
			fmt.Println("Usage: fetch <file_id> [output_path]")
			return
		}
		output := ""
		if len(blocks) > 2 {
			output = blocks[2]
		}
		if err := fetchFile(node, blocks[1], output); err != nil {
			fmt.Printf("Error fetching file: %v\n", err)
		}
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  stats                  - Show node statistics")
		fmt.Println("  peers                  - List connected peers")
		fmt.Println("  files                  - List locally known files")
		fmt.Println("  connect <addr>         - Connect to a peer")
		fmt.Println("  publish <path>         - Publish and seed a local file")
		fmt.Println("  fetch <id> [out]       - Fetch a file by ID")
		fmt.Println("  exit                   - Stop node and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func nodeCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "stats", Description: "Show node statistics"},
		{Text: "peers", Description: "List connected peers"},
		{Text: "files", Description: "List locally known files"},
		{Text: "connect", Description: "Connect to a peer"},
		{Text: "publish", Description: "Publish a file"},
		{Text: "fetch", Description: "Fetch a file"},
		{Text: "exit", Description: "Exit the node"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	rootCmd.AddCommand(nodeCmd)
	nodeCmd.Flags().StringVarP(&nodeAddr, "addr", "a", "", "Address for this node to listen on (overrides config)")
	nodeCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file")
	nodeCmd.Flags().StringVarP(&bootstrapAddr, "connect", "b", "", "Address of a bootstrap peer to connect to")
	nodeCmd.Flags().StringVarP(&fileToPublish, "publish", "p", "", "Path to a file to publish/seed immediately")
	nodeCmd.Flags().StringVarP(&fileToFetch, "fetch", "f", "", "File ID to fetch immediately")
	nodeCmd.Flags().StringVarP(&fetchOutput, "output", "o", "", "Output path for --fetch")
	nodeCmd.Flags().BoolVarP(&nodeInteractive, "interactive", "i", false, "Start in interactive mode")
	nodeCmd.Flags().BoolVarP(&useMDNS, "mdns", "m", false, "Advertise and discover nodes via mDNS")
}
