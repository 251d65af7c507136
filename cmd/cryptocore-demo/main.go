package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/ardentsec/cryptocore/internal/facade"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const demoDeviceID uint32 = 1

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	dataDir := flag.String("data-dir", "", "directory for local identity/session data (required)")
	peerLabel := flag.String("peer", "peer", "user id this demo exchanges messages with")
	configPath := flag.String("config", "", "path to a group-policy config.yaml (optional)")
	flag.Parse()
	if *showVersion {
		fmt.Printf("cryptocore-demo version=%s commit=%s build_date=%s\n", version, commit, buildDate)
		return
	}
	if *dataDir == "" {
		log.Fatalf("cryptocore-demo requires -data-dir")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	var cfg facade.Config
	if *configPath != "" {
		loaded, err := facade.LoadConfig(*configPath)
		if err != nil {
			log.Fatalf("cryptocore-demo: loading %s: %v", *configPath, err)
		}
		cfg = loaded
	}

	if err := run(ctx, *dataDir, *peerLabel, cfg, logger); err != nil {
		log.Fatalf("cryptocore-demo failed: %v", err)
	}
}

// run establishes two local identities ("self" and peer) under dataDir,
// performs an X3DH session establishment and double-ratchet DM round trip,
// then a sender-key channel round trip, printing the DM wire envelope, the
// decrypted DM, the safety number and the decrypted channel message.
// It exercises the façade the way a real client's bootstrap path would.
func run(ctx context.Context, dataDir, peerLabel string, cfg facade.Config, logger *slog.Logger) error {
	selfDir := filepath.Join(dataDir, "self")
	peerDir := filepath.Join(dataDir, peerLabel)

	self, err := openFacade(selfDir, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening self identity: %w", err)
	}
	peer, err := openFacade(peerDir, cfg, logger)
	if err != nil {
		return fmt.Errorf("opening %s identity: %w", peerLabel, err)
	}

	if err := self.SetLocalUserID("self"); err != nil {
		return err
	}
	if err := peer.SetLocalUserID(peerLabel); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	peerBundle, err := peer.GetPreKeyBundle(1)
	if err != nil {
		return fmt.Errorf("fetching %s pre-key bundle: %w", peerLabel, err)
	}
	if err := self.EnsureDmSession(peerLabel, demoDeviceID, peerBundle); err != nil {
		return fmt.Errorf("establishing dm session: %w", err)
	}

	envelope, err := self.EncryptDm(peerLabel, demoDeviceID, []byte("hello from self"))
	if err != nil {
		return fmt.Errorf("encrypting dm: %w", err)
	}
	fmt.Printf("dm envelope: %s\n", envelope)

	plaintext, err := peer.DecryptDm("self", demoDeviceID, envelope)
	if err != nil {
		return fmt.Errorf("decrypting dm: %w", err)
	}
	fmt.Printf("dm plaintext: %s\n", plaintext)

	selfKey, err := self.GetIdentityPublicKey()
	if err != nil {
		return err
	}
	safetyNumber, err := peer.ComputeSafetyNumber("self", selfKey)
	if err != nil {
		return fmt.Errorf("computing safety number: %w", err)
	}
	fmt.Printf("safety number (%s's view of self):\n%s\n", peerLabel, safetyNumber)

	distributionID := "demo-channel"
	dist, err := self.EnsureChannelSession(distributionID, []string{"self", peerLabel})
	if err != nil {
		return fmt.Errorf("creating channel session: %w", err)
	}
	distJSON, err := json.Marshal(dist)
	if err != nil {
		return err
	}
	if err := peer.ProcessSenderKeyDistribution(distributionID, distJSON); err != nil {
		return fmt.Errorf("processing sender-key distribution: %w", err)
	}

	channelEnvelope, err := self.EncryptChannel(distributionID, []byte("hello channel"))
	if err != nil {
		return fmt.Errorf("encrypting channel message: %w", err)
	}
	channelPlaintext, err := peer.DecryptChannel(distributionID, "self", demoDeviceID, channelEnvelope)
	if err != nil {
		return fmt.Errorf("decrypting channel message: %w", err)
	}
	fmt.Printf("channel plaintext: %s\n", channelPlaintext)

	return nil
}

func openFacade(dir string, cfg facade.Config, logger *slog.Logger) (*facade.Facade, error) {
	f, err := facade.NewWithConfig(dir, logger, cfg)
	if err != nil {
		return nil, err
	}
	if err := f.Init(dir); err != nil {
		return nil, err
	}
	return f, nil
}
