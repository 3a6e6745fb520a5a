// Command hotdexd starts a HotStuff-BFT DEX node: consensus, LOB/margin
// matching, and the JSON-RPC surface over one shared state database.
package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hotdex/node/bridge"
	"github.com/hotdex/node/config"
	"github.com/hotdex/node/consensus"
	"github.com/hotdex/node/core"
	"github.com/hotdex/node/crypto"
	"github.com/hotdex/node/crypto/certgen"
	"github.com/hotdex/node/events"
	"github.com/hotdex/node/indexer"
	"github.com/hotdex/node/lob"
	"github.com/hotdex/node/margin"
	"github.com/hotdex/node/metrics"
	"github.com/hotdex/node/network"
	"github.com/hotdex/node/rpc"
	"github.com/hotdex/node/storage"
	"github.com/hotdex/node/vm"
	"github.com/hotdex/node/wallet"

	// Import VM modules to trigger their init() self-registration.
	_ "github.com/hotdex/node/vm/modules/economy"
)

func main() {
	cfgPath := flag.String("config", "config.json", "path to config file")
	keyPath := flag.String("key", "validator.key", "path to keystore file")
	genKey := flag.Bool("genkey", false, "generate a new validator key and exit")
	genCerts := flag.String("gencerts", "", "generate CA + node TLS certs into the given directory and exit (requires node ID from config)")
	flag.Parse()

	// Read keystore password from environment (not CLI flags — they leak via ps).
	password := os.Getenv("HOTDEX_PASSWORD")
	if password == "" {
		log.Println("WARNING: HOTDEX_PASSWORD not set — keystore will use an empty password")
	}

	// ---- generate key mode ----
	if *genKey {
		w, err := wallet.Generate()
		if err != nil {
			log.Fatal(err)
		}
		if err := wallet.SaveKey(*keyPath, password, w.PrivKey()); err != nil {
			log.Fatal(err)
		}
		fmt.Printf("Generated key. Public key (validator address): %s\n", w.PubKey())
		fmt.Printf("Saved to: %s\n", *keyPath)
		return
	}

	// ---- generate certs mode ----
	if *genCerts != "" {
		cfgForCerts, err := loadConfig(*cfgPath)
		if err != nil {
			log.Fatalf("config: %v", err)
		}
		if err := certgen.GenerateAll(*genCerts, cfgForCerts.NodeID, nil); err != nil {
			log.Fatalf("gencerts: %v", err)
		}
		fmt.Printf("Certificates generated in %s for node %q\n", *genCerts, cfgForCerts.NodeID)
		return
	}

	// ---- load config ----
	cfg, err := loadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := buildLogger(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// ---- load validator signing key, derive this validator's BLS key ----
	privKey, err := wallet.LoadKey(*keyPath, password)
	if err != nil {
		log.Fatalf("load key: %v", err)
	}
	blsKey, err := validatorBLSKey(privKey)
	if err != nil {
		log.Fatalf("derive BLS key: %v", err)
	}

	selfIdx, validators, err := buildValidatorSet(cfg, blsKey)
	if err != nil {
		log.Fatalf("validator set: %v", err)
	}

	// ---- open DB ----
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		log.Fatalf("mkdir data dir: %v", err)
	}
	db, err := storage.NewLevelDB(cfg.DataDir + "/chain")
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	blockStore := storage.NewLevelBlockStore(db)
	state := storage.NewStateDB(db)

	// ---- chain ----
	chain := consensus.NewChain(blockStore)
	if err := chain.Init(); err != nil {
		log.Fatalf("chain init: %v", err)
	}

	// ---- genesis block (if fresh chain) ----
	if chain.CommittedHash().IsZero() {
		if _, err := config.CreateGenesisBlock(cfg, state); err != nil {
			log.Fatalf("genesis: %v", err)
		}
		logger.Info("genesis state committed", zap.String("chain_id", cfg.Genesis.ChainID))
	}

	// ---- events ----
	emitter := events.NewEmitter()

	// ---- indexer ----
	idx := indexer.New(db, emitter)

	// ---- mempool ----
	mempool := core.NewMempool(cfg.Mempool.MaxPerSender, cfg.Mempool.MaxTotal)

	// ---- matching / margin engines ----
	lobEngine := lob.NewEngine(true)
	oracle := margin.NewOracle(lobEngine, 0)
	marginEngine := margin.NewEngine(cfg.Margin, cfg.Funding, oracle)

	// ---- VM executor ----
	exec := vm.NewExecutor(state, emitter, lobEngine, marginEngine)

	// ---- checkpoints + bridge ----
	checkpoints := storage.NewCheckpointManager(blockStore, state, cfg.Checkpoint.IntervalBlocks, cfg.Checkpoint.MaxKept)
	br := bridge.NewBridge(exec, lobEngine, marginEngine, checkpoints, emitter)

	// ---- pacemaker ----
	baseTimeout := time.Duration(cfg.Consensus.PacemakerBaseTimeoutMS) * time.Millisecond
	maxTimeout := time.Duration(cfg.Consensus.PacemakerMaxTimeoutMS) * time.Millisecond
	pacemaker := consensus.NewPacemaker(validators.N(), baseTimeout, maxTimeout)

	// ---- TLS ----
	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		log.Fatalf("tls: %v", err)
	}
	if tlsCfg != nil {
		logger.Info("mTLS enabled for P2P")
	}

	// ---- network ----
	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, mempool, tlsCfg)

	// ---- consensus engine ----
	engine := consensus.NewEngine(chain, state, mempool, br, emitter, node, pacemaker, validators, selfIdx, blsKey, 0, logger)
	if err := engine.Recover(); err != nil {
		log.Fatalf("recover: %v", err)
	}
	wireConsensusHandlers(node, engine, logger)

	// NewSyncer's side effect is what matters here: it registers the
	// MsgGetBlocks/MsgBlocks handlers that answer peer catch-up requests.
	network.NewSyncer(node, chain, br, state, validators)
	if err := node.Start(); err != nil {
		log.Fatalf("p2p start: %v", err)
	}
	defer node.Stop()
	logger.Info("p2p listening", zap.String("addr", p2pAddr))

	// ---- connect to seed peers ----
	// TODO: there is no height-discovery handshake yet (a status/hello
	// exchange carrying the peer's committed height), so syncer.SyncTo
	// cannot be triggered here with a real target height; catch-up sync
	// currently only runs once this node falls behind on the live gossip
	// path and notices a gap.
	for _, sp := range cfg.SeedPeers {
		if err := node.AddPeer(sp.ID, sp.Addr); err != nil {
			logger.Warn("seed peer connect failed", zap.String("id", sp.ID), zap.String("addr", sp.Addr), zap.Error(err))
			continue
		}
		logger.Info("connected to seed peer", zap.String("id", sp.ID), zap.String("addr", sp.Addr))
	}

	// ---- RPC ----
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcHandler := rpc.NewHandler(chain, mempool, state, lobEngine, marginEngine, idx)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)
	if err := rpcServer.Start(); err != nil {
		log.Fatalf("rpc start: %v", err)
	}
	defer rpcServer.Stop()
	logger.Info("rpc listening", zap.String("addr", rpcAddr))
	if cfg.RPCAuthToken != "" {
		logger.Info("RPC bearer token authentication enabled")
	}

	// ---- metrics ----
	reg := metrics.New()
	if err := reg.Start(cfg.Metrics.ListenAddr); err != nil {
		log.Fatalf("metrics start: %v", err)
	}
	wireMetrics(emitter, reg, mempool, engine)

	// ---- consensus loop ----
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := time.Duration(cfg.Consensus.BlockTimeTargetMS) * time.Millisecond
		if interval <= 0 {
			interval = 2 * time.Second
		}
		engine.Run(interval, done)
	}()
	logger.Info("consensus running", zap.Int("validator_index", selfIdx), zap.Int("committee_size", validators.N()))

	// ---- graceful shutdown ----
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logger.Info("shutting down")

	// 1. Stop consensus first (no new blocks written)
	close(done)
	wg.Wait()

	// 2. Stop the metrics exporter
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := reg.Stop(shutdownCtx); err != nil {
		logger.Warn("metrics shutdown", zap.Error(err))
	}

	// 3. Deferred calls run in LIFO: rpcServer.Stop → node.Stop → db.Close
	logger.Info("shutdown complete")
}

// wireConsensusHandlers registers the inbound proposal and vote message
// handlers that feed the engine's event-driven state machine. No handler is
// registered for new-view messages.
func wireConsensusHandlers(node *network.Node, engine *consensus.Engine, logger *zap.Logger) {
	node.Handle(network.MsgProposal, func(_ *network.Peer, msg network.Message) {
		var block consensus.Block
		if err := json.Unmarshal(msg.Payload, &block); err != nil {
			logger.Warn("unmarshal proposal", zap.Error(err))
			return
		}
		if err := engine.OnReceiveProposal(&block); err != nil {
			logger.Warn("reject proposal", zap.Error(err))
		}
	})
	node.Handle(network.MsgVote, func(_ *network.Peer, msg network.Message) {
		var vote consensus.Vote
		if err := json.Unmarshal(msg.Payload, &vote); err != nil {
			logger.Warn("unmarshal vote", zap.Error(err))
			return
		}
		if err := engine.OnReceiveVote(&vote); err != nil {
			logger.Warn("reject vote", zap.Error(err))
		}
	})
}

// wireMetrics keeps the Prometheus gauges current off committed-block
// events and a periodic mempool/view sample.
func wireMetrics(emitter *events.Emitter, reg *metrics.Registry, mempool *core.Mempool, engine *consensus.Engine) {
	emitter.Subscribe(events.EventBlockCommit, func(ev events.Event) {
		reg.BlocksCommitted.Inc()
		reg.ChainHeight.Set(float64(ev.BlockHeight))
		if txs, ok := ev.Data["txs"].(int); ok {
			reg.TxsExecuted.Add(float64(txs))
		}
	})
	emitter.Subscribe(events.EventLiquidation, func(ev events.Event) {
		reg.Liquidations.Inc()
	})
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			reg.MempoolSize.Set(float64(mempool.Size()))
			reg.ConsensusView.Set(float64(engine.State().CurrentView))
		}
	}()
}

// validatorBLSKey derives this node's BLS consensus key deterministically
// from its ed25519 signing key, so a single keystore file is enough to
// recover both identities.
func validatorBLSKey(priv crypto.PrivateKey) (*crypto.BLSSecretKey, error) {
	return crypto.GenerateBLSKey(crypto.Hash32(priv))
}

// buildValidatorSet decodes every configured validator's BLS public key and
// locates this node's own index by matching its derived BLS public key.
func buildValidatorSet(cfg *config.Config, selfKey *crypto.BLSSecretKey) (int, *consensus.ValidatorSet, error) {
	pubKeys := make([]*crypto.BLSPublicKey, 0, len(cfg.Validators))
	selfIdx := -1
	selfPub := selfKey.Public().Serialize()
	for i, v := range cfg.Validators {
		raw, err := hex.DecodeString(v.BLSPubKey)
		if err != nil {
			return 0, nil, fmt.Errorf("validator %s: decode bls_pub_key: %w", v.ID, err)
		}
		pk, err := crypto.BLSPublicKeyFromBytes(raw)
		if err != nil {
			return 0, nil, fmt.Errorf("validator %s: parse bls_pub_key: %w", v.ID, err)
		}
		pubKeys = append(pubKeys, pk)
		if hex.EncodeToString(pk.Serialize()) == hex.EncodeToString(selfPub) {
			selfIdx = i
		}
	}
	if len(pubKeys) == 0 {
		return 0, nil, fmt.Errorf("no validators configured")
	}
	if selfIdx < 0 {
		return 0, nil, fmt.Errorf("this node's BLS key is not present in cfg.Validators; add %s to the committee first",
			hex.EncodeToString(selfPub))
	}
	return selfIdx, &consensus.ValidatorSet{PubKeys: pubKeys}, nil
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	return cfg.Build()
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Printf("Config file not found at %s, using defaults.", path)
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}
