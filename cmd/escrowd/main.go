package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"empleadora/arbiter"
	"empleadora/config"
	"empleadora/escrow"
	"empleadora/gateway"
	"empleadora/gateway/auth"
	"empleadora/observability/logging"
	"empleadora/settlement"
	"empleadora/storage"
)

const (
	signatureSkew     = 30 * time.Second
	nonceTTL          = 5 * time.Minute
	nonceCapacity     = 4096
	walletPollEvery   = 15 * time.Second
	shutdownGrace     = 10 * time.Second
	serverReadTimeout = 30 * time.Second
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "escrowd.toml", "path to escrowd configuration")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("EMPLEADORA_ENV"))
	logger := logging.Setup("escrowd", env, os.Getenv("EMPLEADORA_LOG_LEVEL"))

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(1)
	}
	adminSecret := cfg.AdminTokenSecret()
	if adminSecret == "" {
		logger.Error("admin token secret missing", "env", cfg.AdminTokenSecretEnv)
		os.Exit(1)
	}

	ledgerPath := filepath.Join(cfg.DataDir, "ledger")
	db, err := storage.NewLevelDB(ledgerPath)
	if err != nil {
		logger.Error("open ledger database", "error", err, "path", ledgerPath)
		os.Exit(1)
	}
	defer db.Close()

	queue := gateway.NewWebhookQueue(webhookOptions(cfg)...)

	ledger := escrow.NewLedger(storage.NewLedgerStore(db))
	arbiterAddr, err := auth.ParseAddress(cfg.ArbiterAddress)
	if err != nil {
		logger.Error("parse arbiter address", "error", err)
		os.Exit(1)
	}
	ledger.SetArbiter(arbiterAddr)
	ledger.SetNotifier(gateway.NewLedgerNotifier(queue))

	vaultAddr, err := auth.ParseAddress(cfg.VaultAddress)
	if err != nil {
		logger.Error("parse vault address", "error", err)
		os.Exit(1)
	}
	wallet := settlement.NewRPCWalletGateway(cfg.WalletRPCURL, cfg.WalletRPCToken(), vaultAddr)

	execOpts := []settlement.Option{settlement.WithConfirmationDepth(cfg.Confirmations)}
	for _, raw := range cfg.AllowedTokens {
		token, err := auth.ParseAddress(raw)
		if err != nil {
			logger.Error("parse allowed token", "error", err, "token", raw)
			os.Exit(1)
		}
		execOpts = append(execOpts, settlement.WithAllowedToken(token))
	}
	exec := settlement.NewExecutor(wallet, big.NewInt(cfg.ChainID), vaultAddr, execOpts...)

	arb := arbiter.New(ledger, exec, arbiterAddr, cfg.AdminSubjects)

	store, err := gateway.NewSQLiteStore(cfg.GatewayDBPath)
	if err != nil {
		logger.Error("open gateway database", "error", err, "path", cfg.GatewayDBPath)
		os.Exit(1)
	}
	defer store.Close()

	credentials := make(map[string]auth.Credential, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		addr, err := auth.ParseAddress(key.Address)
		if err != nil {
			logger.Error("parse api key address", "error", err, logging.MaskField("apiKey", key.Key))
			os.Exit(1)
		}
		credentials[key.Key] = auth.Credential{Secret: key.Secret, Address: addr}
	}
	authenticator := auth.NewAuthenticator(credentials, signatureSkew, nonceTTL, nonceCapacity, time.Now, auth.NewDBNoncePersistence(db))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := authenticator.HydrateNonces(ctx, time.Now().Add(-nonceTTL)); err != nil {
		logger.Warn("hydrate nonces", "error", err)
	}

	server := gateway.NewServer(
		authenticator,
		gateway.NewAdminVerifier(adminSecret),
		ledger,
		exec,
		arb,
		store,
		queue,
		logger,
	)

	worker := gateway.NewWebhookWorker(store, queue)
	go worker.Run(ctx)
	go wallet.PollAccountChanges(ctx, walletPollEvery)
	go watchWallet(ctx, logger, wallet)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server,
		ReadHeaderTimeout: serverReadTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown http server", "error", err)
		}
	}()

	logger.Info("escrow gateway listening", "address", cfg.ListenAddress, "chainId", cfg.ChainID)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server", "error", err)
		os.Exit(1)
	}
	logger.Info("escrow gateway stopped")
}

func webhookOptions(cfg *config.Config) []gateway.WebhookQueueOption {
	var opts []gateway.WebhookQueueOption
	if cfg.WebhookQueueCapacity > 0 {
		opts = append(opts, gateway.WithWebhookTaskCapacity(cfg.WebhookQueueCapacity))
	}
	if cfg.WebhookHistoryCapacity > 0 {
		opts = append(opts, gateway.WithWebhookHistoryCapacity(cfg.WebhookHistoryCapacity))
	}
	if cfg.WebhookTTLSeconds > 0 {
		opts = append(opts, gateway.WithWebhookTTL(time.Duration(cfg.WebhookTTLSeconds)*time.Second))
	}
	return opts
}

// watchWallet surfaces wallet daemon account or network changes in the logs.
// The executor re-checks the chain id on every settlement, so a change here is
// operator information rather than a control signal.
func watchWallet(ctx context.Context, logger *slog.Logger, wallet *settlement.RPCWalletGateway) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-wallet.AccountEvents():
			if !ok {
				return
			}
			logger.Warn("wallet account change observed", "chainId", evt.ChainID)
		}
	}
}
