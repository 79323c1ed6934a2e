// The sandbox binary runs a self-contained EBICS host with an in-memory demo
// ledger, seeded from a YAML scenario file. It exists for development and for
// end-to-end exercises of the gateway without a real bank.
package main

import (
	"context"
	"crypto/rsa"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	gwcrypto "ebicsgw/crypto"
	"ebicsgw/observability/logging"
	"ebicsgw/sandbox"
)

func main() {
	scenarioFile := flag.String("scenario", "./scenario.yaml", "Path to the scenario file")
	listenAddress := flag.String("listen", ":8484", "Listen address for the EBICS host")
	keyDir := flag.String("keys", "", "Directory for persisted host keys; empty means ephemeral")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("EBICSGW_ENV"))
	logger := logging.Setup("ebicssandbox", env, logging.Options{})

	scenario, err := sandbox.LoadScenario(*scenarioFile)
	if err != nil {
		logger.Error("load scenario", "err", err)
		os.Exit(1)
	}
	keys, err := hostKeys(*keyDir)
	if err != nil {
		logger.Error("load host keys", "err", err)
		os.Exit(1)
	}

	bank := sandbox.NewDemoBank(nil)
	host := sandbox.NewHost(scenario.HostID, keys, bank, logger)
	if err := scenario.Apply(host); err != nil {
		logger.Error("apply scenario", "err", err)
		os.Exit(1)
	}

	logger.Info("sandbox host ready",
		"host_id", scenario.HostID,
		"auth_fingerprint", gwcrypto.FingerprintHex(&keys.Authentication.PublicKey),
		"enc_fingerprint", gwcrypto.FingerprintHex(&keys.Encryption.PublicKey))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpServer := &http.Server{
		Addr:              *listenAddress,
		Handler:           host,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown", "err", err)
		}
	}()

	logger.Info("sandbox listening", "addr", *listenAddress)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("serve", "err", err)
		os.Exit(1)
	}
}

// hostKeys loads the persisted key triple, generating and saving one on first
// run. An empty directory yields fresh ephemeral keys.
func hostKeys(dir string) (*gwcrypto.KeyTriple, error) {
	if dir == "" {
		return gwcrypto.GenerateTriple()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	const (
		sigFile  = "signature.der"
		authFile = "authentication.der"
		encFile  = "encryption.der"
	)
	existing := true
	for _, name := range []string{sigFile, authFile, encFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			existing = false
			break
		}
	}

	if existing {
		load := func(name string) (*rsa.PrivateKey, error) {
			der, err := os.ReadFile(filepath.Join(dir, name))
			if err != nil {
				return nil, err
			}
			key, err := gwcrypto.ParsePrivateKey(der)
			if err != nil {
				return nil, fmt.Errorf("parse %s: %w", name, err)
			}
			return key, nil
		}
		sig, err := load(sigFile)
		if err != nil {
			return nil, err
		}
		auth, err := load(authFile)
		if err != nil {
			return nil, err
		}
		enc, err := load(encFile)
		if err != nil {
			return nil, err
		}
		return &gwcrypto.KeyTriple{Signature: sig, Authentication: auth, Encryption: enc}, nil
	}

	triple, err := gwcrypto.GenerateTriple()
	if err != nil {
		return nil, err
	}
	save := func(name string, key *rsa.PrivateKey) error {
		der, err := gwcrypto.MarshalPrivateKey(key)
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(dir, name), der, 0o600)
	}
	if err := save(sigFile, triple.Signature); err != nil {
		return nil, err
	}
	if err := save(authFile, triple.Authentication); err != nil {
		return nil, err
	}
	if err := save(encFile, triple.Encryption); err != nil {
		return nil, err
	}
	return triple, nil
}
