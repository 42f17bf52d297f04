package cli

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/flatmapit/dicomrelay/internal/config"
	"github.com/flatmapit/dicomrelay/internal/editor"
	"github.com/flatmapit/dicomrelay/internal/scp"
)

// ListenCommand returns the listen command: bind the store provider
// and forward every received instance to the configured destinations.
func ListenCommand() *cli.Command {
	return &cli.Command{
		Name:  "listen",
		Usage: "Accept inbound C-STORE associations and forward instances to the configured destinations",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "address",
				Usage: "Bind address (overrides config)",
			},
			&cli.StringFlag{
				Name:  "aet",
				Usage: "Our application entity title (overrides config)",
			},
			&cli.StringFlag{
				Name:  "uid-hash-key",
				Usage: "Session key for pseudonymizing UID hashing (random when empty)",
			},
		},
		Action: listenAction,
	}
}

func listenAction(c *cli.Context) error {
	cfg, ok := c.Context.Value(configKey).(*config.Config)
	if !ok {
		return cli.Exit("configuration not found in context", 1)
	}
	if v := c.String("address"); v != "" {
		cfg.Listen = v
	}
	if v := c.String("aet"); v != "" {
		cfg.AETitle = v
	}
	if len(cfg.ForwardRules) == 0 {
		return cli.Exit("no forward rules configured", 1)
	}

	hasher := editor.NewUIDHasher(sessionKey(c.String("uid-hash-key")))
	reg, destinations, err := BuildRegistry(cfg, hasher)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid configuration: %v", err), 1)
	}

	caps, err := scp.LoadCapabilities(cfg.TransferCapabilityFile)
	if err != nil {
		return cli.Exit(fmt.Sprintf("failed to load transfer capabilities: %v", err), 1)
	}

	server := scp.NewServer(cfg.AETitle, reg)
	server.Capabilities = caps
	server.BindCallingAET = cfg.BindCallingAET
	for _, caller := range cfg.AuthorizedCallers {
		server.AuthorizedCallers = append(server.AuthorizedCallers, NodeFromConfig(caller))
	}

	if cfg.TLS.Enabled {
		tlsConfig, err := buildTLSConfig(cfg.TLS)
		if err != nil {
			return cli.Exit(fmt.Sprintf("invalid TLS configuration: %v", err), 1)
		}
		listener, err := tls.Listen("tcp", cfg.Listen, tlsConfig)
		if err != nil {
			return cli.Exit(fmt.Sprintf("failed to bind %s: %v", cfg.Listen, err), 2)
		}
		server.BindListener(listener)
	} else if err := server.Bind(cfg.Listen); err != nil {
		return cli.Exit(fmt.Sprintf("failed to bind: %v", err), 2)
	}

	logrus.Infof("Relaying for %d source(s) to %d destination(s)", len(cfg.ForwardRules), len(destinations))

	<-c.Context.Done()
	logrus.Info("Shutting down")
	server.Unbind()
	for _, d := range destinations {
		d.Stop()
	}
	return nil
}

func sessionKey(configured string) []byte {
	if configured != "" {
		return []byte(configured)
	}
	key := make([]byte, 32)
	rand.Read(key)
	return key
}

func buildTLSConfig(tc config.TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(tc.KeystoreFile, tc.KeystoreKeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}
	tlsConfig := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: tc.InsecureSkipVerify,
	}
	if tc.RequireClientAuth {
		tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return tlsConfig, nil
}
