// ABOUTME: Opens the gRPC and HTTP listeners on plain TCP or on a tailnet node
// ABOUTME: Tailnet mode can serve HTTP over Tailscale certs or expose it through Funnel

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/tsnet"
)

// Ports used on the tailnet when server addresses carry none.
const (
	tailnetGRPCPort  = "50051"
	tailnetHTTPPort  = "80"
	tailnetHTTPSPort = "443"
)

type listeners struct {
	grpc net.Listener
	http net.Listener
}

func (l listeners) close() {
	for _, ln := range []net.Listener{l.grpc, l.http} {
		if ln != nil {
			_ = ln.Close()
		}
	}
}

func (g *Gateway) listen(ctx context.Context) (listeners, error) {
	if g.config.Tailscale.Enabled {
		return g.listenTailnet(ctx)
	}
	return g.listenTCP()
}

func (g *Gateway) listenTCP() (listeners, error) {
	var ls listeners
	var err error

	if ls.grpc, err = net.Listen("tcp", g.config.Server.GRPCAddr); err != nil {
		return ls, fmt.Errorf("listening on gRPC address %s: %w", g.config.Server.GRPCAddr, err)
	}
	if ls.http, err = net.Listen("tcp", g.config.Server.HTTPAddr); err != nil {
		ls.close()
		return listeners{}, fmt.Errorf("listening on HTTP address %s: %w", g.config.Server.HTTPAddr, err)
	}
	return ls, nil
}

// portOf returns the port of a host:port address, or def when addr has none.
func portOf(addr, def string) string {
	if _, port, err := net.SplitHostPort(addr); err == nil && port != "" {
		return port
	}
	return def
}

// listenTailnet brings up a tsnet node and listens on it. Hosts in the server
// addresses are ignored on the tailnet; their ports are kept.
func (g *Gateway) listenTailnet(ctx context.Context) (ls listeners, err error) {
	ts := g.config.Tailscale

	stateDir := ts.StateDir
	if stateDir == "" {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return ls, fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir): %w", herr)
		}
		stateDir = filepath.Join(home, ".local", "share", "agenthub", "tailscale")
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return ls, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey := ts.AuthKey
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return ls, errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       stateDir,
		Ephemeral: ts.Ephemeral,
		AuthKey:   authKey,
	}
	defer func() {
		if err != nil {
			ls.close()
			_ = srv.Close()
		}
	}()

	g.logger.Info("starting tailscale node", "hostname", ts.Hostname, "state_dir", stateDir, "ephemeral", ts.Ephemeral)
	status, err := srv.Up(ctx)
	if err != nil {
		return ls, fmt.Errorf("starting tailscale: %w", err)
	}

	var ip, dnsName string
	if len(status.TailscaleIPs) > 0 {
		ip = status.TailscaleIPs[0].String()
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", ts.Hostname, "tailscale_ip", ip, "dns_name", dnsName)

	grpcPort := portOf(g.config.Server.GRPCAddr, tailnetGRPCPort)
	if ls.grpc, err = srv.Listen("tcp", ":"+grpcPort); err != nil {
		return ls, fmt.Errorf("listening on tailnet gRPC port %s: %w", grpcPort, err)
	}

	switch {
	case ts.Funnel:
		g.logger.Info("exposing HTTP publicly through tailscale funnel", "port", tailnetHTTPSPort)
		ls.http, err = srv.ListenFunnel("tcp", ":"+tailnetHTTPSPort)
	case ts.HTTPS:
		ls.http, err = tailnetTLSListener(srv)
	default:
		ls.http, err = srv.Listen("tcp", ":"+portOf(g.config.Server.HTTPAddr, tailnetHTTPPort))
	}
	if err != nil {
		return ls, fmt.Errorf("listening on tailnet HTTP port: %w", err)
	}

	g.tsnetServer = srv
	return ls, nil
}

// tailnetTLSListener serves HTTPS on :443 with certificates provisioned by
// the tailnet.
func tailnetTLSListener(srv *tsnet.Server) (net.Listener, error) {
	lc, err := srv.LocalClient()
	if err != nil {
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	ln, err := srv.Listen("tcp", ":"+tailnetHTTPSPort)
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}
