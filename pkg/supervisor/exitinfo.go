package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/proxy"

	"github.com/shadowmesh/relaypool/pkg/logger"
)

// exitInfoTimeout bounds the whole round trip through an instance's own
// SOCKS port to the IP-echo endpoint.
const exitInfoTimeout = 10 * time.Second

// ipEchoResponse is the shape of the IP-echo endpoint's JSON body, per
// spec.md §4.H.
type ipEchoResponse struct {
	IP      string `json:"ip"`
	Country string `json:"country"`
}

// SocksExitInfoResolver resolves an instance's current exit IP/country by
// dialing the pool's configured IP-echo endpoint through the instance's
// own SOCKS port, grounded on update_exit_info's role in the original
// (there an explicit no-op stub; spec.md §4.H promotes it to a concrete,
// best-effort operation). A failure here never marks an instance
// unhealthy — exit-info is cosmetic, not a liveness signal.
type SocksExitInfoResolver struct {
	endpoint string
	logger   *logger.Logger
}

// NewSocksExitInfoResolver returns a resolver that queries endpoint
// through each instance's own SOCKS port. An empty endpoint makes Resolve
// a no-op, matching ExitInfoEndpoint's "empty disables it" contract.
func NewSocksExitInfoResolver(endpoint string, log *logger.Logger) *SocksExitInfoResolver {
	return &SocksExitInfoResolver{endpoint: endpoint, logger: log.Component("exit_info")}
}

// Resolve dials r.endpoint through inst's SOCKS port and, on success,
// records the reported IP/country on inst. All failures are logged and
// swallowed.
func (r *SocksExitInfoResolver) Resolve(ctx context.Context, inst *RelayInstance) {
	if r.endpoint == "" {
		return
	}

	client, err := r.socksHTTPClient(inst.socksAddr())
	if err != nil {
		r.logger.Warn("failed to build SOCKS dialer", "node_id", inst.slot.NodeID, "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		r.logger.Warn("failed to build exit-info request", "node_id", inst.slot.NodeID, "error", err)
		return
	}

	resp, err := client.Do(req)
	if err != nil {
		r.logger.Debug("exit-info request failed", "node_id", inst.slot.NodeID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.logger.Debug("exit-info endpoint returned non-200", "node_id", inst.slot.NodeID, "status", resp.StatusCode)
		return
	}

	var body ipEchoResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		r.logger.Debug("exit-info response unparseable", "node_id", inst.slot.NodeID, "error", err)
		return
	}

	inst.SetExitInfo(body.IP, body.Country)
}

func (r *SocksExitInfoResolver) socksHTTPClient(socksAddr string) (*http.Client, error) {
	dialer, err := proxy.SOCKS5("tcp", socksAddr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("build socks5 dialer for %s: %w", socksAddr, err)
	}
	contextDialer, ok := dialer.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks5 dialer does not support context dialing")
	}

	return &http.Client{
		Timeout: exitInfoTimeout,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			},
		},
	}, nil
}

// socksAddr returns the instance's own SOCKS listener address.
func (r *RelayInstance) socksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", r.slot.SocksPort)
}
