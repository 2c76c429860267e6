package mcpmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Negotiator runs the initialize handshake against a freshly spawned process,
// walking a list of protocol versions until the backend accepts one.
type Negotiator struct {
	// Versions lists acceptable protocol versions in preference order.
	Versions []string
	// Timeout bounds each initialize attempt.
	Timeout    time.Duration
	ClientInfo *mcp.Implementation
	Logger     *slog.Logger
}

// errVersionRejected is reported when a backend answers initialize with a
// version outside the candidate list.
var errVersionRejected = errors.New("protocol version not acceptable")

func newNegotiator(opts ManagerOptions) *Negotiator {
	return &Negotiator{
		Versions: opts.ProtocolVersions,
		Timeout:  opts.HandshakeTimeout,
		ClientInfo: &mcp.Implementation{
			Name:    opts.ClientName,
			Version: opts.ClientVersion,
		},
		Logger: opts.Logger,
	}
}

// Candidates returns the versions to try for b: the version it negotiated
// last time first, then the configured list, without duplicates.
func (n *Negotiator) Candidates(b *Backend) []string {
	out := make([]string, 0, len(n.Versions)+1)
	if cached := b.NegotiatedVersion(); cached != "" {
		out = append(out, cached)
	}
	for _, v := range n.Versions {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Handshake moves p from Spawned through Handshaking to Initialized, or to
// Failed when every candidate is rejected, times out, or the process exits.
// notifications/initialized is sent before p is marked Initialized.
func (n *Negotiator) Handshake(ctx context.Context, p *Process) (*mcp.InitializeResult, error) {
	p.setState(StateHandshaking)
	logger := n.logger().With("backend", p.backend.Name, "pid", p.PID())

	var (
		tried   []string
		lastErr error
	)
	for _, version := range n.Candidates(p.backend) {
		tried = append(tried, version)
		res, err := n.attempt(ctx, p, version)
		if err == nil {
			if err := p.Notify("notifications/initialized", nil); err != nil {
				lastErr = err
				break
			}
			p.setVersion(res.ProtocolVersion)
			p.backend.setNegotiatedVersion(res.ProtocolVersion)
			p.setState(StateInitialized)
			logger.Info("backend initialized", "protocol_version", res.ProtocolVersion)
			return res, nil
		}
		lastErr = err
		if errors.Is(err, ErrProcessClosed) || ctx.Err() != nil {
			break
		}
		logger.Debug("initialize attempt rejected", "protocol_version", version, "error", err)
	}
	p.setState(StateFailed)
	return nil, &HandshakeError{Backend: p.backend.Name, Tried: tried, Err: lastErr}
}

func (n *Negotiator) attempt(ctx context.Context, p *Process, version string) (*mcp.InitializeResult, error) {
	if n.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.Timeout)
		defer cancel()
	}
	params := &mcp.InitializeParams{
		ProtocolVersion: version,
		ClientInfo:      n.ClientInfo,
		Capabilities:    &mcp.ClientCapabilities{},
	}
	raw, err := p.Call(ctx, "initialize", params)
	if err != nil {
		return nil, err
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if !slices.Contains(n.Versions, res.ProtocolVersion) {
		return nil, fmt.Errorf("%w: backend answered %q", errVersionRejected, res.ProtocolVersion)
	}
	return &res, nil
}

func (n *Negotiator) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
