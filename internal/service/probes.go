package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/mir00r/gameserver-lb/internal/domain"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Prober runs one liveness probe against a game server. Implementations must
// honour ctx cancellation and never block past its deadline.
type Prober interface {
	Probe(ctx context.Context, endpoint domain.ServerEndpoint) error
	Type() domain.HealthCheckType
}

// NewProber builds the prober for cfg.Type
func NewProber(cfg domain.ProbeConfig) (Prober, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Type {
	case domain.HTTPCheck:
		return NewHTTPProber(cfg.Path, cfg.ExpectedStatus, cfg.Timeout), nil
	case domain.TCPCheck:
		return &TCPProber{Port: cfg.Port}, nil
	case domain.UDPCheck:
		return &UDPProber{Port: cfg.Port, Payload: []byte("ping")}, nil
	case domain.PingCheck:
		return &PingProber{}, nil
	case domain.GRPCCheck:
		return &GRPCProber{Service: cfg.Service, Port: cfg.Port}, nil
	case domain.CustomCheck:
		return &CustomProber{Command: cfg.Command}, nil
	}
	return nil, fmt.Errorf("unsupported health check type: %s", cfg.Type)
}

func probeAddress(endpoint domain.ServerEndpoint, portOverride int) string {
	port := endpoint.Port
	if portOverride > 0 {
		port = portOverride
	}
	return net.JoinHostPort(endpoint.Address, strconv.Itoa(port))
}

// HTTPProber issues a GET against the server's health path
type HTTPProber struct {
	Path string
	// ExpectedStatus of zero accepts any 2xx response
	ExpectedStatus int
	client         *http.Client
}

// NewHTTPProber creates an HTTP prober with a pooled client
func NewHTTPProber(path string, expectedStatus int, timeout time.Duration) *HTTPProber {
	if path == "" {
		path = "/health"
	}
	return &HTTPProber{
		Path:           path,
		ExpectedStatus: expectedStatus,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
				MaxIdleConnsPerHost: 2,
			},
		},
	}
}

func (p *HTTPProber) Type() domain.HealthCheckType { return domain.HTTPCheck }

func (p *HTTPProber) Probe(ctx context.Context, endpoint domain.ServerEndpoint) error {
	url := "http://" + probeAddress(endpoint, 0) + p.Path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("User-Agent", "GameServerLB-HealthChecker/1.0")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if p.ExpectedStatus == 0 {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
	} else if resp.StatusCode == p.ExpectedStatus {
		return nil
	}
	return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
}

// TCPProber succeeds when a TCP connection can be established
type TCPProber struct {
	Port int
}

func (p *TCPProber) Type() domain.HealthCheckType { return domain.TCPCheck }

func (p *TCPProber) Probe(ctx context.Context, endpoint domain.ServerEndpoint) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", probeAddress(endpoint, p.Port))
	if err != nil {
		return err
	}
	return conn.Close()
}

// UDPProber sends Payload and waits for any datagram in reply
type UDPProber struct {
	Port    int
	Payload []byte
}

func (p *UDPProber) Type() domain.HealthCheckType { return domain.UDPCheck }

func (p *UDPProber) Probe(ctx context.Context, endpoint domain.ServerEndpoint) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", probeAddress(endpoint, p.Port))
	if err != nil {
		return err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}

	if _, err := conn.Write(p.Payload); err != nil {
		return fmt.Errorf("udp write failed: %w", err)
	}
	buf := make([]byte, 512)
	if _, err := conn.Read(buf); err != nil {
		return fmt.Errorf("no udp reply: %w", err)
	}
	return nil
}

var pingSeq uint32

// PingProber sends an ICMP echo over an unprivileged datagram socket.
// The host must allow unprivileged ping (net.ipv4.ping_group_range on Linux).
type PingProber struct{}

func (p *PingProber) Type() domain.HealthCheckType { return domain.PingCheck }

func (p *PingProber) Probe(ctx context.Context, endpoint domain.ServerEndpoint) error {
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, endpoint.Address)
	if err != nil {
		return err
	}
	var target net.IP
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			target = v4
			break
		}
	}
	if target == nil {
		return fmt.Errorf("no ipv4 address for %s", endpoint.Address)
	}

	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err != nil {
		return fmt.Errorf("icmp listen failed: %w", err)
	}
	defer conn.Close()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(5 * time.Second)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return err
	}

	seq := int(atomic.AddUint32(&pingSeq, 1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{
			ID:   os.Getpid() & 0xffff,
			Seq:  seq,
			Data: []byte("gameserver-lb"),
		},
	}
	wb, err := msg.Marshal(nil)
	if err != nil {
		return err
	}
	if _, err := conn.WriteTo(wb, &net.UDPAddr{IP: target}); err != nil {
		return fmt.Errorf("icmp write failed: %w", err)
	}

	rb := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(rb)
		if err != nil {
			return fmt.Errorf("no echo reply: %w", err)
		}
		reply, err := icmp.ParseMessage(ipv4.ICMPTypeEcho.Protocol(), rb[:n])
		if err != nil {
			continue
		}
		if reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		// the kernel rewrites the echo id on datagram sockets, so match on seq
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return nil
		}
	}
}

// GRPCProber calls the standard grpc.health.v1 Check RPC
type GRPCProber struct {
	Service string
	Port    int
}

func (p *GRPCProber) Type() domain.HealthCheckType { return domain.GRPCCheck }

func (p *GRPCProber) Probe(ctx context.Context, endpoint domain.ServerEndpoint) error {
	conn, err := grpc.NewClient(probeAddress(endpoint, p.Port),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: p.Service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health status %s", resp.GetStatus())
	}
	return nil
}

// CustomProber runs Command through sh. A zero exit status is a success.
// The server is described to the command through SERVER_ID, SERVER_ADDRESS,
// SERVER_PORT and SERVER_REGION.
type CustomProber struct {
	Command string
}

func (p *CustomProber) Type() domain.HealthCheckType { return domain.CustomCheck }

func (p *CustomProber) Probe(ctx context.Context, endpoint domain.ServerEndpoint) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.Command)
	cmd.Env = append(os.Environ(),
		"SERVER_ID="+endpoint.ID,
		"SERVER_ADDRESS="+endpoint.Address,
		"SERVER_PORT="+strconv.Itoa(endpoint.Port),
		"SERVER_REGION="+endpoint.Region,
	)
	// grandchildren holding the output pipe must not outlive the deadline
	cmd.WaitDelay = time.Second
	out, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return fmt.Errorf("command exited with %d: %s", exitErr.ExitCode(), truncate(string(out), 200))
		}
		return err
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
