package crisola

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

// batchReader is implemented by both `ipv4.PacketConn` and
// `ipv6.PacketConn`, whose Message types are the same alias.
type batchReader interface {
	ReadBatch(ms []ipv4.Message, flags int) (int, error)
}

// groupConn is the UDP socket of a peer, plus where its frames go.
type groupConn struct {
	*net.UDPConn
	dest   *net.UDPAddr
	reader batchReader
}

func newGroupConn(conn *net.UDPConn, dest *net.UDPAddr) *groupConn {
	gc := &groupConn{
		UDPConn: conn,
		dest:    dest,
	}
	if dest.IP.To4() != nil {
		gc.reader = ipv4.NewPacketConn(conn)
	} else {
		gc.reader = ipv6.NewPacketConn(conn)
	}
	return gc
}

func (gc *groupConn) readBatch(ms []ipv4.Message) (int, error) {
	return gc.reader.ReadBatch(ms, 0)
}

func (gc *groupConn) send(frame []byte) (int, error) {
	return gc.WriteToUDP(frame, gc.dest)
}

// bindGroup binds a UDP socket on the port of the group, joins the group
// and tunes the socket. On error, nothing is left open.
func bindGroup(addr netip.AddrPort, cfg *config, logger *slog.Logger, msink metrics.MetricSink) (gc *groupConn, err error) {
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	if !addr.Addr().IsMulticast() {
		return nil, fmt.Errorf("%w: %s", ErrNotMulticast, addr)
	}

	network := "udp6"
	if addr.Addr().Is4() {
		network = "udp4"
	}

	// Listening on a multicast address makes the runtime bind the
	// wildcard address of the family.
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(context.Background(), network, addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBind, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		panic(fmt.Sprintf("go runtime produced a %T for %s", pc, network))
	}

	defer func() {
		if err != nil {
			conn.Close()
		}
	}()

	if err := negociateBufferSize(conn, cfg, logger, msink); err != nil {
		return nil, err
	}

	group := net.UDPAddrFromAddrPort(addr)
	gc = newGroupConn(conn, group)

	switch p := gc.reader.(type) {
	case *ipv4.PacketConn:
		err = joinGroupV4(p, group, cfg)
	case *ipv6.PacketConn:
		err = joinGroupV6(p, group, cfg)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("joined multicast group",
		LabelGroup.L(addr.String()),
		"local", conn.LocalAddr().String(),
		"loopback", cfg.loopback,
	)
	return gc, nil
}

func joinGroupV4(p *ipv4.PacketConn, group *net.UDPAddr, cfg *config) error {
	if err := p.JoinGroup(cfg.iface, &net.UDPAddr{IP: group.IP}); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinGroup, err)
	}
	if cfg.iface != nil {
		if err := p.SetMulticastInterface(cfg.iface); err != nil {
			return fmt.Errorf("%w: %w", ErrJoinGroup, err)
		}
	}
	if err := p.SetMulticastLoopback(cfg.loopback); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinGroup, err)
	}
	return nil
}

func joinGroupV6(p *ipv6.PacketConn, group *net.UDPAddr, cfg *config) error {
	if err := p.JoinGroup(cfg.iface, &net.UDPAddr{IP: group.IP, Zone: group.Zone}); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinGroup, err)
	}
	if cfg.iface != nil {
		if err := p.SetMulticastInterface(cfg.iface); err != nil {
			return fmt.Errorf("%w: %w", ErrJoinGroup, err)
		}
	}
	if err := p.SetMulticastLoopback(cfg.loopback); err != nil {
		return fmt.Errorf("%w: %w", ErrJoinGroup, err)
	}
	return nil
}

func negociateBufferSize(conn *net.UDPConn, cfg *config, logger *slog.Logger, msink metrics.MetricSink) error {
	requested := cfg.bufferSize
	size := requested
	for size > 0 {
		if err := conn.SetReadBuffer(size); err != nil {
			if cfg.enforceBufferSize {
				return fmt.Errorf("%w: %w", ErrBufferSize, err)
			}
			size = size >> 1
			continue
		}
		if size != requested {
			logger.Warn("using smaller than expected UDP buffer", "bytes", size)
		}
		msink.SetGaugeWithLabels(
			MetricCrisolaUDPBufferSizeBytes,
			float32(size),
			cfg.metricLabels,
		)
		return nil
	}
	return ErrBufferSize
}

// isTimeout reports a read deadline expiry, which is how both the poll
// interval and the waker end a wait.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}
