// Command ikedaemon runs the IKEv2 daemon core: one listening UDP
// socket, one Dispatcher, and either a standing wait for an inbound
// peer or an immediate initiator-side connection to -peer.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/aterrichi/ikedaemon/config"
	"github.com/aterrichi/ikedaemon/dispatch"
	"github.com/aterrichi/ikedaemon/kernel"
	"github.com/aterrichi/ikedaemon/protocol"
	"github.com/aterrichi/ikedaemon/transport"
)

func main() {
	var (
		listenAddr = flag.String("listen", "0.0.0.0:500", "local UDP address to listen on")
		peerAddr   = flag.String("peer", "", "peer address to initiate towards (empty: responder-only)")
		psk        = flag.String("psk", "", "pre-shared key")
		localId    = flag.String("local-id", "", "local IKE identity (FQDN form)")
		peerId     = flag.String("peer-id", "", "peer IKE identity (FQDN form)")
		mySubnet   = flag.String("my-subnet", "", "local protected subnet/address")
		peerSubnet = flag.String("peer-subnet", "", "peer protected subnet/address")
		transportMode = flag.Bool("transport-mode", true, "negotiate transport mode instead of tunnel mode")
		logLevel   = flag.String("log-level", "info", "one of debug, info, warn, error")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	cfg, err := buildConfig(*psk, *localId, *peerId, *mySubnet, *peerSubnet, *transportMode)
	if err != nil {
		level.Error(logger).Log("msg", "invalid configuration", "err", err)
		os.Exit(1)
	}

	k, err := kernel.NewXfrmInterface()
	if err != nil {
		level.Error(logger).Log("msg", "failed to open kernel plane", "err", err)
		os.Exit(1)
	}
	defer k.Close()

	conn, err := transport.Listen("udp", *listenAddr, logger)
	if err != nil {
		level.Error(logger).Log("msg", "failed to listen", "err", err)
		os.Exit(1)
	}

	d := dispatch.New(conn, k, cfg, logger)

	if *peerAddr != "" {
		addr, err := resolveUDPAddr(*peerAddr)
		if err != nil {
			level.Error(logger).Log("msg", "invalid peer address", "err", err)
			os.Exit(1)
		}
		if err := d.OpenInitiator(addr); err != nil {
			level.Error(logger).Log("msg", "failed to start initiator exchange", "err", err)
			os.Exit(1)
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		level.Info(logger).Log("msg", "shutting down")
		d.Close()
	}()

	level.Info(logger).Log("msg", "ikedaemon listening", "addr", *listenAddr)
	d.Run()
}

func buildConfig(psk, localId, peerId, mySubnet, peerSubnet string, transportMode bool) (*config.IkeConfiguration, error) {
	if psk == "" || mySubnet == "" || peerSubnet == "" {
		return nil, fmt.Errorf("psk, my-subnet, and peer-subnet are required")
	}
	mode := config.ModeTunnel
	if transportMode {
		mode = config.ModeTransport
	}
	return config.Load(config.Params{
		Psk:     psk,
		LocalId: localId,
		PeerId:  peerId,
		Ike:     protocol.IKE_AES256_CBC_SHA256_DH2048,
		Protect: []config.ProtectParams{
			{
				MySubnet:   mySubnet,
				PeerSubnet: peerSubnet,
				Mode:       mode,
				IpsecProto: protocol.PROTO_ESP,
				Esp:        protocol.ESP_AES256_CBC_SHA256,
			},
		},
	})
}

func resolveUDPAddr(s string) (*net.UDPAddr, error) {
	return net.ResolveUDPAddr("udp", s)
}

func newLogger(levelName string) log.Logger {
	base := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	base = log.With(base, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	var opt level.Option
	switch levelName {
	case "debug":
		opt = level.AllowDebug()
	case "warn":
		opt = level.AllowWarn()
	case "error":
		opt = level.AllowError()
	default:
		opt = level.AllowInfo()
	}
	return level.NewFilter(base, opt)
}
