package main

import (
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/skip2/go-qrcode"

	"github.com/nugget/hark/internal/config"
)

// pairing is what the companion app needs to reach the control surface.
type pairing struct {
	ControlURL string `json:"control_url"`
	AudioURL   string `json:"audio_url"`
	RPCURL     string `json:"rpc_url"`
}

// runPair prints the control surface URLs and a QR code of the control
// URL for the companion app to scan.
func runPair(w io.Writer, configPath, outputFmt string) error {
	cfg, err := loadConfigOrDefault(configPath)
	if err != nil {
		return err
	}

	p := newPairing(cfg.Listen, lanAddress())
	if outputFmt == "json" {
		return writeJSONOut(w, p)
	}

	qr, err := qrcode.New(p.ControlURL, qrcode.Medium)
	if err != nil {
		return fmt.Errorf("encode QR code: %w", err)
	}
	fmt.Fprintln(w, "Scan with the Hark companion app:")
	fmt.Fprintln(w)
	fmt.Fprint(w, qr.ToSmallString(false))
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  control: %s\n", p.ControlURL)
	fmt.Fprintf(w, "  audio:   %s\n", p.AudioURL)
	fmt.Fprintf(w, "  rpc:     %s\n", p.RPCURL)
	return nil
}

// newPairing uses the configured bind address, or fallback when the
// server listens on every interface.
func newPairing(listen config.ListenConfig, fallback string) pairing {
	host := listen.Address
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = fallback
	}
	hostPort := net.JoinHostPort(host, strconv.Itoa(listen.Port))
	return pairing{
		ControlURL: "ws://" + hostPort + "/v1/ws",
		AudioURL:   "ws://" + hostPort + "/v1/audio",
		RPCURL:     "http://" + hostPort + "/v1/rpc",
	}
}

// lanAddress returns the first non-loopback IPv4 address, or localhost.
func lanAddress() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "localhost"
	}
	for _, a := range addrs {
		ipnet, ok := a.(*net.IPNet)
		if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil {
			return ip4.String()
		}
	}
	return "localhost"
}
