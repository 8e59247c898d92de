// thphost is a demo THP host: it dials a device (mock in-process pair or
// a real KCP listener), sends one channel allocation request and logs the
// allocated channel id from the reply. It does not run the handshake,
// create a session or exchange application messages.
//
// golang implementation in the style of blitter.com/go/xs/xs.go.
package main

import (
	"context"
	"crypto/rand"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	isatty "github.com/mattn/go-isatty"

	"go.trezor.io/thp/logger"
	"go.trezor.io/thp/metrics"
	"go.trezor.io/thp/thp"
	"go.trezor.io/thp/thpwire"
)

var (
	version string

	dbg        bool
	kcpAddr    string
	passphrase string
	timeoutSec uint
)

func usage() {
	fmt.Fprintf(os.Stderr, "thphost %s\nusage: thphost [flags]\n", version)
	flag.PrintDefaults()
}

func main() {
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.StringVar(&kcpAddr, "K", "", "dial a thpdevice over KCP at `host:port` instead of an in-process mock pair")
	flag.StringVar(&passphrase, "P", "thp-demo", "KCP session `passphrase`")
	flag.UintVar(&timeoutSec, "t", 10, "timeout for the whole run in `seconds`")
	flag.Usage = usage
	flag.Parse()

	if dbg {
		if _, err := logger.New(logger.LOG_DEBUG|logger.LOG_USER, "thphost"); err != nil {
			log.Printf("thphost: syslog unavailable, logging to stderr only: %v", err)
		}
		if isatty.IsTerminal(os.Stdout.Fd()) {
			log.SetFlags(log.Ltime | log.Lmicroseconds)
		}
	}
	defer logger.LogClose()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	var hostIface thp.WireInterface
	if kcpAddr != "" {
		kcpIface, err := thpwire.DialKCP(kcpAddr, []byte(passphrase), []byte("thp-demo-salt"), 1)
		if err != nil {
			log.Fatalf("thphost: dial: %v", err)
		}
		hostIface = kcpIface
	} else {
		a, _ := thp.NewMockPair(1)
		hostIface = a
	}

	collector := metrics.NewCollector()

	var nonce [8]byte
	rand.Read(nonce[:])

	transport := thp.NewTransport(hostIface, collector)
	allocReq := thp.InitHeader{CtrlByte: thp.CtrlChannelAllocationReq, CID: thp.BroadcastChannelID, Length: 8 + thp.ChecksumLength}
	var report thp.Report
	allocReq.PackInit(report[:])
	copy(report[thp.InitDataOffset:], nonce[:])
	headerBytes := allocReq.ToBytes()
	framed := append(append([]byte{}, headerBytes[:]...), nonce[:]...)
	checksum := thp.Compute(framed)
	copy(report[thp.InitDataOffset+len(nonce):], checksum[:])

	logger.Fieldf("thphost: sending channel allocation request", logger.Fields{"nonce": fmt.Sprintf("%x", nonce)})
	if err := transport.WriteFull(ctx, report); err != nil {
		log.Fatalf("thphost: write allocation request: %v", err)
	}

	// A standalone run against a discarded mock peer (no -K) has no device
	// on the other end to answer, so this simply times out; run thpdevice
	// on the same KCP address to see an actual allocation exchange.
	resp, err := transport.PollRead(ctx)
	if err != nil {
		log.Printf("thphost: waiting for allocation response: %v", err)
	} else {
		header := thp.UnpackInitHeader(resp[:])
		newCID := uint16(resp[thp.InitDataOffset+8])<<8 | uint16(resp[thp.InitDataOffset+9])
		logger.Fieldf("thphost: allocated channel", logger.Fields{"cid": newCID, "ctrl": header.CtrlByte})
	}

	log.Println("thphost: demo run complete")
}
