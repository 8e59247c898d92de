// thpdevice is a demo THP device: it accepts a wire connection (mock
// in-process pair or a real KCP listener), answers channel allocation
// requests on the broadcast channel, runs the handshake, and then loops
// reading/dispatching encrypted transport frames until the run timeout
// expires (read errors, including a peer that went away, are logged and
// the loop keeps reading).
//
// golang implementation in the style of blitter.com/go/xs/xsd.go.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

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
	modelName  string
)

func usage() {
	fmt.Fprintf(os.Stderr, "thpdevice %s\nusage: thpdevice [flags]\n", version)
	flag.PrintDefaults()
}

func main() {
	flag.BoolVar(&dbg, "d", false, "debug logging")
	flag.StringVar(&kcpAddr, "K", "", "listen for a thphost over KCP at `host:port` instead of an in-process mock pair")
	flag.StringVar(&passphrase, "P", "thp-demo", "KCP session `passphrase`")
	flag.UintVar(&timeoutSec, "t", 10, "timeout for the whole run in `seconds`")
	flag.StringVar(&modelName, "m", "demo-device", "device model name advertised in the allocation response")
	flag.Usage = usage
	flag.Parse()

	if dbg {
		if _, err := logger.New(logger.LOG_DEBUG|logger.LOG_USER, "thpdevice"); err != nil {
			log.Printf("thpdevice: syslog unavailable, logging to stderr only: %v", err)
		}
		log.SetFlags(log.Ltime | log.Lmicroseconds)
	}
	defer logger.LogClose()

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(timeoutSec)*time.Second)
	defer cancel()

	var deviceIface thp.WireInterface
	if kcpAddr != "" {
		kcpIface, err := thpwire.ListenKCP(kcpAddr, []byte(passphrase), []byte("thp-demo-salt"), 1)
		if err != nil {
			log.Fatalf("thpdevice: listen: %v", err)
		}
		defer kcpIface.Close()
		deviceIface = kcpIface
	} else {
		_, b := thp.NewMockPair(1)
		deviceIface = b
	}

	collector := metrics.NewCollector()
	credMgr := thp.NewCredentialManager([]byte("demo-master-secret"))
	router := thp.NewRouter(credMgr, thp.DeviceProperties{ModelName: modelName}, collector)

	logger.Fieldf("thpdevice: serving", logger.Fields{"model": modelName})
	for {
		if err := router.ReadMessage(ctx, deviceIface); err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Printf("thpdevice: read_message: %v", err)
			continue
		}
	}

	log.Println("thpdevice: demo run complete")
}
