// Command finitude-scan issues a READ transaction for every register
// named in the default schema against one bus connection and prints
// whatever replies arrive, for offline schema discovery and wiring
// checks against real hardware.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/dulitz/finitude/pkg/frame"
	"github.com/dulitz/finitude/pkg/metrics"
	"github.com/dulitz/finitude/pkg/monitor"
	"github.com/dulitz/finitude/pkg/registry"
)

var (
	endpoint = flag.String("endpoint", "", "bus endpoint (serial path, file://, localfile://, telnet://host[:port])")
	dest     = flag.String("dest", "3f", "destination bus address, hex")
	source   = flag.String("source", "2", "source bus address, hex")
	timeout  = flag.Duration("timeout", 2*time.Second, "per-register reply timeout")
)

func main() {
	flag.Parse()
	if *endpoint == "" {
		fmt.Fprintln(os.Stderr, "finitude-scan: -endpoint is required")
		os.Exit(2)
	}

	destAddr, err := parseHexWord(*dest)
	if err != nil {
		log.Fatalf("parsing -dest: %v", err)
	}
	sourceAddr, err := parseHexWord(*source)
	if err != nil {
		log.Fatalf("parsing -source: %v", err)
	}

	metricsReg := metrics.New(prometheus.NewRegistry(), log.Default())
	m := monitor.New(monitor.Config{
		ID:           "scan",
		Endpoint:     *endpoint,
		RequireAck06: false,
	}, registry.DefaultSchema, metricsReg, log.Default())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := m.Run(ctx); err != nil {
			log.Fatalf("connecting to %s: %v", *endpoint, err)
		}
	}()
	// Give Run a moment to open the connection before the first request.
	time.Sleep(200 * time.Millisecond)

	ids := make([][3]byte, 0, len(registry.DefaultSchema))
	for id := range registry.DefaultSchema {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return frame.RegisterHex(ids[i]) < frame.RegisterHex(ids[j])
	})

	for _, id := range ids {
		entry, _ := registry.DefaultSchema.Lookup(id)
		reply, err := m.SendWithResponse(ctx, destAddr, sourceAddr, frame.READ, id[:], *timeout)
		if err != nil {
			log.Fatalf("%s: %v", entry.Name, err)
		}
		if reply == nil {
			fmt.Printf("%s (%s): no response\n", entry.Name, frame.RegisterHex(id))
			continue
		}
		fmt.Printf("%s (%s): %s\n", entry.Name, frame.RegisterHex(id), reply.String())
	}

	m.Stop()
}

func parseHexWord(s string) (uint16, error) {
	var v uint16
	_, err := fmt.Sscanf(s, "%x", &v)
	return v, err
}
