// Command test-notify is a manual end-to-end check of the peripheral
// against the simulated host stack. A scripted central connects, collects
// notifications, disconnects, reconnects and the delivered payloads are
// printed.
//
// Usage:
//
//	go run ./cmd/test-notify [--count 3] [--interval 100ms] [--profile hello]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/chaz8081/blehello/internal/ble"
	"github.com/chaz8081/blehello/internal/logging"
	"github.com/chaz8081/blehello/internal/peripheral"
)

func main() {
	count := flag.Int("count", 3, "notifications to collect per connection")
	interval := flag.Duration("interval", 100*time.Millisecond, "notification interval")
	profile := flag.String("profile", ble.ProfileHello, "profile: hello, nus or spp")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := "info"
	if *verbose {
		level = "debug"
	}
	logger := logging.New(os.Stderr, level, "text", "test-notify")

	desc, err := ble.ProfileDescriptor(*profile, nil)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	opts := peripheral.DefaultOptions()
	opts.Descriptor = desc
	opts.Advertising = ble.DefaultAdvertisingParameters(ble.ProfileLocalName(*profile))
	opts.Notifier.Interval = *interval
	opts.Logger = logger

	stack := ble.NewSimStack(ble.DefaultSimOptions())
	p, err := peripheral.New(stack, opts)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	if err := waitUntil(ctx, stack.Advertising); err != nil {
		fmt.Printf("Error: peripheral never advertised: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Advertising as %q\n", stack.LastAdvertisingParameters().LocalName)

	if err := runRounds(ctx, stack, 2, *count, os.Stdout); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}

	cancel()
	<-done

	fmt.Println("\nDelivered:")
	for _, n := range stack.Delivered() {
		fmt.Printf("  conn=%d attr=%d %q\n", n.Conn, n.Attr, n.Data)
	}
	s := p.Notifier().Stats()
	fmt.Printf("\nticks=%d sent=%d skipped=%d failed=%d buffers_in_use=%d\n",
		s.Ticks, s.Sent, s.Skipped, s.Failed, p.Pool().InUse())
	fmt.Println("Done!")
}

// central is the scripted side of the simulated stack.
type central interface {
	Connect(peer string) (ble.ConnHandle, error)
	Subscribe(notify bool) error
	Disconnect(reason int) error
	Advertising() bool
	Delivered() []ble.Notification
}

// runRounds connects, collects count notifications and disconnects, rounds
// times, checking that advertising resumes after each disconnect.
func runRounds(ctx context.Context, c central, rounds, count int, out io.Writer) error {
	for round := 1; round <= rounds; round++ {
		conn, err := c.Connect(fmt.Sprintf("central-%d", round))
		if err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		fmt.Fprintf(out, "Central connected (conn=%d)\n", conn)
		if err := c.Subscribe(true); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		want := round * count
		if err := waitUntil(ctx, func() bool { return len(c.Delivered()) >= want }); err != nil {
			return fmt.Errorf("waiting for notifications: %w", err)
		}
		if err := c.Disconnect(ble.ReasonRemoteUserTerminated); err != nil {
			return fmt.Errorf("disconnect: %w", err)
		}
		if err := waitUntil(ctx, c.Advertising); err != nil {
			return fmt.Errorf("advertising did not resume: %w", err)
		}
		fmt.Fprintln(out, "Central disconnected, advertising resumed")
	}
	return nil
}

func waitUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return nil
}
