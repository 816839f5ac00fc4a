// Command meshnode is a minimal daemon entry point: it wires flags and
// on-disk config into a mesh.Node and blocks until a signal arrives.
// Richer CLI/UI layers are explicitly out of scope (spec §1); this is
// only the thin wiring the teacher's cmd/runcore/main.go does before
// handing off to its own daemon loop.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"lxmesh/ble"
	"lxmesh/internal/logctx"
	"lxmesh/mesh"
	"lxmesh/rns/rnstest"
)

func main() {
	dir := flag.String("dir", ".meshnode", "node state directory (identity, config, storage)")
	displayName := flag.String("display-name", "", "display name for the config file (only used the first time config is written)")
	stampCost := flag.Int("stamp-cost", -1, "required inbound stamp cost, -1 for none")
	verbose := flag.Bool("verbose", false, "debug-level logging")
	example := flag.Bool("exampleconfig", false, "print the default config file and exit")
	flag.Parse()

	if *example {
		fmt.Print(mesh.DefaultConfigText("Anonymous Peer"))
		return
	}
	if *verbose {
		logrus.SetLevel(logrus.DebugLevel)
	}

	var cost *int
	if *stampCost >= 0 {
		cost = stampCost
	}

	// No production rns.Transport binding ships with this module (spec
	// §1 places the RNS substrate out of scope as an external
	// collaborator); standalone runs use an in-process loopback network
	// so the binary is runnable on its own, same role rnstest plays in
	// this module's tests.
	transport := rnstest.NewNetwork().NewNode()
	logctx.Warnf("no external RNS transport wired; running against an in-process loopback network")

	n, err := mesh.Start(mesh.Options{
		Dir:               *dir,
		DisplayName:       *displayName,
		DeliveryStampCost: cost,
		Transport:         transport,
		Driver:            ble.NewTinygoDriver(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "start:", err)
		os.Exit(1)
	}
	defer n.Close()

	logctx.Noticef("meshnode ready on %s", hex.EncodeToString(n.DeliveryDestinationHash()))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logctx.Noticef("shutting down")
}
