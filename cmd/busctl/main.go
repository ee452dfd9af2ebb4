// Program busctl calls a D-Bus method and prints the reply, to show how
// the package can be configured and used if needed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/marselester/dbus"
)

func main() {
	// By default an exit code is set to indicate a failure
	// since there are more failure scenarios to begin with.
	exitCode := 1
	defer func() { os.Exit(exitCode) }()

	addr := flag.String("addr", "", "bus address, defaults to $DBUS_SYSTEM_BUS_ADDRESS")
	dest := flag.String("dest", "org.freedesktop.DBus", "destination bus name")
	path := flag.String("path", "/org/freedesktop/DBus", "object path")
	iface := flag.String("iface", "org.freedesktop.DBus", "interface name")
	member := flag.String("member", "ListNames", "method name")
	timeout := flag.Duration("timeout", 5*time.Second, "method call timeout")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	opts := []dbus.Option{
		dbus.WithMethodCallTimeout(*timeout),
	}
	if *addr != "" {
		parsed, err := dbus.ParseAddresses(*addr)
		if err != nil {
			log.Print(err)
			return
		}
		opts = append(opts, dbus.WithAddresses(parsed...))
	}
	if *verbose {
		opts = append(opts, dbus.WithLogger(dbus.NewGologLogger("busctl")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	c, err := dbus.Connect(ctx, opts...)
	if err != nil {
		log.Print(err)
		return
	}
	defer func() {
		if err := c.Close(); err != nil {
			log.Print(err)
		}
	}()

	fmt.Printf("assigned bus name: %s\n", c.AssignedBusName())

	msg, err := dbus.NewMethodCall(dbus.ObjectPath(*path), *member).
		Interface(*iface).
		Destination(*dest).
		Build(c)
	if err != nil {
		log.Print(err)
		return
	}

	callCtx, cancelCall := context.WithTimeout(ctx, *timeout)
	defer cancelCall()
	reply, err := c.SendRequest(callCtx, msg)
	if err != nil {
		log.Print(err)
		return
	}
	for _, v := range reply.Body {
		fmt.Println(v)
	}

	// The program terminates successfully.
	exitCode = 0
}

// escapeBusLabel escapes s for use as a single path element of a D-Bus
// object path, replacing every byte outside [A-Za-z0-9] with "_xx" (its
// lowercase hex value), and also escaping a leading digit, the convention
// systemd uses to turn arbitrary unit names into object paths. It's an
// application-level concern, not part of the core package, so it lives here
// rather than in the library.
func escapeBusLabel(s string) string {
	if s == "" {
		return "_"
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		isAlnum := (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
		if isAlnum && !(i == 0 && c >= '0' && c <= '9') {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "_%02x", c)
	}
	return b.String()
}
