// Package tunneler opens local port forwards over chains of SSH hops. The
// forwards are described in a tunnel spec, one per line:
//
//	# comment
//	bob@bastion.example.com->alice@inside.example.com:2222|localhost:8080:service.example.com:80
//
// Everything before the '|' is the path: hops separated by "->", each in
// "[user@]host[:port]" form. The first hop is dialed directly and every
// following hop is dialed through the SSH connection of the hop before it.
// Everything after the '|' is the forward: listen on localhost:8080 and
// connect each accepted connection to service.example.com:80 from the last
// hop.
//
// Paths that start with the same hops share the SSH connections for those
// hops. Connections are made when the tunnels are opened, not when the spec
// is loaded.
//
// Typical use:
//
//	t, err := tunneler.NewFromFile("tunnels.cfg",
//		tunneler.WithAgent(),
//		tunneler.WithKnownHosts("/home/bob/.ssh/known_hosts"),
//	)
//	...
//	defer t.Close()
//
//	if err := t.Open(ctx); err != nil {
//		...
//	}
package tunneler
